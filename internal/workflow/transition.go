package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/admissions/internal/observability"
	"github.com/pitabwire/admissions/model"
)

// transitionResult describes what a status update did, for logging and
// metrics once the transaction has committed.
type transitionResult struct {
	stage     model.StageInstance
	previous  model.StageStatus
	activated *model.StageInstance
	completed bool
}

// UpdateStatus sets a stage's status. Completing a stage that was not already
// COMPLETED activates the next stage by sequence, or marks the workflow
// finished when none remains. Any other status re-points the application at
// the updated stage. The stage write, timeline entries and pointer update
// commit together.
func (e *Engine) UpdateStatus(ctx context.Context, applicationID, stageID int64, in model.StatusUpdate) (stage model.StageInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.update_status",
		observability.AttrApplicationID.Int64(applicationID),
		observability.AttrStageID.Int64(stageID),
		observability.AttrStageStatus.String(string(in.Status)),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := validateStatusUpdate(in); err != nil {
		e.logger.Debug("status update rejected",
			zap.Int64("application_id", applicationID),
			zap.Int64("stage_id", stageID),
			zap.Error(err),
		)
		return model.StageInstance{}, err
	}

	var res transitionResult
	err = e.uow.Run(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		res, err = e.updateStatus(ctx, tx, applicationID, stageID, in)
		return err
	})
	if err != nil {
		return model.StageInstance{}, err
	}

	key := string(res.stage.StageKey)
	span.SetAttributes(
		observability.AttrStageKey.String(key),
		observability.AttrCascaded.Bool(res.activated != nil || res.completed),
	)
	e.metrics.RecordStageTransition(key, string(res.stage.Status))
	if res.stage.Status == model.StageStatusCompleted && res.previous != model.StageStatusCompleted &&
		res.stage.StartedAt != nil && res.stage.CompletedAt != nil {
		e.metrics.RecordStageDuration(key, res.stage.CompletedAt.Sub(*res.stage.StartedAt))
	}
	if res.completed {
		e.metrics.RecordWorkflowCompleted()
	}

	fields := []zap.Field{
		zap.Int64("application_id", applicationID),
		zap.Int64("stage_id", stageID),
		zap.String("stage_key", key),
		zap.String("from", string(res.previous)),
		zap.String("to", string(res.stage.Status)),
	}
	if res.activated != nil {
		fields = append(fields, zap.String("activated", string(res.activated.StageKey)))
	}
	if res.completed {
		fields = append(fields, zap.Bool("workflow_completed", true))
	}
	e.logger.Info("stage status updated", fields...)
	if ce := e.logger.Check(zap.DebugLevel, "status update metadata"); ce != nil && len(in.Metadata) > 0 {
		var m map[string]any
		if json.Unmarshal(in.Metadata, &m) == nil {
			ce.Write(zap.Int64("stage_id", stageID), zap.Any("metadata", observability.RedactBody(m, nil)))
		}
	}

	return res.stage, nil
}

func validateStatusUpdate(in model.StatusUpdate) error {
	var details []model.FieldError
	if !in.Status.Valid() {
		details = append(details, model.FieldError{
			Field:   "status",
			Code:    "invalid",
			Message: fmt.Sprintf("status %q is not one of PENDING, IN_PROGRESS, COMPLETED, ON_HOLD", in.Status),
		})
	}
	if len(in.Metadata) > 0 && !json.Valid(in.Metadata) {
		details = append(details, model.FieldError{Field: "metadata", Code: "invalid_json", Message: "metadata must be valid JSON"})
	}
	if len(in.Payload) > 0 && !json.Valid(in.Payload) {
		details = append(details, model.FieldError{Field: "payload", Code: "invalid_json", Message: "payload must be valid JSON"})
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

func (e *Engine) updateStatus(ctx context.Context, tx Tx, applicationID, stageID int64, in model.StatusUpdate) (transitionResult, error) {
	// 1. Lock application, then stage.
	app, err := tx.LockApplication(ctx, applicationID)
	if err != nil {
		return transitionResult{}, err
	}
	stage, err := lockOwnedStage(ctx, tx, applicationID, stageID)
	if err != nil {
		return transitionResult{}, err
	}
	if in.Guard != nil {
		if err := in.Guard(stage); err != nil {
			return transitionResult{}, err
		}
	}

	// 2. Apply the new status and its timestamps.
	now := e.now()
	res := transitionResult{previous: stage.Status}
	stage.Status = in.Status
	switch in.Status {
	case model.StageStatusInProgress:
		if stage.StartedAt == nil {
			stage.StartedAt = timePtr(now)
		}
	case model.StageStatusCompleted:
		stage.CompletedAt = timePtr(now)
	}
	if len(in.Payload) > 0 {
		stage.Payload = in.Payload
	}
	stage.UpdatedAt = now
	if err := tx.UpdateStage(ctx, stage); err != nil {
		return transitionResult{}, err
	}
	res.stage = stage

	if err := e.appendTimeline(ctx, tx, timelineEvent{
		applicationID: applicationID,
		stageKey:      &stage.StageKey,
		eventType:     model.EventStageStatusUpdated,
		actor:         in.Actor,
		notes:         in.Notes,
		metadata:      in.Metadata,
		at:            now,
	}); err != nil {
		return transitionResult{}, err
	}

	// 3. Decide the pointers. Exactly one pointer write follows.
	var pointers model.WorkflowPointers
	switch {
	case in.Status != model.StageStatusCompleted:
		pointers = model.PointersFor(stage)

	case res.previous == model.StageStatusCompleted:
		// Already complete: the cascade ran when it first completed.
		pointers = app.Pointers()

	default:
		next, ok, err := tx.NextStage(ctx, applicationID, stage.Sequence)
		if err != nil {
			return transitionResult{}, err
		}
		if ok {
			// The next stage's own stored status is mirrored as-is,
			// including ON_HOLD.
			pointers = model.PointersFor(next)
			res.activated = &next
			if err := e.appendTimeline(ctx, tx, timelineEvent{
				applicationID: applicationID,
				stageKey:      &next.StageKey,
				eventType:     model.EventStageActivated,
				notes:         strPtr(fmt.Sprintf("%s activated", next.Name)),
				metadata:      map[string]any{"previous_stage_key": stage.StageKey},
				at:            now,
			}); err != nil {
				return transitionResult{}, err
			}
		} else {
			pointers = model.TerminalPointers(stage.StageKey)
			res.completed = true
			if err := e.appendTimeline(ctx, tx, timelineEvent{
				applicationID: applicationID,
				stageKey:      &stage.StageKey,
				eventType:     model.EventWorkflowCompleted,
				notes:         strPtr("Admissions workflow completed"),
				at:            now,
			}); err != nil {
				return transitionResult{}, err
			}
		}
	}

	if err := tx.UpdatePointers(ctx, applicationID, pointers, now); err != nil {
		return transitionResult{}, err
	}
	return res, nil
}

// Assign changes a stage's owning role and/or user. A nil AssignedRole keeps
// the stage's role; AssignedUserID is always overwritten, so omitting it
// clears any individual assignee. The application's assignee pointers are
// updated only when the stage is the application's current stage.
func (e *Engine) Assign(ctx context.Context, applicationID, stageID int64, in model.Assignment) (stage model.StageInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.assign",
		observability.AttrApplicationID.Int64(applicationID),
		observability.AttrStageID.Int64(stageID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := validateAssignment(in); err != nil {
		return model.StageInstance{}, err
	}

	var mirrored bool
	err = e.uow.Run(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		stage, mirrored, err = e.assign(ctx, tx, applicationID, stageID, in)
		return err
	})
	if err != nil {
		return model.StageInstance{}, err
	}

	span.SetAttributes(observability.AttrStageKey.String(string(stage.StageKey)))
	e.metrics.RecordStageAssignment(string(stage.StageKey))
	fields := []zap.Field{
		zap.Int64("application_id", applicationID),
		zap.Int64("stage_id", stageID),
		zap.String("stage_key", string(stage.StageKey)),
		zap.String("assigned_role", stage.AssignedRole),
		zap.Bool("current_stage", mirrored),
	}
	if stage.AssignedUserID != nil {
		fields = append(fields, zap.Int64("assigned_user_id", *stage.AssignedUserID))
	}
	e.logger.Info("stage assigned", fields...)
	return stage, nil
}

func validateAssignment(in model.Assignment) error {
	var details []model.FieldError
	if in.AssignedRole != nil && strings.TrimSpace(*in.AssignedRole) == "" {
		details = append(details, model.FieldError{Field: "assigned_role", Code: "required", Message: "assigned role must not be blank"})
	}
	if in.AssignedUserID != nil && *in.AssignedUserID <= 0 {
		details = append(details, model.FieldError{Field: "assigned_user_id", Code: "invalid", Message: "assigned user id must be positive"})
	}
	if len(in.Metadata) > 0 && !json.Valid(in.Metadata) {
		details = append(details, model.FieldError{Field: "metadata", Code: "invalid_json", Message: "metadata must be valid JSON"})
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

func (e *Engine) assign(ctx context.Context, tx Tx, applicationID, stageID int64, in model.Assignment) (model.StageInstance, bool, error) {
	// 1. Lock application, then stage.
	app, err := tx.LockApplication(ctx, applicationID)
	if err != nil {
		return model.StageInstance{}, false, err
	}
	stage, err := lockOwnedStage(ctx, tx, applicationID, stageID)
	if err != nil {
		return model.StageInstance{}, false, err
	}
	if in.Guard != nil {
		if err := in.Guard(stage); err != nil {
			return model.StageInstance{}, false, err
		}
	}

	// 2. Overwrite role (if given) and user.
	now := e.now()
	if in.AssignedRole != nil {
		stage.AssignedRole = strings.TrimSpace(*in.AssignedRole)
	}
	stage.AssignedUserID = in.AssignedUserID
	stage.UpdatedAt = now
	if err := tx.UpdateStage(ctx, stage); err != nil {
		return model.StageInstance{}, false, err
	}

	notes := in.Notes
	if notes == nil {
		notes = strPtr("Assigned to " + stage.AssignedRole)
	}
	if err := e.appendTimeline(ctx, tx, timelineEvent{
		applicationID: applicationID,
		stageKey:      &stage.StageKey,
		eventType:     model.EventStageAssigned,
		actor:         in.Actor,
		notes:         notes,
		metadata:      in.Metadata,
		at:            now,
	}); err != nil {
		return model.StageInstance{}, false, err
	}

	// 3. Mirror onto the application only for its current stage, and never
	// over the terminal pointers of a finished workflow.
	if app.CurrentStageKey == nil || *app.CurrentStageKey != stage.StageKey || app.Completed() {
		return stage, false, nil
	}
	p := app.Pointers()
	role := stage.AssignedRole
	p.AssigneeRole = &role
	if stage.AssignedUserID != nil {
		id := *stage.AssignedUserID
		p.AssigneeID = &id
	} else {
		p.AssigneeID = nil
	}
	if err := tx.UpdatePointers(ctx, applicationID, p, now); err != nil {
		return model.StageInstance{}, false, err
	}
	return stage, true, nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}
