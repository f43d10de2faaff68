// Package workflow drives an admissions application through its fixed stage
// pipeline: initialization, status transitions with cascade, reassignment,
// the append-only timeline and the communication log.
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

// Recorder receives workflow metrics. *observability.Metrics implements it.
type Recorder interface {
	RecordWorkflowInitialized()
	RecordStageTransition(stageKey, status string)
	RecordStageAssignment(stageKey string)
	RecordStageDuration(stageKey string, d time.Duration)
	RecordWorkflowCompleted()
	RecordCommunicationLogged(channel string)
}

type nopRecorder struct{}

func (nopRecorder) RecordWorkflowInitialized() {}
func (nopRecorder) RecordStageTransition(string, string) {}
func (nopRecorder) RecordStageAssignment(string) {}
func (nopRecorder) RecordStageDuration(string, time.Duration) {}
func (nopRecorder) RecordWorkflowCompleted() {}
func (nopRecorder) RecordCommunicationLogged(string) {}

// Engine applies admissions workflow operations. It holds no per-application
// state; every mutation runs inside one unit of work.
type Engine struct {
	store   Store
	uow     UnitOfWork
	logger  *zap.Logger
	metrics Recorder
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.metrics = r
		}
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates a workflow engine over store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		uow:     store,
		logger:  zap.NewNop(),
		metrics: nopRecorder{},
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Within returns a view of the engine whose mutations join tx instead of
// opening their own transaction. Committing tx stays with the caller.
func (e *Engine) Within(tx Tx) *Engine {
	c := *e
	c.uow = JoinTx(tx)
	return &c
}

// Store returns the underlying store.
func (e *Engine) Store() Store {
	return e.store
}

// Initialize instantiates every stage template for an application, points
// the application at the first stage and records WORKFLOW_INITIALIZED.
// It returns the created stages in sequence order.
func (e *Engine) Initialize(ctx context.Context, applicationID int64) (stages []model.StageInstance, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.initialize",
		observability.AttrApplicationID.Int64(applicationID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	err = e.uow.Run(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		stages, err = e.initialize(ctx, tx, applicationID)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.metrics.RecordWorkflowInitialized()
	e.logger.Info("workflow initialized",
		zap.Int64("application_id", applicationID),
		zap.Int("stage_count", len(stages)),
	)
	return stages, nil
}

// CreateApplication records a new application and initializes its workflow
// in the same transaction. The returned application carries the first
// stage's pointers.
func (e *Engine) CreateApplication(ctx context.Context, in model.NewApplication) (app model.Application, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.create_application")
	defer func() { observability.EndSpanWithError(span, err) }()

	in.Reference = strings.TrimSpace(in.Reference)
	in.ApplicantName = strings.TrimSpace(in.ApplicantName)
	in.ApplicantEmail = strings.TrimSpace(in.ApplicantEmail)

	var details []model.FieldError
	if in.Reference == "" {
		details = append(details, model.FieldError{Field: "reference", Code: "required", Message: "reference is required"})
	}
	if in.ApplicantName == "" {
		details = append(details, model.FieldError{Field: "applicant_name", Code: "required", Message: "applicant name is required"})
	}
	if len(details) > 0 {
		return model.Application{}, model.NewValidationError(details)
	}

	err = e.uow.Run(ctx, func(ctx context.Context, tx Tx) error {
		created, err := tx.CreateApplication(ctx, in, e.now())
		if err != nil {
			return err
		}
		if _, err := e.initialize(ctx, tx, created.ID); err != nil {
			return err
		}
		app, err = tx.LockApplication(ctx, created.ID)
		return err
	})
	if err != nil {
		return model.Application{}, err
	}

	span.SetAttributes(observability.AttrApplicationID.Int64(app.ID))
	e.metrics.RecordWorkflowInitialized()
	e.logger.Info("application created",
		zap.Int64("application_id", app.ID),
		zap.String("reference", app.Reference),
	)
	return app, nil
}

// initialize runs inside an open transaction. Lock order: application row
// first.
func (e *Engine) initialize(ctx context.Context, tx Tx, applicationID int64) ([]model.StageInstance, error) {
	// 1. Lock the application; this also proves it exists.
	if _, err := tx.LockApplication(ctx, applicationID); err != nil {
		return nil, err
	}

	// 2. Refuse to initialize twice.
	existing, err := tx.StagesFor(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, model.NewConflictError(
			fmt.Sprintf("workflow for application %d is already initialized", applicationID),
		)
	}

	// 3. Instantiate every template, PENDING, with business-day due dates.
	now := e.now()
	tpls := Templates()
	instances := make([]model.StageInstance, 0, len(tpls))
	for _, tpl := range tpls {
		instances = append(instances, model.StageInstance{
			ApplicationID: applicationID,
			StageKey:      tpl.StageKey,
			Name:          tpl.Name,
			Description:   tpl.Description,
			AssignedRole:  tpl.AssignedRole,
			Sequence:      tpl.Sequence,
			Status:        model.StageStatusPending,
			DueDate:       AddBusinessDays(now, tpl.DueInBusinessDays),
			Payload:       tpl.DefaultPayload,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	if err := tx.InsertStages(ctx, instances); err != nil {
		return nil, err
	}

	// 4. Read back; the lowest sequence becomes the active stage.
	stages, err := tx.StagesFor(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if len(stages) == 0 {
		return nil, model.NewWorkflowInconsistentError(
			fmt.Sprintf("no stages found for application %d after initialization", applicationID),
		)
	}
	if len(stages) != len(tpls) {
		return nil, model.NewWorkflowInconsistentError(
			fmt.Sprintf("application %d has %d stages after initialization, want %d", applicationID, len(stages), len(tpls)),
		)
	}
	first := stages[0]

	// 5. Record the event, then point the application at the first stage.
	if err := e.appendTimeline(ctx, tx, timelineEvent{
		applicationID: applicationID,
		stageKey:      &first.StageKey,
		eventType:     model.EventWorkflowInitialized,
		notes:         strPtr("Admissions workflow initialized"),
		metadata:      map[string]any{"stage_count": len(stages), "first_stage": first.StageKey},
		at:            now,
	}); err != nil {
		return nil, err
	}
	if err := tx.UpdatePointers(ctx, applicationID, model.PointersFor(first), now); err != nil {
		return nil, err
	}

	return stages, nil
}

// Application returns an application record with its workflow pointers.
func (e *Engine) Application(ctx context.Context, applicationID int64) (model.Application, error) {
	return e.store.GetApplication(ctx, applicationID)
}

// Stage returns a stage that belongs to applicationID.
func (e *Engine) Stage(ctx context.Context, applicationID, stageID int64) (model.StageInstance, error) {
	return e.store.GetStage(ctx, applicationID, stageID)
}

// lockOwnedStage locks the stage and verifies it belongs to applicationID.
// A stage of another application is reported as not found.
func lockOwnedStage(ctx context.Context, tx Tx, applicationID, stageID int64) (model.StageInstance, error) {
	stage, err := tx.LockStage(ctx, stageID)
	if err != nil {
		if model.IsNotFound(err) {
			return model.StageInstance{}, stageNotFound(applicationID, stageID)
		}
		return model.StageInstance{}, err
	}
	if stage.ApplicationID != applicationID {
		return model.StageInstance{}, stageNotFound(applicationID, stageID)
	}
	return stage, nil
}

type timelineEvent struct {
	applicationID int64
	stageKey      *model.StageKey
	eventType     model.TimelineEventType
	actor         model.Actor
	notes         *string
	metadata      any
	at            time.Time
}

// appendTimeline writes one audit entry. metadata may be nil, a
// json.RawMessage passed through verbatim, or any value that marshals to
// JSON.
func (e *Engine) appendTimeline(ctx context.Context, tx Tx, ev timelineEvent) error {
	var raw json.RawMessage
	switch m := ev.metadata.(type) {
	case nil:
	case json.RawMessage:
		if len(m) > 0 {
			raw = m
		}
	default:
		b, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal timeline metadata: %w", err)
		}
		raw = b
	}

	var key *model.StageKey
	if ev.stageKey != nil {
		k := *ev.stageKey
		key = &k
	}

	_, err := tx.AppendTimeline(ctx, model.TimelineEntry{
		ApplicationID:   ev.applicationID,
		StageKey:        key,
		EventType:       ev.eventType,
		PerformedByID:   ev.actor.ID,
		PerformedByName: ev.actor.Name,
		Notes:           ev.notes,
		Metadata:        raw,
		CreatedAt:       ev.at,
	})
	return err
}

func strPtr(s string) *string {
	return &s
}
