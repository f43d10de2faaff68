package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/admissions/internal/observability"
	"github.com/pitabwire/admissions/model"
)

// LogCommunication records an outbound message for an application and a
// COMMUNICATION_LOGGED timeline entry in one transaction. Nothing is sent.
func (e *Engine) LogCommunication(ctx context.Context, applicationID int64, in model.CommunicationInput) (comm model.Communication, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.log_communication",
		observability.AttrApplicationID.Int64(applicationID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	in.RecipientType = strings.TrimSpace(in.RecipientType)
	in.RecipientAddress = strings.TrimSpace(in.RecipientAddress)
	in.Channel = strings.TrimSpace(in.Channel)
	in.Status = strings.TrimSpace(in.Status)
	if in.Status == "" {
		in.Status = model.CommunicationStatusQueued
	}
	if err := validateCommunication(in); err != nil {
		return model.Communication{}, err
	}

	err = e.uow.Run(ctx, func(ctx context.Context, tx Tx) error {
		// Lock the application; this also proves it exists.
		if _, err := tx.LockApplication(ctx, applicationID); err != nil {
			return err
		}

		now := e.now()
		var err error
		comm, err = tx.InsertCommunication(ctx, model.Communication{
			ApplicationID:    applicationID,
			RecipientType:    in.RecipientType,
			RecipientAddress: in.RecipientAddress,
			Channel:          in.Channel,
			Subject:          in.Subject,
			Body:             in.Body,
			Status:           in.Status,
			Metadata:         in.Metadata,
			CreatedAt:        now,
		})
		if err != nil {
			return err
		}

		return e.appendTimeline(ctx, tx, timelineEvent{
			applicationID: applicationID,
			eventType:     model.EventCommunicationLogged,
			actor:         in.Actor,
			notes:         strPtr(fmt.Sprintf("%s communication %s for %s", comm.Channel, strings.ToLower(comm.Status), comm.RecipientAddress)),
			metadata: map[string]any{
				"communication_id":  comm.ID,
				"channel":           comm.Channel,
				"recipient_type":    comm.RecipientType,
				"recipient_address": comm.RecipientAddress,
				"status":            comm.Status,
			},
			at: now,
		})
	})
	if err != nil {
		return model.Communication{}, err
	}

	e.metrics.RecordCommunicationLogged(comm.Channel)
	e.logger.Info("communication logged",
		zap.Int64("application_id", applicationID),
		zap.Int64("communication_id", comm.ID),
		zap.String("channel", comm.Channel),
		zap.String("recipient_type", comm.RecipientType),
	)
	return comm, nil
}

func validateCommunication(in model.CommunicationInput) error {
	var details []model.FieldError
	required := []struct {
		field, value string
	}{
		{"recipient_type", in.RecipientType},
		{"recipient_address", in.RecipientAddress},
		{"channel", in.Channel},
		{"body", strings.TrimSpace(in.Body)},
	}
	for _, r := range required {
		if r.value == "" {
			details = append(details, model.FieldError{Field: r.field, Code: "required", Message: r.field + " is required"})
		}
	}
	if len(in.Metadata) > 0 && !json.Valid(in.Metadata) {
		details = append(details, model.FieldError{Field: "metadata", Code: "invalid_json", Message: "metadata must be valid JSON"})
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

// Summary returns the application, its stages in sequence order, and its
// timeline and communications newest first. The reads run concurrently
// and are not taken from a single snapshot.
func (e *Engine) Summary(ctx context.Context, applicationID int64) (summary model.WorkflowSummary, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.summary",
		observability.AttrApplicationID.Int64(applicationID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		app, err := e.store.GetApplication(gctx, applicationID)
		summary.Application = app
		return err
	})
	g.Go(func() error {
		stages, err := e.store.ListStages(gctx, applicationID)
		summary.Stages = stages
		return err
	})
	g.Go(func() error {
		timeline, err := e.store.ListTimeline(gctx, applicationID)
		summary.Timeline = timeline
		return err
	})
	g.Go(func() error {
		comms, err := e.store.ListCommunications(gctx, applicationID)
		summary.Communications = comms
		return err
	})
	if err := g.Wait(); err != nil {
		return model.WorkflowSummary{}, err
	}

	if summary.Stages == nil {
		summary.Stages = []model.StageInstance{}
	}
	if summary.Timeline == nil {
		summary.Timeline = []model.TimelineEntry{}
	}
	if summary.Communications == nil {
		summary.Communications = []model.Communication{}
	}
	return summary, nil
}
