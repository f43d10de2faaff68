package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/admissions/internal/observability"
	"github.com/pitabwire/admissions/internal/workflow"
	"github.com/pitabwire/admissions/model"
)

// RequireCapability rejects requests whose resolved capability set lacks cap.
func RequireCapability(cap string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !CapabilitiesFrom(r.Context()).Has(cap) {
				WriteForbidden(w, "missing capability "+cap)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// authorizeStage allows an action on stage when the caller holds the
// stage's assigned role or the override capability.
func authorizeStage(r *http.Request, rctx *model.RequestContext, stage model.StageInstance) error {
	if rctx.HasRole(stage.AssignedRole) {
		return nil
	}
	if CapabilitiesFrom(r.Context()).Has(model.CapStagesOverride) {
		return nil
	}
	return model.NewForbiddenError("stage " + string(stage.StageKey) + " is owned by role " + stage.AssignedRole)
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, model.NewBadRequestError(name + " must be a positive integer")
	}
	return id, nil
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return model.NewBadRequestError("request body too large")
		}
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

// writeFailure writes err and logs anything that surfaces as a 5xx.
func writeFailure(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	if StatusFor(err) >= http.StatusInternalServerError {
		observability.RequestLogger(r.Context(), logger).Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	WriteError(w, err)
}

func handleCreateApplication(engine *workflow.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body model.NewApplication
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		app, err := engine.CreateApplication(r.Context(), body)
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusCreated, app)
	}
}

func handleGetApplication(engine *workflow.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		applicationID, err := pathID(r, "applicationId")
		if err != nil {
			WriteError(w, err)
			return
		}

		app, err := engine.Application(r.Context(), applicationID)
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, app)
	}
}

func handleInitializeWorkflow(engine *workflow.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		applicationID, err := pathID(r, "applicationId")
		if err != nil {
			WriteError(w, err)
			return
		}

		stages, err := engine.Initialize(r.Context(), applicationID)
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusCreated, map[string]any{"stages": stages})
	}
}

func handleWorkflowSummary(engine *workflow.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		applicationID, err := pathID(r, "applicationId")
		if err != nil {
			WriteError(w, err)
			return
		}

		summary, err := engine.Summary(r.Context(), applicationID)
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, summary)
	}
}

func handleUpdateStageStatus(engine *workflow.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		applicationID, err := pathID(r, "applicationId")
		if err != nil {
			WriteError(w, err)
			return
		}
		stageID, err := pathID(r, "stageId")
		if err != nil {
			WriteError(w, err)
			return
		}

		var body model.StatusUpdate
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		body.Actor = rctx.Actor()

		current, err := engine.Stage(r.Context(), applicationID, stageID)
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		if err := authorizeStage(r, rctx, current); err != nil {
			WriteError(w, err)
			return
		}
		// A concurrent reassignment can land between the read above and the
		// row lock, so the gate runs again on the locked stage.
		body.Guard = func(locked model.StageInstance) error {
			return authorizeStage(r, rctx, locked)
		}

		stage, err := engine.UpdateStatus(r.Context(), applicationID, stageID, body)
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, stage)
	}
}

func handleAssignStage(engine *workflow.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		applicationID, err := pathID(r, "applicationId")
		if err != nil {
			WriteError(w, err)
			return
		}
		stageID, err := pathID(r, "stageId")
		if err != nil {
			WriteError(w, err)
			return
		}

		var body model.Assignment
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		body.Actor = rctx.Actor()

		current, err := engine.Stage(r.Context(), applicationID, stageID)
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		if err := authorizeStage(r, rctx, current); err != nil {
			WriteError(w, err)
			return
		}
		// A concurrent reassignment can land between the read above and the
		// row lock, so the gate runs again on the locked stage.
		body.Guard = func(locked model.StageInstance) error {
			return authorizeStage(r, rctx, locked)
		}

		stage, err := engine.Assign(r.Context(), applicationID, stageID, body)
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, stage)
	}
}

func handleLogCommunication(engine *workflow.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		applicationID, err := pathID(r, "applicationId")
		if err != nil {
			WriteError(w, err)
			return
		}

		var body model.CommunicationInput
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		body.Actor = rctx.Actor()

		comm, err := engine.LogCommunication(r.Context(), applicationID, body)
		if err != nil {
			writeFailure(w, r, logger, err)
			return
		}
		if reqLogger := observability.RequestLogger(r.Context(), logger); reqLogger.Core().Enabled(zap.DebugLevel) {
			reqLogger.Debug("communication request",
				zap.Int64("communication_id", comm.ID),
				zap.Any("input", redactCommunication(body)),
			)
		}
		WriteJSON(w, http.StatusCreated, comm)
	}
}

// communicationSensitiveFields hold applicant and guardian contact data.
var communicationSensitiveFields = []string{"recipient_address", "body", "subject", "email", "phone"}

func redactCommunication(in model.CommunicationInput) map[string]any {
	fields := map[string]any{
		"recipient_type":    in.RecipientType,
		"recipient_address": in.RecipientAddress,
		"channel":           in.Channel,
		"body":              in.Body,
		"status":            in.Status,
	}
	if in.Subject != nil {
		fields["subject"] = *in.Subject
	}
	var meta map[string]any
	if len(in.Metadata) > 0 && json.Unmarshal(in.Metadata, &meta) == nil {
		fields["metadata"] = meta
	}
	return observability.RedactBody(fields, communicationSensitiveFields)
}

func handleListStageTemplates() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"data": workflow.Templates()})
	}
}
