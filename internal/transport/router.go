package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/admissions/internal/config"
	"github.com/pitabwire/admissions/internal/idempotency"
	"github.com/pitabwire/admissions/internal/observability"
	"github.com/pitabwire/admissions/internal/workflow"
	"github.com/pitabwire/admissions/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Logger             *zap.Logger
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver
	Engine             *workflow.Engine

	// IdempotencyStore is nil when idempotency is disabled.
	IdempotencyStore idempotency.Store
	Metrics          *observability.Metrics
	Readiness        observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	engine := deps.Engine
	if engine == nil {
		engine = workflow.NewEngine(workflow.NewMemoryStore(), workflow.WithLogger(logger))
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(MaxBodyBytes(deps.Config.Server.MaxBodyBytes))

	// Public routes bypass authentication.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	var replays ReplayRecorder
	if deps.Metrics != nil {
		replays = deps.Metrics
	}
	// A reservation outlives the handler deadline so a slow first attempt
	// cannot be overtaken by its retry.
	lease := 2 * deps.Config.Server.HandlerTimeout
	idempotent := Idempotent(deps.IdempotencyStore, deps.Config.Idempotency.Store.DefaultTTL, lease, replays, logger)

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(ResolveCapabilities(deps.CapabilityResolver, logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Get("/admissions/stages", handleListStageTemplates())

		r.Route("/admissions/applications", func(r chi.Router) {
			r.With(RequireCapability(model.CapApplicationsCreate), idempotent).
				Post("/", handleCreateApplication(engine, logger))

			r.Route("/{applicationId}", func(r chi.Router) {
				r.With(RequireCapability(model.CapApplicationsView)).
					Get("/", handleGetApplication(engine, logger))

				r.Route("/workflow", func(r chi.Router) {
					r.With(RequireCapability(model.CapWorkflowView)).
						Get("/", handleWorkflowSummary(engine, logger))
					r.With(RequireCapability(model.CapWorkflowInitialize)).
						Post("/initialize", handleInitializeWorkflow(engine, logger))
					r.Patch("/stages/{stageId}/status", handleUpdateStageStatus(engine, logger))
					r.Patch("/stages/{stageId}/assignment", handleAssignStage(engine, logger))
					r.With(RequireCapability(model.CapCommunicationsLog), idempotent).
						Post("/communications", handleLogCommunication(engine, logger))
				})
			})
		})
	})

	return r
}
