package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/admissions/internal/config"
	"github.com/pitabwire/admissions/model"
)

// testDeps returns Dependencies with sensible defaults for testing.
func testDeps() Dependencies {
	cfg := config.Defaults()
	cfg.Server.CORS.AllowedOrigins = []string{"https://app.example.com"}
	cfg.Server.HandlerTimeout = 5 * time.Second
	return Dependencies{Config: cfg}
}

func rejectAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, model.NewUnauthorizedError("rejected"))
	})
}

// --- Router tests ---

func TestNewRouter_health(t *testing.T) {
	r := NewRouter(testDeps())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}

func TestNewRouter_ready(t *testing.T) {
	deps := testDeps()
	deps.Readiness.TemplatesValid = func() error { return nil }
	deps.Readiness.PolicyLoaded = func() bool { return true }
	r := NewRouter(deps)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/ready", nil))

	if w.Code != 200 {
		t.Errorf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
}

func TestNewRouter_metrics(t *testing.T) {
	r := NewRouter(testDeps())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestNewRouter_metricsDisabled(t *testing.T) {
	deps := testDeps()
	deps.Config.Observability.Metrics.Enabled = false
	r := NewRouter(deps)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != 404 {
		t.Errorf("status = %d, want 404 when metrics are disabled", w.Code)
	}
}

func TestNewRouter_authenticatedRoutes_areRegistered(t *testing.T) {
	// With auth rejecting all requests, all authenticated routes should
	// return 401, confirming they are registered and not 404/405.
	deps := testDeps()
	deps.Authenticate = rejectAuth
	r := NewRouter(deps)

	routes := []struct {
		method string
		path   string
	}{
		{"POST", "/admissions/applications"},
		{"GET", "/admissions/applications/7"},
		{"GET", "/admissions/applications/7/workflow"},
		{"POST", "/admissions/applications/7/workflow/initialize"},
		{"PATCH", "/admissions/applications/7/workflow/stages/3/status"},
		{"PATCH", "/admissions/applications/7/workflow/stages/3/assignment"},
		{"POST", "/admissions/applications/7/workflow/communications"},
		{"GET", "/admissions/stages"},
	}

	for _, tc := range routes {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, nil))
			if w.Code != 401 {
				t.Errorf("status = %d, want 401 (auth should reject)", w.Code)
			}
		})
	}
}

func TestNewRouter_publicRoutesbypassAuth(t *testing.T) {
	deps := testDeps()
	deps.Authenticate = rejectAuth
	r := NewRouter(deps)

	for _, path := range []string{"/health", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
			if w.Code != 200 {
				t.Errorf("status = %d, want 200 (should bypass auth)", w.Code)
			}
		})
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/admissions/stages", nil))
	if w.Code != 401 {
		t.Errorf("stages status = %d, want 401 (auth should reject)", w.Code)
	}
}

// --- Middleware tests ---

func TestRecovery_catchesPanic(t *testing.T) {
	handler := Recovery(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != 500 {
		t.Errorf("status = %d, want 500 after panic", w.Code)
	}
}

func TestRecovery_passesThrough(t *testing.T) {
	handler := Recovery(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestCORS_preflight(t *testing.T) {
	cfg := config.CORSConfig{
		AllowedOrigins: []string{"https://app.example.com"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         3600,
	}

	handler := CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for preflight")
	}))

	req := httptest.NewRequest("OPTIONS", "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != 204 {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestCORS_disallowedOrigin(t *testing.T) {
	cfg := config.CORSConfig{
		AllowedOrigins: []string{"https://app.example.com"},
		AllowedMethods: []string{"GET"},
		AllowedHeaders: []string{"Authorization"},
	}

	called := false
	handler := CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(200)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if !called {
		t.Error("handler should still be called for non-preflight")
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin should be empty for disallowed origin, got %q", got)
	}
}

func TestRequestID_generated(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := CorrelationIDFrom(r.Context())
		if id == "" {
			t.Error("correlation ID should be generated")
		}
		w.WriteHeader(200)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if got := w.Header().Get("X-Correlation-Id"); got == "" {
		t.Error("response should have X-Correlation-Id header")
	}
}

func TestRequestID_propagated(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := CorrelationIDFrom(r.Context())
		if id != "test-corr-123" {
			t.Errorf("correlation ID = %q, want test-corr-123", id)
		}
		w.WriteHeader(200)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Correlation-Id", "test-corr-123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get("X-Correlation-Id"); got != "test-corr-123" {
		t.Errorf("response X-Correlation-Id = %q, want test-corr-123", got)
	}
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	expected := map[string]string{
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"X-XSS-Protection":          "0",
		"Cache-Control":             "no-store",
		"Referrer-Policy":           "strict-origin-when-cross-origin",
	}

	for header, want := range expected {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestRecovery_logsPanic(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	handler := Recovery(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("PATCH", "/admissions/applications/1/workflow/stages/2/status", nil))

	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Errorf("expected one panic log entry, got %d", logs.Len())
	}
}

func TestMaxBodyBytes(t *testing.T) {
	handler := MaxBodyBytes(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var v map[string]any
		if err := decodeBody(r, &v); err != nil {
			WriteError(w, err)
			return
		}
		w.WriteHeader(200)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("POST", "/", strings.NewReader(`{"body":"far too long for the limit"}`)))
	if w.Code != 400 {
		t.Errorf("status = %d, want 400 for oversized body", w.Code)
	}
}

func TestBuildRequestContextMiddleware(t *testing.T) {
	claims := map[string]any{
		"sub":      "user-42",
		"staff_id": float64(42),
		"name":     "Achieng Odhiambo",
		"email":    "achieng@school.example",
		"roles":    []any{"BURSAR", "SECRETARY"},
	}

	called := false
	handler := BuildRequestContextMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			t.Fatal("RequestContext should be in context")
		}
		if rctx.SubjectID != "user-42" {
			t.Errorf("SubjectID = %q, want user-42", rctx.SubjectID)
		}
		if rctx.StaffID != 42 {
			t.Errorf("StaffID = %d, want 42", rctx.StaffID)
		}
		if rctx.CorrelationID != "corr-1" {
			t.Errorf("CorrelationID = %q, want corr-1", rctx.CorrelationID)
		}
		if len(rctx.Roles) != 2 || rctx.Roles[0] != "BURSAR" {
			t.Errorf("Roles = %v, want [BURSAR SECRETARY]", rctx.Roles)
		}
		actor := rctx.Actor()
		if actor.ID == nil || *actor.ID != 42 || actor.Name == nil || *actor.Name != "Achieng Odhiambo" {
			t.Errorf("Actor = %+v", actor)
		}
		w.WriteHeader(200)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Correlation-Id", "corr-1")
	w := httptest.NewRecorder()
	RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})).ServeHTTP(w, req)

	if !called {
		t.Fatal("handler was not called")
	}
}

func TestBuildRequestContextMiddleware_customPaths(t *testing.T) {
	claims := map[string]any{
		"sub":      "user-99",
		"email":    "user@keycloak.com",
		"employee": map[string]any{"id": "314"},
		"realm_access": map[string]any{
			"roles": []any{"PRINCIPAL"},
		},
	}

	paths := map[string]string{
		"staff_id": "employee.id",
		"roles":    "realm_access.roles",
	}

	handler := BuildRequestContextMiddleware(paths)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx.StaffID != 314 {
			t.Errorf("StaffID = %d, want 314", rctx.StaffID)
		}
		if len(rctx.Roles) != 1 || rctx.Roles[0] != "PRINCIPAL" {
			t.Errorf("Roles = %v, want [PRINCIPAL]", rctx.Roles)
		}
		w.WriteHeader(200)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req = req.WithContext(WithClaims(req.Context(), claims))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
}

func TestBuildRequestContextMiddleware_missingSubject(t *testing.T) {
	handler := BuildRequestContextMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called without a subject")
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req = req.WithContext(WithClaims(req.Context(), map[string]any{"email": "x@example.com"}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != 401 {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestResolveCapabilities(t *testing.T) {
	resolver := &mockResolver{
		caps: model.CapabilitySet{"admissions:workflow:view": true},
	}

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caps := CapabilitiesFrom(r.Context())
		if !caps.Has("admissions:workflow:view") {
			t.Error("should have admissions:workflow:view capability")
		}
		w.WriteHeader(200)
	})

	handler := BuildRequestContextMiddleware(nil)(ResolveCapabilities(resolver, zap.NewNop())(inner))

	claims := map[string]any{"sub": "user-1"}
	req := httptest.NewRequest("GET", "/", nil)
	req = req.WithContext(WithClaims(req.Context(), claims))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
}

func TestResolveCapabilities_nilResolver(t *testing.T) {
	handler := ResolveCapabilities(nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caps := CapabilitiesFrom(r.Context())
		if caps != nil {
			t.Errorf("caps should be nil, got %v", caps)
		}
		w.WriteHeader(200)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
}

func TestRequireCapability(t *testing.T) {
	handler := RequireCapability(model.CapWorkflowInitialize)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(204)
	}))

	tests := []struct {
		name string
		caps model.CapabilitySet
		want int
	}{
		{"none", nil, 403},
		{"other", model.CapabilitySet{model.CapWorkflowView: true}, 403},
		{"exact", model.CapabilitySet{model.CapWorkflowInitialize: true}, 204},
		{"wildcard", model.CapabilitySet{"admissions:*": true}, 204},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/", nil)
			req = req.WithContext(WithCapabilities(req.Context(), tc.caps))
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestHandlerTimeout_setsDeadline(t *testing.T) {
	handler := HandlerTimeout(100 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, ok := r.Context().Deadline()
		if !ok {
			t.Error("context should have deadline")
		}
		if time.Until(deadline) > 200*time.Millisecond {
			t.Error("deadline should be within 200ms")
		}
		w.WriteHeader(200)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
}

func TestHandlerTimeout_zeroNoDeadline(t *testing.T) {
	handler := HandlerTimeout(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := r.Context().Deadline()
		if ok {
			t.Error("context should not have deadline when timeout is 0")
		}
		w.WriteHeader(200)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
}

func TestRequestLogging_capturesStatus(t *testing.T) {
	handler := RequestLogging(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTeapot)
	}
}

func TestRequestLogging_levels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	for _, status := range []int{200, 404, 503} {
		handler := RequestLogging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/admissions/stages", nil))
	}

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	want := []zapcore.Level{zap.InfoLevel, zap.WarnLevel, zap.ErrorLevel}
	for i, e := range entries {
		if e.Level != want[i] {
			t.Errorf("entry %d level = %s, want %s", i, e.Level, want[i])
		}
	}
}

func TestMiddlewareOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	track := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	deps := testDeps()
	deps.Authenticate = func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if CorrelationIDFrom(r.Context()) == "" {
				t.Error("correlation ID should be assigned before authentication")
			}
			track("authenticate")
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), map[string]any{"sub": "user-1"})))
		})
	}
	deps.CapabilityResolver = resolverFunc(func(rctx *model.RequestContext) (model.CapabilitySet, error) {
		if rctx.SubjectID != "user-1" {
			t.Errorf("resolver saw SubjectID %q, want user-1", rctx.SubjectID)
		}
		track("capabilities")
		return model.CapabilitySet{}, nil
	})
	r := NewRouter(deps)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/admissions/stages", nil))

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, security headers should wrap authenticated routes", got)
	}
	expected := []string{"authenticate", "capabilities"}
	if len(order) != len(expected) {
		t.Fatalf("order = %v, want %v", order, expected)
	}
	for i, name := range expected {
		if order[i] != name {
			t.Errorf("order[%d] = %q, want %q", i, order[i], name)
		}
	}
}

func TestSecurityHeaders_onHealth(t *testing.T) {
	r := NewRouter(testDeps())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	// Security headers should be present even on health endpoint.
	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", got)
	}
	if got := w.Header().Get("X-Correlation-Id"); got == "" {
		t.Error("health should still get X-Correlation-Id")
	}
}

// --- mocks ---

type mockResolver struct {
	caps model.CapabilitySet
	err  error
}

func (m *mockResolver) Resolve(_ *model.RequestContext) (model.CapabilitySet, error) {
	return m.caps, m.err
}

func (m *mockResolver) Invalidate(_ string) {}

type resolverFunc func(rctx *model.RequestContext) (model.CapabilitySet, error)

func (f resolverFunc) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	return f(rctx)
}

func (f resolverFunc) Invalidate(_ string) {}
