// Package integration provides a reusable test harness for end-to-end
// integration testing of the admissions API. It starts a full HTTP server
// with in-memory stores, the static role policy and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/admissions/internal/capability"
	"github.com/pitabwire/admissions/internal/config"
	"github.com/pitabwire/admissions/internal/idempotency"
	"github.com/pitabwire/admissions/internal/observability"
	"github.com/pitabwire/admissions/internal/transport"
	"github.com/pitabwire/admissions/internal/workflow"
	"github.com/pitabwire/admissions/model"
)

// TestHarness encapsulates a fully wired admissions API for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Store            *workflow.MemoryStore
	Engine           *workflow.Engine
	IdempotencyStore *idempotency.MemoryStore
	CapResolver      model.CapabilityResolver
	Metrics          *observability.Metrics
	Registry         *prometheus.Registry

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	policyFile         string
	idempotencyEnabled bool
	handlerTimeout     time.Duration
}

// WithPolicyFile sets the static policy YAML file for capability resolution.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.policyFile = path
	}
}

// WithIdempotency enables idempotent replay with an in-memory store.
func WithIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.idempotencyEnabled = true
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// NewTestHarness creates and starts a full admissions API test instance. The
// server is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}
	if hc.policyFile == "" {
		hc.policyFile = filepath.Join(testdataDir(), "policies.yaml")
	}

	h := &TestHarness{t: t}

	// Step 1: Capability resolver.
	evaluator, err := capability.NewStaticPolicyEvaluator(hc.policyFile)
	if err != nil {
		t.Fatalf("load policy file: %v", err)
	}
	resolver := capability.NewResolver(evaluator, 0) // no caching in tests
	h.CapResolver = resolver

	// Step 2: Metrics on a private registry.
	h.Registry = prometheus.NewRegistry()
	h.Metrics = observability.InitMetrics(h.Registry)
	resolver.SetObserver(h.Metrics)

	// Step 3: Stores and engine.
	h.Store = workflow.NewMemoryStore()
	h.Engine = workflow.NewEngine(h.Store,
		workflow.WithLogger(zap.NewNop()),
		workflow.WithMetrics(h.Metrics),
	)
	readiness := observability.ReadinessChecks{
		TemplatesValid: workflow.ValidateTemplates,
		PolicyLoaded:   func() bool { return len(evaluator.Roles()) > 0 },
	}
	var idemStore idempotency.Store
	if hc.idempotencyEnabled {
		h.IdempotencyStore = idempotency.NewMemoryStore()
		idemStore = h.IdempotencyStore
		readiness.IdempotencyStore = h.IdempotencyStore
	}

	// Step 4: JWT issuer.
	h.issuer = newTokenIssuer(t)

	// Step 5: Config.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	h.cfg.Idempotency.Enabled = hc.idempotencyEnabled
	h.cfg.Observability.Metrics.Enabled = false

	// Step 6: Router with full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour, nil)

	router := transport.NewRouter(transport.Dependencies{
		Config:             h.cfg,
		Logger:             zap.NewNop(),
		Authenticate:       transport.JWTAuthenticator(h.cfg.Identity, jwks),
		CapabilityResolver: h.CapResolver,
		Engine:             h.Engine,
		IdempotencyStore:   idemStore,
		Metrics:            h.Metrics,
		Readiness:          readiness,
	})

	// Step 7: Start test server.
	h.server = httptest.NewServer(h.Metrics.MetricsMiddleware(observability.TracingMiddleware(router)))
	t.Cleanup(func() {
		h.server.Close()
	})

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

// PATCH performs an authenticated PATCH request with a JSON body.
func (h *TestHarness) PATCH(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("PATCH", path, body, token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and closes the response body.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// --- Default test claims, one per pipeline role ---

// SecretaryClaims returns TestClaims for the admissions secretary.
func SecretaryClaims() TestClaims {
	return TestClaims{SubjectID: "staff-secretary", StaffID: 101, Name: "Faith Wambui", Roles: []string{model.RoleSecretary}}
}

// BursarClaims returns TestClaims for the bursar.
func BursarClaims() TestClaims {
	return TestClaims{SubjectID: "staff-bursar", StaffID: 102, Name: "Peter Mutua", Roles: []string{model.RoleBursar}}
}

// OfficerClaims returns TestClaims for an admissions officer.
func OfficerClaims() TestClaims {
	return TestClaims{SubjectID: "staff-officer", StaffID: 103, Name: "Halima Yusuf", Roles: []string{model.RoleAdmissionsOfficer}}
}

// HeadOfAcademicsClaims returns TestClaims for the head of academics.
func HeadOfAcademicsClaims() TestClaims {
	return TestClaims{SubjectID: "staff-academics", StaffID: 104, Name: "Daniel Kiptoo", Roles: []string{model.RoleHeadOfAcademics}}
}

// PrincipalClaims returns TestClaims for the principal.
func PrincipalClaims() TestClaims {
	return TestClaims{SubjectID: "staff-principal", StaffID: 105, Name: "Ruth Achieng", Roles: []string{model.RolePrincipal}}
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// ApplicationPath builds a URL under an application.
func ApplicationPath(id int64, suffix string) string {
	return fmt.Sprintf("/admissions/applications/%d%s", id, suffix)
}

// StagePath builds the URL of a stage sub-resource.
func StagePath(applicationID, stageID int64, action string) string {
	return fmt.Sprintf("/admissions/applications/%d/workflow/stages/%d/%s", applicationID, stageID, action)
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
