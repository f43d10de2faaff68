package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/pitabwire/admissions/internal/config"
	"github.com/pitabwire/admissions/internal/idempotency"
	"github.com/pitabwire/admissions/internal/workflow"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
identity:
  issuer: https://auth.example.com
  audience: admissions-api
  jwks_url: https://auth.example.com/.well-known/jwks.json
capability:
  static_policy_file: policies.yaml
`

func TestStagesCommand(t *testing.T) {
	out, err := runCLI(t, "stages")
	if err != nil {
		t.Fatalf("stages: %v", err)
	}
	for _, tpl := range workflow.Templates() {
		if !strings.Contains(out, string(tpl.StageKey)) {
			t.Errorf("output missing %s:\n%s", tpl.StageKey, out)
		}
		if !strings.Contains(out, tpl.AssignedRole) {
			t.Errorf("output missing role %s", tpl.AssignedRole)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "admissions dev") {
		t.Errorf("output = %q", out)
	}
}

func TestMigrateCommand_memoryDriverRejected(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	_, err := runCLI(t, "migrate", "--config", path)
	if err == nil || !strings.Contains(err.Error(), "postgres only") {
		t.Errorf("err = %v, want postgres-only error", err)
	}
}

func TestMigrateCommand_missingDSN(t *testing.T) {
	path := writeConfig(t, minimalConfig+`
workflow:
  store:
    driver: postgres
    dsn_env: ADMISSIONS_TEST_UNSET_DSN
`)
	t.Setenv("ADMISSIONS_TEST_UNSET_DSN", "")

	_, err := runCLI(t, "migrate", "-c", path)
	if err == nil || !strings.Contains(err.Error(), "ADMISSIONS_TEST_UNSET_DSN") {
		t.Errorf("err = %v, want missing DSN error", err)
	}
}

func TestServeCommand_badConfig(t *testing.T) {
	_, err := runCLI(t, "serve", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "configuration error") {
		t.Errorf("err = %v, want configuration error", err)
	}
}

func TestBuildWorkflowStore_memory(t *testing.T) {
	cfg := config.Defaults().Workflow

	store, health, closeFn, err := buildWorkflowStore(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("buildWorkflowStore: %v", err)
	}
	defer closeFn()
	if _, ok := store.(*workflow.MemoryStore); !ok {
		t.Errorf("store = %T, want *workflow.MemoryStore", store)
	}
	if health != nil {
		t.Errorf("health = %v, want nil for the memory store", health)
	}
}

func TestBuildWorkflowStore_unknownDriver(t *testing.T) {
	cfg := config.Defaults().Workflow
	cfg.Store.Driver = "sqlite"

	if _, _, _, err := buildWorkflowStore(context.Background(), cfg, zap.NewNop()); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestBuildIdempotencyStore(t *testing.T) {
	logger := zap.NewNop()

	t.Run("disabled", func(t *testing.T) {
		store, _, closeFn, err := buildIdempotencyStore(config.IdempotencyConfig{}, logger)
		if err != nil {
			t.Fatal(err)
		}
		defer closeFn()
		if store != nil {
			t.Errorf("store = %T, want nil", store)
		}
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		t.Setenv("ADMISSIONS_TEST_REDIS_ADDR", mr.Addr())

		cfg := config.Defaults().Idempotency
		cfg.Enabled = true
		cfg.Store.Driver = config.DriverRedis
		cfg.Store.AddrEnv = "ADMISSIONS_TEST_REDIS_ADDR"

		store, health, closeFn, err := buildIdempotencyStore(cfg, logger)
		if err != nil {
			t.Fatal(err)
		}
		defer closeFn()
		if _, ok := store.(*idempotency.BreakerStore); !ok {
			t.Fatalf("store = %T, want *idempotency.BreakerStore", store)
		}
		if err := health.HealthCheck(context.Background()); err != nil {
			t.Errorf("HealthCheck: %v", err)
		}
	})

	t.Run("redis without address", func(t *testing.T) {
		t.Setenv("ADMISSIONS_TEST_REDIS_ADDR", "")
		cfg := config.Defaults().Idempotency
		cfg.Enabled = true
		cfg.Store.Driver = config.DriverRedis
		cfg.Store.AddrEnv = "ADMISSIONS_TEST_REDIS_ADDR"

		if _, _, _, err := buildIdempotencyStore(cfg, logger); err == nil {
			t.Error("expected error when the address variable is empty")
		}
	})
}
