package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/admissions/model"
)

func testResponse() Response {
	return Response{
		Status:      201,
		ContentType: "application/json; charset=utf-8",
		Body:        json.RawMessage(`{"id":12,"reference":"ADM-2026-001"}`),
	}
}

func assertConflict(t *testing.T, err error) {
	t.Helper()
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) {
		t.Fatalf("error type = %T, want *model.ErrorEnvelope", err)
	}
	if env.Code != model.ErrConflict {
		t.Errorf("error code = %s, want %s", env.Code, model.ErrConflict)
	}
}

// --- MemoryStore ---

func TestMemoryStore_CheckNotFound(t *testing.T) {
	store := NewMemoryStore()

	resp, found, err := store.Check(context.Background(), "idem:s:key1", "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found {
		t.Error("found = true, want false")
	}
	if resp != nil {
		t.Errorf("resp = %+v, want nil", resp)
	}
}

func TestMemoryStore_SaveAndCheck(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := FormatKey("staff-1", "key1")

	if err := store.Save(ctx, key, "hash-abc", testResponse(), 5*time.Minute); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	resp, found, err := store.Check(ctx, key, "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if !found || resp == nil {
		t.Fatal("expected cached response")
	}
	if resp.Status != 201 {
		t.Errorf("Status = %d, want 201", resp.Status)
	}
	if string(resp.Body) != `{"id":12,"reference":"ADM-2026-001"}` {
		t.Errorf("Body = %s", resp.Body)
	}
}

func TestMemoryStore_ConflictOnHashMismatch(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := "idem:s:key1"

	_ = store.Save(ctx, key, "hash-abc", testResponse(), 5*time.Minute)

	_, found, err := store.Check(ctx, key, "hash-different")
	if err == nil {
		t.Fatal("expected conflict error")
	}
	if !found {
		t.Error("found = false, want true (key exists)")
	}
	assertConflict(t, err)
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	_ = store.Save(ctx, "idem:s:key1", "hash-abc", testResponse(), time.Minute)
	now = now.Add(2 * time.Minute)

	_, found, err := store.Check(ctx, "idem:s:key1", "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found {
		t.Error("found = true, want false (expired)")
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d, want 0 (expired entry removed)", store.Len())
	}
}

func TestMemoryStore_BodyIsCopied(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	resp := testResponse()

	_ = store.Save(ctx, "k", "h", resp, time.Minute)
	resp.Body[0] = '['

	got, _, _ := store.Check(ctx, "k", "h")
	if got.Body[0] != '{' {
		t.Error("stored body changed with caller's slice")
	}
}

// reserveOnce races n goroutines for one key and returns how many won.
func reserveOnce(t *testing.T, store Store, n int) int32 {
	t.Helper()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Reserve(context.Background(), "idem:s:comm-1", "hash-abc", time.Minute)
			if err != nil {
				t.Errorf("Reserve error: %v", err)
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	return wins.Load()
}

// assertReservationLifecycle checks that a reservation blocks a second
// claim, reports in-progress to Check and is replaced by Save.
func assertReservationLifecycle(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	key := "idem:s:comm-2"

	ok, err := store.Reserve(ctx, key, "hash-abc", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Reserve() = %v, %v; want true, nil", ok, err)
	}
	if ok, _ := store.Reserve(ctx, key, "hash-abc", time.Minute); ok {
		t.Fatal("second Reserve won")
	}

	_, found, err := store.Check(ctx, key, "hash-abc")
	if !found || !errors.Is(err, ErrInProgress) {
		t.Fatalf("Check() found = %v, err = %v; want in progress", found, err)
	}
	assertConflict(t, err)

	_, _, err = store.Check(ctx, key, "hash-other")
	if errors.Is(err, ErrInProgress) {
		t.Error("different input reported as in progress, want plain conflict")
	}
	assertConflict(t, err)

	if err := store.Save(ctx, key, "hash-abc", testResponse(), time.Hour); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if err := store.Release(ctx, key); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	resp, found, err := store.Check(ctx, key, "hash-abc")
	if err != nil || !found || resp.Status != 201 {
		t.Errorf("Check() after Save = %+v, %v, %v; want stored 201", resp, found, err)
	}
}

func assertReleaseFreesKey(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	key := "idem:s:comm-3"

	if ok, _ := store.Reserve(ctx, key, "hash-abc", time.Minute); !ok {
		t.Fatal("Reserve lost on an unused key")
	}
	if err := store.Release(ctx, key); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	if _, found, err := store.Check(ctx, key, "hash-abc"); found || err != nil {
		t.Errorf("Check() after Release found = %v, err = %v; want miss", found, err)
	}
	if ok, _ := store.Reserve(ctx, key, "hash-abc", time.Minute); !ok {
		t.Error("Reserve after Release lost")
	}
}

func TestMemoryStore_ReserveSingleWinner(t *testing.T) {
	if wins := reserveOnce(t, NewMemoryStore(), 16); wins != 1 {
		t.Errorf("winners = %d, want 1", wins)
	}
}

func TestMemoryStore_ReservationLifecycle(t *testing.T) {
	assertReservationLifecycle(t, NewMemoryStore())
}

func TestMemoryStore_ReleaseFreesKey(t *testing.T) {
	assertReleaseFreesKey(t, NewMemoryStore())
}

func TestMemoryStore_ReservationLeaseExpires(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	store.Reserve(ctx, "k", "h", time.Minute)
	now = now.Add(2 * time.Minute)

	if ok, _ := store.Reserve(ctx, "k", "h", time.Minute); !ok {
		t.Error("Reserve after lease expiry lost")
	}
}

// --- RedisStore ---

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisStore_CheckNotFound(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisStore(client)

	resp, found, err := store.Check(context.Background(), "idem:s:key1", "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found || resp != nil {
		t.Errorf("Check() = %+v, %v; want nil, false", resp, found)
	}
}

func TestRedisStore_SaveAndCheck(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisStore(client)
	ctx := context.Background()

	if err := store.Save(ctx, "idem:s:key1", "hash-abc", testResponse(), 5*time.Minute); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	resp, found, err := store.Check(ctx, "idem:s:key1", "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if !found {
		t.Fatal("found = false, want true")
	}
	if resp.Status != 201 || resp.ContentType != "application/json; charset=utf-8" {
		t.Errorf("resp = %+v", resp)
	}
	var body map[string]any
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body["reference"] != "ADM-2026-001" {
		t.Errorf("body[reference] = %v", body["reference"])
	}
}

func TestRedisStore_ConflictOnHashMismatch(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisStore(client)
	ctx := context.Background()

	_ = store.Save(ctx, "idem:s:key1", "hash-abc", testResponse(), 5*time.Minute)

	_, found, err := store.Check(ctx, "idem:s:key1", "hash-different")
	if !found {
		t.Error("found = false, want true")
	}
	assertConflict(t, err)
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStore(client)
	ctx := context.Background()

	_ = store.Save(ctx, "idem:s:key1", "hash-abc", testResponse(), time.Second)
	mr.FastForward(2 * time.Second)

	_, found, err := store.Check(ctx, "idem:s:key1", "hash-abc")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if found {
		t.Error("found = true, want false (expired)")
	}
}

func TestRedisStore_ReserveSingleWinner(t *testing.T) {
	_, client := newTestRedis(t)
	if wins := reserveOnce(t, NewRedisStore(client), 16); wins != 1 {
		t.Errorf("winners = %d, want 1", wins)
	}
}

func TestRedisStore_ReservationLifecycle(t *testing.T) {
	_, client := newTestRedis(t)
	assertReservationLifecycle(t, NewRedisStore(client))
}

func TestRedisStore_ReleaseFreesKey(t *testing.T) {
	_, client := newTestRedis(t)
	assertReleaseFreesKey(t, NewRedisStore(client))
}

func TestRedisStore_ReservationLeaseExpires(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStore(client)
	ctx := context.Background()

	store.Reserve(ctx, "k", "h", time.Second)
	mr.FastForward(2 * time.Second)

	if ok, err := store.Reserve(ctx, "k", "h", time.Second); !ok || err != nil {
		t.Errorf("Reserve after lease expiry = %v, %v; want true, nil", ok, err)
	}
}

func TestRedisStore_HealthCheck(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStore(client)

	if err := store.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}
	mr.Close()
	if err := store.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() after close should fail")
	}
}

func TestHashInput(t *testing.T) {
	a := HashInput("POST", "/admissions/applications", []byte(`{"reference":"A"}`))
	b := HashInput("POST", "/admissions/applications", []byte(`{"reference":"A"}`))
	c := HashInput("POST", "/admissions/applications", []byte(`{"reference":"B"}`))
	d := HashInput("PATCH", "/admissions/applications", []byte(`{"reference":"A"}`))

	if a != b {
		t.Error("same input should hash equal")
	}
	if a == c || a == d {
		t.Error("different input should hash differently")
	}
}

func TestFormatKey(t *testing.T) {
	if got, want := FormatKey("staff-9", "key/with/slashes"), "idem:staff-9:key/with/slashes"; got != want {
		t.Errorf("key = %q, want %q", got, want)
	}
}
