package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pitabwire/admissions/internal/idempotency"
	"github.com/pitabwire/admissions/model"
)

type countingReplays struct{ n int }

func (c *countingReplays) RecordIdempotencyReplay() { c.n++ }

type brokenStore struct{}

func (brokenStore) Check(context.Context, string, string) (*idempotency.Response, bool, error) {
	return nil, false, errors.New("redis: connection refused")
}

func (brokenStore) Reserve(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func (brokenStore) Save(context.Context, string, string, idempotency.Response, time.Duration) error {
	return errors.New("redis: connection refused")
}

func (brokenStore) Release(context.Context, string) error {
	return errors.New("redis: connection refused")
}

// countingHandler responds with status and counts invocations.
func countingHandler(status int, calls *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		WriteJSON(w, status, map[string]int{"call": *calls})
	})
}

func idempotentRequest(key, body string) *http.Request {
	req := httptest.NewRequest("POST", "/admissions/applications", strings.NewReader(body))
	if key != "" {
		req.Header.Set(IdempotencyKeyHeader, key)
	}
	rctx := &model.RequestContext{SubjectID: "staff-3"}
	return req.WithContext(model.WithRequestContext(req.Context(), rctx))
}

func TestIdempotent_replaysAndCounts(t *testing.T) {
	var calls int
	replays := &countingReplays{}
	h := Idempotent(idempotency.NewMemoryStore(), time.Hour, time.Minute, replays, nil)(countingHandler(http.StatusCreated, &calls))

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, idempotentRequest("intake-1", `{"reference":"ADM-1"}`))
		if w.Code != http.StatusCreated {
			t.Fatalf("attempt %d: status = %d, want 201", i, w.Code)
		}
		if !strings.Contains(w.Body.String(), `"call":1`) {
			t.Errorf("attempt %d: body = %s, want the first response", i, w.Body.String())
		}
	}
	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}
	if replays.n != 2 {
		t.Errorf("replays = %d, want 2", replays.n)
	}
}

func TestIdempotent_withoutKeyPassesThrough(t *testing.T) {
	var calls int
	h := Idempotent(idempotency.NewMemoryStore(), time.Hour, time.Minute, nil, nil)(countingHandler(http.StatusCreated, &calls))

	h.ServeHTTP(httptest.NewRecorder(), idempotentRequest("", `{}`))
	h.ServeHTTP(httptest.NewRecorder(), idempotentRequest("", `{}`))

	if calls != 2 {
		t.Errorf("handler calls = %d, want 2", calls)
	}
}

func TestIdempotent_failuresAreNotStored(t *testing.T) {
	var calls int
	h := Idempotent(idempotency.NewMemoryStore(), time.Hour, time.Minute, nil, nil)(countingHandler(http.StatusUnprocessableEntity, &calls))

	h.ServeHTTP(httptest.NewRecorder(), idempotentRequest("k", `{}`))
	h.ServeHTTP(httptest.NewRecorder(), idempotentRequest("k", `{}`))

	if calls != 2 {
		t.Errorf("handler calls = %d, want 2 (422 must not be replayed)", calls)
	}
}

func TestIdempotent_storeOutageDegrades(t *testing.T) {
	var calls int
	h := Idempotent(brokenStore{}, time.Hour, time.Minute, nil, nil)(countingHandler(http.StatusCreated, &calls))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, idempotentRequest("k", `{}`))

	if w.Code != http.StatusCreated || calls != 1 {
		t.Errorf("status = %d, calls = %d; want 201, 1", w.Code, calls)
	}
}

func TestIdempotent_keyTooLong(t *testing.T) {
	var calls int
	h := Idempotent(idempotency.NewMemoryStore(), time.Hour, time.Minute, nil, nil)(countingHandler(http.StatusCreated, &calls))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, idempotentRequest(strings.Repeat("k", 256), `{}`))

	if w.Code != http.StatusBadRequest || calls != 0 {
		t.Errorf("status = %d, calls = %d; want 400, 0", w.Code, calls)
	}
}

func TestIdempotent_nilStore(t *testing.T) {
	var calls int
	h := Idempotent(nil, time.Hour, time.Minute, nil, nil)(countingHandler(http.StatusCreated, &calls))

	h.ServeHTTP(httptest.NewRecorder(), idempotentRequest("k", `{}`))
	h.ServeHTTP(httptest.NewRecorder(), idempotentRequest("k", `{}`))

	if calls != 2 {
		t.Errorf("handler calls = %d, want 2", calls)
	}
}

func TestIdempotent_retryWhileFirstRunsIsRejected(t *testing.T) {
	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		close(entered)
		<-release
		WriteJSON(w, http.StatusCreated, map[string]int{"communication_id": 7})
	})
	h := Idempotent(idempotency.NewMemoryStore(), time.Hour, time.Minute, nil, nil)(slow)

	first := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.ServeHTTP(first, idempotentRequest("comm-1", `{"channel":"EMAIL"}`))
	}()
	<-entered

	retry := httptest.NewRecorder()
	h.ServeHTTP(retry, idempotentRequest("comm-1", `{"channel":"EMAIL"}`))
	if retry.Code != http.StatusConflict {
		t.Errorf("retry status = %d, want 409", retry.Code)
	}
	if retry.Header().Get("Retry-After") == "" {
		t.Error("retry missing Retry-After")
	}

	close(release)
	<-done
	if first.Code != http.StatusCreated {
		t.Fatalf("first status = %d, want 201", first.Code)
	}

	replay := httptest.NewRecorder()
	h.ServeHTTP(replay, idempotentRequest("comm-1", `{"channel":"EMAIL"}`))
	if replay.Code != http.StatusCreated || replay.Header().Get("Idempotent-Replay") != "true" {
		t.Errorf("replay status = %d, replay header = %q", replay.Code, replay.Header().Get("Idempotent-Replay"))
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("handler calls = %d, want 1", n)
	}
}

func TestIdempotent_concurrentRequestsRunOnce(t *testing.T) {
	var calls atomic.Int32
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		WriteJSON(w, http.StatusCreated, map[string]int{"communication_id": 7})
	})
	h := Idempotent(idempotency.NewMemoryStore(), time.Hour, time.Minute, nil, nil)(slow)

	codes := make([]int, 4)
	var wg sync.WaitGroup
	for i := range codes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := httptest.NewRecorder()
			h.ServeHTTP(w, idempotentRequest("comm-1", `{"channel":"SMS"}`))
			codes[i] = w.Code
		}()
	}
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("handler calls = %d, want 1", n)
	}
	for i, code := range codes {
		if code != http.StatusCreated && code != http.StatusConflict {
			t.Errorf("request %d status = %d, want 201 or 409", i, code)
		}
	}
}

func TestIdempotent_failedAttemptReleasesReservation(t *testing.T) {
	var calls int
	status := http.StatusUnprocessableEntity
	h := Idempotent(idempotency.NewMemoryStore(), time.Hour, time.Minute, nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		WriteJSON(w, status, map[string]int{"call": calls})
	}))

	h.ServeHTTP(httptest.NewRecorder(), idempotentRequest("comm-2", `{}`))
	status = http.StatusCreated
	w := httptest.NewRecorder()
	h.ServeHTTP(w, idempotentRequest("comm-2", `{}`))

	if w.Code != http.StatusCreated || calls != 2 {
		t.Errorf("status = %d, calls = %d; want 201, 2", w.Code, calls)
	}
}
