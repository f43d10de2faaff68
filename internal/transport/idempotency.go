package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/admissions/internal/idempotency"
	"github.com/pitabwire/admissions/internal/observability"
	"github.com/pitabwire/admissions/model"
)

// IdempotencyKeyHeader carries the client-chosen deduplication key.
const IdempotencyKeyHeader = "X-Idempotency-Key"

// ReplayRecorder counts replayed responses. *observability.Metrics
// implements it.
type ReplayRecorder interface {
	RecordIdempotencyReplay()
}

// Idempotent returns middleware that replays the stored response of a
// previous request carrying the same X-Idempotency-Key. Keys are scoped to
// the authenticated subject and route. Reusing a key with a different body
// is a CONFLICT. The first request reserves its key for lease, and a retry
// that arrives while it runs gets a CONFLICT with Retry-After instead of a
// second execution. Only 2xx responses are stored; requests without the
// header pass straight through. A store outage degrades to normal processing.
func Idempotent(store idempotency.Store, ttl, lease time.Duration, replays ReplayRecorder, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if lease <= 0 {
		lease = ttl
	}
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.Header.Get(IdempotencyKeyHeader)
			if clientKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(clientKey) > 255 {
				WriteError(w, model.NewBadRequestError("X-Idempotency-Key must be at most 255 characters"))
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				WriteError(w, model.NewBadRequestError("request body could not be read"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			subject := ""
			if rctx := model.RequestContextFrom(r.Context()); rctx != nil {
				subject = rctx.SubjectID
			}
			key := idempotency.FormatKey(subject+":"+r.Method+":"+r.URL.Path, clientKey)
			hash := idempotency.HashInput(r.Method, r.URL.Path, body)
			l := observability.RequestLogger(r.Context(), logger)

			cached, found, err := store.Check(r.Context(), key, hash)
			reserved := false
			if err == nil && !found {
				reserved, err = store.Reserve(r.Context(), key, hash, lease)
				if err == nil && !reserved {
					// Another request claimed the key after our lookup.
					cached, found, err = store.Check(r.Context(), key, hash)
					if err == nil && !found {
						// The claim was released again; report it as in flight.
						err, found = model.NewConflictError("a request with this idempotency key is still in progress"), true
						w.Header().Set("Retry-After", "1")
					}
				}
			}
			switch {
			case err != nil && found:
				if errors.Is(err, idempotency.ErrInProgress) {
					w.Header().Set("Retry-After", "1")
				}
				WriteError(w, err)
				return
			case err != nil:
				l.Warn("idempotency store unavailable", zap.Error(err))
			case found:
				if replays != nil {
					replays.RecordIdempotencyReplay()
				}
				l.Debug("idempotent replay", zap.String("idempotency_key", clientKey))
				if cached.ContentType != "" {
					w.Header().Set("Content-Type", cached.ContentType)
				}
				w.Header().Set("Idempotent-Replay", "true")
				w.WriteHeader(cached.Status)
				w.Write(cached.Body)
				return
			}

			rec := &capturingWriter{ResponseWriter: w, status: http.StatusOK}
			saved := false
			if reserved {
				defer func() {
					if saved {
						return
					}
					if err := store.Release(context.WithoutCancel(r.Context()), key); err != nil {
						l.Warn("idempotency release failed", zap.Error(err))
					}
				}()
			}
			next.ServeHTTP(rec, r)

			if rec.status < 200 || rec.status >= 300 {
				return
			}
			resp := idempotency.Response{
				Status:      rec.status,
				ContentType: w.Header().Get("Content-Type"),
				Body:        rec.body.Bytes(),
			}
			if err := store.Save(context.WithoutCancel(r.Context()), key, hash, resp, ttl); err != nil {
				l.Warn("idempotency save failed", zap.Error(err))
				return
			}
			saved = true
		})
	}
}

// capturingWriter tees the response body so it can be stored.
type capturingWriter struct {
	http.ResponseWriter
	status  int
	written bool
	body    bytes.Buffer
}

func (w *capturingWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}
