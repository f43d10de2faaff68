// Package idempotency stores the responses of mutating admissions requests
// so that a retried request carrying the same X-Idempotency-Key replays the
// first result instead of running twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/admissions/model"
)

// Response is a captured HTTP response.
type Response struct {
	Status      int             `json:"status"`
	ContentType string          `json:"content_type,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// Store provides request deduplication.
type Store interface {
	// Check looks up a previous response by key. If the key exists and the
	// input hash matches, it returns the cached response. If the key exists
	// but the hash differs, it returns a CONFLICT error.
	Check(ctx context.Context, key string, inputHash string) (resp *Response, found bool, err error)

	// Reserve atomically claims an unused key for a request that is about
	// to run. It reports false when the key already holds a reservation or
	// a response. The reservation lives for lease unless Save or Release
	// replaces it first.
	Reserve(ctx context.Context, key string, inputHash string, lease time.Duration) (bool, error)

	// Save records a response keyed by the idempotency key with a TTL. It
	// replaces any reservation on the key.
	Save(ctx context.Context, key string, inputHash string, resp Response, ttl time.Duration) error

	// Release drops a reservation whose request produced no storable
	// response, so that a retry can run.
	Release(ctx context.Context, key string) error
}

// ErrInProgress matches the error Check returns while the first request
// for a key still holds its reservation.
var ErrInProgress = errors.New("idempotent request in progress")

type entry struct {
	InputHash string   `json:"input_hash"`
	Pending   bool     `json:"pending,omitempty"`
	Response  Response `json:"response"`
}

func conflict(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with different input", key))
}

// inProgressError is a CONFLICT envelope that also matches ErrInProgress.
type inProgressError struct {
	*model.ErrorEnvelope
}

func (e inProgressError) Unwrap() error { return e.ErrorEnvelope }

func (inProgressError) Is(target error) bool { return target == ErrInProgress }

func inProgress(key string) error {
	return inProgressError{model.NewConflictError(fmt.Sprintf("a request with idempotency key %q is still in progress", key))}
}

// lookup turns a stored entry into Check's result.
func (e entry) lookup(key, inputHash string) (*Response, bool, error) {
	if e.InputHash != inputHash {
		return nil, true, conflict(key)
	}
	if e.Pending {
		return nil, true, inProgress(key)
	}
	resp := e.Response
	resp.Body = append(json.RawMessage(nil), resp.Body...)
	return &resp, true, nil
}

// FormatKey builds the storage key for a client key. scope separates
// clients and routes so that two staff members can reuse the same key.
func FormatKey(scope, key string) string {
	return fmt.Sprintf("idem:%s:%s", scope, key)
}

// HashInput produces a deterministic hash of a request's method, path and
// body.
func HashInput(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support. Suitable for testing
// and single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// Check looks up a cached response. Returns a conflict error if the input
// hash differs.
func (s *MemoryStore) Check(_ context.Context, key string, inputHash string) (*Response, bool, error) {
	s.mu.RLock()
	e, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}

	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}

	return e.data.lookup(key, inputHash)
}

// Reserve claims key under the write lock. An expired entry counts as
// unused.
func (s *MemoryStore) Reserve(_ context.Context, key string, inputHash string, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, exists := s.entries[key]; exists && !now.After(e.expiresAt) {
		return false, nil
	}
	s.entries[key] = &memEntry{
		data:      entry{InputHash: inputHash, Pending: true},
		expiresAt: now.Add(lease),
	}
	return true, nil
}

// Save records a response with TTL.
func (s *MemoryStore) Save(_ context.Context, key string, inputHash string, resp Response, ttl time.Duration) error {
	resp.Body = append(json.RawMessage(nil), resp.Body...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &memEntry{
		data:      entry{InputHash: inputHash, Response: resp},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Release removes key if it still holds a reservation.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, exists := s.entries[key]; exists && e.data.Pending {
		delete(s.entries, key)
	}
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store with TTL.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a new Redis-backed idempotency store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check looks up a cached response in Redis.
func (s *RedisStore) Check(ctx context.Context, key string, inputHash string) (*Response, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	return e.lookup(key, inputHash)
}

// Reserve claims key with SET NX so that only one of several concurrent
// requests wins.
func (s *RedisStore) Reserve(ctx context.Context, key string, inputHash string, lease time.Duration) (bool, error) {
	data, err := json.Marshal(entry{InputHash: inputHash, Pending: true})
	if err != nil {
		return false, fmt.Errorf("marshal idempotency reservation: %w", err)
	}
	ok, err := s.client.SetNX(ctx, key, data, lease).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	return ok, nil
}

// Save records a response in Redis with TTL.
func (s *RedisStore) Save(ctx context.Context, key string, inputHash string, resp Response, ttl time.Duration) error {
	data, err := json.Marshal(entry{InputHash: inputHash, Response: resp})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// releaseScript deletes the key only while it still holds a reservation,
// so a response saved in the meantime survives.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and string.find(v, '"pending":true', 1, true) then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Release drops a reservation in Redis.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, s.client, []string{key}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
