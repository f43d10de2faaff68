package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStoreUnavailable is returned while the breaker is open. The transport
// middleware treats it like any other store outage and serves the request
// without replay protection.
var ErrStoreUnavailable = errors.New("idempotency store unavailable")

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	// BreakerClosed passes every call through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the cooldown elapses.
	BreakerOpen
	// BreakerHalfOpen lets trial calls through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerStore wraps a Store so that a failing backend is skipped for a
// cooldown period instead of adding its timeout to every mutating request.
// Conflicts and misses are answers, not failures.
type BreakerStore struct {
	next Store

	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	openedAt         time.Time
	now              func() time.Time
}

// NewBreakerStore wraps next. failureThreshold consecutive failures open
// the breaker; successThreshold consecutive successes while half-open
// close it again.
func NewBreakerStore(next Store, failureThreshold, successThreshold int, cooldown time.Duration) *BreakerStore {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if successThreshold < 1 {
		successThreshold = 1
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &BreakerStore{
		next:             next,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
		now:              time.Now,
	}
}

// Check consults the wrapped store unless the breaker is open.
func (b *BreakerStore) Check(ctx context.Context, key string, inputHash string) (*Response, bool, error) {
	if !b.allow() {
		return nil, false, ErrStoreUnavailable
	}
	resp, found, err := b.next.Check(ctx, key, inputHash)
	// found with an error is a conflict answered by a healthy store.
	b.record(err == nil || found)
	return resp, found, err
}

// Reserve claims through unless the breaker is open.
func (b *BreakerStore) Reserve(ctx context.Context, key string, inputHash string, lease time.Duration) (bool, error) {
	if !b.allow() {
		return false, ErrStoreUnavailable
	}
	ok, err := b.next.Reserve(ctx, key, inputHash, lease)
	b.record(err == nil)
	return ok, err
}

// Save writes through unless the breaker is open.
func (b *BreakerStore) Save(ctx context.Context, key string, inputHash string, resp Response, ttl time.Duration) error {
	if !b.allow() {
		return ErrStoreUnavailable
	}
	err := b.next.Save(ctx, key, inputHash, resp, ttl)
	b.record(err == nil)
	return err
}

// Release passes through unless the breaker is open. A reservation that
// cannot be released expires with its lease.
func (b *BreakerStore) Release(ctx context.Context, key string) error {
	if !b.allow() {
		return ErrStoreUnavailable
	}
	err := b.next.Release(ctx, key)
	b.record(err == nil)
	return err
}

// HealthCheck reports the wrapped store's health when it has a check.
func (b *BreakerStore) HealthCheck(ctx context.Context) error {
	hc, ok := b.next.(interface{ HealthCheck(context.Context) error })
	if !ok {
		return nil
	}
	return hc.HealthCheck(ctx)
}

// State returns the current breaker state.
func (b *BreakerStore) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

func (b *BreakerStore) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state != BreakerOpen
}

// maybeHalfOpen must be called with the lock held.
func (b *BreakerStore) maybeHalfOpen() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
}

func (b *BreakerStore) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		if ok {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.failureThreshold {
			b.trip()
		}
	case BreakerHalfOpen:
		if !ok {
			b.trip()
			return
		}
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

func (b *BreakerStore) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.failures = 0
	b.successes = 0
}
