// Package capability resolves and caches staff capabilities from a static
// role policy.
package capability

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/admissions/model"
)

type cacheEntry struct {
	caps    model.CapabilitySet
	expires time.Time
}

// CacheObserver is notified of cache hits and misses.
// *observability.Metrics implements it.
type CacheObserver interface {
	RecordCapabilityCacheHit()
	RecordCapabilityCacheMiss()
}

// Resolver implements model.CapabilityResolver with an in-memory cache.
type Resolver struct {
	evaluator model.PolicyEvaluator
	ttl       time.Duration
	observer  CacheObserver
	mu        sync.RWMutex
	cache     map[string]cacheEntry
}

// NewResolver creates a new Resolver with the given evaluator and cache TTL.
func NewResolver(evaluator model.PolicyEvaluator, ttl time.Duration) *Resolver {
	return &Resolver{
		evaluator: evaluator,
		ttl:       ttl,
		cache:     make(map[string]cacheEntry),
	}
}

// SetObserver attaches a cache hit/miss observer. Call before serving.
func (r *Resolver) SetObserver(o CacheObserver) {
	r.observer = o
}

// cacheKey includes the role list so a token carrying new roles never hits a
// stale entry.
func cacheKey(rctx *model.RequestContext) string {
	roles := append([]string(nil), rctx.Roles...)
	sort.Strings(roles)
	return rctx.SubjectID + "|" + strings.Join(roles, ",")
}

// Resolve returns the full capability set for the given context. Results are
// cached for the configured TTL.
func (r *Resolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	key := cacheKey(rctx)

	r.mu.RLock()
	if entry, ok := r.cache[key]; ok && time.Now().Before(entry.expires) {
		r.mu.RUnlock()
		if r.observer != nil {
			r.observer.RecordCapabilityCacheHit()
		}
		return entry.caps, nil
	}
	r.mu.RUnlock()
	if r.observer != nil {
		r.observer.RecordCapabilityCacheMiss()
	}

	caps, err := r.evaluator.ResolveCapabilities(rctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{caps: caps, expires: time.Now().Add(r.ttl)}
	r.mu.Unlock()

	return caps, nil
}

// Invalidate clears cached capabilities for the given subject.
func (r *Resolver) Invalidate(subjectID string) {
	prefix := subjectID + "|"
	r.mu.Lock()
	for key := range r.cache {
		if strings.HasPrefix(key, prefix) {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
}
