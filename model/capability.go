package model

import "strings"

// Capabilities checked by the HTTP layer before invoking the workflow engine.
const (
	CapApplicationsCreate = "admissions:applications:create"
	CapApplicationsView   = "admissions:applications:view"
	CapWorkflowView       = "admissions:workflow:view"
	CapWorkflowInitialize = "admissions:workflow:initialize"
	CapStagesOverride     = "admissions:stages:override"
	CapCommunicationsLog  = "admissions:communications:log"
)

// CapabilitySet is a set of capabilities granted to a staff member. Each key
// is a capability string (e.g. "admissions:workflow:view") and may end in a
// wildcard (e.g. "admissions:*").
type CapabilitySet map[string]bool

// Has returns true if the set contains the exact capability or a wildcard
// that matches it.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] {
		return true
	}
	for pattern := range cs {
		if matchWildcard(pattern, cap) {
			return true
		}
	}
	return false
}

// HasAny returns true if the set matches at least one of the given
// capabilities.
func (cs CapabilitySet) HasAny(caps ...string) bool {
	for _, cap := range caps {
		if cs.Has(cap) {
			return true
		}
	}
	return false
}

// matchWildcard returns true if pattern (which may end in "*") matches cap.
//
//	"*"                      matches anything
//	"admissions:*"           matches "admissions:workflow:view"
//	"admissions:workflow"    does NOT match "admissions:workflow:view"
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	prefix := pattern[:len(pattern)-1]
	return strings.HasPrefix(cap, prefix)
}

// CapabilityResolver resolves the full capability set for a request context.
type CapabilityResolver interface {
	Resolve(rctx *RequestContext) (CapabilitySet, error)

	// Invalidate clears cached capabilities for the given subject.
	Invalidate(subjectID string)
}

// PolicyEvaluator maps a request's roles to capabilities.
type PolicyEvaluator interface {
	ResolveCapabilities(rctx *RequestContext) (CapabilitySet, error)

	// Sync refreshes policy data from its source.
	Sync() error
}
