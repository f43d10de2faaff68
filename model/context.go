package model

import (
	"context"
	"errors"
	"fmt"
)

// RequestContext carries the identity and tracing information of the staff
// member behind an authenticated request. It is immutable after construction
// and safe for concurrent reads.
type RequestContext struct {
	SubjectID     string
	StaffID       int64
	Name          string
	Email         string
	Roles         []string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
}

// Validate checks that all mandatory fields are present.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, fmt.Errorf("SubjectID is required"))
	}
	if rc.StaffID < 0 {
		errs = append(errs, fmt.Errorf("StaffID must not be negative"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// HasRole returns true if the RequestContext contains the given role.
func (rc *RequestContext) HasRole(role string) bool {
	for _, r := range rc.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Actor returns the identity recorded on timeline entries for actions taken
// by this request. Unknown fields are left nil.
func (rc *RequestContext) Actor() Actor {
	var a Actor
	if rc.StaffID > 0 {
		id := rc.StaffID
		a.ID = &id
	}
	name := rc.Name
	if name == "" {
		name = rc.Email
	}
	if name != "" {
		a.Name = &name
	}
	return a
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
