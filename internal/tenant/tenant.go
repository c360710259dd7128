// Package tenant carries the (user, space) scope through request contexts.
//
// Every store, index, and cache operation resolves its scope from the
// context and fails closed when it is absent: missing tenant context is an
// error, never an unscoped query.
package tenant

import (
	"context"

	"github.com/fyrsmithlabs/researchd/internal/apperr"
)

// tenantContextKey is the context key for Info.
type tenantContextKey struct{}

// Info identifies the tenant scope for a request.
//
// UserID is required. SpaceID scopes to a single space within the user's
// account; zero means "all spaces" and is only valid for operations that
// explicitly allow cross-space reads (deep research sessions).
type Info struct {
	// UserID is the owning user's row id (required, > 0).
	UserID int64

	// SpaceID is the space row id (0 = unscoped, where permitted).
	SpaceID int64

	// Email is kept for blob path layout and activity records.
	Email string
}

// Validate checks that required fields are present.
func (t *Info) Validate() error {
	if t.UserID <= 0 {
		return apperr.E(apperr.Forbidden, "invalid tenant: user id required")
	}
	return nil
}

// NewContext adds tenant Info to a context.
func NewContext(ctx context.Context, info *Info) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, info)
}

// FromContext extracts tenant Info from a context.
// Returns a Forbidden error if absent - fail closed.
func FromContext(ctx context.Context) (*Info, error) {
	val := ctx.Value(tenantContextKey{})
	if val == nil {
		return nil, apperr.E(apperr.Forbidden, "tenant info missing from context")
	}
	info, ok := val.(*Info)
	if !ok || info == nil {
		return nil, apperr.E(apperr.Forbidden, "tenant info missing from context")
	}
	if err := info.Validate(); err != nil {
		return nil, err
	}
	return info, nil
}

// Has reports whether valid tenant Info is present in the context.
func Has(ctx context.Context) bool {
	_, err := FromContext(ctx)
	return err == nil
}

// Filter returns the payload filter conditions for index queries.
func (t *Info) Filter() map[string]interface{} {
	f := map[string]interface{}{"user_id": t.UserID}
	if t.SpaceID > 0 {
		f["space_id"] = t.SpaceID
	}
	return f
}
