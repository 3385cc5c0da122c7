// Package multitenancy scopes the event-sourcing runtime to tenants: a
// context carrier for the ambient tenant, composite tenant-prefixed
// aggregate IDs, command bus middleware enforcing tenant isolation, and
// store wrappers that keep tenants apart on a shared database or on one
// database per tenant.
package multitenancy

import (
	"errors"
	"regexp"
)

var (
	// ErrNoTenant is returned when an operation requires a tenant and the
	// context carries none.
	ErrNoTenant = errors.New("no tenant in context")

	// ErrTenantMismatch is returned when an operation crosses tenant
	// boundaries.
	ErrTenantMismatch = errors.New("tenant mismatch")

	// ErrInvalidTenantID is returned for tenant IDs that cannot be embedded
	// in composite aggregate IDs or database paths.
	ErrInvalidTenantID = errors.New("invalid tenant id")
)

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidTenantID reports whether a tenant ID is safe to embed in composite
// aggregate IDs and per-tenant database paths.
func ValidTenantID(tenantID string) bool {
	return tenantIDPattern.MatchString(tenantID)
}
