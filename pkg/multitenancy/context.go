package multitenancy

import "context"

type tenantContextKey struct{}

// WithTenantID returns a context scoped to the given tenant.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, tenantID)
}

// TenantFromContext extracts the ambient tenant, if any.
func TenantFromContext(ctx context.Context) (string, bool) {
	tenantID, ok := ctx.Value(tenantContextKey{}).(string)
	if !ok || tenantID == "" {
		return "", false
	}
	return tenantID, true
}

// RequireTenantID returns the ambient tenant or ErrNoTenant.
func RequireTenantID(ctx context.Context) (string, error) {
	tenantID, ok := TenantFromContext(ctx)
	if !ok {
		return "", ErrNoTenant
	}
	return tenantID, nil
}
