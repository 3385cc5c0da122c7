package multitenancy

import (
	"fmt"
	"strings"
)

// TenantSeparator splits the tenant prefix from the raw aggregate ID in
// composite IDs.
const TenantSeparator = "::"

// ComposeAggregateID prefixes an aggregate ID with its tenant:
// "tenant-a::acc-1". An empty tenant leaves the ID untouched.
func ComposeAggregateID(tenantID, aggregateID string) string {
	if tenantID == "" {
		return aggregateID
	}
	return tenantID + TenantSeparator + aggregateID
}

// DecomposeAggregateID splits a composite aggregate ID into its tenant and
// raw parts. IDs without a tenant prefix return an empty tenant.
func DecomposeAggregateID(compositeID string) (tenantID, aggregateID string) {
	parts := strings.SplitN(compositeID, TenantSeparator, 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "", compositeID
}

// ValidateTenantID checks that a composite aggregate ID does not belong to
// another tenant. IDs without a tenant prefix pass.
func ValidateTenantID(compositeID, expectedTenantID string) error {
	tenantID, _ := DecomposeAggregateID(compositeID)
	if tenantID != "" && tenantID != expectedTenantID {
		return fmt.Errorf("%w: expected %s, got %s", ErrTenantMismatch, expectedTenantID, tenantID)
	}
	return nil
}
