package multitenancy

import (
	"context"
	"fmt"

	"github.com/keelsonlabs/keelson/pkg/eventsourcing"
)

// TenantIsolationMiddleware enforces tenant isolation on the command bus.
// Commands without an ambient tenant are rejected, metadata claiming a
// different tenant is rejected, and every produced event is stamped with
// the tenant before it reaches the store.
func TenantIsolationMiddleware() eventsourcing.CommandMiddleware {
	return func(next eventsourcing.CommandHandler) eventsourcing.CommandHandler {
		return eventsourcing.CommandHandlerFunc(func(ctx context.Context, envelope *eventsourcing.CommandEnvelope) ([]*eventsourcing.Event, error) {
			tenantID, err := RequireTenantID(ctx)
			if err != nil {
				return nil, fmt.Errorf("tenant isolation: %w", err)
			}

			if envelope.Metadata.TenantID != "" && envelope.Metadata.TenantID != tenantID {
				return nil, fmt.Errorf("tenant isolation: %w: metadata names %s, context names %s",
					ErrTenantMismatch, envelope.Metadata.TenantID, tenantID)
			}
			envelope.Metadata.TenantID = tenantID

			events, err := next.Handle(ctx, envelope)
			if err != nil {
				return nil, err
			}

			for _, event := range events {
				if err := ValidateTenantID(event.AggregateID, tenantID); err != nil {
					return nil, fmt.Errorf("tenant isolation: event %s: %w", event.EventType, err)
				}
				if event.Metadata.TenantID != "" && event.Metadata.TenantID != tenantID {
					return nil, fmt.Errorf("tenant isolation: event %s: %w: stamped %s, context names %s",
						event.EventType, ErrTenantMismatch, event.Metadata.TenantID, tenantID)
				}
				event.Metadata.TenantID = tenantID
			}

			return events, nil
		})
	}
}

// TenantExtractionMiddleware establishes the ambient tenant for downstream
// middleware. Sources in priority order: context, command metadata, then the
// optional extractor. Commands with no resolvable tenant are rejected.
func TenantExtractionMiddleware(extractor func(*eventsourcing.CommandEnvelope) (string, error)) eventsourcing.CommandMiddleware {
	return func(next eventsourcing.CommandHandler) eventsourcing.CommandHandler {
		return eventsourcing.CommandHandlerFunc(func(ctx context.Context, envelope *eventsourcing.CommandEnvelope) ([]*eventsourcing.Event, error) {
			if _, ok := TenantFromContext(ctx); ok {
				return next.Handle(ctx, envelope)
			}

			if envelope.Metadata.TenantID != "" {
				return next.Handle(WithTenantID(ctx, envelope.Metadata.TenantID), envelope)
			}

			if extractor != nil {
				tenantID, err := extractor(envelope)
				if err != nil {
					return nil, fmt.Errorf("tenant extraction failed: %w", err)
				}
				return next.Handle(WithTenantID(ctx, tenantID), envelope)
			}

			return nil, fmt.Errorf("tenant extraction: %w", ErrNoTenant)
		})
	}
}

// TenantAuthorizer decides whether a principal may act within a tenant.
type TenantAuthorizer interface {
	// Authorize returns an error when the principal may not access the tenant.
	Authorize(ctx context.Context, principalID, tenantID string) error
}

// TenantAuthorizationMiddleware checks that the command's principal may act
// within the ambient tenant.
func TenantAuthorizationMiddleware(authorizer TenantAuthorizer) eventsourcing.CommandMiddleware {
	return func(next eventsourcing.CommandHandler) eventsourcing.CommandHandler {
		return eventsourcing.CommandHandlerFunc(func(ctx context.Context, envelope *eventsourcing.CommandEnvelope) ([]*eventsourcing.Event, error) {
			tenantID, err := RequireTenantID(ctx)
			if err != nil {
				return nil, err
			}

			if err := authorizer.Authorize(ctx, envelope.Metadata.PrincipalID, tenantID); err != nil {
				return nil, fmt.Errorf("tenant authorization failed: %w", err)
			}

			return next.Handle(ctx, envelope)
		})
	}
}
