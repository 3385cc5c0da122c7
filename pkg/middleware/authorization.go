package middleware

import (
	"context"
	"fmt"

	"github.com/keelsonlabs/keelson/pkg/eventsourcing"
)

// Authorizer decides whether a principal may execute a command.
type Authorizer interface {
	// Authorize returns an error when the principal is not allowed to
	// execute the command. Denials should wrap eventsourcing.ErrUnauthorized.
	Authorize(ctx context.Context, principalID string, commandType string, command interface{}) error
}

// AuthorizationMiddleware enforces authorization for commands.
func AuthorizationMiddleware(authorizer Authorizer) eventsourcing.CommandMiddleware {
	return func(next eventsourcing.CommandHandler) eventsourcing.CommandHandler {
		return eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd *eventsourcing.CommandEnvelope) ([]*eventsourcing.Event, error) {
			if err := authorizer.Authorize(ctx, cmd.Metadata.PrincipalID, cmd.CommandType(), cmd.Command); err != nil {
				return nil, fmt.Errorf("authorization failed: %w", err)
			}

			return next.Handle(ctx, cmd)
		})
	}
}

// RoleBasedAuthorizer authorizes commands by role membership. Command types
// without an entry in commandRoles require no authorization.
type RoleBasedAuthorizer struct {
	commandRoles   map[string][]string
	principalRoles func(ctx context.Context, principalID string) ([]string, error)
}

// NewRoleBasedAuthorizer creates a role-based authorizer. commandRoles maps
// command types to the roles allowed to execute them; principalRoles resolves
// the roles held by a principal.
func NewRoleBasedAuthorizer(
	commandRoles map[string][]string,
	principalRoles func(ctx context.Context, principalID string) ([]string, error),
) *RoleBasedAuthorizer {
	return &RoleBasedAuthorizer{
		commandRoles:   commandRoles,
		principalRoles: principalRoles,
	}
}

// Authorize implements Authorizer.
func (a *RoleBasedAuthorizer) Authorize(ctx context.Context, principalID string, commandType string, command interface{}) error {
	requiredRoles, exists := a.commandRoles[commandType]
	if !exists || len(requiredRoles) == 0 {
		return nil
	}

	held, err := a.principalRoles(ctx, principalID)
	if err != nil {
		return fmt.Errorf("failed to get principal roles: %w", err)
	}

	heldSet := make(map[string]bool, len(held))
	for _, role := range held {
		heldSet[role] = true
	}

	for _, required := range requiredRoles {
		if heldSet[required] {
			return nil
		}
	}

	return fmt.Errorf("%w: principal %q lacks required role for command %s",
		eventsourcing.ErrUnauthorized, principalID, commandType)
}

var _ Authorizer = (*RoleBasedAuthorizer)(nil)
