package middleware

import (
	"context"
	"fmt"

	"github.com/asaskevich/govalidator"

	"github.com/keelsonlabs/keelson/pkg/eventsourcing"
)

// Validator checks a command payload before it reaches its handler.
type Validator interface {
	// Validate returns an error when the command is invalid.
	Validate(cmd interface{}) error
}

// ValidationMiddleware validates command payloads before they are handled.
// Failures wrap eventsourcing.ErrInvalidCommand.
func ValidationMiddleware(validator Validator) eventsourcing.CommandMiddleware {
	return func(next eventsourcing.CommandHandler) eventsourcing.CommandHandler {
		return eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd *eventsourcing.CommandEnvelope) ([]*eventsourcing.Event, error) {
			if err := validator.Validate(cmd.Command); err != nil {
				return nil, fmt.Errorf("%w: %v", eventsourcing.ErrInvalidCommand, err)
			}

			return next.Handle(ctx, cmd)
		})
	}
}

// MetadataOption adjusts which metadata fields MetadataValidationMiddleware
// requires.
type MetadataOption func(*metadataOptions)

type metadataOptions struct {
	requirePrincipal bool
	requireTenant    bool
}

// RequirePrincipal rejects commands without a principal ID.
func RequirePrincipal() MetadataOption {
	return func(o *metadataOptions) { o.requirePrincipal = true }
}

// RequireTenant rejects commands without a tenant ID. Pair this with the
// multitenancy strict mode so unscoped commands fail before reaching a
// handler.
func RequireTenant() MetadataOption {
	return func(o *metadataOptions) { o.requireTenant = true }
}

// MetadataValidationMiddleware validates command metadata. The command ID is
// required and must be a printable identifier of at most 128 bytes, and the
// command must name its type.
func MetadataValidationMiddleware(opts ...MetadataOption) eventsourcing.CommandMiddleware {
	var o metadataOptions
	for _, opt := range opts {
		opt(&o)
	}

	return func(next eventsourcing.CommandHandler) eventsourcing.CommandHandler {
		return eventsourcing.CommandHandlerFunc(func(ctx context.Context, cmd *eventsourcing.CommandEnvelope) ([]*eventsourcing.Event, error) {
			id := cmd.Metadata.CommandID
			switch {
			case id == "":
				return nil, fmt.Errorf("%w: command_id is required", eventsourcing.ErrInvalidCommand)
			case !govalidator.IsByteLength(id, 1, 128):
				return nil, fmt.Errorf("%w: command_id exceeds 128 bytes", eventsourcing.ErrInvalidCommand)
			case !govalidator.IsPrintableASCII(id):
				return nil, fmt.Errorf("%w: command_id must be printable ASCII", eventsourcing.ErrInvalidCommand)
			}

			if cmd.CommandType() == "" {
				return nil, fmt.Errorf("%w: command type is required", eventsourcing.ErrInvalidCommand)
			}

			if o.requirePrincipal && cmd.Metadata.PrincipalID == "" {
				return nil, fmt.Errorf("%w: principal_id is required", eventsourcing.ErrInvalidCommand)
			}

			if o.requireTenant && cmd.Metadata.TenantID == "" {
				return nil, fmt.Errorf("%w: tenant_id is required", eventsourcing.ErrInvalidCommand)
			}

			return next.Handle(ctx, cmd)
		})
	}
}

// StructValidator validates commands through govalidator struct tags:
//
//	type OpenAccount struct {
//		CommandID string `valid:"required"`
//		OwnerName string `valid:"required,length(1|200)"`
//		Currency  string `valid:"in(EUR|USD|GBP)"`
//	}
//
// Commands must be structs or pointers to structs. A command may additionally
// implement Validate() error for rules tags cannot express.
type StructValidator struct{}

// Validate implements Validator.
func (v *StructValidator) Validate(cmd interface{}) error {
	if cmd == nil {
		return nil
	}

	if validator, ok := cmd.(interface{ Validate() error }); ok {
		if err := validator.Validate(); err != nil {
			return err
		}
	}

	if _, err := govalidator.ValidateStruct(cmd); err != nil {
		return err
	}

	return nil
}

var _ Validator = (*StructValidator)(nil)
