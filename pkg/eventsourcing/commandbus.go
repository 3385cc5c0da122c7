package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// EventBus receives committed events for publication outside the store.
// Publication through the transactional outbox is the durable path; an
// EventBus attached to the command bus is a direct, best-effort channel.
type EventBus interface {
	Publish(ctx context.Context, events []*Event) error
}

// DefaultCommandBus is a simple in-memory implementation of CommandBus.
type DefaultCommandBus struct {
	handlers   map[string]CommandHandler
	middleware []CommandMiddleware
	eventBus   EventBus
	mu         sync.RWMutex
}

// NewCommandBus creates a new command bus instance.
func NewCommandBus() *DefaultCommandBus {
	return &DefaultCommandBus{
		handlers:   make(map[string]CommandHandler),
		middleware: make([]CommandMiddleware, 0),
	}
}

// NewCommandBusWithEventBus creates a command bus that publishes produced
// events to the given bus after each successful command.
func NewCommandBusWithEventBus(eventBus EventBus) *DefaultCommandBus {
	b := NewCommandBus()
	b.eventBus = eventBus
	return b
}

// Register registers a handler for a specific command type.
func (b *DefaultCommandBus) Register(commandType string, handler CommandHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[commandType]; exists {
		panic(fmt.Sprintf("handler already registered for command type: %s", commandType))
	}

	b.handlers[commandType] = handler
}

// Use adds middleware to the command processing pipeline.
// Middleware is executed in the order it was added (first added = outermost).
func (b *DefaultCommandBus) Use(middleware CommandMiddleware) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.middleware = append(b.middleware, middleware)
}

// Send routes a command to its registered handler. Duplicate commands are
// reported through CommandResult.AlreadyProcessed rather than as an error.
func (b *DefaultCommandBus) Send(ctx context.Context, cmd *CommandEnvelope) (*CommandResult, error) {
	if cmd == nil || cmd.Command == nil {
		return nil, ErrInvalidCommand
	}
	if cmd.Metadata.CommandID == "" {
		cmd.Metadata.CommandID = cmd.Command.ID()
	}

	commandType := cmd.Command.CommandType()
	if commandType == "" {
		return nil, fmt.Errorf("%w: empty command type", ErrInvalidCommand)
	}

	b.mu.RLock()
	handler, exists := b.handlers[commandType]
	middleware := b.middleware
	b.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, commandType)
	}

	// Build middleware chain (reverse order so first added is outermost)
	finalHandler := handler
	for i := len(middleware) - 1; i >= 0; i-- {
		finalHandler = middleware[i](finalHandler)
	}

	events, err := finalHandler.Handle(ctx, cmd)
	if err != nil {
		if errors.Is(err, ErrCommandAlreadyProcessed) {
			return &CommandResult{
				CommandID:        cmd.Metadata.CommandID,
				Events:           events,
				AlreadyProcessed: true,
				ProcessedAt:      Now(),
			}, nil
		}
		return nil, fmt.Errorf("command handler failed: %w", err)
	}

	if b.eventBus != nil && len(events) > 0 {
		if err := b.eventBus.Publish(ctx, events); err != nil {
			return nil, fmt.Errorf("failed to publish events: %w", err)
		}
	}

	return &CommandResult{
		CommandID:   cmd.Metadata.CommandID,
		Events:      events,
		ProcessedAt: Now(),
	}, nil
}

// RegisteredCommands returns the list of registered command types.
func (b *DefaultCommandBus) RegisteredCommands() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	types := make([]string, 0, len(b.handlers))
	for t := range b.handlers {
		types = append(types, t)
	}
	return types
}
