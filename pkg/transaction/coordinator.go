package transaction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/keelsonlabs/keelson/pkg/eventsourcing"
)

var (
	// ErrNoAmbientTransaction is returned by PropagationMandatory when the
	// context carries no transaction.
	ErrNoAmbientTransaction = errors.New("no ambient transaction in context")

	// ErrAmbientTransaction is returned by PropagationNever when the context
	// already carries a transaction.
	ErrAmbientTransaction = errors.New("ambient transaction present in context")
)

// Retryable reports whether an error is worth retrying in a fresh
// transaction: optimistic concurrency conflicts and SQLite lock contention.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, eventsourcing.ErrConcurrencyConflict) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}

// Coordinator runs functions inside managed database transactions. The
// transaction travels in the context, so store operations called from fn
// automatically join it.
//
// Example:
//
//	coord := transaction.NewCoordinator(db)
//	err := coord.Execute(ctx, func(ctx context.Context) error {
//	    if err := repo.Save(ctx, account); err != nil {
//	        return err
//	    }
//	    return checkpoints.Save(ctx, cp)
//	}, transaction.WithTimeout(5*time.Second))
type Coordinator struct {
	db     *sql.DB
	logger *slog.Logger
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// NewCoordinator creates a coordinator over the given database.
func NewCoordinator(db *sql.DB, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute runs fn under the configured transaction semantics. When the
// coordinator owns the transaction, it commits on success and rolls back on
// error or panic; retryable failures rerun fn in a fresh transaction per the
// retry policy. Joined ambient transactions are left for their owner to
// finish.
func (c *Coordinator) Execute(ctx context.Context, fn func(ctx context.Context) error, opts ...Option) error {
	o := options{
		isolation: sql.LevelDefault,
		retry:     DefaultRetryPolicy(),
		retryable: Retryable,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	_, hasAmbient := TxFromContext(ctx)

	switch o.propagation {
	case PropagationMandatory:
		if !hasAmbient {
			return ErrNoAmbientTransaction
		}
		return fn(ctx)

	case PropagationNever:
		if hasAmbient {
			return ErrAmbientTransaction
		}
		return fn(ctx)

	case PropagationNotSupported:
		return fn(withoutTx(ctx))

	case PropagationSupports:
		return fn(ctx)

	case PropagationRequired:
		if hasAmbient {
			return fn(ctx)
		}
	case PropagationRequiresNew:
		// Always open our own transaction below.
	}

	return c.runOwned(ctx, fn, &o)
}

func (c *Coordinator) runOwned(ctx context.Context, fn func(ctx context.Context) error, o *options) error {
	attempts := o.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := o.retry.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = c.runOnce(ctx, fn, o)
		if lastErr == nil {
			return nil
		}
		if !o.retryable(lastErr) || attempt == attempts {
			return lastErr
		}

		c.logger.Debug("retrying transaction",
			"attempt", attempt,
			"backoff", backoff,
			"error", lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * o.retry.Multiplier)
		if o.retry.MaxBackoff > 0 && backoff > o.retry.MaxBackoff {
			backoff = o.retry.MaxBackoff
		}
	}
	return lastErr
}

func (c *Coordinator) runOnce(ctx context.Context, fn func(ctx context.Context) error, o *options) (err error) {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: o.isolation,
		ReadOnly:  o.readOnly,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	completed := false
	defer func() {
		if completed {
			return
		}
		// Reached on panic; release the transaction before unwinding.
		_ = tx.Rollback()
	}()

	fnErr := fn(WithTx(ctx, tx))
	if fnErr != nil && !c.commitDespiteError(fnErr, o) {
		completed = true
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			c.logger.Error("rollback failed", "error", rbErr)
		}
		return fnErr
	}

	completed = true
	if commitErr := tx.Commit(); commitErr != nil {
		commitErr = fmt.Errorf("failed to commit transaction: %w", commitErr)
		if fnErr != nil {
			// fn's error was spared by noRollbackFor; the failed commit must
			// not displace it.
			return errors.Join(fnErr, commitErr)
		}
		return commitErr
	}
	return fnErr
}

func (c *Coordinator) commitDespiteError(err error, o *options) bool {
	for _, matcher := range o.noRollbackFor {
		if matcher(err) {
			return true
		}
	}
	return false
}
