package shard

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// TxFunc is the body of a coordinated transaction. The context it receives
// carries the Scope in which the frames are open, so records routed through
// a Router inside the body use the open frames.
type TxFunc func(ctx context.Context) error

// Coordinator nests per-shard transaction frames around a body.
//
// Frames are opened in key order and finish in reverse order. Every shard
// commits on its own: a failure after an inner commit cannot undo it.
type Coordinator struct {
	registry *Registry
	logger   *zap.Logger
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger sets the logger. A nil logger disables logging.
func WithCoordinatorLogger(logger *zap.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCoordinator creates a Coordinator resolving handles from registry.
func NewCoordinator(registry *Registry, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		registry: registry,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Transaction runs fn inside frames for keys. Without keys the current target
// of the Scope carried by ctx is used; without a target it returns ErrTargetNotFound.
func (c *Coordinator) Transaction(ctx context.Context, fn TxFunc, keys ...Key) error {
	if len(keys) == 0 {
		target, ok := Target(ctx)
		if !ok {
			return ErrTargetNotFound
		}
		keys = []Key{target}
	}
	return c.RunOn(ctx, keys, fn)
}

// AllTransaction runs fn inside frames for every configured shard in
// declaration order, regardless of the current target.
func (c *Coordinator) AllTransaction(ctx context.Context, fn TxFunc) error {
	return c.RunOn(ctx, c.registry.Keys(), fn)
}

// FullTransaction runs fn inside a frame on the default store with every
// configured shard nested inside it. Without a configured default store it
// returns a *ConfigurationError wrapping ErrNoDefault and fn is not called.
func (c *Coordinator) FullTransaction(ctx context.Context, fn TxFunc) error {
	conn, err := c.registry.Default(ctx)
	if err != nil {
		return err
	}
	ctx, s := ensureScope(ctx)
	keys := c.registry.Keys()
	err = c.frame(ctx, s, defaultKey, conn, func(ctx context.Context) error {
		return c.nest(ctx, s, keys, fn)
	})
	return consumeAbort(err)
}

// RunOn runs fn inside nested frames for keys, the first key outermost.
// With no keys fn is called directly. Keys are not deduplicated: a repeated
// key opens another frame on the same handle.
func (c *Coordinator) RunOn(ctx context.Context, keys []Key, fn TxFunc) error {
	ctx, s := ensureScope(ctx)
	return consumeAbort(c.nest(ctx, s, keys, fn))
}

// consumeAbort turns an abort into success. Rollback failures met while
// unwinding are still returned, and any other error joined with the abort is
// returned unchanged.
func consumeAbort(err error) error {
	if err == nil || abortOnly(err) {
		return nil
	}
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return err
	}
	var rollbackErrs error
	for _, e := range joined.Unwrap() {
		if abortOnly(e) {
			continue
		}
		var txErr *TransactionError
		if !errors.As(e, &txErr) {
			return err
		}
		rollbackErrs = multierr.Append(rollbackErrs, e)
	}
	return rollbackErrs
}

// abortOnly reports whether err is ErrAbort or a chain of single %w wraps around it.
func abortOnly(err error) bool {
	for err != nil {
		if err == ErrAbort {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (c *Coordinator) nest(ctx context.Context, s *Scope, keys []Key, fn TxFunc) error {
	if len(keys) == 0 {
		return fn(ctx)
	}
	conn, err := c.registry.Resolve(ctx, keys[0])
	if err != nil {
		return err
	}
	rest := keys[1:]
	return c.frame(ctx, s, keys[0], conn, func(ctx context.Context) error {
		return c.nest(ctx, s, rest, fn)
	})
}

// frame opens one frame on conn, runs inner and commits or rolls back.
func (c *Coordinator) frame(ctx context.Context, s *Scope, key Key, conn Conn, inner TxFunc) (err error) {
	tx, err := c.begin(ctx, s, key, conn)
	if err != nil {
		return &TransactionError{Key: key, Op: "begin", Err: err}
	}
	id := uuid.NewString()
	log := c.logger.With(zap.String("shard", key.String()), zap.String("frame", id))
	log.Debug("frame begin")

	s.pushFrame(key, tx)
	popped := false
	pop := func() {
		if !popped {
			s.popFrame(key)
			popped = true
		}
	}
	defer func() {
		if p := recover(); p != nil {
			pop()
			c.rollback(log, tx)
			panic(p)
		}
	}()

	err = inner(ctx)
	pop()

	if err != nil {
		if rbErr := c.rollback(log, tx); rbErr != nil {
			err = multierr.Append(err, &TransactionError{Key: key, Op: "rollback", Err: rbErr})
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		log.Debug("frame commit failed", zap.Error(err))
		return &TransactionError{Key: key, Op: "commit", Err: err}
	}
	log.Debug("frame commit")
	return nil
}

// begin nests inside an open frame for the same key when that frame supports
// savepoints, and opens an independent frame otherwise.
func (c *Coordinator) begin(ctx context.Context, s *Scope, key Key, conn Conn) (Tx, error) {
	if open, ok := s.frame(key); ok {
		if sp, ok := open.(Savepointer); ok {
			return sp.Savepoint(ctx)
		}
	}
	return conn.Begin(ctx)
}

func (c *Coordinator) rollback(log *zap.Logger, tx Tx) error {
	if err := tx.Rollback(); err != nil {
		log.Warn("frame rollback failed", zap.Error(err))
		return err
	}
	log.Debug("frame rollback")
	return nil
}
