package shard

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Registry maps shard keys to connection handles.
//
// Handles are opened on first use and cached until Close. At most one handle
// is ever opened per key, even under concurrent first access.
type Registry struct {
	config  Config
	drivers map[string]Opener
	logger  *zap.Logger

	mu     sync.RWMutex
	conns  map[Key]Conn
	closed bool

	sf singleflight.Group
}

// Option configures a Registry.
type Option func(*Registry)

// WithDriver registers the Opener used for config entries whose Driver is name.
func WithDriver(name string, open Opener) Option {
	return func(r *Registry) {
		r.drivers[name] = open
	}
}

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates a Registry for cfg. Every config entry must name a registered driver.
func NewRegistry(cfg Config, opts ...Option) (*Registry, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	r := &Registry{
		config: Config{
			Default: cfg.Default,
			Shards:  append(ShardList(nil), cfg.Shards...),
		},
		drivers: make(map[string]Opener),
		logger:  zap.NewNop(),
		conns:   make(map[Key]Conn),
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, s := range r.config.Shards {
		if _, ok := r.drivers[s.Driver]; !ok {
			return nil, &ConfigurationError{Key: s.Key, Reason: fmt.Errorf("unknown driver %q", s.Driver)}
		}
	}
	if d := r.config.Default; d != nil {
		if _, ok := r.drivers[d.Driver]; !ok {
			return nil, &ConfigurationError{Key: defaultKey, Reason: fmt.Errorf("unknown driver %q", d.Driver)}
		}
	}
	return r, nil
}

// Keys returns every configured shard key in declaration order.
func (r *Registry) Keys() []Key {
	return r.config.Keys()
}

// Has reports whether key is configured.
func (r *Registry) Has(key Key) bool {
	_, ok := r.config.Get(key)
	return ok
}

// Resolve returns the handle for key, opening it on first use. Concurrent
// callers share one open, which runs detached from any single caller's
// cancellation; a caller whose ctx ends first stops waiting with ctx.Err().
func (r *Registry) Resolve(ctx context.Context, key Key) (Conn, error) {
	cfg, ok := r.config.Get(key)
	if !ok {
		return nil, &ConfigurationError{Key: key}
	}
	return r.open(ctx, key, cfg)
}

// Default returns the handle for the default store, opening it on first use.
func (r *Registry) Default(ctx context.Context) (Conn, error) {
	if r.config.Default == nil {
		return nil, &ConfigurationError{Key: defaultKey, Reason: ErrNoDefault}
	}
	return r.open(ctx, defaultKey, *r.config.Default)
}

func (r *Registry) cached(key Key) (Conn, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, false, ErrRegistryClosed
	}
	conn, ok := r.conns[key]
	return conn, ok, nil
}

func (r *Registry) open(ctx context.Context, key Key, cfg ConnectionConfig) (Conn, error) {
	if conn, ok, err := r.cached(key); err != nil || ok {
		return conn, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	openCtx := context.WithoutCancel(ctx)

	ch := r.sf.DoChan(string(key), func() (any, error) {
		if conn, ok, err := r.cached(key); err != nil || ok {
			return conn, err
		}

		conn, err := r.drivers[cfg.Driver](openCtx, key, cfg)
		if err != nil {
			return nil, fmt.Errorf("anchorage: open shard %q: %w", key.String(), err)
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			_ = conn.Close()
			return nil, ErrRegistryClosed
		}
		r.conns[key] = conn
		r.mu.Unlock()

		r.logger.Debug("handle opened",
			zap.String("shard", key.String()),
			zap.String("driver", cfg.Driver),
		)
		return conn, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Conn), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Warm opens every configured handle concurrently, the default store included.
func (r *Registry) Warm(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, key := range r.Keys() {
		g.Go(func() error {
			_, err := r.Resolve(ctx, key)
			return err
		})
	}
	if r.config.Default != nil {
		g.Go(func() error {
			_, err := r.Default(ctx)
			return err
		})
	}
	return g.Wait()
}

// Close closes every opened handle, shards in reverse declaration order and
// the default store last. The Registry cannot be used afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conns := r.conns
	r.conns = nil
	r.mu.Unlock()

	order := r.Keys()
	var errs error
	closeOne := func(key Key) {
		conn, ok := conns[key]
		if !ok {
			return
		}
		if err := conn.Close(); err != nil {
			r.logger.Warn("failed to close handle",
				zap.String("shard", key.String()),
				zap.Error(err),
			)
			errs = multierr.Append(errs, fmt.Errorf("close shard %q: %w", key.String(), err))
		}
	}
	for i := len(order) - 1; i >= 0; i-- {
		closeOne(order[i])
	}
	closeOne(defaultKey)
	return errs
}
