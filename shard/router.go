package shard

import "context"

// Route is the handle a record layer should use for one call.
type Route struct {
	// Key is the resolved shard. It is empty for the default store.
	Key Key

	// Conn is the shard's handle.
	Conn Conn

	// Tx is the innermost frame open for Key in the calling scope, or nil.
	// Statements issued through Tx take part in the coordinated transaction.
	Tx Tx
}

// InTransaction reports whether the route carries an open frame.
func (r Route) InTransaction() bool {
	return r.Tx != nil
}

// Router answers "which handle applies right now" for the record layer.
type Router struct {
	registry *Registry
}

// NewRouter creates a Router resolving handles from registry.
func NewRouter(registry *Registry) *Router {
	return &Router{registry: registry}
}

// Resolve returns the route for the target selected in the Scope carried by ctx.
// Inside With the anchored key is the target. Without one it returns ErrTargetNotFound.
func (r *Router) Resolve(ctx context.Context) (Route, error) {
	s, ok := FromContext(ctx)
	if !ok {
		return Route{}, ErrTargetNotFound
	}
	key, ok := s.Target()
	if !ok {
		return Route{}, ErrTargetNotFound
	}
	conn, err := r.registry.Resolve(ctx, key)
	if err != nil {
		return Route{}, err
	}
	tx, _ := s.frame(key)
	return Route{Key: key, Conn: conn, Tx: tx}, nil
}

// Default returns the route for the default store.
func (r *Router) Default(ctx context.Context) (Route, error) {
	conn, err := r.registry.Default(ctx)
	if err != nil {
		return Route{}, err
	}
	route := Route{Key: defaultKey, Conn: conn}
	if s, ok := FromContext(ctx); ok {
		route.Tx, _ = s.frame(defaultKey)
	}
	return route, nil
}

// For returns the route for a record of model's type: shard-aware types are
// routed by the calling scope, all others use the default store.
func (r *Router) For(ctx context.Context, model any) (Route, error) {
	if IsSharded(model) {
		return r.Resolve(ctx)
	}
	return r.Default(ctx)
}

// Each runs fn once per configured shard, in declaration order, with that
// shard selected. It stops at the first error.
func (r *Router) Each(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, s := ensureScope(ctx)
	for _, key := range r.registry.Keys() {
		if err := s.With(key, func() error { return fn(ctx) }); err != nil {
			return err
		}
	}
	return nil
}
