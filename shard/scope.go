package shard

import (
	"context"

	"go.uber.org/zap"
)

// Scope holds the shard selection of one logical task.
//
// A Scope is not safe for concurrent use. Each goroutine that routes calls
// should own its own Scope, usually carried in its context.Context.
type Scope struct {
	current Key
	stack   []Key
	frames  map[Key][]Tx
	logger  *zap.Logger
}

// ScopeOption configures a Scope.
type ScopeOption func(*Scope)

// WithScopeLogger sets the logger that receives target change events.
func WithScopeLogger(logger *zap.Logger) ScopeOption {
	return func(s *Scope) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewScope creates an empty Scope with no target.
func NewScope(opts ...ScopeOption) *Scope {
	s := &Scope{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Target returns the current selection. ok is false when no target is set.
func (s *Scope) Target() (key Key, ok bool) {
	return s.current, s.current != ""
}

// SetTarget overwrites the current selection. An empty key clears it.
func (s *Scope) SetTarget(key Key) {
	s.logger.Debug("target changed",
		zap.String("from", string(s.current)),
		zap.String("to", string(key)),
	)
	s.current = key
}

// Depth returns how many With calls are active.
func (s *Scope) Depth() int {
	return len(s.stack)
}

// With selects key for the duration of fn and restores the previous selection
// on every exit path, including panics.
//
//	s.SetTarget("blue")
//	s.With("green", func() error {
//	    // target is green
//	    return nil
//	})
//	// target is blue again
func (s *Scope) With(key Key, fn func() error) error {
	s.stack = append(s.stack, s.current)
	s.SetTarget(key)
	defer s.restore()
	return fn()
}

func (s *Scope) restore() {
	last := len(s.stack) - 1
	prev := s.stack[last]
	s.stack = s.stack[:last]
	s.SetTarget(prev)
}

// WithTarget is With for bodies that produce a value.
func WithTarget[T any](s *Scope, key Key, fn func() (T, error)) (T, error) {
	var out T
	err := s.With(key, func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}

func (s *Scope) pushFrame(key Key, tx Tx) {
	if s.frames == nil {
		s.frames = make(map[Key][]Tx)
	}
	s.frames[key] = append(s.frames[key], tx)
}

func (s *Scope) popFrame(key Key) {
	open := s.frames[key]
	if len(open) <= 1 {
		delete(s.frames, key)
		return
	}
	s.frames[key] = open[:len(open)-1]
}

// frame returns the innermost open frame for key.
func (s *Scope) frame(key Key) (Tx, bool) {
	open := s.frames[key]
	if len(open) == 0 {
		return nil, false
	}
	return open[len(open)-1], true
}

type scopeContextKey struct{}

// NewContext returns a copy of ctx carrying s.
func NewContext(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeContextKey{}, s)
}

// FromContext returns the Scope carried by ctx.
func FromContext(ctx context.Context) (*Scope, bool) {
	if ctx == nil {
		return nil, false
	}
	s, ok := ctx.Value(scopeContextKey{}).(*Scope)
	return s, ok && s != nil
}

// ensureScope returns ctx and its Scope, attaching a new Scope when ctx has none.
func ensureScope(ctx context.Context) (context.Context, *Scope) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s, ok := FromContext(ctx); ok {
		return ctx, s
	}
	s := NewScope()
	return NewContext(ctx, s), s
}

// Target returns the current selection of the Scope carried by ctx.
func Target(ctx context.Context) (Key, bool) {
	s, ok := FromContext(ctx)
	if !ok {
		return "", false
	}
	return s.Target()
}

// With runs fn with key selected in the Scope carried by ctx.
// When ctx carries no Scope a new one is attached for the duration of fn.
func With(ctx context.Context, key Key, fn func(ctx context.Context) error) error {
	ctx, s := ensureScope(ctx)
	return s.With(key, func() error {
		return fn(ctx)
	})
}
