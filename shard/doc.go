// Package shard routes calls to horizontally partitioned stores and nests
// transactions across them.
//
// Anchorage is designed for applications that split their data across several
// independent databases (shards) next to one non-sharded default store, and
// need to pick the shard per call without threading connections everywhere.
//
// # Key Features
//
//   - Scoped target selection restored on every exit path
//   - Lazily opened, once-only handles per shard
//   - Nested per-shard transaction frames with a fixed order
//   - Full transactions wrapping the default store and every shard
//   - Compile-time opt-in of shard-aware record types
//
// # Selecting a Shard
//
// The current shard lives in a [Scope] carried by a context.Context:
//
//	ctx := shard.NewContext(ctx, shard.NewScope())
//	scope, _ := shard.FromContext(ctx)
//	scope.SetTarget("blue")
//	scope.With("green", func() error {
//	    route, err := router.Resolve(ctx) // green
//	    ...
//	})
//	// blue again
//
// # Transactions
//
// A [Coordinator] opens one frame per key, the first key outermost:
//
//	err := coord.Transaction(ctx, func(ctx context.Context) error {
//	    ...
//	}, "blue", "green")
//
// Frames commit innermost first. Each shard commits independently; there is
// no two-phase commit. Return [ErrAbort] from the body to roll back every
// frame of the call without reporting an error. FullTransaction needs a
// configured default store.
//
// # Record Types
//
// Record types embed [Aware] to be routed by the calling scope. All other
// types use the default store:
//
//	type Article struct {
//	    shard.Aware
//	    ID int64
//	}
//
//	route, err := router.For(ctx, Article{})
//
// # Errors
//
// The package defines domain-specific errors:
//
//   - [ErrTargetNotFound] - no explicit key and no target in scope
//   - [ErrAbort] - deliberate rollback, never returned to the caller
//   - [ErrConfigFileNotFound] - config file is missing
//   - [ErrEnvironmentNotFound] - config file has no section for the environment
//   - [ErrRegistryClosed] - registry used after Close
//   - [ConfigurationError] - key not configured or driver unknown
//   - [TransactionError] - store failed to begin, commit or roll back a frame
package shard
