package shard

import "context"

// Key names one shard. The zero Key means "no target".
type Key string

// defaultKey tracks frames opened on the default store. It can never collide
// with a configured shard because empty keys are rejected by Config.validate.
const defaultKey Key = ""

func (k Key) String() string {
	if k == defaultKey {
		return "default"
	}
	return string(k)
}

// Conn is a live handle to one shard, owned by the Registry that opened it.
type Conn interface {
	// Key returns the shard this handle was opened for.
	Key() Key

	// Begin opens a transaction frame on the handle.
	Begin(ctx context.Context) (Tx, error)

	// Close releases the underlying resource.
	Close() error
}

// Tx is one open transaction frame.
type Tx interface {
	Commit() error
	Rollback() error
}

// Savepointer is implemented by frames that can open a nested frame on the
// same underlying transaction. The coordinator uses it when a key appears more
// than once in one coordinated call.
type Savepointer interface {
	Savepoint(ctx context.Context) (Tx, error)
}

// Opener constructs a handle from its connection config.
type Opener func(ctx context.Context, key Key, cfg ConnectionConfig) (Conn, error)
