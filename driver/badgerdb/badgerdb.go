// Package badgerdb adapts embedded Badger databases to shard connections.
//
// Each frame is a read-write Badger transaction. Badger transactions do not
// nest, so a repeated key inside one coordinated call opens an independent
// transaction that may conflict with the outer one on commit.
package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/jacentio/anchorage/shard"
)

// Driver is the config driver name handled by Open.
const Driver = "badger"

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = badger.ErrKeyNotFound

	// ErrForeignHandle is returned by From when the route was not opened by this package.
	ErrForeignHandle = errors.New("anchorage/badgerdb: route handle is not a badgerdb handle")
)

// KV is the key-value surface shared by a Conn and a frame.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
}

var (
	_ KV         = (*Conn)(nil)
	_ KV         = (*Tx)(nil)
	_ shard.Conn = (*Conn)(nil)
)

// Conn is a shard handle backed by a *badger.DB.
type Conn struct {
	key shard.Key
	db  *badger.DB
}

// New wraps an open database. The Conn owns db and closes it on Close.
func New(key shard.Key, db *badger.DB) *Conn {
	return &Conn{key: key, db: db}
}

// Open is a shard.Opener that discards Badger's own log output.
func Open(ctx context.Context, key shard.Key, cfg shard.ConnectionConfig) (shard.Conn, error) {
	return NewOpener(nil)(ctx, key, cfg)
}

// NewOpener returns a shard.Opener that forwards Badger's log output to logger.
//
// cfg.DSN is the data directory. Options:
//   - in_memory: "true" keeps all data in memory and ignores the DSN
//   - sync_writes: "true" syncs every write to disk
func NewOpener(logger *zap.Logger) shard.Opener {
	return func(_ context.Context, key shard.Key, cfg shard.ConnectionConfig) (shard.Conn, error) {
		inMemory, err := boolOption(cfg, "in_memory")
		if err != nil {
			return nil, err
		}
		syncWrites, err := boolOption(cfg, "sync_writes")
		if err != nil {
			return nil, err
		}

		dir := cfg.DSN
		if inMemory {
			dir = ""
		} else if dir == "" {
			return nil, errors.New("anchorage/badgerdb: dsn is empty")
		}

		opts := badger.DefaultOptions(dir).
			WithInMemory(inMemory).
			WithSyncWrites(syncWrites)
		if logger != nil {
			opts = opts.WithLogger(&badgerLogger{zlog: logger.Sugar().With("shard", key.String())})
		} else {
			opts = opts.WithLogger(nil)
		}

		db, err := badger.Open(opts)
		if err != nil {
			return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
		}
		return New(key, db), nil
	}
}

func boolOption(cfg shard.ConnectionConfig, name string) (bool, error) {
	v, err := strconv.ParseBool(cfg.Option(name, "false"))
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}

func (c *Conn) Key() shard.Key { return c.key }

// DB returns the underlying database.
func (c *Conn) DB() *badger.DB { return c.db }

// Begin starts a read-write transaction. Badger transactions take no context,
// so Commit checks ctx before committing.
func (c *Conn) Begin(ctx context.Context) (shard.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Tx{ctx: ctx, txn: c.db.NewTransaction(true)}, nil
}

func (c *Conn) Close() error {
	return c.db.Close()
}

// Get reads key in its own read-only transaction.
func (c *Conn) Get(key []byte) ([]byte, error) {
	var out []byte
	err := c.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = get(txn, key)
		return err
	})
	return out, err
}

// Set writes key in its own transaction.
func (c *Conn) Set(key, value []byte) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// Delete removes key in its own transaction.
func (c *Conn) Delete(key []byte) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// Tx is one frame backed by a Badger transaction.
type Tx struct {
	ctx context.Context
	txn *badger.Txn
}

// Txn returns the underlying transaction.
func (t *Tx) Txn() *badger.Txn { return t.txn }

// Commit commits the transaction, or discards it when the frame's context is done.
func (t *Tx) Commit() error {
	if err := t.ctx.Err(); err != nil {
		t.txn.Discard()
		return err
	}
	return t.txn.Commit()
}

// Rollback discards the transaction. Discarding an already committed
// transaction is a no-op.
func (t *Tx) Rollback() error {
	t.txn.Discard()
	return nil
}

func (t *Tx) Get(key []byte) ([]byte, error) { return get(t.txn, key) }

func (t *Tx) Set(key, value []byte) error { return t.txn.Set(key, value) }

func (t *Tx) Delete(key []byte) error { return t.txn.Delete(key) }

func get(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

// From returns the KV a record layer should use for route: the open frame
// when there is one, the database otherwise.
func From(route shard.Route) (KV, error) {
	if route.Tx != nil {
		tx, ok := route.Tx.(*Tx)
		if !ok {
			return nil, fmt.Errorf("%w: frame is %T", ErrForeignHandle, route.Tx)
		}
		return tx, nil
	}
	conn, ok := route.Conn.(*Conn)
	if !ok {
		return nil, fmt.Errorf("%w: conn is %T", ErrForeignHandle, route.Conn)
	}
	return conn, nil
}

// badgerLogger adapts zap to badger.Logger.
type badgerLogger struct {
	zlog *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...any)   { l.zlog.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...any) { l.zlog.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...any)    { l.zlog.Infof(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...any)   { l.zlog.Debugf(format, args...) }
