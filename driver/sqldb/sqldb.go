// Package sqldb adapts database/sql handles to shard connections.
//
// Frames map to SQL transactions. A repeated key inside one coordinated call
// opens a SAVEPOINT on the outer transaction instead of a second transaction,
// so the inner frame can be rolled back on its own.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/jacentio/anchorage/internal/naming"
	"github.com/jacentio/anchorage/shard"
)

// Driver is the config driver name handled by Open.
const Driver = "sqlite"

// ErrForeignHandle is returned by From when the route was not opened by this package.
var ErrForeignHandle = errors.New("anchorage/sqldb: route handle is not a sqldb handle")

// Querier is the statement surface shared by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ Querier           = (*sql.DB)(nil)
	_ Querier           = (*sql.Tx)(nil)
	_ shard.Conn        = (*Conn)(nil)
	_ shard.Savepointer = (*Tx)(nil)
)

// Conn is a shard handle backed by a *sql.DB.
type Conn struct {
	key shard.Key
	db  *sql.DB
}

// New wraps an open *sql.DB. The Conn owns db and closes it on Close.
func New(key shard.Key, db *sql.DB) *Conn {
	return &Conn{key: key, db: db}
}

// Open is a shard.Opener. cfg.DSN is passed to sql.Open unchanged.
//
// Options:
//   - driver_name: database/sql driver to use (default "sqlite")
//   - max_open_conns: connection pool limit (default unlimited)
func Open(ctx context.Context, key shard.Key, cfg shard.ConnectionConfig) (shard.Conn, error) {
	if cfg.DSN == "" {
		return nil, errors.New("anchorage/sqldb: dsn is empty")
	}
	db, err := sql.Open(cfg.Option("driver_name", Driver), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if v := cfg.Option("max_open_conns", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("max_open_conns: %w", err)
		}
		db.SetMaxOpenConns(n)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return New(key, db), nil
}

func (c *Conn) Key() shard.Key { return c.key }

// DB returns the underlying pool.
func (c *Conn) DB() *sql.DB { return c.db }

// Begin starts a SQL transaction.
func (c *Conn) Begin(ctx context.Context) (shard.Tx, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{ctx: ctx, key: c.key, tx: tx}, nil
}

func (c *Conn) Close() error {
	return c.db.Close()
}

// Tx is one frame: the SQL transaction itself at depth 0, or a savepoint on it.
type Tx struct {
	ctx   context.Context
	key   shard.Key
	tx    *sql.Tx
	depth int
	name  string

	mu   sync.Mutex
	done bool
}

// SQL returns the transaction statements of this frame run on.
func (t *Tx) SQL() *sql.Tx { return t.tx }

// Depth returns 0 for the outermost frame and n for the n-th nested savepoint.
func (t *Tx) Depth() int { return t.depth }

// Savepoint opens a nested frame on the same SQL transaction.
func (t *Tx) Savepoint(ctx context.Context) (shard.Tx, error) {
	depth := t.depth + 1
	name := naming.Savepoint(string(t.key), depth)
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return nil, fmt.Errorf("savepoint: %w", err)
	}
	return &Tx{ctx: ctx, key: t.key, tx: t.tx, depth: depth, name: name}, nil
}

func (t *Tx) finish() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true
	return nil
}

// Commit commits the transaction, or releases the savepoint of a nested frame
// under the context the savepoint was opened with.
func (t *Tx) Commit() error {
	if err := t.finish(); err != nil {
		return err
	}
	if t.depth == 0 {
		return t.tx.Commit()
	}
	_, err := t.tx.ExecContext(t.ctx, "RELEASE SAVEPOINT "+t.name)
	return err
}

// Rollback rolls back the transaction, or undoes the work since the savepoint
// of a nested frame and releases it. The savepoint is undone even when its
// context is already canceled.
func (t *Tx) Rollback() error {
	if err := t.finish(); err != nil {
		return err
	}
	if t.depth == 0 {
		return t.tx.Rollback()
	}
	ctx := context.WithoutCancel(t.ctx)
	if _, err := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+t.name); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+t.name)
	return err
}

// From returns the Querier a record layer should use for route: the open
// frame's transaction when there is one, the pool otherwise.
func From(route shard.Route) (Querier, error) {
	if route.Tx != nil {
		tx, ok := route.Tx.(*Tx)
		if !ok {
			return nil, fmt.Errorf("%w: frame is %T", ErrForeignHandle, route.Tx)
		}
		return tx.tx, nil
	}
	conn, ok := route.Conn.(*Conn)
	if !ok {
		return nil, fmt.Errorf("%w: conn is %T", ErrForeignHandle, route.Conn)
	}
	return conn.db, nil
}
