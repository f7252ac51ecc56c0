// Package cassandra adapts Cassandra keyspaces to shard connections.
//
// A frame buffers statements and applies them as one LOGGED batch on commit.
// Batches are atomic but not isolated, and reads never see buffered writes.
package cassandra

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gocql/gocql"

	"github.com/jacentio/anchorage/shard"
)

// Driver is the config driver name handled by Open.
const Driver = "cassandra"

var (
	// ErrFrameClosed is returned when writing to a committed or rolled back frame.
	ErrFrameClosed = errors.New("anchorage/cassandra: frame is closed")

	// ErrForeignHandle is returned by From when the route was not opened by this package.
	ErrForeignHandle = errors.New("anchorage/cassandra: route handle is not a cassandra handle")
)

// Session is the subset of *gocql.Session used by this package.
type Session interface {
	Query(stmt string, values ...any) *gocql.Query
	NewBatch(typ gocql.BatchType) *gocql.Batch
	ExecuteBatch(batch *gocql.Batch) error
	Close()
}

// Writer is the write surface shared by a Conn and a frame.
type Writer interface {
	Exec(ctx context.Context, stmt string, args ...any) error
}

var (
	_ Session    = (*gocql.Session)(nil)
	_ Writer     = (*Conn)(nil)
	_ Writer     = (*Tx)(nil)
	_ shard.Conn = (*Conn)(nil)
)

// Conn is a shard handle backed by a session bound to one keyspace.
type Conn struct {
	key         shard.Key
	session     Session
	consistency gocql.Consistency
}

// New wraps session. The Conn owns session and closes it on Close.
// Batches run at consistency.
func New(key shard.Key, session Session, consistency gocql.Consistency) *Conn {
	return &Conn{key: key, session: session, consistency: consistency}
}

// Open is a shard.Opener. cfg.Address lists comma-separated hosts and
// cfg.Database names the keyspace.
//
// Options:
//   - consistency: gocql consistency name (default LOCAL_QUORUM)
//   - connect_timeout: Go duration (default gocql's)
func Open(_ context.Context, key shard.Key, cfg shard.ConnectionConfig) (shard.Conn, error) {
	cluster, err := clusterConfig(cfg)
	if err != nil {
		return nil, err
	}
	s, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return New(key, s, cluster.Consistency), nil
}

func clusterConfig(cfg shard.ConnectionConfig) (*gocql.ClusterConfig, error) {
	var hosts []string
	for _, h := range strings.Split(cfg.Address, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	if len(hosts) == 0 {
		return nil, errors.New("anchorage/cassandra: address is empty")
	}
	if cfg.Database == "" {
		return nil, errors.New("anchorage/cassandra: database (keyspace) is empty")
	}

	consistency, err := gocql.ParseConsistencyWrapper(cfg.Option("consistency", "LOCAL_QUORUM"))
	if err != nil {
		return nil, fmt.Errorf("consistency: %w", err)
	}

	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = cfg.Database
	cluster.Consistency = consistency
	if v := cfg.Option("connect_timeout", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("connect_timeout: %w", err)
		}
		cluster.ConnectTimeout = d
	}
	if cfg.Username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}
	return cluster, nil
}

func (c *Conn) Key() shard.Key { return c.key }

// Begin opens a buffering frame. Commit runs the batch under ctx.
func (c *Conn) Begin(ctx context.Context) (shard.Tx, error) {
	return &Tx{conn: c, ctx: ctx}, nil
}

func (c *Conn) Close() error {
	c.session.Close()
	return nil
}

// Exec runs stmt immediately.
func (c *Conn) Exec(ctx context.Context, stmt string, args ...any) error {
	return c.session.Query(stmt, args...).WithContext(ctx).Consistency(c.consistency).Exec()
}

type statement struct {
	stmt string
	args []any
}

// Tx is one frame. Statements are buffered until Commit.
type Tx struct {
	conn *Conn
	ctx  context.Context

	mu    sync.Mutex
	stmts []statement
	done  bool
}

// Len returns the number of buffered statements.
func (t *Tx) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.stmts)
}

// Exec buffers stmt.
func (t *Tx) Exec(_ context.Context, stmt string, args ...any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrFrameClosed
	}
	t.stmts = append(t.stmts, statement{stmt: stmt, args: args})
	return nil
}

// Commit applies the buffered statements as one logged batch under the context
// the frame was opened with. An empty frame commits without a round trip
// unless its context is done.
func (t *Tx) Commit() error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return ErrFrameClosed
	}
	t.done = true
	stmts := t.stmts
	t.stmts = nil
	t.mu.Unlock()

	if err := t.ctx.Err(); err != nil {
		return err
	}
	if len(stmts) == 0 {
		return nil
	}
	batch := t.conn.session.NewBatch(gocql.LoggedBatch).WithContext(t.ctx)
	batch.SetConsistency(t.conn.consistency)
	for _, s := range stmts {
		batch.Query(s.stmt, s.args...)
	}
	return t.conn.session.ExecuteBatch(batch)
}

// Rollback drops the buffered statements.
func (t *Tx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrFrameClosed
	}
	t.done = true
	t.stmts = nil
	return nil
}

// From returns the Writer a record layer should use for route: the open frame
// when there is one, the session otherwise.
func From(route shard.Route) (Writer, error) {
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
