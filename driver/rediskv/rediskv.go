// Package rediskv adapts Redis servers to shard connections.
//
// A frame is a MULTI/EXEC pipeline: commands issued through the frame are
// queued locally and sent atomically on commit. Reads inside a frame return
// their results only after commit.
package rediskv

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/jacentio/anchorage/shard"
)

// Driver is the config driver name handled by Open.
const Driver = "redis"

// ErrForeignHandle is returned by From when the route was not opened by this package.
var ErrForeignHandle = errors.New("anchorage/rediskv: route handle is not a rediskv handle")

var _ shard.Conn = (*Conn)(nil)

// Conn is a shard handle backed by a *redis.Client.
type Conn struct {
	key    shard.Key
	client *redis.Client
}

// New wraps client. The Conn owns client and closes it on Close.
func New(key shard.Key, client *redis.Client) *Conn {
	return &Conn{key: key, client: client}
}

// Open is a shard.Opener. cfg.Address is host:port and cfg.Database the
// numeric database index. The server is pinged before the handle is returned.
func Open(ctx context.Context, key shard.Key, cfg shard.ConnectionConfig) (shard.Conn, error) {
	opts, err := clientOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping %s: %w", opts.Addr, err)
	}
	return New(key, client), nil
}

func clientOptions(cfg shard.ConnectionConfig) (*redis.Options, error) {
	if cfg.Address == "" {
		return nil, errors.New("anchorage/rediskv: address is empty")
	}
	db := 0
	if cfg.Database != "" {
		n, err := strconv.Atoi(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		db = n
	}
	return &redis.Options{
		Addr:     cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       db,
	}, nil
}

func (c *Conn) Key() shard.Key { return c.key }

// Client returns the underlying client.
func (c *Conn) Client() *redis.Client { return c.client }

// Begin opens a MULTI/EXEC pipeline. Commit sends it under ctx.
func (c *Conn) Begin(ctx context.Context) (shard.Tx, error) {
	return &Tx{ctx: ctx, pipe: c.client.TxPipeline()}, nil
}

func (c *Conn) Close() error {
	return c.client.Close()
}

// Tx is one frame backed by a transactional pipeline.
type Tx struct {
	ctx  context.Context
	pipe redis.Pipeliner
}

// Pipeline returns the pipeline commands of this frame are queued on.
func (t *Tx) Pipeline() redis.Pipeliner { return t.pipe }

// Commit sends the queued commands under the context the frame was opened
// with. An empty frame commits without a round trip unless its context is done.
func (t *Tx) Commit() error {
	if err := t.ctx.Err(); err != nil {
		t.pipe.Discard()
		return err
	}
	_, err := t.pipe.Exec(t.ctx)
	return err
}

// Rollback drops the queued commands.
func (t *Tx) Rollback() error {
	t.pipe.Discard()
	return nil
}

// From returns the command surface a record layer should use for route: the
// open frame's pipeline when there is one, the client otherwise.
func From(route shard.Route) (redis.Cmdable, error) {
	if route.Tx != nil {
		tx, ok := route.Tx.(*Tx)
		if !ok {
			return nil, fmt.Errorf("%w: frame is %T", ErrForeignHandle, route.Tx)
		}
		return tx.pipe, nil
	}
	conn, ok := route.Conn.(*Conn)
	if !ok {
		return nil, fmt.Errorf("%w: conn is %T", ErrForeignHandle, route.Conn)
	}
	return conn.client, nil
}
