package shard

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const fakeDriverName = "fake"

// recorder collects store events across every fake handle of a test.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakeConn struct {
	key Key
	rec *recorder

	beginErr    error
	commitErr   error
	rollbackErr error
	closeErr    error
	savepoints  bool

	closed atomic.Bool
}

func (c *fakeConn) Key() Key { return c.key }

func (c *fakeConn) Begin(_ context.Context) (Tx, error) {
	c.rec.add("begin:" + c.key.String())
	if c.beginErr != nil {
		return nil, c.beginErr
	}
	return c.newTx(), nil
}

func (c *fakeConn) newTx() Tx {
	tx := &fakeTx{conn: c}
	if c.savepoints {
		return &savepointTx{fakeTx: tx}
	}
	return tx
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	c.rec.add("close:" + c.key.String())
	return c.closeErr
}

type fakeTx struct {
	conn *fakeConn
}

func (t *fakeTx) Commit() error {
	t.conn.rec.add("commit:" + t.conn.key.String())
	return t.conn.commitErr
}

func (t *fakeTx) Rollback() error {
	t.conn.rec.add("rollback:" + t.conn.key.String())
	return t.conn.rollbackErr
}

type savepointTx struct {
	*fakeTx
}

func (t *savepointTx) Savepoint(_ context.Context) (Tx, error) {
	t.conn.rec.add("savepoint:" + t.conn.key.String())
	return t.conn.newTx(), nil
}

// fakeDriver opens fakeConns and counts constructions per key.
type fakeDriver struct {
	rec       *recorder
	delay     time.Duration
	openErr   map[Key]error
	configure func(*fakeConn)

	mu    sync.Mutex
	opens map[Key]int
	conns map[Key]*fakeConn
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		rec:   &recorder{},
		opens: make(map[Key]int),
		conns: make(map[Key]*fakeConn),
	}
}

func (d *fakeDriver) open(ctx context.Context, key Key, _ ConnectionConfig) (Conn, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens[key]++
	if err := d.openErr[key]; err != nil {
		return nil, err
	}
	c := &fakeConn{key: key, rec: d.rec}
	if d.configure != nil {
		d.configure(c)
	}
	d.conns[key] = c
	return c, nil
}

func (d *fakeDriver) Opens(key Key) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens[key]
}

func (d *fakeDriver) Conn(key Key) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[key]
}

// testConfig declares keys in order on the fake driver, with a default store.
func testConfig(keys ...Key) Config {
	cfg := Config{Default: &ConnectionConfig{Driver: fakeDriverName}}
	for _, k := range keys {
		cfg.Shards = append(cfg.Shards, ShardConfig{
			Key:              k,
			ConnectionConfig: ConnectionConfig{Driver: fakeDriverName, DSN: "fake://" + string(k)},
		})
	}
	return cfg
}

func newTestRegistry(d *fakeDriver, keys ...Key) *Registry {
	r, err := NewRegistry(testConfig(keys...), WithDriver(fakeDriverName, d.open))
	if err != nil {
		panic(err)
	}
	return r
}
