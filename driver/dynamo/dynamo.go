// Package dynamo adapts DynamoDB tables to shard connections.
//
// A shard is one table. Frames buffer writes and send them as a single
// TransactWriteItems call on commit; rolling back a frame drops the buffer
// without any network call.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/jacentio/anchorage/shard"
)

// Driver is the config driver name handled by Open.
const Driver = "dynamodb"

// MaxTransactItems is the DynamoDB limit on actions in one TransactWriteItems call.
const MaxTransactItems = 100

var (
	// ErrNotFound is returned by Get when the item does not exist.
	ErrNotFound = errors.New("anchorage/dynamo: item not found")

	// ErrConditionFailed is returned when a conditional write was rejected.
	ErrConditionFailed = errors.New("anchorage/dynamo: condition check failed")

	// ErrTooManyItems is returned when a frame would exceed MaxTransactItems.
	ErrTooManyItems = errors.New("anchorage/dynamo: too many items in transaction")

	// ErrFrameClosed is returned when writing to a committed or rolled back frame.
	ErrFrameClosed = errors.New("anchorage/dynamo: frame is closed")

	// ErrForeignHandle is returned by From when the route was not opened by this package.
	ErrForeignHandle = errors.New("anchorage/dynamo: route handle is not a dynamo handle")
)

// API is the subset of *dynamodb.Client used by this package.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Writer is the write surface shared by a Conn and a frame. Items and keys
// are Go values marshalled with attributevalue.MarshalMap.
type Writer interface {
	// Put writes item, replacing any existing item with the same key.
	Put(ctx context.Context, item any) error

	// Create writes item only if no item with the same key exists.
	// attr names the partition key attribute.
	Create(ctx context.Context, item any, attr string) error

	// Delete removes the item with key.
	Delete(ctx context.Context, key any) error
}

var (
	_ API        = (*dynamodb.Client)(nil)
	_ Writer     = (*Conn)(nil)
	_ Writer     = (*Tx)(nil)
	_ shard.Conn = (*Conn)(nil)
)

// Conn is a shard handle for one table.
type Conn struct {
	key    shard.Key
	client API
	table  string
}

// New creates a Conn writing to table through client.
func New(key shard.Key, client API, table string) *Conn {
	return &Conn{key: key, client: client, table: table}
}

// Open is a shard.Opener. cfg.Database names the table.
//
// Options:
//   - region: AWS region
//   - profile: shared config profile
//   - endpoint: base endpoint override (e.g., DynamoDB Local)
func Open(ctx context.Context, key shard.Key, cfg shard.ConnectionConfig) (shard.Conn, error) {
	if cfg.Database == "" {
		return nil, errors.New("anchorage/dynamo: database (table name) is empty")
	}

	var loadOpts []func(*config.LoadOptions) error
	if region := cfg.Option("region", ""); region != "" {
		loadOpts = append(loadOpts, config.WithRegion(region))
	}
	if profile := cfg.Option("profile", ""); profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(profile))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	endpoint := cfg.Option("endpoint", "")
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return New(key, client, cfg.Database), nil
}

func (c *Conn) Key() shard.Key { return c.key }

// Table returns the table name.
func (c *Conn) Table() string { return c.table }

// Begin opens a buffering frame. Commit sends the buffer under ctx.
func (c *Conn) Begin(ctx context.Context) (shard.Tx, error) {
	return &Tx{conn: c, ctx: ctx}, nil
}

// Close is a no-op: the SDK client holds no resources that need releasing.
func (c *Conn) Close() error { return nil }

// Get reads the item with key into out. It returns ErrNotFound when the item does not exist.
func (c *Conn) Get(ctx context.Context, key, out any) error {
	k, err := attributevalue.MarshalMap(key)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}
	result, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.table),
		Key:            k,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return err
	}
	if result.Item == nil {
		return ErrNotFound
	}
	return attributevalue.UnmarshalMap(result.Item, out)
}

func (c *Conn) Put(ctx context.Context, item any) error {
	return c.putItem(ctx, item, "")
}

func (c *Conn) Create(ctx context.Context, item any, attr string) error {
	return c.putItem(ctx, item, attr)
}

func (c *Conn) putItem(ctx context.Context, item any, attr string) error {
	put, err := c.put(item, attr)
	if err != nil {
		return err
	}
	_, err = c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                put.TableName,
		Item:                     put.Item,
		ConditionExpression:      put.ConditionExpression,
		ExpressionAttributeNames: put.ExpressionAttributeNames,
	})
	return mapWriteError(err)
}

func (c *Conn) Delete(ctx context.Context, key any) error {
	del, err := c.delete(key)
	if err != nil {
		return err
	}
	_, err = c.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: del.TableName,
		Key:       del.Key,
	})
	return mapWriteError(err)
}

// put builds a Put action; a non-empty attr makes it conditional on the item not existing.
func (c *Conn) put(item any, attr string) (*types.Put, error) {
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("marshal item: %w", err)
	}
	put := &types.Put{
		TableName: aws.String(c.table),
		Item:      av,
	}
	if attr != "" {
		put.ConditionExpression = aws.String("attribute_not_exists(#pk)")
		put.ExpressionAttributeNames = map[string]string{"#pk": attr}
	}
	return put, nil
}

func (c *Conn) delete(key any) (*types.Delete, error) {
	k, err := attributevalue.MarshalMap(key)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	return &types.Delete{
		TableName: aws.String(c.table),
		Key:       k,
	}, nil
}

// Tx is one frame. Writes are buffered until Commit.
type Tx struct {
	conn *Conn
	ctx  context.Context

	mu    sync.Mutex
	items []types.TransactWriteItem
	done  bool
}

// Len returns the number of buffered actions.
func (t *Tx) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

func (t *Tx) Put(_ context.Context, item any) error {
	put, err := t.conn.put(item, "")
	if err != nil {
		return err
	}
	return t.add(types.TransactWriteItem{Put: put})
}

func (t *Tx) Create(_ context.Context, item any, attr string) error {
	put, err := t.conn.put(item, attr)
	if err != nil {
		return err
	}
	return t.add(types.TransactWriteItem{Put: put})
}

func (t *Tx) Delete(_ context.Context, key any) error {
	del, err := t.conn.delete(key)
	if err != nil {
		return err
	}
	return t.add(types.TransactWriteItem{Delete: del})
}

func (t *Tx) add(item types.TransactWriteItem) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrFrameClosed
	}
	if len(t.items) >= MaxTransactItems {
		return ErrTooManyItems
	}
	t.items = append(t.items, item)
	return nil
}

// Commit sends the buffered actions as one transaction under the context the
// frame was opened with. An empty frame commits without a network call, but a
// frame whose context is done fails.
func (t *Tx) Commit() error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return ErrFrameClosed
	}
	t.done = true
	items := t.items
	t.items = nil
	t.mu.Unlock()

	if err := t.ctx.Err(); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	_, err := t.conn.client.TransactWriteItems(t.ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems:      items,
		ClientRequestToken: aws.String(uuid.NewString()),
	})
	return mapWriteError(err)
}

// Rollback drops the buffered actions.
func (t *Tx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrFrameClosed
	}
	t.done = true
	t.items = nil
	return nil
}

// mapWriteError maps DynamoDB condition failures to ErrConditionFailed.
func mapWriteError(err error) error {
	if err == nil {
		return nil
	}

	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return ErrConditionFailed
	}

	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for _, reason := range txErr.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
				return ErrConditionFailed
			}
		}
	}

	return err
}

// From returns the Writer a record layer should use for route: the open frame
// when there is one, the table handle otherwise.
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
