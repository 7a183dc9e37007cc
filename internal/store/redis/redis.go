package redis

import (
	"context"
	"fmt"
	"net/url"

	"github.com/go-redis/redis/v9"
	"github.com/sirupsen/logrus"

	"shape-sync/internal/store"
)

func init() {
	opener := func(ctx context.Context, u *url.URL, logger *logrus.Logger) (store.Client, error) {
		return Open(ctx, u.String(), logger)
	}
	store.Register("redis", opener)
	store.Register("rediss", opener)
}

// Client mirrors each collection as a redis hash. Transactions are MULTI/EXEC pipelines.
type Client struct {
	rdb    *redis.Client
	logger *logrus.Logger
}

// Open connects to redis at connectionURL and verifies the connection
func Open(ctx context.Context, connectionURL string, logger *logrus.Logger) (*Client, error) {
	opts, err := redis.ParseURL(connectionURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Infof("Connected to redis at %s", opts.Addr)
	return New(rdb, logger), nil
}

// New wraps an existing redis client
func New(rdb *redis.Client, logger *logrus.Logger) *Client {
	return &Client{rdb: rdb, logger: logger}
}

func (c *Client) Begin(collection string) store.Tx {
	return &tx{client: c, collection: collection}
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Snapshot returns every field of the collection's hash
func (c *Client) Snapshot(ctx context.Context, collection string) (map[string][]byte, error) {
	fields, err := c.rdb.HGetAll(ctx, collection).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read hash %s: %w", collection, err)
	}
	out := make(map[string][]byte, len(fields))
	for k, v := range fields {
		out[k] = []byte(v)
	}
	return out, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

type tx struct {
	store.Ops
	client     *Client
	collection string
}

// Commit sends the buffered operations inside MULTI/EXEC. HDEL of a missing field
// returns 0 rather than an error.
func (t *tx) Commit(ctx context.Context) error {
	if t.Len() == 0 {
		return nil
	}
	ops := t.Ops
	t.Ops = nil

	_, err := t.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range ops {
			switch op.Kind {
			case store.OpUpsert:
				pipe.HSet(ctx, t.collection, op.Key, op.Value)
			case store.OpDelete:
				pipe.HDel(ctx, t.collection, op.Key)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to exec redis transaction on %s: %w", t.collection, err)
	}

	t.client.logger.Debugf("Committed %d operations to redis hash %s", len(ops), t.collection)
	return nil
}
