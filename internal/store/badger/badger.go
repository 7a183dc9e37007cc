package badger

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/dgraph-io/badger/v3"
	"github.com/sirupsen/logrus"

	"shape-sync/internal/store"
)

func init() {
	store.Register("badger", func(ctx context.Context, u *url.URL, logger *logrus.Logger) (store.Client, error) {
		return Open(u.Path, logger)
	})
}

// Client mirrors collections into an embedded badger database.
// Entries are stored under "<collection>/<key>".
type Client struct {
	db     *badger.DB
	logger *logrus.Logger
}

// Open opens a badger database at storagePath, or an in-memory one when the path is empty
func Open(storagePath string, logger *logrus.Logger) (*Client, error) {
	opts := badger.DefaultOptions(storagePath)
	if storagePath == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLoggingLevel(badger.ERROR)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	if storagePath == "" {
		logger.Info("Opened in-memory badger store")
	} else {
		logger.Infof("Opened badger store at %s", storagePath)
	}
	return &Client{db: db, logger: logger}, nil
}

func prefix(collection string) []byte {
	return []byte(collection + "/")
}

func (c *Client) Begin(collection string) store.Tx {
	return &tx{client: c, collection: collection}
}

func (c *Client) Ping(ctx context.Context) error {
	if c.db.IsClosed() {
		return fmt.Errorf("badger store is closed")
	}
	return nil
}

// Snapshot returns every entry of the collection
func (c *Client) Snapshot(ctx context.Context, collection string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	p := prefix(collection)
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = p
		iter := txn.NewIterator(opts)
		defer iter.Close()
		for iter.Rewind(); iter.Valid(); iter.Next() {
			item := iter.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[string(item.Key()[len(p):])] = val
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read collection %s: %w", collection, err)
	}
	return out, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

type tx struct {
	store.Ops
	client     *Client
	collection string
}

func (t *tx) Commit(ctx context.Context) error {
	if t.Len() == 0 {
		return nil
	}
	if strings.Contains(t.collection, "/") {
		return fmt.Errorf("invalid collection name %q", t.collection)
	}
	ops := t.Ops
	t.Ops = nil

	p := prefix(t.collection)
	err := t.client.db.Update(func(txn *badger.Txn) error {
		for _, op := range ops {
			key := append(append([]byte{}, p...), op.Key...)
			switch op.Kind {
			case store.OpUpsert:
				if err := txn.Set(key, op.Value); err != nil {
					return err
				}
			case store.OpDelete:
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to commit badger transaction on %s: %w", t.collection, err)
	}

	t.client.logger.Debugf("Committed %d operations to collection %s", len(ops), t.collection)
	return nil
}
