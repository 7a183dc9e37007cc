package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrUnknownScheme is returned by Open when no backend is registered for a URL scheme
var ErrUnknownScheme = errors.New("unknown store scheme")

// Client is a transactional key-value store holding one hash-like collection per mirrored table.
// Implementations must allow independent transactions from concurrent goroutines.
type Client interface {
	// Begin starts a transaction scoped to one collection. Operations are buffered
	// until Commit.
	Begin(collection string) Tx
	// Ping verifies the store is reachable
	Ping(ctx context.Context) error
	Close() error
}

// Tx is a batch of writes committed atomically
type Tx interface {
	// Upsert sets key to value, creating or replacing the entry
	Upsert(key string, value []byte)
	// Delete removes key. Deleting an absent key is a no-op.
	Delete(key string)
	// Len returns the number of buffered operations
	Len() int
	// Commit applies all buffered operations as one unit
	Commit(ctx context.Context) error
	// Discard drops buffered operations without applying them
	Discard()
}

// Reader is implemented by clients that can snapshot a collection
type Reader interface {
	Snapshot(ctx context.Context, collection string) (map[string][]byte, error)
}

// Opener opens a store client from a parsed connection URL
type Opener func(ctx context.Context, u *url.URL, logger *logrus.Logger) (Client, error)

var (
	mu      sync.RWMutex
	openers = map[string]Opener{}
)

// Register registers an Opener for a URL scheme
func Register(scheme string, opener Opener) {
	mu.Lock()
	defer mu.Unlock()
	openers[scheme] = opener
}

// Schemes returns the registered URL schemes
func Schemes() []string {
	mu.RLock()
	defer mu.RUnlock()
	schemes := make([]string, 0, len(openers))
	for s := range openers {
		schemes = append(schemes, s)
	}
	sort.Strings(schemes)
	return schemes
}

// Open opens the store addressed by connectionURL using the backend registered for its scheme
func Open(ctx context.Context, connectionURL string, logger *logrus.Logger) (Client, error) {
	u, err := url.Parse(connectionURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse store url: %w", err)
	}

	mu.RLock()
	opener, ok := openers[u.Scheme]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownScheme, u.Scheme, Schemes())
	}
	return opener(ctx, u, logger)
}

// OpKind identifies a buffered operation
type OpKind int

const (
	OpUpsert OpKind = iota
	OpDelete
)

// Op is one buffered write
type Op struct {
	Kind  OpKind
	Key   string
	Value []byte
}

// Ops buffers writes for backends that apply them at commit time
type Ops []Op

func (o *Ops) Upsert(key string, value []byte) {
	*o = append(*o, Op{Kind: OpUpsert, Key: key, Value: value})
}

func (o *Ops) Delete(key string) {
	*o = append(*o, Op{Kind: OpDelete, Key: key})
}

func (o *Ops) Len() int {
	return len(*o)
}

func (o *Ops) Discard() {
	*o = nil
}
