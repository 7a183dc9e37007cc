package processor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shape-sync/internal/config"
	"shape-sync/internal/models"
	"shape-sync/internal/store"
	redisstore "shape-sync/internal/store/redis"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// memStore applies commits to an in-memory map, all or nothing
type memStore struct {
	mu      sync.Mutex
	data    map[string]map[string][]byte
	failErr error
	commits int
}

func newMemStore() *memStore {
	return &memStore{data: map[string]map[string][]byte{}}
}

func (m *memStore) Begin(collection string) store.Tx {
	return &memTx{store: m, collection: collection}
}
func (m *memStore) Ping(ctx context.Context) error { return nil }
func (m *memStore) Close() error                   { return nil }

func (m *memStore) get(collection string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]string{}
	for k, v := range m.data[collection] {
		out[k] = string(v)
	}
	return out
}

type memTx struct {
	store.Ops
	store      *memStore
	collection string
}

func (t *memTx) Commit(ctx context.Context) error {
	m := t.store
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.commits++
	c, ok := m.data[t.collection]
	if !ok {
		c = map[string][]byte{}
		m.data[t.collection] = c
	}
	for _, op := range t.Ops {
		switch op.Kind {
		case store.OpUpsert:
			c[op.Key] = op.Value
		case store.OpDelete:
			delete(c, op.Key)
		}
	}
	return nil
}

type recordingNotifier struct {
	applied []*models.AppliedBatch
	err     error
}

func (r *recordingNotifier) Notify(ctx context.Context, applied *models.AppliedBatch) error {
	r.applied = append(r.applied, applied)
	return r.err
}

func insert(key string, value map[string]interface{}) models.ChangeEvent {
	return models.ChangeEvent{Key: key, HasKey: true, Value: value, Headers: map[string]interface{}{"action": "insert"}}
}

func update(key string, value map[string]interface{}) models.ChangeEvent {
	return models.ChangeEvent{Key: key, HasKey: true, Value: value, Headers: map[string]interface{}{"action": "update"}}
}

func del(key string) models.ChangeEvent {
	return models.ChangeEvent{Key: key, HasKey: true, Headers: map[string]interface{}{"action": "delete"}}
}

func TestHandleBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("insert then delete in one batch", func(t *testing.T) {
		s := newMemStore()
		p := NewProcessor(s, "todos", "issues", testLogger())
		err := p.HandleBatch(ctx, models.ChangeBatch{
			insert("1", map[string]interface{}{"title": "a"}),
			insert("2", map[string]interface{}{"title": "b"}),
			del("1"),
		})
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"2": `{"title":"b"}`}, s.get("issues"))
	})
	t.Run("last write wins within a batch", func(t *testing.T) {
		s := newMemStore()
		p := NewProcessor(s, "todos", "issues", testLogger())
		require.NoError(t, p.HandleBatch(ctx, models.ChangeBatch{
			insert("1", map[string]interface{}{"title": "a"}),
			update("1", map[string]interface{}{"title": "b"}),
			update("1", map[string]interface{}{"title": "c", "done": true}),
		}))
		assert.Equal(t, map[string]string{"1": `{"done":true,"title":"c"}`}, s.get("issues"))
	})
	t.Run("sequential batches", func(t *testing.T) {
		s := newMemStore()
		p := NewProcessor(s, "todos", "issues", testLogger())
		require.NoError(t, p.HandleBatch(ctx, models.ChangeBatch{insert("x", map[string]interface{}{"v": 1})}))
		require.NoError(t, p.HandleBatch(ctx, models.ChangeBatch{update("x", map[string]interface{}{"v": 2})}))
		assert.Equal(t, map[string]string{"x": `{"v":2}`}, s.get("issues"))
	})
	t.Run("delete of absent key", func(t *testing.T) {
		s := newMemStore()
		p := NewProcessor(s, "todos", "issues", testLogger())
		require.NoError(t, p.HandleBatch(ctx, models.ChangeBatch{del("nope")}))
		assert.Empty(t, s.get("issues"))
	})
	t.Run("idempotent", func(t *testing.T) {
		s := newMemStore()
		p := NewProcessor(s, "todos", "issues", testLogger())
		batch := models.ChangeBatch{
			insert("1", map[string]interface{}{"title": "a", "tags": []interface{}{"x", "y"}}),
			insert("2", map[string]interface{}{"title": "b"}),
			del("2"),
			del("3"),
		}
		require.NoError(t, p.HandleBatch(ctx, batch))
		once := s.get("issues")
		require.NoError(t, p.HandleBatch(ctx, batch))
		assert.Equal(t, once, s.get("issues"))
	})
	t.Run("unrecognized actions are ignored", func(t *testing.T) {
		s := newMemStore()
		p := NewProcessor(s, "todos", "issues", testLogger())
		err := p.HandleBatch(ctx, models.ChangeBatch{
			{Key: "1", HasKey: true, Value: map[string]interface{}{"a": 1}, Headers: map[string]interface{}{"action": "truncate"}},
			{Key: "2", HasKey: true, Value: map[string]interface{}{"a": 1}},
			{Headers: map[string]interface{}{"control": "up-to-date"}},
			{Key: "3", HasKey: true, Value: map[string]interface{}{"a": 1}, Headers: map[string]interface{}{"action": "INSERT"}},
		})
		require.NoError(t, err)
		assert.Empty(t, s.get("issues"))
	})
	t.Run("delete without key", func(t *testing.T) {
		s := newMemStore()
		p := NewProcessor(s, "todos", "issues", testLogger())
		err := p.HandleBatch(ctx, models.ChangeBatch{
			insert("1", map[string]interface{}{"title": "a"}),
			{Headers: map[string]interface{}{"action": "delete"}},
		})
		var malformed *MalformedEventError
		require.True(t, errors.As(err, &malformed))
		assert.Equal(t, 1, malformed.Index)
		assert.Equal(t, models.ActionDelete, malformed.Action)
		assert.Empty(t, s.get("issues"))
		assert.Equal(t, 0, s.commits)
	})
	t.Run("insert without key", func(t *testing.T) {
		s := newMemStore()
		p := NewProcessor(s, "todos", "issues", testLogger())
		err := p.HandleBatch(ctx, models.ChangeBatch{
			{Value: map[string]interface{}{"a": 1}, Headers: map[string]interface{}{"action": "insert"}},
		})
		var malformed *MalformedEventError
		assert.True(t, errors.As(err, &malformed))
	})
	t.Run("empty key is a valid key", func(t *testing.T) {
		s := newMemStore()
		p := NewProcessor(s, "todos", "issues", testLogger())
		require.NoError(t, p.HandleBatch(ctx, models.ChangeBatch{insert("", map[string]interface{}{"a": 1})}))
		assert.Equal(t, map[string]string{"": `{"a":1}`}, s.get("issues"))
	})
	t.Run("commit failure", func(t *testing.T) {
		s := newMemStore()
		p := NewProcessor(s, "todos", "issues", testLogger())
		require.NoError(t, p.HandleBatch(ctx, models.ChangeBatch{insert("1", map[string]interface{}{"title": "a"})}))
		before := s.get("issues")

		cause := errors.New("connection reset")
		s.failErr = cause
		err := p.HandleBatch(ctx, models.ChangeBatch{
			update("1", map[string]interface{}{"title": "z"}),
			insert("2", map[string]interface{}{"title": "b"}),
		})
		var applyErr *ApplyError
		require.True(t, errors.As(err, &applyErr))
		assert.Equal(t, "issues", applyErr.Collection)
		assert.Equal(t, 2, applyErr.Size)
		assert.True(t, errors.Is(err, cause))
		assert.Equal(t, before, s.get("issues"))
	})
}

func TestHandleBatchNotifier(t *testing.T) {
	ctx := context.Background()

	t.Run("summary after commit", func(t *testing.T) {
		n := &recordingNotifier{}
		p := NewProcessor(newMemStore(), "todos", "issues", testLogger(), WithNotifier(n))
		require.NoError(t, p.HandleBatch(ctx, models.ChangeBatch{
			insert("1", map[string]interface{}{"a": 1}),
			update("1", map[string]interface{}{"a": 2}),
			del("2"),
			{Headers: map[string]interface{}{"control": "up-to-date"}},
		}))
		require.Len(t, n.applied, 1)
		applied := n.applied[0]
		assert.NotEmpty(t, applied.ID)
		assert.Equal(t, "todos", applied.Table)
		assert.Equal(t, "issues", applied.Collection)
		assert.Equal(t, []string{"1"}, applied.Upserted)
		assert.Equal(t, []string{"2"}, applied.Deleted)
		assert.Equal(t, 1, applied.Ignored)
	})
	t.Run("control-only batch is not announced", func(t *testing.T) {
		n := &recordingNotifier{}
		p := NewProcessor(newMemStore(), "todos", "issues", testLogger(), WithNotifier(n))
		require.NoError(t, p.HandleBatch(ctx, models.ChangeBatch{{Headers: map[string]interface{}{"control": "up-to-date"}}}))
		assert.Empty(t, n.applied)
	})
	t.Run("notify failure does not fail the batch", func(t *testing.T) {
		s := newMemStore()
		n := &recordingNotifier{err: errors.New("nats down")}
		p := NewProcessor(s, "todos", "issues", testLogger(), WithNotifier(n))
		require.NoError(t, p.HandleBatch(ctx, models.ChangeBatch{insert("1", map[string]interface{}{"a": 1})}))
		assert.Equal(t, map[string]string{"1": `{"a":1}`}, s.get("issues"))
	})
	t.Run("no summary on failure", func(t *testing.T) {
		s := newMemStore()
		s.failErr = errors.New("boom")
		n := &recordingNotifier{}
		p := NewProcessor(s, "todos", "issues", testLogger(), WithNotifier(n))
		assert.Error(t, p.HandleBatch(ctx, models.ChangeBatch{insert("1", map[string]interface{}{"a": 1})}))
		assert.Empty(t, n.applied)
	})
}

func TestHandleBatchTransformer(t *testing.T) {
	ctx := context.Background()
	tr, err := NewTransformer(&config.ProcessorConfig{
		Enabled: true,
		Rules: []config.RuleConfig{
			{Table: "todos", Exclude: []string{"secret"}, Rename: map[string]string{"title": "name"}},
		},
	}, testLogger(), nil)
	require.NoError(t, err)

	s := newMemStore()
	p := NewProcessor(s, "todos", "issues", testLogger(), WithTransformer(tr))
	event := insert("1", map[string]interface{}{"title": "a", "secret": "s"})
	require.NoError(t, p.HandleBatch(ctx, models.ChangeBatch{event}))
	assert.Equal(t, map[string]string{"1": `{"name":"a"}`}, s.get("issues"))
	assert.Equal(t, map[string]interface{}{"title": "a", "secret": "s"}, event.Value)
}

func TestHandleBatchTransformerFailure(t *testing.T) {
	ctx := context.Background()
	script := writeScript(t, `(function(event) {
		if (event.key === "bad") { throw new Error("lookup failed"); }
		return event.value;
	})`)
	tr, err := NewTransformer(&config.ProcessorConfig{Enabled: true, Script: script}, testLogger(), nil)
	require.NoError(t, err)

	s := newMemStore()
	p := NewProcessor(s, "todos", "issues", testLogger(), WithTransformer(tr))
	err = p.HandleBatch(ctx, models.ChangeBatch{
		insert("1", map[string]interface{}{"title": "a"}),
		insert("bad", map[string]interface{}{"title": "b"}),
	})

	var transformErr *TransformError
	require.True(t, errors.As(err, &transformErr))
	assert.Equal(t, 1, transformErr.Index)
	assert.Equal(t, "bad", transformErr.Key)
	assert.ErrorContains(t, err, "lookup failed")

	var malformed *MalformedEventError
	assert.False(t, errors.As(err, &malformed))
	assert.Empty(t, s.get("issues"))
	assert.Equal(t, 0, s.commits)
}

func TestHandleBatchNonObjectValues(t *testing.T) {
	s := newMemStore()
	p := NewProcessor(s, "todos", "issues", testLogger())
	require.NoError(t, p.HandleBatch(context.Background(), models.ChangeBatch{
		{Key: "n", HasKey: true, Value: json.Number("9007199254740993"), Headers: map[string]interface{}{"action": "insert"}},
		{Key: "s", HasKey: true, Value: "plain", Headers: map[string]interface{}{"action": "insert"}},
		{Key: "a", HasKey: true, Value: []interface{}{json.Number("1"), "x"}, Headers: map[string]interface{}{"action": "update"}},
	}))
	assert.Equal(t, map[string]string{
		"n": `9007199254740993`,
		"s": `"plain"`,
		"a": `[1,"x"]`,
	}, s.get("issues"))
}

func TestHandleBatchRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client, err := redisstore.Open(ctx, "redis://"+mr.Addr(), testLogger())
	require.NoError(t, err)
	defer client.Close()

	p := NewProcessor(client, "todos", "issues", testLogger())

	t.Run("mirrors batch into hash", func(t *testing.T) {
		require.NoError(t, p.HandleBatch(ctx, models.ChangeBatch{
			insert("1", map[string]interface{}{"title": "a"}),
			insert("2", map[string]interface{}{"title": "b"}),
			del("1"),
		}))
		keys, err := mr.HKeys("issues")
		require.NoError(t, err)
		assert.Equal(t, []string{"2"}, keys)
		assert.Equal(t, `{"title":"b"}`, mr.HGet("issues", "2"))
	})
	t.Run("failed exec leaves hash unchanged", func(t *testing.T) {
		mr.SetError("ERR simulated outage")
		err := p.HandleBatch(ctx, models.ChangeBatch{
			insert("3", map[string]interface{}{"title": "c"}),
			del("2"),
		})
		mr.SetError("")

		var applyErr *ApplyError
		require.True(t, errors.As(err, &applyErr))
		keys, err := mr.HKeys("issues")
		require.NoError(t, err)
		assert.Equal(t, []string{"2"}, keys)
	})
}
