package graph

import (
	"context"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chentiantai/hgraphdb/pkg/codec"
	"github.com/chentiantai/hgraphdb/pkg/kv"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// storeOp is one mutation seen by hookStore.
type storeOp struct {
	kind string // put, delete, deleteIf, deletePrefix
	key  []byte
}

func (o storeOp) table() codec.Table { return codec.Table(o.key[0]) }

// hookStore wraps a store to record mutations, inject failures, and run code
// in the middle of scans.
type hookStore struct {
	kv.Store

	mu        sync.Mutex
	recording bool
	ops       []storeOp
	failPut   func(key []byte) error
	onScan    func(r kv.Range)
}

func (s *hookStore) record(kind string, key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recording {
		s.ops = append(s.ops, storeOp{kind: kind, key: append([]byte(nil), key...)})
	}
}

func (s *hookStore) startRecording() {
	s.mu.Lock()
	s.recording = true
	s.ops = nil
	s.mu.Unlock()
}

func (s *hookStore) recorded() []storeOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storeOp(nil), s.ops...)
}

func (s *hookStore) setFailPut(fn func(key []byte) error) {
	s.mu.Lock()
	s.failPut = fn
	s.mu.Unlock()
}

func (s *hookStore) setOnScan(fn func(r kv.Range)) {
	s.mu.Lock()
	s.onScan = fn
	s.mu.Unlock()
}

func (s *hookStore) Put(key, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	fail := s.failPut
	s.mu.Unlock()
	if fail != nil {
		if err := fail(key); err != nil {
			return err
		}
	}
	s.record("put", key)
	return s.Store.Put(key, value, ttl)
}

func (s *hookStore) Delete(key []byte) error {
	s.record("delete", key)
	return s.Store.Delete(key)
}

func (s *hookStore) DeleteIf(key []byte, match func([]byte) bool) (bool, error) {
	s.record("deleteIf", key)
	return s.Store.DeleteIf(key, match)
}

func (s *hookStore) DeletePrefix(ctx context.Context, prefix []byte) (int, error) {
	s.record("deletePrefix", prefix)
	return s.Store.DeletePrefix(ctx, prefix)
}

func (s *hookStore) Scan(ctx context.Context, r kv.Range, fn func(key, value []byte) error) error {
	s.mu.Lock()
	hook := s.onScan
	s.mu.Unlock()
	if hook != nil {
		hook(r)
	}
	return s.Store.Scan(ctx, r, fn)
}

type testGraph struct {
	*Graph
	clock *fakeClock
	store *hookStore
}

func newTestGraph(t *testing.T, configure ...func(*Options)) *testGraph {
	t.Helper()
	base, err := kv.NewBadgerStoreInMemory()
	require.NoError(t, err)
	hs := &hookStore{Store: base}
	clock := newFakeClock()

	opts := DefaultOptions()
	opts.Clock = clock.Now
	opts.CleanerRate = 0
	for _, fn := range configure {
		fn(&opts)
	}
	g, err := New(hs, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		g.Close()
		base.Close()
	})
	return &testGraph{Graph: g, clock: clock, store: hs}
}

func withSchema(o *Options) { o.UseSchema = true }

func withoutCache(o *Options) {
	o.ElementCacheMaxSize = 0
	o.RelationshipCacheMaxSize = 0
}

func collect[T any](t *testing.T, seq iter.Seq2[T, error]) []T {
	t.Helper()
	var out []T
	for v, err := range seq {
		require.NoError(t, err)
		out = append(out, v)
	}
	return out
}

func vertexIDs(t *testing.T, seq iter.Seq2[*Vertex, error]) []any {
	t.Helper()
	var ids []any
	for _, v := range collect(t, seq) {
		ids = append(ids, v.ID())
	}
	return ids
}

// entries returns every raw entry of an index, stale ones included.
func entries(t *testing.T, g *Graph, key IndexKey) []indexHit {
	t.Helper()
	return collect(t, g.indexes.scanRange(context.Background(), key, nil, nil))
}

// entryValues decodes the values of every raw entry of an index.
func entryValues(t *testing.T, g *Graph, key IndexKey) []any {
	t.Helper()
	var out []any
	for _, hit := range entries(t, g, key) {
		v, err := codec.DecodeFull(hit.entry.Value)
		require.NoError(t, err)
		out = append(out, v)
	}
	return out
}

// activeIndex creates and populates an index.
func activeIndex(t *testing.T, g *Graph, typ ElementType, label, key string, opts ...IndexOption) IndexKey {
	t.Helper()
	opts = append(opts, WithPopulate())
	md, err := g.CreateIndex(context.Background(), typ, label, key, opts...)
	require.NoError(t, err)
	require.Equal(t, StateActive, md.State)
	return md.IndexKey
}
