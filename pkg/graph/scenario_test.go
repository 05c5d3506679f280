package graph

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chentiantai/hgraphdb/pkg/codec"
	"github.com/chentiantai/hgraphdb/pkg/kv"
)

func TestScenario_UniqueIndexUpdate(t *testing.T) {
	g := newTestGraph(t, withSchema)
	ctx := context.Background()

	_, err := g.CreateLabel(VertexType, "b", codec.Long, map[string]codec.ValueType{"key2": codec.Long})
	require.NoError(t, err)
	idx := activeIndex(t, g.Graph, VertexType, "b", "key2", WithUnique())

	v, err := g.AddVertex("b", 10, map[string]any{"key2": 11})
	require.NoError(t, err)
	require.NoError(t, v.SetProperty("key2", 12))

	assert.Empty(t, collect(t, g.VerticesByLabel(ctx, "b", "key2", 11)))
	assert.Equal(t, []any{int64(10)}, vertexIDs(t, g.VerticesByLabel(ctx, "b", "key2", 12)))

	// The entry for 11 was removed by the update itself, not by cleanup.
	assert.Equal(t, []any{int64(12)}, entryValues(t, g.Graph, idx))

	// 11 is free again, 12 is taken.
	_, err = g.AddVertex("b", 11, map[string]any{"key2": 11})
	require.NoError(t, err)
	_, err = g.AddVertex("b", 12, map[string]any{"key2": 12})
	assert.ErrorIs(t, err, ErrNotUnique)
}

func TestScenario_NoIndexWritesNoEntries(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	v, err := g.AddVertex("b", 10, map[string]any{"key2": 11})
	require.NoError(t, err)
	require.NoError(t, v.SetProperty("key2", 12))
	_, err = v.RemoveProperty("key2")
	require.NoError(t, err)
	require.NoError(t, v.SetProperty("key2", 13))

	rows := 0
	err = g.Store().Scan(ctx, kv.PrefixRange(codec.TablePrefix(codec.TableIndex)), func(k, _ []byte) error {
		rows++
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, rows)

	// Lookups still work by scanning.
	assert.Equal(t, []any{int64(10)}, vertexIDs(t, g.VerticesByLabel(ctx, "b", "key2", 13)))
}

func TestScenario_WriteDuringPopulation(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		_, err := g.AddVertex("person", fmt.Sprintf("p%03d", i), map[string]any{"age": i})
		require.NoError(t, err)
	}
	md, err := g.CreateIndex(ctx, VertexType, "person", "age")
	require.NoError(t, err)
	require.Equal(t, StateCreated, md.State)

	var fired atomic.Bool
	var hookErr error
	g.store.setOnScan(func(r kv.Range) {
		if !bytes.HasPrefix(r.Start, codec.TablePrefix(codec.TableVertex)) || !fired.CompareAndSwap(false, true) {
			return
		}
		if _, err := g.AddVertex("person", "late", map[string]any{"age": 4242}); err != nil {
			hookErr = err
			return
		}
		v, err := g.Vertex("p000")
		if err != nil {
			hookErr = err
			return
		}
		hookErr = v.SetProperty("age", 1000)
	})

	stats, err := g.NewPopulationJob(md.IndexKey, PopulationOptions{Parallelism: 4}).Run(ctx)
	require.NoError(t, err)
	g.store.setOnScan(nil)
	require.True(t, fired.Load())
	require.NoError(t, hookErr)
	assert.GreaterOrEqual(t, stats.Indexed, int64(200))

	got, err := g.Index(VertexType, "person", "age")
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)

	assert.Equal(t, []any{"late"}, vertexIDs(t, g.VerticesByLabel(ctx, "person", "age", 4242)))
	assert.Equal(t, []any{"p000"}, vertexIDs(t, g.VerticesByLabel(ctx, "person", "age", 1000)))
	assert.Empty(t, vertexIDs(t, g.VerticesByLabel(ctx, "person", "age", 0)))
	for i := 1; i < 200; i++ {
		assert.Equal(t, []any{fmt.Sprintf("p%03d", i)}, vertexIDs(t, g.VerticesByLabel(ctx, "person", "age", i)))
	}
}
