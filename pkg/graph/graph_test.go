package graph

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chentiantai/hgraphdb/pkg/kv"
)

func TestVertex_CRUD(t *testing.T) {
	g := newTestGraph(t)

	v, err := g.AddVertex("person", "ada", map[string]any{"name": "Ada", "born": 1815})
	require.NoError(t, err)
	assert.Equal(t, "ada", v.ID())
	assert.Equal(t, "person", v.Label())
	assert.Equal(t, g.clock.Now().UnixMilli(), v.CreatedAt().UnixMilli())

	_, err = g.AddVertex("person", "ada", nil)
	assert.ErrorIs(t, err, ErrElementExists)

	got, err := g.Vertex("ada")
	require.NoError(t, err)
	props, err := got.Properties()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Ada", "born": int64(1815)}, props)
	keys, err := got.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"born", "name"}, keys)

	g.clock.Advance(time.Second)
	require.NoError(t, got.SetProperty("name", "Augusta Ada"))
	again, err := g.Vertex("ada")
	require.NoError(t, err)
	name, _, err := again.Property("name")
	require.NoError(t, err)
	assert.Equal(t, "Augusta Ada", name)
	assert.Equal(t, time.Second, again.UpdatedAt().Sub(again.CreatedAt()))

	require.NoError(t, again.Remove())
	_, err = g.Vertex("ada")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, again.SetProperty("name", "x"), ErrNotFound)
}

func TestVertex_GeneratedAndNumericIDs(t *testing.T) {
	g := newTestGraph(t)

	v, err := g.AddVertex("thing", nil, nil)
	require.NoError(t, err)
	id, ok := v.ID().(string)
	require.True(t, ok)
	assert.Len(t, id, 36)

	n, err := g.AddVertex("thing", 42, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n.ID())
	got, err := g.Vertex(int64(42))
	require.NoError(t, err)
	assert.Equal(t, "thing", got.Label())

	_, err = g.AddVertex("thing", 1.5, nil)
	assert.ErrorIs(t, err, ErrNotValid)
}

func TestVertex_RejectsBadInput(t *testing.T) {
	g := newTestGraph(t)
	_, err := g.AddVertex("", 1, nil)
	assert.ErrorIs(t, err, ErrNotValid)
	_, err = g.AddVertex("thing", 1, map[string]any{"~l": "x"})
	assert.ErrorIs(t, err, ErrNotValid)
	_, err = g.AddVertex("thing", 1, map[string]any{"x": struct{}{}})
	assert.ErrorIs(t, err, ErrNotValid)
	_, err = g.AddVertex("thing", 1, map[string]any{"x": nil})
	assert.ErrorIs(t, err, ErrNotValid)
}

func TestLazyLoading(t *testing.T) {
	g := newTestGraph(t, withoutCache)
	_, err := g.AddVertex("person", "ada", map[string]any{"name": "Ada"})
	require.NoError(t, err)

	v, err := g.Vertex("ada")
	require.NoError(t, err)
	assert.False(t, v.IsFullyLoaded())
	assert.Equal(t, "person", v.Label())

	name, ok, err := v.Property("name")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Ada", name)
	assert.True(t, v.IsFullyLoaded())

	_, ok, err = v.Property("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEagerLoading(t *testing.T) {
	g := newTestGraph(t, withoutCache, func(o *Options) { o.LazyLoading = false })
	_, err := g.AddVertex("person", "ada", map[string]any{"name": "Ada"})
	require.NoError(t, err)

	v, err := g.Vertex("ada")
	require.NoError(t, err)
	assert.True(t, v.IsFullyLoaded())
}

func TestCache_ReturnsPrivateCopies(t *testing.T) {
	g := newTestGraph(t)
	_, err := g.AddVertex("person", "ada", map[string]any{"tags": []byte("a")})
	require.NoError(t, err)

	first, err := g.Vertex("ada")
	require.NoError(t, err)
	second, err := g.Vertex("ada")
	require.NoError(t, err)
	require.NotSame(t, first, second)

	raw, _, err := first.Property("tags")
	require.NoError(t, err)
	raw.([]byte)[0] = 'z'
	other, _, err := second.Property("tags")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), other)

	hits := testutilCounter(t, g, "vertex", "hit")
	assert.GreaterOrEqual(t, hits, 1.0)
}

func testutilCounter(t *testing.T, g *testGraph, cache, result string) float64 {
	t.Helper()
	return testutil.ToFloat64(g.Metrics().CacheLookups.WithLabelValues(cache, result))
}

func TestCache_SeesWritesFromOtherHandles(t *testing.T) {
	g := newTestGraph(t)
	_, err := g.AddVertex("person", "ada", map[string]any{"age": 1})
	require.NoError(t, err)

	a, err := g.Vertex("ada")
	require.NoError(t, err)
	require.NoError(t, a.SetProperty("age", 2))

	b, err := g.Vertex("ada")
	require.NoError(t, err)
	age, _, err := b.Property("age")
	require.NoError(t, err)
	assert.Equal(t, int64(2), age)
}

func TestCache_WriteThroughOlderHandleKeepsNewerValues(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	activeIndex(t, g.Graph, VertexType, "item", "y")
	a, err := g.AddVertex("item", "i1", map[string]any{"x": 1, "y": 1})
	require.NoError(t, err)

	b, err := g.Vertex("i1")
	require.NoError(t, err)
	require.NoError(t, b.SetProperty("y", 2))
	require.NoError(t, a.SetProperty("x", 5))

	fresh, err := g.Vertex("i1")
	require.NoError(t, err)
	props, err := fresh.Properties()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": int64(5), "y": int64(2)}, props)

	assert.Equal(t, []any{"i1"}, vertexIDs(t, g.VerticesByLabel(ctx, "item", "y", 2)))
	assert.Empty(t, collect(t, g.VerticesByLabel(ctx, "item", "y", 1)))
}

func TestCache_ReadOlderThanWriteIsNotStored(t *testing.T) {
	g := newTestGraph(t)
	v, err := g.AddVertex("person", "ada", map[string]any{"age": 1})
	require.NoError(t, err)
	stale, err := g.Vertex("ada")
	require.NoError(t, err)

	gen := g.cache.generation()
	require.NoError(t, v.SetProperty("age", 2))
	g.cache.store(stale, gen)
	_, ok := g.cache.vertex(g.Graph, v.base().encID)
	assert.False(t, ok)

	got, err := g.Vertex("ada")
	require.NoError(t, err)
	age, _, err := got.Property("age")
	require.NoError(t, err)
	assert.Equal(t, int64(2), age)
}

func TestEdges_Adjacency(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	a, err := g.AddVertex("person", "a", nil)
	require.NoError(t, err)
	b, err := g.AddVertex("person", "b", nil)
	require.NoError(t, err)
	c, err := g.AddVertex("person", "c", nil)
	require.NoError(t, err)

	ab, err := g.AddEdge(a, b, "knows", "ab", map[string]any{"weight": 0.5})
	require.NoError(t, err)
	_, err = g.AddEdge(a, c, "likes", "ac", nil)
	require.NoError(t, err)
	_, err = g.AddEdge(c, a, "knows", "ca", nil)
	require.NoError(t, err)

	ids := func(seq []*Edge) []any {
		var out []any
		for _, e := range seq {
			out = append(out, e.ID())
		}
		return out
	}
	assert.ElementsMatch(t, []any{"ab", "ac"}, ids(collect(t, a.Edges(ctx, Out))))
	assert.ElementsMatch(t, []any{"ab"}, ids(collect(t, a.Edges(ctx, Out, "knows"))))
	assert.ElementsMatch(t, []any{"ca"}, ids(collect(t, a.Edges(ctx, In))))
	assert.ElementsMatch(t, []any{"ab", "ac", "ca"}, ids(collect(t, a.Edges(ctx, Both))))
	assert.ElementsMatch(t, []any{"b", "c"}, vertexIDs(t, a.Vertices(ctx, Out)))
	assert.ElementsMatch(t, []any{"a"}, vertexIDs(t, b.Vertices(ctx, In, "knows")))

	got, err := g.Edge("ab")
	require.NoError(t, err)
	out, err := got.OutVertex()
	require.NoError(t, err)
	assert.Equal(t, "a", out.ID())
	in, err := got.InVertex()
	require.NoError(t, err)
	assert.Equal(t, "b", in.ID())
	w, _, err := got.Property("weight")
	require.NoError(t, err)
	assert.Equal(t, 0.5, w)

	// The relationship cache is invalidated by edge removal.
	require.NoError(t, ab.Remove())
	assert.ElementsMatch(t, []any{"ac"}, ids(collect(t, a.Edges(ctx, Out))))
	assert.Empty(t, collect(t, b.Edges(ctx, In)))

	// Removing a vertex removes its edges.
	require.NoError(t, c.Remove())
	assert.Empty(t, collect(t, a.Edges(ctx, Both)))
	_, err = g.Edge("ca")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVertices_Scan(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		label := "even"
		if i%2 == 1 {
			label = "odd"
		}
		_, err := g.AddVertex(label, fmt.Sprintf("v%02d", i), map[string]any{"n": i})
		require.NoError(t, err)
	}

	assert.Len(t, collect(t, g.Vertices(ctx, nil, 0)), 30)
	assert.Len(t, collect(t, g.Vertices(ctx, nil, 7)), 7)
	assert.Len(t, collect(t, g.VerticesWithLabel(ctx, "odd")), 15)

	// Stopping early is fine.
	n := 0
	for _, err := range g.Vertices(ctx, nil, 0) {
		require.NoError(t, err)
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)
}

func TestVerticesInRange(t *testing.T) {
	for _, indexed := range []bool{true, false} {
		t.Run(fmt.Sprintf("indexed=%v", indexed), func(t *testing.T) {
			g := newTestGraph(t)
			ctx := context.Background()
			if indexed {
				activeIndex(t, g.Graph, VertexType, "reading", "temp")
			}
			for i, temp := range []float64{-3.5, 12, 0, 7.25, -10, 30} {
				_, err := g.AddVertex("reading", i, map[string]any{"temp": temp})
				require.NoError(t, err)
			}
			_, err := g.AddVertex("reading", 99, map[string]any{"temp": "n/a"})
			require.NoError(t, err)

			var temps []float64
			for _, v := range collect(t, g.VerticesInRange(ctx, "reading", "temp", -5.0, 12.0)) {
				tv, _, err := v.Property("temp")
				require.NoError(t, err)
				temps = append(temps, tv.(float64))
			}
			if indexed {
				assert.Equal(t, []float64{-3.5, 0, 7.25}, temps)
			} else {
				assert.ElementsMatch(t, []float64{-3.5, 0, 7.25}, temps)
			}

			assert.Len(t, collect(t, g.VerticesInRange(ctx, "reading", "temp", 10.0, nil)), 2)
			_, err = collectErr(g.VerticesInRange(ctx, "reading", "temp", 1.0, "z"))
			assert.ErrorIs(t, err, ErrNotValid)
		})
	}
}

func collectErr[T any](seq func(func(T, error) bool)) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

func TestClosedGraph(t *testing.T) {
	g := newTestGraph(t)
	v, err := g.AddVertex("person", "ada", nil)
	require.NoError(t, err)
	require.NoError(t, g.Close())
	require.NoError(t, g.Close())

	_, err = g.AddVertex("person", "bob", nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = g.Vertex("ada")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, v.SetProperty("x", 1), ErrClosed)
	_, err = collectErr(g.VerticesByLabel(context.Background(), "person", "x", 1))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpen_OwnsStore(t *testing.T) {
	opts := DefaultOptions()
	g, err := Open(kv.BadgerOptions{InMemory: true}, opts)
	require.NoError(t, err)
	_, err = g.AddVertex("person", "ada", nil)
	require.NoError(t, err)
	require.NoError(t, g.Close())
	_, err = g.Store().Get([]byte("x"))
	assert.ErrorIs(t, err, kv.ErrClosed)
}

func TestIndexRefreshLoop(t *testing.T) {
	g := newTestGraph(t, func(o *Options) { o.IndexRefreshInterval = 10 * time.Millisecond })
	other, err := New(g.store, Options{Clock: g.clock.Now})
	require.NoError(t, err)
	defer other.Close()

	_, err = other.CreateIndex(context.Background(), VertexType, "person", "age", WithPopulate())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		md, err := g.Index(VertexType, "person", "age")
		return err == nil && md.State == StateActive
	}, 2*time.Second, 10*time.Millisecond)
}
