package graph

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chentiantai/hgraphdb/pkg/codec"
)

func seedPeople(t *testing.T, g *testGraph, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		props := map[string]any{"age": i % 50}
		if i%10 == 0 {
			props = map[string]any{"name": fmt.Sprintf("n%d", i)}
		}
		_, err := g.AddVertex("person", fmt.Sprintf("p%04d", i), props)
		require.NoError(t, err)
	}
	// Another label with the same key must not be indexed.
	for i := 0; i < 20; i++ {
		_, err := g.AddVertex("robot", fmt.Sprintf("r%02d", i), map[string]any{"age": i})
		require.NoError(t, err)
	}
}

func TestPopulation_Direct(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	seedPeople(t, g, 300)

	md, err := g.CreateIndex(ctx, VertexType, "person", "age")
	require.NoError(t, err)
	stats, err := g.NewPopulationJob(md.IndexKey, PopulationOptions{BatchSize: 7, Parallelism: 3}).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(320), stats.Scanned)
	assert.Equal(t, int64(270), stats.Indexed)
	assert.Equal(t, int64(30), stats.Skipped)
	assert.Len(t, entries(t, g.Graph, md.IndexKey), 270)

	got, err := g.Index(VertexType, "person", "age")
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)
	assert.Len(t, collect(t, g.VerticesByLabel(ctx, "person", "age", 7)), 6)
}

func TestPopulation_Idempotent(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	seedPeople(t, g, 100)

	md, err := g.CreateIndex(ctx, VertexType, "person", "age")
	require.NoError(t, err)
	_, err = g.catalog.Transition(md.IndexKey, StateBuilding)
	require.NoError(t, err)

	// An interrupted build wrote every entry but never activated.
	first := g.NewPopulationJob(md.IndexKey, DefaultPopulationOptions())
	for salt := 0; salt < 256; salt++ {
		sink := &batchSink{store: g.store, size: 10}
		require.NoError(t, first.scanBucket(ctx, codec.SaltPrefix(codec.TableVertex, byte(salt)), sink))
		require.NoError(t, sink.done())
	}
	before := entries(t, g.Graph, md.IndexKey)
	require.Len(t, before, 90)

	_, err = g.NewPopulationJob(md.IndexKey, DefaultPopulationOptions()).Run(ctx)
	require.NoError(t, err)
	after := entries(t, g.Graph, md.IndexKey)

	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].key, after[i].key)
	}

	_, err = g.NewPopulationJob(md.IndexKey, DefaultPopulationOptions()).Run(ctx)
	assert.ErrorIs(t, err, ErrIndexAlreadyActive)
}

func TestPopulation_BulkMatchesDirect(t *testing.T) {
	direct := newTestGraph(t)
	bulk := newTestGraph(t)
	ctx := context.Background()
	seedPeople(t, direct, 150)
	seedPeople(t, bulk, 150)

	dk := activeIndex(t, direct.Graph, VertexType, "person", "age")
	bk := activeIndex(t, bulk.Graph, VertexType, "person", "age",
		WithPopulation(PopulationOptions{Strategy: Bulk, ArtifactDir: t.TempDir(), BatchSize: 16}))

	de, be := entries(t, direct.Graph, dk), entries(t, bulk.Graph, bk)
	require.Len(t, be, len(de))
	for i := range de {
		assert.Equal(t, de[i].key, be[i].key)
	}
	assert.Len(t, collect(t, bulk.VerticesByLabel(ctx, "person", "age", 3)), 3)
}

func TestPopulation_DeferredBulkLoad(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	seedPeople(t, g, 50)

	md, err := g.CreateIndex(ctx, VertexType, "person", "age")
	require.NoError(t, err)
	stats, err := g.NewPopulationJob(md.IndexKey, PopulationOptions{
		Strategy:    Bulk,
		ArtifactDir: t.TempDir(),
		DeferLoad:   true,
	}).Run(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, stats.Artifact)
	_, err = os.Stat(stats.Artifact)
	require.NoError(t, err)

	got, err := g.Index(VertexType, "person", "age")
	require.NoError(t, err)
	assert.Equal(t, StateBuilding, got.State)
	assert.Empty(t, entries(t, g.Graph, md.IndexKey))

	n, err := g.CompleteBulkLoad(ctx, md.IndexKey, stats.Artifact)
	require.NoError(t, err)
	assert.Equal(t, int(stats.Indexed), n)
	got, err = g.Index(VertexType, "person", "age")
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)

	_, err = g.CompleteBulkLoad(ctx, md.IndexKey, stats.Artifact)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestPopulation_CancelLeavesBuilding(t *testing.T) {
	g := newTestGraph(t)
	seedPeople(t, g, 50)

	md, err := g.CreateIndex(context.Background(), VertexType, "person", "age")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.NewPopulationJob(md.IndexKey, DefaultPopulationOptions()).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	got, err := g.Index(VertexType, "person", "age")
	require.NoError(t, err)
	assert.Equal(t, StateBuilding, got.State)

	// Resuming completes the build.
	_, err = g.NewPopulationJob(md.IndexKey, DefaultPopulationOptions()).Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries(t, g.Graph, md.IndexKey), 45)
}

func TestPopulation_UniqueViolation(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_, err := g.AddVertex("person", id, map[string]any{"email": "same@example.com"})
		require.NoError(t, err)
	}

	_, err := g.CreateIndex(ctx, VertexType, "person", "email", WithUnique(), WithPopulate())
	require.ErrorIs(t, err, ErrNotUnique)

	got, err := g.Index(VertexType, "person", "email")
	require.NoError(t, err)
	assert.Equal(t, StateBuilding, got.State)
}

func TestPopulation_RejectsInactiveAndDropped(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	key := activeIndex(t, g.Graph, VertexType, "person", "age")
	_, err := g.DeactivateIndex(key)
	require.NoError(t, err)

	_, err = g.NewPopulationJob(key, DefaultPopulationOptions()).Run(ctx)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	_, err = g.NewPopulationJob(IndexKey{VertexType, "person", "missing"}, DefaultPopulationOptions()).Run(ctx)
	assert.ErrorIs(t, err, ErrIndexNotFound)
}

func TestPopulation_EdgeIndex(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()
	a, err := g.AddVertex("person", "a", nil)
	require.NoError(t, err)
	b, err := g.AddVertex("person", "b", nil)
	require.NoError(t, err)
	_, err = g.AddEdge(a, b, "knows", "e1", map[string]any{"since": 2001})
	require.NoError(t, err)
	_, err = g.AddEdge(b, a, "knows", "e2", map[string]any{"since": 2002})
	require.NoError(t, err)

	key := activeIndex(t, g.Graph, EdgeType, "knows", "since")
	hits := entries(t, g.Graph, key)
	require.Len(t, hits, 2)
	assert.Equal(t, a.encID, hits[0].outEnc)
	assert.Equal(t, b.encID, hits[1].outEnc)

	found := collect(t, g.EdgesByLabel(ctx, "knows", "since", 2002))
	require.Len(t, found, 1)
	assert.Equal(t, "e2", found[0].ID())
}

func TestParsePopulationStrategy(t *testing.T) {
	s, err := ParsePopulationStrategy("BULK")
	require.NoError(t, err)
	assert.Equal(t, Bulk, s)
	s, err = ParsePopulationStrategy("")
	require.NoError(t, err)
	assert.Equal(t, Direct, s)
	_, err = ParsePopulationStrategy("magic")
	assert.Error(t, err)
}
