package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chentiantai/hgraphdb/pkg/codec"
	"github.com/chentiantai/hgraphdb/pkg/kv"
)

func TestIndexState_Transitions(t *testing.T) {
	all := []IndexState{StateCreated, StateBuilding, StateActive, StateInactive, StateDropped}
	legal := map[[2]IndexState]bool{
		{StateCreated, StateBuilding}: true,
		{StateBuilding, StateActive}:  true,
		{StateActive, StateInactive}:  true,
		{StateActive, StateDropped}:   true,
		{StateInactive, StateDropped}: true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, legal[[2]IndexState{from, to}], from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestIndexState_Usage(t *testing.T) {
	tests := []struct {
		state    IndexState
		writable bool
		readable bool
	}{
		{StateCreated, false, false},
		{StateBuilding, true, false},
		{StateActive, true, true},
		{StateInactive, false, false},
		{StateDropped, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			assert.Equal(t, tt.writable, tt.state.Writable())
			assert.Equal(t, tt.readable, tt.state.Readable())
		})
	}
}

func TestParseIndexState(t *testing.T) {
	s, err := ParseIndexState("building")
	require.NoError(t, err)
	assert.Equal(t, StateBuilding, s)

	_, err = ParseIndexState("ready")
	assert.ErrorIs(t, err, ErrNotValid)
}

func newTestCatalog(t *testing.T) (*IndexCatalog, kv.Store) {
	t.Helper()
	store, err := kv.NewBadgerStoreInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	c, err := newIndexCatalog(store, newFakeClock().Now)
	require.NoError(t, err)
	return c, store
}

func TestIndexCatalog_Lifecycle(t *testing.T) {
	c, _ := newTestCatalog(t)
	key := IndexKey{Type: VertexType, Label: "person", PropertyKey: "email"}

	md, err := c.Create(key, true)
	require.NoError(t, err)
	assert.Equal(t, StateCreated, md.State)
	assert.True(t, md.Unique)

	_, err = c.Create(key, false)
	assert.ErrorIs(t, err, ErrIndexExists)

	assert.False(t, c.HasIndex(OpWrite, VertexType, "person", "email"))

	_, err = c.Transition(key, StateActive)
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, StateCreated, te.From)
	assert.Equal(t, StateActive, te.To)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	_, err = c.Transition(key, StateBuilding)
	require.NoError(t, err)
	assert.True(t, c.HasIndex(OpWrite, VertexType, "person", "email"))
	assert.False(t, c.HasIndex(OpRead, VertexType, "person", "email"))

	_, err = c.Transition(key, StateActive)
	require.NoError(t, err)
	assert.True(t, c.HasIndex(OpRead, VertexType, "person", "email"))

	// Metadata can only be removed once DROPPED.
	assert.ErrorIs(t, c.Remove(key), ErrInvalidStateTransition)

	_, err = c.Transition(key, StateInactive)
	require.NoError(t, err)
	assert.False(t, c.HasIndex(OpWrite, VertexType, "person", "email"))
	_, err = c.Transition(key, StateActive)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	_, err = c.Transition(key, StateDropped)
	require.NoError(t, err)
	_, err = c.Transition(key, StateCreated)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
	require.NoError(t, c.Remove(key))

	_, err = c.Get(key)
	assert.ErrorIs(t, err, ErrIndexNotFound)
}

func TestIndexCatalog_RejectsBadKeys(t *testing.T) {
	c, _ := newTestCatalog(t)
	for _, key := range []IndexKey{
		{Type: 9, Label: "a", PropertyKey: "b"},
		{Type: VertexType, Label: "", PropertyKey: "b"},
		{Type: VertexType, Label: "a", PropertyKey: "~label"},
		{Type: VertexType, Label: "a\x00b", PropertyKey: "c"},
	} {
		_, err := c.Create(key, false)
		assert.ErrorIs(t, err, ErrNotValid, "%v", key)
	}
}

func TestIndexCatalog_RefreshSeesOtherInstance(t *testing.T) {
	c, store := newTestCatalog(t)
	other, err := newIndexCatalog(store, newFakeClock().Now)
	require.NoError(t, err)

	key := IndexKey{Type: EdgeType, Label: "knows", PropertyKey: "since"}
	_, err = c.Create(key, false)
	require.NoError(t, err)
	_, err = c.Transition(key, StateBuilding)
	require.NoError(t, err)

	_, err = other.Get(key)
	assert.ErrorIs(t, err, ErrIndexNotFound)

	require.NoError(t, other.Refresh(context.Background()))
	md, err := other.Get(key)
	require.NoError(t, err)
	assert.Equal(t, StateBuilding, md.State)
	assert.Len(t, other.Indices(OpWrite, EdgeType, "knows"), 1)
	assert.Empty(t, other.Indices(OpRead, EdgeType, "knows"))
}

func TestIndexCatalog_ListOrder(t *testing.T) {
	c, _ := newTestCatalog(t)
	for _, key := range []IndexKey{
		{EdgeType, "a", "x"},
		{VertexType, "b", "y"},
		{VertexType, "a", "z"},
		{VertexType, "a", "x"},
	} {
		_, err := c.Create(key, false)
		require.NoError(t, err)
	}
	var got []string
	for _, md := range c.List() {
		got = append(got, md.String())
	}
	assert.Equal(t, []string{"vertex:a.x", "vertex:a.z", "vertex:b.y", "edge:a.x"}, got)
}

func TestIndexAdmin_DropPurgesEntries(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := g.AddVertex("item", i, map[string]any{"sku": i * 7})
		require.NoError(t, err)
	}
	key := activeIndex(t, g.Graph, VertexType, "item", "sku")
	require.Len(t, entries(t, g.Graph, key), 10)

	// CREATED and BUILDING indexes cannot be dropped.
	other, err := g.CreateIndex(ctx, VertexType, "item", "name")
	require.NoError(t, err)
	assert.ErrorIs(t, g.DropIndex(ctx, other.IndexKey), ErrInvalidStateTransition)

	_, err = g.DeactivateIndex(key)
	require.NoError(t, err)
	require.NoError(t, g.DropIndex(ctx, key))
	assert.Empty(t, entries(t, g.Graph, key))
	_, err = g.Index(VertexType, "item", "sku")
	assert.ErrorIs(t, err, ErrIndexNotFound)

	// The same index can be created again.
	activeIndex(t, g.Graph, VertexType, "item", "sku")
	assert.Len(t, entries(t, g.Graph, key), 10)
}

func TestIndexAdmin_InactiveIndexIsNotMaintained(t *testing.T) {
	g := newTestGraph(t)
	ctx := context.Background()

	key := activeIndex(t, g.Graph, VertexType, "item", "sku")
	_, err := g.AddVertex("item", 1, map[string]any{"sku": 1})
	require.NoError(t, err)
	_, err = g.DeactivateIndex(key)
	require.NoError(t, err)

	_, err = g.AddVertex("item", 2, map[string]any{"sku": 2})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1)}, entryValues(t, g.Graph, key))

	// Reads fall back to scanning and still see both.
	assert.Equal(t, []any{int64(2)}, vertexIDs(t, g.VerticesByLabel(ctx, "item", "sku", 2)))
}

func TestIndexAdmin_CounterCannotBeIndexed(t *testing.T) {
	g := newTestGraph(t, withSchema)
	_, err := g.CreateLabel(VertexType, "page", codec.Any, map[string]codec.ValueType{"views": codec.Counter})
	require.NoError(t, err)

	_, err = g.CreateIndex(context.Background(), VertexType, "page", "views")
	assert.ErrorIs(t, err, ErrNotValid)
}
