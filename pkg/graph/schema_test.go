package graph

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chentiantai/hgraphdb/pkg/codec"
)

func schemaGraph(t *testing.T) *testGraph {
	t.Helper()
	g := newTestGraph(t, withSchema)
	_, err := g.CreateLabel(VertexType, "person", codec.Long, map[string]codec.ValueType{
		"name":  codec.String,
		"age":   codec.Long,
		"score": codec.Double,
		"extra": codec.Any,
	})
	require.NoError(t, err)
	_, err = g.CreateLabel(VertexType, "company", codec.String, map[string]codec.ValueType{"name": codec.String})
	require.NoError(t, err)
	_, err = g.CreateLabel(EdgeType, "worksAt", codec.Any, map[string]codec.ValueType{"since": codec.Date})
	require.NoError(t, err)
	return g
}

func requireInvalid(t *testing.T, err error, key string) {
	t.Helper()
	require.ErrorIs(t, err, ErrNotValid)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, key, ve.Key)
}

func TestSchema_Disabled(t *testing.T) {
	g := newTestGraph(t)
	_, err := g.CreateLabel(VertexType, "person", codec.Long, nil)
	assert.ErrorIs(t, err, ErrNoSchema)
	_, err = g.ConnectLabels("a", "b", "c")
	assert.ErrorIs(t, err, ErrNoSchema)

	// Anything goes without a schema.
	_, err = g.AddVertex("whatever", "id", map[string]any{"x": int32(1), "y": "z"})
	assert.NoError(t, err)
}

func TestSchema_VertexValidation(t *testing.T) {
	g := schemaGraph(t)

	_, err := g.AddVertex("person", 1, map[string]any{"name": "Ada", "age": 36, "score": 1.5, "extra": []byte{1}})
	require.NoError(t, err)

	_, err = g.AddVertex("robot", 2, nil)
	requireInvalid(t, err, "")

	_, err = g.AddVertex("person", 3, map[string]any{"nickname": "x"})
	requireInvalid(t, err, "nickname")

	_, err = g.AddVertex("person", 4, map[string]any{"age": int32(36)})
	requireInvalid(t, err, "age")

	_, err = g.AddVertex("person", 5, map[string]any{"age": "36"})
	requireInvalid(t, err, "age")

	_, err = g.AddVertex("person", "six", nil)
	requireInvalid(t, err, "")

	v, err := g.Vertex(1)
	require.NoError(t, err)
	requireInvalid(t, v.SetProperty("score", float32(2)), "score")
	requireInvalid(t, v.SetProperty("undeclared", 1), "undeclared")
	require.NoError(t, v.SetProperty("extra", true))
}

func TestSchema_UpdateLabel(t *testing.T) {
	g := schemaGraph(t)
	v, err := g.AddVertex("person", 1, nil)
	require.NoError(t, err)
	requireInvalid(t, v.SetProperty("email", "ada@example.com"), "email")

	md, err := g.UpdateLabel(VertexType, "person", map[string]codec.ValueType{"email": codec.String})
	require.NoError(t, err)
	assert.Equal(t, codec.String, md.Properties["email"])
	assert.Equal(t, codec.Long, md.Properties["age"])
	require.NoError(t, v.SetProperty("email", "ada@example.com"))

	_, err = g.UpdateLabel(VertexType, "person", map[string]codec.ValueType{"age": codec.String})
	requireInvalid(t, err, "age")
	_, err = g.UpdateLabel(VertexType, "nobody", map[string]codec.ValueType{"x": codec.String})
	requireInvalid(t, err, "")
}

func TestSchema_CreateLabelErrors(t *testing.T) {
	g := schemaGraph(t)
	_, err := g.CreateLabel(VertexType, "person", codec.Long, nil)
	requireInvalid(t, err, "")
	_, err = g.CreateLabel(VertexType, "thing", codec.Double, nil)
	requireInvalid(t, err, "")
	_, err = g.CreateLabel(VertexType, "thing", codec.String, map[string]codec.ValueType{"~x": codec.String})
	requireInvalid(t, err, "~x")
}

func TestSchema_EdgeConnections(t *testing.T) {
	g := schemaGraph(t)
	ada, err := g.AddVertex("person", 1, nil)
	require.NoError(t, err)
	acme, err := g.AddVertex("company", "acme", nil)
	require.NoError(t, err)

	_, err = g.AddEdge(ada, acme, "worksAt", nil, nil)
	requireInvalid(t, err, "")

	_, err = g.ConnectLabels("person", "worksAt", "company")
	require.NoError(t, err)
	_, err = g.ConnectLabels("person", "worksAt", "planet")
	requireInvalid(t, err, "")

	e, err := g.AddEdge(ada, acme, "worksAt", nil, map[string]any{"since": time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	requireInvalid(t, e.SetProperty("since", "yesterday"), "since")

	// The reverse direction is not connected.
	_, err = g.AddEdge(acme, ada, "worksAt", nil, nil)
	requireInvalid(t, err, "")

	require.NoError(t, g.Schema().DisconnectLabels("person", "worksAt", "company"))
	_, err = g.AddEdge(ada, acme, "worksAt", nil, nil)
	requireInvalid(t, err, "")
	assert.Empty(t, g.Schema().Connections())
}

func TestSchema_Persisted(t *testing.T) {
	g := schemaGraph(t)
	_, err := g.ConnectLabels("person", "worksAt", "company")
	require.NoError(t, err)

	reloaded, err := newSchema(g.store, true, g.clock.Now)
	require.NoError(t, err)
	md, ok := reloaded.Label(VertexType, "person")
	require.True(t, ok)
	assert.Equal(t, codec.Long, md.IDType)
	assert.Equal(t, codec.Double, md.Properties["score"])
	assert.Len(t, reloaded.Labels(VertexType), 2)
	assert.Len(t, reloaded.Labels(EdgeType), 1)
	require.Len(t, reloaded.Connections(), 1)
	assert.Equal(t, "company", reloaded.Connections()[0].InLabel)
}
