package graph

import "github.com/chentiantai/hgraphdb/pkg/codec"

// Edge is a directed, labelled edge between two vertices.
type Edge struct {
	element
	outID  any
	inID   any
	outEnc []byte
	inEnc  []byte
}

var _ Element = (*Edge)(nil)

func (e *Edge) Type() ElementType { return EdgeType }

func (e *Edge) model() *ElementStore { return e.g.edges }

// OutID is the id of the vertex the edge leaves.
func (e *Edge) OutID() any { return e.outID }

// InID is the id of the vertex the edge enters.
func (e *Edge) InID() any { return e.inID }

// OutVertex loads the vertex the edge leaves.
func (e *Edge) OutVertex() (*Vertex, error) { return e.g.vertexByEncID(e.outEnc) }

// InVertex loads the vertex the edge enters.
func (e *Edge) InVertex() (*Vertex, error) { return e.g.vertexByEncID(e.inEnc) }

func (e *Edge) Property(key string) (any, bool, error) { return property(e, key) }

func (e *Edge) Properties() (map[string]any, error) { return properties(e) }

func (e *Edge) Keys() ([]string, error) { return keys(e) }

func (e *Edge) Load() error { return load(e) }

func (e *Edge) SetProperty(key string, value any) error {
	return e.g.setProperty(e, key, value)
}

func (e *Edge) RemoveProperty(key string) (any, error) {
	return e.g.removeProperty(e, key)
}

func (e *Edge) IncrementProperty(key string, delta int64) (int64, error) {
	return e.g.incrementProperty(e, key, delta)
}

// Remove deletes the edge, its index entries, and its adjacency rows.
func (e *Edge) Remove() error {
	return e.g.removeEdge(e)
}

func (e *Edge) RemoveStaleIndices() {
	e.g.removeStaleIndices(e)
}

func (e *Edge) writeToIndexModel(key string) error {
	return writeIndexEntry(e, key, e.outEnc, e.inEnc)
}

func (e *Edge) deleteFromIndexModel(key string, value any, ts int64) error {
	return deleteIndexEntry(e, key, value, ts)
}

func (e *Edge) clone() Element { return e.cloneFor(e.g) }

func (e *Edge) cloneFor(g *Graph) *Edge {
	return &Edge{
		element: e.cloneBase(g),
		outID:   e.outID,
		inID:    e.inID,
		outEnc:  e.outEnc,
		inEnc:   e.inEnc,
	}
}

func edgeFromRow(r *row) (*Edge, error) {
	e := &Edge{element: r.el, outEnc: r.outEnc, inEnc: r.inEnc}
	var err error
	if e.outID, _, err = codec.DecodeID(r.outEnc); err != nil {
		return nil, err
	}
	if e.inID, _, err = codec.DecodeID(r.inEnc); err != nil {
		return nil, err
	}
	return e, nil
}
