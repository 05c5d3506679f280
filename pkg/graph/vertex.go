package graph

import (
	"context"
	"errors"
	"iter"
)

// Vertex is a graph vertex.
type Vertex struct {
	element
}

var _ Element = (*Vertex)(nil)

func (v *Vertex) Type() ElementType { return VertexType }

func (v *Vertex) model() *ElementStore { return v.g.vertices }

func (v *Vertex) Property(key string) (any, bool, error) { return property(v, key) }

func (v *Vertex) Properties() (map[string]any, error) { return properties(v) }

func (v *Vertex) Keys() ([]string, error) { return keys(v) }

func (v *Vertex) Load() error { return load(v) }

func (v *Vertex) SetProperty(key string, value any) error {
	return v.g.setProperty(v, key, value)
}

func (v *Vertex) RemoveProperty(key string) (any, error) {
	return v.g.removeProperty(v, key)
}

func (v *Vertex) IncrementProperty(key string, delta int64) (int64, error) {
	return v.g.incrementProperty(v, key, delta)
}

// Remove deletes the vertex, its index entries, and every incident edge.
func (v *Vertex) Remove() error {
	return v.g.removeVertex(v)
}

func (v *Vertex) RemoveStaleIndices() {
	v.g.removeStaleIndices(v)
}

func (v *Vertex) writeToIndexModel(key string) error {
	return writeIndexEntry(v, key, nil, nil)
}

func (v *Vertex) deleteFromIndexModel(key string, value any, ts int64) error {
	return deleteIndexEntry(v, key, value, ts)
}

func (v *Vertex) clone() Element { return v.cloneFor(v.g) }

func (v *Vertex) cloneFor(g *Graph) *Vertex {
	return &Vertex{element: v.cloneBase(g)}
}

// Edges yields the edges incident to v in direction dir, restricted to the
// given labels when any are given.
func (v *Vertex) Edges(ctx context.Context, dir Direction, labels ...string) iter.Seq2[*Edge, error] {
	return func(yield func(*Edge, error) bool) {
		adj, err := v.g.adjacency(ctx, v.encID, dir, labels)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, a := range adj {
			e, err := v.g.edgeByEncID(a.edge)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if !yield(e, err) || err != nil {
				return
			}
		}
	}
}

// Vertices yields the vertices adjacent to v in direction dir.
func (v *Vertex) Vertices(ctx context.Context, dir Direction, labels ...string) iter.Seq2[*Vertex, error] {
	return func(yield func(*Vertex, error) bool) {
		adj, err := v.g.adjacency(ctx, v.encID, dir, labels)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, a := range adj {
			other, err := v.g.vertexByEncID(a.other)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if !yield(other, err) || err != nil {
				return
			}
		}
	}
}
