package graph

import (
	"bytes"
	"context"
	"errors"
	"iter"

	"github.com/chentiantai/hgraphdb/pkg/codec"
)

// VerticesByLabel yields vertices with the given label whose property key
// equals value. An ACTIVE index answers the query when one exists; otherwise
// every vertex is scanned. Index candidates are checked against the vertex
// row, so stale entries are never returned.
func (g *Graph) VerticesByLabel(ctx context.Context, label, key string, value any) iter.Seq2[*Vertex, error] {
	return func(yield func(*Vertex, error) bool) {
		enc, err := g.lookupValue(VertexType, label, key, value)
		if err != nil {
			yield(nil, err)
			return
		}
		idx, ok := g.catalog.Index(OpRead, VertexType, label, key)
		if !ok {
			g.scanVertices(ctx, label, key, enc, nil, true, yield)
			return
		}
		for hit, err := range g.indexes.scanValue(ctx, idx.IndexKey, enc) {
			if err != nil {
				yield(nil, err)
				return
			}
			v, ok, err := g.verifyVertex(idx.IndexKey, hit)
			if err != nil {
				yield(nil, err)
				return
			}
			if ok && !yield(v, nil) {
				return
			}
		}
	}
}

// VerticesInRange yields vertices with from <= property < to, ordered by
// value when an ACTIVE index exists. A nil bound is open; from and to must
// have the same type.
func (g *Graph) VerticesInRange(ctx context.Context, label, key string, from, to any) iter.Seq2[*Vertex, error] {
	return func(yield func(*Vertex, error) bool) {
		lo, hi, err := g.rangeBounds(VertexType, label, key, from, to)
		if err != nil {
			yield(nil, err)
			return
		}
		idx, ok := g.catalog.Index(OpRead, VertexType, label, key)
		if !ok {
			g.scanVertices(ctx, label, key, lo, hi, false, yield)
			return
		}
		for hit, err := range g.indexes.scanRange(ctx, idx.IndexKey, lo, hi) {
			if err != nil {
				yield(nil, err)
				return
			}
			v, ok, err := g.verifyVertex(idx.IndexKey, hit)
			if err != nil {
				yield(nil, err)
				return
			}
			if ok && !yield(v, nil) {
				return
			}
		}
	}
}

// EdgesByLabel is VerticesByLabel for edges.
func (g *Graph) EdgesByLabel(ctx context.Context, label, key string, value any) iter.Seq2[*Edge, error] {
	return func(yield func(*Edge, error) bool) {
		enc, err := g.lookupValue(EdgeType, label, key, value)
		if err != nil {
			yield(nil, err)
			return
		}
		idx, ok := g.catalog.Index(OpRead, EdgeType, label, key)
		if !ok {
			g.scanEdges(ctx, label, key, enc, yield)
			return
		}
		for hit, err := range g.indexes.scanValue(ctx, idx.IndexKey, enc) {
			if err != nil {
				yield(nil, err)
				return
			}
			e, ok, err := g.verifyEdge(idx.IndexKey, hit)
			if err != nil {
				yield(nil, err)
				return
			}
			if ok && !yield(e, nil) {
				return
			}
		}
	}
}

// IndexedIDs yields the element ids stored in an index under value without
// checking them against element rows. Results may include stale ids.
func (g *Graph) IndexedIDs(ctx context.Context, key IndexKey, value any) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		enc, err := g.lookupValue(key.Type, key.Label, key.PropertyKey, value)
		if err != nil {
			yield(nil, err)
			return
		}
		if _, err := g.catalog.Get(key); err != nil {
			yield(nil, err)
			return
		}
		for hit, err := range g.indexes.scanValue(ctx, key, enc) {
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(hit.id, nil) {
				return
			}
		}
	}
}

func (g *Graph) lookupValue(typ ElementType, label, key string, value any) ([]byte, error) {
	if err := g.ensureOpen(); err != nil {
		return nil, err
	}
	v, err := normalizeValue(typ, label, key, value)
	if err != nil {
		return nil, err
	}
	enc, err := codec.EncodeValue(v)
	if err != nil {
		return nil, invalid(typ, label, key, "%v", err)
	}
	return enc, nil
}

func (g *Graph) rangeBounds(typ ElementType, label, key string, from, to any) (lo, hi []byte, err error) {
	if err := g.ensureOpen(); err != nil {
		return nil, nil, err
	}
	if from != nil {
		if lo, err = g.lookupValue(typ, label, key, from); err != nil {
			return nil, nil, err
		}
	}
	if to != nil {
		if hi, err = g.lookupValue(typ, label, key, to); err != nil {
			return nil, nil, err
		}
	}
	if lo != nil && hi != nil && lo[0] != hi[0] {
		return nil, nil, invalid(typ, label, key, "range bounds have different types")
	}
	return lo, hi, nil
}

// verifyVertex loads the vertex behind an index entry and checks that it
// still holds the entry's value. Stale entries are handed to the cleaner.
func (g *Graph) verifyVertex(key IndexKey, hit indexHit) (*Vertex, bool, error) {
	v, err := g.vertexByEncID(hit.entry.ID)
	if errors.Is(err, ErrNotFound) {
		g.staleHit(key, hit)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	setIndexRef(v, key, hit.entry.Value, hit.ts)
	ok, err := g.holdsValue(v, key)
	if err != nil || ok {
		return v, ok, err
	}
	v.RemoveStaleIndices()
	return nil, false, nil
}

func (g *Graph) verifyEdge(key IndexKey, hit indexHit) (*Edge, bool, error) {
	e, err := g.edgeByEncID(hit.entry.ID)
	if errors.Is(err, ErrNotFound) {
		g.staleHit(key, hit)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	setIndexRef(e, key, hit.entry.Value, hit.ts)
	ok, err := g.holdsValue(e, key)
	if err != nil || ok {
		return e, ok, err
	}
	e.RemoveStaleIndices()
	return nil, false, nil
}

// holdsValue reports whether el's live property still equals the value of
// the entry it was found through.
func (g *Graph) holdsValue(el Element, key IndexKey) (bool, error) {
	b := el.base()
	if b.label != key.Label {
		return false, nil
	}
	v, ok, err := property(el, key.PropertyKey)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil || !ok {
		return false, err
	}
	enc, err := codec.EncodeValue(v)
	if err != nil {
		return false, nil
	}
	return bytes.Equal(enc, b.ref.value), nil
}

// scanVertices is the fallback when no ACTIVE index exists. With exact set
// it matches lo; otherwise it matches lo <= v < hi.
func (g *Graph) scanVertices(ctx context.Context, label, key string, lo, hi []byte, exact bool, yield func(*Vertex, error) bool) {
	for v, err := range g.VerticesWithLabel(ctx, label) {
		if err != nil {
			yield(nil, err)
			return
		}
		raw, ok := v.props[key]
		if !ok {
			continue
		}
		enc, err := codec.EncodeValue(raw)
		if err != nil {
			continue
		}
		if !matches(enc, lo, hi, exact) {
			continue
		}
		if !yield(v, nil) {
			return
		}
	}
}

func (g *Graph) scanEdges(ctx context.Context, label, key string, enc []byte, yield func(*Edge, error) bool) {
	for e, err := range g.Edges(ctx, nil, 0) {
		if err != nil {
			yield(nil, err)
			return
		}
		if e.label != label {
			continue
		}
		raw, ok := e.props[key]
		if !ok {
			continue
		}
		got, err := codec.EncodeValue(raw)
		if err != nil || !bytes.Equal(got, enc) {
			continue
		}
		if !yield(e, nil) {
			return
		}
	}
}

func matches(enc, lo, hi []byte, exact bool) bool {
	if exact {
		return bytes.Equal(enc, lo)
	}
	if lo != nil && (enc[0] != lo[0] || bytes.Compare(enc, lo) < 0) {
		return false
	}
	if hi != nil && (enc[0] != hi[0] || bytes.Compare(enc, hi) >= 0) {
		return false
	}
	return true
}
