package graph

import (
	"context"
	"errors"
	"iter"

	"github.com/chentiantai/hgraphdb/pkg/codec"
	"github.com/chentiantai/hgraphdb/pkg/kv"
)

// AddVertex creates a vertex. A nil id is replaced by a random UUID string.
// Index entries are written before the row; the row's label column is
// written last.
func (g *Graph) AddVertex(label string, id any, props map[string]any) (*Vertex, error) {
	if err := g.ensureOpen(); err != nil {
		return nil, err
	}
	el, err := g.newElement(VertexType, label, id, props)
	if err != nil {
		return nil, err
	}
	v := &Vertex{element: el}
	if err := g.createElement(v, nil, nil); err != nil {
		return nil, err
	}
	return v, nil
}

// AddEdge creates an edge labelled label from out to in.
func (g *Graph) AddEdge(out, in *Vertex, label string, id any, props map[string]any) (*Edge, error) {
	if err := g.ensureOpen(); err != nil {
		return nil, err
	}
	if out == nil || in == nil {
		return nil, invalid(EdgeType, label, "", "both endpoints are required")
	}
	el, err := g.newElement(EdgeType, label, id, props)
	if err != nil {
		return nil, err
	}
	if err := g.schema.validateConnection(out.label, label, in.label); err != nil {
		return nil, err
	}
	e := &Edge{element: el, outID: out.id, inID: in.id, outEnc: out.encID, inEnc: in.encID}
	if err := g.createElement(e, out.encID, in.encID); err != nil {
		return nil, err
	}
	return e, nil
}

func (g *Graph) newElement(typ ElementType, label string, id any, props map[string]any) (element, error) {
	if err := validateLabel(typ, label); err != nil {
		return element{}, err
	}
	nid, encID, err := normalizeID(typ, label, id)
	if err != nil {
		return element{}, err
	}
	normalized, err := normalizeProps(typ, label, props)
	if err != nil {
		return element{}, err
	}
	if err := g.schema.validateElement(typ, label, nid, normalized); err != nil {
		return element{}, err
	}
	el := newElement(g, nid, encID, label)
	el.props = normalized
	el.createdAt = g.nowMillis()
	el.updatedAt = el.createdAt
	el.fullyLoaded = true
	return el, nil
}

func (g *Graph) createElement(el Element, outEnc, inEnc []byte) error {
	b := el.base()
	store := el.model()
	exists, err := store.exists(b.encID)
	if err != nil {
		return err
	}
	if exists {
		return ErrElementExists
	}
	indices := g.catalog.Indices(OpWrite, el.Type(), b.label)
	for _, idx := range indices {
		v, ok := b.props[idx.PropertyKey]
		if !ok || !idx.Unique {
			continue
		}
		if err := g.checkUnique(el, idx, v); err != nil {
			return err
		}
	}
	for _, idx := range indices {
		if _, ok := b.props[idx.PropertyKey]; !ok {
			continue
		}
		if err := el.writeToIndexModel(idx.PropertyKey); err != nil {
			return err
		}
	}
	if el.Type() == EdgeType {
		if err := g.writeAdjacency(el.(*Edge)); err != nil {
			return err
		}
	}
	err = store.put(b, outEnc, inEnc)
	g.cache.evict(el)
	return err
}

// Vertex returns the vertex with the given id or ErrNotFound.
func (g *Graph) Vertex(id any) (*Vertex, error) {
	if err := g.ensureOpen(); err != nil {
		return nil, err
	}
	encID, err := codec.EncodeID(id)
	if err != nil {
		return nil, invalid(VertexType, "", "", "id: %v", err)
	}
	return g.vertexByEncID(encID)
}

// Edge returns the edge with the given id or ErrNotFound.
func (g *Graph) Edge(id any) (*Edge, error) {
	if err := g.ensureOpen(); err != nil {
		return nil, err
	}
	encID, err := codec.EncodeID(id)
	if err != nil {
		return nil, invalid(EdgeType, "", "", "id: %v", err)
	}
	return g.edgeByEncID(encID)
}

func (g *Graph) vertexByEncID(encID []byte) (*Vertex, error) {
	if v, ok := g.cache.vertex(g, encID); ok {
		return v, nil
	}
	gen := g.cache.generation()
	r, err := g.readRow(g.vertices, encID)
	if err != nil {
		return nil, err
	}
	v := &Vertex{element: r.el}
	g.cache.store(v, gen)
	return v, nil
}

func (g *Graph) edgeByEncID(encID []byte) (*Edge, error) {
	if e, ok := g.cache.edge(g, encID); ok {
		return e, nil
	}
	gen := g.cache.generation()
	r, err := g.readRow(g.edges, encID)
	if err != nil {
		return nil, err
	}
	e, err := edgeFromRow(r)
	if err != nil {
		return nil, err
	}
	g.cache.store(e, gen)
	return e, nil
}

// readRow reads the header only when lazy loading is enabled.
func (g *Graph) readRow(s *ElementStore, encID []byte) (*row, error) {
	if g.opts.LazyLoading {
		return s.loadHeader(encID)
	}
	return s.load(encID)
}

// Vertices yields up to limit vertices in storage order, starting at the row
// of startID when it is non-nil. limit <= 0 is unbounded.
func (g *Graph) Vertices(ctx context.Context, startID any, limit int) iter.Seq2[*Vertex, error] {
	return func(yield func(*Vertex, error) bool) {
		r, err := g.tableRange(VertexType, startID)
		if err != nil {
			yield(nil, err)
			return
		}
		err = g.vertices.scanRows(ctx, r, limit, func(rw *row) error {
			if !yield(&Vertex{element: rw.el}, nil) {
				return kv.ErrStopIteration
			}
			return nil
		})
		if err != nil {
			yield(nil, storageErr("scan vertices", err))
		}
	}
}

// Edges yields up to limit edges in storage order, starting at startID.
func (g *Graph) Edges(ctx context.Context, startID any, limit int) iter.Seq2[*Edge, error] {
	return func(yield func(*Edge, error) bool) {
		r, err := g.tableRange(EdgeType, startID)
		if err != nil {
			yield(nil, err)
			return
		}
		err = g.edges.scanRows(ctx, r, limit, func(rw *row) error {
			e, err := edgeFromRow(rw)
			if err != nil {
				return err
			}
			if !yield(e, nil) {
				return kv.ErrStopIteration
			}
			return nil
		})
		if err != nil {
			yield(nil, storageErr("scan edges", err))
		}
	}
}

// VerticesWithLabel yields every vertex with the given label.
func (g *Graph) VerticesWithLabel(ctx context.Context, label string) iter.Seq2[*Vertex, error] {
	return func(yield func(*Vertex, error) bool) {
		for v, err := range g.Vertices(ctx, nil, 0) {
			if err != nil {
				yield(nil, err)
				return
			}
			if v.label == label && !yield(v, nil) {
				return
			}
		}
	}
}

func (g *Graph) tableRange(typ ElementType, startID any) (kv.Range, error) {
	prefix := codec.TablePrefix(typ.table())
	r := kv.PrefixRange(prefix)
	if startID != nil {
		encID, err := codec.EncodeID(startID)
		if err != nil {
			return r, invalid(typ, "", "", "start id: %v", err)
		}
		r.Start = codec.RowKey(typ.table(), encID)
	}
	return r, nil
}

func (g *Graph) removeVertex(v *Vertex) error {
	if err := g.ensureOpen(); err != nil {
		return err
	}
	ctx := context.Background()
	for _, dir := range []Direction{Out, In} {
		adj, err := g.adjacency(ctx, v.encID, dir, nil)
		if err != nil {
			return err
		}
		for _, a := range adj {
			e, err := g.edgeByEncID(a.edge)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := g.removeEdge(e); err != nil {
				return err
			}
		}
	}
	return g.removeElement(v)
}

func (g *Graph) removeEdge(e *Edge) error {
	if err := g.ensureOpen(); err != nil {
		return err
	}
	if err := g.removeElement(e); err != nil {
		return err
	}
	g.cache.evictRelationships(e.outEnc, e.inEnc, e.label)
	return nil
}

// removeElement deletes index entries first, then adjacency, then the row.
func (g *Graph) removeElement(el Element) error {
	b := el.base()
	g.cache.evict(el)
	if !b.fullyLoaded {
		if err := el.Load(); err != nil {
			return err
		}
	}
	for _, idx := range g.catalog.Indices(OpWrite, el.Type(), b.label) {
		v, ok := b.props[idx.PropertyKey]
		if !ok {
			continue
		}
		if err := el.deleteFromIndexModel(idx.PropertyKey, v, noTsBound); err != nil {
			return err
		}
	}
	if e, ok := el.(*Edge); ok {
		if err := g.deleteAdjacency(e); err != nil {
			return err
		}
	}
	if err := el.model().delete(b.encID); err != nil {
		return err
	}
	b.deleted = true
	return nil
}

func (g *Graph) writeAdjacency(e *Edge) error {
	ttl := g.opts.ttl(EdgeType)
	err := g.store.Put(codec.AdjacencyKey(e.outEnc, byte(Out), e.label, e.encID), e.inEnc, ttl)
	if err == nil {
		err = g.store.Put(codec.AdjacencyKey(e.inEnc, byte(In), e.label, e.encID), e.outEnc, ttl)
	}
	g.cache.evictRelationships(e.outEnc, e.inEnc, e.label)
	return storageErr("write adjacency", err)
}

func (g *Graph) deleteAdjacency(e *Edge) error {
	err := g.store.Delete(codec.AdjacencyKey(e.outEnc, byte(Out), e.label, e.encID))
	if err == nil {
		err = g.store.Delete(codec.AdjacencyKey(e.inEnc, byte(In), e.label, e.encID))
	}
	return storageErr("delete adjacency", err)
}

// adjacency lists the adjacency rows of a vertex, through the relationship
// cache.
func (g *Graph) adjacency(ctx context.Context, encVertexID []byte, dir Direction, labels []string) ([]adjacent, error) {
	if dir == Both {
		out, err := g.adjacency(ctx, encVertexID, Out, labels)
		if err != nil {
			return nil, err
		}
		in, err := g.adjacency(ctx, encVertexID, In, labels)
		if err != nil {
			return nil, err
		}
		return append(out, in...), nil
	}
	if len(labels) == 0 {
		return g.adjacencyFor(ctx, encVertexID, dir, "")
	}
	var all []adjacent
	for _, label := range labels {
		adj, err := g.adjacencyFor(ctx, encVertexID, dir, label)
		if err != nil {
			return nil, err
		}
		all = append(all, adj...)
	}
	return all, nil
}

func (g *Graph) adjacencyFor(ctx context.Context, encVertexID []byte, dir Direction, label string) ([]adjacent, error) {
	key := relKey{vertex: string(encVertexID), dir: dir, label: label}
	if adj, ok := g.cache.relationships(key); ok {
		return adj, nil
	}
	gen := g.cache.relGeneration()
	var adj []adjacent
	prefix := codec.AdjacencyPrefix(encVertexID, byte(dir), label)
	err := g.store.Scan(ctx, kv.PrefixRange(prefix), func(k, v []byte) error {
		a, err := codec.ParseAdjacencyKey(k)
		if err != nil {
			return err
		}
		adj = append(adj, adjacent{edge: a.EdgeID, other: v, label: a.Label, dir: Direction(a.Direction)})
		return nil
	})
	if err != nil {
		return nil, storageErr("scan adjacency", err)
	}
	g.cache.storeRelationships(key, adj, gen)
	return adj, nil
}
