package graph

// Cache invariants:
//   - Entries are private snapshots. Callers always receive a fresh clone, so
//     mutating a returned element never changes what another caller sees.
//   - Only fully loaded elements are cached.
//   - Every write evicts the entry, whether or not the store accepted it. Only
//     reads populate the cache, and a read that started before an eviction
//     does not store its result.
//   - Relationship entries list adjacency of one (vertex, direction, label)
//     and are evicted whenever an edge touching that vertex is added or
//     removed.

import (
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/chentiantai/hgraphdb/pkg/metrics"
)

type relKey struct {
	vertex string // encoded vertex id
	dir    Direction
	label  string // empty means every label
}

// adjacent is one adjacency row: the edge and the vertex at its other end.
type adjacent struct {
	edge  []byte
	other []byte
	label string
	dir   Direction
}

type elementCache struct {
	vertices *expirable.LRU[string, *Vertex]
	edges    *expirable.LRU[string, *Edge]
	rels     *lru.Cache[relKey, []adjacent]
	metrics  *metrics.Metrics

	// gen and relGen change on every element and relationship eviction. A
	// read that started before an eviction must not repopulate the cache
	// with its result.
	gen    atomic.Uint64
	relGen atomic.Uint64
}

func newElementCache(size int, ttl time.Duration, relSize int, m *metrics.Metrics) *elementCache {
	c := &elementCache{metrics: m}
	if size > 0 {
		c.vertices = expirable.NewLRU[string, *Vertex](size, nil, ttl)
		c.edges = expirable.NewLRU[string, *Edge](size, nil, ttl)
	}
	if relSize > 0 {
		// lru.New only fails for a non-positive size.
		c.rels, _ = lru.New[relKey, []adjacent](relSize)
	}
	return c
}

func (c *elementCache) vertex(g *Graph, encID []byte) (*Vertex, bool) {
	if c.vertices == nil {
		return nil, false
	}
	v, ok := c.vertices.Get(string(encID))
	c.record("vertex", ok)
	if !ok {
		return nil, false
	}
	return v.cloneFor(g), true
}

func (c *elementCache) edge(g *Graph, encID []byte) (*Edge, bool) {
	if c.edges == nil {
		return nil, false
	}
	e, ok := c.edges.Get(string(encID))
	c.record("edge", ok)
	if !ok {
		return nil, false
	}
	return e.cloneFor(g), true
}

func (c *elementCache) generation() uint64 {
	return c.gen.Load()
}

// store caches a snapshot of el read from the store. It is dropped when an
// eviction happened since gen was taken.
func (c *elementCache) store(el Element, gen uint64) {
	b := el.base()
	if !b.fullyLoaded || b.deleted || c.gen.Load() != gen {
		return
	}
	switch x := el.(type) {
	case *Vertex:
		if c.vertices != nil {
			c.vertices.Add(string(b.encID), x.cloneFor(nil))
		}
	case *Edge:
		if c.edges != nil {
			c.edges.Add(string(b.encID), x.cloneFor(nil))
		}
	}
}

func (c *elementCache) evict(el Element) {
	c.gen.Add(1)
	key := string(el.base().encID)
	switch el.Type() {
	case VertexType:
		if c.vertices != nil {
			c.vertices.Remove(key)
		}
	case EdgeType:
		if c.edges != nil {
			c.edges.Remove(key)
		}
	}
}

func (c *elementCache) relationships(key relKey) ([]adjacent, bool) {
	if c.rels == nil {
		return nil, false
	}
	adj, ok := c.rels.Get(key)
	c.record("relationship", ok)
	return adj, ok
}

func (c *elementCache) relGeneration() uint64 {
	return c.relGen.Load()
}

func (c *elementCache) storeRelationships(key relKey, adj []adjacent, gen uint64) {
	if c.rels != nil && c.relGen.Load() == gen {
		c.rels.Add(key, adj)
	}
}

// evictRelationships drops the adjacency lists an edge appears in.
func (c *elementCache) evictRelationships(outEnc, inEnc []byte, label string) {
	if c.rels == nil {
		return
	}
	c.relGen.Add(1)
	for _, k := range []relKey{
		{string(outEnc), Out, label}, {string(outEnc), Out, ""},
		{string(inEnc), In, label}, {string(inEnc), In, ""},
	} {
		c.rels.Remove(k)
	}
}

func (c *elementCache) purge() {
	if c.vertices != nil {
		c.vertices.Purge()
	}
	if c.edges != nil {
		c.edges.Purge()
	}
	if c.rels != nil {
		c.rels.Purge()
	}
}

func (c *elementCache) record(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.metrics.CacheLookups.WithLabelValues(cache, result).Inc()
}
