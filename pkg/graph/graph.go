// Package graph stores property graphs on a sorted key-value store and keeps
// secondary indexes consistent with them without multi-row transactions.
//
// # Write protocol
//
// Every property write on an indexed key runs as
//
//  1. validate the value (and schema, when enabled)
//  2. read the current value
//  3. delete the index entry of the old value, if it differs
//  4. write the property column and updated-at
//  5. write the index entry of the new value
//
// Because step 3 precedes step 4, a failure between steps leaves either a
// missing entry (the element is temporarily not findable through the index)
// or, under concurrent writers, an entry for a value the element no longer
// has. Lookups always check candidates against the element row, so stale
// entries are never returned; those older than Options.StaleIndexExpiry are
// queued on the StaleIndexCleaner and removed in the background.
//
// # Index lifecycle
//
// Indexes move CREATED → BUILDING → ACTIVE (→ INACTIVE) → DROPPED. Writes
// maintain BUILDING and ACTIVE indexes so that a population job scanning
// existing data in parallel never misses an element written during the
// build. Reads use ACTIVE indexes only.
//
// Example:
//
//	g, err := graph.Open(kv.BadgerOptions{DataDir: "./data"}, graph.DefaultOptions())
//	if err != nil {
//		return err
//	}
//	defer g.Close()
//
//	_, err = g.CreateIndex(ctx, graph.VertexType, "person", "email", graph.WithUnique(), graph.WithPopulate())
//	v, err := g.AddVertex("person", nil, map[string]any{"email": "ada@example.com"})
//	for p, err := range g.VerticesByLabel(ctx, "person", "email", "ada@example.com") {
//		...
//	}
package graph

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/chentiantai/hgraphdb/pkg/kv"
	"github.com/chentiantai/hgraphdb/pkg/logging"
	"github.com/chentiantai/hgraphdb/pkg/metrics"
)

// Graph is a handle on one graph. It is safe for concurrent use.
type Graph struct {
	opts      Options
	store     kv.Store
	ownsStore bool
	log       zerolog.Logger
	metrics   *metrics.Metrics

	catalog  *IndexCatalog
	schema   *Schema
	vertices *ElementStore
	edges    *ElementStore
	indexes  *IndexStore
	cache    *elementCache
	cleaner  *StaleIndexCleaner

	closed        atomic.Bool
	cancelRefresh context.CancelFunc
	refreshWG     sync.WaitGroup
}

// New creates a Graph on an open store. Close does not close the store.
func New(store kv.Store, opts Options) (*Graph, error) {
	opts.setDefaults()
	g := &Graph{
		opts:    opts,
		store:   store,
		log:     opts.Logger,
		metrics: opts.Metrics,
	}
	g.vertices = &ElementStore{g: g, typ: VertexType}
	g.edges = &ElementStore{g: g, typ: EdgeType}
	g.indexes = &IndexStore{g: g}
	g.cache = newElementCache(opts.ElementCacheMaxSize, opts.ElementCacheTTL, opts.RelationshipCacheMaxSize, opts.Metrics)

	var err error
	if g.catalog, err = newIndexCatalog(store, opts.Clock); err != nil {
		return nil, err
	}
	if g.schema, err = newSchema(store, opts.UseSchema, opts.Clock); err != nil {
		return nil, err
	}
	g.cleaner = newStaleIndexCleaner(g, opts.CleanerWorkers, opts.CleanerRate, opts.CleanerBurst)

	if opts.IndexRefreshInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		g.cancelRefresh = cancel
		g.refreshWG.Add(1)
		go g.refreshLoop(ctx, opts.IndexRefreshInterval)
	}
	return g, nil
}

// Open opens a Badger store and a Graph on it. Close closes both.
func Open(badgerOpts kv.BadgerOptions, opts Options) (*Graph, error) {
	if badgerOpts.Logger == nil {
		badgerOpts.Logger = logging.NewBadgerLogger(opts.Logger)
	}
	store, err := kv.NewBadgerStoreWithOptions(badgerOpts)
	if err != nil {
		return nil, storageErr("open store", err)
	}
	g, err := New(store, opts)
	if err != nil {
		store.Close()
		return nil, err
	}
	g.ownsStore = true
	return g, nil
}

// Close stops background work. Queued stale-index cleanups are discarded.
func (g *Graph) Close() error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}
	if g.cancelRefresh != nil {
		g.cancelRefresh()
		g.refreshWG.Wait()
	}
	g.cleaner.Close()
	g.cache.purge()
	if g.ownsStore {
		return g.store.Close()
	}
	return nil
}

func (g *Graph) ensureOpen() error {
	if g.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Store returns the underlying key-value store.
func (g *Graph) Store() kv.Store { return g.store }

// Catalog returns the index catalog.
func (g *Graph) Catalog() *IndexCatalog { return g.catalog }

// Schema returns the schema registry.
func (g *Graph) Schema() *Schema { return g.schema }

// Cleaner returns the stale index cleaner.
func (g *Graph) Cleaner() *StaleIndexCleaner { return g.cleaner }

// Metrics returns the graph's Prometheus collectors.
func (g *Graph) Metrics() *metrics.Metrics { return g.metrics }

func (g *Graph) nowMillis() int64 {
	return g.opts.Clock().UnixMilli()
}

// isPastExpiry reports whether an entry written at ts is old enough to be
// treated as stale rather than as a write still in flight.
func (g *Graph) isPastExpiry(ts int64) bool {
	return ts+g.opts.StaleIndexExpiry.Milliseconds() < g.nowMillis()
}

func (g *Graph) refreshLoop(ctx context.Context, every time.Duration) {
	defer g.refreshWG.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.catalog.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
				g.log.Warn().Err(err).Msg("index catalog refresh failed")
			}
			if err := g.schema.refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
				g.log.Warn().Err(err).Msg("schema refresh failed")
			}
		}
	}
}
