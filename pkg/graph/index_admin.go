package graph

import (
	"context"

	"github.com/chentiantai/hgraphdb/pkg/codec"
	"github.com/chentiantai/hgraphdb/pkg/logging"
)

// IndexOption configures CreateIndex.
type IndexOption func(*indexConfig)

type indexConfig struct {
	unique     bool
	populate   bool
	population PopulationOptions
}

// WithUnique makes the index reject two live elements with the same value.
func WithUnique() IndexOption {
	return func(c *indexConfig) { c.unique = true }
}

// WithPopulate builds the index synchronously so it is ACTIVE on return.
func WithPopulate() IndexOption {
	return func(c *indexConfig) { c.populate = true }
}

// WithPopulation builds the index synchronously with the given options.
func WithPopulation(opts PopulationOptions) IndexOption {
	return func(c *indexConfig) {
		c.populate = true
		c.population = opts
	}
}

// CreateIndex registers an index on (typ, label, propertyKey). Without
// WithPopulate the index stays CREATED until a population job runs.
func (g *Graph) CreateIndex(ctx context.Context, typ ElementType, label, propertyKey string, opts ...IndexOption) (IndexMetadata, error) {
	if err := g.ensureOpen(); err != nil {
		return IndexMetadata{}, err
	}
	cfg := indexConfig{population: DefaultPopulationOptions()}
	for _, opt := range opts {
		opt(&cfg)
	}
	key := IndexKey{Type: typ, Label: label, PropertyKey: propertyKey}
	if g.schema.isCounter(typ, label, propertyKey) {
		return IndexMetadata{}, invalid(typ, label, propertyKey, "COUNTER properties cannot be indexed")
	}
	md, err := g.catalog.Create(key, cfg.unique)
	if err != nil {
		return md, err
	}
	g.log.Info().Str("index", key.String()).Bool("unique", cfg.unique).Msg("index created")
	if !cfg.populate {
		return md, nil
	}
	if _, err := g.NewPopulationJob(key, cfg.population).Run(ctx); err != nil {
		return md, err
	}
	return g.catalog.Get(key)
}

// Index returns the metadata of one index.
func (g *Graph) Index(typ ElementType, label, propertyKey string) (IndexMetadata, error) {
	return g.catalog.Get(IndexKey{Type: typ, Label: label, PropertyKey: propertyKey})
}

// Indices returns every index.
func (g *Graph) Indices() []IndexMetadata {
	return g.catalog.List()
}

// DeactivateIndex moves an ACTIVE index to INACTIVE. Writes stop
// maintaining it and reads stop using it.
func (g *Graph) DeactivateIndex(key IndexKey) (IndexMetadata, error) {
	if err := g.ensureOpen(); err != nil {
		return IndexMetadata{}, err
	}
	md, err := g.catalog.Transition(key, StateInactive)
	if err == nil {
		g.log.Info().Str("index", key.String()).Msg("index deactivated")
	}
	return md, err
}

// DropIndex moves an index to DROPPED, deletes its entries, and removes its
// metadata. Only ACTIVE and INACTIVE indexes can be dropped.
func (g *Graph) DropIndex(ctx context.Context, key IndexKey) error {
	if err := g.ensureOpen(); err != nil {
		return err
	}
	md, err := g.catalog.Get(key)
	if err != nil {
		return err
	}
	if md.State != StateDropped {
		if _, err := g.catalog.Transition(key, StateDropped); err != nil {
			return err
		}
	}
	n, err := g.indexes.purge(ctx, key)
	if err != nil {
		return err
	}
	if err := g.catalog.Remove(key); err != nil {
		return err
	}
	g.log.Info().Str("index", key.String()).Int("entries", n).Msg("index dropped")
	return nil
}

// RefreshIndices reloads the index catalog from the store.
func (g *Graph) RefreshIndices(ctx context.Context) error {
	return g.catalog.Refresh(ctx)
}

// SweepStats reports the outcome of SweepIndex.
type SweepStats struct {
	Scanned int
	Stale   int
	Removed int
	// Young counts stale entries left alone because they are not yet
	// past the expiry window.
	Young int
}

// SweepIndex scans every entry of an index and deletes entries whose
// element is gone or no longer holds the value, once they are past expiry.
func (g *Graph) SweepIndex(ctx context.Context, key IndexKey) (SweepStats, error) {
	var stats SweepStats
	if err := g.ensureOpen(); err != nil {
		return stats, err
	}
	if _, err := g.catalog.Get(key); err != nil {
		return stats, err
	}
	log := logging.Component(g.log, "sweep")
	for hit, err := range g.indexes.scanRange(ctx, key, nil, nil) {
		if err != nil {
			return stats, err
		}
		stats.Scanned++
		live, err := g.liveMatches(key, hit)
		if err != nil {
			return stats, err
		}
		if live {
			continue
		}
		stats.Stale++
		if !g.isPastExpiry(hit.ts) {
			stats.Young++
			continue
		}
		deleted, err := g.indexes.deleteKey(hit.key, hit.ts, "sweep")
		if err != nil {
			return stats, err
		}
		if deleted {
			stats.Removed++
		}
	}
	log.Info().Str("index", key.String()).Int("scanned", stats.Scanned).Int("removed", stats.Removed).Msg("index sweep finished")
	return stats, nil
}

// CreateLabel declares a label in the schema.
func (g *Graph) CreateLabel(typ ElementType, label string, idType codec.ValueType, props map[string]codec.ValueType) (LabelMetadata, error) {
	if err := g.ensureOpen(); err != nil {
		return LabelMetadata{}, err
	}
	return g.schema.CreateLabel(typ, label, idType, props)
}

// UpdateLabel adds property declarations to a label.
func (g *Graph) UpdateLabel(typ ElementType, label string, props map[string]codec.ValueType) (LabelMetadata, error) {
	if err := g.ensureOpen(); err != nil {
		return LabelMetadata{}, err
	}
	return g.schema.UpdateLabel(typ, label, props)
}

// ConnectLabels allows edgeLabel edges from outLabel to inLabel vertices.
func (g *Graph) ConnectLabels(outLabel, edgeLabel, inLabel string) (LabelConnection, error) {
	if err := g.ensureOpen(); err != nil {
		return LabelConnection{}, err
	}
	return g.schema.ConnectLabels(outLabel, edgeLabel, inLabel)
}
