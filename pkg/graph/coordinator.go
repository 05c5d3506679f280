package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/chentiantai/hgraphdb/pkg/codec"
)

// setProperty runs the write protocol described in the package doc.
func (g *Graph) setProperty(el Element, key string, value any) error {
	if err := g.ensureOpen(); err != nil {
		return err
	}
	b := el.base()
	if b.deleted {
		return ErrNotFound
	}
	value, err := normalizeValue(el.Type(), b.label, key, value)
	if err != nil {
		return err
	}
	if err := g.schema.ValidateProperty(el.Type(), b.label, key, value); err != nil {
		return err
	}

	idx, indexed := g.catalog.Index(OpWrite, el.Type(), b.label, key)
	var (
		old    any
		hadOld bool
	)
	if indexed {
		if old, hadOld, err = property(el, key); err != nil {
			return err
		}
	} else {
		old, hadOld = b.props[key]
	}
	changed := !hadOld || !codec.Equal(old, value)

	if indexed && changed && idx.Unique {
		if err := g.checkUnique(el, idx, value); err != nil {
			return err
		}
	}
	if indexed && hadOld && changed {
		if err := el.deleteFromIndexModel(key, old, noTsBound); err != nil {
			return err
		}
	}

	now := g.nowMillis()
	if err := el.model().writeProperty(b, key, value, now); err != nil {
		g.cache.evict(el)
		return err
	}
	b.props[key] = value
	b.updatedAt = now

	// Rewriting an unchanged value restores an entry lost to an earlier
	// failed write.
	if indexed {
		if err := el.writeToIndexModel(key); err != nil {
			g.cache.evict(el)
			return err
		}
	}
	g.cache.evict(el)
	return nil
}

// removeProperty deletes the index entry before clearing the column and
// returns the removed value, or nil if the key was absent.
func (g *Graph) removeProperty(el Element, key string) (any, error) {
	if err := g.ensureOpen(); err != nil {
		return nil, err
	}
	b := el.base()
	if b.deleted {
		return nil, ErrNotFound
	}
	old, hadOld, err := property(el, key)
	if err != nil || !hadOld {
		return nil, err
	}
	if g.catalog.HasIndex(OpWrite, el.Type(), b.label, key) {
		if err := el.deleteFromIndexModel(key, old, noTsBound); err != nil {
			return nil, err
		}
	}
	now := g.nowMillis()
	if err := el.model().clearProperty(b, key, now); err != nil {
		g.cache.evict(el)
		return nil, err
	}
	delete(b.props, key)
	b.updatedAt = now
	g.cache.evict(el)
	return old, nil
}

// incrementProperty atomically adds delta to a COUNTER column. Counters
// cannot be indexed, so no index maintenance happens.
func (g *Graph) incrementProperty(el Element, key string, delta int64) (int64, error) {
	if err := g.ensureOpen(); err != nil {
		return 0, err
	}
	if !g.opts.UseSchema {
		return 0, ErrNoSchema
	}
	b := el.base()
	if b.deleted {
		return 0, ErrNotFound
	}
	if err := validatePropertyKey(el.Type(), b.label, key); err != nil {
		return 0, err
	}
	t, ok := g.schema.propertyType(el.Type(), b.label, key)
	if !ok {
		return 0, invalid(el.Type(), b.label, key, "property is not declared")
	}
	if t != codec.Counter {
		return 0, invalid(el.Type(), b.label, key, "property is %s, not COUNTER", t)
	}
	if g.catalog.HasIndex(OpWrite, el.Type(), b.label, key) {
		return 0, invalid(el.Type(), b.label, key, "indexed properties cannot be incremented")
	}

	now := g.nowMillis()
	n, err := el.model().increment(b, key, delta, now)
	if err != nil {
		g.cache.evict(el)
		return 0, err
	}
	b.props[key] = n
	b.updatedAt = now
	g.cache.evict(el)
	return n, nil
}

// checkUnique fails when another element live-owns value in a unique index.
// Entries whose element no longer holds the value are ignored and, when past
// expiry, queued for cleanup.
func (g *Graph) checkUnique(el Element, idx IndexMetadata, value any) error {
	enc, err := codec.EncodeValue(value)
	if err != nil {
		return invalid(el.Type(), idx.Label, idx.PropertyKey, "%v", err)
	}
	self := el.base().encID
	for hit, err := range g.indexes.scanValue(context.Background(), idx.IndexKey, enc) {
		if err != nil {
			return err
		}
		if string(hit.entry.ID) == string(self) {
			continue
		}
		live, err := g.liveMatches(idx.IndexKey, hit)
		if err != nil {
			return err
		}
		if live {
			return fmt.Errorf("%w: %s value %v is held by %v", ErrNotUnique, idx.IndexKey, value, hit.id)
		}
		g.staleHit(idx.IndexKey, hit)
	}
	return nil
}

// liveMatches reports whether the element behind an index entry still holds
// the entry's value.
func (g *Graph) liveMatches(key IndexKey, hit indexHit) (bool, error) {
	store := g.vertices
	if key.Type == EdgeType {
		store = g.edges
	}
	label, ok, err := store.get(hit.entry.ID, colLabel)
	if err != nil {
		return false, err
	}
	if !ok || string(label) != key.Label {
		return false, nil
	}
	v, ok, err := store.loadProperty(hit.entry.ID, key.Label, key.PropertyKey)
	if err != nil {
		if errors.Is(err, codec.ErrCorrupt) {
			return false, nil
		}
		return false, err
	}
	if !ok {
		return false, nil
	}
	enc, err := codec.EncodeValue(v)
	if err != nil {
		return false, nil
	}
	return string(enc) == string(hit.entry.Value), nil
}

// staleHit queues an entry found to be stale once it is past expiry.
func (g *Graph) staleHit(key IndexKey, hit indexHit) {
	if g.isPastExpiry(hit.ts) {
		g.cleaner.Enqueue(StaleEntry{Index: key, Key: hit.key, Ts: hit.ts})
	}
}

// removeStaleIndices drops the element's index reference, queueing the
// referenced entry when it turns out to be stale.
func (g *Graph) removeStaleIndices(el Element) {
	b := el.base()
	ref := b.ref
	b.ref = nil
	if ref == nil || ref.key.Type != el.Type() || ref.key.Label != b.label {
		return
	}
	v, ok, err := property(el, ref.key.PropertyKey)
	if err != nil && !errors.Is(err, ErrNotFound) {
		g.log.Warn().Err(err).Str("index", ref.key.String()).Msg("stale index check failed")
		return
	}
	if ok {
		if enc, encErr := codec.EncodeValue(v); encErr == nil && string(enc) == string(ref.value) {
			return
		}
	}
	if g.isPastExpiry(ref.ts) {
		key := codec.IndexEntryKey(byte(ref.key.Type), ref.key.Label, ref.key.PropertyKey, ref.value, b.encID)
		g.cleaner.Enqueue(StaleEntry{Index: ref.key, Key: key, Ts: ref.ts})
	}
}
