package graph

import (
	"bytes"
	"context"
	"iter"
	"math"

	"github.com/chentiantai/hgraphdb/pkg/codec"
	"github.com/chentiantai/hgraphdb/pkg/kv"
)

// noTsBound makes deleteEntry unconditional.
const noTsBound int64 = math.MaxInt64

// IndexStore reads and writes index entries.
//
// An entry key is
//
//	0x03 ‖ elementType ‖ label ‖ 0x00 ‖ propertyKey ‖ 0x00 ‖ encode(value) ‖ salt ‖ encode(id)
//
// and its value is the write timestamp, followed for edges by the encoded
// endpoint ids so edge lookups can be answered without reading the edge row.
type IndexStore struct {
	g *Graph
}

// indexHit is one decoded index entry.
type indexHit struct {
	key    []byte
	entry  codec.IndexEntry
	id     any
	ts     int64
	outEnc []byte
	inEnc  []byte
}

func (s *IndexStore) writeEntry(typ ElementType, label, propertyKey string, value any, encID, outEnc, inEnc []byte) error {
	enc, err := codec.EncodeValue(value)
	if err != nil {
		return invalid(typ, label, propertyKey, "%v", err)
	}
	key := codec.IndexEntryKey(byte(typ), label, propertyKey, enc, encID)
	val := codec.IndexEntryValue(s.g.nowMillis(), outEnc, inEnc)
	if err := s.g.store.Put(key, val, s.g.opts.ttl(typ)); err != nil {
		return storageErr("write index entry", err)
	}
	s.g.metrics.IndexEntriesWritten.Inc()
	return nil
}

// deleteEntry removes the entry for (value, element). With ts != noTsBound
// the entry is only removed if it was written at or before ts, so a fresh
// rewrite of the same key survives a late stale cleanup.
func (s *IndexStore) deleteEntry(typ ElementType, label, propertyKey string, encValue, encID []byte, ts int64) (bool, error) {
	key := codec.IndexEntryKey(byte(typ), label, propertyKey, encValue, encID)
	return s.deleteKey(key, ts, "update")
}

func (s *IndexStore) deleteKey(key []byte, ts int64, reason string) (bool, error) {
	if ts == noTsBound {
		if err := s.g.store.Delete(key); err != nil {
			return false, storageErr("delete index entry", err)
		}
		s.g.metrics.IndexEntriesDeleted.WithLabelValues(reason).Inc()
		return true, nil
	}
	deleted, err := s.g.store.DeleteIf(key, func(value []byte) bool {
		written, _, _, err := codec.ParseIndexEntryValue(value)
		return err == nil && written <= ts
	})
	if err != nil {
		return false, storageErr("delete stale index entry", err)
	}
	if deleted {
		s.g.metrics.IndexEntriesDeleted.WithLabelValues(reason).Inc()
	}
	return deleted, nil
}

// scan yields raw entries in [start, end) without checking them against the
// element rows.
func (s *IndexStore) scan(ctx context.Context, start, end []byte) iter.Seq2[indexHit, error] {
	return func(yield func(indexHit, error) bool) {
		err := s.g.store.Scan(ctx, kv.Range{Start: start, End: end}, func(key, value []byte) error {
			hit, err := decodeHit(key, value)
			if err != nil {
				return err
			}
			if !yield(hit, nil) {
				return kv.ErrStopIteration
			}
			return nil
		})
		if err != nil {
			yield(indexHit{}, storageErr("scan index", err))
		}
	}
}

// scanValue yields the entries of one index holding value.
func (s *IndexStore) scanValue(ctx context.Context, key IndexKey, encValue []byte) iter.Seq2[indexHit, error] {
	prefix := codec.IndexValuePrefix(byte(key.Type), key.Label, key.PropertyKey, encValue)
	return s.scan(ctx, prefix, codec.PrefixEnd(prefix))
}

// scanRange yields the entries of one index with from <= value < to. A nil
// bound is open but stays within the type of the other bound.
func (s *IndexStore) scanRange(ctx context.Context, key IndexKey, from, to []byte) iter.Seq2[indexHit, error] {
	prefix := codec.IndexPrefix(byte(key.Type), key.Label, key.PropertyKey)
	start := append(bytes.Clone(prefix), from...)
	end := codec.PrefixEnd(prefix)
	switch {
	case to != nil:
		end = append(bytes.Clone(prefix), to...)
		if from == nil {
			// An open lower bound stops at the first value of to's type.
			start = append(bytes.Clone(prefix), to[0])
		}
	case from != nil:
		end = codec.PrefixEnd(append(bytes.Clone(prefix), from[0]))
	}
	return s.scan(ctx, start, end)
}

// purge removes every entry of an index.
func (s *IndexStore) purge(ctx context.Context, key IndexKey) (int, error) {
	n, err := s.g.store.DeletePrefix(ctx, codec.IndexPrefix(byte(key.Type), key.Label, key.PropertyKey))
	if err != nil {
		return n, storageErr("purge index", err)
	}
	s.g.metrics.IndexEntriesDeleted.WithLabelValues("drop").Add(float64(n))
	return n, nil
}

func decodeHit(key, value []byte) (indexHit, error) {
	entry, err := codec.ParseIndexEntryKey(key)
	if err != nil {
		return indexHit{}, err
	}
	id, _, err := codec.DecodeID(entry.ID)
	if err != nil {
		return indexHit{}, err
	}
	ts, outEnc, inEnc, err := codec.ParseIndexEntryValue(value)
	if err != nil {
		return indexHit{}, err
	}
	return indexHit{key: key, entry: entry, id: id, ts: ts, outEnc: outEnc, inEnc: inEnc}, nil
}
