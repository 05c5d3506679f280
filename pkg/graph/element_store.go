package graph

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/chentiantai/hgraphdb/pkg/codec"
	"github.com/chentiantai/hgraphdb/pkg/kv"
)

// ElementStore maps elements of one type onto rows of the sorted store.
//
// A row is the set of keys table ‖ salt ‖ encode(id) ‖ qualifier. Hidden
// qualifiers hold the label, timestamps, and edge endpoints; every other
// qualifier is a property key. Writing one column at a time is what lets
// the consistency protocol reason about individual property writes.
type ElementStore struct {
	g   *Graph
	typ ElementType
}

type column struct {
	q string
	v []byte
}

// row is one decoded element row.
type row struct {
	el     element
	outEnc []byte
	inEnc  []byte
}

func (s *ElementStore) rowKey(encID []byte) []byte {
	return codec.RowKey(s.typ.table(), encID)
}

func (s *ElementStore) column(encID []byte, qualifier string) []byte {
	return codec.ColumnKey(s.rowKey(encID), qualifier)
}

func (s *ElementStore) get(encID []byte, qualifier string) ([]byte, bool, error) {
	v, err := s.g.store.Get(s.column(encID, qualifier))
	if errIsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storageErr("read "+s.typ.String()+" column", err)
	}
	return v, true, nil
}

func (s *ElementStore) exists(encID []byte) (bool, error) {
	_, ok, err := s.get(encID, colLabel)
	return ok, err
}

// loadHeader reads identity, label, timestamps, and edge endpoints.
func (s *ElementStore) loadHeader(encID []byte) (*row, error) {
	cols := make(map[string][]byte, 5)
	qualifiers := []string{colLabel, colCreatedAt, colUpdatedAt}
	if s.typ == EdgeType {
		qualifiers = append(qualifiers, colOutV, colInV)
	}
	for _, q := range qualifiers {
		v, ok, err := s.get(encID, q)
		if err != nil {
			return nil, err
		}
		if !ok {
			if q == colLabel {
				return nil, ErrNotFound
			}
			continue
		}
		cols[q] = v
	}
	r, err := s.decodeRow(encID, cols)
	if err != nil {
		return nil, err
	}
	r.el.fullyLoaded = false
	return r, nil
}

// load reads the whole row.
func (s *ElementStore) load(encID []byte) (*row, error) {
	rowKey := s.rowKey(encID)
	cols := make(map[string][]byte)
	err := s.g.store.Scan(context.Background(), kv.PrefixRange(rowKey), func(key, value []byte) error {
		cols[string(key[len(rowKey):])] = value
		return nil
	})
	if err != nil {
		return nil, storageErr("load "+s.typ.String(), err)
	}
	if _, ok := cols[colLabel]; !ok {
		return nil, ErrNotFound
	}
	return s.decodeRow(encID, cols)
}

// loadProperty reads a single property column.
func (s *ElementStore) loadProperty(encID []byte, label, key string) (any, bool, error) {
	raw, ok, err := s.get(encID, key)
	if err != nil || !ok {
		return nil, false, err
	}
	v, err := s.decodeProperty(label, key, raw)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// put writes every column of a new element. The label column goes last so
// a concurrent reader never sees a labelled row without its properties.
func (s *ElementStore) put(el *element, outEnc, inEnc []byte) error {
	ttl := s.g.opts.ttl(s.typ)
	for _, k := range sortedKeys(el.props) {
		raw, err := s.encodeProperty(el.label, k, el.props[k])
		if err != nil {
			return err
		}
		if err := s.g.store.Put(s.column(el.encID, k), raw, ttl); err != nil {
			return storageErr("write property", err)
		}
	}
	header := []column{
		{colCreatedAt, encodeMillis(el.createdAt)},
		{colUpdatedAt, encodeMillis(el.updatedAt)},
	}
	if s.typ == EdgeType {
		header = append(header, column{colOutV, outEnc}, column{colInV, inEnc})
	}
	for _, h := range header {
		if err := s.g.store.Put(s.column(el.encID, h.q), h.v, ttl); err != nil {
			return storageErr("write "+s.typ.String()+" header", err)
		}
	}
	if err := s.g.store.Put(s.column(el.encID, colLabel), []byte(el.label), ttl); err != nil {
		return storageErr("write "+s.typ.String()+" label", err)
	}
	return nil
}

// writeProperty writes one column and stamps the row with at.
func (s *ElementStore) writeProperty(el *element, key string, value any, at int64) error {
	raw, err := s.encodeProperty(el.label, key, value)
	if err != nil {
		return err
	}
	ttl := s.g.opts.ttl(s.typ)
	if err := s.g.store.Put(s.column(el.encID, key), raw, ttl); err != nil {
		return storageErr("write property", err)
	}
	return s.touch(el, at)
}

func (s *ElementStore) clearProperty(el *element, key string, at int64) error {
	if err := s.g.store.Delete(s.column(el.encID, key)); err != nil {
		return storageErr("clear property", err)
	}
	return s.touch(el, at)
}

func (s *ElementStore) increment(el *element, key string, delta, at int64) (int64, error) {
	n, err := s.g.store.Increment(s.column(el.encID, key), delta, s.g.opts.ttl(s.typ))
	if err != nil {
		return 0, storageErr("increment property", err)
	}
	return n, s.touch(el, at)
}

func (s *ElementStore) touch(el *element, at int64) error {
	err := s.g.store.Put(s.column(el.encID, colUpdatedAt), encodeMillis(at), s.g.opts.ttl(s.typ))
	return storageErr("write updated-at", err)
}

// delete removes the label column first, making the element invisible, then
// the rest of the row.
func (s *ElementStore) delete(encID []byte) error {
	if err := s.g.store.Delete(s.column(encID, colLabel)); err != nil {
		return storageErr("delete "+s.typ.String(), err)
	}
	if _, err := s.g.store.DeletePrefix(context.Background(), s.rowKey(encID)); err != nil {
		return storageErr("delete "+s.typ.String()+" columns", err)
	}
	return nil
}

// scanRows visits complete rows in key order. Rows whose label column is
// missing (being written or deleted) are skipped. limit <= 0 is unbounded.
func (s *ElementStore) scanRows(ctx context.Context, r kv.Range, limit int, fn func(*row) error) error {
	var (
		curID []byte
		cols  map[string][]byte
		count int
	)
	flush := func() error {
		if curID == nil {
			return nil
		}
		id := curID
		curID = nil
		if _, ok := cols[colLabel]; !ok {
			return nil
		}
		decoded, err := s.decodeRow(id, cols)
		if err != nil {
			return err
		}
		count++
		if err := fn(decoded); err != nil {
			return err
		}
		if limit > 0 && count >= limit {
			return kv.ErrStopIteration
		}
		return nil
	}

	err := s.g.store.Scan(ctx, r, func(key, value []byte) error {
		encID, qualifier, err := codec.ParseColumnKey(key)
		if err != nil {
			return err
		}
		if curID != nil && !bytes.Equal(curID, encID) {
			if err := flush(); err != nil {
				return err
			}
		}
		if curID == nil {
			curID = encID
			cols = make(map[string][]byte)
		}
		cols[qualifier] = value
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err == kv.ErrStopIteration {
		return nil
	}
	return err
}

func (s *ElementStore) decodeRow(encID []byte, cols map[string][]byte) (*row, error) {
	id, _, err := codec.DecodeID(encID)
	if err != nil {
		return nil, err
	}
	label := string(cols[colLabel])
	r := &row{el: newElement(s.g, id, encID, label)}
	r.el.fullyLoaded = true
	for q, raw := range cols {
		switch q {
		case colLabel:
		case colCreatedAt:
			r.el.createdAt, err = decodeMillis(raw)
		case colUpdatedAt:
			r.el.updatedAt, err = decodeMillis(raw)
		case colOutV:
			r.outEnc = raw
		case colInV:
			r.inEnc = raw
		default:
			if strings.HasPrefix(q, hiddenPrefix) {
				continue
			}
			r.el.props[q], err = s.decodeProperty(label, q, raw)
		}
		if err != nil {
			return nil, fmt.Errorf("decode %s %v column %q: %w", s.typ, id, q, err)
		}
	}
	return r, nil
}

func (s *ElementStore) encodeProperty(label, key string, value any) ([]byte, error) {
	if s.g.schema.isCounter(s.typ, label, key) {
		n, ok := value.(int64)
		if !ok {
			return nil, invalid(s.typ, label, key, "counter needs an integer, got %T", value)
		}
		return codec.EncodeCounter(n), nil
	}
	return codec.EncodeValue(value)
}

func (s *ElementStore) decodeProperty(label, key string, raw []byte) (any, error) {
	if s.g.schema.isCounter(s.typ, label, key) {
		return codec.DecodeCounter(raw)
	}
	return codec.DecodeFull(raw)
}

func encodeMillis(ms int64) []byte {
	b, _ := codec.EncodeValue(ms)
	return b
}

func decodeMillis(raw []byte) (int64, error) {
	v, err := codec.DecodeFull(raw)
	if err != nil {
		return 0, err
	}
	ms, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("%w: timestamp of type %T", codec.ErrCorrupt, v)
	}
	return ms, nil
}
