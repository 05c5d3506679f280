package graph

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chentiantai/hgraphdb/pkg/codec"
	"github.com/chentiantai/hgraphdb/pkg/kv"
)

// LabelMetadata declares a label, the type of its element ids, and the
// types of its properties.
type LabelMetadata struct {
	Type       ElementType
	Label      string
	IDType     codec.ValueType
	Properties map[string]codec.ValueType
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// LabelConnection allows edges labelled EdgeLabel from OutLabel vertices to
// InLabel vertices.
type LabelConnection struct {
	OutLabel  string
	EdgeLabel string
	InLabel   string
	CreatedAt time.Time
}

type labelKey struct {
	typ   ElementType
	label string
}

type connectionKey struct {
	out, edge, in string
}

type storedLabel struct {
	IDType     uint8
	Properties map[string]uint8
	CreatedAt  int64
	UpdatedAt  int64
}

// Schema validates elements against declared labels when UseSchema is set.
// Declarations are persisted and mirrored in memory.
type Schema struct {
	store   kv.Store
	enabled bool
	now     func() time.Time

	mu          sync.RWMutex
	labels      map[labelKey]LabelMetadata
	connections map[connectionKey]LabelConnection
}

func newSchema(store kv.Store, enabled bool, now func() time.Time) (*Schema, error) {
	s := &Schema{
		store:       store,
		enabled:     enabled,
		now:         now,
		labels:      make(map[labelKey]LabelMetadata),
		connections: make(map[connectionKey]LabelConnection),
	}
	if err := s.refresh(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Schema) refresh(ctx context.Context) error {
	labels := make(map[labelKey]LabelMetadata)
	err := s.store.Scan(ctx, kv.PrefixRange(codec.TablePrefix(codec.TableLabel)), func(key, value []byte) error {
		if len(key) < 2 {
			return codec.ErrCorrupt
		}
		var stored storedLabel
		if err := gob.NewDecoder(bytes.NewReader(value)).Decode(&stored); err != nil {
			return fmt.Errorf("decode label %q: %w", key[2:], err)
		}
		md := LabelMetadata{
			Type:       ElementType(key[1]),
			Label:      string(key[2:]),
			IDType:     codec.ValueType(stored.IDType),
			Properties: make(map[string]codec.ValueType, len(stored.Properties)),
			CreatedAt:  time.UnixMilli(stored.CreatedAt),
			UpdatedAt:  time.UnixMilli(stored.UpdatedAt),
		}
		for k, t := range stored.Properties {
			md.Properties[k] = codec.ValueType(t)
		}
		labels[labelKey{md.Type, md.Label}] = md
		return nil
	})
	if err != nil {
		return storageErr("load labels", err)
	}

	connections := make(map[connectionKey]LabelConnection)
	err = s.store.Scan(ctx, kv.PrefixRange(codec.TablePrefix(codec.TableConnection)), func(key, value []byte) error {
		out, edge, in, err := codec.ParseConnectionKey(key)
		if err != nil {
			return err
		}
		created, err := decodeMillis(value)
		if err != nil {
			return err
		}
		connections[connectionKey{out, edge, in}] = LabelConnection{
			OutLabel: out, EdgeLabel: edge, InLabel: in, CreatedAt: time.UnixMilli(created),
		}
		return nil
	})
	if err != nil {
		return storageErr("load label connections", err)
	}

	s.mu.Lock()
	s.labels = labels
	s.connections = connections
	s.mu.Unlock()
	return nil
}

func (s *Schema) requireEnabled() error {
	if !s.enabled {
		return ErrNoSchema
	}
	return nil
}

// CreateLabel declares a label. Declaring an existing label fails.
func (s *Schema) CreateLabel(typ ElementType, label string, idType codec.ValueType, props map[string]codec.ValueType) (LabelMetadata, error) {
	if err := s.requireEnabled(); err != nil {
		return LabelMetadata{}, err
	}
	if err := validateLabel(typ, label); err != nil {
		return LabelMetadata{}, err
	}
	if idType != codec.String && idType != codec.Long && idType != codec.Any {
		return LabelMetadata{}, invalid(typ, label, "", "id type %s is not STRING, LONG, or ANY", idType)
	}
	for k := range props {
		if err := validatePropertyKey(typ, label, k); err != nil {
			return LabelMetadata{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	lk := labelKey{typ, label}
	if _, ok := s.labels[lk]; ok {
		return LabelMetadata{}, invalid(typ, label, "", "label already exists")
	}
	now := s.now()
	md := LabelMetadata{Type: typ, Label: label, IDType: idType, Properties: make(map[string]codec.ValueType), CreatedAt: now, UpdatedAt: now}
	for k, t := range props {
		md.Properties[k] = t
	}
	if err := s.persistLabel(md); err != nil {
		return LabelMetadata{}, err
	}
	s.labels[lk] = md
	return md, nil
}

// UpdateLabel adds property declarations to an existing label. Redeclaring a
// key with a different type fails.
func (s *Schema) UpdateLabel(typ ElementType, label string, props map[string]codec.ValueType) (LabelMetadata, error) {
	if err := s.requireEnabled(); err != nil {
		return LabelMetadata{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lk := labelKey{typ, label}
	md, ok := s.labels[lk]
	if !ok {
		return LabelMetadata{}, invalid(typ, label, "", "label does not exist")
	}
	updated := md
	updated.Properties = make(map[string]codec.ValueType, len(md.Properties)+len(props))
	for k, t := range md.Properties {
		updated.Properties[k] = t
	}
	for k, t := range props {
		if err := validatePropertyKey(typ, label, k); err != nil {
			return LabelMetadata{}, err
		}
		if old, ok := md.Properties[k]; ok && old != t {
			return LabelMetadata{}, invalid(typ, label, k, "already declared as %s", old)
		}
		updated.Properties[k] = t
	}
	updated.UpdatedAt = s.now()
	if err := s.persistLabel(updated); err != nil {
		return LabelMetadata{}, err
	}
	s.labels[lk] = updated
	return updated, nil
}

// Label returns the declaration of a label.
func (s *Schema) Label(typ ElementType, label string) (LabelMetadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	md, ok := s.labels[labelKey{typ, label}]
	return md, ok
}

// Labels returns every declared label of a type ordered by name.
func (s *Schema) Labels(typ ElementType) []LabelMetadata {
	s.mu.RLock()
	var out []LabelMetadata
	for k, md := range s.labels {
		if k.typ == typ {
			out = append(out, md)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

// ConnectLabels allows edgeLabel edges from outLabel to inLabel vertices.
func (s *Schema) ConnectLabels(outLabel, edgeLabel, inLabel string) (LabelConnection, error) {
	if err := s.requireEnabled(); err != nil {
		return LabelConnection{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range []labelKey{{VertexType, outLabel}, {EdgeType, edgeLabel}, {VertexType, inLabel}} {
		if _, ok := s.labels[l]; !ok {
			return LabelConnection{}, invalid(l.typ, l.label, "", "label does not exist")
		}
	}
	ck := connectionKey{outLabel, edgeLabel, inLabel}
	if c, ok := s.connections[ck]; ok {
		return c, nil
	}
	c := LabelConnection{OutLabel: outLabel, EdgeLabel: edgeLabel, InLabel: inLabel, CreatedAt: s.now()}
	err := s.store.Put(codec.ConnectionKey(outLabel, edgeLabel, inLabel), encodeMillis(c.CreatedAt.UnixMilli()), 0)
	if err != nil {
		return LabelConnection{}, storageErr("write label connection", err)
	}
	s.connections[ck] = c
	return c, nil
}

// DisconnectLabels removes a connection.
func (s *Schema) DisconnectLabels(outLabel, edgeLabel, inLabel string) error {
	if err := s.requireEnabled(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Delete(codec.ConnectionKey(outLabel, edgeLabel, inLabel)); err != nil {
		return storageErr("delete label connection", err)
	}
	delete(s.connections, connectionKey{outLabel, edgeLabel, inLabel})
	return nil
}

// Connections returns every declared connection.
func (s *Schema) Connections() []LabelConnection {
	s.mu.RLock()
	out := make([]LabelConnection, 0, len(s.connections))
	for _, c := range s.connections {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.OutLabel != b.OutLabel {
			return a.OutLabel < b.OutLabel
		}
		if a.EdgeLabel != b.EdgeLabel {
			return a.EdgeLabel < b.EdgeLabel
		}
		return a.InLabel < b.InLabel
	})
	return out
}

// ValidateProperty checks that key is declared on label and value matches
// its type. It is a no-op when the schema is disabled.
func (s *Schema) ValidateProperty(typ ElementType, label, key string, value any) error {
	if !s.enabled {
		return nil
	}
	md, ok := s.Label(typ, label)
	if !ok {
		return invalid(typ, label, key, "label does not exist")
	}
	return checkProperty(md, key, value)
}

// validateElement checks the label, id, and every property of a new element.
func (s *Schema) validateElement(typ ElementType, label string, id any, props map[string]any) error {
	if !s.enabled {
		return nil
	}
	md, ok := s.Label(typ, label)
	if !ok {
		return invalid(typ, label, "", "label does not exist")
	}
	if md.IDType != codec.Any && codec.TypeOf(id) != md.IDType {
		return invalid(typ, label, "", "id %v is %s, label requires %s", id, codec.TypeOf(id), md.IDType)
	}
	for k, v := range props {
		if err := checkProperty(md, k, v); err != nil {
			return err
		}
	}
	return nil
}

// validateConnection checks that an edge label may join the two vertex
// labels.
func (s *Schema) validateConnection(outLabel, edgeLabel, inLabel string) error {
	if !s.enabled {
		return nil
	}
	s.mu.RLock()
	_, ok := s.connections[connectionKey{outLabel, edgeLabel, inLabel}]
	s.mu.RUnlock()
	if !ok {
		return invalid(EdgeType, edgeLabel, "", "no connection from %q to %q", outLabel, inLabel)
	}
	return nil
}

func (s *Schema) propertyType(typ ElementType, label, key string) (codec.ValueType, bool) {
	if !s.enabled {
		return codec.Any, false
	}
	md, ok := s.Label(typ, label)
	if !ok {
		return codec.Any, false
	}
	t, ok := md.Properties[key]
	return t, ok
}

func (s *Schema) isCounter(typ ElementType, label, key string) bool {
	t, ok := s.propertyType(typ, label, key)
	return ok && t == codec.Counter
}

func (s *Schema) persistLabel(md LabelMetadata) error {
	stored := storedLabel{
		IDType:     uint8(md.IDType),
		Properties: make(map[string]uint8, len(md.Properties)),
		CreatedAt:  md.CreatedAt.UnixMilli(),
		UpdatedAt:  md.UpdatedAt.UnixMilli(),
	}
	for k, t := range md.Properties {
		stored.Properties[k] = uint8(t)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(stored); err != nil {
		return fmt.Errorf("encode label %q: %w", md.Label, err)
	}
	return storageErr("write label", s.store.Put(codec.LabelKey(byte(md.Type), md.Label), buf.Bytes(), 0))
}

func checkProperty(md LabelMetadata, key string, value any) error {
	declared, ok := md.Properties[key]
	if !ok {
		return invalid(md.Type, md.Label, key, "property is not declared")
	}
	actual := codec.TypeOf(value)
	switch declared {
	case codec.Any:
		return nil
	case codec.Counter:
		if actual == codec.Long {
			return nil
		}
	default:
		if actual == declared {
			return nil
		}
	}
	return invalid(md.Type, md.Label, key, "value %v is %s, expected %s", value, actual, declared)
}
