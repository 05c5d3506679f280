package graph

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chentiantai/hgraphdb/pkg/codec"
	"github.com/chentiantai/hgraphdb/pkg/kv"
)

// IndexState is the lifecycle state of a secondary index.
//
//	CREATED ──► BUILDING ──► ACTIVE ──► INACTIVE
//	                           │           │
//	                           └──► DROPPED ◄┘
//
// BUILDING and ACTIVE indexes receive entries from online writes; only
// ACTIVE indexes answer reads. DROPPED is terminal.
type IndexState uint8

const (
	StateCreated IndexState = iota + 1
	StateBuilding
	StateActive
	StateInactive
	StateDropped
)

var stateNames = map[IndexState]string{
	StateCreated:  "CREATED",
	StateBuilding: "BUILDING",
	StateActive:   "ACTIVE",
	StateInactive: "INACTIVE",
	StateDropped:  "DROPPED",
}

func (s IndexState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("IndexState(%d)", uint8(s))
}

// ParseIndexState parses a state name such as "ACTIVE".
func ParseIndexState(s string) (IndexState, error) {
	upper := strings.ToUpper(s)
	for st, name := range stateNames {
		if name == upper {
			return st, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown state %q", ErrNotValid, s)
}

var transitions = map[IndexState][]IndexState{
	StateCreated:  {StateBuilding},
	StateBuilding: {StateActive},
	StateActive:   {StateInactive, StateDropped},
	StateInactive: {StateDropped},
}

// CanTransition reports whether s may move to next.
func (s IndexState) CanTransition(next IndexState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Writable reports whether online writes maintain entries in this state.
func (s IndexState) Writable() bool {
	return s == StateBuilding || s == StateActive
}

// Readable reports whether lookups may use the index in this state.
func (s IndexState) Readable() bool {
	return s == StateActive
}

func (s IndexState) usableFor(op OperationType) bool {
	if op == OpRead {
		return s.Readable()
	}
	return s.Writable()
}

// IndexKey identifies an index.
type IndexKey struct {
	Type        ElementType
	Label       string
	PropertyKey string
}

func (k IndexKey) String() string {
	return fmt.Sprintf("%s:%s.%s", k.Type, k.Label, k.PropertyKey)
}

// IndexMetadata describes one index. Two metadata values describe the same
// index when their IndexKey is equal.
type IndexMetadata struct {
	IndexKey
	Unique    bool
	State     IndexState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Equal compares by IndexKey only.
func (m IndexMetadata) Equal(other IndexMetadata) bool {
	return m.IndexKey == other.IndexKey
}

type storedIndexMetadata struct {
	Unique    bool
	State     uint8
	CreatedAt int64
	UpdatedAt int64
}

// IndexCatalog is the registry of index metadata. It is backed by the
// catalog table and mirrored in memory; Refresh reloads the mirror so that
// transitions made by another process become visible.
type IndexCatalog struct {
	store kv.Store
	now   func() time.Time

	mu      sync.RWMutex
	indices map[IndexKey]IndexMetadata
}

func newIndexCatalog(store kv.Store, now func() time.Time) (*IndexCatalog, error) {
	c := &IndexCatalog{store: store, now: now, indices: make(map[IndexKey]IndexMetadata)}
	if err := c.Refresh(context.Background()); err != nil {
		return nil, err
	}
	return c, nil
}

// Refresh reloads every index from the store.
func (c *IndexCatalog) Refresh(ctx context.Context) error {
	loaded := make(map[IndexKey]IndexMetadata)
	err := c.store.Scan(ctx, kv.PrefixRange(codec.TablePrefix(codec.TableCatalog)), func(key, value []byte) error {
		md, err := decodeIndexMetadata(key, value)
		if err != nil {
			return err
		}
		loaded[md.IndexKey] = md
		return nil
	})
	if err != nil {
		return storageErr("load index catalog", err)
	}
	c.mu.Lock()
	c.indices = loaded
	c.mu.Unlock()
	return nil
}

// Create registers a new index in the CREATED state.
func (c *IndexCatalog) Create(key IndexKey, unique bool) (IndexMetadata, error) {
	if err := validateIndexKey(key); err != nil {
		return IndexMetadata{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.indices[key]; ok {
		return existing, fmt.Errorf("%w: %s is %s", ErrIndexExists, key, existing.State)
	}
	now := c.now()
	md := IndexMetadata{IndexKey: key, Unique: unique, State: StateCreated, CreatedAt: now, UpdatedAt: now}
	if err := c.persist(md); err != nil {
		return IndexMetadata{}, err
	}
	c.indices[key] = md
	return md, nil
}

// Get returns the metadata for key.
func (c *IndexCatalog) Get(key IndexKey) (IndexMetadata, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	md, ok := c.indices[key]
	if !ok {
		return IndexMetadata{}, fmt.Errorf("%w: %s", ErrIndexNotFound, key)
	}
	return md, nil
}

// Transition moves an index to state next, enforcing the lifecycle.
func (c *IndexCatalog) Transition(key IndexKey, next IndexState) (IndexMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	md, ok := c.indices[key]
	if !ok {
		return IndexMetadata{}, fmt.Errorf("%w: %s", ErrIndexNotFound, key)
	}
	if !md.State.CanTransition(next) {
		return md, &TransitionError{Index: key, From: md.State, To: next}
	}
	md.State = next
	md.UpdatedAt = c.now()
	if err := c.persist(md); err != nil {
		return IndexMetadata{}, err
	}
	c.indices[key] = md
	return md, nil
}

// Remove deletes the metadata of a DROPPED index.
func (c *IndexCatalog) Remove(key IndexKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	md, ok := c.indices[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrIndexNotFound, key)
	}
	if md.State != StateDropped {
		return &TransitionError{Index: key, From: md.State, To: StateDropped}
	}
	if err := c.store.Delete(codec.CatalogKey(byte(key.Type), key.Label, key.PropertyKey)); err != nil {
		return storageErr("remove index metadata", err)
	}
	delete(c.indices, key)
	return nil
}

// List returns every index ordered by key.
func (c *IndexCatalog) List() []IndexMetadata {
	c.mu.RLock()
	out := make([]IndexMetadata, 0, len(c.indices))
	for _, md := range c.indices {
		out = append(out, md)
	}
	c.mu.RUnlock()
	sortIndices(out)
	return out
}

// HasIndex reports whether an index usable for op exists.
func (c *IndexCatalog) HasIndex(op OperationType, typ ElementType, label, propertyKey string) bool {
	_, ok := c.Index(op, typ, label, propertyKey)
	return ok
}

// Index returns the index on (typ, label, propertyKey) if it is usable for op.
func (c *IndexCatalog) Index(op OperationType, typ ElementType, label, propertyKey string) (IndexMetadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	md, ok := c.indices[IndexKey{Type: typ, Label: label, PropertyKey: propertyKey}]
	if !ok || !md.State.usableFor(op) {
		return IndexMetadata{}, false
	}
	return md, true
}

// Indices returns the indexes on a label usable for op.
func (c *IndexCatalog) Indices(op OperationType, typ ElementType, label string) []IndexMetadata {
	c.mu.RLock()
	var out []IndexMetadata
	for k, md := range c.indices {
		if k.Type == typ && k.Label == label && md.State.usableFor(op) {
			out = append(out, md)
		}
	}
	c.mu.RUnlock()
	sortIndices(out)
	return out
}

func (c *IndexCatalog) persist(md IndexMetadata) error {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(storedIndexMetadata{
		Unique:    md.Unique,
		State:     uint8(md.State),
		CreatedAt: md.CreatedAt.UnixMilli(),
		UpdatedAt: md.UpdatedAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode index metadata: %w", err)
	}
	key := codec.CatalogKey(byte(md.Type), md.Label, md.PropertyKey)
	return storageErr("write index metadata", c.store.Put(key, buf.Bytes(), 0))
}

func decodeIndexMetadata(key, value []byte) (IndexMetadata, error) {
	typ, label, propKey, err := codec.ParseCatalogKey(key)
	if err != nil {
		return IndexMetadata{}, err
	}
	var stored storedIndexMetadata
	if err := gob.NewDecoder(bytes.NewReader(value)).Decode(&stored); err != nil {
		return IndexMetadata{}, fmt.Errorf("decode index metadata %s.%s: %w", label, propKey, err)
	}
	return IndexMetadata{
		IndexKey:  IndexKey{Type: ElementType(typ), Label: label, PropertyKey: propKey},
		Unique:    stored.Unique,
		State:     IndexState(stored.State),
		CreatedAt: time.UnixMilli(stored.CreatedAt),
		UpdatedAt: time.UnixMilli(stored.UpdatedAt),
	}, nil
}

func validateIndexKey(key IndexKey) error {
	if key.Type != VertexType && key.Type != EdgeType {
		return invalid(key.Type, key.Label, key.PropertyKey, "unknown element type")
	}
	if err := validateLabel(key.Type, key.Label); err != nil {
		return err
	}
	return validatePropertyKey(key.Type, key.Label, key.PropertyKey)
}

func sortIndices(list []IndexMetadata) {
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i].IndexKey, list[j].IndexKey
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.Label != b.Label {
			return a.Label < b.Label
		}
		return a.PropertyKey < b.PropertyKey
	})
}

// errIsNotFound reports whether err means a missing key in the store.
func errIsNotFound(err error) bool {
	return errors.Is(err, kv.ErrKeyNotFound)
}
