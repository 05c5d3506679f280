package graph

import (
	"sort"
	"time"

	"github.com/chentiantai/hgraphdb/pkg/codec"
)

// Element is a vertex or an edge.
//
// Element values returned by a Graph belong to the caller and are not safe
// for concurrent use. Each call to Graph.Vertex or Graph.Edge returns a new
// value; the graph itself never shares a mutable element between callers.
type Element interface {
	ID() any
	Label() string
	Type() ElementType
	CreatedAt() time.Time
	UpdatedAt() time.Time
	// IsFullyLoaded reports whether every property column has been read.
	IsFullyLoaded() bool

	// Property returns the value of key, loading the element if needed.
	Property(key string) (any, bool, error)
	// Properties returns a copy of all properties.
	Properties() (map[string]any, error)
	Keys() ([]string, error)
	SetProperty(key string, value any) error
	RemoveProperty(key string) (any, error)
	// IncrementProperty atomically adds delta to a COUNTER property.
	IncrementProperty(key string, delta int64) (int64, error)
	// Load reads every column of the element.
	Load() error
	Remove() error
	// RemoveStaleIndices drops the reference to the index entry this
	// element was found through, queueing the entry for deletion if it no
	// longer matches and is past the stale expiry.
	RemoveStaleIndices()

	base() *element
	// model is the element store of this variant.
	model() *ElementStore
	// writeToIndexModel writes the index entry of key for the current value.
	writeToIndexModel(key string) error
	// deleteFromIndexModel deletes the index entry of key for value. A
	// non-negative ts only deletes an entry written at or before ts.
	deleteFromIndexModel(key string, value any, ts int64) error
	clone() Element
}

// indexRef remembers the index entry an element was discovered through.
type indexRef struct {
	key   IndexKey
	value []byte // encoded indexed value
	ts    int64
}

type element struct {
	g     *Graph
	id    any
	encID []byte
	label string

	createdAt int64
	updatedAt int64

	props       map[string]any
	fullyLoaded bool
	deleted     bool

	ref *indexRef
}

func newElement(g *Graph, id any, encID []byte, label string) element {
	return element{g: g, id: id, encID: encID, label: label, props: make(map[string]any)}
}

func (e *element) base() *element { return e }

func (e *element) ID() any { return e.id }

func (e *element) Label() string { return e.label }

func (e *element) CreatedAt() time.Time { return time.UnixMilli(e.createdAt) }

func (e *element) UpdatedAt() time.Time { return time.UnixMilli(e.updatedAt) }

func (e *element) IsFullyLoaded() bool { return e.fullyLoaded }

func (e *element) copyFrom(other *element) {
	e.label = other.label
	e.createdAt = other.createdAt
	e.updatedAt = other.updatedAt
	e.fullyLoaded = other.fullyLoaded
	e.props = copyProps(other.props)
}

func (e *element) cloneBase(g *Graph) element {
	c := *e
	c.g = g
	c.props = copyProps(e.props)
	c.ref = nil
	return c
}

func copyProps(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		if b, ok := v.([]byte); ok {
			v = append([]byte(nil), b...)
		}
		out[k] = v
	}
	return out
}

func sortedKeys(props map[string]any) []string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// setIndexRef records the entry el was discovered through.
func setIndexRef(el Element, key IndexKey, encValue []byte, ts int64) {
	el.base().ref = &indexRef{key: key, value: encValue, ts: ts}
}

// property returns the value of key, loading the element when the property
// might exist but has not been read yet.
func property(el Element, key string) (any, bool, error) {
	b := el.base()
	if v, ok := b.props[key]; ok {
		return v, true, nil
	}
	if b.fullyLoaded {
		return nil, false, nil
	}
	if err := el.Load(); err != nil {
		return nil, false, err
	}
	v, ok := b.props[key]
	return v, ok, nil
}

func properties(el Element) (map[string]any, error) {
	b := el.base()
	if !b.fullyLoaded {
		if err := el.Load(); err != nil {
			return nil, err
		}
	}
	return copyProps(b.props), nil
}

func keys(el Element) ([]string, error) {
	b := el.base()
	if !b.fullyLoaded {
		if err := el.Load(); err != nil {
			return nil, err
		}
	}
	return sortedKeys(b.props), nil
}

func load(el Element) error {
	b := el.base()
	fresh, err := el.model().load(b.encID)
	if err != nil {
		return err
	}
	if fresh.el.label != b.label {
		return invalid(el.Type(), b.label, "", "element %v now has label %q", b.id, fresh.el.label)
	}
	b.copyFrom(&fresh.el)
	return nil
}

// writeIndexEntry is the shared body of writeToIndexModel.
func writeIndexEntry(el Element, key string, outID, inID []byte) error {
	b := el.base()
	v, ok, err := property(el, key)
	if err != nil || !ok {
		return err
	}
	return b.g.indexes.writeEntry(el.Type(), b.label, key, v, b.encID, outID, inID)
}

func deleteIndexEntry(el Element, key string, value any, ts int64) error {
	b := el.base()
	enc, err := codec.EncodeValue(value)
	if err != nil {
		return err
	}
	_, err = b.g.indexes.deleteEntry(el.Type(), b.label, key, enc, b.encID, ts)
	return err
}
