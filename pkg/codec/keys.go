package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Table is the single-byte prefix that separates logical tables inside one
// sorted keyspace.
type Table byte

const (
	TableVertex      Table = 0x01 // vertex columns: salt + id + qualifier
	TableEdge        Table = 0x02 // edge columns: salt + id + qualifier
	TableIndex       Table = 0x03 // index entries
	TableAdjacency   Table = 0x04 // vertex -> edge adjacency
	TableCatalog     Table = 0x05 // index metadata
	TableLabel       Table = 0x06 // schema label metadata
	TableConnection  Table = 0x07 // schema label connections
	separator        byte  = 0x00
	indexTsSize            = 8
	saltSize               = 1
	tableSize              = 1
	elementTypeSize        = 1
)

// ErrInvalidName is returned for labels and property keys that cannot be
// embedded in a composite key.
var ErrInvalidName = errors.New("codec: invalid name")

// ValidateName checks that s is non-empty and has no separator bytes.
func ValidateName(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if bytes.IndexByte([]byte(s), separator) >= 0 {
		return fmt.Errorf("%w: %q contains a NUL byte", ErrInvalidName, s)
	}
	return nil
}

// NormalizeID converts an element id to string or int64.
func NormalizeID(id any) (any, error) {
	n, err := Normalize(id)
	if err != nil {
		return nil, err
	}
	switch x := n.(type) {
	case string:
		return x, nil
	case int64:
		return x, nil
	case int32:
		return int64(x), nil
	}
	return nil, fmt.Errorf("%w: id of type %T", ErrUnsupportedType, id)
}

// EncodeID encodes an element id. Only string and integer ids are allowed.
func EncodeID(id any) ([]byte, error) {
	n, err := NormalizeID(id)
	if err != nil {
		return nil, err
	}
	return EncodeValue(n)
}

// DecodeID decodes an encoded id from the start of b.
func DecodeID(b []byte) (any, int, error) {
	v, n, err := DecodeValue(b)
	if err != nil {
		return nil, 0, err
	}
	switch v.(type) {
	case string, int64:
		return v, n, nil
	}
	return nil, 0, fmt.Errorf("%w: id of type %T", ErrCorrupt, v)
}

// Salt returns the one-byte salt for an encoded id. Salting spreads
// monotonically increasing ids across the keyspace.
func Salt(encodedID []byte) byte {
	return byte(xxhash.Sum64(encodedID))
}

// TablePrefix returns the prefix covering a whole table.
func TablePrefix(t Table) []byte {
	return []byte{byte(t)}
}

// SaltPrefix returns the prefix covering one salt bucket of a table.
func SaltPrefix(t Table, salt byte) []byte {
	return []byte{byte(t), salt}
}

// RowKey builds table + salt + encodedID.
func RowKey(t Table, encodedID []byte) []byte {
	key := make([]byte, 0, tableSize+saltSize+len(encodedID)+8)
	key = append(key, byte(t), Salt(encodedID))
	return append(key, encodedID...)
}

// ColumnKey appends a column qualifier to a row key.
func ColumnKey(row []byte, qualifier string) []byte {
	key := make([]byte, 0, len(row)+len(qualifier))
	key = append(key, row...)
	return append(key, qualifier...)
}

// ParseColumnKey splits an element column key into its encoded id and
// qualifier.
func ParseColumnKey(key []byte) (encodedID []byte, qualifier string, err error) {
	if len(key) < tableSize+saltSize+1 {
		return nil, "", fmt.Errorf("%w: short column key", ErrCorrupt)
	}
	body := key[tableSize+saltSize:]
	_, n, err := DecodeID(body)
	if err != nil {
		return nil, "", err
	}
	return body[:n], string(body[n:]), nil
}

// IndexPrefix covers every entry of one index.
func IndexPrefix(elementType byte, label, propertyKey string) []byte {
	key := make([]byte, 0, 4+len(label)+len(propertyKey))
	key = append(key, byte(TableIndex), elementType)
	key = append(key, label...)
	key = append(key, separator)
	key = append(key, propertyKey...)
	return append(key, separator)
}

// IndexValuePrefix covers every entry of one index that holds encodedValue.
func IndexValuePrefix(elementType byte, label, propertyKey string, encodedValue []byte) []byte {
	return append(IndexPrefix(elementType, label, propertyKey), encodedValue...)
}

// IndexEntryKey builds the full key of an index entry.
func IndexEntryKey(elementType byte, label, propertyKey string, encodedValue, encodedID []byte) []byte {
	key := IndexValuePrefix(elementType, label, propertyKey, encodedValue)
	key = append(key, Salt(encodedID))
	return append(key, encodedID...)
}

// IndexEntry is a parsed index entry key.
type IndexEntry struct {
	ElementType byte
	Label       string
	PropertyKey string
	Value       []byte // encoded property value
	ID          []byte // encoded element id
}

// ParseIndexEntryKey parses a key built by IndexEntryKey.
func ParseIndexEntryKey(key []byte) (IndexEntry, error) {
	var e IndexEntry
	if len(key) < tableSize+elementTypeSize || key[0] != byte(TableIndex) {
		return e, fmt.Errorf("%w: not an index key", ErrCorrupt)
	}
	e.ElementType = key[1]
	rest := key[2:]
	i := bytes.IndexByte(rest, separator)
	if i < 0 {
		return e, fmt.Errorf("%w: missing label separator", ErrCorrupt)
	}
	e.Label = string(rest[:i])
	rest = rest[i+1:]
	i = bytes.IndexByte(rest, separator)
	if i < 0 {
		return e, fmt.Errorf("%w: missing key separator", ErrCorrupt)
	}
	e.PropertyKey = string(rest[:i])
	rest = rest[i+1:]
	_, n, err := DecodeValue(rest)
	if err != nil {
		return e, err
	}
	e.Value = rest[:n]
	rest = rest[n:]
	if len(rest) < saltSize+1 {
		return e, fmt.Errorf("%w: missing element id", ErrCorrupt)
	}
	e.ID = rest[saltSize:]
	if _, _, err := DecodeID(e.ID); err != nil {
		return e, err
	}
	return e, nil
}

// IndexEntryValue encodes the value stored under an index entry: the write
// timestamp, followed for edges by the encoded endpoint ids.
func IndexEntryValue(indexTs int64, outID, inID []byte) []byte {
	v := make([]byte, 0, indexTsSize+len(outID)+len(inID))
	v = binary.BigEndian.AppendUint64(v, uint64(indexTs))
	v = append(v, outID...)
	return append(v, inID...)
}

// ParseIndexEntryValue is the inverse of IndexEntryValue. outID and inID are
// nil for vertex entries.
func ParseIndexEntryValue(v []byte) (indexTs int64, outID, inID []byte, err error) {
	if len(v) < indexTsSize {
		return 0, nil, nil, fmt.Errorf("%w: short index value", ErrCorrupt)
	}
	indexTs = int64(binary.BigEndian.Uint64(v))
	rest := v[indexTsSize:]
	if len(rest) == 0 {
		return indexTs, nil, nil, nil
	}
	_, n, err := DecodeID(rest)
	if err != nil {
		return 0, nil, nil, err
	}
	outID, rest = rest[:n], rest[n:]
	if _, _, err := DecodeID(rest); err != nil {
		return 0, nil, nil, err
	}
	return indexTs, outID, rest, nil
}

// AdjacencyPrefix covers the adjacency rows of one vertex. dir and label
// narrow the range when non-zero/non-empty; label requires dir.
func AdjacencyPrefix(encodedVertexID []byte, dir byte, label string) []byte {
	key := make([]byte, 0, 3+len(encodedVertexID)+len(label))
	key = append(key, byte(TableAdjacency), Salt(encodedVertexID))
	key = append(key, encodedVertexID...)
	if dir == 0 {
		return key
	}
	key = append(key, dir)
	if label == "" {
		return key
	}
	key = append(key, label...)
	return append(key, separator)
}

// AdjacencyKey builds the adjacency row linking a vertex to one of its edges.
func AdjacencyKey(encodedVertexID []byte, dir byte, label string, encodedEdgeID []byte) []byte {
	return append(AdjacencyPrefix(encodedVertexID, dir, label), encodedEdgeID...)
}

// Adjacency is a parsed adjacency key.
type Adjacency struct {
	VertexID  []byte
	Direction byte
	Label     string
	EdgeID    []byte
}

// ParseAdjacencyKey parses a key built by AdjacencyKey.
func ParseAdjacencyKey(key []byte) (Adjacency, error) {
	var a Adjacency
	if len(key) < tableSize+saltSize+1 || key[0] != byte(TableAdjacency) {
		return a, fmt.Errorf("%w: not an adjacency key", ErrCorrupt)
	}
	rest := key[tableSize+saltSize:]
	_, n, err := DecodeID(rest)
	if err != nil {
		return a, err
	}
	a.VertexID, rest = rest[:n], rest[n:]
	if len(rest) < 2 {
		return a, fmt.Errorf("%w: short adjacency key", ErrCorrupt)
	}
	a.Direction, rest = rest[0], rest[1:]
	i := bytes.IndexByte(rest, separator)
	if i < 0 {
		return a, fmt.Errorf("%w: missing label separator", ErrCorrupt)
	}
	a.Label, a.EdgeID = string(rest[:i]), rest[i+1:]
	if _, _, err := DecodeID(a.EdgeID); err != nil {
		return a, err
	}
	return a, nil
}

// CatalogKey is the metadata row of one index.
func CatalogKey(elementType byte, label, propertyKey string) []byte {
	key := make([]byte, 0, 3+len(label)+len(propertyKey))
	key = append(key, byte(TableCatalog), elementType)
	key = append(key, label...)
	key = append(key, separator)
	return append(key, propertyKey...)
}

// ParseCatalogKey is the inverse of CatalogKey.
func ParseCatalogKey(key []byte) (elementType byte, label, propertyKey string, err error) {
	if len(key) < 3 || key[0] != byte(TableCatalog) {
		return 0, "", "", fmt.Errorf("%w: not a catalog key", ErrCorrupt)
	}
	rest := key[2:]
	i := bytes.IndexByte(rest, separator)
	if i < 0 {
		return 0, "", "", fmt.Errorf("%w: missing separator", ErrCorrupt)
	}
	return key[1], string(rest[:i]), string(rest[i+1:]), nil
}

// LabelKey is the schema row of one label.
func LabelKey(elementType byte, label string) []byte {
	key := make([]byte, 0, 2+len(label))
	key = append(key, byte(TableLabel), elementType)
	return append(key, label...)
}

// ConnectionKey is the schema row allowing outLabel -edgeLabel-> inLabel.
func ConnectionKey(outLabel, edgeLabel, inLabel string) []byte {
	key := make([]byte, 0, 3+len(outLabel)+len(edgeLabel)+len(inLabel))
	key = append(key, byte(TableConnection))
	key = append(key, outLabel...)
	key = append(key, separator)
	key = append(key, edgeLabel...)
	key = append(key, separator)
	return append(key, inLabel...)
}

// ParseConnectionKey is the inverse of ConnectionKey.
func ParseConnectionKey(key []byte) (outLabel, edgeLabel, inLabel string, err error) {
	if len(key) < 1 || key[0] != byte(TableConnection) {
		return "", "", "", fmt.Errorf("%w: not a connection key", ErrCorrupt)
	}
	parts := bytes.Split(key[1:], []byte{separator})
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("%w: connection key has %d parts", ErrCorrupt, len(parts))
	}
	return string(parts[0]), string(parts[1]), string(parts[2]), nil
}

// PrefixEnd returns the smallest key greater than every key with the given
// prefix, or nil when no such key exists.
func PrefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
