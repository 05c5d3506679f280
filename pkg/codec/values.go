// Package codec provides the byte-level encodings used by hgraphdb.
//
// Values are encoded in a tagged, order-preserving format so that the byte
// order of two encodings of the same type matches the natural order of the
// values. This is what makes index range scans over a sorted key-value store
// return elements ordered by property value.
//
// Format (one tag byte followed by the payload):
//
//	Boolean  0x02  1 byte (0 or 1)
//	Int      0x03  4 bytes, big-endian, sign bit flipped
//	Long     0x04  8 bytes, big-endian, sign bit flipped
//	Float    0x05  4 bytes, IEEE-754 made sortable
//	Double   0x06  8 bytes, IEEE-754 made sortable
//	String   0x07  escaped bytes + 0x00 0x01 terminator
//	Date     0x08  8 bytes, unix nanoseconds, sign bit flipped
//	Bytes    0x09  escaped bytes + 0x00 0x01 terminator
//
// Inside strings and byte slices a literal 0x00 is written as 0x00 0xFF, so
// encodings are self-delimiting and can be embedded in composite keys.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ValueType identifies the type of a property value or element id.
type ValueType uint8

const (
	Any ValueType = iota
	Boolean
	Int
	Long
	Float
	Double
	String
	Date
	Bytes
	// Counter is a schema-only type. Counter columns hold a raw 8-byte
	// int64 and are mutated with atomic increments.
	Counter
)

// Wire tags. Tags are distinct from ValueType so the ordering between types
// stays stable if new types are added.
const (
	tagBoolean byte = 0x02
	tagInt     byte = 0x03
	tagLong    byte = 0x04
	tagFloat   byte = 0x05
	tagDouble  byte = 0x06
	tagString  byte = 0x07
	tagDate    byte = 0x08
	tagBytes   byte = 0x09
)

const (
	escByte  byte = 0x00
	escNull  byte = 0xFF
	escTerm  byte = 0x01
	longSize      = 8
)

var (
	// ErrUnsupportedType is returned for values that have no encoding.
	ErrUnsupportedType = errors.New("codec: unsupported value type")
	// ErrCorrupt is returned when bytes cannot be decoded.
	ErrCorrupt = errors.New("codec: corrupt encoding")
)

var typeNames = map[ValueType]string{
	Any:     "ANY",
	Boolean: "BOOLEAN",
	Int:     "INT",
	Long:    "LONG",
	Float:   "FLOAT",
	Double:  "DOUBLE",
	String:  "STRING",
	Date:    "DATE",
	Bytes:   "BYTES",
	Counter: "COUNTER",
}

func (t ValueType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ValueType(%d)", uint8(t))
}

// ParseValueType parses a type name such as "LONG" (case-insensitive).
func ParseValueType(s string) (ValueType, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for t, name := range typeNames {
		if name == upper {
			return t, nil
		}
	}
	return Any, fmt.Errorf("%w: %q", ErrUnsupportedType, s)
}

// Normalize converts v to the canonical Go type used for its ValueType.
// Platform ints and unsigned ints become int64, narrow ints become int32,
// times are converted to UTC.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, fmt.Errorf("%w: nil", ErrUnsupportedType)
	case bool, int32, int64, string:
		return x, nil
	case float32:
		if x == 0 {
			return float32(0), nil
		}
		return x, nil
	case float64:
		if x == 0 {
			return float64(0), nil
		}
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int32(x), nil
	case int16:
		return int32(x), nil
	case uint8:
		return int32(x), nil
	case uint16:
		return int32(x), nil
	case uint32:
		return int64(x), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return nil, fmt.Errorf("%w: %d overflows int64", ErrUnsupportedType, x)
		}
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("%w: %d overflows int64", ErrUnsupportedType, x)
		}
		return int64(x), nil
	case time.Time:
		// Dates are stored with millisecond precision.
		if sec := x.Unix(); sec > math.MaxInt64/1000 || sec < math.MinInt64/1000 {
			return nil, fmt.Errorf("%w: date %v out of range", ErrUnsupportedType, x)
		}
		return x.UTC().Truncate(time.Millisecond), nil
	case []byte:
		out := make([]byte, len(x))
		copy(out, x)
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

// TypeOf reports the ValueType of an already normalized value. Unknown types
// report Any.
func TypeOf(v any) ValueType {
	switch v.(type) {
	case bool:
		return Boolean
	case int32:
		return Int
	case int64:
		return Long
	case float32:
		return Float
	case float64:
		return Double
	case string:
		return String
	case time.Time:
		return Date
	case []byte:
		return Bytes
	default:
		return Any
	}
}

// EncodeValue normalizes and encodes v.
func EncodeValue(v any) ([]byte, error) {
	return AppendValue(nil, v)
}

// AppendValue appends the encoding of v to dst.
func AppendValue(dst []byte, v any) ([]byte, error) {
	n, err := Normalize(v)
	if err != nil {
		return dst, err
	}
	switch x := n.(type) {
	case bool:
		b := byte(0)
		if x {
			b = 1
		}
		return append(dst, tagBoolean, b), nil
	case int32:
		dst = append(dst, tagInt)
		return binary.BigEndian.AppendUint32(dst, uint32(x)^(1<<31)), nil
	case int64:
		dst = append(dst, tagLong)
		return binary.BigEndian.AppendUint64(dst, uint64(x)^(1<<63)), nil
	case float32:
		dst = append(dst, tagFloat)
		return binary.BigEndian.AppendUint32(dst, sortableFloat32(x)), nil
	case float64:
		dst = append(dst, tagDouble)
		return binary.BigEndian.AppendUint64(dst, sortableFloat64(x)), nil
	case string:
		dst = append(dst, tagString)
		return appendEscaped(dst, []byte(x)), nil
	case time.Time:
		dst = append(dst, tagDate)
		return binary.BigEndian.AppendUint64(dst, uint64(x.UnixMilli())^(1<<63)), nil
	case []byte:
		dst = append(dst, tagBytes)
		return appendEscaped(dst, x), nil
	}
	return dst, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
}

// DecodeValue decodes one value from the start of b and returns it with the
// number of bytes consumed.
func DecodeValue(b []byte) (any, int, error) {
	if len(b) == 0 {
		return nil, 0, fmt.Errorf("%w: empty input", ErrCorrupt)
	}
	body := b[1:]
	switch b[0] {
	case tagBoolean:
		if len(body) < 1 {
			return nil, 0, ErrCorrupt
		}
		return body[0] == 1, 2, nil
	case tagInt:
		if len(body) < 4 {
			return nil, 0, ErrCorrupt
		}
		return int32(binary.BigEndian.Uint32(body) ^ (1 << 31)), 5, nil
	case tagLong:
		if len(body) < longSize {
			return nil, 0, ErrCorrupt
		}
		return int64(binary.BigEndian.Uint64(body) ^ (1 << 63)), 9, nil
	case tagFloat:
		if len(body) < 4 {
			return nil, 0, ErrCorrupt
		}
		return unsortableFloat32(binary.BigEndian.Uint32(body)), 5, nil
	case tagDouble:
		if len(body) < longSize {
			return nil, 0, ErrCorrupt
		}
		return unsortableFloat64(binary.BigEndian.Uint64(body)), 9, nil
	case tagDate:
		if len(body) < longSize {
			return nil, 0, ErrCorrupt
		}
		millis := int64(binary.BigEndian.Uint64(body) ^ (1 << 63))
		return time.UnixMilli(millis).UTC(), 9, nil
	case tagString:
		raw, n, err := readEscaped(body)
		if err != nil {
			return nil, 0, err
		}
		return string(raw), n + 1, nil
	case tagBytes:
		raw, n, err := readEscaped(body)
		if err != nil {
			return nil, 0, err
		}
		return raw, n + 1, nil
	default:
		return nil, 0, fmt.Errorf("%w: unknown tag 0x%02x", ErrCorrupt, b[0])
	}
}

// DecodeFull decodes b and fails if trailing bytes remain.
func DecodeFull(b []byte) (any, error) {
	v, n, err := DecodeValue(b)
	if err != nil {
		return nil, err
	}
	if n != len(b) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(b)-n)
	}
	return v, nil
}

// Equal reports whether a and b have identical encodings.
func Equal(a, b any) bool {
	ea, err := EncodeValue(a)
	if err != nil {
		return false
	}
	eb, err := EncodeValue(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ea, eb)
}

// EncodeCounter encodes a raw counter column value.
func EncodeCounter(n int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(n))
}

// DecodeCounter decodes a raw counter column value.
func DecodeCounter(b []byte) (int64, error) {
	if len(b) != longSize {
		return 0, fmt.Errorf("%w: counter of %d bytes", ErrCorrupt, len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func appendEscaped(dst, s []byte) []byte {
	for _, c := range s {
		if c == escByte {
			dst = append(dst, escByte, escNull)
			continue
		}
		dst = append(dst, c)
	}
	return append(dst, escByte, escTerm)
}

// readEscaped returns the unescaped payload and the number of bytes consumed,
// terminator included.
func readEscaped(b []byte) ([]byte, int, error) {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != escByte {
			out = append(out, b[i])
			continue
		}
		if i+1 >= len(b) {
			return nil, 0, fmt.Errorf("%w: unterminated string", ErrCorrupt)
		}
		switch b[i+1] {
		case escTerm:
			return out, i + 2, nil
		case escNull:
			out = append(out, 0)
			i++
		default:
			return nil, 0, fmt.Errorf("%w: bad escape 0x%02x", ErrCorrupt, b[i+1])
		}
	}
	return nil, 0, fmt.Errorf("%w: unterminated string", ErrCorrupt)
}

func sortableFloat64(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | (1 << 63)
}

func unsortableFloat64(u uint64) float64 {
	if u&(1<<63) != 0 {
		return math.Float64frombits(u &^ (1 << 63))
	}
	return math.Float64frombits(^u)
}

func sortableFloat32(f float32) uint32 {
	bits := math.Float32bits(f)
	if bits&(1<<31) != 0 {
		return ^bits
	}
	return bits | (1 << 31)
}

func unsortableFloat32(u uint32) float32 {
	if u&(1<<31) != 0 {
		return math.Float32frombits(u &^ (1 << 31))
	}
	return math.Float32frombits(^u)
}
