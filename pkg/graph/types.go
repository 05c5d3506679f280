package graph

import (
	"fmt"
	"strings"

	"github.com/chentiantai/hgraphdb/pkg/codec"
)

// ElementType distinguishes vertices from edges.
type ElementType byte

const (
	VertexType ElementType = 1
	EdgeType   ElementType = 2
)

func (t ElementType) String() string {
	switch t {
	case VertexType:
		return "vertex"
	case EdgeType:
		return "edge"
	default:
		return fmt.Sprintf("ElementType(%d)", byte(t))
	}
}

// ParseElementType parses "vertex" or "edge".
func ParseElementType(s string) (ElementType, error) {
	switch strings.ToLower(s) {
	case "vertex", "v":
		return VertexType, nil
	case "edge", "e":
		return EdgeType, nil
	}
	return 0, invalid(0, "", "", "unknown element type %q", s)
}

func (t ElementType) table() codec.Table {
	if t == EdgeType {
		return codec.TableEdge
	}
	return codec.TableVertex
}

// Direction selects adjacent edges of a vertex.
type Direction byte

const (
	Out  Direction = 'o'
	In   Direction = 'i'
	Both Direction = 'b'
)

func (d Direction) String() string {
	switch d {
	case Out:
		return "OUT"
	case In:
		return "IN"
	case Both:
		return "BOTH"
	}
	return fmt.Sprintf("Direction(%d)", byte(d))
}

func (d Direction) opposite() Direction {
	switch d {
	case Out:
		return In
	case In:
		return Out
	}
	return d
}

// OperationType selects which index states apply: writes maintain BUILDING
// and ACTIVE indexes, reads only use ACTIVE ones.
type OperationType int

const (
	OpWrite OperationType = iota
	OpRead
)

// Hidden column qualifiers. User property keys may not start with
// hiddenPrefix.
const (
	hiddenPrefix = "~"
	colLabel     = "~l"
	colCreatedAt = "~c"
	colUpdatedAt = "~u"
	colOutV      = "~f"
	colInV       = "~t"
)
