package graph

import (
	"strings"

	"github.com/google/uuid"

	"github.com/chentiantai/hgraphdb/pkg/codec"
)

func validateLabel(typ ElementType, label string) error {
	if err := codec.ValidateName(label); err != nil {
		return invalid(typ, label, "", "%v", err)
	}
	return nil
}

func validatePropertyKey(typ ElementType, label, key string) error {
	if err := codec.ValidateName(key); err != nil {
		return invalid(typ, label, key, "%v", err)
	}
	if strings.HasPrefix(key, hiddenPrefix) {
		return invalid(typ, label, key, "keys starting with %q are reserved", hiddenPrefix)
	}
	return nil
}

// normalizeValue checks a property key and value and converts the value to
// its canonical type.
func normalizeValue(typ ElementType, label, key string, value any) (any, error) {
	if err := validatePropertyKey(typ, label, key); err != nil {
		return nil, err
	}
	v, err := codec.Normalize(value)
	if err != nil {
		return nil, invalid(typ, label, key, "%v", err)
	}
	return v, nil
}

func normalizeProps(typ ElementType, label string, props map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(props))
	for k, v := range props {
		n, err := normalizeValue(typ, label, k, v)
		if err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, nil
}

// normalizeID returns the canonical id and its encoding. A nil id is
// replaced with a random UUID string.
func normalizeID(typ ElementType, label string, id any) (any, []byte, error) {
	if id == nil {
		id = uuid.NewString()
	}
	n, err := codec.NormalizeID(id)
	if err != nil {
		return nil, nil, invalid(typ, label, "", "id: %v", err)
	}
	enc, err := codec.EncodeValue(n)
	if err != nil {
		return nil, nil, invalid(typ, label, "", "id: %v", err)
	}
	return n, enc, nil
}
