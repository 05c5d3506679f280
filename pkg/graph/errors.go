package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an element does not exist.
	ErrNotFound = errors.New("hgraphdb: element not found")
	// ErrElementExists is returned when adding an element whose id is taken.
	ErrElementExists = errors.New("hgraphdb: element already exists")
	// ErrNotValid is returned for values, labels, or keys rejected by
	// validation. Use errors.As with *ValidationError for details.
	ErrNotValid = errors.New("hgraphdb: not valid")
	// ErrNoSchema is returned by schema-dependent operations when the graph
	// was opened without UseSchema.
	ErrNoSchema = errors.New("hgraphdb: schema is not enabled")
	// ErrNotUnique is returned when a write would give a unique index two
	// live elements with the same value.
	ErrNotUnique = errors.New("hgraphdb: unique index violation")
	// ErrInvalidStateTransition is returned for index state changes outside
	// the lifecycle. Use errors.As with *TransitionError for details.
	ErrInvalidStateTransition = errors.New("hgraphdb: invalid index state transition")
	// ErrIndexNotFound is returned when no index exists for a key.
	ErrIndexNotFound = errors.New("hgraphdb: index not found")
	// ErrIndexExists is returned when creating an index that already exists.
	ErrIndexExists = errors.New("hgraphdb: index already exists")
	// ErrIndexAlreadyActive is returned when populating an ACTIVE index.
	ErrIndexAlreadyActive = errors.New("hgraphdb: index is already active")
	// ErrClosed is returned after Graph.Close.
	ErrClosed = errors.New("hgraphdb: graph closed")
)

// ValidationError describes a rejected label, key, id, or value.
type ValidationError struct {
	Type   ElementType
	Label  string
	Key    string
	Reason string
}

func (e *ValidationError) Error() string {
	switch {
	case e.Key != "":
		return fmt.Sprintf("hgraphdb: %s %q property %q: %s", e.Type, e.Label, e.Key, e.Reason)
	case e.Label != "":
		return fmt.Sprintf("hgraphdb: %s %q: %s", e.Type, e.Label, e.Reason)
	default:
		return "hgraphdb: " + e.Reason
	}
}

// Is makes errors.Is(err, ErrNotValid) match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrNotValid
}

func invalid(typ ElementType, label, key, format string, args ...any) error {
	return &ValidationError{Type: typ, Label: label, Key: key, Reason: fmt.Sprintf(format, args...)}
}

// TransitionError describes a rejected index state change.
type TransitionError struct {
	Index IndexKey
	From  IndexState
	To    IndexState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("hgraphdb: index %s cannot move from %s to %s", e.Index, e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidStateTransition) match.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

// StorageError wraps a failure of the underlying key-value store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("hgraphdb: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
