// Package kv defines the sorted key-value capability hgraphdb is built on and
// its BadgerDB implementation.
//
// The graph layer never relies on multi-row transactions. Every operation it
// needs is a single-row primitive (get, put with TTL, delete, conditional
// delete, atomic increment) or an ordered range scan, which is exactly the
// contract of a wide-column store. Batches exist for bulk loading only and
// carry no atomicity guarantee across keys.
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrKeyNotFound is returned by Get when the key does not exist.
	ErrKeyNotFound = errors.New("kv: key not found")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("kv: store closed")
	// ErrStopIteration may be returned from a Scan callback to end the scan
	// early without an error.
	ErrStopIteration = errors.New("kv: stop iteration")
	// ErrConflict is returned when a read-modify-write kept conflicting
	// with concurrent writers.
	ErrConflict = errors.New("kv: too many conflicts")
)

// Range selects keys in [Start, End). A nil End scans to the end of the
// keyspace. Limit <= 0 means unbounded.
type Range struct {
	Start    []byte
	End      []byte
	Limit    int
	KeysOnly bool
}

// PrefixRange returns the range covering every key with the given prefix.
func PrefixRange(prefix []byte) Range {
	return Range{Start: prefix, End: prefixEnd(prefix)}
}

// Store is a sorted key-value store with single-row atomicity.
//
// Keys and values passed to Scan callbacks are copies owned by the callee.
type Store interface {
	Get(key []byte) ([]byte, error)
	// Put writes key. A ttl > 0 makes the row expire after ttl.
	Put(key, value []byte, ttl time.Duration) error
	Delete(key []byte) error
	// DeleteIf atomically deletes key when match reports true for its
	// current value. It reports whether the key was deleted.
	DeleteIf(key []byte, match func(value []byte) bool) (bool, error)
	// Increment atomically adds delta to the 8-byte big-endian counter at
	// key, creating it at zero, and returns the new value.
	Increment(key []byte, delta int64, ttl time.Duration) (int64, error)
	// Scan visits keys in ascending order. Returning ErrStopIteration from
	// fn ends the scan with a nil error.
	Scan(ctx context.Context, r Range, fn func(key, value []byte) error) error
	// DeletePrefix removes every key with the given prefix and returns how
	// many were removed.
	DeletePrefix(ctx context.Context, prefix []byte) (int, error)
	NewBatch() Batch
	// Size reports the on-disk size of the LSM tree and the value log.
	Size() (lsm, vlog int64)
	Close() error
}

// Batch buffers writes for bulk loading. Writes become visible no later than
// Flush; a failed Flush may have applied a subset of them.
type Batch interface {
	Put(key, value []byte, ttl time.Duration) error
	Delete(key []byte) error
	Flush() error
	Cancel()
}

func prefixEnd(prefix []byte) []byte {
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
