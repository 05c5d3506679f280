package kv

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	maxConflictRetries = 16
	// ctxCheckInterval is how many keys a scan visits between context checks.
	ctxCheckInterval = 256
	deleteChunk      = 10_000
)

// BadgerOptions configures a BadgerStore.
type BadgerOptions struct {
	// DataDir is the directory for data files. Ignored when InMemory.
	DataDir string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// SyncWrites forces an fsync after each write.
	SyncWrites bool

	// Logger receives Badger's internal log lines. nil silences them.
	Logger badger.Logger

	// LowMemory shrinks memtables and caches.
	LowMemory bool

	// EncryptionKey enables AES encryption at rest when set. It must be 16,
	// 24, or 32 bytes; see DeriveEncryptionKey.
	EncryptionKey []byte
}

// BadgerStore implements Store on BadgerDB.
//
// Thread Safety:
//
//	Safe for concurrent use. Read-modify-write operations run in Badger
//	transactions and retry on conflicts.
type BadgerStore struct {
	db       *badger.DB
	inMemory bool

	mu     sync.RWMutex
	closed bool
}

// NewBadgerStore opens a persistent store in dataDir with default settings.
func NewBadgerStore(dataDir string) (*BadgerStore, error) {
	return NewBadgerStoreWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerStoreInMemory opens an in-memory store.
func NewBadgerStoreInMemory() (*BadgerStore, error) {
	return NewBadgerStoreWithOptions(BadgerOptions{InMemory: true})
}

// NewBadgerStoreWithOptions opens a store with custom configuration.
//
// Example:
//
//	store, err := kv.NewBadgerStoreWithOptions(kv.BadgerOptions{
//		DataDir:    "./data/graph",
//		SyncWrites: true,
//	})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
func NewBadgerStoreWithOptions(opts BadgerOptions) (*BadgerStore, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	badgerOpts = badgerOpts.WithLogger(opts.Logger)

	if len(opts.EncryptionKey) > 0 {
		keyLen := len(opts.EncryptionKey)
		if keyLen != 16 && keyLen != 24 && keyLen != 32 {
			return nil, fmt.Errorf("encryption key must be 16, 24, or 32 bytes (got %d bytes)", keyLen)
		}
		badgerOpts = badgerOpts.WithEncryptionKey(opts.EncryptionKey)
	}

	if opts.LowMemory {
		badgerOpts = badgerOpts.
			WithMemTableSize(8 << 20).
			WithValueLogFileSize(32 << 20).
			WithNumMemtables(1).
			WithNumLevelZeroTables(1).
			WithNumLevelZeroTablesStall(2).
			WithValueThreshold(512).
			WithBlockCacheSize(8 << 20).
			WithIndexCacheSize(4 << 20)
	} else {
		badgerOpts = badgerOpts.
			WithMemTableSize(64 << 20).
			WithValueLogFileSize(128 << 20).
			WithNumMemtables(3).
			WithNumLevelZeroTables(5).
			WithNumLevelZeroTablesStall(10).
			WithValueThreshold(64 << 10).
			WithBlockCacheSize(64 << 20).
			WithIndexCacheSize(32 << 20)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &BadgerStore{db: db, inMemory: opts.InMemory}, nil
}

// IsInMemory reports whether the store was opened in memory.
func (s *BadgerStore) IsInMemory() bool {
	return s.inMemory
}

func (s *BadgerStore) ensureOpen() error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return nil
}

func (s *BadgerStore) withView(fn func(txn *badger.Txn) error) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func (s *BadgerStore) withUpdate(fn func(txn *badger.Txn) error) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	return s.db.Update(fn)
}

// withRetryingUpdate runs fn in an update transaction, retrying while Badger
// reports a conflict with a concurrent writer.
func (s *BadgerStore) withRetryingUpdate(fn func(txn *badger.Txn) error) error {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err := s.withUpdate(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return ErrConflict
}

func newEntry(key, value []byte, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry(key, value)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}

// Get returns a copy of the value stored at key.
func (s *BadgerStore) Get(key []byte) ([]byte, error) {
	var out []byte
	err := s.withView(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrKeyNotFound
			}
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

// Put writes value at key.
func (s *BadgerStore) Put(key, value []byte, ttl time.Duration) error {
	return s.withUpdate(func(txn *badger.Txn) error {
		return txn.SetEntry(newEntry(key, value, ttl))
	})
}

// Delete removes key. Deleting a missing key is not an error.
func (s *BadgerStore) Delete(key []byte) error {
	return s.withUpdate(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// DeleteIf deletes key when match accepts its current value.
func (s *BadgerStore) DeleteIf(key []byte, match func(value []byte) bool) (bool, error) {
	var deleted bool
	err := s.withRetryingUpdate(func(txn *badger.Txn) error {
		deleted = false
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if !match(val) {
			return nil
		}
		deleted = true
		return txn.Delete(key)
	})
	return deleted, err
}

// Increment adds delta to the counter at key.
func (s *BadgerStore) Increment(key []byte, delta int64, ttl time.Duration) (int64, error) {
	var next int64
	err := s.withRetryingUpdate(func(txn *badger.Txn) error {
		var cur int64
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			err = item.Value(func(val []byte) error {
				if len(val) != 8 {
					return fmt.Errorf("kv: counter at %x has %d bytes", key, len(val))
				}
				cur = int64(binary.BigEndian.Uint64(val))
				return nil
			})
			if err != nil {
				return err
			}
		}
		next = cur + delta
		return txn.SetEntry(newEntry(key, binary.BigEndian.AppendUint64(nil, uint64(next)), ttl))
	})
	return next, err
}

// Scan visits keys of r in ascending order inside one read snapshot.
func (s *BadgerStore) Scan(ctx context.Context, r Range, fn func(key, value []byte) error) error {
	err := s.withView(func(txn *badger.Txn) error {
		it := txn.NewIterator(iterOptions(r))
		defer it.Close()

		visited := 0
		for it.Seek(r.Start); it.Valid(); it.Next() {
			item := it.Item()
			if r.End != nil && bytes.Compare(item.Key(), r.End) >= 0 {
				return nil
			}
			if visited%ctxCheckInterval == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			visited++

			key := item.KeyCopy(nil)
			var val []byte
			if !r.KeysOnly {
				var err error
				if val, err = item.ValueCopy(nil); err != nil {
					return err
				}
			}
			if err := fn(key, val); err != nil {
				return err
			}
			if r.Limit > 0 && visited >= r.Limit {
				return nil
			}
		}
		return nil
	})
	if errors.Is(err, ErrStopIteration) {
		return nil
	}
	return err
}

// DeletePrefix removes every key under prefix in chunks so no single
// transaction grows past Badger's limits.
func (s *BadgerStore) DeletePrefix(ctx context.Context, prefix []byte) (int, error) {
	total := 0
	for {
		keys := make([][]byte, 0, 256)
		err := s.Scan(ctx, Range{Start: prefix, End: prefixEnd(prefix), Limit: deleteChunk, KeysOnly: true},
			func(key, _ []byte) error {
				keys = append(keys, key)
				return nil
			})
		if err != nil {
			return total, err
		}
		if len(keys) == 0 {
			return total, nil
		}
		b := s.NewBatch()
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				b.Cancel()
				return total, err
			}
		}
		if err := b.Flush(); err != nil {
			return total, err
		}
		total += len(keys)
	}
}

// NewBatch returns a Badger WriteBatch.
func (s *BadgerStore) NewBatch() Batch {
	return &badgerBatch{wb: s.db.NewWriteBatch(), store: s}
}

// Size reports the LSM and value log sizes in bytes.
func (s *BadgerStore) Size() (lsm, vlog int64) {
	return s.db.Size()
}

// Close closes the database. Subsequent calls return nil.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type badgerBatch struct {
	wb    *badger.WriteBatch
	store *BadgerStore
}

func (b *badgerBatch) Put(key, value []byte, ttl time.Duration) error {
	if err := b.store.ensureOpen(); err != nil {
		return err
	}
	return b.wb.SetEntry(newEntry(key, value, ttl))
}

func (b *badgerBatch) Delete(key []byte) error {
	if err := b.store.ensureOpen(); err != nil {
		return err
	}
	return b.wb.Delete(key)
}

func (b *badgerBatch) Flush() error {
	if err := b.store.ensureOpen(); err != nil {
		b.wb.Cancel()
		return err
	}
	return b.wb.Flush()
}

func (b *badgerBatch) Cancel() {
	b.wb.Cancel()
}

// iterOptions narrows the iterator to the longest prefix shared by the range
// bounds, which lets Badger skip unrelated tables.
func iterOptions(r Range) badger.IteratorOptions {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = !r.KeysOnly
	if r.End != nil {
		opts.Prefix = commonPrefix(r.Start, r.End)
	}
	return opts
}

func commonPrefix(a, b []byte) []byte {
	n := min(len(a), len(b))
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return a[:i]
}
