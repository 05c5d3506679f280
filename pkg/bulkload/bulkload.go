// Package bulkload reads and writes bulk-load artifacts: zstd-compressed
// streams of key/value mutations prepared offline and applied to a store in
// large batches.
//
// An artifact is a gob stream inside a zstd frame. The first record is a
// Header; every following record is a Mutation.
package bulkload

import (
	"bufio"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/chentiantai/hgraphdb/pkg/kv"
)

const (
	magic   = "hgraphdb-bulkload"
	version = 1
)

// ErrBadArtifact is returned for files that are not bulk-load artifacts.
var ErrBadArtifact = errors.New("bulkload: not a bulk-load artifact")

// Header describes an artifact.
type Header struct {
	Magic     string
	Version   int
	Source    string // what produced the mutations, e.g. an index name
	CreatedAt time.Time
}

// Mutation is one key/value write.
type Mutation struct {
	Key   []byte
	Value []byte
	TTL   time.Duration
}

// Writer appends mutations to an artifact. It is safe for concurrent use.
type Writer struct {
	mu    sync.Mutex
	f     *os.File
	buf   *bufio.Writer
	zw    *zstd.Encoder
	enc   *gob.Encoder
	count int
	path  string
}

// Create creates (or truncates) the artifact at path.
func Create(path, source string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("bulkload: create %s: %w", path, err)
	}
	buf := bufio.NewWriterSize(f, 1<<20)
	zw, err := zstd.NewWriter(buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("bulkload: zstd writer: %w", err)
	}
	w := &Writer{f: f, buf: buf, zw: zw, enc: gob.NewEncoder(zw), path: path}
	hdr := Header{Magic: magic, Version: version, Source: source, CreatedAt: time.Now().UTC()}
	if err := w.enc.Encode(&hdr); err != nil {
		w.abort()
		return nil, fmt.Errorf("bulkload: write header: %w", err)
	}
	return w, nil
}

// Write appends one mutation.
func (w *Writer) Write(m Mutation) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.enc == nil {
		return fmt.Errorf("bulkload: write to closed artifact %s", w.path)
	}
	if err := w.enc.Encode(&m); err != nil {
		return fmt.Errorf("bulkload: write mutation: %w", err)
	}
	w.count++
	return nil
}

// Count returns the number of mutations written so far.
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Path returns the artifact path.
func (w *Writer) Path() string { return w.path }

// Close flushes and closes the artifact.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.enc == nil {
		return nil
	}
	w.enc = nil
	err := w.zw.Close()
	if ferr := w.buf.Flush(); err == nil {
		err = ferr
	}
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("bulkload: close %s: %w", w.path, err)
	}
	return nil
}

// Abort closes and removes a partially written artifact.
func (w *Writer) Abort() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.abort()
}

func (w *Writer) abort() {
	w.enc = nil
	w.zw.Close()
	w.f.Close()
	os.Remove(w.path)
}

// Reader reads an artifact sequentially.
type Reader struct {
	f      *os.File
	zr     *zstd.Decoder
	dec    *gob.Decoder
	Header Header
}

// Open opens the artifact at path and reads its header.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bulkload: open %s: %w", path, err)
	}
	zr, err := zstd.NewReader(bufio.NewReaderSize(f, 1<<20))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("bulkload: zstd reader: %w", err)
	}
	r := &Reader{f: f, zr: zr, dec: gob.NewDecoder(zr)}
	if err := r.dec.Decode(&r.Header); err != nil || r.Header.Magic != magic {
		r.Close()
		return nil, fmt.Errorf("%w: %s", ErrBadArtifact, path)
	}
	if r.Header.Version != version {
		r.Close()
		return nil, fmt.Errorf("%w: %s has version %d", ErrBadArtifact, path, r.Header.Version)
	}
	return r, nil
}

// Next returns the next mutation, or io.EOF after the last one.
func (r *Reader) Next() (Mutation, error) {
	var m Mutation
	if err := r.dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return m, io.EOF
		}
		return m, fmt.Errorf("bulkload: read mutation: %w", err)
	}
	return m, nil
}

// Close releases the reader.
func (r *Reader) Close() error {
	r.zr.Close()
	return r.f.Close()
}

// Load applies every mutation of the artifact at path to store, flushing a
// batch every batchSize mutations. It returns the number applied. Mutations
// are idempotent puts, so a failed load can be retried from the start.
func Load(ctx context.Context, store kv.Store, path string, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 10_000
	}
	r, err := Open(path)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	var (
		applied int
		pending int
		batch   = store.NewBatch()
	)
	for {
		if pending == 0 {
			if err := ctx.Err(); err != nil {
				batch.Cancel()
				return applied, err
			}
		}
		m, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			batch.Cancel()
			return applied, err
		}
		if err := batch.Put(m.Key, m.Value, m.TTL); err != nil {
			batch.Cancel()
			return applied, fmt.Errorf("bulkload: apply: %w", err)
		}
		pending++
		if pending >= batchSize {
			if err := batch.Flush(); err != nil {
				return applied, fmt.Errorf("bulkload: flush: %w", err)
			}
			applied += pending
			pending = 0
			batch = store.NewBatch()
		}
	}
	if err := batch.Flush(); err != nil {
		return applied, fmt.Errorf("bulkload: flush: %w", err)
	}
	return applied + pending, nil
}
