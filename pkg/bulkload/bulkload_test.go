package bulkload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chentiantai/hgraphdb/pkg/kv"
)

func writeArtifact(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "entries.hgbl")
	w, err := Create(path, "vertex:person.email")
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, w.Write(Mutation{
			Key:   []byte(fmt.Sprintf("key-%04d", i)),
			Value: []byte(fmt.Sprintf("value-%d", i)),
		}))
	}
	require.Equal(t, n, w.Count())
	require.NoError(t, w.Close())
	return path
}

func TestArtifactRoundTrip(t *testing.T) {
	path := writeArtifact(t, 50)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, "vertex:person.email", r.Header.Source)
	assert.Equal(t, version, r.Header.Version)

	var got []Mutation
	for {
		m, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, m)
	}
	require.Len(t, got, 50)
	assert.Equal(t, []byte("key-0007"), got[7].Key)
	assert.Equal(t, []byte("value-7"), got[7].Value)
}

func TestWriterConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "concurrent.hgbl")
	w, err := Create(path, "test")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				assert.NoError(t, w.Write(Mutation{Key: []byte(fmt.Sprintf("%d/%d", g, i))}))
			}
		}(g)
	}
	wg.Wait()
	require.NoError(t, w.Close())
	assert.Equal(t, 800, w.Count())
	assert.Error(t, w.Write(Mutation{Key: []byte("late")}))
}

func TestAbortRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aborted.hgbl")
	w, err := Create(path, "test")
	require.NoError(t, err)
	require.NoError(t, w.Write(Mutation{Key: []byte("k")}))
	w.Abort()

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestOpenRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk")
	require.NoError(t, os.WriteFile(path, []byte("definitely not zstd"), 0o644))

	_, err := Open(path)
	assert.ErrorIs(t, err, ErrBadArtifact)
}

func TestLoad(t *testing.T) {
	store, err := kv.NewBadgerStoreInMemory()
	require.NoError(t, err)
	defer store.Close()

	path := writeArtifact(t, 25)
	n, err := Load(context.Background(), store, path, 10)
	require.NoError(t, err)
	assert.Equal(t, 25, n)

	v, err := store.Get([]byte("key-0024"))
	require.NoError(t, err)
	assert.Equal(t, []byte("value-24"), v)

	// Loading twice is harmless.
	n, err = Load(context.Background(), store, path, 0)
	require.NoError(t, err)
	assert.Equal(t, 25, n)
}

func TestLoadTTL(t *testing.T) {
	store, err := kv.NewBadgerStoreInMemory()
	require.NoError(t, err)
	defer store.Close()

	path := filepath.Join(t.TempDir(), "ttl.hgbl")
	w, err := Create(path, "ttl")
	require.NoError(t, err)
	require.NoError(t, w.Write(Mutation{Key: []byte("short"), Value: []byte("x"), TTL: time.Hour}))
	require.NoError(t, w.Close())

	_, err = Load(context.Background(), store, path, 1)
	require.NoError(t, err)
	_, err = store.Get([]byte("short"))
	assert.NoError(t, err)
}

func TestLoadCancelled(t *testing.T) {
	store, err := kv.NewBadgerStoreInMemory()
	require.NoError(t, err)
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Load(ctx, store, writeArtifact(t, 5), 2)
	assert.ErrorIs(t, err, context.Canceled)
}
