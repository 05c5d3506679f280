package graph

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/chentiantai/hgraphdb/pkg/bulkload"
	"github.com/chentiantai/hgraphdb/pkg/codec"
	"github.com/chentiantai/hgraphdb/pkg/kv"
	"github.com/chentiantai/hgraphdb/pkg/logging"
)

// PopulationStrategy selects how a population job writes index entries.
type PopulationStrategy int

const (
	// Direct writes entries to the store in batches while scanning.
	Direct PopulationStrategy = iota
	// Bulk writes entries to a bulk-load artifact and loads it afterwards.
	Bulk
)

func (s PopulationStrategy) String() string {
	if s == Bulk {
		return "bulk"
	}
	return "direct"
}

// ParsePopulationStrategy parses "direct" or "bulk".
func ParsePopulationStrategy(s string) (PopulationStrategy, error) {
	switch strings.ToLower(s) {
	case "", "direct":
		return Direct, nil
	case "bulk":
		return Bulk, nil
	}
	return Direct, fmt.Errorf("unknown population strategy %q", s)
}

// PopulationOptions configures a population job.
type PopulationOptions struct {
	Strategy PopulationStrategy
	// BatchSize is the number of entries per store batch.
	BatchSize int
	// Parallelism bounds how many salt buckets are scanned at once.
	Parallelism int
	// ArtifactDir is where Bulk writes its artifact. Defaults to the
	// system temp directory.
	ArtifactDir string
	// DeferLoad stops a Bulk job after writing the artifact. The index stays
	// BUILDING until Graph.CompleteBulkLoad loads it.
	DeferLoad bool
}

// DefaultPopulationOptions returns a Direct strategy with moderate batching.
func DefaultPopulationOptions() PopulationOptions {
	return PopulationOptions{
		Strategy:    Direct,
		BatchSize:   1000,
		Parallelism: 8,
	}
}

// PopulationStats reports what a population job did.
type PopulationStats struct {
	Scanned  int64 // rows of the element table visited
	Indexed  int64 // entries written
	Skipped  int64 // rows with the label but without the property
	Artifact string
	Duration time.Duration
}

// PopulationJob builds the entries of one index from existing elements.
//
// Online writers maintain the index while it is BUILDING, so elements
// written during the scan end up indexed whichever side wins. An entry the
// job writes for a value that was overwritten mid-scan is stale and handled
// like any other stale entry.
type PopulationJob struct {
	g    *Graph
	key  IndexKey
	opts PopulationOptions
	log  zerolog.Logger

	scanned atomic.Int64
	indexed atomic.Int64
	skipped atomic.Int64

	mu   sync.Mutex
	seen map[string][]byte // unique indexes: encoded value -> encoded id
}

// NewPopulationJob prepares a job for the index key. Zero option fields take
// their defaults.
func (g *Graph) NewPopulationJob(key IndexKey, opts PopulationOptions) *PopulationJob {
	def := DefaultPopulationOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = def.Parallelism
	}
	if opts.ArtifactDir == "" {
		opts.ArtifactDir = os.TempDir()
	}
	return &PopulationJob{
		g:    g,
		key:  key,
		opts: opts,
		log:  logging.Component(g.log, "population").With().Str("index", key.String()).Logger(),
	}
}

// entrySink receives the entries produced for one salt bucket.
type entrySink interface {
	put(key, value []byte) error
	done() error
	abort()
}

// Run scans the element table and writes an entry for every element with
// the index's label and property. On success the index is ACTIVE, except
// for a Bulk job with DeferLoad. On failure or cancellation it stays
// BUILDING and the job can be run again.
func (j *PopulationJob) Run(ctx context.Context) (PopulationStats, error) {
	g := j.g
	if err := g.ensureOpen(); err != nil {
		return PopulationStats{}, err
	}
	md, err := j.begin()
	if err != nil {
		return PopulationStats{}, err
	}
	if md.Unique {
		j.seen = make(map[string][]byte)
	}

	start := time.Now()
	j.log.Info().Str("strategy", j.opts.Strategy.String()).Int("parallelism", j.opts.Parallelism).Msg("index population started")

	var artifact *bulkload.Writer
	if j.opts.Strategy == Bulk {
		path := filepath.Join(j.opts.ArtifactDir, artifactName(j.key, start))
		if artifact, err = bulkload.Create(path, j.key.String()); err != nil {
			return j.fail(start, err)
		}
	}

	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(j.opts.Parallelism)
	for salt := 0; salt < 256; salt++ {
		prefix := codec.SaltPrefix(j.key.Type.table(), byte(salt))
		eg.Go(func() error {
			var sink entrySink
			if artifact != nil {
				sink = &artifactSink{w: artifact, ttl: g.opts.ttl(j.key.Type)}
			} else {
				sink = &batchSink{store: g.store, size: j.opts.BatchSize, ttl: g.opts.ttl(j.key.Type)}
			}
			if err := j.scanBucket(ectx, prefix, sink); err != nil {
				sink.abort()
				return err
			}
			return sink.done()
		})
	}
	if err := eg.Wait(); err != nil {
		if artifact != nil {
			artifact.Abort()
		}
		return j.fail(start, err)
	}

	stats := j.stats(start)
	if artifact != nil {
		if err := artifact.Close(); err != nil {
			return j.fail(start, err)
		}
		stats.Artifact = artifact.Path()
		if j.opts.DeferLoad {
			stats.Duration = time.Since(start)
			j.log.Info().Str("artifact", stats.Artifact).Int64("entries", stats.Indexed).Msg("index artifact written, load deferred")
			return stats, nil
		}
		if _, err := bulkload.Load(ctx, g.store, stats.Artifact, j.opts.BatchSize); err != nil {
			return j.fail(start, storageErr("load index artifact", err))
		}
		os.Remove(stats.Artifact)
		stats.Artifact = ""
	}

	if _, err := g.catalog.Transition(j.key, StateActive); err != nil {
		return j.fail(start, err)
	}
	stats.Duration = time.Since(start)
	j.record(stats, "ok")
	j.log.Info().
		Int64("scanned", stats.Scanned).
		Int64("indexed", stats.Indexed).
		Dur("duration", stats.Duration).
		Msg("index population finished")
	return stats, nil
}

// begin moves a CREATED index to BUILDING. A BUILDING index is resumed.
func (j *PopulationJob) begin() (IndexMetadata, error) {
	md, err := j.g.catalog.Get(j.key)
	if err != nil {
		return md, err
	}
	switch md.State {
	case StateCreated:
		return j.g.catalog.Transition(j.key, StateBuilding)
	case StateBuilding:
		j.log.Info().Msg("resuming population of BUILDING index")
		return md, nil
	case StateActive:
		return md, fmt.Errorf("%w: %s", ErrIndexAlreadyActive, j.key)
	default:
		return md, &TransitionError{Index: j.key, From: md.State, To: StateBuilding}
	}
}

func (j *PopulationJob) scanBucket(ctx context.Context, prefix []byte, sink entrySink) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	store := j.g.vertices
	if j.key.Type == EdgeType {
		store = j.g.edges
	}
	return store.scanRows(ctx, kv.PrefixRange(prefix), 0, func(r *row) error {
		j.scanned.Add(1)
		if r.el.label != j.key.Label {
			return nil
		}
		v, ok := r.el.props[j.key.PropertyKey]
		if !ok {
			j.skipped.Add(1)
			return nil
		}
		enc, err := codec.EncodeValue(v)
		if err != nil {
			return invalid(j.key.Type, j.key.Label, j.key.PropertyKey, "%v", err)
		}
		if err := j.checkUnique(enc, r.el.encID, v); err != nil {
			return err
		}
		key := codec.IndexEntryKey(byte(j.key.Type), j.key.Label, j.key.PropertyKey, enc, r.el.encID)
		if err := sink.put(key, codec.IndexEntryValue(j.g.nowMillis(), r.outEnc, r.inEnc)); err != nil {
			return err
		}
		j.indexed.Add(1)
		return nil
	})
}

func (j *PopulationJob) checkUnique(enc, encID []byte, v any) error {
	if j.seen == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if other, ok := j.seen[string(enc)]; ok && string(other) != string(encID) {
		return fmt.Errorf("%w: %s value %v is held by more than one element", ErrNotUnique, j.key, v)
	}
	j.seen[string(enc)] = encID
	return nil
}

func (j *PopulationJob) stats(start time.Time) PopulationStats {
	return PopulationStats{
		Scanned:  j.scanned.Load(),
		Indexed:  j.indexed.Load(),
		Skipped:  j.skipped.Load(),
		Duration: time.Since(start),
	}
}

func (j *PopulationJob) fail(start time.Time, err error) (PopulationStats, error) {
	stats := j.stats(start)
	j.record(stats, "failed")
	j.log.Error().Err(err).Int64("indexed", stats.Indexed).Msg("index population failed, index left BUILDING")
	return stats, err
}

func (j *PopulationJob) record(stats PopulationStats, status string) {
	m := j.g.metrics
	name := j.key.String()
	m.PopulationElements.WithLabelValues(name, "indexed").Add(float64(stats.Indexed))
	m.PopulationElements.WithLabelValues(name, "skipped").Add(float64(stats.Skipped))
	m.PopulationDuration.WithLabelValues(j.opts.Strategy.String(), status).Observe(stats.Duration.Seconds())
	m.IndexEntriesWritten.Add(float64(stats.Indexed))
}

// CompleteBulkLoad loads an artifact written by a DeferLoad job and
// activates the index.
func (g *Graph) CompleteBulkLoad(ctx context.Context, key IndexKey, path string) (int, error) {
	if err := g.ensureOpen(); err != nil {
		return 0, err
	}
	md, err := g.catalog.Get(key)
	if err != nil {
		return 0, err
	}
	if md.State != StateBuilding {
		return 0, &TransitionError{Index: key, From: md.State, To: StateActive}
	}
	n, err := bulkload.Load(ctx, g.store, path, DefaultPopulationOptions().BatchSize)
	if err != nil {
		return n, storageErr("load index artifact", err)
	}
	if _, err := g.catalog.Transition(key, StateActive); err != nil {
		return n, err
	}
	log := logging.Component(g.log, "population")
	log.Info().Str("index", key.String()).Int("entries", n).Msg("bulk load completed")
	return n, nil
}

func artifactName(key IndexKey, at time.Time) string {
	name := strings.NewReplacer(":", "-", ".", "-", "/", "-").Replace(key.String())
	return fmt.Sprintf("%s-%d.hgbl", name, at.UnixNano())
}

type batchSink struct {
	store   kv.Store
	size    int
	ttl     time.Duration
	batch   kv.Batch
	pending int
}

func (s *batchSink) put(key, value []byte) error {
	if s.batch == nil {
		s.batch = s.store.NewBatch()
	}
	if err := s.batch.Put(key, value, s.ttl); err != nil {
		return storageErr("write index batch", err)
	}
	s.pending++
	if s.pending >= s.size {
		return s.done()
	}
	return nil
}

func (s *batchSink) done() error {
	if s.batch == nil {
		return nil
	}
	b := s.batch
	s.batch = nil
	s.pending = 0
	return storageErr("flush index batch", b.Flush())
}

func (s *batchSink) abort() {
	if s.batch != nil {
		s.batch.Cancel()
		s.batch = nil
	}
}

type artifactSink struct {
	w   *bulkload.Writer
	ttl time.Duration
}

func (s *artifactSink) put(key, value []byte) error {
	return s.w.Write(bulkload.Mutation{Key: key, Value: value, TTL: s.ttl})
}

func (s *artifactSink) done() error { return nil }

func (s *artifactSink) abort() {}
