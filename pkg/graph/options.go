package graph

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/chentiantai/hgraphdb/pkg/metrics"
)

// Options configures a Graph.
type Options struct {
	// UseSchema enables label/property validation and counters.
	UseSchema bool

	// LazyLoading makes reads return elements with only identity, label,
	// and timestamps loaded. Properties are fetched on first access.
	LazyLoading bool

	// VertexTTL and EdgeTTL expire rows of that element type. Zero keeps
	// rows forever.
	VertexTTL time.Duration
	EdgeTTL   time.Duration

	// StaleIndexExpiry is how old an index entry must be before a lookup
	// that finds it stale queues it for deletion. Entries younger than
	// this may belong to a write still in flight.
	StaleIndexExpiry time.Duration

	// IndexRefreshInterval reloads the index catalog periodically. Zero
	// disables the refresh loop.
	IndexRefreshInterval time.Duration

	// ElementCacheMaxSize bounds the vertex and edge caches. Zero disables
	// caching.
	ElementCacheMaxSize int
	ElementCacheTTL     time.Duration

	// RelationshipCacheMaxSize bounds the cache of vertex adjacency lists.
	// Zero disables it.
	RelationshipCacheMaxSize int

	// Stale index cleaner pool.
	CleanerWorkers int
	CleanerRate    float64 // deletions per second; <= 0 is unlimited
	CleanerBurst   int

	Logger  zerolog.Logger
	Metrics *metrics.Metrics

	// Clock returns the current time. Tests replace it.
	Clock func() time.Time
}

// DefaultOptions returns the defaults used by the CLI.
func DefaultOptions() Options {
	return Options{
		LazyLoading:              true,
		StaleIndexExpiry:         time.Minute,
		ElementCacheMaxSize:      100_000,
		ElementCacheTTL:          time.Minute,
		RelationshipCacheMaxSize: 10_000,
		CleanerWorkers:           4,
		CleanerRate:              1000,
		CleanerBurst:             100,
		Logger:                   zerolog.Nop(),
	}
}

func (o *Options) setDefaults() {
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New()
	}
	if o.CleanerWorkers <= 0 {
		o.CleanerWorkers = 1
	}
	if o.CleanerBurst <= 0 {
		o.CleanerBurst = 1
	}
}

func (o *Options) ttl(typ ElementType) time.Duration {
	if typ == EdgeType {
		return o.EdgeTTL
	}
	return o.VertexTTL
}
