package graph

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/chentiantai/hgraphdb/pkg/codec"
	"github.com/chentiantai/hgraphdb/pkg/logging"
)

// StaleEntry identifies one index entry suspected to be stale. Ts is the
// write timestamp observed when it was found; the entry is only deleted if
// it has not been rewritten since.
type StaleEntry struct {
	Index IndexKey
	Key   []byte
	Ts    int64
}

// CleanerStats is a snapshot of cleaner activity.
type CleanerStats struct {
	Queued    int
	InFlight  int
	Removed   int64
	Skipped   int64
	Failed    int64
	Discarded int64
}

// StaleIndexCleaner deletes stale index entries in the background.
//
// Enqueue never blocks the caller: the queue is unbounded and drained by a
// fixed pool of workers throttled by a rate limiter. Entries already queued
// or in flight are coalesced. Failures are logged and counted, never
// returned, because the entry will be found stale again by a later lookup.
type StaleIndexCleaner struct {
	g       *Graph
	log     zerolog.Logger
	limiter *rate.Limiter

	mu       sync.Mutex
	queue    []StaleEntry
	pending  map[string]struct{}
	inFlight int
	closed   bool
	stats    CleanerStats

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newStaleIndexCleaner(g *Graph, workers int, perSecond float64, burst int) *StaleIndexCleaner {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &StaleIndexCleaner{
		g:       g,
		log:     logging.Component(g.log, "cleaner"),
		limiter: rate.NewLimiter(limit, burst),
		pending: make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	return c
}

// Enqueue queues an entry for deletion. It reports false when the cleaner is
// closed or the entry is already queued.
func (c *StaleIndexCleaner) Enqueue(e StaleEntry) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	k := string(e.Key)
	if _, dup := c.pending[k]; dup {
		c.mu.Unlock()
		return false
	}
	c.pending[k] = struct{}{}
	c.queue = append(c.queue, e)
	depth := len(c.queue)
	c.mu.Unlock()

	c.g.metrics.CleanerQueueDepth.Set(float64(depth))
	c.signal()
	return true
}

func (c *StaleIndexCleaner) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of the cleaner's counters.
func (c *StaleIndexCleaner) Stats() CleanerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Queued = len(c.queue)
	s.InFlight = c.inFlight
	return s
}

// WaitIdle blocks until the queue is empty and no task is running.
func (c *StaleIndexCleaner) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		c.mu.Lock()
		idle := len(c.queue) == 0 && c.inFlight == 0
		c.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close stops the workers after their current task. Queued entries are
// discarded.
func (c *StaleIndexCleaner) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	discarded := len(c.queue)
	c.stats.Discarded += int64(discarded)
	c.queue = nil
	c.pending = make(map[string]struct{})
	c.mu.Unlock()
	c.g.metrics.CleanerQueueDepth.Set(0)
	if discarded > 0 {
		c.log.Info().Int("discarded", discarded).Msg("stale index cleaner stopped with queued work")
	}
}

func (c *StaleIndexCleaner) worker() {
	defer c.wg.Done()
	for {
		e, ok := c.next()
		if !ok {
			select {
			case <-c.ctx.Done():
				return
			case <-c.wake:
				continue
			}
		}
		if err := c.limiter.Wait(c.ctx); err != nil {
			c.finish(e, "")
			return
		}
		c.finish(e, c.process(e))
	}
}

func (c *StaleIndexCleaner) next() (StaleEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 || c.closed {
		return StaleEntry{}, false
	}
	e := c.queue[0]
	c.queue[0] = StaleEntry{}
	c.queue = c.queue[1:]
	c.inFlight++
	if len(c.queue) > 0 {
		c.signal()
	}
	c.g.metrics.CleanerQueueDepth.Set(float64(len(c.queue)))
	return e, true
}

func (c *StaleIndexCleaner) finish(e StaleEntry, result string) {
	c.mu.Lock()
	c.inFlight--
	delete(c.pending, string(e.Key))
	switch result {
	case "removed":
		c.stats.Removed++
	case "skipped":
		c.stats.Skipped++
	case "failed":
		c.stats.Failed++
	}
	c.mu.Unlock()
	if result != "" {
		c.g.metrics.StaleCleanups.WithLabelValues(result).Inc()
	}
}

// process re-checks the element before the conditional delete so an entry
// that became valid again is left alone.
func (c *StaleIndexCleaner) process(e StaleEntry) string {
	entry, err := codec.ParseIndexEntryKey(e.Key)
	if err != nil {
		c.log.Error().Err(err).Str("index", e.Index.String()).Msg("unparseable stale index entry")
		return "failed"
	}
	hit := indexHit{key: e.Key, entry: entry, ts: e.Ts}
	live, err := c.g.liveMatches(e.Index, hit)
	if err != nil {
		c.log.Warn().Err(err).Str("index", e.Index.String()).Msg("stale index check failed")
		return "failed"
	}
	if live {
		return "skipped"
	}
	deleted, err := c.g.indexes.deleteKey(e.Key, e.Ts, "stale")
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.log.Warn().Err(err).Str("index", e.Index.String()).Msg("stale index delete failed")
		}
		return "failed"
	}
	if !deleted {
		return "skipped"
	}
	c.log.Debug().Str("index", e.Index.String()).Int64("indexTs", e.Ts).Msg("removed stale index entry")
	return "removed"
}
