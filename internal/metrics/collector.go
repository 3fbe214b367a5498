package metrics

import (
	"context"
	"time"

	"github.com/chunkvault/chunkvault/internal/booking"
)

// BookingSource provides booking engine counts.
type BookingSource interface {
	Stats() booking.Stats
}

// PathCacheSource provides path cache counters.
type PathCacheSource interface {
	Stats() (hits, misses uint64)
	Len() int
}

// LockSource provides the lock tree size.
type LockSource interface {
	NodeCount() int
}

// StreamSource provides admission queue occupancy.
type StreamSource interface {
	Active() int
	Waiting() int
}

// QueueSource provides the number of queued thumbnail requests.
type QueueSource interface {
	ThumbnailQueueLen() int
}

// CollectorConfig holds the sources a Collector polls. Nil sources are skipped.
type CollectorConfig struct {
	Booking    BookingSource
	PathCache  PathCacheSource
	Locks      LockSource
	Streams    StreamSource
	Thumbnails QueueSource
}

// Collector copies state owned by other components into metrics.
type Collector struct {
	metrics *ManagerMetrics
	config  CollectorConfig

	lastHits   uint64
	lastMisses uint64
}

// NewCollector creates a new metrics collector.
func NewCollector(m *ManagerMetrics, cfg CollectorConfig) *Collector {
	return &Collector{
		metrics: m,
		config:  cfg,
	}
}

// Collect updates all metrics from the current state.
func (c *Collector) Collect() {
	c.collectBookingStats()
	c.collectPathCacheStats()
	c.collectLockStats()
	c.collectStreamStats()
	c.collectQueueStats()
}

func (c *Collector) collectBookingStats() {
	if c.config.Booking == nil {
		return
	}
	s := c.config.Booking.Stats()
	c.metrics.WorkersConnected.Set(float64(s.Workers))
	c.metrics.WorkersBusy.Set(float64(s.Busy))
	c.metrics.WorkersBooked.Set(float64(s.Booked))
	c.metrics.Bookings.Set(float64(s.Clients))
	c.metrics.BookingsUnderfed.Set(float64(s.Underfed))
}

func (c *Collector) collectPathCacheStats() {
	if c.config.PathCache == nil {
		return
	}
	hits, misses := c.config.PathCache.Stats()

	// Calculate deltas and add to counters
	if hits > c.lastHits {
		c.metrics.PathCacheHits.Add(float64(hits - c.lastHits))
	}
	if misses > c.lastMisses {
		c.metrics.PathCacheMisses.Add(float64(misses - c.lastMisses))
	}
	c.lastHits, c.lastMisses = hits, misses

	c.metrics.PathCacheNodes.Set(float64(c.config.PathCache.Len()))
}

func (c *Collector) collectLockStats() {
	if c.config.Locks == nil {
		return
	}
	c.metrics.LockNodes.Set(float64(c.config.Locks.NodeCount()))
}

func (c *Collector) collectStreamStats() {
	if c.config.Streams == nil {
		return
	}
	c.metrics.StreamsActive.Set(float64(c.config.Streams.Active()))
	c.metrics.StreamsWaiting.Set(float64(c.config.Streams.Waiting()))
}

func (c *Collector) collectQueueStats() {
	if c.config.Thumbnails == nil {
		return
	}
	c.metrics.ThumbnailQueue.Set(float64(c.config.Thumbnails.ThumbnailQueueLen()))
}

// Run starts periodic metric collection.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}
