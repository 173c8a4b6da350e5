// Package cache keeps planet keyframes for a rolling window around wall-clock
// now, so realtime streams read positions instead of computing them.
//
// Frames are keyed by their step-aligned UTC instant. Every frame in the
// window shares one scale, the built scale; a scale change rebuilds the whole
// window off to the side and swaps it in.
package cache

import (
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/star/orrery/internal/metrics"
	"github.com/star/orrery/internal/propagation"
)

// latestLookback is how many steps GetLatest walks back from now.
const latestLookback = 10

// Config sizes the rolling window.
type Config struct {
	Step    time.Duration // spacing of cached instants
	Horizon time.Duration // window reaches this far past now
	Buffer  time.Duration // frames older than now-Buffer are dropped
}

// KeyframeCache is safe for concurrent use.
type KeyframeCache struct {
	config Config
	prop   *propagation.Propagator
	logger *slog.Logger

	mu     sync.RWMutex
	frames map[time.Time]*propagation.Keyframe

	built atomic.Uint64 // math.Float64bits of the window's scale, 0 before warmup

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	ready      atomic.Bool
	rebuilding atomic.Bool

	kick chan struct{}
}

// NewKeyframeCache returns an empty cache. Call Start to fill and maintain it.
func NewKeyframeCache(config Config, prop *propagation.Propagator, logger *slog.Logger) *KeyframeCache {
	logger.Info("keyframe cache configured",
		"step_seconds", config.Step.Seconds(),
		"horizon_seconds", config.Horizon.Seconds(),
		"buffer_seconds", config.Buffer.Seconds(),
		"frames", int(config.Horizon/config.Step)+1,
	)
	return &KeyframeCache{
		config: config,
		prop:   prop,
		logger: logger,
		frames: make(map[time.Time]*propagation.Keyframe),
		kick:   make(chan struct{}, 1),
	}
}

// RoundToStep maps t to its cache key.
func (c *KeyframeCache) RoundToStep(t time.Time) time.Time {
	return t.UTC().Truncate(c.config.Step)
}

// Step returns the spacing of cached instants.
func (c *KeyframeCache) Step() time.Duration {
	return c.config.Step
}

// Ready reports whether the first full window has been built.
func (c *KeyframeCache) Ready() bool {
	return c.ready.Load()
}

// Scale returns the scale of the frames currently served. Before warmup it is
// the propagator's scale, which warmup will build at.
func (c *KeyframeCache) Scale() float64 {
	if s := math.Float64frombits(c.built.Load()); s > 0 {
		return s
	}
	return c.prop.Scale()
}

func (c *KeyframeCache) setBuilt(scale float64) {
	c.built.Store(math.Float64bits(scale))
}

// Get returns the frame for the step containing t, or nil.
func (c *KeyframeCache) Get(t time.Time) *propagation.Keyframe {
	c.mu.RLock()
	kf := c.frames[c.RoundToStep(t)]
	c.mu.RUnlock()

	c.count(kf != nil)
	return kf
}

// GetRecent returns up to n frames ending at the step containing t, oldest
// first. Missing steps are skipped.
func (c *KeyframeCache) GetRecent(t time.Time, n int) []*propagation.Keyframe {
	if n <= 0 {
		return nil
	}
	end := c.RoundToStep(t)
	out := make([]*propagation.Keyframe, 0, n)

	c.mu.RLock()
	defer c.mu.RUnlock()
	for back := n - 1; back >= 0; back-- {
		if kf, ok := c.frames[end.Add(-time.Duration(back)*c.config.Step)]; ok {
			out = append(out, kf)
		}
	}
	return out
}

// GetLatest returns the newest frame at or before now, looking back a few
// steps to ride out a late tick.
func (c *KeyframeCache) GetLatest() *propagation.Keyframe {
	now := c.RoundToStep(time.Now())

	c.mu.RLock()
	var kf *propagation.Keyframe
	for back := 0; back < latestLookback && kf == nil; back++ {
		kf = c.frames[now.Add(-time.Duration(back)*c.config.Step)]
	}
	c.mu.RUnlock()

	c.count(kf != nil)
	return kf
}

func (c *KeyframeCache) count(hit bool) {
	if hit {
		c.hits.Add(1)
		metrics.IncCacheHits()
		return
	}
	c.misses.Add(1)
	metrics.IncCacheMisses()
}

func (c *KeyframeCache) has(t time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.frames[c.RoundToStep(t)]
	return ok
}

// store adds frames to the window.
func (c *KeyframeCache) store(kfs ...*propagation.Keyframe) {
	c.mu.Lock()
	for _, kf := range kfs {
		c.frames[c.RoundToStep(kf.Timestamp)] = kf
	}
	c.mu.Unlock()
	c.publish()
}

// swap replaces the whole window with frames built at scale.
func (c *KeyframeCache) swap(kfs []*propagation.Keyframe, scale float64) {
	frames := make(map[time.Time]*propagation.Keyframe, len(kfs))
	for _, kf := range kfs {
		frames[c.RoundToStep(kf.Timestamp)] = kf
	}
	c.mu.Lock()
	c.frames = frames
	c.setBuilt(scale)
	c.mu.Unlock()
	c.publish()
}

// evictBefore drops frames keyed before cutoff and returns how many went.
func (c *KeyframeCache) evictBefore(cutoff time.Time) int {
	c.mu.Lock()
	var n int
	for ts := range c.frames {
		if ts.Before(cutoff) {
			delete(c.frames, ts)
			n++
		}
	}
	c.mu.Unlock()

	if n > 0 {
		c.evictions.Add(int64(n))
		metrics.AddCacheEvictions(n)
		c.publish()
		c.logger.Debug("evicted keyframes", "count", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n
}

// CacheStats is a point-in-time view of the cache.
type CacheStats struct {
	Entries         int
	SizeBytes       int64
	OldestTimestamp time.Time
	NewestTimestamp time.Time
	Hits            int64
	Misses          int64
	Evictions       int64
	Scale           float64
	Ready           bool
	InGracePeriod   bool
}

// Stats reports window bounds, counters and the served scale.
func (c *KeyframeCache) Stats() CacheStats {
	s := CacheStats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Evictions:     c.evictions.Load(),
		Scale:         c.Scale(),
		Ready:         c.ready.Load(),
		InGracePeriod: c.rebuilding.Load(),
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	s.Entries = len(c.frames)
	s.SizeBytes = c.sizeLocked()
	for ts := range c.frames {
		if s.OldestTimestamp.IsZero() || ts.Before(s.OldestTimestamp) {
			s.OldestTimestamp = ts
		}
		if ts.After(s.NewestTimestamp) {
			s.NewestTimestamp = ts
		}
	}
	return s
}

// sizeLocked approximates the window's heap footprint: body slices, keyframe
// headers and one map slot (key plus pointer) per frame.
func (c *KeyframeCache) sizeLocked() int64 {
	const (
		bodySize  = int64(unsafe.Sizeof(propagation.BodyPosition{}))
		frameSize = int64(unsafe.Sizeof(propagation.Keyframe{}))
		slotSize  = int64(unsafe.Sizeof(time.Time{})) + 8
	)
	var total int64
	for _, kf := range c.frames {
		total += frameSize + slotSize + int64(len(kf.Bodies))*bodySize
	}
	return total
}

// publish pushes window size gauges to Prometheus.
func (c *KeyframeCache) publish() {
	c.mu.RLock()
	n, size := len(c.frames), c.sizeLocked()
	c.mu.RUnlock()
	metrics.SetCacheEntries(n)
	metrics.SetCacheSizeBytes(size)
}
