package cache

import (
	"context"
	"log/slog"
	"math"
	"os"
	"testing"
	"time"

	"github.com/star/orrery/internal/propagation"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testPropagator() *propagation.Propagator {
	cfg := propagation.PropConfig{Workers: 2, Step: 5 * time.Second, Horizon: 30 * time.Second, Scale: 8, MaxFrames: 1000}
	return propagation.NewPropagator(cfg, testLogger())
}

func testConfig() Config {
	return Config{
		Step:    5 * time.Second,
		Horizon: 30 * time.Second,
		Buffer:  10 * time.Second,
	}
}

// TestKeyframeCache tests basic cache operations: store, get, stats.
func TestKeyframeCache(t *testing.T) {
	prop := testPropagator()
	c := NewKeyframeCache(testConfig(), prop, testLogger())

	ctx := context.Background()
	target := time.Now().Truncate(5 * time.Second)
	kf, err := prop.PropagateToTime(ctx, target)
	if err != nil {
		t.Fatalf("PropagateToTime failed: %v", err)
	}

	c.store(kf)

	got := c.Get(target)
	if got == nil {
		t.Fatal("expected cache hit, got nil")
	}
	if !got.Timestamp.Equal(target) {
		t.Errorf("timestamp mismatch: got %v, want %v", got.Timestamp, target)
	}

	stats := c.Stats()
	if stats.Entries != 1 {
		t.Errorf("entries: got %d, want 1", stats.Entries)
	}
	if stats.Hits < 1 {
		t.Errorf("hits: got %d, want >= 1", stats.Hits)
	}
	if stats.Scale != 8 {
		t.Errorf("scale: got %v, want 8", stats.Scale)
	}
}

// TestRoundToStep verifies timestamp rounding.
func TestRoundToStep(t *testing.T) {
	c := NewKeyframeCache(testConfig(), testPropagator(), testLogger())

	tests := []struct {
		input    time.Time
		expected time.Time
	}{
		{
			input:    time.Date(2026, 2, 6, 12, 0, 3, 0, time.UTC),
			expected: time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC),
		},
		{
			input:    time.Date(2026, 2, 6, 12, 0, 7, 0, time.UTC),
			expected: time.Date(2026, 2, 6, 12, 0, 5, 0, time.UTC),
		},
		{
			input:    time.Date(2026, 2, 6, 12, 0, 10, 0, time.UTC),
			expected: time.Date(2026, 2, 6, 12, 0, 10, 0, time.UTC),
		},
		{
			input:    time.Date(2026, 2, 6, 14, 0, 7, 0, time.FixedZone("CEST", 2*3600)),
			expected: time.Date(2026, 2, 6, 12, 0, 5, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		got := c.RoundToStep(tt.input)
		if !got.Equal(tt.expected) {
			t.Errorf("RoundToStep(%v) = %v, want %v", tt.input, got, tt.expected)
		}
	}
}

// TestCacheMiss verifies that a miss returns nil and increments miss counter.
func TestCacheMiss(t *testing.T) {
	c := NewKeyframeCache(testConfig(), testPropagator(), testLogger())

	if got := c.Get(time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)); got != nil {
		t.Fatal("expected nil for cache miss")
	}

	if stats := c.Stats(); stats.Misses < 1 {
		t.Errorf("misses: got %d, want >= 1", stats.Misses)
	}
}

// TestEvictExpired verifies that expired entries are removed.
func TestEvictExpired(t *testing.T) {
	prop := testPropagator()
	cfg := testConfig()
	cfg.Buffer = 0 // evict as soon as an entry is in the past
	c := NewKeyframeCache(cfg, prop, testLogger())

	ctx := context.Background()

	pastTime := time.Now().Add(-2 * time.Minute).Truncate(5 * time.Second)
	kf, err := prop.PropagateToTime(ctx, pastTime)
	if err != nil {
		t.Fatalf("PropagateToTime failed: %v", err)
	}
	c.store(kf)

	futureTime := time.Now().Add(1 * time.Minute).Truncate(5 * time.Second)
	kf2, err := prop.PropagateToTime(ctx, futureTime)
	if err != nil {
		t.Fatalf("PropagateToTime failed: %v", err)
	}
	c.store(kf2)

	if c.Stats().Entries != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Stats().Entries)
	}

	if removed := c.evictBefore(time.Now().Add(-cfg.Buffer)); removed != 1 {
		t.Errorf("expected 1 eviction, got %d", removed)
	}

	if c.Get(pastTime) != nil {
		t.Error("expected past entry to be evicted")
	}
	if c.Get(futureTime) == nil {
		t.Error("expected future entry to remain")
	}
}

// TestIncrementalGeneration verifies the warmup fills the cache.
func TestIncrementalGeneration(t *testing.T) {
	cfg := testConfig()
	cfg.Horizon = 15 * time.Second // Small horizon: 4 keyframes (0, 5, 10, 15).
	c := NewKeyframeCache(cfg, testPropagator(), testLogger())

	if c.Ready() {
		t.Fatal("cache should not be ready before warmup")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c.warmup(ctx)

	stats := c.Stats()
	expectedFrames := int(cfg.Horizon/cfg.Step) + 1
	if stats.Entries < expectedFrames {
		t.Errorf("warmup generated %d entries, expected >= %d", stats.Entries, expectedFrames)
	}
	if !c.Ready() {
		t.Error("cache should be ready after warmup")
	}

	if kf := c.GetLatest(); kf == nil {
		t.Fatal("GetLatest returned nil after warmup")
	}
}

// TestGetRecent verifies trail lookups come back oldest first.
func TestGetRecent(t *testing.T) {
	prop := testPropagator()
	c := NewKeyframeCache(testConfig(), prop, testLogger())

	base := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		kf, err := prop.PropagateToTime(context.Background(), base.Add(time.Duration(i)*5*time.Second))
		if err != nil {
			t.Fatal(err)
		}
		c.store(kf)
	}

	recent := c.GetRecent(base.Add(15*time.Second), 3)
	if len(recent) != 3 {
		t.Fatalf("got %d keyframes, want 3", len(recent))
	}
	if !recent[0].Timestamp.Equal(base.Add(5*time.Second)) {
		t.Errorf("oldest = %v, want %v", recent[0].Timestamp, base.Add(5*time.Second))
	}
	if !recent[2].Timestamp.Equal(base.Add(15*time.Second)) {
		t.Errorf("newest = %v, want %v", recent[2].Timestamp, base.Add(15*time.Second))
	}

	if got := c.GetRecent(base, 0); got != nil {
		t.Errorf("count 0 should return nil, got %d frames", len(got))
	}
}

// TestScaleCutover verifies graceful rebuild after a scale change.
func TestScaleCutover(t *testing.T) {
	cfg := testConfig()
	cfg.Horizon = 10 * time.Second // 3 keyframes: 0, 5, 10.
	c := NewKeyframeCache(cfg, testPropagator(), testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c.warmup(ctx)
	if c.Stats().Entries == 0 {
		t.Fatal("no entries after warmup")
	}

	if err := c.SetScale(16); err != nil {
		t.Fatalf("SetScale failed: %v", err)
	}
	if !c.scaleChanged() {
		t.Fatal("expected scaleChanged() to return true after SetScale")
	}

	// Until the rebuild lands, reads still see the old scale.
	if s := c.Scale(); s != 8 {
		t.Errorf("served scale before cutover = %v, want 8", s)
	}
	if kf := c.GetLatest(); kf == nil || kf.Scale != 8 {
		t.Errorf("latest keyframe before cutover = %+v, want scale 8", kf)
	}

	c.performCutover(ctx)

	if c.Stats().InGracePeriod {
		t.Error("grace period should be false after cutover")
	}
	if c.scaleChanged() {
		t.Error("expected scaleChanged() to return false after cutover")
	}

	kf := c.GetLatest()
	if kf == nil {
		t.Fatal("no keyframe after cutover")
	}
	if kf.Scale != 16 {
		t.Errorf("keyframe scale = %v, want 16", kf.Scale)
	}
	for _, b := range kf.Bodies {
		if b.Name != "Earth" {
			continue
		}
		if r := math.Hypot(b.Position[0], b.Position[2]); math.Abs(r-16) > 1e-9 {
			t.Errorf("Earth radius = %v, want 16", r)
		}
	}
}

// TestCutoverScaleChangesMidBuild verifies a cutover never leaves the window
// at mixed scales when the scale keeps moving while it runs, and that the
// next cutover catches up with the final scale.
func TestCutoverScaleChangesMidBuild(t *testing.T) {
	prop := propagation.NewPropagator(propagation.PropConfig{
		Workers: 4, Step: time.Second, Horizon: time.Hour, Scale: 8, MaxFrames: 5000,
	}, testLogger())
	c := NewKeyframeCache(Config{Step: time.Second, Horizon: time.Hour, Buffer: time.Minute}, prop, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c.warmup(ctx)
	if !c.Ready() {
		t.Fatal("warmup did not complete")
	}

	if err := c.SetScale(16); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			_ = prop.SetScale(float64(2 + i%5))
		}
		_ = prop.SetScale(32)
	}()
	c.performCutover(ctx)
	<-done

	assertUniformScale(t, c, c.Scale())

	if !c.scaleChanged() {
		if c.Scale() != 32 {
			t.Fatalf("scale = %v with no change pending, want 32", c.Scale())
		}
		return
	}
	c.performCutover(ctx)
	if c.Scale() != 32 {
		t.Errorf("scale after catch-up cutover = %v, want 32", c.Scale())
	}
	assertUniformScale(t, c, 32)
}

func assertUniformScale(t *testing.T, c *KeyframeCache, want float64) {
	t.Helper()
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.frames) == 0 {
		t.Fatal("window is empty")
	}
	for ts, kf := range c.frames {
		if kf.Scale != want {
			t.Fatalf("frame %s: scale = %v, want %v", ts.Format(time.RFC3339), kf.Scale, want)
		}
	}
}

// TestWarmupRetriesAfterCancel verifies a cancelled warmup leaves the cache
// not ready and a later tick builds the window.
func TestWarmupRetriesAfterCancel(t *testing.T) {
	c := NewKeyframeCache(testConfig(), testPropagator(), testLogger())

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	c.warmup(cancelled)
	if c.Ready() {
		t.Fatal("cancelled warmup should not mark the cache ready")
	}

	c.tick(context.Background())
	if !c.Ready() {
		t.Fatal("tick should retry warmup")
	}
	if n := c.Stats().Entries; n != 7 {
		t.Errorf("entries = %d, want 7", n)
	}
}

// TestSetScaleRejectsInvalid verifies the cache does not schedule a cutover
// for an invalid scale.
func TestSetScaleRejectsInvalid(t *testing.T) {
	c := NewKeyframeCache(testConfig(), testPropagator(), testLogger())
	c.setBuilt(8)

	if err := c.SetScale(-1); err == nil {
		t.Fatal("expected error for negative scale")
	}
	if c.scaleChanged() {
		t.Error("rejected scale should not mark the cache as changed")
	}
}

// TestGetLatestEmpty verifies GetLatest with empty cache returns nil.
func TestGetLatestEmpty(t *testing.T) {
	c := NewKeyframeCache(testConfig(), testPropagator(), testLogger())

	if got := c.GetLatest(); got != nil {
		t.Fatal("expected nil from empty cache")
	}
}

// TestConcurrentAccess verifies cache is safe for concurrent reads and writes.
func TestConcurrentAccess(t *testing.T) {
	c := NewKeyframeCache(testConfig(), testPropagator(), testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go c.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for !c.Ready() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !c.Ready() {
		t.Fatal("cache did not become ready")
	}

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				c.GetLatest()
				c.Get(time.Now())
				c.Stats()
			}
			done <- struct{}{}
		}()
	}
	// Concurrent cutover while readers run.
	if err := c.SetScale(4); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		select {
		case <-done:
		case <-ctx.Done():
			t.Fatal("timeout waiting for concurrent reads")
		}
	}
}

// TestSizeEstimation verifies the size estimation is reasonable.
func TestSizeEstimation(t *testing.T) {
	cfg := testConfig()
	cfg.Horizon = 10 * time.Second
	c := NewKeyframeCache(cfg, testPropagator(), testLogger())

	c.warmup(context.Background())

	stats := c.Stats()
	if stats.SizeBytes <= 0 {
		t.Errorf("expected positive size estimate, got %d", stats.SizeBytes)
	}

	// 8 bodies and 3 entries stay well under 10KB.
	if stats.SizeBytes > 10000 {
		t.Errorf("size estimate seems too large: %d bytes", stats.SizeBytes)
	}
}
