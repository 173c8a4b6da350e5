package cache

import (
	"context"
	"time"

	"github.com/star/orrery/internal/metrics"
)

// SetScale validates and applies a new scale, then wakes the maintenance loop
// to rebuild. Reads keep returning frames at the built scale until the new
// window is swapped in.
func (c *KeyframeCache) SetScale(scale float64) error {
	if err := c.prop.SetScale(scale); err != nil {
		return err
	}
	select {
	case c.kick <- struct{}{}:
	default:
	}
	return nil
}

func (c *KeyframeCache) scaleChanged() bool {
	return c.prop.Scale() != c.Scale()
}

// performCutover rebuilds the window at the propagator's current scale. The
// scale is read once, so every frame of the new window agrees even if it
// changes again mid-build; that later change is picked up by the next tick.
func (c *KeyframeCache) performCutover(ctx context.Context) {
	from, to := c.Scale(), c.prop.Scale()
	c.logger.Info("scale cutover starting", "from_scale", from, "to_scale", to)

	c.rebuilding.Store(true)
	metrics.SetCacheGracePeriodActive(true)
	defer func() {
		c.rebuilding.Store(false)
		metrics.SetCacheGracePeriodActive(false)
	}()

	began := time.Now()
	kfs, err := c.window(ctx, to)
	if err != nil {
		c.logger.Warn("scale cutover failed", "to_scale", to, "error", err)
		metrics.IncCacheRegenerationErrors()
		return
	}

	c.swap(kfs, to)

	took := time.Since(began)
	metrics.ObserveCacheRegenerationDuration(took)
	c.logger.Info("scale cutover complete",
		"scale", to,
		"frames", len(kfs),
		"duration_ms", took.Milliseconds(),
	)
}
