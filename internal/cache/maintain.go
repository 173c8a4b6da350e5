package cache

import (
	"context"
	"time"

	"github.com/star/orrery/internal/metrics"
	"github.com/star/orrery/internal/propagation"
)

// Start builds the first window and then keeps it rolling: one new frame at
// the leading edge per step, expired frames dropped from the trailing edge,
// and a full rebuild whenever the propagator scale moves away from the built
// scale. It returns when ctx is done.
func (c *KeyframeCache) Start(ctx context.Context) {
	c.warmup(ctx)

	ticker := time.NewTicker(c.config.Step)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("keyframe cache stopped")
			return
		case <-ticker.C:
		case <-c.kick:
		}
		c.tick(ctx)
	}
}

func (c *KeyframeCache) tick(ctx context.Context) {
	switch {
	case !c.Ready():
		c.warmup(ctx)
	case c.scaleChanged():
		c.performCutover(ctx)
	default:
		c.extend(ctx)
		c.evictBefore(time.Now().Add(-c.config.Buffer))
	}
}

// window computes every frame of [now, now+horizon] at scale.
func (c *KeyframeCache) window(ctx context.Context, scale float64) ([]*propagation.Keyframe, error) {
	from := c.RoundToStep(time.Now())
	return c.prop.GenerateRangeAt(ctx, from, from.Add(c.config.Horizon), c.config.Step, scale)
}

// warmup builds the first window. On failure the cache stays not ready and
// the next tick tries again.
func (c *KeyframeCache) warmup(ctx context.Context) {
	scale := c.prop.Scale()
	began := time.Now()

	kfs, err := c.window(ctx, scale)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("keyframe cache warmup failed", "scale", scale, "error", err)
			metrics.IncCacheRegenerationErrors()
		}
		return
	}

	c.setBuilt(scale)
	c.store(kfs...)
	c.ready.Store(true)

	c.logger.Info("keyframe cache warm",
		"frames", len(kfs),
		"scale", scale,
		"duration_ms", time.Since(began).Milliseconds(),
	)
}

// extend adds the frame at now+horizon if it is missing, at the built scale.
func (c *KeyframeCache) extend(ctx context.Context) {
	at := c.RoundToStep(time.Now().Add(c.config.Horizon))
	if c.has(at) {
		return
	}

	began := time.Now()
	kf, err := c.prop.PropagateAt(ctx, at, c.Scale())
	if err != nil {
		c.logger.Warn("leading edge propagation failed", "t", at.Format(time.RFC3339), "error", err)
		metrics.IncCacheRegenerationErrors()
		return
	}
	c.store(kf)
	metrics.ObserveCacheRegenerationDuration(time.Since(began))
}
