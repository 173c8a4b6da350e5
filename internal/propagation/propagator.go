package propagation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/star/orrery/internal/ephemeris"
	"github.com/star/orrery/internal/metrics"
)

// ErrBudgetExceeded is returned when a range would produce more than
// MaxFrames keyframes.
var ErrBudgetExceeded = errors.New("frame budget exceeded")

// Propagator turns instants into keyframes at the configured scale.
type Propagator struct {
	config PropConfig
	logger *slog.Logger
	scale  atomic.Uint64 // math.Float64bits of the current scale
}

// NewPropagator creates a new propagation orchestrator.
func NewPropagator(config PropConfig, logger *slog.Logger) *Propagator {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.Scale <= 0 {
		config.Scale = ephemeris.DefaultScaleFactor
	}
	p := &Propagator{
		config: config,
		logger: logger,
	}
	p.scale.Store(math.Float64bits(config.Scale))
	return p
}

// Config returns the configuration the propagator was built with.
func (p *Propagator) Config() PropConfig {
	return p.config
}

// Scale returns the current AU to scene-unit factor.
func (p *Propagator) Scale() float64 {
	return math.Float64frombits(p.scale.Load())
}

// SetScale replaces the scale factor used for subsequent keyframes.
func (p *Propagator) SetScale(scale float64) error {
	if err := ValidateScale(scale); err != nil {
		return err
	}
	p.scale.Store(math.Float64bits(scale))
	metrics.SetScaleFactor(scale)
	return nil
}

// ValidateScale rejects scale factors that would not produce a usable scene.
func ValidateScale(scale float64) error {
	if math.IsNaN(scale) || math.IsInf(scale, 0) || scale <= 0 {
		return fmt.Errorf("scale factor must be a positive finite number, got %v", scale)
	}
	return nil
}

// BuildKeyframe computes every tracked body at t. Bodies are ordered from the
// Sun outwards.
func BuildKeyframe(t time.Time, scale float64) *Keyframe {
	days := ephemeris.DaysSinceEpoch(t)
	names := ephemeris.Bodies()
	bodies := make([]BodyPosition, 0, len(names))
	for _, name := range names {
		el, _ := ephemeris.Elements(name)
		bodies = append(bodies, BodyPosition{
			Name:        name,
			Position:    ephemeris.PositionOf(el, t, scale),
			MeanAnomaly: ephemeris.MeanAnomaly(el, days),
			TrueAnomaly: ephemeris.TrueAnomaly(el, days),
		})
	}
	return &Keyframe{
		Timestamp: t,
		Scale:     scale,
		Bodies:    bodies,
	}
}

// PropagateToTime generates a single keyframe at the given target time using
// the current scale.
func (p *Propagator) PropagateToTime(ctx context.Context, targetTime time.Time) (*Keyframe, error) {
	return p.PropagateAt(ctx, targetTime, p.Scale())
}

// PropagateAt generates a single keyframe at the given target time and scale.
func (p *Propagator) PropagateAt(ctx context.Context, targetTime time.Time, scale float64) (*Keyframe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	kf := BuildKeyframe(targetTime, scale)
	metrics.RecordPropagation(time.Since(start), len(kf.Bodies))

	return kf, nil
}

// GenerateKeyframes generates keyframes from startTime over the configured horizon
// at the configured step interval.
func (p *Propagator) GenerateKeyframes(ctx context.Context, startTime time.Time) ([]*Keyframe, error) {
	return p.GenerateRange(ctx, startTime, startTime.Add(p.config.Horizon), p.config.Step)
}

// FrameCount returns how many keyframes [start, end] at step produces. The
// span is measured in Unix seconds so ranges longer than a time.Duration can
// hold are counted correctly. Counts that do not fit an int saturate.
func FrameCount(start, end time.Time, step time.Duration) int {
	if step <= 0 || end.Before(start) {
		return 0
	}
	span := big.NewInt(end.Unix() - start.Unix())
	span.Mul(span, big.NewInt(int64(time.Second)))
	span.Add(span, big.NewInt(int64(end.Nanosecond()-start.Nanosecond())))
	n := span.Quo(span, big.NewInt(int64(step)))
	if !n.IsInt64() || n.Int64() >= math.MaxInt32 {
		return math.MaxInt32
	}
	return int(n.Int64()) + 1
}

// FrameTime returns start + i*step without overflowing time.Duration.
func FrameTime(start time.Time, i int, step time.Duration) time.Time {
	whole, rem := int64(step/time.Second), int64(step%time.Second)
	n := int64(i)
	nanos := n * rem
	secs := n*whole + nanos/int64(time.Second)
	nanos = nanos%int64(time.Second) + int64(start.Nanosecond())
	return time.Unix(start.Unix()+secs, nanos).In(start.Location())
}

// GenerateRange generates keyframes for [start, end] every step at the current
// scale.
func (p *Propagator) GenerateRange(ctx context.Context, start, end time.Time, step time.Duration) ([]*Keyframe, error) {
	return p.GenerateRangeAt(ctx, start, end, step, p.Scale())
}

// GenerateRangeAt generates keyframes for [start, end] every step, all at
// scale. Frames are computed concurrently by up to Workers goroutines and
// returned in time order.
func (p *Propagator) GenerateRangeAt(ctx context.Context, start, end time.Time, step time.Duration, scale float64) ([]*Keyframe, error) {
	if step <= 0 {
		return nil, fmt.Errorf("step must be positive, got %s", step)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("end %s is before start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}

	numFrames := FrameCount(start, end, step)
	if p.config.MaxFrames > 0 && numFrames > p.config.MaxFrames {
		return nil, fmt.Errorf("%w: %d frames requested, max %d", ErrBudgetExceeded, numFrames, p.config.MaxFrames)
	}

	p.logger.Debug("propagating range",
		"frames", numFrames,
		"from", start.UTC().Format(time.RFC3339),
		"to", end.UTC().Format(time.RFC3339),
		"workers", p.config.Workers,
		"scale", scale,
	)

	keyframes := make([]*Keyframe, numFrames)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Workers)

	begin := time.Now()
	for i := 0; i < numFrames; i++ {
		targetTime := FrameTime(start, i, step)
		g.Go(func() error {
			kf, err := p.PropagateAt(gctx, targetTime, scale)
			if err != nil {
				return fmt.Errorf("keyframe %d at %s: %w", i, targetTime.Format(time.RFC3339), err)
			}
			keyframes[i] = kf
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	p.logger.Debug("range complete",
		"frames", numFrames,
		"duration_ms", time.Since(begin).Milliseconds(),
	)

	return keyframes, nil
}
