// Package stream implements Server-Sent Events (SSE) streaming of planet
// keyframe batches. Clients connect via GET /api/v1/stream/keyframes and
// receive a continuous stream of heliocentric scene positions.
//
// SSE message format:
//
//	data: {"type":"keyframe_batch","t":"2026-02-06T04:00:00Z","frame":"heliocentric-ecliptic","scale":8,"bodies":[...]}\n\n
//
// First message is always metadata:
//
//	data: {"type":"metadata","epoch":"2000-01-01T12:00:00Z","scale":8,"bodies":[...],"mode":"realtime",...}\n\n
//
// Without speed or start the stream follows wall-clock time and is served
// from the keyframe cache. With either, each connection gets its own
// simulated clock and frames are computed on demand.
//
// Keep-alive comments (:\n\n) are sent every KeepaliveInterval to prevent timeout.
// Reconnecting clients receive a fresh metadata message on each connection.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/star/orrery/internal/cache"
	"github.com/star/orrery/internal/ephemeris"
	"github.com/star/orrery/internal/httputil"
	"github.com/star/orrery/internal/metrics"
	"github.com/star/orrery/internal/propagation"
	"github.com/star/orrery/internal/simclock"
)

// Frame names the coordinate frame positions are expressed in.
const Frame = "heliocentric-ecliptic"

const (
	modeRealtime  = "realtime"
	modeSimulated = "simulated"
)

// Config holds streaming configuration.
type Config struct {
	MaxConcurrentPerIP int           // Max concurrent streams per IP (default: 10).
	MaxConcurrentTotal int           // Max concurrent streams overall (default: 1000).
	KeepaliveInterval  time.Duration // Keep-alive ping interval (default: 30s).
	TrustProxy         bool          // Take the client IP from X-Forwarded-For.
}

// Handler manages SSE streaming connections.
type Handler struct {
	cache   *cache.KeyframeCache
	prop    *propagation.Propagator
	config  Config
	limiter *streamLimiter
	logger  *slog.Logger
}

// NewHandler creates a new streaming handler.
func NewHandler(kfCache *cache.KeyframeCache, prop *propagation.Propagator, config Config, logger *slog.Logger) *Handler {
	if config.KeepaliveInterval <= 0 {
		config.KeepaliveInterval = 30 * time.Second
	}
	return &Handler{
		cache:   kfCache,
		prop:    prop,
		config:  config,
		limiter: newStreamLimiter(config.MaxConcurrentPerIP, config.MaxConcurrentTotal),
		logger:  logger,
	}
}

// streamParams are the validated query parameters of one connection.
type streamParams struct {
	step  time.Duration
	trail int
	speed float64
	start time.Time
	sim   bool
}

func parseParams(r *http.Request) (streamParams, string) {
	q := r.URL.Query()
	p := streamParams{step: 5 * time.Second, trail: 20, speed: 1}

	if v := q.Get("step"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 60 {
			return p, "invalid step parameter, must be 1-60"
		}
		p.step = time.Duration(n) * time.Second
	}

	if v := q.Get("trail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 120 {
			return p, "invalid trail parameter, must be 0-120"
		}
		p.trail = n
	}

	if v := q.Get("speed"); v != "" {
		s, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return p, "invalid speed parameter, must be a positive number up to 1e10"
		}
		p.speed = s
		p.sim = true
	}

	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return p, "invalid start parameter, must be RFC 3339"
		}
		p.start = t.UTC()
		p.sim = true
	}

	return p, ""
}

// HandleKeyframes serves the SSE keyframe stream.
// GET /api/v1/stream/keyframes?step=5&trail=20&speed=1000&start=2000-01-01T12:00:00Z
func (h *Handler) HandleKeyframes(w http.ResponseWriter, r *http.Request) {
	params, msg := parseParams(r)
	if msg != "" {
		httputil.WriteError(w, http.StatusBadRequest, msg)
		return
	}

	var clock *simclock.SimClock
	if params.sim {
		if params.start.IsZero() {
			params.start = time.Now().UTC()
		}
		clock = simclock.New(params.start)
		if err := clock.SetSpeed(params.speed); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid speed parameter, must be a positive number up to 1e10")
			return
		}
	}

	// Concurrent streams are limited per client key (IPv4 address or IPv6 /64).
	peer := httputil.ClientFrom(r, h.config.TrustProxy)
	ip, key := peer.String(), peer.LimitKey()
	if !h.limiter.acquire(key) {
		metrics.IncStreamErrors("rate_limit")
		h.logger.Warn("stream rate limit exceeded",
			"remote_ip", ip,
			"limit_key", key,
			"current_count", h.limiter.count(key),
			"total_active", h.limiter.active(),
		)
		w.Header().Set("Retry-After", "30")
		httputil.WriteError(w, http.StatusTooManyRequests, "too many concurrent streams")
		return
	}

	metrics.IncStreamConnections("connect")
	metrics.IncStreamsActive()

	mode := modeRealtime
	if params.sim {
		mode = modeSimulated
	}

	startTime := time.Now()
	h.logger.Info("stream connected",
		"remote_ip", ip,
		"user_agent", r.Header.Get("User-Agent"),
		"step_seconds", params.step.Seconds(),
		"trail", params.trail,
		"mode", mode,
	)

	defer func() {
		h.limiter.release(key)
		metrics.IncStreamConnections("disconnect")
		metrics.DecStreamsActive()
		h.logger.Info("stream disconnected",
			"remote_ip", ip,
			"duration_seconds", int(time.Since(startTime).Seconds()),
		)
	}()

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering.
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Clear the server's default WriteTimeout for this connection.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("could not clear write deadline", "error", err)
	}

	c := &client{
		w:       w,
		flusher: flusher,
		rc:      rc,
		ip:      ip,
		logger:  h.logger,
	}

	// Jittered retry interval (3-7s) spreads reconnects after a restart.
	if err := c.sendRetry(3000 + rand.Intn(4000)); err != nil {
		metrics.IncStreamErrors("send_error")
		return
	}

	scale := h.streamScale(params.sim)
	if err := c.sendJSON(h.metadata(params, mode, scale)); err != nil {
		metrics.IncStreamErrors("send_error")
		h.logger.Warn("stream send error (metadata)", "remote_ip", ip, "error", err)
		return
	}

	var next func(ctx context.Context, wall time.Time) *keyframeBatchMessage
	if params.sim {
		next = h.simulatedSource(clock, params.trail, scale)
	} else {
		next = h.cacheSource(ip, params.trail)
	}

	h.run(r.Context(), c, params.step, next)
}

// run pumps batches until the client goes away.
func (h *Handler) run(ctx context.Context, c *client, step time.Duration, next func(context.Context, time.Time) *keyframeBatchMessage) {
	ticker := time.NewTicker(step)
	defer ticker.Stop()

	keepaliveTicker := time.NewTicker(h.config.KeepaliveInterval)
	defer keepaliveTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case t := <-ticker.C:
			batch := next(ctx, t)
			if batch == nil {
				continue
			}
			data, err := json.Marshal(batch)
			if err != nil {
				metrics.IncStreamErrors("marshal_error")
				h.logger.Warn("stream marshal error", "remote_ip", c.ip, "error", err)
				continue
			}
			if err := c.sendRaw(data); err != nil {
				metrics.IncStreamErrors("send_error")
				h.logger.Warn("stream send error", "remote_ip", c.ip, "error", err)
				return
			}

			// Reset keepalive since we just sent data.
			keepaliveTicker.Reset(h.config.KeepaliveInterval)

		case <-keepaliveTicker.C:
			if err := c.sendKeepalive(); err != nil {
				metrics.IncStreamErrors("send_error")
				h.logger.Warn("stream keepalive error", "remote_ip", c.ip, "error", err)
				return
			}
		}
	}
}

// cacheSource serves wall-clock frames from the keyframe cache.
func (h *Handler) cacheSource(ip string, trail int) func(context.Context, time.Time) *keyframeBatchMessage {
	return func(_ context.Context, t time.Time) *keyframeBatchMessage {
		if h.cache == nil {
			return nil
		}
		kf := h.cache.Get(t)
		if kf == nil {
			metrics.IncStreamErrors("cache_miss")
			h.logger.Debug("stream cache miss",
				"timestamp", h.cache.RoundToStep(t).Format(time.RFC3339),
				"remote_ip", ip,
			)
			return nil
		}

		var trailKFs []*propagation.Keyframe
		if trail > 0 {
			trailKFs = h.cache.GetRecent(t, trail)
		}
		batch := buildBatchMessage(kf, trailKFs)
		return &batch
	}
}

// simulatedSource computes frames at the connection's simulated time. The
// scale is fixed for the life of the connection.
func (h *Handler) simulatedSource(clock *simclock.SimClock, trail int, scale float64) func(context.Context, time.Time) *keyframeBatchMessage {
	ring := newTrailRing(trail)
	return func(ctx context.Context, _ time.Time) *keyframeBatchMessage {
		kf, err := h.prop.PropagateAt(ctx, clock.Now(), scale)
		if err != nil {
			return nil
		}
		ring.push(kf)
		batch := buildBatchMessage(kf, ring.snapshot())
		return &batch
	}
}

// streamScale is the scale the first frames of a new stream will carry:
// the cache's built scale for realtime streams, the propagator's for
// simulated ones.
func (h *Handler) streamScale(sim bool) float64 {
	switch {
	case !sim && h.cache != nil:
		return h.cache.Scale()
	case h.prop != nil:
		return h.prop.Scale()
	}
	return ephemeris.DefaultScaleFactor
}

func (h *Handler) metadata(p streamParams, mode string, scale float64) metadataMessage {
	meta := metadataMessage{
		Type:      "metadata",
		Epoch:     ephemeris.J2000.Format(time.RFC3339),
		EpochJD:   ephemeris.JulianDate(ephemeris.J2000),
		Scale:     scale,
		Bodies:    ephemeris.Bodies(),
		Frame:     Frame,
		Mode:      mode,
		Speed:     p.speed,
		StepSecs:  int(p.step.Seconds()),
		TrailSize: p.trail,
	}
	if p.sim {
		meta.SimStart = p.start.Format(time.RFC3339)
	}
	return meta
}

// buildBatchMessage formats a keyframe into the SSE batch payload.
// If trailKFs is non-empty, each body includes past positions (oldest first).
func buildBatchMessage(kf *propagation.Keyframe, trailKFs []*propagation.Keyframe) keyframeBatchMessage {
	var trailIndex map[string][][3]float64
	if len(trailKFs) > 0 {
		trailIndex = make(map[string][][3]float64, len(kf.Bodies))
		for _, tkf := range trailKFs {
			for _, b := range tkf.Bodies {
				trailIndex[b.Name] = append(trailIndex[b.Name], b.Position)
			}
		}
	}

	bodies := make([]bodyPayload, len(kf.Bodies))
	for i, b := range kf.Bodies {
		bodies[i] = bodyPayload{
			Name: b.Name,
			P:    b.Position,
		}
		if tr, ok := trailIndex[b.Name]; ok {
			bodies[i].Tr = tr
		}
	}
	return keyframeBatchMessage{
		Type:   "keyframe_batch",
		T:      kf.Timestamp.UTC().Format(time.RFC3339),
		Frame:  Frame,
		Scale:  kf.Scale,
		Bodies: bodies,
	}
}

// SSE message payload types.

type metadataMessage struct {
	Type      string   `json:"type"`
	Epoch     string   `json:"epoch"`
	EpochJD   float64  `json:"epoch_jd"`
	Scale     float64  `json:"scale"`
	Bodies    []string `json:"bodies"`
	Frame     string   `json:"frame"`
	Mode      string   `json:"mode"`
	Speed     float64  `json:"speed"`
	StepSecs  int      `json:"step_seconds"`
	TrailSize int      `json:"trail"`
	SimStart  string   `json:"sim_start,omitempty"`
}

type keyframeBatchMessage struct {
	Type   string        `json:"type"`
	T      string        `json:"t"`
	Frame  string        `json:"frame"`
	Scale  float64       `json:"scale"`
	Bodies []bodyPayload `json:"bodies"`
}

type bodyPayload struct {
	Name string       `json:"name"`
	P    [3]float64   `json:"p"`
	Tr   [][3]float64 `json:"tr,omitempty"`
}
