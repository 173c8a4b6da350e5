package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/star/orrery/internal/cache"
	"github.com/star/orrery/internal/catalog"
	"github.com/star/orrery/internal/ephemeris"
	"github.com/star/orrery/internal/httputil"
	"github.com/star/orrery/internal/metrics"
	"github.com/star/orrery/internal/propagation"
	"github.com/star/orrery/internal/stream"
)

const (
	defaultRangeSpan = 24 * time.Hour
	defaultRangeStep = time.Hour
)

// parseInstant reads an RFC 3339 timestamp from the query, defaulting to now.
func parseInstant(r *http.Request, key string, def time.Time) (time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, errors.New("invalid " + key + " parameter, must be RFC 3339")
	}
	return t.UTC(), nil
}

// parseScale reads ?scale=, falling back to the propagator's current scale.
func parseScale(r *http.Request, prop *propagation.Propagator) (float64, error) {
	v := r.URL.Query().Get("scale")
	if v == "" {
		return prop.Scale(), nil
	}
	s, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errors.New("invalid scale parameter, must be a number")
	}
	if err := propagation.ValidateScale(s); err != nil {
		return 0, err
	}
	return s, nil
}

type bodyResponse struct {
	catalog.Body
	Elements *ephemeris.OrbitalElements `json:"elements,omitempty"`
}

func bodiesHandler(cat *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bodies := cat.All()
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"count":  len(bodies),
			"bodies": bodies,
		})
	}
}

func bodyHandler(cat *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := cat.Get(r.PathValue("name"))
		if errors.Is(err, catalog.ErrNotFound) {
			httputil.WriteError(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "catalog lookup failed")
			return
		}

		resp := bodyResponse{Body: b}
		if el, ok := ephemeris.Elements(b.Name); ok {
			resp.Elements = &el
		}
		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}

type positionsResponse struct {
	T          string                        `json:"t"`
	JulianDate float64                       `json:"julian_date"`
	Scale      float64                       `json:"scale"`
	Frame      string                        `json:"frame"`
	Positions  map[string]ephemeris.Position `json:"positions"`
}

// positionsHandler serves GET /api/v1/positions?t=&scale=.
func positionsHandler(prop *propagation.Propagator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := parseInstant(r, "t", time.Now().UTC())
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		scale, err := parseScale(r, prop)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}

		metrics.IncLookups("all")
		httputil.WriteJSON(w, http.StatusOK, positionsResponse{
			T:          t.Format(time.RFC3339Nano),
			JulianDate: ephemeris.JulianDate(t),
			Scale:      scale,
			Frame:      stream.Frame,
			Positions:  ephemeris.AllPositions(t, scale),
		})
	}
}

type positionResponse struct {
	Body        string             `json:"body"`
	Known       bool               `json:"known"`
	T           string             `json:"t"`
	JulianDate  float64            `json:"julian_date"`
	Scale       float64            `json:"scale"`
	Position    ephemeris.Position `json:"position"`
	MeanAnomaly float64            `json:"mean_anomaly_deg"`
	TrueAnomaly float64            `json:"true_anomaly_deg"`
}

// positionHandler serves GET /api/v1/positions/{name}?t=&scale=&lenient=.
// Unknown bodies are 404 unless lenient=true, which answers with the origin.
func positionHandler(logger *slog.Logger, prop *propagation.Propagator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := parseInstant(r, "t", time.Now().UTC())
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		scale, err := parseScale(r, prop)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		lenient, _ := strconv.ParseBool(r.URL.Query().Get("lenient"))

		name := r.PathValue("name")
		if canonical, ok := ephemeris.Resolve(name); ok {
			name = canonical
		}

		resp := positionResponse{
			Body:       name,
			T:          t.Format(time.RFC3339Nano),
			JulianDate: ephemeris.JulianDate(t),
			Scale:      scale,
		}

		pos, err := ephemeris.Lookup(name, t, scale)
		switch {
		case errors.Is(err, ephemeris.ErrUnknownBody) && !lenient:
			metrics.IncLookups("unknown")
			httputil.WriteError(w, http.StatusNotFound, err.Error())
			return
		case errors.Is(err, ephemeris.ErrUnknownBody):
			metrics.IncLookups("lenient")
			logger.Debug("lenient lookup of unknown body", "body", name)
		case err != nil:
			httputil.WriteError(w, http.StatusInternalServerError, "position lookup failed")
			return
		default:
			metrics.IncLookups("hit")
			el, _ := ephemeris.Elements(name)
			days := ephemeris.DaysSinceEpoch(t)
			resp.Known = true
			resp.MeanAnomaly = ephemeris.MeanAnomaly(el, days)
			resp.TrueAnomaly = ephemeris.TrueAnomaly(el, days)
		}

		resp.Position = pos
		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}

type ephemerisFrame struct {
	T          string     `json:"t"`
	JulianDate float64    `json:"jd"`
	P          [3]float64 `json:"p"`
}

type ephemerisResponse struct {
	Body        string           `json:"body"`
	Start       string           `json:"start"`
	End         string           `json:"end"`
	StepSeconds float64          `json:"step_seconds"`
	Scale       float64          `json:"scale"`
	Frame       string           `json:"frame"`
	Frames      []ephemerisFrame `json:"frames"`
}

// ephemerisHandler serves GET /api/v1/ephemeris/{name}?start=&end=&step=.
// step is a Go duration ("1h", "30m"). Ranges above the frame budget are
// rejected with 400 before any work is done.
func ephemerisHandler(logger *slog.Logger, prop *propagation.Propagator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, ok := ephemeris.Resolve(r.PathValue("name"))
		if !ok {
			metrics.IncLookups("unknown")
			httputil.WriteError(w, http.StatusNotFound, "unknown body: "+r.PathValue("name"))
			return
		}

		start, err := parseInstant(r, "start", time.Now().UTC().Truncate(time.Hour))
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		end, err := parseInstant(r, "end", start.Add(defaultRangeSpan))
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		step := defaultRangeStep
		if v := r.URL.Query().Get("step"); v != "" {
			step, err = time.ParseDuration(v)
			if err != nil || step <= 0 {
				httputil.WriteError(w, http.StatusBadRequest, "invalid step parameter, must be a positive duration")
				return
			}
		}
		if end.Before(start) {
			httputil.WriteError(w, http.StatusBadRequest, "end must not be before start")
			return
		}

		scale := prop.Scale()
		keyframes, err := prop.GenerateRangeAt(r.Context(), start, end, step, scale)
		if errors.Is(err, propagation.ErrBudgetExceeded) {
			httputil.WriteJSON(w, http.StatusBadRequest, map[string]any{
				"error":            err.Error(),
				"max_frames":       prop.Config().MaxFrames,
				"requested_frames": propagation.FrameCount(start, end, step),
			})
			return
		}
		if err != nil {
			logger.Warn("ephemeris range failed", "body", name, "error", err)
			httputil.WriteError(w, http.StatusInternalServerError, "ephemeris generation failed")
			return
		}

		frames := make([]ephemerisFrame, 0, len(keyframes))
		for _, kf := range keyframes {
			for _, b := range kf.Bodies {
				if b.Name != name {
					continue
				}
				frames = append(frames, ephemerisFrame{
					T:          kf.Timestamp.UTC().Format(time.RFC3339),
					JulianDate: ephemeris.JulianDate(kf.Timestamp),
					P:          b.Position,
				})
			}
		}

		metrics.IncLookups("range")
		httputil.WriteJSON(w, http.StatusOK, ephemerisResponse{
			Body:        name,
			Start:       start.Format(time.RFC3339),
			End:         end.Format(time.RFC3339),
			StepSeconds: step.Seconds(),
			Scale:       scale,
			Frame:       stream.Frame,
			Frames:      frames,
		})
	}
}

type keyframeBody struct {
	Name        string     `json:"name"`
	P           [3]float64 `json:"p"`
	MeanAnomaly float64    `json:"mean_anomaly_deg"`
	TrueAnomaly float64    `json:"true_anomaly_deg"`
}

type keyframeResponse struct {
	T      string         `json:"t"`
	Scale  float64        `json:"scale"`
	Frame  string         `json:"frame"`
	Bodies []keyframeBody `json:"bodies"`
}

func latestKeyframeHandler(c *cache.KeyframeCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kf := c.GetLatest()
		if kf == nil {
			httputil.WriteError(w, http.StatusNotFound, "no keyframe cached yet")
			return
		}

		bodies := make([]keyframeBody, len(kf.Bodies))
		for i, b := range kf.Bodies {
			bodies[i] = keyframeBody{
				Name:        b.Name,
				P:           b.Position,
				MeanAnomaly: b.MeanAnomaly,
				TrueAnomaly: b.TrueAnomaly,
			}
		}
		httputil.WriteJSON(w, http.StatusOK, keyframeResponse{
			T:      kf.Timestamp.UTC().Format(time.RFC3339),
			Scale:  kf.Scale,
			Frame:  stream.Frame,
			Bodies: bodies,
		})
	}
}

type cacheStatsResponse struct {
	Entries         int     `json:"entries"`
	SizeBytes       int64   `json:"size_bytes"`
	OldestTimestamp string  `json:"oldest,omitempty"`
	NewestTimestamp string  `json:"newest,omitempty"`
	Hits            int64   `json:"hits"`
	Misses          int64   `json:"misses"`
	Evictions       int64   `json:"evictions"`
	Scale           float64 `json:"scale"`
	StepSeconds     float64 `json:"step_seconds"`
	Ready           bool    `json:"ready"`
	InGracePeriod   bool    `json:"in_grace_period"`
}

func formatOptional(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func cacheStatsHandler(c *cache.KeyframeCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := c.Stats()
		httputil.WriteJSON(w, http.StatusOK, cacheStatsResponse{
			Entries:         s.Entries,
			SizeBytes:       s.SizeBytes,
			OldestTimestamp: formatOptional(s.OldestTimestamp),
			NewestTimestamp: formatOptional(s.NewestTimestamp),
			Hits:            s.Hits,
			Misses:          s.Misses,
			Evictions:       s.Evictions,
			Scale:           s.Scale,
			StepSeconds:     c.Step().Seconds(),
			Ready:           s.Ready,
			InGracePeriod:   s.InGracePeriod,
		})
	}
}

type setScaleRequest struct {
	Scale *float64 `json:"scale"`
}

// setScaleHandler serves PUT /api/v1/cache/scale with body {"scale": 16}.
func setScaleHandler(logger *slog.Logger, c *cache.KeyframeCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req setScaleRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil || req.Scale == nil {
			httputil.WriteError(w, http.StatusBadRequest, `body must be {"scale": <number>}`)
			return
		}

		if err := c.SetScale(*req.Scale); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}

		logger.Info("scale change requested", "scale", *req.Scale)
		httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
			"scale":  *req.Scale,
			"status": "cutover scheduled",
		})
	}
}
