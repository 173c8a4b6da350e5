package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/star/orrery/internal/cache"
	"github.com/star/orrery/internal/propagation"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}

func testPropagator() *propagation.Propagator {
	return propagation.NewPropagator(propagation.PropConfig{
		Workers:   2,
		Step:      time.Second,
		Horizon:   10 * time.Second,
		Scale:     8,
		MaxFrames: 1000,
	}, testLogger())
}

func testCache(prop *propagation.Propagator) *cache.KeyframeCache {
	return cache.NewKeyframeCache(cache.Config{
		Step:    time.Second,
		Horizon: 10 * time.Second,
		Buffer:  10 * time.Second,
	}, prop, testLogger())
}

func testConfig() Config {
	return Config{
		MaxConcurrentPerIP: 10,
		KeepaliveInterval:  30 * time.Second,
	}
}

// sseMessages parses the JSON payloads of all data lines in an SSE body.
func sseMessages(t *testing.T, body string) []map[string]any {
	t.Helper()
	var msgs []map[string]any
	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		jsonStr, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var msg map[string]any
		if err := json.Unmarshal([]byte(jsonStr), &msg); err != nil {
			t.Errorf("invalid JSON in SSE data line: %v", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func streamFor(t *testing.T, h *Handler, query string, d time.Duration) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", "/api/v1/stream/keyframes"+query, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	ctx, cancel := context.WithTimeout(req.Context(), d)
	defer cancel()
	req = req.WithContext(ctx)

	w := httptest.NewRecorder()
	h.HandleKeyframes(w, req)
	return w
}

// TestBuildBatchMessage verifies the keyframe batch payload structure.
func TestBuildBatchMessage(t *testing.T) {
	kf := &propagation.Keyframe{
		Timestamp: time.Date(2026, 2, 6, 4, 0, 0, 0, time.UTC),
		Bodies: []propagation.BodyPosition{
			{Name: "Mercury", Position: [3]float64{3.096, 0, 0}},
			{Name: "Venus", Position: [3]float64{0, 0, 5.784}},
		},
	}

	msg := buildBatchMessage(kf, nil)

	if msg.Type != "keyframe_batch" {
		t.Errorf("type = %q, want %q", msg.Type, "keyframe_batch")
	}
	if msg.Frame != Frame {
		t.Errorf("frame = %q, want %q", msg.Frame, Frame)
	}
	if msg.T != "2026-02-06T04:00:00Z" {
		t.Errorf("t = %q, want %q", msg.T, "2026-02-06T04:00:00Z")
	}
	if len(msg.Bodies) != 2 {
		t.Fatalf("body count = %d, want 2", len(msg.Bodies))
	}
	if msg.Bodies[0].Name != "Mercury" {
		t.Errorf("bodies[0].name = %q, want Mercury", msg.Bodies[0].Name)
	}
	if msg.Bodies[1].P != [3]float64{0, 0, 5.784} {
		t.Errorf("bodies[1].p = %v, want [0 0 5.784]", msg.Bodies[1].P)
	}
	if msg.Bodies[0].Tr != nil {
		t.Errorf("bodies[0].tr = %v, want nil without trail", msg.Bodies[0].Tr)
	}
}

// TestBuildBatchMessageTrail verifies trails are grouped per body, oldest first.
func TestBuildBatchMessageTrail(t *testing.T) {
	base := time.Date(2026, 2, 6, 4, 0, 0, 0, time.UTC)
	trail := []*propagation.Keyframe{
		propagation.BuildKeyframe(base, 8),
		propagation.BuildKeyframe(base.Add(time.Hour), 8),
	}
	kf := trail[1]

	msg := buildBatchMessage(kf, trail)
	for i, b := range msg.Bodies {
		if len(b.Tr) != 2 {
			t.Fatalf("%s trail length = %d, want 2", b.Name, len(b.Tr))
		}
		if b.Tr[0] != trail[0].Bodies[i].Position {
			t.Errorf("%s trail[0] = %v, want %v", b.Name, b.Tr[0], trail[0].Bodies[i].Position)
		}
		if b.Tr[1] != b.P {
			t.Errorf("%s newest trail point should be the current position", b.Name)
		}
	}
}

// TestBatchMessageJSON verifies the JSON field names.
func TestBatchMessageJSON(t *testing.T) {
	msg := keyframeBatchMessage{
		Type:  "keyframe_batch",
		T:     "2026-02-06T04:00:00Z",
		Frame: Frame,
		Bodies: []bodyPayload{
			{Name: "Earth", P: [3]float64{-1.45, 0, 7.87}},
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatal(err)
	}

	if parsed["frame"] != Frame {
		t.Errorf("frame = %v, want %s", parsed["frame"], Frame)
	}
	bodies, ok := parsed["bodies"].([]any)
	if !ok || len(bodies) != 1 {
		t.Fatalf("bodies = %v, want 1-element array", parsed["bodies"])
	}
	body := bodies[0].(map[string]any)
	if body["name"] != "Earth" {
		t.Errorf("bodies[0].name = %v, want Earth", body["name"])
	}
	if _, ok := body["tr"]; ok {
		t.Error("empty trail should be omitted")
	}
}

// TestSSEMessageFormat verifies the SSE wire format: "data: {json}\n\n".
func TestSSEMessageFormat(t *testing.T) {
	prop := testPropagator()
	handler := NewHandler(testCache(prop), prop, testConfig(), testLogger())

	w := streamFor(t, handler, "?step=1", 500*time.Millisecond)
	resp := w.Result()

	if resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", resp.Header.Get("Content-Type"))
	}
	if resp.Header.Get("Cache-Control") != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", resp.Header.Get("Cache-Control"))
	}

	body := w.Body.String()
	msgs := sseMessages(t, body)
	if len(msgs) == 0 || msgs[0]["type"] != "metadata" {
		t.Fatalf("first message should be metadata, got %v", msgs)
	}
	meta := msgs[0]
	if meta["epoch"] != "2000-01-01T12:00:00Z" {
		t.Errorf("epoch = %v, want 2000-01-01T12:00:00Z", meta["epoch"])
	}
	if meta["epoch_jd"].(float64) != 2451545.0 {
		t.Errorf("epoch_jd = %v, want 2451545", meta["epoch_jd"])
	}
	if meta["scale"].(float64) != 8 {
		t.Errorf("scale = %v, want 8", meta["scale"])
	}
	if meta["mode"] != modeRealtime {
		t.Errorf("mode = %v, want %s", meta["mode"], modeRealtime)
	}
	if bodies, _ := meta["bodies"].([]any); len(bodies) != 8 {
		t.Errorf("metadata bodies = %v, want 8 names", meta["bodies"])
	}
	if _, ok := meta["sim_start"]; ok {
		t.Error("realtime metadata should not carry sim_start")
	}

	// Lines should be "data: ...", "retry: ...", ":" (keepalive) or empty.
	for _, line := range strings.Split(body, "\n") {
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "data: ") && !strings.HasPrefix(line, "retry: ") && line != ":" {
			t.Errorf("unexpected SSE line: %q", line)
		}
	}
}

// TestRealtimeStreamFromCache verifies batches come from a warm cache.
func TestRealtimeStreamFromCache(t *testing.T) {
	prop := testPropagator()
	kfCache := testCache(prop)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go kfCache.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for !kfCache.Ready() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !kfCache.Ready() {
		t.Fatal("cache did not become ready")
	}

	handler := NewHandler(kfCache, prop, testConfig(), testLogger())
	w := streamFor(t, handler, "?step=1&trail=3", 2500*time.Millisecond)

	var batches int
	for _, msg := range sseMessages(t, w.Body.String()) {
		if msg["type"] != "keyframe_batch" {
			continue
		}
		batches++
		bodies := msg["bodies"].([]any)
		if len(bodies) != 8 {
			t.Errorf("batch has %d bodies, want 8", len(bodies))
		}
	}
	if batches == 0 {
		t.Error("no keyframe batches received from warm cache")
	}
}

// TestRealtimeStreamReportsServedScale verifies realtime metadata and batches
// carry the scale of the cached frames while a scale change is still pending.
func TestRealtimeStreamReportsServedScale(t *testing.T) {
	prop := testPropagator()
	kfCache := testCache(prop)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		kfCache.Start(ctx)
		close(stopped)
	}()
	deadline := time.Now().Add(5 * time.Second)
	for !kfCache.Ready() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-stopped
	if !kfCache.Ready() {
		t.Fatal("cache did not become ready")
	}

	// The loop is stopped, so the window stays at scale 8.
	if err := prop.SetScale(16); err != nil {
		t.Fatal(err)
	}

	handler := NewHandler(kfCache, prop, testConfig(), testLogger())
	msgs := sseMessages(t, streamFor(t, handler, "?step=1", 1500*time.Millisecond).Body.String())
	if len(msgs) < 2 {
		t.Fatalf("got %d messages, want metadata and at least one batch", len(msgs))
	}
	if s := msgs[0]["scale"].(float64); s != 8 {
		t.Errorf("metadata scale = %v, want 8", s)
	}
	for _, msg := range msgs[1:] {
		if s := msg["scale"].(float64); s != 8 {
			t.Errorf("batch %v scale = %v, want 8", msg["t"], s)
		}
	}
}

// TestSimulatedStream verifies a per-connection clock drives the frames.
func TestSimulatedStream(t *testing.T) {
	prop := testPropagator()
	handler := NewHandler(nil, prop, testConfig(), testLogger())

	w := streamFor(t, handler, "?step=1&trail=2&speed=86400&start=2000-01-01T12:00:00Z", 2500*time.Millisecond)
	msgs := sseMessages(t, w.Body.String())
	if len(msgs) < 2 {
		t.Fatalf("got %d messages, want metadata and at least one batch", len(msgs))
	}

	meta := msgs[0]
	if meta["mode"] != modeSimulated {
		t.Errorf("mode = %v, want %s", meta["mode"], modeSimulated)
	}
	if meta["speed"].(float64) != 86400 {
		t.Errorf("speed = %v, want 86400", meta["speed"])
	}
	if meta["sim_start"] != "2000-01-01T12:00:00Z" {
		t.Errorf("sim_start = %v", meta["sim_start"])
	}

	batch := msgs[1]
	ts, err := time.Parse(time.RFC3339, batch["t"].(string))
	if err != nil {
		t.Fatal(err)
	}
	// One wall second at 86400x is about one simulated day.
	if d := ts.Sub(time.Date(2000, 1, 1, 12, 0, 0, 0, time.UTC)); d < 12*time.Hour || d > 36*time.Hour {
		t.Errorf("first simulated frame %v after start, want about a day", d)
	}
	for _, b := range batch["bodies"].([]any) {
		body := b.(map[string]any)
		if tr, _ := body["tr"].([]any); len(tr) != 1 {
			t.Errorf("%v: first batch trail length = %d, want 1", body["name"], len(tr))
		}
	}
}

// TestRateLimiting verifies per-IP concurrent stream limits.
func TestRateLimiting(t *testing.T) {
	limiter := newStreamLimiter(3, 0)

	for i := 0; i < 3; i++ {
		if !limiter.acquire("10.0.0.1") {
			t.Fatalf("acquire %d should succeed", i+1)
		}
	}

	if limiter.acquire("10.0.0.1") {
		t.Error("acquire beyond limit should fail")
	}

	if !limiter.acquire("10.0.0.2") {
		t.Error("different IP should not be rate limited")
	}

	limiter.release("10.0.0.1")
	if !limiter.acquire("10.0.0.1") {
		t.Error("acquire after release should succeed")
	}

	if c := limiter.count("10.0.0.1"); c != 3 {
		t.Errorf("count = %d, want 3", c)
	}
	if c := limiter.count("10.0.0.2"); c != 1 {
		t.Errorf("count = %d, want 1", c)
	}
	if n := limiter.active(); n != 4 {
		t.Errorf("active = %d, want 4", n)
	}

	// Releasing an unknown IP must not drive counts negative.
	limiter.release("10.9.9.9")
	if n := limiter.active(); n != 4 {
		t.Errorf("active after stray release = %d, want 4", n)
	}
}

// TestRateLimitingGlobal verifies the overall cap.
func TestRateLimitingGlobal(t *testing.T) {
	limiter := newStreamLimiter(5, 2)

	if !limiter.acquire("10.0.0.1") || !limiter.acquire("10.0.0.2") {
		t.Fatal("first two acquires should succeed")
	}
	if limiter.acquire("10.0.0.3") {
		t.Error("acquire beyond global cap should fail")
	}
}

// TestRateLimitingConcurrent verifies rate limiter thread safety.
func TestRateLimitingConcurrent(t *testing.T) {
	limiter := newStreamLimiter(100, 0)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.acquire("10.0.0.1") {
				defer limiter.release("10.0.0.1")
				time.Sleep(10 * time.Millisecond)
			}
		}()
	}
	wg.Wait()

	if c := limiter.count("10.0.0.1"); c != 0 {
		t.Errorf("count after all released = %d, want 0", c)
	}
}

// TestRateLimitHTTPResponse verifies 429 response when limit exceeded.
func TestRateLimitHTTPResponse(t *testing.T) {
	prop := testPropagator()
	handler := NewHandler(testCache(prop), prop, Config{
		MaxConcurrentPerIP: 1,
		KeepaliveInterval:  30 * time.Second,
	}, testLogger())

	ready := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		req := httptest.NewRequest("GET", "/api/v1/stream/keyframes", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		ctx, cancel := context.WithCancel(req.Context())
		req = req.WithContext(ctx)
		w := httptest.NewRecorder()

		go func() {
			time.Sleep(50 * time.Millisecond)
			close(ready)
			time.Sleep(200 * time.Millisecond)
			cancel()
		}()

		handler.HandleKeyframes(w, req)
	}()

	<-ready

	req := httptest.NewRequest("GET", "/api/v1/stream/keyframes", nil)
	req.RemoteAddr = "10.0.0.1:54321"
	w := httptest.NewRecorder()
	handler.HandleKeyframes(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}

	<-done
}

// holdStream opens a stream from remoteAddr and returns once the handler has
// admitted it. stop ends the stream and waits for the handler to return.
func holdStream(t *testing.T, h *Handler, remoteAddr string) (stop func()) {
	t.Helper()
	before := h.limiter.active()
	req := httptest.NewRequest("GET", "/api/v1/stream/keyframes", nil)
	req.RemoteAddr = remoteAddr
	ctx, cancel := context.WithCancel(req.Context())
	req = req.WithContext(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.HandleKeyframes(httptest.NewRecorder(), req)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for h.limiter.active() == before {
		if time.Now().After(deadline) {
			cancel()
			<-done
			t.Fatalf("stream from %s was not admitted", remoteAddr)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return func() {
		cancel()
		<-done
	}
}

// TestRateLimitIPv6Prefix verifies IPv6 clients in one /64 share the per-IP
// stream limit while another /64 does not.
func TestRateLimitIPv6Prefix(t *testing.T) {
	prop := testPropagator()
	handler := NewHandler(testCache(prop), prop, Config{
		MaxConcurrentPerIP: 1,
		KeepaliveInterval:  30 * time.Second,
	}, testLogger())

	stop := holdStream(t, handler, "[2001:db8:aa:1::10]:40000")
	defer stop()

	req := httptest.NewRequest("GET", "/api/v1/stream/keyframes", nil)
	req.RemoteAddr = "[2001:db8:aa:1:beef::2]:40001"
	w := httptest.NewRecorder()
	handler.HandleKeyframes(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("same /64 status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}

	other := holdStream(t, handler, "[2001:db8:aa:2::10]:40002")
	defer other()
	if n := handler.limiter.active(); n != 2 {
		t.Errorf("active = %d, want 2", n)
	}
}

// TestInvalidQueryParams verifies error responses for bad parameters.
func TestInvalidQueryParams(t *testing.T) {
	prop := testPropagator()
	handler := NewHandler(testCache(prop), prop, testConfig(), testLogger())

	tests := []struct {
		name  string
		query string
	}{
		{"bad step", "?step=0"},
		{"step too large", "?step=100"},
		{"step non-numeric", "?step=abc"},
		{"negative trail", "?trail=-1"},
		{"trail too large", "?trail=500"},
		{"zero speed", "?speed=0"},
		{"negative speed", "?speed=-16"},
		{"speed non-numeric", "?speed=fast"},
		{"infinite speed", "?speed=Inf"},
		{"speed above max", "?speed=2e10"},
		{"bad start", "?start=yesterday"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/stream/keyframes"+tt.query, nil)
			req.RemoteAddr = "127.0.0.1:12345"
			w := httptest.NewRecorder()
			handler.HandleKeyframes(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}
}

// TestTrailRing verifies the ring keeps the newest frames in order.
func TestTrailRing(t *testing.T) {
	base := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	r := newTrailRing(3)
	for i := 0; i < 5; i++ {
		r.push(&propagation.Keyframe{Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}

	got := r.snapshot()
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, kf := range got {
		want := base.Add(time.Duration(i+2) * time.Minute)
		if !kf.Timestamp.Equal(want) {
			t.Errorf("snapshot[%d] = %v, want %v", i, kf.Timestamp, want)
		}
	}

	empty := newTrailRing(0)
	empty.push(got[0])
	if s := empty.snapshot(); len(s) != 0 {
		t.Errorf("zero-size ring returned %d frames", len(s))
	}
}
