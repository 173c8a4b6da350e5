package stream

import "github.com/star/orrery/internal/propagation"

// trailRing keeps the most recent keyframes of a simulated stream.
type trailRing struct {
	frames []*propagation.Keyframe
	next   int
	full   bool
}

func newTrailRing(size int) *trailRing {
	if size <= 0 {
		return &trailRing{}
	}
	return &trailRing{frames: make([]*propagation.Keyframe, size)}
}

func (r *trailRing) push(kf *propagation.Keyframe) {
	if len(r.frames) == 0 {
		return
	}
	r.frames[r.next] = kf
	r.next = (r.next + 1) % len(r.frames)
	if r.next == 0 {
		r.full = true
	}
}

// snapshot returns the held keyframes oldest first.
func (r *trailRing) snapshot() []*propagation.Keyframe {
	if !r.full {
		return append([]*propagation.Keyframe(nil), r.frames[:r.next]...)
	}
	out := make([]*propagation.Keyframe, 0, len(r.frames))
	out = append(out, r.frames[r.next:]...)
	return append(out, r.frames[:r.next]...)
}
