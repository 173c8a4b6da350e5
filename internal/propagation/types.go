package propagation

import "time"

// Keyframe holds the positions of all tracked bodies at a single point in time.
type Keyframe struct {
	Timestamp time.Time
	Scale     float64
	Bodies    []BodyPosition
}

// BodyPosition holds a single body's scene position at a keyframe time.
type BodyPosition struct {
	Name        string
	Position    [3]float64 // scene units (X, Y, Z)
	MeanAnomaly float64    // degrees, [0, 360)
	TrueAnomaly float64    // degrees, unnormalized
}

// PropConfig holds propagation configuration.
type PropConfig struct {
	Workers   int           // Range fan-out (default: runtime.NumCPU())
	Step      time.Duration // Keyframe interval (default: 1m)
	Horizon   time.Duration // Propagation horizon (default: 1h)
	Scale     float64       // AU to scene units (default: 8)
	MaxFrames int           // Budget for a single range request (default: 10000)
}
