// Package ephemeris computes planet positions from simplified circular-orbit
// elements anchored at J2000.
//
// Every function is pure: results depend only on the arguments and the static
// element table, so all of them are safe for concurrent use.
package ephemeris

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrUnknownBody is returned by Lookup for names absent from the element table.
var ErrUnknownBody = errors.New("unknown body")

const secondsPerDay = 86400.0

// j2000Unix is J2000 as Unix seconds.
var j2000Unix = J2000.Unix()

// Position is a scene-space coordinate (x, y, z). Orbits lie in the x/z plane,
// so y is always 0.
type Position [3]float64

// X returns the x component.
func (p Position) X() float64 { return p[0] }

// Y returns the y component.
func (p Position) Y() float64 { return p[1] }

// Z returns the z component.
func (p Position) Z() float64 { return p[2] }

// Radius returns the distance from the origin in the orbital plane.
func (p Position) Radius() float64 {
	return math.Hypot(p[0], p[2])
}

// DaysSinceEpoch returns the signed number of days between J2000 and t.
// Computed from Unix seconds so instants centuries away do not saturate
// time.Duration.
func DaysSinceEpoch(t time.Time) float64 {
	secs := float64(t.Unix()-j2000Unix) + float64(t.Nanosecond())/1e9
	return secs / secondsPerDay
}

// MeanAnomaly returns the mean anomaly in degrees, in [0, 360), after
// days of motion. Negative days wrap forward rather than going negative.
func MeanAnomaly(el OrbitalElements, days float64) float64 {
	m := math.Mod(days/el.OrbitalPeriod*360, 360)
	if m < 0 {
		m += 360
	}
	// -1e-14 + 360 rounds to 360.
	if m >= 360 {
		m -= 360
	}
	return m
}

// TrueAnomaly returns the angular position in degrees. It is mean anomaly
// plus the longitude at epoch and is left unnormalized.
func TrueAnomaly(el OrbitalElements, days float64) float64 {
	return MeanAnomaly(el, days) + el.LongitudeAtEpoch
}

// PositionOf computes the position for a set of elements directly.
func PositionOf(el OrbitalElements, t time.Time, scale float64) Position {
	angle := TrueAnomaly(el, DaysSinceEpoch(t)) * math.Pi / 180
	distance := el.SemiMajorAxis * scale
	return Position{math.Cos(angle) * distance, 0, math.Sin(angle) * distance}
}

// Locate returns the scene position of body at t. Unknown bodies are placed
// at the origin so render loops never have to branch; use Lookup to detect
// them.
func Locate(body string, t time.Time, scale float64) Position {
	p, _ := Lookup(body, t, scale)
	return p
}

// Lookup is Locate with an explicit unknown-body error. The returned
// position is the origin whenever err is non-nil.
func Lookup(body string, t time.Time, scale float64) (Position, error) {
	el, ok := elements[body]
	if !ok {
		return Position{}, fmt.Errorf("%w: %q", ErrUnknownBody, body)
	}
	return PositionOf(el, t, scale), nil
}

// AllPositions returns the position of every tracked body at t.
func AllPositions(t time.Time, scale float64) map[string]Position {
	out := make(map[string]Position, len(elements))
	for name, el := range elements {
		out[name] = PositionOf(el, t, scale)
	}
	return out
}
