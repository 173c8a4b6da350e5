package ephemeris

import (
	"strings"
	"time"
)

// OrbitalElements are the simplified circular-orbit elements of one body.
type OrbitalElements struct {
	SemiMajorAxis    float64 `json:"semi_major_axis_au"`     // AU
	OrbitalPeriod    float64 `json:"orbital_period_days"`    // Earth days
	LongitudeAtEpoch float64 `json:"longitude_at_epoch_deg"` // degrees at J2000
	Inclination      float64 `json:"inclination_deg"`        // always 0, not used in position math
}

// J2000 is the reference epoch: 2000-01-01 12:00 UTC.
var J2000 = time.Date(2000, time.January, 1, 12, 0, 0, 0, time.UTC)

// DefaultScaleFactor converts AU to scene units for the stock scene.
const DefaultScaleFactor = 8.0

// bodyOrder lists the tracked planets from the Sun outwards.
var bodyOrder = [...]string{
	"Mercury",
	"Venus",
	"Earth",
	"Mars",
	"Jupiter",
	"Saturn",
	"Uranus",
	"Neptune",
}

// elements is never written after init.
var elements = map[string]OrbitalElements{
	"Mercury": {SemiMajorAxis: 0.387, OrbitalPeriod: 87.97, LongitudeAtEpoch: 252.25},
	"Venus":   {SemiMajorAxis: 0.723, OrbitalPeriod: 224.7, LongitudeAtEpoch: 181.98},
	"Earth":   {SemiMajorAxis: 1.0, OrbitalPeriod: 365.26, LongitudeAtEpoch: 100.46},
	"Mars":    {SemiMajorAxis: 1.524, OrbitalPeriod: 686.98, LongitudeAtEpoch: 355.45},
	"Jupiter": {SemiMajorAxis: 5.203, OrbitalPeriod: 4332.59, LongitudeAtEpoch: 34.35},
	"Saturn":  {SemiMajorAxis: 9.537, OrbitalPeriod: 10759.22, LongitudeAtEpoch: 49.95},
	"Uranus":  {SemiMajorAxis: 19.191, OrbitalPeriod: 30688.5, LongitudeAtEpoch: 313.23},
	"Neptune": {SemiMajorAxis: 30.069, OrbitalPeriod: 60182, LongitudeAtEpoch: 304.88},
}

// Bodies returns the tracked body names, inner planets first.
// The Sun is not tracked; callers place it at the origin.
func Bodies() []string {
	out := make([]string, len(bodyOrder))
	copy(out, bodyOrder[:])
	return out
}

// Elements returns a copy of the elements for body.
func Elements(body string) (OrbitalElements, bool) {
	el, ok := elements[body]
	return el, ok
}

// Resolve maps a case-insensitive body name to its canonical form.
func Resolve(name string) (string, bool) {
	if _, ok := elements[name]; ok {
		return name, true
	}
	for _, b := range bodyOrder {
		if strings.EqualFold(b, name) {
			return b, true
		}
	}
	return "", false
}
