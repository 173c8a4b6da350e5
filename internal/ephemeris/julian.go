package ephemeris

import (
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
)

// JulianDate converts t to a Julian Date. J2000 is 2451545.0. The underlying
// algorithm is valid for 1900 through 2100.
func JulianDate(t time.Time) float64 {
	t = t.UTC()
	jd := satellite.JDay(t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second())
	return jd + float64(t.Nanosecond())/1e9/secondsPerDay
}
