// Package export flattens ephemeris ranges into tables and writes them as
// Parquet, CSV or gzip-compressed CSV.
package export

import (
	"context"
	"fmt"
	"time"

	"github.com/star/orrery/internal/ephemeris"
	"github.com/star/orrery/internal/propagation"
)

// Row is one body at one instant.
type Row struct {
	Timestamp   int64   `parquet:"timestamp_ms"` // Unix milliseconds, UTC
	Body        string  `parquet:"body,dict"`
	X           float64 `parquet:"x"`
	Y           float64 `parquet:"y"`
	Z           float64 `parquet:"z"`
	MeanAnomaly float64 `parquet:"mean_anomaly_deg"`
	TrueAnomaly float64 `parquet:"true_anomaly_deg"`
	JulianDate  float64 `parquet:"julian_date"`
}

// Time returns the row timestamp as a UTC time.
func (r Row) Time() time.Time {
	return time.UnixMilli(r.Timestamp).UTC()
}

// Rows propagates [start, end] every step and flattens the keyframes, one
// row per body per frame, in time then body order. An empty bodies slice
// selects every tracked body.
func Rows(ctx context.Context, prop *propagation.Propagator, bodies []string, start, end time.Time, step time.Duration) ([]Row, error) {
	want := make(map[string]bool, len(bodies))
	for _, b := range bodies {
		name, ok := ephemeris.Resolve(b)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ephemeris.ErrUnknownBody, b)
		}
		want[name] = true
	}

	keyframes, err := prop.GenerateRange(ctx, start, end, step)
	if err != nil {
		return nil, err
	}

	perFrame := len(want)
	if perFrame == 0 {
		perFrame = len(ephemeris.Bodies())
	}
	rows := make([]Row, 0, len(keyframes)*perFrame)
	for _, kf := range keyframes {
		jd := ephemeris.JulianDate(kf.Timestamp)
		ms := kf.Timestamp.UnixMilli()
		for _, b := range kf.Bodies {
			if len(want) > 0 && !want[b.Name] {
				continue
			}
			rows = append(rows, Row{
				Timestamp:   ms,
				Body:        b.Name,
				X:           b.Position[0],
				Y:           b.Position[1],
				Z:           b.Position[2],
				MeanAnomaly: b.MeanAnomaly,
				TrueAnomaly: b.TrueAnomaly,
				JulianDate:  jd,
			})
		}
	}
	return rows, nil
}
