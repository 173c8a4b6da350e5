package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/parquet-go/parquet-go"
)

// Format selects the output encoding.
type Format string

const (
	FormatParquet Format = "parquet"
	FormatCSV     Format = "csv"
	FormatCSVGzip Format = "csv.gz"
)

// ErrUnknownFormat is returned for unsupported format names or extensions.
var ErrUnknownFormat = errors.New("unknown export format")

// ParseFormat maps a --format value onto a Format.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimPrefix(s, "."))); f {
	case FormatParquet, FormatCSV, FormatCSVGzip:
		return f, nil
	case "gz", "csvgz":
		return FormatCSVGzip, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// FormatFromPath infers the format from a file name.
func FormatFromPath(path string) (Format, error) {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".csv.gz"):
		return FormatCSVGzip, nil
	case strings.HasSuffix(lower, ".csv"):
		return FormatCSV, nil
	case strings.HasSuffix(lower, ".parquet"):
		return FormatParquet, nil
	}
	return "", fmt.Errorf("%w: cannot infer from %q", ErrUnknownFormat, path)
}

// Write encodes rows to w in the given format.
func Write(w io.Writer, format Format, rows []Row) error {
	switch format {
	case FormatParquet:
		return WriteParquet(w, rows)
	case FormatCSV:
		return WriteCSV(w, rows)
	case FormatCSVGzip:
		return WriteCSVGzip(w, rows)
	}
	return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

// WriteFile creates path and writes rows to it.
func WriteFile(path string, format Format, rows []Row) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close %s: %w", path, cerr)
		}
	}()
	return Write(f, format, rows)
}

// WriteParquet writes rows as a single Parquet file.
func WriteParquet(w io.Writer, rows []Row) error {
	pw := parquet.NewGenericWriter[Row](w)
	if _, err := pw.Write(rows); err != nil {
		return fmt.Errorf("parquet write: %w", err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("parquet close: %w", err)
	}
	return nil
}

var csvHeader = []string{"timestamp", "body", "x", "y", "z", "mean_anomaly_deg", "true_anomaly_deg", "julian_date"}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// WriteCSV writes rows as CSV with a header line. Timestamps are RFC 3339.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("csv header: %w", err)
	}

	record := make([]string, len(csvHeader))
	for _, r := range rows {
		record[0] = r.Time().Format(time.RFC3339Nano)
		record[1] = r.Body
		record[2] = formatFloat(r.X)
		record[3] = formatFloat(r.Y)
		record[4] = formatFloat(r.Z)
		record[5] = formatFloat(r.MeanAnomaly)
		record[6] = formatFloat(r.TrueAnomaly)
		record[7] = formatFloat(r.JulianDate)
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("csv row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteCSVGzip writes CSV through a parallel gzip compressor.
func WriteCSVGzip(w io.Writer, rows []Row) error {
	gz, err := pgzip.NewWriterLevel(w, pgzip.DefaultCompression)
	if err != nil {
		return fmt.Errorf("gzip writer: %w", err)
	}
	if err := gz.SetConcurrency(256*1024, runtime.NumCPU()); err != nil {
		return fmt.Errorf("gzip concurrency: %w", err)
	}
	if err := WriteCSV(gz, rows); err != nil {
		gz.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("gzip close: %w", err)
	}
	return nil
}
