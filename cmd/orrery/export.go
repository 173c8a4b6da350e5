package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/star/orrery/internal/ephemeris"
	"github.com/star/orrery/internal/export"
	"github.com/star/orrery/internal/propagation"
)

type exportOptions struct {
	start     string
	end       string
	step      time.Duration
	bodies    []string
	format    string
	out       string
	scale     float64
	maxFrames int
}

func newExportCmd() *cobra.Command {
	var opts exportOptions
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write an ephemeris table to Parquet, CSV or gzip CSV",
		Example: `  orrery export --start 2000-01-01T12:00:00Z --end 2010-01-01T12:00:00Z --step 24h --out planets.parquet
  orrery export --bodies earth,mars --step 6h --out inner.csv.gz`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(os.Stderr)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("scale") {
				opts.scale = cfg.Propagation.Scale
			}
			if !cmd.Flags().Changed("max-frames") {
				opts.maxFrames = cfg.Propagation.MaxFrames
			}

			format, err := resolveFormat(opts.format, opts.out)
			if err != nil {
				return err
			}
			start, end, err := exportRange(opts)
			if err != nil {
				return err
			}
			if err := propagation.ValidateScale(opts.scale); err != nil {
				return err
			}

			prop := propagation.NewPropagator(propagation.PropConfig{
				Workers:   cfg.Propagation.Workers,
				Step:      opts.step,
				Scale:     opts.scale,
				MaxFrames: opts.maxFrames,
			}, logger)

			begin := time.Now()
			rows, err := export.Rows(cmd.Context(), prop, opts.bodies, start, end, opts.step)
			if err != nil {
				return err
			}
			if err := export.WriteFile(opts.out, format, rows); err != nil {
				return err
			}

			logger.Info("export complete",
				"out", opts.out,
				"format", string(format),
				"rows", len(rows),
				"from", start.Format(time.RFC3339),
				"to", end.Format(time.RFC3339),
				"duration_ms", time.Since(begin).Milliseconds(),
			)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.start, "start", "", "Range start in RFC 3339 (default: J2000)")
	cmd.Flags().StringVar(&opts.end, "end", "", "Range end in RFC 3339 (default: start + 365 days)")
	cmd.Flags().DurationVar(&opts.step, "step", 24*time.Hour, "Interval between rows")
	cmd.Flags().StringSliceVar(&opts.bodies, "bodies", nil, "Bodies to include (default: all)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "", "parquet, csv or csv.gz (default: from --out extension)")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "Output file")
	cmd.Flags().Float64Var(&opts.scale, "scale", ephemeris.DefaultScaleFactor, "Scene units per AU")
	cmd.Flags().IntVar(&opts.maxFrames, "max-frames", 0, "Frame budget (default: propagation.max_frames)")
	cmd.MarkFlagRequired("out")
	return cmd
}

func resolveFormat(flag, out string) (export.Format, error) {
	if flag != "" {
		return export.ParseFormat(flag)
	}
	return export.FormatFromPath(out)
}

func exportRange(opts exportOptions) (time.Time, time.Time, error) {
	start := ephemeris.J2000
	if opts.start != "" {
		t, err := time.Parse(time.RFC3339Nano, opts.start)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --start: %w", err)
		}
		start = t.UTC()
	}
	end := start.Add(365 * 24 * time.Hour)
	if opts.end != "" {
		t, err := time.Parse(time.RFC3339Nano, opts.end)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --end: %w", err)
		}
		end = t.UTC()
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("--end %s is before --start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return start, end, nil
}
