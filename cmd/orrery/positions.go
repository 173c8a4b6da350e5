package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/star/orrery/internal/ephemeris"
	"github.com/star/orrery/internal/propagation"
)

type positionsOptions struct {
	at     string
	scale  float64
	body   string
	asJSON bool
}

func newPositionsCmd() *cobra.Command {
	var opts positionsOptions
	cmd := &cobra.Command{
		Use:   "positions",
		Short: "Print planet positions at an instant",
		Example: `  orrery positions
  orrery positions --time 2000-01-01T12:00:00Z --scale 1
  orrery positions --body mars --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(os.Stderr)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("scale") {
				opts.scale = cfg.Propagation.Scale
			}
			return runPositions(cmd.OutOrStdout(), opts, time.Now())
		},
	}
	cmd.Flags().StringVarP(&opts.at, "time", "t", "", "Instant in RFC 3339 (default: now)")
	cmd.Flags().Float64VarP(&opts.scale, "scale", "s", ephemeris.DefaultScaleFactor, "Scene units per AU")
	cmd.Flags().StringVarP(&opts.body, "body", "b", "", "Only this body")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "Emit JSON instead of a table")
	return cmd
}

type positionLine struct {
	Body        string     `json:"body"`
	Position    [3]float64 `json:"position"`
	Radius      float64    `json:"radius"`
	MeanAnomaly float64    `json:"mean_anomaly_deg"`
	TrueAnomaly float64    `json:"true_anomaly_deg"`
}

func runPositions(w io.Writer, opts positionsOptions, now time.Time) error {
	t := now.UTC()
	if opts.at != "" {
		parsed, err := time.Parse(time.RFC3339Nano, opts.at)
		if err != nil {
			return fmt.Errorf("invalid --time: %w", err)
		}
		t = parsed.UTC()
	}
	if err := propagation.ValidateScale(opts.scale); err != nil {
		return err
	}

	bodies := ephemeris.Bodies()
	if opts.body != "" {
		name, ok := ephemeris.Resolve(opts.body)
		if !ok {
			return fmt.Errorf("%w: %q", ephemeris.ErrUnknownBody, opts.body)
		}
		bodies = []string{name}
	}

	kf := propagation.BuildKeyframe(t, opts.scale)
	lines := make([]positionLine, 0, len(bodies))
	for _, name := range bodies {
		for _, b := range kf.Bodies {
			if b.Name != name {
				continue
			}
			lines = append(lines, positionLine{
				Body:        b.Name,
				Position:    b.Position,
				Radius:      ephemeris.Position(b.Position).Radius(),
				MeanAnomaly: b.MeanAnomaly,
				TrueAnomaly: b.TrueAnomaly,
			})
		}
	}

	if opts.asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"t":           t.Format(time.RFC3339Nano),
			"julian_date": ephemeris.JulianDate(t),
			"scale":       opts.scale,
			"bodies":      lines,
		})
	}

	fmt.Fprintf(w, "t = %s  JD %.6f  scale %g\n\n", t.Format(time.RFC3339), ephemeris.JulianDate(t), opts.scale)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "BODY\tX\tY\tZ\tRADIUS\tMEAN°\tTRUE°\t")
	for _, l := range lines {
		fmt.Fprintf(tw, "%s\t%.4f\t%.4f\t%.4f\t%.4f\t%.3f\t%.3f\t\n",
			l.Body, l.Position[0], l.Position[1], l.Position[2], l.Radius, l.MeanAnomaly, l.TrueAnomaly)
	}
	return tw.Flush()
}
