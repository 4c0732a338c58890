// Package report renders a run's count log as an occupancy chart.
package report

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"path/filepath"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/occupancy.report/internal/countlog"
)

// ErrNoData is returned when a run has no recorded counts.
var ErrNoData = errors.New("report: run has no count snapshots")

// Chart size used by Save and WriteTo.
var (
	Width  = 14 * vg.Inch
	Height = 6 * vg.Inch
)

var (
	occupancyColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	enterColor     = color.RGBA{R: 44, G: 160, B: 44, A: 255}
	exitColor      = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

// OccupancyChart plots occupancy and cumulative enter and exit counts over
// wall-clock time as step lines.
func OccupancyChart(title string, series []countlog.SeriesPoint) (*plot.Plot, error) {
	if len(series) == 0 {
		return nil, ErrNoData
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time (UTC)"
	p.Y.Label.Text = "People"
	p.X.Tick.Marker = plot.TimeTicks{Format: "15:04:05"}
	p.Y.Min = 0
	p.Add(plotter.NewGrid())

	occ := make(plotter.XYs, len(series))
	enter := make(plotter.XYs, len(series))
	exit := make(plotter.XYs, len(series))
	for i, s := range series {
		x := float64(s.Time.UnixNano()) / 1e9
		occ[i] = plotter.XY{X: x, Y: float64(s.Occupancy)}
		enter[i] = plotter.XY{X: x, Y: float64(s.Enter)}
		exit[i] = plotter.XY{X: x, Y: float64(s.Exit)}
	}

	for _, l := range []struct {
		label string
		pts   plotter.XYs
		col   color.Color
		width vg.Length
	}{
		{"occupancy", occ, occupancyColor, vg.Points(2)},
		{"entered", enter, enterColor, vg.Points(1)},
		{"exited", exit, exitColor, vg.Points(1)},
	} {
		line, err := plotter.NewLine(l.pts)
		if err != nil {
			return nil, fmt.Errorf("report: %s line: %w", l.label, err)
		}
		line.StepStyle = plotter.PostStep
		line.Color = l.col
		line.Width = l.width
		p.Add(line)
		p.Legend.Add(l.label, line)
	}
	p.Legend.Top = true
	p.Legend.Left = true
	p.Legend.XOffs = 10
	p.Legend.YOffs = -10
	return p, nil
}

// Save writes the chart to path. The format follows the extension
// (png, svg, pdf).
func Save(path, title string, series []countlog.SeriesPoint) error {
	p, err := OccupancyChart(title, series)
	if err != nil {
		return err
	}
	if err := p.Save(Width, Height, path); err != nil {
		return fmt.Errorf("report: save %s: %w", path, err)
	}
	return nil
}

// WriteTo writes the chart to w in the given format ("png", "svg", ...).
func WriteTo(w io.Writer, format, title string, series []countlog.SeriesPoint) error {
	p, err := OccupancyChart(title, series)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(Width, Height, strings.TrimPrefix(format, "."))
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}

// Format returns the chart format implied by path, defaulting to png.
func Format(path string) string {
	if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext != "" {
		return strings.ToLower(ext)
	}
	return "png"
}

// WriteSummary prints a run summary as aligned text.
func WriteSummary(w io.Writer, run *countlog.Run, s *countlog.Summary) error {
	var b strings.Builder
	fmt.Fprintf(&b, "run            %s\n", s.RunID)
	if run != nil {
		fmt.Fprintf(&b, "source         %s\n", run.Source)
		fmt.Fprintf(&b, "started        %s\n", run.Started.Format("2006-01-02 15:04:05Z07:00"))
	}
	if s.Duration > 0 {
		fmt.Fprintf(&b, "duration       %s\n", s.Duration)
	}
	fmt.Fprintf(&b, "entered        %d\n", s.TotalEnter)
	fmt.Fprintf(&b, "exited         %d\n", s.TotalExit)
	fmt.Fprintf(&b, "occupancy      %d\n", s.CurrentOccupancy)
	fmt.Fprintf(&b, "max occupancy  %d\n", s.MaxOccupancy)
	fmt.Fprintf(&b, "crossings      %d\n", s.Events)
	_, err := io.WriteString(w, b.String())
	return err
}
