package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/occupancy.report/internal/countlog"
	"github.com/banshee-data/occupancy.report/internal/monitoring"
	"github.com/banshee-data/occupancy.report/internal/report"
	"github.com/banshee-data/occupancy.report/internal/version"
)

var (
	dbPath      = flag.String("db", "occupancy.db", "Count log database file")
	runID       = flag.String("run", "", "Run ID to report (defaults to the most recent run)")
	outPath     = flag.String("out", "", "Chart output path; .png, .svg or .pdf (defaults to <source>_<run>.png)")
	listRuns    = flag.Bool("list", false, "List recorded runs and exit")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

var errNoRuns = errors.New("no runs recorded")

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("occupancy-report"))
		return
	}
	monitoring.SetLogger(log.Printf)

	db, err := countlog.Open(*dbPath)
	if err != nil {
		log.Fatalf("failed to open count log: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if *listRuns {
		if err := printRuns(ctx, os.Stdout, db); err != nil {
			log.Fatalf("failed to list runs: %v", err)
		}
		return
	}

	path, err := writeReport(ctx, os.Stdout, db, *runID, *outPath)
	if err != nil {
		log.Fatalf("report failed: %v", err)
	}
	log.Printf("chart written to %s", path)
}

// selectRun returns the run with the given ID, or the newest run when id
// is empty.
func selectRun(ctx context.Context, db *countlog.DB, id string) (*countlog.Run, error) {
	if id != "" {
		return db.GetRun(ctx, id)
	}
	runs, err := db.Runs(ctx)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, errNoRuns
	}
	return &runs[0], nil
}

// writeReport prints the run summary to w and saves the chart, returning
// the chart path.
func writeReport(ctx context.Context, w io.Writer, db *countlog.DB, id, out string) (string, error) {
	run, err := selectRun(ctx, db, id)
	if err != nil {
		return "", err
	}
	summary, err := db.Summary(ctx, run.RunID)
	if err != nil {
		return "", err
	}
	if err := report.WriteSummary(w, run, summary); err != nil {
		return "", err
	}

	if out == "" {
		out = report.DefaultFileName(run, "png")
	}
	if err := report.CheckExportPath(out); err != nil {
		return "", err
	}
	series, err := db.OccupancySeries(ctx, run.RunID)
	if err != nil {
		return "", err
	}
	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	title := fmt.Sprintf("Occupancy: %s (%s)", run.Source, run.Started.Format("2006-01-02 15:04"))
	if err := report.Save(out, title, series); err != nil {
		return "", err
	}
	return out, nil
}

func printRuns(ctx context.Context, w io.Writer, db *countlog.DB) error {
	runs, err := db.Runs(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%-36s  %-20s  %-25s  %s\n", "RUN", "SOURCE", "STARTED", "DURATION")
	for _, r := range runs {
		dur := "running"
		if r.Ended != nil {
			dur = r.Ended.Sub(r.Started).Round(time.Second).String()
		}
		if _, err := fmt.Fprintf(w, "%-36s  %-20s  %-25s  %s\n", r.RunID, r.Source, r.Started.Format(time.RFC3339), dur); err != nil {
			return err
		}
	}
	return nil
}
