package countlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/occupancy.report/internal/counting"
)

// ErrUnknownRun is returned for a run ID with no row in runs.
var ErrUnknownRun = errors.New("countlog: unknown run")

// Run is one counting session, from process start to stop.
type Run struct {
	RunID   string                `json:"run_id"`
	Source  string                `json:"source"`
	Lines   []counting.LineConfig `json:"lines"`
	Started time.Time             `json:"started"`
	Ended   *time.Time            `json:"ended,omitempty"`
}

// StartRun records a new run and returns it with a fresh ID.
func (db *DB) StartRun(ctx context.Context, source string, lines []counting.LineConfig, at time.Time) (*Run, error) {
	linesJSON, err := json.Marshal(lines)
	if err != nil {
		return nil, fmt.Errorf("marshal lines: %w", err)
	}
	r := &Run{RunID: uuid.New().String(), Source: source, Lines: lines, Started: at.UTC()}
	_, err = db.ExecContext(ctx,
		`INSERT INTO runs (run_id, source, lines_json, started_unix_nanos) VALUES (?, ?, ?, ?)`,
		r.RunID, source, string(linesJSON), at.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return r, nil
}

// EndRun stamps the end time of a run.
func (db *DB) EndRun(ctx context.Context, runID string, at time.Time) error {
	res, err := db.ExecContext(ctx, `UPDATE runs SET ended_unix_nanos = ? WHERE run_id = ?`, at.UnixNano(), runID)
	if err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return nil
}

// Runs lists runs, newest first.
func (db *DB) Runs(ctx context.Context) ([]Run, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT run_id, source, lines_json, started_unix_nanos, ended_unix_nanos
		 FROM runs ORDER BY started_unix_nanos DESC, run_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// GetRun returns one run.
func (db *DB) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := db.QueryRowContext(ctx,
		`SELECT run_id, source, lines_json, started_unix_nanos, ended_unix_nanos
		 FROM runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var (
		r         Run
		linesJSON string
		started   int64
		ended     sql.NullInt64
	)
	if err := s.Scan(&r.RunID, &r.Source, &linesJSON, &started, &ended); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(linesJSON), &r.Lines); err != nil {
		return nil, fmt.Errorf("run %s lines: %w", r.RunID, err)
	}
	r.Started = time.Unix(0, started).UTC()
	if ended.Valid {
		t := time.Unix(0, ended.Int64).UTC()
		r.Ended = &t
	}
	return &r, nil
}

// Record stores a batch of events and the counts after them in one
// transaction. Events with a zero timestamp take at.
func (db *DB) Record(ctx context.Context, runID string, at time.Time, counts counting.Snapshot, events []counting.Event) error {
	countsJSON, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("marshal counts: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if len(events) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO crossing_events (run_id, track_id, line, door, direction, frame, ts_unix_nanos)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range events {
			ts := e.Timestamp
			if ts.IsZero() {
				ts = at
			}
			if _, err := stmt.ExecContext(ctx, runID, e.TrackID, e.Line, e.Door, string(e.Direction), e.Frame, ts.UnixNano()); err != nil {
				return fmt.Errorf("insert event: %w", err)
			}
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO count_snapshots (run_id, ts_unix_nanos, total_enter, total_exit, occupancy, counts_json)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		runID, at.UnixNano(), counts.Totals.Enter, counts.Totals.Exit, counts.Totals.Occupancy, string(countsJSON))
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return tx.Commit()
}

// Events returns a run's crossings in time order.
func (db *DB) Events(ctx context.Context, runID string) ([]counting.Event, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT track_id, line, door, direction, frame, ts_unix_nanos
		 FROM crossing_events WHERE run_id = ? ORDER BY ts_unix_nanos, event_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []counting.Event
	for rows.Next() {
		var (
			e   counting.Event
			dir string
			ts  int64
		)
		if err := rows.Scan(&e.TrackID, &e.Line, &e.Door, &dir, &e.Frame, &ts); err != nil {
			return nil, err
		}
		e.Direction = counting.Direction(dir)
		e.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Summary is the end-of-run report.
type Summary struct {
	RunID            string        `json:"run_id"`
	TotalEnter       int64         `json:"total_enter"`
	TotalExit        int64         `json:"total_exit"`
	CurrentOccupancy int64         `json:"current_occupancy"`
	MaxOccupancy     int64         `json:"max_occupancy"`
	Events           int64         `json:"events"`
	Duration         time.Duration `json:"duration"`
}

// Summary reports the totals of a run from its latest snapshot and the
// highest occupancy it reached.
func (db *DB) Summary(ctx context.Context, runID string) (*Summary, error) {
	run, err := db.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	s := &Summary{RunID: runID}

	err = db.QueryRowContext(ctx,
		`SELECT total_enter, total_exit, occupancy FROM count_snapshots
		 WHERE run_id = ? ORDER BY ts_unix_nanos DESC, snapshot_id DESC LIMIT 1`, runID).
		Scan(&s.TotalEnter, &s.TotalExit, &s.CurrentOccupancy)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}

	var maxOcc sql.NullInt64
	if err := db.QueryRowContext(ctx,
		`SELECT MAX(occupancy) FROM count_snapshots WHERE run_id = ?`, runID).Scan(&maxOcc); err != nil {
		return nil, fmt.Errorf("max occupancy: %w", err)
	}
	s.MaxOccupancy = maxOcc.Int64

	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM crossing_events WHERE run_id = ?`, runID).Scan(&s.Events); err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}

	if run.Ended != nil {
		s.Duration = run.Ended.Sub(run.Started)
	}
	return s, nil
}

// SeriesPoint is the count state after one recorded batch.
type SeriesPoint struct {
	Time      time.Time `json:"time"`
	Enter     int64     `json:"enter"`
	Exit      int64     `json:"exit"`
	Occupancy int64     `json:"occupancy"`
}

// OccupancySeries returns a run's snapshots in time order.
func (db *DB) OccupancySeries(ctx context.Context, runID string) ([]SeriesPoint, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT ts_unix_nanos, total_enter, total_exit, occupancy FROM count_snapshots
		 WHERE run_id = ? ORDER BY ts_unix_nanos, snapshot_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SeriesPoint
	for rows.Next() {
		var (
			p  SeriesPoint
			ts int64
		)
		if err := rows.Scan(&ts, &p.Enter, &p.Exit, &p.Occupancy); err != nil {
			return nil, err
		}
		p.Time = time.Unix(0, ts).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}
