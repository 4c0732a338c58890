package countlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/occupancy.report/internal/counting"
	"github.com/banshee-data/occupancy.report/internal/monitoring"
	"github.com/banshee-data/occupancy.report/internal/pipeline"
	"github.com/banshee-data/occupancy.report/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "counts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func entryLine() counting.LineConfig {
	return counting.LineConfig{
		Name: "entry", Door: "main",
		A: counting.Point{X: 0, Y: 360}, B: counting.Point{X: 1280, Y: 360},
		Orientation: "down", Margin: 4,
	}
}

func totals(enter, exit int64) counting.Snapshot {
	occ := max(enter-exit, 0)
	return counting.Snapshot{
		Lines:  []counting.LineCounts{{Name: "entry", Door: "main", Enter: enter, Exit: exit, Occupancy: occ}},
		Doors:  []counting.DoorCounts{{Door: "main", Enter: enter, Exit: exit, Occupancy: occ}},
		Totals: counting.Totals{Enter: enter, Exit: exit, Occupancy: occ},
	}
}

func event(track int64, dir counting.Direction, frame int64) counting.Event {
	return counting.Event{
		TrackID: track, Line: "entry", Door: "main", Direction: dir,
		Frame: frame, Timestamp: t0.Add(time.Duration(frame) * 100 * time.Millisecond),
	}
}

// ---------------------------------------------------------------------------
// Schema
// ---------------------------------------------------------------------------

func TestOpen_MigratesAndReopens(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "counts.db")

	db, err := Open(path)
	require.NoError(t, err)
	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err, "reopening an up-to-date database is a no-op")
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('runs', 'crossing_events', 'count_snapshots')`).Scan(&n))
	assert.Equal(t, 3, n)

	var fk int
	require.NoError(t, db.QueryRow(`PRAGMA foreign_keys`).Scan(&fk))
	assert.Equal(t, 1, fk)
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

func TestRuns(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	first, err := db.StartRun(ctx, "camera-1", []counting.LineConfig{entryLine()}, t0)
	require.NoError(t, err)
	second, err := db.StartRun(ctx, "camera-1", nil, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Len(t, first.RunID, 36)

	require.NoError(t, db.EndRun(ctx, first.RunID, t0.Add(30*time.Minute)))
	assert.ErrorIs(t, db.EndRun(ctx, "nope", t0), ErrUnknownRun)

	got, err := db.GetRun(ctx, first.RunID)
	require.NoError(t, err)
	assert.Equal(t, "camera-1", got.Source)
	assert.Equal(t, []counting.LineConfig{entryLine()}, got.Lines)
	assert.True(t, got.Started.Equal(t0))
	require.NotNil(t, got.Ended)
	assert.True(t, got.Ended.Equal(t0.Add(30*time.Minute)))

	_, err = db.GetRun(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownRun)

	runs, err := db.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.RunID, runs[0].RunID, "newest first")
	assert.Nil(t, runs[0].Ended)
}

// ---------------------------------------------------------------------------
// Events, summary and series
// ---------------------------------------------------------------------------

func TestRecordAndQuery(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	run, err := db.StartRun(ctx, "feed.jsonl", []counting.LineConfig{entryLine()}, t0)
	require.NoError(t, err)
	other, err := db.StartRun(ctx, "other", nil, t0)
	require.NoError(t, err)

	batches := []struct {
		at     time.Time
		counts counting.Snapshot
		events []counting.Event
	}{
		{t0.Add(1 * time.Second), totals(1, 0), []counting.Event{event(1, counting.Enter, 10)}},
		{t0.Add(2 * time.Second), totals(3, 0), []counting.Event{event(2, counting.Enter, 20), event(3, counting.Enter, 20)}},
		{t0.Add(3 * time.Second), totals(3, 2), []counting.Event{event(1, counting.Exit, 30), event(2, counting.Exit, 30)}},
		{t0.Add(4 * time.Second), totals(3, 2), nil}, // reset or line change with no events
	}
	for _, b := range batches {
		require.NoError(t, db.Record(ctx, run.RunID, b.at, b.counts, b.events))
	}
	require.NoError(t, db.Record(ctx, other.RunID, t0, totals(9, 0), []counting.Event{event(9, counting.Enter, 1)}))
	require.NoError(t, db.EndRun(ctx, run.RunID, t0.Add(10*time.Second)))

	t.Run("events", func(t *testing.T) {
		events, err := db.Events(ctx, run.RunID)
		require.NoError(t, err)
		var want []counting.Event
		for _, b := range batches {
			want = append(want, b.events...)
		}
		if diff := cmp.Diff(want, events); diff != "" {
			t.Errorf("events mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("summary", func(t *testing.T) {
		s, err := db.Summary(ctx, run.RunID)
		require.NoError(t, err)
		assert.Equal(t, &Summary{
			RunID:            run.RunID,
			TotalEnter:       3,
			TotalExit:        2,
			CurrentOccupancy: 1,
			MaxOccupancy:     3,
			Events:           5,
			Duration:         10 * time.Second,
		}, s)

		_, err = db.Summary(ctx, "nope")
		assert.ErrorIs(t, err, ErrUnknownRun)
	})

	t.Run("empty run summary", func(t *testing.T) {
		empty, err := db.StartRun(ctx, "idle", nil, t0)
		require.NoError(t, err)
		s, err := db.Summary(ctx, empty.RunID)
		require.NoError(t, err)
		assert.Equal(t, &Summary{RunID: empty.RunID}, s)
	})

	t.Run("occupancy series", func(t *testing.T) {
		series, err := db.OccupancySeries(ctx, run.RunID)
		require.NoError(t, err)
		require.Len(t, series, 4)
		assert.Equal(t, []int64{1, 3, 1, 1}, []int64{series[0].Occupancy, series[1].Occupancy, series[2].Occupancy, series[3].Occupancy})
		assert.True(t, series[0].Time.Equal(t0.Add(time.Second)))
		assert.Equal(t, int64(2), series[3].Exit)
	})
}

func TestRecord_ZeroTimestampTakesBatchTime(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()
	run, err := db.StartRun(ctx, "x", nil, t0)
	require.NoError(t, err)

	e := event(1, counting.Enter, 5)
	e.Timestamp = time.Time{}
	at := t0.Add(time.Minute)
	require.NoError(t, db.Record(ctx, run.RunID, at, totals(1, 0), []counting.Event{e}))

	events, err := db.Events(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Timestamp.Equal(at))
}

func TestRecord_UnknownRunViolatesForeignKey(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	err := db.Record(context.Background(), "missing", t0, totals(0, 0), nil)
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// AsyncSink
// ---------------------------------------------------------------------------

func TestAsyncSink_WritesAndFlushes(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()
	run, err := db.StartRun(ctx, "x", nil, t0)
	require.NoError(t, err)

	clock := timeutil.NewMockClock(t0)
	sink := NewAsyncSink(db, run.RunID, 8, clock)
	require.NoError(t, sink.PublishFrame(pipeline.FrameSnapshot{}))

	require.NoError(t, sink.PublishCounts(totals(1, 0), []counting.Event{event(1, counting.Enter, 1)}))
	clock.Advance(time.Second)
	require.NoError(t, sink.PublishCounts(totals(1, 1), []counting.Event{event(1, counting.Exit, 11)}))
	assert.Equal(t, 2, sink.Stats().Queued)

	runCtx, cancel := context.WithCancel(ctx)
	cancel()
	require.NoError(t, sink.Run(runCtx))

	assert.Equal(t, SinkStats{Written: 2}, sink.Stats())
	series, err := db.OccupancySeries(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.True(t, series[1].Time.Equal(t0.Add(time.Second)))
	events, err := db.Events(ctx, run.RunID)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestAsyncSink_DropsWhenFull(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	sink := NewAsyncSink(db, "unused", 1, timeutil.NewMockClock(t0))
	for i := 0; i < 3; i++ {
		require.NoError(t, sink.PublishCounts(totals(int64(i), 0), nil))
	}
	s := sink.Stats()
	assert.Equal(t, int64(2), s.Dropped)
	assert.Equal(t, 1, s.Queued)
}

func TestAsyncSink_FullQueueKeepsEvents(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()
	run, err := db.StartRun(ctx, "x", nil, t0)
	require.NoError(t, err)

	clock := timeutil.NewMockClock(t0)
	sink := NewAsyncSink(db, run.RunID, 1, clock)
	for i := int64(1); i <= 3; i++ {
		clock.Advance(time.Second)
		require.NoError(t, sink.PublishCounts(totals(i, 0), []counting.Event{event(i, counting.Enter, i*10)}))
	}
	assert.Equal(t, int64(2), sink.Stats().Dropped)

	runCtx, cancel := context.WithCancel(ctx)
	cancel()
	require.NoError(t, sink.Run(runCtx))
	assert.Equal(t, int64(2), sink.Stats().Written, "queued batch plus the held-back one")

	events, err := db.Events(ctx, run.RunID)
	require.NoError(t, err)
	want := []counting.Event{
		event(1, counting.Enter, 10),
		event(2, counting.Enter, 20),
		event(3, counting.Enter, 30),
	}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	s, err := db.Summary(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), s.TotalEnter, "latest snapshot is the held-back one")
}

func TestAsyncSink_WriteFailuresAreCounted(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	sink := NewAsyncSink(db, "missing-run", 4, timeutil.NewMockClock(t0))
	require.NoError(t, sink.PublishCounts(totals(1, 0), nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, sink.Run(ctx))
	assert.Equal(t, int64(1), sink.Stats().Failed)
	assert.Zero(t, sink.Stats().Written)
}
