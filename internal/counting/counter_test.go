package counting

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/occupancy.report/internal/config"
	"github.com/banshee-data/occupancy.report/internal/monitoring"
	"github.com/banshee-data/occupancy.report/internal/tracking"
)

func init() {
	monitoring.SetLogger(nil)
}

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// entryLine is a horizontal line at y=360 where moving down enters.
func entryLine() LineConfig {
	return LineConfig{
		Name:        "entry",
		Door:        "main",
		A:           Point{0, 360},
		B:           Point{1280, 360},
		Orientation: "down",
		Margin:      4,
	}
}

// walker feeds one confirmed track through a counter one centroid at a time,
// the way the pipeline does.
type walker struct {
	id      int64
	history []tracking.HistoryPoint
	frame   int64
}

func (w *walker) step(c *Counter, x, y float64) []Event {
	w.frame++
	w.history = append(w.history, tracking.HistoryPoint{X: x, Y: y, Frame: w.frame})
	return c.Update(w.frame, epoch, []tracking.TrackView{w.view()})
}

func (w *walker) view() tracking.TrackView {
	h := make([]tracking.HistoryPoint, len(w.history))
	copy(h, w.history)
	return tracking.TrackView{ID: w.id, Status: tracking.TrackConfirmed, History: h}
}

func walk(c *Counter, w *walker, pts ...Point) []Event {
	var out []Event
	for _, p := range pts {
		out = append(out, w.step(c, p.X, p.Y)...)
	}
	return out
}

// ---------------------------------------------------------------------------
// Line validation
// ---------------------------------------------------------------------------

func TestNewCounter_Validation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  LineConfig
		is   error
	}{
		{"coincident endpoints", LineConfig{Name: "a", A: Point{5, 5}, B: Point{5, 5}, Orientation: "down"}, ErrDegenerateLine},
		{"orientation along line", LineConfig{Name: "a", A: Point{0, 0}, B: Point{100, 0}, Orientation: "right"}, ErrDegenerateLine},
		{"unknown orientation", LineConfig{Name: "a", A: Point{0, 0}, B: Point{100, 0}, Orientation: "north"}, nil},
		{"missing name", LineConfig{A: Point{0, 0}, B: Point{100, 0}, Orientation: "down"}, nil},
		{"negative margin", LineConfig{Name: "a", A: Point{0, 0}, B: Point{100, 0}, Orientation: "down", Margin: -1}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewCounter([]LineConfig{tc.cfg})
			require.Error(t, err)
			if tc.is != nil {
				assert.ErrorIs(t, err, tc.is)
			}
		})
	}

	t.Run("duplicate names", func(t *testing.T) {
		t.Parallel()
		_, err := NewCounter([]LineConfig{entryLine(), entryLine()})
		assert.Error(t, err)
	})
}

func TestEnterSign(t *testing.T) {
	t.Parallel()
	cases := []struct {
		orientation string
		a, b        Point
		want        int
	}{
		{"down", Point{0, 360}, Point{1280, 360}, 1},
		{"up", Point{0, 360}, Point{1280, 360}, -1},
		{"down", Point{1280, 360}, Point{0, 360}, -1},
		{"right", Point{640, 0}, Point{640, 720}, -1},
		{"left", Point{640, 0}, Point{640, 720}, 1},
		{"vertical", Point{0, 360}, Point{1280, 360}, 1},
		{"horizontal", Point{640, 0}, Point{640, 720}, -1},
		{"positive", Point{0, 0}, Point{1, 1}, 1},
		{"negative", Point{0, 0}, Point{1, 1}, -1},
	}
	for _, tc := range cases {
		l, err := newLine(LineConfig{Name: "l", A: tc.a, B: tc.b, Orientation: tc.orientation})
		require.NoError(t, err)
		assert.Equal(t, tc.want, l.EnterSign, "%s %v→%v", tc.orientation, tc.a, tc.b)
		assert.Equal(t, "l", l.Door)
	}
}

// ---------------------------------------------------------------------------
// Crossing detection
// ---------------------------------------------------------------------------

func TestCounter_DownwardCrossingIsOneEnter(t *testing.T) {
	t.Parallel()
	c, err := NewCounter([]LineConfig{entryLine()})
	require.NoError(t, err)
	w := &walker{id: 1}

	events := walk(c, w, Point{100, 200}, Point{100, 340}, Point{100, 380})

	want := []Event{{TrackID: 1, Line: "entry", Door: "main", Direction: Enter, Frame: 3, Timestamp: epoch}}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	snap := c.Snapshot()
	assert.Equal(t, []LineCounts{{Name: "entry", Door: "main", Enter: 1, Exit: 0, Occupancy: 1}}, snap.Lines)
	assert.Equal(t, Totals{Enter: 1, Occupancy: 1}, snap.Totals)
}

func TestCounter_NewlyConfirmedTrackReplaysHistory(t *testing.T) {
	t.Parallel()
	c, err := NewCounter([]LineConfig{entryLine()})
	require.NoError(t, err)

	view := tracking.TrackView{
		ID:     4,
		Status: tracking.TrackTentative,
		History: []tracking.HistoryPoint{
			{X: 100, Y: 200, Frame: 1},
			{X: 100, Y: 340, Frame: 2},
		},
	}
	assert.Empty(t, c.Update(2, epoch, []tracking.TrackView{view}))

	view.Status = tracking.TrackConfirmed
	view.History = append(view.History, tracking.HistoryPoint{X: 100, Y: 380, Frame: 3})
	events := c.Update(3, epoch, []tracking.TrackView{view})
	require.Len(t, events, 1)
	assert.Equal(t, Enter, events[0].Direction)

	// Re-sending the same history is idempotent.
	assert.Empty(t, c.Update(3, epoch, []tracking.TrackView{view}))
}

func TestCounter_ExitAndClamp(t *testing.T) {
	t.Parallel()
	c, err := NewCounter([]LineConfig{entryLine()})
	require.NoError(t, err)

	events := walk(c, &walker{id: 1}, Point{100, 500}, Point{100, 300})
	require.Len(t, events, 1)
	assert.Equal(t, Exit, events[0].Direction)

	snap := c.Snapshot()
	assert.Equal(t, int64(1), snap.Lines[0].Exit)
	assert.Zero(t, snap.Lines[0].Occupancy, "occupancy never goes negative")
	assert.Zero(t, snap.Totals.Occupancy)
}

func TestCounter_StationaryNeverCrosses(t *testing.T) {
	t.Parallel()
	c, err := NewCounter([]LineConfig{entryLine()})
	require.NoError(t, err)

	for _, y := range []float64{200, 358, 360, 362, 600} {
		w := &walker{id: int64(y)}
		for i := 0; i < 50; i++ {
			assert.Empty(t, w.step(c, 640, y), "y=%v", y)
		}
	}
	assert.Equal(t, Totals{}, c.Snapshot().Totals)
}

func TestCounter_HysteresisSingleEvent(t *testing.T) {
	t.Parallel()
	c, err := NewCounter([]LineConfig{entryLine()})
	require.NoError(t, err)
	w := &walker{id: 1}

	path := []Point{{100, 300}, {100, 340}}
	// Sub-pixel to few-pixel jitter straddling the line.
	for i := 0; i < 20; i++ {
		dy := []float64{-3.5, 2.1, -0.4, 3.9, -1.7}[i%5]
		path = append(path, Point{100 + float64(i), 360 + dy})
	}
	path = append(path, Point{130, 370}, Point{130, 362}, Point{131, 371}, Point{132, 400})

	events := walk(c, w, path...)
	require.Len(t, events, 1)
	assert.Equal(t, Enter, events[0].Direction)
}

func TestCounter_ZeroMarginJitterStillCountsEveryFlip(t *testing.T) {
	t.Parallel()
	line := entryLine()
	line.Margin = 0
	c, err := NewCounter([]LineConfig{line})
	require.NoError(t, err)

	events := walk(c, &walker{id: 1}, Point{100, 359}, Point{100, 361}, Point{100, 359}, Point{100, 361})
	assert.Len(t, events, 3)
}

func TestCounter_ReturnAfterClearingMarginCountsAgain(t *testing.T) {
	t.Parallel()
	c, err := NewCounter([]LineConfig{entryLine()})
	require.NoError(t, err)

	events := walk(c, &walker{id: 1},
		Point{100, 300}, Point{100, 400}, // enter
		Point{100, 300}, // exit
		Point{100, 400}, // enter
	)
	require.Len(t, events, 3)
	assert.Equal(t, []Direction{Enter, Exit, Enter}, directions(events))
	assert.Equal(t, Totals{Enter: 2, Exit: 1, Occupancy: 1}, c.Snapshot().Totals)
}

func TestCounter_PassingOutsideSegmentDoesNotCount(t *testing.T) {
	t.Parallel()
	line := entryLine()
	line.A, line.B = Point{500, 360}, Point{700, 360}
	c, err := NewCounter([]LineConfig{line})
	require.NoError(t, err)

	events := walk(c, &walker{id: 1}, Point{100, 300}, Point{100, 400})
	assert.Empty(t, events)

	// Through the segment itself it counts.
	events = walk(c, &walker{id: 2}, Point{600, 300}, Point{600, 400})
	assert.Len(t, events, 1)
}

func TestCounter_MultipleLinesAndDoors(t *testing.T) {
	t.Parallel()
	lines := []LineConfig{
		entryLine(),
		{Name: "inner", Door: "main", A: Point{0, 500}, B: Point{1280, 500}, Orientation: "down", Margin: 4},
		{Name: "side", A: Point{900, 0}, B: Point{900, 720}, Orientation: "right", Margin: 4},
	}
	c, err := NewCounter(lines)
	require.NoError(t, err)

	events := walk(c, &walker{id: 1}, Point{100, 300}, Point{100, 420}, Point{100, 560})
	events = append(events, walk(c, &walker{id: 2}, Point{850, 100}, Point{950, 100})...)

	require.Len(t, events, 3)
	assert.Equal(t, []string{"entry", "inner", "side"}, []string{events[0].Line, events[1].Line, events[2].Line})
	// "right" on a downward line means the -1 side, which moving right reaches.
	assert.Equal(t, Enter, events[2].Direction)

	snap := c.Snapshot()
	require.Len(t, snap.Doors, 2)
	assert.Equal(t, DoorCounts{Door: "main", Enter: 2, Occupancy: 2}, snap.Doors[0])
	assert.Equal(t, DoorCounts{Door: "side", Enter: 1, Occupancy: 1}, snap.Doors[1])
	assert.Equal(t, Totals{Enter: 3, Occupancy: 3}, snap.Totals)
}

func TestCounter_IgnoresUnconfirmedAndShortTracks(t *testing.T) {
	t.Parallel()
	c, err := NewCounter([]LineConfig{entryLine()})
	require.NoError(t, err)

	tentative := tracking.TrackView{ID: 1, Status: tracking.TrackTentative, History: []tracking.HistoryPoint{
		{X: 1, Y: 300, Frame: 1}, {X: 1, Y: 400, Frame: 2},
	}}
	short := tracking.TrackView{ID: 2, Status: tracking.TrackConfirmed, History: []tracking.HistoryPoint{
		{X: 1, Y: 400, Frame: 2},
	}}
	assert.Empty(t, c.Update(2, epoch, []tracking.TrackView{tentative, short}))
}

// ---------------------------------------------------------------------------
// Removal and dormancy
// ---------------------------------------------------------------------------

func TestCounter_TrackRemovedFinalisesPendingHistory(t *testing.T) {
	t.Parallel()
	c, err := NewCounter([]LineConfig{entryLine()})
	require.NoError(t, err)
	w := &walker{id: 1}
	walk(c, w, Point{100, 300}, Point{100, 320})

	// The last point reached the tracker but not the counter.
	w.history = append(w.history, tracking.HistoryPoint{X: 100, Y: 400, Frame: 3})
	v := w.view()
	v.Status = tracking.TrackLost
	c.TrackRemoved(v, false)

	events := c.Update(4, epoch, nil)
	require.Len(t, events, 1)
	assert.Equal(t, Enter, events[0].Direction)
	assert.Empty(t, c.tracks)
}

func TestCounter_DormantStateSurvivesReattach(t *testing.T) {
	t.Parallel()
	c, err := NewCounter([]LineConfig{entryLine()}, WithDormantTTL(10))
	require.NoError(t, err)
	w := &walker{id: 1}
	walk(c, w, Point{100, 300}, Point{100, 320})

	c.TrackRemoved(w.view(), true)
	require.Contains(t, c.tracks, int64(1))

	// The identity comes back on the other side after being out of sight.
	w.frame += 5
	w.history = nil
	events := walk(c, w, Point{100, 400}, Point{100, 420})
	require.Len(t, events, 1)
	assert.Equal(t, Enter, events[0].Direction)
}

func TestCounter_DormantStateExpires(t *testing.T) {
	t.Parallel()
	c, err := NewCounter([]LineConfig{entryLine()}, WithDormantTTL(3))
	require.NoError(t, err)
	w := &walker{id: 1}
	walk(c, w, Point{100, 300}, Point{100, 320})
	c.TrackRemoved(w.view(), true)

	c.Update(5, epoch, nil)
	assert.Contains(t, c.tracks, int64(1))
	c.Update(6, epoch, nil)
	assert.NotContains(t, c.tracks, int64(1))
}

// ---------------------------------------------------------------------------
// Control operations
// ---------------------------------------------------------------------------

func TestCounter_ResetAndReplayIsDeterministic(t *testing.T) {
	t.Parallel()
	c, err := NewCounter([]LineConfig{entryLine()})
	require.NoError(t, err)

	replay := func() ([]Event, Snapshot) {
		var events []Event
		for id := int64(1); id <= 5; id++ {
			w := &walker{id: id}
			y0 := 250.0
			if id%2 == 0 {
				y0 = 470
			}
			for i := 0; i < 12; i++ {
				dy := float64(i) * 20
				if id%2 == 0 {
					dy = -dy
				}
				events = append(events, w.step(c, float64(id)*100, y0+dy)...)
			}
		}
		return events, c.Snapshot()
	}

	firstEvents, first := replay()
	c.Reset()
	assert.Equal(t, Totals{}, c.Snapshot().Totals)
	secondEvents, second := replay()

	assert.True(t, first.Equal(second))
	if diff := cmp.Diff(firstEvents, secondEvents); diff != "" {
		t.Errorf("replay mismatch (-first +second):\n%s", diff)
	}
	assert.Equal(t, Totals{Enter: 3, Exit: 2, Occupancy: 1}, first.Totals)
}

func TestCounter_SetLines(t *testing.T) {
	t.Parallel()
	c, err := NewCounter([]LineConfig{
		entryLine(),
		{Name: "old", A: Point{0, 100}, B: Point{1280, 100}, Orientation: "down", Margin: 4},
	})
	require.NoError(t, err)

	w := &walker{id: 1}
	walk(c, w, Point{100, 50}, Point{100, 150}, Point{100, 340})
	snap := c.Snapshot()
	require.Equal(t, int64(1), snap.Lines[1].Enter)

	t.Run("invalid set leaves lines untouched", func(t *testing.T) {
		err := c.SetLines([]LineConfig{{Name: "bad", A: Point{1, 1}, B: Point{1, 1}, Orientation: "down"}})
		require.ErrorIs(t, err, ErrDegenerateLine)
		assert.Len(t, c.Lines(), 2)
	})

	// Keep entry unchanged, move nothing, drop "old", add "new".
	require.NoError(t, c.SetLines([]LineConfig{
		entryLine(),
		{Name: "new", A: Point{0, 600}, B: Point{1280, 600}, Orientation: "down", Margin: 4},
	}))
	snap = c.Snapshot()
	require.Len(t, snap.Lines, 2)
	assert.Equal(t, "new", snap.Lines[1].Name)
	assert.Zero(t, snap.Lines[1].Enter)
	assert.NotContains(t, c.tracks[1].lines, "old")
	assert.Contains(t, c.tracks[1].lines, "entry")

	// Crossing state on the kept line survived: one more step down enters.
	events := w.step(c, 100, 380)
	require.Len(t, events, 1)
	assert.Equal(t, "entry", events[0].Line)

	// Moving the kept line clears its crossing state but keeps the counts.
	moved := entryLine()
	moved.A.Y, moved.B.Y = 450, 450
	require.NoError(t, c.SetLines([]LineConfig{moved}))
	assert.NotContains(t, c.tracks[1].lines, "entry")
	assert.Equal(t, int64(1), c.Snapshot().Lines[0].Enter)
}

func TestLinesFromTuning(t *testing.T) {
	t.Parallel()
	margin := 1.5
	cfg := &config.TuningConfig{Lines: []config.LineConfig{
		{Name: "a", Door: "front", Coords: [4]float64{0, 10, 100, 10}, Orientation: "up"},
		{Name: "b", Coords: [4]float64{5, 0, 5, 100}, Orientation: "left", Margin: &margin},
	}}
	got := LinesFromTuning(cfg)
	want := []LineConfig{
		{Name: "a", Door: "front", A: Point{0, 10}, B: Point{100, 10}, Orientation: "up", Margin: 4},
		{Name: "b", A: Point{5, 0}, B: Point{5, 100}, Orientation: "left", Margin: 1.5},
	}
	assert.Equal(t, want, got)

	_, err := NewCounter(got)
	assert.NoError(t, err)
}

func directions(events []Event) []Direction {
	out := make([]Direction, len(events))
	for i, e := range events {
		out[i] = e.Direction
	}
	return out
}
