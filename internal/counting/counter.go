// Package counting turns confirmed track trajectories into directional
// entry and exit counts across configured lines.
//
// Each (track, line) pair runs a small side state machine. A centroid is on
// side +1 or -1 once it is further than the line's margin from it, and in a
// dead band otherwise. A crossing is emitted when the committed side flips
// and the path from the last committed position to the new one passes
// through the line segment. The pair then cannot fire again until the
// centroid clears the margin on the opposite side, which absorbs jitter
// around the line.
package counting

import (
	"fmt"
	"time"

	"github.com/banshee-data/occupancy.report/internal/monitoring"
	"github.com/banshee-data/occupancy.report/internal/tracking"
)

// Direction of a crossing.
type Direction string

const (
	Enter Direction = "enter"
	Exit  Direction = "exit"
)

// Event is one crossing of one line by one track.
type Event struct {
	TrackID   int64     `json:"track_id"`
	Line      string    `json:"line"`
	Door      string    `json:"door"`
	Direction Direction `json:"direction"`
	Frame     int64     `json:"frame"`
	Timestamp time.Time `json:"timestamp"`
}

type crossing struct {
	side   int // committed side, +1 or -1
	anchor Point
}

type trackState struct {
	lastFrame    int64 // newest history frame consumed
	lines        map[string]*crossing
	dormantUntil int64 // 0 while the track is live
}

// Option configures a Counter.
type Option func(*Counter)

// WithDormantTTL keeps crossing state for identities handed to the re-id
// gallery for the given number of frames, so a reattached track continues
// from its last committed side.
func WithDormantTTL(frames int64) Option {
	return func(c *Counter) { c.dormantTTL = frames }
}

// Counter owns the lines, their counters and per-track crossing state. It
// is owned by the pipeline goroutine and is not safe for concurrent use.
type Counter struct {
	lines      []*Line
	tracks     map[int64]*trackState
	pending    []Event
	frame      int64
	dormantTTL int64
}

// NewCounter validates the lines and returns a counter with zeroed counts.
func NewCounter(lines []LineConfig, opts ...Option) (*Counter, error) {
	built, err := buildLines(lines)
	if err != nil {
		return nil, err
	}
	c := &Counter{
		lines:  built,
		tracks: make(map[int64]*trackState),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func buildLines(cfgs []LineConfig) ([]*Line, error) {
	seen := make(map[string]bool, len(cfgs))
	out := make([]*Line, 0, len(cfgs))
	for _, cfg := range cfgs {
		l, err := newLine(cfg)
		if err != nil {
			return nil, err
		}
		if seen[l.Name] {
			return nil, fmt.Errorf("counting: duplicate line name %q", l.Name)
		}
		seen[l.Name] = true
		out = append(out, l)
	}
	return out, nil
}

var _ tracking.RemovalObserver = (*Counter)(nil)

// Update consumes the unseen history of every confirmed track and returns
// the crossings found, preceded by any found while finalising removed
// tracks since the last call.
func (c *Counter) Update(frame int64, ts time.Time, tracks []tracking.TrackView) []Event {
	c.frame = frame
	c.expireDormant()

	events := c.pending
	c.pending = nil
	for _, v := range tracks {
		st := c.tracks[v.ID]
		if st != nil {
			// A reattached identity is live again.
			st.dormantUntil = 0
		}
		if v.Status != tracking.TrackConfirmed || len(v.History) < 2 {
			continue
		}
		if st == nil {
			st = &trackState{lines: make(map[string]*crossing)}
			c.tracks[v.ID] = st
		}
		events = c.consume(v, st, ts, events)
	}
	return events
}

// TrackRemoved finalises a track's unseen history and drops its state, or
// parks it for the dormant TTL when the identity may be reattached.
func (c *Counter) TrackRemoved(v tracking.TrackView, dormant bool) {
	st := c.tracks[v.ID]
	if st == nil {
		return
	}
	c.pending = c.consume(v, st, time.Time{}, c.pending)
	if dormant && c.dormantTTL > 0 {
		st.dormantUntil = c.frame + c.dormantTTL
		return
	}
	delete(c.tracks, v.ID)
}

func (c *Counter) expireDormant() {
	for id, st := range c.tracks {
		if st.dormantUntil > 0 && st.dormantUntil < c.frame {
			delete(c.tracks, id)
		}
	}
}

func (c *Counter) consume(v tracking.TrackView, st *trackState, ts time.Time, events []Event) []Event {
	for _, hp := range v.History {
		if hp.Frame <= st.lastFrame {
			continue
		}
		p := Point{hp.X, hp.Y}
		at := ts
		if hp.Timestamp != 0 {
			at = time.Unix(0, hp.Timestamp).UTC()
		}
		for _, l := range c.lines {
			if dir, ok := c.step(st, l, p); ok {
				events = append(events, Event{
					TrackID:   v.ID,
					Line:      l.Name,
					Door:      l.Door,
					Direction: dir,
					Frame:     hp.Frame,
					Timestamp: at,
				})
			}
		}
		st.lastFrame = hp.Frame
	}
	return events
}

// step advances the (track, line) state machine with one centroid.
func (c *Counter) step(st *trackState, l *Line, p Point) (Direction, bool) {
	zone := l.zone(p)
	if zone == 0 {
		return "", false
	}
	cs := st.lines[l.Name]
	if cs == nil {
		st.lines[l.Name] = &crossing{side: zone, anchor: p}
		return "", false
	}
	if zone == cs.side {
		cs.anchor = p
		return "", false
	}

	crossed := segmentsIntersect(cs.anchor, p, l.A, l.B)
	cs.side, cs.anchor = zone, p
	if !crossed {
		return "", false
	}
	if zone == l.EnterSign {
		l.Enter++
		return Enter, true
	}
	if l.Exit >= l.Enter {
		monitoring.Logf("[Counter] line %q: exit %d exceeds enter %d, occupancy held at 0", l.Name, l.Exit+1, l.Enter)
	}
	l.Exit++
	return Exit, true
}

// Reset zeroes every counter and forgets all crossing state.
func (c *Counter) Reset() {
	for _, l := range c.lines {
		l.Enter, l.Exit = 0, 0
	}
	c.tracks = make(map[int64]*trackState)
	c.pending = nil
}

// SetLines replaces the line set. Lines kept by name keep their counters;
// a kept line whose geometry changed loses its crossing state, and removed
// lines lose both. On error the current lines are left untouched.
func (c *Counter) SetLines(cfgs []LineConfig) error {
	next, err := buildLines(cfgs)
	if err != nil {
		return err
	}
	prev := make(map[string]*Line, len(c.lines))
	for _, l := range c.lines {
		prev[l.Name] = l
	}

	stale := make(map[string]bool)
	for _, l := range next {
		old, ok := prev[l.Name]
		if !ok {
			continue
		}
		l.Enter, l.Exit = old.Enter, old.Exit
		if !old.sameGeometry(l) {
			stale[l.Name] = true
		}
		delete(prev, l.Name)
	}
	for name := range prev {
		stale[name] = true
	}
	for _, st := range c.tracks {
		for name := range stale {
			delete(st.lines, name)
		}
	}
	c.lines = next
	return nil
}

// Lines returns the current line configuration.
func (c *Counter) Lines() []LineConfig {
	out := make([]LineConfig, len(c.lines))
	for i, l := range c.lines {
		orientation := "positive"
		if l.EnterSign < 0 {
			orientation = "negative"
		}
		out[i] = LineConfig{Name: l.Name, Door: l.Door, A: l.A, B: l.B, Orientation: orientation, Margin: l.Margin}
	}
	return out
}
