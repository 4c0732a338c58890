// Package pipeline runs the per-frame loop: it pulls frames from the
// ingestion buffer, updates the tracker, feeds confirmed trajectories to the
// line counter and publishes immutable snapshots to readers and sinks.
//
// The tracker and counter are owned by the loop goroutine. Readers use the
// atomically published snapshots; control operations are sent to the loop
// over a channel and run between frames.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/occupancy.report/internal/config"
	"github.com/banshee-data/occupancy.report/internal/counting"
	"github.com/banshee-data/occupancy.report/internal/detect"
	"github.com/banshee-data/occupancy.report/internal/ingest"
	"github.com/banshee-data/occupancy.report/internal/monitoring"
	"github.com/banshee-data/occupancy.report/internal/tracking"
	"github.com/banshee-data/occupancy.report/internal/tracking/reid"
)

// ErrStopped is returned by control operations once Run has returned.
var ErrStopped = errors.New("pipeline: not running")

// FrameSnapshot is what readers see of the tracker after a frame.
type FrameSnapshot struct {
	Seq       int64                    `json:"seq"`
	Frame     int64                    `json:"frame"`
	Timestamp time.Time                `json:"timestamp"`
	Tracks    []tracking.TrackView     `json:"tracks"`
	Metrics   tracking.TrackingMetrics `json:"metrics"`
	// IDSwitches is the number of suspected identity switches since the
	// last reset.
	IDSwitches int `json:"id_switches"`
}

// Sink receives pipeline outputs. Implementations must not block the loop;
// anything that does I/O should queue internally.
type Sink interface {
	// PublishFrame is called after every processed frame.
	PublishFrame(snap FrameSnapshot) error
	// PublishCounts is called when a frame produced crossings, and after a
	// reset or line change, with the new counts.
	PublishCounts(counts counting.Snapshot, events []counting.Event) error
}

// Config holds the pipeline's components.
type Config struct {
	Tracker tracking.TrackerConfig
	// ReID enables re-identification when non-nil.
	ReID  *reid.Config
	Lines []counting.LineConfig
	Sinks []Sink
	// OnStall is called on the loop goroutine when no frame arrived within
	// the buffer's stall timeout, typically to request a reconnect.
	OnStall func()
}

// ConfigFromTuning builds the tracking and counting parts of Config.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	c := Config{
		Tracker: tracking.TrackerConfigFromTuning(cfg),
		Lines:   counting.LinesFromTuning(cfg),
	}
	if rc, ok := tracking.ReIDConfigFromTuning(cfg); ok {
		c.ReID = &rc
	}
	return c
}

// Pipeline ties the tracker and counter to a frame source.
type Pipeline struct {
	tracker tracking.TrackerInterface
	counter *counting.Counter
	quality *tracking.QualityEvaluator
	sinks   []Sink
	onStall func()

	tracks atomic.Pointer[FrameSnapshot]
	counts atomic.Pointer[counting.Snapshot]

	control chan controlOp
	done    chan struct{}
	running atomic.Bool
}

type controlOp struct {
	apply func() error
	reply chan error
}

// New validates the configuration and builds the tracker and counter.
func New(cfg Config) (*Pipeline, error) {
	var counterOpts []counting.Option
	var trackerOpts []tracking.Option
	if cfg.ReID != nil {
		if err := cfg.ReID.Validate(); err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
		trackerOpts = append(trackerOpts, tracking.WithResolver(reid.NewGallery(*cfg.ReID)))
		counterOpts = append(counterOpts, counting.WithDormantTTL(cfg.ReID.TTLFrames))
	}
	counter, err := counting.NewCounter(cfg.Lines, counterOpts...)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	trackerOpts = append(trackerOpts, tracking.WithRemovalObserver(counter))

	p := &Pipeline{
		tracker: tracking.NewTracker(cfg.Tracker, trackerOpts...),
		counter: counter,
		quality: tracking.NewQualityEvaluator(),
		onStall: cfg.OnStall,
		control: make(chan controlOp),
		done:    make(chan struct{}),
	}
	for _, s := range cfg.Sinks {
		if !isNilInterface(s) {
			p.sinks = append(p.sinks, s)
		}
	}
	p.tracks.Store(&FrameSnapshot{Tracks: []tracking.TrackView{}})
	cs := counter.Snapshot()
	p.counts.Store(&cs)
	return p, nil
}

// isNilInterface reports whether i is nil or holds a nil pointer.
func isNilInterface(i interface{}) bool {
	if i == nil {
		return true
	}
	v := reflect.ValueOf(i)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return v.IsNil()
	}
	return false
}

// FrameSource is the consumer side of the ingestion buffer.
type FrameSource interface {
	Next(ctx context.Context) (detect.Frame, error)
}

var _ FrameSource = (*ingest.Buffer)(nil)

// Run processes frames until ctx is cancelled or the source is closed and
// drained. A frame being processed when ctx ends is completed first. Run
// returns nil in both cases.
func (p *Pipeline) Run(ctx context.Context, src FrameSource) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("pipeline: already running")
	}
	defer close(p.done)

	frames := make(chan frameOrErr)
	pullCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go p.pull(pullCtx, src, frames)

	for {
		select {
		case <-ctx.Done():
			return nil
		case op := <-p.control:
			op.reply <- op.apply()
		case fe, ok := <-frames:
			if !ok {
				return nil
			}
			switch {
			case fe.err == nil:
				p.ProcessFrame(fe.frame)
			case errors.Is(fe.err, ingest.ErrStalled):
				monitoring.Logf("[Pipeline] no frame within stall timeout")
				if p.onStall != nil {
					p.onStall()
				}
			case errors.Is(fe.err, ingest.ErrClosed):
				monitoring.Logf("[Pipeline] source closed after frame %d", p.tracker.Frame())
				return nil
			case ctx.Err() != nil:
				return nil
			default:
				return fmt.Errorf("pipeline: next frame: %w", fe.err)
			}
		}
	}
}

type frameOrErr struct {
	frame detect.Frame
	err   error
}

// pull moves frames from the source onto the loop so the loop can also
// serve control operations while waiting. It hands over one result at a
// time, so at most one frame sits between the buffer and the loop.
func (p *Pipeline) pull(ctx context.Context, src FrameSource, out chan<- frameOrErr) {
	defer close(out)
	for {
		f, err := src.Next(ctx)
		select {
		case out <- frameOrErr{frame: f, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil && !errors.Is(err, ingest.ErrStalled) {
			return
		}
	}
}

// ProcessFrame runs one frame through the tracker and counter and publishes
// the results. It must only be called from the goroutine that owns the
// pipeline, or before Run starts.
func (p *Pipeline) ProcessFrame(f detect.Frame) []counting.Event {
	res := p.tracker.Update(f)
	ts := f.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	events := p.counter.Update(res.Frame, ts, res.Tracks)
	p.quality.Observe(res.Tracks)

	snap := &FrameSnapshot{
		Seq:        f.Seq,
		Frame:      res.Frame,
		Timestamp:  ts,
		Tracks:     res.Tracks,
		Metrics:    p.tracker.Metrics(),
		IDSwitches: p.quality.Switches(),
	}
	p.tracks.Store(snap)
	for _, s := range p.sinks {
		if err := s.PublishFrame(*snap); err != nil {
			monitoring.Logf("[Pipeline] sink frame publish failed: %v", err)
		}
	}

	if len(events) > 0 {
		for _, e := range events {
			monitoring.L().Info("crossing",
				zap.Int64("track_id", e.TrackID),
				zap.String("line", e.Line),
				zap.String("door", e.Door),
				zap.String("direction", string(e.Direction)),
				zap.Int64("frame", e.Frame))
		}
		p.publishCounts(events)
	}
	return events
}

func (p *Pipeline) publishCounts(events []counting.Event) {
	cs := p.counter.Snapshot()
	p.counts.Store(&cs)
	for _, s := range p.sinks {
		if err := s.PublishCounts(cs, events); err != nil {
			monitoring.Logf("[Pipeline] sink count publish failed: %v", err)
		}
	}
}

// Tracks returns the latest frame snapshot. Safe from any goroutine.
func (p *Pipeline) Tracks() FrameSnapshot { return *p.tracks.Load() }

// Counts returns the latest counts. Safe from any goroutine.
func (p *Pipeline) Counts() counting.Snapshot { return *p.counts.Load() }

// Reset clears every track, identity, counter and crossing state. Track IDs
// restart at 1.
func (p *Pipeline) Reset(ctx context.Context) error {
	return p.do(ctx, func() error {
		p.tracker.Reset()
		p.counter.Reset()
		p.quality = tracking.NewQualityEvaluator()
		p.tracks.Store(&FrameSnapshot{Tracks: []tracking.TrackView{}})
		p.publishCounts(nil)
		monitoring.Logf("[Pipeline] reset")
		return nil
	})
}

// SetLines replaces the counting lines. Lines kept by name keep their
// counters. An invalid set is rejected and the current lines stay.
func (p *Pipeline) SetLines(ctx context.Context, lines []counting.LineConfig) error {
	return p.do(ctx, func() error {
		if err := p.counter.SetLines(lines); err != nil {
			return err
		}
		p.publishCounts(nil)
		monitoring.Logf("[Pipeline] %d counting lines configured", len(lines))
		return nil
	})
}

// Lines returns the configured lines with orientation normalised to
// "positive" or "negative".
func (p *Pipeline) Lines(ctx context.Context) ([]counting.LineConfig, error) {
	var out []counting.LineConfig
	err := p.do(ctx, func() error {
		out = p.counter.Lines()
		return nil
	})
	return out, err
}

// do runs apply on the loop goroutine, or directly when Run has not been
// started.
func (p *Pipeline) do(ctx context.Context, apply func() error) error {
	if !p.running.Load() {
		return apply()
	}
	op := controlOp{apply: apply, reply: make(chan error, 1)}
	select {
	case p.control <- op:
	case <-p.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-op.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
