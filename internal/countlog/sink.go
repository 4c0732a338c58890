package countlog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/occupancy.report/internal/counting"
	"github.com/banshee-data/occupancy.report/internal/monitoring"
	"github.com/banshee-data/occupancy.report/internal/pipeline"
	"github.com/banshee-data/occupancy.report/internal/timeutil"
)

// DefaultQueueSize is the number of count batches AsyncSink holds before
// it starts dropping.
const DefaultQueueSize = 256

type batch struct {
	at     time.Time
	counts counting.Snapshot
	events []counting.Event
}

// AsyncSink is a pipeline.Sink that writes count batches to the database
// on its own goroutine so the frame loop never waits on disk. When the
// queue is full the batch's snapshot is skipped and counted, and its events
// ride along with the next batch that fits, so the event log has no gaps.
// Anything still held back at shutdown is written by the final flush.
type AsyncSink struct {
	db    *DB
	runID string
	clock timeutil.Clock
	queue chan batch

	mu      sync.Mutex
	pending *batch // latest batch that did not fit, carrying all held-back events

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64
}

var _ pipeline.Sink = (*AsyncSink)(nil)

// NewAsyncSink returns a sink recording into run runID. A queueSize below
// one uses DefaultQueueSize.
func NewAsyncSink(db *DB, runID string, queueSize int, clock timeutil.Clock) *AsyncSink {
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &AsyncSink{
		db:    db,
		runID: runID,
		clock: clock,
		queue: make(chan batch, queueSize),
	}
}

// PublishFrame implements pipeline.Sink. Frames are not persisted.
func (s *AsyncSink) PublishFrame(pipeline.FrameSnapshot) error { return nil }

// PublishCounts implements pipeline.Sink. It never blocks.
func (s *AsyncSink) PublishCounts(counts counting.Snapshot, events []counting.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := batch{at: s.clock.Now(), counts: counts}
	if s.pending != nil {
		b.events = append(b.events, s.pending.events...)
	}
	b.events = append(b.events, events...)

	select {
	case s.queue <- b:
		s.pending = nil
	default:
		s.pending = &b
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			monitoring.Logf("[CountLog] queue full, %d snapshots skipped, %d events held back", n, len(b.events))
		}
	}
	return nil
}

// Run writes queued batches until ctx is cancelled, then flushes what is
// already queued and returns.
func (s *AsyncSink) Run(ctx context.Context) error {
	for {
		select {
		case b := <-s.queue:
			s.write(ctx, b)
		case <-ctx.Done():
			s.flush()
			return nil
		}
	}
}

func (s *AsyncSink) flush() {
	// The run context is gone; give the final writes their own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case b := <-s.queue:
			s.write(ctx, b)
		default:
			s.mu.Lock()
			b := s.pending
			s.pending = nil
			s.mu.Unlock()
			if b != nil {
				s.write(ctx, *b)
			}
			return
		}
	}
}

func (s *AsyncSink) write(ctx context.Context, b batch) {
	if err := s.db.Record(ctx, s.runID, b.at, b.counts, b.events); err != nil {
		s.failed.Add(1)
		monitoring.Logf("[CountLog] write failed: %v", err)
		return
	}
	s.written.Add(1)
}

// SinkStats are the AsyncSink counters. Dropped counts snapshots skipped
// because the queue was full; their events are not lost.
type SinkStats struct {
	Written int64 `json:"written"`
	Dropped int64 `json:"dropped"`
	Failed  int64 `json:"failed"`
	Queued  int   `json:"queued"`
}

// Stats returns the sink counters.
func (s *AsyncSink) Stats() SinkStats {
	return SinkStats{
		Written: s.written.Load(),
		Dropped: s.dropped.Load(),
		Failed:  s.failed.Load(),
		Queued:  len(s.queue),
	}
}
