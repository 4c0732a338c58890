// Package ingest moves detection frames from a source onto the tracking
// loop. A Reader goroutine pumps a Source into a bounded Buffer; the loop
// pulls frames with Next, which also detects time skips and stalls.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/occupancy.report/internal/detect"
	"github.com/banshee-data/occupancy.report/internal/timeutil"
)

var (
	// ErrStalled is returned by Next when no frame arrived within the stall
	// timeout. The caller decides whether to reconnect.
	ErrStalled = errors.New("ingest: no frame within stall timeout")
	// ErrClosed is returned once the producer has closed the buffer and
	// every queued frame has been delivered.
	ErrClosed = errors.New("ingest: buffer closed")
)

// Policy decides what Push does when the buffer is full.
type Policy string

const (
	// PolicyBlock makes Push wait for room.
	PolicyBlock Policy = "block"
	// PolicyDropOldest discards the oldest queued frame to make room.
	PolicyDropOldest Policy = "drop_oldest"
)

// BufferConfig configures a Buffer.
type BufferConfig struct {
	Capacity     int
	Policy       Policy
	StallTimeout time.Duration
	// FrameInterval is the nominal source period used for time-skip
	// detection. Zero disables timestamp based skips.
	FrameInterval time.Duration
	// SkipFactor is how many intervals a timestamp gap must exceed before
	// it counts as a skip.
	SkipFactor float64
	Clock      timeutil.Clock
}

// DefaultBufferConfig returns the settings used when nothing is configured.
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		Capacity:      8,
		Policy:        PolicyDropOldest,
		StallTimeout:  2 * time.Second,
		FrameInterval: time.Second / 30,
		SkipFactor:    2.5,
		Clock:         timeutil.RealClock{},
	}
}

// Validate checks the configuration.
func (c BufferConfig) Validate() error {
	if c.Capacity < 1 {
		return fmt.Errorf("ingest: capacity must be at least 1, got %d", c.Capacity)
	}
	if c.Policy != PolicyBlock && c.Policy != PolicyDropOldest {
		return fmt.Errorf("ingest: unknown buffer policy %q", c.Policy)
	}
	if c.StallTimeout <= 0 {
		return fmt.Errorf("ingest: stall timeout must be positive, got %s", c.StallTimeout)
	}
	if c.FrameInterval < 0 {
		return fmt.Errorf("ingest: frame interval must not be negative, got %s", c.FrameInterval)
	}
	if c.FrameInterval > 0 && c.SkipFactor < 1 {
		return fmt.Errorf("ingest: skip factor must be at least 1, got %f", c.SkipFactor)
	}
	return nil
}

// Stats is a point-in-time copy of the buffer counters.
type Stats struct {
	Received   int64   `json:"received"`
	Delivered  int64   `json:"delivered"`
	Dropped    int64   `json:"dropped"`
	Stalls     int64   `json:"stalls"`
	Reconnects int64   `json:"reconnects"`
	Errors     int64   `json:"errors"`
	TimeSkips  int64   `json:"time_skips"`
	QueueLen   int     `json:"queue_len"`
	FPS        float64 `json:"fps"`
}

type counters struct {
	received   atomic.Int64
	delivered  atomic.Int64
	dropped    atomic.Int64
	stalls     atomic.Int64
	reconnects atomic.Int64
	errors     atomic.Int64
	timeSkips  atomic.Int64
}

// Buffer is a bounded frame queue between one producer and one consumer.
type Buffer struct {
	cfg   BufferConfig
	clock timeutil.Clock

	frames    chan detect.Frame
	closed    chan struct{}
	closeOnce sync.Once

	// pushMu serialises producers so drop_oldest can make room and send
	// without another producer taking the slot.
	pushMu sync.Mutex

	firstPush atomic.Int64 // unix nanos of the first received frame

	// consumer-side state for skip detection, touched only by Next
	last     detect.Frame
	haveLast bool

	stats counters
}

// NewBuffer validates cfg and returns an empty buffer.
func NewBuffer(cfg BufferConfig) (*Buffer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Buffer{
		cfg:    cfg,
		clock:  clock,
		frames: make(chan detect.Frame, cfg.Capacity),
		closed: make(chan struct{}),
	}, nil
}

// Push enqueues a frame according to the buffer policy. It returns
// ErrClosed after Close and the context error if ctx ends while blocked.
func (b *Buffer) Push(ctx context.Context, f detect.Frame) error {
	select {
	case <-b.closed:
		return ErrClosed
	default:
	}
	b.firstPush.CompareAndSwap(0, b.clock.Now().UnixNano())
	b.stats.received.Add(1)

	if b.cfg.Policy == PolicyBlock {
		select {
		case b.frames <- f:
			return nil
		case <-b.closed:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.pushMu.Lock()
	defer b.pushMu.Unlock()
	for {
		select {
		case b.frames <- f:
			return nil
		default:
		}
		select {
		case <-b.frames:
			b.stats.dropped.Add(1)
		default:
			// The consumer took one in the meantime.
		}
	}
}

// Close marks the end of the stream. Queued frames are still delivered.
func (b *Buffer) Close() {
	b.closeOnce.Do(func() { close(b.closed) })
}

// Next returns the next frame with Skipped filled in. It waits at most the
// stall timeout, returning ErrStalled, and returns ErrClosed once the
// buffer is closed and drained.
func (b *Buffer) Next(ctx context.Context) (detect.Frame, error) {
	select {
	case f := <-b.frames:
		return b.deliver(f), nil
	default:
	}

	timer := b.clock.NewTimer(b.cfg.StallTimeout)
	defer timer.Stop()

	select {
	case f := <-b.frames:
		return b.deliver(f), nil
	case <-b.closed:
		select {
		case f := <-b.frames:
			return b.deliver(f), nil
		default:
			return detect.Frame{}, ErrClosed
		}
	case <-timer.C():
		b.stats.stalls.Add(1)
		return detect.Frame{}, ErrStalled
	case <-ctx.Done():
		return detect.Frame{}, ctx.Err()
	}
}

func (b *Buffer) deliver(f detect.Frame) detect.Frame {
	if b.haveLast {
		f.Skipped = max(f.Skipped, skippedBetween(b.last, f, b.cfg.FrameInterval, b.cfg.SkipFactor))
	}
	if f.Skipped > 0 {
		b.stats.timeSkips.Add(1)
	}
	b.last, b.haveLast = f, true
	b.stats.delivered.Add(1)
	return f
}

// skippedBetween counts the frames missing between prev and next, from the
// sequence gap or, when the timestamp gap exceeds factor intervals, from
// the timestamp gap. The larger estimate wins.
func skippedBetween(prev, next detect.Frame, interval time.Duration, factor float64) int {
	skipped := 0
	if prev.Seq > 0 && next.Seq > prev.Seq+1 {
		skipped = int(next.Seq - prev.Seq - 1)
	}
	if interval > 0 && !prev.Timestamp.IsZero() && !next.Timestamp.IsZero() {
		gap := next.Timestamp.Sub(prev.Timestamp)
		if float64(gap) > factor*float64(interval) {
			skipped = max(skipped, int(gap/interval)-1)
		}
	}
	return skipped
}

// Len returns the number of queued frames.
func (b *Buffer) Len() int { return len(b.frames) }

// Stats returns a copy of the counters.
func (b *Buffer) Stats() Stats {
	s := Stats{
		Received:   b.stats.received.Load(),
		Delivered:  b.stats.delivered.Load(),
		Dropped:    b.stats.dropped.Load(),
		Stalls:     b.stats.stalls.Load(),
		Reconnects: b.stats.reconnects.Load(),
		Errors:     b.stats.errors.Load(),
		TimeSkips:  b.stats.timeSkips.Load(),
		QueueLen:   len(b.frames),
	}
	if first := b.firstPush.Load(); first != 0 {
		if elapsed := b.clock.Since(time.Unix(0, first)).Seconds(); elapsed > 0 {
			s.FPS = float64(s.Received) / elapsed
		}
	}
	return s
}
