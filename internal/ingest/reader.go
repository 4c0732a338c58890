package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/banshee-data/occupancy.report/internal/monitoring"
	"github.com/banshee-data/occupancy.report/internal/timeutil"
)

// ReaderConfig configures a Reader.
type ReaderConfig struct {
	// Reconnect reopens the source after a read or open error. When false
	// the first error ends Run.
	Reconnect       bool
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Clock           timeutil.Clock
}

// DefaultReaderConfig returns the settings used when nothing is configured.
func DefaultReaderConfig() ReaderConfig {
	return ReaderConfig{
		Reconnect:       true,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Clock:           timeutil.RealClock{},
	}
}

// Reader pumps a Source into a Buffer on its own goroutine.
type Reader struct {
	src   Source
	buf   *Buffer
	cfg   ReaderConfig
	clock timeutil.Clock

	reconnect chan struct{}
}

// NewReader returns a reader for src feeding buf.
func NewReader(src Source, buf *Buffer, cfg ReaderConfig) *Reader {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultReaderConfig().InitialInterval
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = cfg.InitialInterval
	}
	return &Reader{
		src:       src,
		buf:       buf,
		cfg:       cfg,
		clock:     clock,
		reconnect: make(chan struct{}, 1),
	}
}

// RequestReconnect asks Run to close and reopen the source, for example
// after the consumer saw ErrStalled. Requests coalesce.
func (r *Reader) RequestReconnect() {
	select {
	case r.reconnect <- struct{}{}:
	default:
	}
}

var errReconnectRequested = errors.New("reconnect requested")

// Run reads until the source ends, ctx is cancelled, or an error occurs
// with reconnection disabled. It closes the buffer on return so the
// consumer drains and sees ErrClosed. The end of a finite source and
// cancellation both return nil.
func (r *Reader) Run(ctx context.Context) error {
	defer r.buf.Close()
	for {
		if err := r.open(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		err := r.pump(ctx)
		if cerr := r.src.Close(); cerr != nil {
			monitoring.Logf("[Reader] close source: %v", cerr)
		}
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, io.EOF):
			monitoring.Logf("[Reader] source ended")
			return nil
		case errors.Is(err, errReconnectRequested):
			monitoring.Logf("[Reader] reconnecting on request")
		case errors.Is(err, ErrClosed):
			return nil
		default:
			r.buf.stats.errors.Add(1)
			if !r.cfg.Reconnect {
				return fmt.Errorf("read source: %w", err)
			}
			monitoring.Logf("[Reader] read error, reconnecting: %v", err)
		}
		r.buf.stats.reconnects.Add(1)
	}
}

// pump copies frames until the source fails or a reconnect is requested.
func (r *Reader) pump(ctx context.Context) error {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	requested := make(chan struct{})
	go func() {
		select {
		case <-r.reconnect:
			close(requested)
			cancel()
		case <-rctx.Done():
		}
	}()

	for {
		f, err := r.src.Read(rctx)
		if err == nil {
			err = r.buf.Push(rctx, f)
		}
		if err != nil {
			select {
			case <-requested:
				return errReconnectRequested
			default:
				return err
			}
		}
	}
}

// open opens the source, retrying with exponential backoff when
// reconnection is enabled.
func (r *Reader) open(ctx context.Context) error {
	if !r.cfg.Reconnect {
		if err := r.src.Open(ctx); err != nil {
			r.buf.stats.errors.Add(1)
			return fmt.Errorf("open source: %w", err)
		}
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.InitialInterval
	eb.MaxInterval = r.cfg.MaxInterval
	eb.MaxElapsedTime = 0
	eb.Clock = r.clock
	eb.Reset()

	op := func() error { return r.src.Open(ctx) }
	notify := func(err error, wait time.Duration) {
		r.buf.stats.errors.Add(1)
		monitoring.Logf("[Reader] open failed, retrying in %s: %v", wait.Round(time.Millisecond), err)
	}
	if err := backoff.RetryNotifyWithTimer(op, backoff.WithContext(eb, ctx), notify, &clockTimer{clock: r.clock}); err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	return nil
}

// clockTimer drives backoff waits from a timeutil.Clock.
type clockTimer struct {
	clock timeutil.Clock
	timer timeutil.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time { return t.timer.C() }
