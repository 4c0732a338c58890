package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/occupancy.report/internal/config"
	"github.com/banshee-data/occupancy.report/internal/countlog"
	"github.com/banshee-data/occupancy.report/internal/ingest"
	"github.com/banshee-data/occupancy.report/internal/monitoring"
	"github.com/banshee-data/occupancy.report/internal/pipeline"
	"github.com/banshee-data/occupancy.report/internal/report"
	"github.com/banshee-data/occupancy.report/internal/timeutil"
	"github.com/banshee-data/occupancy.report/internal/version"
)

var (
	configPath    = flag.String("config", "", "Tuning config JSON file (empty uses built-in defaults)")
	sourcePath    = flag.String("source", "-", "Detection feed in JSON lines: a file path, or - for stdin")
	sourceName    = flag.String("source-name", "", "Name stored with the run (defaults to -source)")
	dbPath        = flag.String("db", "occupancy.db", "Count log database file")
	logLevel      = flag.String("log-level", "info", "Log level: debug, info, warn or error")
	statsInterval = flag.Duration("stats-interval", 30*time.Second, "How often to log reader and count log statistics (0 disables)")
	sinkQueue     = flag.Int("sink-queue", countlog.DefaultQueueSize, "Count batches held for the database writer before dropping")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("occupancy"))
		return
	}

	level, err := zapcore.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid -log-level: %v", err)
	}
	monitoring.SetBase(monitoring.NewLogger(level).Named("occupancy"))
	defer monitoring.L().Sync() //nolint:errcheck

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("occupancy: %v", err)
	}
}

func loadConfig(path string) (*config.TuningConfig, error) {
	if path == "" {
		return config.EmptyTuningConfig(), nil
	}
	return config.LoadTuningConfig(path)
}

func openSource(path string) *ingest.JSONLSource {
	if path == "-" {
		return ingest.NewJSONLStream(os.Stdin)
	}
	return ingest.NewJSONLFile(path)
}

func runName() string {
	if *sourceName != "" {
		return *sourceName
	}
	if *sourcePath == "-" {
		return "stdin"
	}
	return *sourcePath
}

func run(ctx context.Context, cfg *config.TuningConfig) error {
	clock := timeutil.RealClock{}
	logger := monitoring.L()
	logger.Info("starting", zap.String("version", version.String("occupancy")))

	buf, err := ingest.NewBuffer(ingest.BufferConfigFromTuning(cfg, clock))
	if err != nil {
		return err
	}
	src := openSource(*sourcePath)
	reader := ingest.NewReader(src, buf, ingest.ReaderConfigFromTuning(cfg, clock))

	db, err := countlog.Open(*dbPath)
	if err != nil {
		return fmt.Errorf("open count log: %w", err)
	}
	defer db.Close()

	pcfg := pipeline.ConfigFromTuning(cfg)
	pcfg.OnStall = reader.RequestReconnect

	r, err := db.StartRun(ctx, runName(), pcfg.Lines, clock.Now())
	if err != nil {
		return err
	}
	sink := countlog.NewAsyncSink(db, r.RunID, *sinkQueue, clock)
	pcfg.Sinks = []pipeline.Sink{sink}

	p, err := pipeline.New(pcfg)
	if err != nil {
		return err
	}
	logger.Info("run started",
		zap.String("run_id", r.RunID),
		zap.String("source", r.Source),
		zap.Int("lines", len(pcfg.Lines)),
		zap.Bool("reid", pcfg.ReID != nil))

	// Zero counts at the start of the run anchor the occupancy series.
	if err := sink.PublishCounts(p.Counts(), nil); err != nil {
		return err
	}

	// The sink outlives the pipeline so batches queued by the last frames
	// are written before the run is closed.
	sinkCtx, stopSink := context.WithCancel(context.Background())
	defer stopSink()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return reader.Run(gctx)
	})
	g.Go(func() error {
		defer stopSink()
		return p.Run(gctx, buf)
	})
	g.Go(func() error {
		return sink.Run(sinkCtx)
	})
	if *statsInterval > 0 {
		g.Go(func() error {
			logStats(sinkCtx, *statsInterval, p, buf, sink, src)
			return nil
		})
	}
	runErr := g.Wait()

	// The signal context may already be cancelled; closing the run must
	// still reach the database.
	endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.EndRun(endCtx, r.RunID, clock.Now()); err != nil {
		logger.Warn("failed to end run", zap.Error(err))
	}

	emitStats(p, buf, sink, src)
	if summary, err := db.Summary(endCtx, r.RunID); err != nil {
		logger.Warn("failed to summarise run", zap.Error(err))
	} else if err := report.WriteSummary(os.Stdout, r, summary); err != nil {
		logger.Warn("failed to print summary", zap.Error(err))
	}
	return runErr
}

// logStats logs reader, tracking and sink counters every interval until ctx is done.
func logStats(ctx context.Context, interval time.Duration, p *pipeline.Pipeline, buf *ingest.Buffer, sink *countlog.AsyncSink, src *ingest.JSONLSource) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			emitStats(p, buf, sink, src)
		}
	}
}

func emitStats(p *pipeline.Pipeline, buf *ingest.Buffer, sink *countlog.AsyncSink, src *ingest.JSONLSource) {
	bs := buf.Stats()
	snap := p.Tracks()
	ss := sink.Stats()
	monitoring.L().Info("stats",
		zap.Int64("frames", bs.Received),
		zap.Int64("delivered", bs.Delivered),
		zap.Int64("dropped", bs.Dropped),
		zap.Int64("stalls", bs.Stalls),
		zap.Int64("reconnects", bs.Reconnects),
		zap.Int64("time_skips", bs.TimeSkips),
		zap.Int("queued", bs.QueueLen),
		zap.Float64("fps", bs.FPS),
		zap.Int64("malformed", src.Malformed()),
		zap.Int("active_tracks", snap.Metrics.ActiveTracks),
		zap.Float64("fragmentation", snap.Metrics.FragmentationRatio),
		zap.Int("id_switches", snap.IDSwitches),
		zap.Int64("batches_written", ss.Written),
		zap.Int64("batches_dropped", ss.Dropped),
		zap.Int64("batches_failed", ss.Failed))
}
