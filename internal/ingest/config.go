package ingest

import (
	"github.com/banshee-data/occupancy.report/internal/config"
	"github.com/banshee-data/occupancy.report/internal/timeutil"
)

// BufferConfigFromTuning derives the buffer settings from the tuning file.
func BufferConfigFromTuning(cfg *config.TuningConfig, clock timeutil.Clock) BufferConfig {
	return BufferConfig{
		Capacity:      cfg.GetBufferSize(),
		Policy:        Policy(cfg.GetBufferPolicy()),
		StallTimeout:  cfg.GetStallTimeout(),
		FrameInterval: cfg.GetFrameInterval(),
		SkipFactor:    cfg.GetTimeSkipFactor(),
		Clock:         clock,
	}
}

// ReaderConfigFromTuning derives the reader settings from the tuning file.
func ReaderConfigFromTuning(cfg *config.TuningConfig, clock timeutil.Clock) ReaderConfig {
	rc := DefaultReaderConfig()
	rc.Reconnect = cfg.GetReconnect()
	rc.MaxInterval = cfg.GetReconnectMaxInterval()
	rc.Clock = clock
	return rc
}
