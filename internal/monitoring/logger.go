package monitoring

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var base = NewLogger(zapcore.InfoLevel)

// Logf is the package-level diagnostic logger. It defaults to the sugared
// zap logger's Infof but may be replaced by SetLogger. Tests or production
// code can redirect or mute it.
var Logf func(format string, v ...interface{}) = base.Sugar().Infof

// NewLogger builds the console logger used by the binaries. Timestamps are
// ISO8601 and the caller is omitted; the component name comes from Named.
func NewLogger(level zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableCaller = true
	cfg.DisableStacktrace = true
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// L returns the structured logger behind Logf.
func L() *zap.Logger { return base }

// SetBase swaps the structured logger and points Logf at it.
func SetBase(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	base = l
	Logf = l.Sugar().Infof
}

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
