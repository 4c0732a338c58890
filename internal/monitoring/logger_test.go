package monitoring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSetLogger(t *testing.T) {
	orig := Logf
	t.Cleanup(func() { Logf = orig })

	var got []string
	SetLogger(func(format string, v ...interface{}) {
		got = append(got, fmt.Sprintf(format, v...))
	})
	Logf("dropped %d detections", 3)
	assert.Equal(t, []string{"dropped 3 detections"}, got)

	SetLogger(nil)
	Logf("muted")
	assert.Len(t, got, 1)
}

func TestSetBase(t *testing.T) {
	origBase, origLogf := base, Logf
	t.Cleanup(func() {
		base = origBase
		Logf = origLogf
	})

	core, logs := observer.New(zapcore.InfoLevel)
	SetBase(zap.New(core))
	Logf("line %s crossed", "door-a")
	L().Info("structured", zap.Int64("track_id", 7))

	entries := logs.All()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, "line door-a crossed", entries[0].Message)
		assert.Equal(t, int64(7), entries[1].ContextMap()["track_id"])
	}

	SetBase(nil)
	assert.NotNil(t, L())
}

func TestNewLogger(t *testing.T) {
	l := NewLogger(zapcore.DebugLevel)
	assert.NotNil(t, l)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))
}
