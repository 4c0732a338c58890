package tracking

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/occupancy.report/internal/detect"
)

func TestQualityEvaluator(t *testing.T) {
	t.Parallel()

	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		q := NewQualityEvaluator()
		assert.Zero(t, q.Score())
	})

	t.Run("smooth motion has no switches", func(t *testing.T) {
		t.Parallel()
		q := NewQualityEvaluator()
		for i := 0; i < 20; i++ {
			x := float64(i * 10)
			q.Observe([]TrackView{
				{ID: 1, Box: detect.Box{X1: x, Y1: 0, X2: x + 40, Y2: 80}},
				{ID: 2, Box: detect.Box{X1: 500, Y1: x, X2: 540, Y2: x + 80}},
			})
		}
		assert.Zero(t, q.Switches())
		assert.Equal(t, 2, q.Identities())
		assert.InDelta(t, 1, q.Score(), 1e-12)
	})

	t.Run("jump counts as a switch", func(t *testing.T) {
		t.Parallel()
		q := NewQualityEvaluator()
		q.Observe([]TrackView{{ID: 1, Box: detect.Box{X1: 0, Y1: 0, X2: 10, Y2: 10}}})
		q.Observe([]TrackView{{ID: 1, Box: detect.Box{X1: 151, Y1: 0, X2: 161, Y2: 10}}})
		q.Observe([]TrackView{{ID: 1, Box: detect.Box{X1: 151, Y1: 150, X2: 161, Y2: 160}}})
		assert.Equal(t, 1, q.Switches())
		assert.InDelta(t, 0.5, q.Score(), 1e-12)
	})

	t.Run("score clamps at zero", func(t *testing.T) {
		t.Parallel()
		q := NewQualityEvaluator()
		for i := 0; i < 5; i++ {
			q.Observe([]TrackView{{ID: 1, Box: detect.Box{X1: float64(i%2) * 400, X2: float64(i%2)*400 + 10, Y2: 10}}})
		}
		assert.Equal(t, 4, q.Switches())
		assert.Zero(t, q.Score())
	})
}
