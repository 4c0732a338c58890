package tracking

import (
	"math"

	"github.com/banshee-data/occupancy.report/internal/detect"
)

// DefaultSwitchJumpPx is the box corner displacement between consecutive
// frames above which an identity is assumed to have jumped to another object.
const DefaultSwitchJumpPx = 150

// QualityEvaluator estimates identity switches from per-frame snapshots.
// A switch is counted whenever an identity's top-left corner moves more than
// JumpPx along either axis between two consecutive sightings.
type QualityEvaluator struct {
	JumpPx float64

	last     map[int64]detect.Box
	switches int
}

// NewQualityEvaluator returns an evaluator with the default jump threshold.
func NewQualityEvaluator() *QualityEvaluator {
	return &QualityEvaluator{JumpPx: DefaultSwitchJumpPx, last: make(map[int64]detect.Box)}
}

// Observe records one frame of track views.
func (q *QualityEvaluator) Observe(views []TrackView) {
	for _, v := range views {
		prev, seen := q.last[v.ID]
		if seen && (math.Abs(prev.X1-v.Box.X1) > q.JumpPx || math.Abs(prev.Y1-v.Box.Y1) > q.JumpPx) {
			q.switches++
		}
		q.last[v.ID] = v.Box
	}
}

// Switches returns the number of suspected identity switches.
func (q *QualityEvaluator) Switches() int { return q.switches }

// Identities returns the number of distinct identities observed.
func (q *QualityEvaluator) Identities() int { return len(q.last) }

// Score returns 1 - switches/(identities+1), clamped to [0, 1], or 0 when
// nothing has been observed.
func (q *QualityEvaluator) Score() float64 {
	if len(q.last) == 0 {
		return 0
	}
	return math.Max(1-float64(q.switches)/float64(len(q.last)+1), 0)
}
