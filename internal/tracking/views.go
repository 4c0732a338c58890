package tracking

import (
	"github.com/banshee-data/occupancy.report/internal/detect"
)

// TrackView is an immutable copy of a track handed to other components.
// Nothing in it aliases tracker state.
type TrackView struct {
	ID              int64          `json:"id"`
	Box             detect.Box     `json:"box"`
	Status          TrackStatus    `json:"status"`
	Age             int            `json:"age"`
	Hits            int            `json:"hits"`
	HitStreak       int            `json:"hit_streak"`
	TimeSinceUpdate int            `json:"time_since_update"`
	Class           int            `json:"class"`
	Confidence      float64        `json:"confidence"`
	Reattached      bool           `json:"reattached,omitempty"`
	History         []HistoryPoint `json:"history,omitempty"`
}

// Centroid returns the most recent observed centroid, or the box centre
// when the history is empty.
func (v TrackView) Centroid() (x, y float64) {
	if n := len(v.History); n > 0 {
		return v.History[n-1].X, v.History[n-1].Y
	}
	return v.Box.Centroid()
}

func (tr *Track) view() TrackView {
	history := make([]HistoryPoint, len(tr.History))
	copy(history, tr.History)
	return TrackView{
		ID:              tr.ID,
		Box:             tr.box,
		Status:          tr.Status,
		Age:             tr.Age,
		Hits:            tr.Hits,
		HitStreak:       tr.HitStreak,
		TimeSinceUpdate: tr.TimeSinceUpdate,
		Class:           tr.Class,
		Confidence:      tr.Confidence,
		Reattached:      tr.Reattached,
		History:         history,
	}
}

// Confirmed filters views down to confirmed tracks.
func Confirmed(views []TrackView) []TrackView {
	var out []TrackView
	for _, v := range views {
		if v.Status == TrackConfirmed {
			out = append(out, v)
		}
	}
	return out
}
