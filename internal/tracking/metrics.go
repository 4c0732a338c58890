package tracking

// TrackingMetrics holds aggregate tracking quality metrics since the last
// Reset. An offline tuning search consumes these.
type TrackingMetrics struct {
	Frames          int64 `json:"frames"`
	ActiveTracks    int   `json:"active_tracks"`
	TentativeTracks int   `json:"tentative_tracks"`
	ConfirmedTracks int   `json:"confirmed_tracks"`

	// Total tracks created and confirmed since last reset
	TracksCreated   int `json:"tracks_created"`
	TracksConfirmed int `json:"tracks_confirmed"`
	// Track fragmentation: fraction of created tracks that never confirmed [0, 1]
	FragmentationRatio float64 `json:"fragmentation_ratio"`
	// EmptyBoxRatio is the fraction of active-track-frames where the track had
	// no detection association (coasting). Lower is better. [0, 1]
	EmptyBoxRatio float64 `json:"empty_box_ratio"`

	Reattached       int `json:"reattached"`
	CovarianceResets int `json:"covariance_resets"`
	SingularUpdates  int `json:"singular_updates"`

	DroppedMalformed   int `json:"dropped_malformed"`
	DroppedConfidence  int `json:"dropped_confidence"`
	DroppedClass       int `json:"dropped_class"`
	StrippedEmbeddings int `json:"stripped_embeddings"`
}

// Metrics computes the current tracking metrics.
func (t *Tracker) Metrics() TrackingMetrics {
	m := TrackingMetrics{
		Frames:             t.stats.frames,
		TracksCreated:      t.stats.tracksCreated,
		TracksConfirmed:    t.stats.tracksConfirmed,
		Reattached:         t.stats.reattached,
		CovarianceResets:   t.stats.retiredResets,
		SingularUpdates:    t.stats.singularUpdates,
		DroppedMalformed:   t.stats.droppedMalformed,
		DroppedConfidence:  t.stats.droppedConfidence,
		DroppedClass:       t.stats.droppedClass,
		StrippedEmbeddings: t.stats.strippedEmbeddings,
	}
	for _, id := range t.order {
		tr := t.tracks[id]
		m.ActiveTracks++
		m.CovarianceResets += tr.filter.Resets()
		switch tr.Status {
		case TrackTentative:
			m.TentativeTracks++
		case TrackConfirmed:
			m.ConfirmedTracks++
		}
	}

	if m.TracksCreated > 0 {
		m.FragmentationRatio = 1.0 - float64(m.TracksConfirmed)/float64(m.TracksCreated)
	}
	if t.stats.totalBoxFrames > 0 {
		m.EmptyBoxRatio = float64(t.stats.emptyBoxFrames) / float64(t.stats.totalBoxFrames)
	}
	return m
}
