// Package tracking turns per-frame detections into persistent identities.
//
// Each frame the Tracker predicts every active track one step with its
// Kalman filter, associates the predictions with the frame's detections on
// a 1 - IoU cost, corrects matched tracks, spawns tracks for unmatched
// detections and retires tracks that have gone unmatched for longer than
// MaxAge frames.
package tracking

import (
	"errors"
	"slices"

	"go.uber.org/zap"

	"github.com/banshee-data/occupancy.report/internal/config"
	"github.com/banshee-data/occupancy.report/internal/detect"
	"github.com/banshee-data/occupancy.report/internal/monitoring"
	"github.com/banshee-data/occupancy.report/internal/tracking/assoc"
	"github.com/banshee-data/occupancy.report/internal/tracking/motion"
	"github.com/banshee-data/occupancy.report/internal/tracking/reid"
)

// TrackStatus represents the lifecycle state of a track.
type TrackStatus string

const (
	TrackTentative TrackStatus = "tentative" // New track, needs confirmation
	TrackConfirmed TrackStatus = "confirmed" // Reached MinHits consecutive matches
	TrackLost      TrackStatus = "lost"      // Exceeded MaxAge, about to be removed
)

// TrackerConfig holds configuration parameters for the tracker.
type TrackerConfig struct {
	ConfidenceFloor       float64 // Detections below this confidence are dropped
	Classes               []int   // Accepted classes; empty accepts all
	IoUThreshold          float64 // Minimum IoU for a match
	MaxAge                int     // Unmatched frames tolerated before removal
	MinHits               int     // Consecutive matches needed for confirmation
	MaxTrackHistoryLength int     // Maximum centroid trail length
	MaxTimeSkip           int     // Cap on missing frames honoured per update
	Noise                 motion.Noise

	// EmbeddingMomentum weights the running appearance signature against
	// each new embedding.
	EmbeddingMomentum float64
}

// DefaultTrackerConfig returns tracker configuration loaded from the
// canonical tuning defaults file (config/tuning.defaults.json).
// Panics if the file cannot be found; intended for tests.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfigFromTuning(config.MustLoadDefaultConfig())
}

// TrackerConfigFromTuning builds a TrackerConfig from a loaded TuningConfig.
func TrackerConfigFromTuning(cfg *config.TuningConfig) TrackerConfig {
	return TrackerConfig{
		ConfidenceFloor:       cfg.GetConfidenceFloor(),
		Classes:               cfg.GetClasses(),
		IoUThreshold:          cfg.GetIoUThreshold(),
		MaxAge:                cfg.GetMaxAge(),
		MinHits:               cfg.GetMinHits(),
		MaxTrackHistoryLength: cfg.GetMaxTrackHistoryLength(),
		MaxTimeSkip:           cfg.GetMaxTimeSkip(),
		Noise: motion.Noise{
			MeasurementPos:          cfg.GetMeasurementNoisePos(),
			MeasurementShape:        cfg.GetMeasurementNoiseShape(),
			ProcessPos:              cfg.GetProcessNoisePos(),
			ProcessVel:              cfg.GetProcessNoiseVel(),
			InitialVelocityVariance: cfg.GetInitialVelocityVariance(),
		},
		EmbeddingMomentum: 0.9,
	}
}

// ReIDConfigFromTuning builds the gallery configuration. The second return
// is false when re-identification is disabled.
func ReIDConfigFromTuning(cfg *config.TuningConfig) (reid.Config, bool) {
	return reid.Config{
		Similarity: cfg.GetReIDSimilarity(),
		TTLFrames:  int64(cfg.GetReIDTTLFrames()),
		Capacity:   cfg.GetReIDGallerySize(),
	}, cfg.GetReIDEnabled()
}

// HistoryPoint is one observed centroid in a track's trail.
type HistoryPoint struct {
	X, Y  float64
	Frame int64
	// Timestamp of the source frame, used for event reporting.
	Timestamp int64 // Unix nanos
}

// Track is the tracker's private record of one identity.
type Track struct {
	ID     int64
	Status TrackStatus

	filter *motion.Filter
	box    detect.Box // latest estimate (corrected or predicted)

	History []HistoryPoint

	Hits            int // Total successful matches, including the seeding detection
	HitStreak       int // Consecutive matches
	Age             int // Frames since creation
	TimeSinceUpdate int // Frames since the last match

	Class      int
	Confidence float64
	Embedding  []float64 // running unit-length signature

	// Reattached is set when the identity came back from the re-id gallery.
	Reattached bool

	confirmed bool // reached confirmation at some point; survives TrackLost
}

// RemovalObserver is notified synchronously, before a track is dropped.
// dormant is true when the identity was handed to the re-id gallery and may
// come back.
type RemovalObserver interface {
	TrackRemoved(view TrackView, dormant bool)
}

// FrameResult is the outcome of one Update.
type FrameResult struct {
	Frame   int64       // tracker frame clock after this update
	Tracks  []TrackView // active tracks in creation order
	Removed []TrackView // tracks retired during this update
	Dropped int         // detections rejected by sanitisation
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithResolver enables re-identification through r.
func WithResolver(r reid.Resolver) Option {
	return func(t *Tracker) { t.resolver = r }
}

// WithRemovalObserver registers o to hear about removed tracks.
func WithRemovalObserver(o RemovalObserver) Option {
	return func(t *Tracker) { t.observer = o }
}

// Tracker manages multi-object tracking with explicit lifecycle states.
// It is owned by one goroutine; callers needing concurrent reads publish
// the FrameResult instead.
type Tracker struct {
	Config TrackerConfig

	tracks map[int64]*Track
	order  []int64 // creation order of active tracks
	nextID int64
	frame  int64

	resolver reid.Resolver
	observer RemovalObserver

	stats counters
}

// counters accumulate since the last Reset.
type counters struct {
	frames             int64
	tracksCreated      int
	tracksConfirmed    int
	reattached         int
	emptyBoxFrames     int64
	totalBoxFrames     int64
	retiredResets      int
	singularUpdates    int
	droppedMalformed   int
	droppedConfidence  int
	droppedClass       int
	strippedEmbeddings int
}

// NewTracker creates a new tracker with the specified configuration.
func NewTracker(cfg TrackerConfig, opts ...Option) *Tracker {
	t := &Tracker{
		Config: cfg,
		tracks: make(map[int64]*Track),
		nextID: 1,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Reset destroys every track, restarts identities at 1 and clears the
// metrics and the re-id gallery.
func (t *Tracker) Reset() {
	t.tracks = make(map[int64]*Track)
	t.order = nil
	t.nextID = 1
	t.frame = 0
	t.stats = counters{}
	if t.resolver != nil {
		t.resolver.Reset()
	}
}

// Frame returns the tracker's frame clock.
func (t *Tracker) Frame() int64 { return t.frame }

// Update processes one frame of detections.
func (t *Tracker) Update(frame detect.Frame) FrameResult {
	dets, dropped := t.sanitise(frame.Detections)

	steps := 1
	if frame.Skipped > 0 {
		steps += min(frame.Skipped, t.Config.MaxTimeSkip)
	}
	t.frame += int64(steps)
	t.stats.frames++
	if t.resolver != nil {
		t.resolver.Tick(t.frame)
	}
	var ts int64
	if !frame.Timestamp.IsZero() {
		ts = frame.Timestamp.UnixNano()
	}

	// 1. Predict
	predicted := make([]detect.Box, len(t.order))
	for i, id := range t.order {
		tr := t.tracks[id]
		for s := 0; s < steps; s++ {
			tr.box = tr.filter.Predict()
		}
		predicted[i] = tr.box
		tr.Age += steps
	}

	// 2. Associate
	boxes := make([]detect.Box, len(dets))
	for j, d := range dets {
		boxes[j] = d.Box
	}
	res := assoc.Associate(predicted, boxes, t.Config.IoUThreshold)

	// 3. Update matched tracks
	for _, m := range res.Matches {
		t.update(t.tracks[t.order[m.Track]], dets[m.Detection], ts)
	}

	// 4. Age unmatched tracks and retire the expired ones.
	var removed []TrackView
	expired := make(map[int64]bool)
	for _, i := range res.UnmatchedTracks {
		tr := t.tracks[t.order[i]]
		tr.HitStreak = 0
		tr.TimeSinceUpdate += steps
		if tr.TimeSinceUpdate > t.Config.MaxAge {
			tr.Status = TrackLost
			removed = append(removed, t.retire(tr))
			expired[tr.ID] = true
		}
	}
	if len(expired) > 0 {
		t.order = slices.DeleteFunc(t.order, func(id int64) bool { return expired[id] })
	}

	t.stats.totalBoxFrames += int64(len(predicted))
	t.stats.emptyBoxFrames += int64(len(res.UnmatchedTracks))

	// 5. Spawn tracks for unmatched detections, reattaching known identities.
	for _, j := range res.UnmatchedDetections {
		t.spawn(dets[j], ts)
	}

	return FrameResult{
		Frame:   t.frame,
		Tracks:  t.Snapshot(),
		Removed: removed,
		Dropped: dropped,
	}
}

// sanitise drops detections that must not reach association and strips
// unusable embeddings from the rest.
func (t *Tracker) sanitise(in []detect.Detection) ([]detect.Detection, int) {
	out := make([]detect.Detection, 0, len(in))
	dropped := 0
	for _, d := range in {
		if err := d.Validate(); err != nil {
			t.stats.droppedMalformed++
			dropped++
			monitoring.Logf("[Tracker] dropping malformed detection %+v: %v", d.Box, err)
			continue
		}
		if d.Confidence < t.Config.ConfidenceFloor {
			t.stats.droppedConfidence++
			dropped++
			continue
		}
		if len(t.Config.Classes) > 0 && !slices.Contains(t.Config.Classes, d.Class) {
			t.stats.droppedClass++
			dropped++
			continue
		}
		if d.Embedding != nil && !detect.ValidEmbedding(d.Embedding) {
			t.stats.strippedEmbeddings++
			d.Embedding = nil
		}
		out = append(out, d)
	}
	return out, dropped
}

func (t *Tracker) update(tr *Track, d detect.Detection, ts int64) {
	box, err := tr.filter.Update(d.Box)
	if errors.Is(err, motion.ErrSingularCovariance) {
		t.stats.singularUpdates++
		monitoring.L().Debug("covariance reset", zap.Int64("track_id", tr.ID))
	}
	tr.box = box
	tr.Hits++
	tr.HitStreak++
	tr.TimeSinceUpdate = 0
	tr.Class = d.Class
	tr.Confidence = d.Confidence
	if d.Embedding != nil {
		tr.Embedding = reid.Blend(tr.Embedding, d.Embedding, t.Config.EmbeddingMomentum)
	}
	t.appendHistory(tr, d.Box, ts)
	t.promote(tr)
}

func (t *Tracker) spawn(d detect.Detection, ts int64) {
	tr := &Track{
		Status:     TrackTentative,
		filter:     motion.New(d.Box, t.Config.Noise),
		box:        d.Box,
		Hits:       1,
		HitStreak:  1,
		Class:      d.Class,
		Confidence: d.Confidence,
	}
	if d.Embedding != nil {
		tr.Embedding, _ = reid.Normalize(d.Embedding)
	}

	if t.resolver != nil && d.Embedding != nil {
		if id, sim, ok := t.resolver.Resolve(d.Embedding); ok {
			if _, live := t.tracks[id]; !live {
				tr.ID = id
				tr.Reattached = true
				t.stats.reattached++
				monitoring.L().Debug("identity reattached",
					zap.Int64("track_id", id), zap.Float64("similarity", sim))
			}
		}
	}
	if tr.ID == 0 {
		tr.ID = t.nextID
		t.nextID++
	}

	t.stats.tracksCreated++
	t.appendHistory(tr, d.Box, ts)
	t.tracks[tr.ID] = tr
	t.order = append(t.order, tr.ID)
	t.promote(tr)
}

func (t *Tracker) promote(tr *Track) {
	if tr.Status == TrackTentative && tr.HitStreak >= t.Config.MinHits {
		tr.Status = TrackConfirmed
		tr.confirmed = true
		t.stats.tracksConfirmed++
	}
}

func (t *Tracker) appendHistory(tr *Track, box detect.Box, ts int64) {
	x, y := box.Centroid()
	tr.History = append(tr.History, HistoryPoint{X: x, Y: y, Frame: t.frame, Timestamp: ts})
	if limit := t.Config.MaxTrackHistoryLength; limit > 0 && len(tr.History) > limit {
		tr.History = tr.History[len(tr.History)-limit:]
	}
}

// retire notifies the observer, hands confirmed identities with a signature
// to the gallery and removes the track from the arena. The caller removes
// it from the creation order.
func (t *Tracker) retire(tr *Track) TrackView {
	dormant := t.resolver != nil && tr.Embedding != nil && tr.confirmed
	view := tr.view()
	if t.observer != nil {
		t.observer.TrackRemoved(view, dormant)
	}
	if dormant {
		t.resolver.Remember(tr.ID, tr.Embedding)
	}
	t.stats.retiredResets += tr.filter.Resets()
	delete(t.tracks, tr.ID)
	return view
}

// Snapshot returns views of the active tracks in creation order.
func (t *Tracker) Snapshot() []TrackView {
	out := make([]TrackView, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.tracks[id].view())
	}
	return out
}
