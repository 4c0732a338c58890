package tracking

import "github.com/banshee-data/occupancy.report/internal/detect"

// TrackerInterface abstracts the tracking implementation.
// This interface enables dependency injection and replay testing
// by decoupling the tracking algorithm from the pipeline loop.
type TrackerInterface interface {
	// Update processes a new frame of detections and updates tracks.
	// This is the main entry point for the pipeline.
	Update(frame detect.Frame) FrameResult

	// Snapshot returns the active tracks in creation order.
	Snapshot() []TrackView

	// Reset destroys all tracks and restarts identities at 1.
	Reset()

	// Frame returns the index of the last processed frame.
	Frame() int64

	// Metrics returns aggregate tracking quality metrics.
	Metrics() TrackingMetrics
}

// Verify at compile time that *Tracker implements TrackerInterface.
var _ TrackerInterface = (*Tracker)(nil)
