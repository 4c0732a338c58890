// Package detect holds the per-frame detection model shared by the tracker,
// the counter and the ingestion layer.
package detect

import (
	"errors"
	"math"
	"time"
)

var (
	// ErrNonFinite reports a NaN or infinite box coordinate or confidence.
	ErrNonFinite = errors.New("detect: non-finite value")
	// ErrEmptyBox reports a box with zero or negative area.
	ErrEmptyBox = errors.New("detect: zero or negative area box")
)

// Box is an axis-aligned bounding box in frame pixel coordinates with
// (X1, Y1) the top-left and (X2, Y2) the bottom-right corner.
type Box struct {
	X1, Y1, X2, Y2 float64
}

// Width returns X2 - X1.
func (b Box) Width() float64 { return b.X2 - b.X1 }

// Height returns Y2 - Y1.
func (b Box) Height() float64 { return b.Y2 - b.Y1 }

// Area returns the box area, or 0 for an inverted box.
func (b Box) Area() float64 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Centroid returns the box centre.
func (b Box) Centroid() (x, y float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Validate reports ErrNonFinite or ErrEmptyBox for boxes that must not
// reach association.
func (b Box) Validate() error {
	for _, v := range [...]float64{b.X1, b.Y1, b.X2, b.Y2} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrNonFinite
		}
	}
	if b.X2 <= b.X1 || b.Y2 <= b.Y1 {
		return ErrEmptyBox
	}
	return nil
}

// IoU returns the intersection-over-union of a and b in [0, 1].
func IoU(a, b Box) float64 {
	ix1 := math.Max(a.X1, b.X1)
	iy1 := math.Max(a.Y1, b.Y1)
	ix2 := math.Min(a.X2, b.X2)
	iy2 := math.Min(a.Y2, b.Y2)

	iw, ih := ix2-ix1, iy2-iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Detection is one object reported by the upstream detector.
type Detection struct {
	Box        Box
	Confidence float64
	Class      int
	// Embedding is an optional appearance vector for re-identification.
	Embedding []float64
}

// Validate checks the box and the confidence. A bad embedding is not an
// error; see ValidEmbedding.
func (d Detection) Validate() error {
	if math.IsNaN(d.Confidence) || math.IsInf(d.Confidence, 0) {
		return ErrNonFinite
	}
	return d.Box.Validate()
}

// ValidEmbedding reports whether e is usable for cosine similarity: non-empty,
// finite and with a non-zero norm.
func ValidEmbedding(e []float64) bool {
	if len(e) == 0 {
		return false
	}
	var sum float64
	for _, v := range e {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
		sum += v * v
	}
	return sum > 0
}

// Frame is the set of detections for one video frame.
type Frame struct {
	Seq        int64
	Timestamp  time.Time
	Detections []Detection
	// Skipped is the number of frame intervals missing before this frame,
	// set by the ingestion buffer.
	Skipped int
}
