package counting

import (
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/occupancy.report/internal/config"
)

// ErrDegenerateLine is returned for a line whose endpoints coincide or whose
// orientation runs parallel to it.
var ErrDegenerateLine = errors.New("counting: degenerate line")

// Point is a position in frame pixel coordinates (y grows downwards).
type Point struct {
	X, Y float64
}

func (p Point) sub(q Point) Point { return Point{p.X - q.X, p.Y - q.Y} }

func cross(a, b Point) float64 { return a.X*b.Y - a.Y*b.X }

// LineConfig describes a counting line.
type LineConfig struct {
	Name string
	Door string // defaults to Name
	A, B Point
	// Orientation is the direction of travel that counts as entering:
	// "down", "up", "left", "right", or "positive"/"negative" for the side
	// sign of cross(B-A, P-A) directly. "vertical" and "horizontal" are
	// accepted for down and right.
	Orientation string
	// Margin is the distance in pixels a centroid must clear on the far
	// side before a crossing counts and the line re-arms.
	Margin float64
}

// Line is a configured counting line and its counters.
type Line struct {
	Name      string
	Door      string
	A, B      Point
	Margin    float64
	EnterSign int // side (+1 or -1) a centroid lands on when entering

	Enter int64
	Exit  int64

	length float64
}

// Occupancy returns Enter - Exit, clamped at 0.
func (l *Line) Occupancy() int64 {
	return max(l.Enter-l.Exit, 0)
}

// distance is the signed perpendicular distance of p from the line.
func (l *Line) distance(p Point) float64 {
	return cross(l.B.sub(l.A), p.sub(l.A)) / l.length
}

// zone classifies p as +1, -1, or 0 inside the dead band.
func (l *Line) zone(p Point) int {
	d := l.distance(p)
	switch {
	case d > l.Margin:
		return 1
	case d < -l.Margin:
		return -1
	default:
		return 0
	}
}

func (l *Line) sameGeometry(o *Line) bool {
	return l.A == o.A && l.B == o.B && l.Margin == o.Margin && l.EnterSign == o.EnterSign
}

func newLine(cfg LineConfig) (*Line, error) {
	if cfg.Name == "" {
		return nil, errors.New("counting: line name is required")
	}
	for _, v := range [...]float64{cfg.A.X, cfg.A.Y, cfg.B.X, cfg.B.Y, cfg.Margin} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("counting: line %q has non-finite geometry", cfg.Name)
		}
	}
	if cfg.Margin < 0 {
		return nil, fmt.Errorf("counting: line %q margin must be non-negative, got %f", cfg.Name, cfg.Margin)
	}
	dir := cfg.B.sub(cfg.A)
	length := math.Hypot(dir.X, dir.Y)
	if length < 1e-6 {
		return nil, fmt.Errorf("%w: %q endpoints coincide", ErrDegenerateLine, cfg.Name)
	}

	var sign int
	switch cfg.Orientation {
	case "positive":
		sign = 1
	case "negative":
		sign = -1
	default:
		v, ok := orientationVectors[cfg.Orientation]
		if !ok {
			return nil, fmt.Errorf("counting: line %q has unknown orientation %q", cfg.Name, cfg.Orientation)
		}
		c := cross(dir, v) / length
		if math.Abs(c) < 1e-9 {
			return nil, fmt.Errorf("%w: %q orientation %q runs along the line", ErrDegenerateLine, cfg.Name, cfg.Orientation)
		}
		sign = 1
		if c < 0 {
			sign = -1
		}
	}

	door := cfg.Door
	if door == "" {
		door = cfg.Name
	}
	return &Line{
		Name:      cfg.Name,
		Door:      door,
		A:         cfg.A,
		B:         cfg.B,
		Margin:    cfg.Margin,
		EnterSign: sign,
		length:    length,
	}, nil
}

var orientationVectors = map[string]Point{
	"down":       {0, 1},
	"vertical":   {0, 1},
	"up":         {0, -1},
	"right":      {1, 0},
	"horizontal": {1, 0},
	"left":       {-1, 0},
}

// segmentsIntersect reports whether segment p1-p2 touches segment q1-q2.
func segmentsIntersect(p1, p2, q1, q2 Point) bool {
	d1 := cross(q2.sub(q1), p1.sub(q1))
	d2 := cross(q2.sub(q1), p2.sub(q1))
	d3 := cross(p2.sub(p1), q1.sub(p1))
	d4 := cross(p2.sub(p1), q2.sub(p1))
	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) && ((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	return (d1 == 0 && onSegment(q1, q2, p1)) ||
		(d2 == 0 && onSegment(q1, q2, p2)) ||
		(d3 == 0 && onSegment(p1, p2, q1)) ||
		(d4 == 0 && onSegment(p1, p2, q2))
}

// onSegment reports whether r, known to be collinear with a-b, lies on it.
func onSegment(a, b, r Point) bool {
	return math.Min(a.X, b.X) <= r.X && r.X <= math.Max(a.X, b.X) &&
		math.Min(a.Y, b.Y) <= r.Y && r.Y <= math.Max(a.Y, b.Y)
}

// LinesFromTuning converts the configured lines, applying the global re-arm
// margin where a line does not set its own.
func LinesFromTuning(cfg *config.TuningConfig) []LineConfig {
	src := cfg.GetLines()
	out := make([]LineConfig, len(src))
	for i, l := range src {
		margin := cfg.GetRearmMarginPx()
		if l.Margin != nil {
			margin = *l.Margin
		}
		out[i] = LineConfig{
			Name:        l.Name,
			Door:        l.Door,
			A:           Point{l.Coords[0], l.Coords[1]},
			B:           Point{l.Coords[2], l.Coords[3]},
			Orientation: l.Orientation,
			Margin:      margin,
		}
	}
	return out
}
