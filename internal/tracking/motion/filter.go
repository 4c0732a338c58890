// Package motion implements the per-track constant-velocity Kalman filter.
//
// The state vector is [cx, cy, s, r, vcx, vcy, vs] where (cx, cy) is the box
// centre, s its area and r its aspect ratio (w/h). The aspect ratio is
// treated as constant so it carries no velocity term. The measurement is
// [cx, cy, s, r].
package motion

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/occupancy.report/internal/detect"
)

// ErrSingularCovariance is returned by Update when the innovation
// covariance cannot be inverted. The correction is skipped and the state
// covariance is widened to the prior; the filter remains usable.
var ErrSingularCovariance = errors.New("motion: singular innovation covariance")

const (
	dimX = 7
	dimZ = 4
)

// Noise configures the filter's noise model.
type Noise struct {
	MeasurementPos          float64 // R for cx, cy
	MeasurementShape        float64 // R for s, r
	ProcessPos              float64 // Q for cx, cy, s, r
	ProcessVel              float64 // Q for vcx, vcy; vs gets ProcessVel/100
	InitialVelocityVariance float64 // P0 for the unobserved velocities
}

// DefaultNoise returns the classic SORT noise model.
func DefaultNoise() Noise {
	return Noise{
		MeasurementPos:          1,
		MeasurementShape:        10,
		ProcessPos:              1,
		ProcessVel:              0.01,
		InitialVelocityVariance: 1e4,
	}
}

var (
	transition  = newTransition()
	observation = newObservation()
	identity    = newIdentity(dimX)
)

func newTransition() *mat.Dense {
	f := newIdentity(dimX)
	f.Set(0, 4, 1)
	f.Set(1, 5, 1)
	f.Set(2, 6, 1)
	return f
}

func newObservation() *mat.Dense {
	h := mat.NewDense(dimZ, dimX, nil)
	for i := 0; i < dimZ; i++ {
		h.Set(i, i, 1)
	}
	return h
}

func newIdentity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// Filter tracks one bounding box. It is not safe for concurrent use; each
// track owns its filter exclusively.
type Filter struct {
	noise Noise
	q     *mat.DiagDense
	r     *mat.DiagDense

	x *mat.VecDense
	p *mat.Dense

	// last state that passed the finiteness checks
	good   *mat.VecDense
	resets int
}

// New creates a filter seeded at box with zero velocity.
func New(box detect.Box, noise Noise) *Filter {
	z := measurement(box)
	f := &Filter{
		noise: noise,
		q: mat.NewDiagDense(dimX, []float64{
			noise.ProcessPos, noise.ProcessPos, noise.ProcessPos, noise.ProcessPos,
			noise.ProcessVel, noise.ProcessVel, noise.ProcessVel / 100,
		}),
		r: mat.NewDiagDense(dimZ, []float64{
			noise.MeasurementPos, noise.MeasurementPos,
			noise.MeasurementShape, noise.MeasurementShape,
		}),
		x: mat.NewVecDense(dimX, []float64{z[0], z[1], z[2], z[3], 0, 0, 0}),
	}
	f.p = f.prior()
	f.good = mat.VecDenseCopyOf(f.x)
	return f
}

// prior is the wide initial covariance the filter falls back to.
func (f *Filter) prior() *mat.Dense {
	v := f.noise.InitialVelocityVariance
	p := mat.NewDense(dimX, dimX, nil)
	for i, d := range []float64{10, 10, 10, 10, v, v, v} {
		p.Set(i, i, d)
	}
	return p
}

// Predict advances the state by one step and returns the predicted box.
// Covariance grows without bound over repeated calls with no Update.
func (f *Filter) Predict() detect.Box {
	if f.x.AtVec(2)+f.x.AtVec(6) <= 0 {
		f.x.SetVec(6, 0)
	}

	x := mat.NewVecDense(dimX, nil)
	x.MulVec(transition, f.x)

	var fp mat.Dense
	fp.Mul(transition, f.p)
	p := mat.NewDense(dimX, dimX, nil)
	p.Mul(&fp, transition.T())
	p.Add(p, f.q)

	f.x, f.p = x, p
	f.checkFinite()
	return f.Box()
}

// Update corrects the state with an observed box and returns the corrected
// box. On ErrSingularCovariance the state is left at the prediction.
func (f *Filter) Update(box detect.Box) (detect.Box, error) {
	z := mat.NewVecDense(dimZ, measurement(box))

	var hp mat.Dense
	hp.Mul(observation, f.p)
	var s mat.Dense
	s.Mul(&hp, observation.T())
	s.Add(&s, f.r)

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		f.p = f.prior()
		f.resets++
		return f.Box(), ErrSingularCovariance
	}

	var pht mat.Dense
	pht.Mul(f.p, observation.T())
	var k mat.Dense
	k.Mul(&pht, &sInv)

	var hx mat.VecDense
	hx.MulVec(observation, f.x)
	y := mat.NewVecDense(dimZ, nil)
	y.SubVec(z, &hx)

	var ky mat.VecDense
	ky.MulVec(&k, y)
	x := mat.NewVecDense(dimX, nil)
	x.AddVec(f.x, &ky)

	var kh mat.Dense
	kh.Mul(&k, observation)
	var ikh mat.Dense
	ikh.Sub(identity, &kh)
	p := mat.NewDense(dimX, dimX, nil)
	p.Mul(&ikh, f.p)

	// Symmetrise to keep rounding from accumulating asymmetry.
	var pt mat.Dense
	pt.CloneFrom(p.T())
	p.Add(p, &pt)
	p.Scale(0.5, p)

	f.x, f.p = x, p
	if f.checkFinite() {
		f.checkPositiveDefinite()
	}
	return f.Box(), nil
}

// checkFinite restores the last good state when the state or covariance
// has gone non-finite. It reports whether the state was already fine.
func (f *Filter) checkFinite() bool {
	if finiteVec(f.x) && finiteDense(f.p) {
		f.good = mat.VecDenseCopyOf(f.x)
		return true
	}
	f.x = mat.VecDenseCopyOf(f.good)
	f.p = f.prior()
	f.resets++
	return false
}

func (f *Filter) checkPositiveDefinite() {
	sym := mat.NewSymDense(dimX, nil)
	for i := 0; i < dimX; i++ {
		for j := i; j < dimX; j++ {
			sym.SetSym(i, j, f.p.At(i, j))
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(sym); !ok {
		f.p = f.prior()
		f.resets++
	}
}

// Box returns the current state as a bounding box. A non-positive area or
// aspect ratio yields a zero-size box at the centre.
func (f *Filter) Box() detect.Box {
	cx, cy := f.x.AtVec(0), f.x.AtVec(1)
	s, r := f.x.AtVec(2), f.x.AtVec(3)
	if s <= 0 || r <= 0 {
		return detect.Box{X1: cx, Y1: cy, X2: cx, Y2: cy}
	}
	w := math.Sqrt(s * r)
	h := s / w
	return detect.Box{X1: cx - w/2, Y1: cy - h/2, X2: cx + w/2, Y2: cy + h/2}
}

// State returns a copy of the state vector.
func (f *Filter) State() []float64 {
	out := make([]float64, dimX)
	for i := range out {
		out[i] = f.x.AtVec(i)
	}
	return out
}

// Covariance returns a copy of the state covariance.
func (f *Filter) Covariance() *mat.Dense {
	return mat.DenseCopyOf(f.p)
}

// Resets returns how many times the covariance was reset to the prior.
func (f *Filter) Resets() int { return f.resets }

func measurement(b detect.Box) []float64 {
	w, h := b.Width(), b.Height()
	cx, cy := b.Centroid()
	r := 0.0
	if h > 0 {
		r = w / h
	}
	return []float64{cx, cy, w * h, r}
}

func finiteVec(v *mat.VecDense) bool {
	for i := 0; i < v.Len(); i++ {
		if x := v.AtVec(i); math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

func finiteDense(m *mat.Dense) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if x := m.At(i, j); math.IsNaN(x) || math.IsInf(x, 0) {
				return false
			}
		}
	}
	return true
}
