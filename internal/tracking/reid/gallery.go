// Package reid keeps a short-lived gallery of lost identities and their
// appearance embeddings so a returning object can take its old identity
// back instead of being counted again.
//
// The gallery has no timer of its own. Expiry is driven by Tick, which the
// tracker calls once per frame from the tracking goroutine.
package reid

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/occupancy.report/internal/detect"
)

// Resolver is what the tracker consults for identity continuity.
type Resolver interface {
	// Resolve returns the best dormant identity whose similarity to the
	// embedding exceeds the threshold. A resolved identity leaves the gallery.
	Resolve(embedding []float64) (id int64, similarity float64, ok bool)
	// Remember stores a lost identity's signature.
	Remember(id int64, embedding []float64)
	// Tick advances the gallery clock to frame and expires old entries.
	Tick(frame int64)
	// Reset drops every entry.
	Reset()
}

// Config holds gallery parameters.
type Config struct {
	Similarity float64 // cosine similarity a match must exceed
	TTLFrames  int64   // frames an entry stays resolvable
	Capacity   int     // maximum entries; the oldest is evicted first
}

// Validate checks the gallery parameters.
func (c Config) Validate() error {
	if c.Similarity < -1 || c.Similarity > 1 {
		return fmt.Errorf("reid: similarity must be within [-1, 1], got %f", c.Similarity)
	}
	if c.TTLFrames < 1 {
		return fmt.Errorf("reid: ttl must be at least one frame, got %d", c.TTLFrames)
	}
	if c.Capacity < 1 {
		return fmt.Errorf("reid: capacity must be at least 1, got %d", c.Capacity)
	}
	return nil
}

type entry struct {
	id     int64
	unit   []float64 // L2-normalised embedding
	stored int64     // frame at which the entry was remembered
}

// Gallery is a Resolver backed by a bounded, insertion-ordered slice.
// It is owned by the tracking goroutine and is not safe for concurrent use.
type Gallery struct {
	cfg     Config
	entries []entry
	now     int64
}

// NewGallery creates an empty gallery.
func NewGallery(cfg Config) *Gallery {
	return &Gallery{cfg: cfg}
}

var _ Resolver = (*Gallery)(nil)

// Tick expires entries older than TTLFrames. An entry remembered at frame f
// is resolvable up to and including frame f+TTLFrames.
func (g *Gallery) Tick(frame int64) {
	g.now = frame
	kept := g.entries[:0]
	for _, e := range g.entries {
		if frame-e.stored <= g.cfg.TTLFrames {
			kept = append(kept, e)
		}
	}
	clear(g.entries[len(kept):])
	g.entries = kept
}

// Remember stores id with its embedding. Invalid embeddings are ignored and
// an existing entry for id is replaced.
func (g *Gallery) Remember(id int64, embedding []float64) {
	unit, ok := Normalize(embedding)
	if !ok {
		return
	}
	g.remove(id)
	g.entries = append(g.entries, entry{id: id, unit: unit, stored: g.now})
	if over := len(g.entries) - g.cfg.Capacity; over > 0 {
		g.entries = append(g.entries[:0], g.entries[over:]...)
	}
}

// Resolve finds the most similar entry. Ties go to the lower identity.
func (g *Gallery) Resolve(embedding []float64) (int64, float64, bool) {
	q, ok := Normalize(embedding)
	if !ok {
		return 0, 0, false
	}
	best := -1
	bestSim := math.Inf(-1)
	for i, e := range g.entries {
		if len(e.unit) != len(q) {
			continue
		}
		sim := floats.Dot(q, e.unit)
		if sim > bestSim || (sim == bestSim && best >= 0 && e.id < g.entries[best].id) {
			best, bestSim = i, sim
		}
	}
	if best < 0 || !(bestSim > g.cfg.Similarity) {
		return 0, 0, false
	}
	id := g.entries[best].id
	g.entries = append(g.entries[:best], g.entries[best+1:]...)
	return id, bestSim, true
}

// Reset drops every entry and rewinds the gallery clock.
func (g *Gallery) Reset() {
	g.entries = nil
	g.now = 0
}

// Len returns the number of live entries.
func (g *Gallery) Len() int { return len(g.entries) }

func (g *Gallery) remove(id int64) {
	for i, e := range g.entries {
		if e.id == id {
			g.entries = append(g.entries[:i], g.entries[i+1:]...)
			return
		}
	}
}

// Similarity returns the cosine similarity of a and b, or 0 when either is
// unusable or the lengths differ.
func Similarity(a, b []float64) float64 {
	ua, ok := Normalize(a)
	if !ok {
		return 0
	}
	ub, ok := Normalize(b)
	if !ok || len(ua) != len(ub) {
		return 0
	}
	return floats.Dot(ua, ub)
}

// Normalize returns a unit-length copy of e.
func Normalize(e []float64) ([]float64, bool) {
	if !detect.ValidEmbedding(e) {
		return nil, false
	}
	out := make([]float64, len(e))
	copy(out, e)
	floats.Scale(1/floats.Norm(out, 2), out)
	return out, true
}

// Blend folds next into the running signature prev with weight (1 - momentum)
// and returns a unit-length result. An unusable next leaves prev unchanged.
func Blend(prev, next []float64, momentum float64) []float64 {
	n, ok := Normalize(next)
	if !ok {
		return prev
	}
	if len(prev) != len(n) {
		return n
	}
	out := make([]float64, len(prev))
	floats.ScaleTo(out, momentum, prev)
	floats.AddScaled(out, 1-momentum, n)
	if blended, ok := Normalize(out); ok {
		return blended
	}
	return n
}
