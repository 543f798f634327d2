package fingerprint

import (
	"errors"
	"math"
	"sync"
)

const (
	histogramWeight = 0.7
	edgeWeight      = 0.3

	rollingWeight = 0.4
	goldenWeight  = 0.6

	// DefaultBlendRate is the share of the current fingerprint mixed into the
	// rolling anchor on an accepted update.
	DefaultBlendRate = 0.05
)

var ErrGoldenAlreadySet = errors.New("fingerprint: golden anchor already set")

// Similarity scores two fingerprints in [0,1]: 0.7 times the Bhattacharyya
// coefficient of the histograms plus 0.3 times the edge-density agreement.
// It is symmetric and Similarity(a, a) == 1 for any normalized a.
func Similarity(a, b Fingerprint) float64 {
	var bc float64
	for i := range a.Histogram {
		bc += math.Sqrt(a.Histogram[i] * b.Histogram[i])
	}
	s := histogramWeight*bc + edgeWeight*(1-math.Abs(a.EdgeDensity-b.EdgeDensity))
	return clamp01(s)
}

// Blend returns old*(1-r) + cur*r, bin by bin. The result stays normalized
// when both inputs are.
func Blend(old, cur Fingerprint, r float64) Fingerprint {
	var out Fingerprint
	for i := range out.Histogram {
		out.Histogram[i] = old.Histogram[i]*(1-r) + cur.Histogram[i]*r
	}
	out.EdgeDensity = old.EdgeDensity*(1-r) + cur.EdgeDensity*r
	return out
}

// Mean averages fps bin by bin. It returns the zero Fingerprint for an empty
// slice.
func Mean(fps []Fingerprint) Fingerprint {
	var out Fingerprint
	if len(fps) == 0 {
		return out
	}
	n := float64(len(fps))
	for _, fp := range fps {
		for i, v := range fp.Histogram {
			out.Histogram[i] += v / n
		}
		out.EdgeDensity += fp.EdgeDensity / n
	}
	return out
}

// Anchors holds the dual reference fingerprints of a session. The golden
// anchor is captured once and never changes; the rolling anchor starts as a
// copy of it and drifts slowly with accepted high-confidence frames. Safe for
// concurrent use.
type Anchors struct {
	mu              sync.RWMutex
	golden          Fingerprint
	rolling         Fingerprint
	set             bool
	blendRate       float64
	updateThreshold float64
}

// NewAnchors returns empty anchors. Rolling updates happen only for scores
// strictly above updateThreshold.
func NewAnchors(blendRate, updateThreshold float64) *Anchors {
	if blendRate <= 0 || blendRate > 1 {
		blendRate = DefaultBlendRate
	}
	return &Anchors{blendRate: blendRate, updateThreshold: updateThreshold}
}

// SetGolden fixes the golden anchor. Only the first call succeeds.
func (a *Anchors) SetGolden(fp Fingerprint) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.set {
		return ErrGoldenAlreadySet
	}
	a.golden = fp
	a.rolling = fp
	a.set = true
	return nil
}

// Golden returns the golden anchor and whether it has been set.
func (a *Anchors) Golden() (Fingerprint, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.golden, a.set
}

// Rolling returns the current rolling anchor.
func (a *Anchors) Rolling() Fingerprint {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.rolling
}

// UpdateThreshold returns the score above which rolling updates apply.
func (a *Anchors) UpdateThreshold() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.updateThreshold
}

// Score is the dual-anchor similarity 0.4*rolling + 0.6*golden. ok is false
// until the golden anchor exists.
func (a *Anchors) Score(cur Fingerprint) (score float64, ok bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.set {
		return 0, false
	}
	return rollingWeight*Similarity(cur, a.rolling) + goldenWeight*Similarity(cur, a.golden), true
}

// MaybeUpdate replaces the rolling anchor with a blend toward cur when score
// clears the update threshold. It reports whether an update happened.
func (a *Anchors) MaybeUpdate(cur Fingerprint, score float64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.set || score <= a.updateThreshold {
		return false
	}
	a.rolling = Blend(a.rolling, cur, a.blendRate)
	return true
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
