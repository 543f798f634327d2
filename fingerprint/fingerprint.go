// Package fingerprint extracts lighting-normalized colour and texture
// signatures from frames and compares them against the session's golden and
// rolling anchors.
//
// The signature is deliberately coarse: a 4x4x4 chromaticity histogram of the
// central region plus the density of strong intensity edges. It tells "the
// same person under the same camera" apart from "someone else sat down", not
// one face from another.
package fingerprint

import (
	"errors"
	"math"

	"github.com/hazyhaar/ppah/frame"
)

const (
	// Buckets per colour channel.
	Buckets = 4
	// Bins is the joint histogram size.
	Bins = Buckets * Buckets * Buckets

	roiStart = 0.3
	roiEnd   = 0.7

	// EdgeThreshold is the minimum raw intensity difference (0..255 scale)
	// between neighbours counted as an edge.
	EdgeThreshold = 30.0
)

var ErrEmptyROI = errors.New("fingerprint: region of interest is empty")

// Fingerprint is the comparable signature of one frame. Histogram sums to 1.
type Fingerprint struct {
	Histogram   [Bins]float64 `json:"histogram" cbor:"1,keyasint"`
	EdgeDensity float64       `json:"edge_density" cbor:"2,keyasint"`
}

// Analysis is a Fingerprint plus the scene statistics the scene-shift
// detector consumes.
type Analysis struct {
	Fingerprint Fingerprint `json:"fingerprint" cbor:"1,keyasint"`
	// Luminance is the mean ROI luma in [0,1].
	Luminance float64 `json:"luminance" cbor:"2,keyasint"`
	// Entropy is the Shannon entropy of Histogram in bits.
	Entropy float64 `json:"entropy" cbor:"3,keyasint"`
}

// Extract computes the fingerprint of f.
func Extract(f frame.Frame) (Fingerprint, error) {
	a, err := Analyze(f)
	return a.Fingerprint, err
}

// Analyze computes the fingerprint of f along with ROI luminance and
// histogram entropy. It is pure.
func Analyze(f frame.Frame) (Analysis, error) {
	if err := f.Validate(); err != nil {
		return Analysis{}, err
	}
	x0, x1 := roi(f.Width)
	y0, y1 := roi(f.Height)
	if x1 <= x0 || y1 <= y0 {
		return Analysis{}, ErrEmptyROI
	}

	var (
		out     Analysis
		counts  [Bins]int
		total   int
		lumaSum float64
		edges   int
		pairs   int
	)
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			r, g, b := f.RGB(x, y)
			counts[bin(r, g, b)]++
			total++
			lumaSum += (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 255

			here := intensity(r, g, b)
			if x+1 < x1 {
				pairs++
				if math.Abs(here-intensity(f.RGB(x+1, y))) > EdgeThreshold {
					edges++
				}
			}
			if y+1 < y1 {
				pairs++
				if math.Abs(here-intensity(f.RGB(x, y+1))) > EdgeThreshold {
					edges++
				}
			}
		}
	}

	for i, c := range counts {
		out.Fingerprint.Histogram[i] = float64(c) / float64(total)
	}
	if pairs > 0 {
		out.Fingerprint.EdgeDensity = float64(edges) / float64(pairs)
	}
	out.Luminance = lumaSum / float64(total)
	out.Entropy = entropy(out.Fingerprint.Histogram)
	return out, nil
}

// roi returns the central 40% span [0.3n, 0.7n) of a dimension, widened to
// one pixel for very small frames.
func roi(n int) (lo, hi int) {
	lo = int(float64(n) * roiStart)
	hi = int(float64(n) * roiEnd)
	if hi <= lo && lo < n {
		hi = lo + 1
	}
	return lo, hi
}

// bin maps a pixel to its chromaticity bucket. Each channel is divided by
// the channel sum so a uniform brightness change leaves the bucket alone;
// black maps to equal thirds.
func bin(r, g, b uint8) int {
	s := float64(r) + float64(g) + float64(b)
	nr, ng, nb := 1.0/3, 1.0/3, 1.0/3
	if s > 0 {
		nr, ng, nb = float64(r)/s, float64(g)/s, float64(b)/s
	}
	return bucket(nr)*Buckets*Buckets + bucket(ng)*Buckets + bucket(nb)
}

func bucket(v float64) int {
	i := int(v * Buckets)
	if i >= Buckets {
		i = Buckets - 1
	}
	return i
}

func intensity(r, g, b uint8) float64 {
	return (float64(r) + float64(g) + float64(b)) / 3
}

func entropy(h [Bins]float64) float64 {
	var e float64
	for _, p := range h {
		if p > 0 {
			e -= p * math.Log2(p)
		}
	}
	return e
}
