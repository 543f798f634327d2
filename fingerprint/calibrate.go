package fingerprint

import (
	"errors"
	"fmt"
	"math"
)

// ErrInsufficientCalibration means too few usable frames were captured
// during setup to estimate sensor noise. Session start must fail on it.
var ErrInsufficientCalibration = errors.New("fingerprint: insufficient calibration frames")

// CalibrationConfig bounds the adaptive similarity threshold.
type CalibrationConfig struct {
	MinFrames       int     `yaml:"min_frames"`
	BaseThreshold   float64 `yaml:"base_threshold"`
	NoiseGain       float64 `yaml:"noise_gain"`
	MinThreshold    float64 `yaml:"min_threshold"`
	MaxThreshold    float64 `yaml:"max_threshold"`
	MaxUpdateCutoff float64 `yaml:"max_update_cutoff"`
}

// DefaultCalibration returns the production calibration bounds.
func DefaultCalibration() CalibrationConfig {
	return CalibrationConfig{
		MinFrames:       5,
		BaseThreshold:   0.55,
		NoiseGain:       2,
		MinThreshold:    0.35,
		MaxThreshold:    0.55,
		MaxUpdateCutoff: 0.95,
	}
}

func (c *CalibrationConfig) defaults() {
	d := DefaultCalibration()
	if c.MinFrames <= 0 {
		c.MinFrames = d.MinFrames
	}
	if c.BaseThreshold <= 0 {
		c.BaseThreshold = d.BaseThreshold
	}
	if c.NoiseGain <= 0 {
		c.NoiseGain = d.NoiseGain
	}
	if c.MinThreshold <= 0 {
		c.MinThreshold = d.MinThreshold
	}
	if c.MaxThreshold <= 0 {
		c.MaxThreshold = d.MaxThreshold
	}
	if c.MaxUpdateCutoff <= 0 {
		c.MaxUpdateCutoff = d.MaxUpdateCutoff
	}
}

// Calibration is the outcome of the setup phase.
type Calibration struct {
	// Threshold is the similarity below which a frame counts as a mismatch.
	Threshold float64
	// UpdateThreshold gates rolling-anchor updates: min(cutoff, 2*Threshold).
	UpdateThreshold float64
	// Noise is the mean dissimilarity of consecutive setup frames.
	Noise float64
	// Golden is the mean fingerprint of the setup frames.
	Golden Fingerprint
	Frames int
}

// Calibrate estimates sensor noise from consecutive setup fingerprints and
// derives the session's similarity threshold. Noisier sensors get a lower
// threshold so that ordinary jitter does not read as a person swap.
func Calibrate(fps []Fingerprint, cfg CalibrationConfig) (Calibration, error) {
	cfg.defaults()
	if len(fps) < cfg.MinFrames || len(fps) < 2 {
		return Calibration{}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientCalibration, len(fps), cfg.MinFrames)
	}

	var noise float64
	for i := 1; i < len(fps); i++ {
		noise += 1 - Similarity(fps[i-1], fps[i])
	}
	noise /= float64(len(fps) - 1)

	threshold := cfg.BaseThreshold - cfg.NoiseGain*noise
	threshold = math.Max(cfg.MinThreshold, math.Min(cfg.MaxThreshold, threshold))

	return Calibration{
		Threshold:       threshold,
		UpdateThreshold: math.Min(cfg.MaxUpdateCutoff, 2*threshold),
		Noise:           noise,
		Golden:          Mean(fps),
		Frames:          len(fps),
	}, nil
}
