package fingerprint

import "math"

// SceneConfig tunes the scene-shift detector.
type SceneConfig struct {
	// LuminanceDelta is the base luminance jump (0..1) that counts as a shift.
	LuminanceDelta float64 `yaml:"luminance_delta"`
	// EntropyDelta is the base histogram entropy jump in bits.
	EntropyDelta float64 `yaml:"entropy_delta"`
	// VolatilityGain widens both thresholds per unit of recent brightness
	// volatility.
	VolatilityGain float64 `yaml:"volatility_gain"`
	// VolatilityAlpha is the EMA factor of the volatility estimate.
	VolatilityAlpha float64 `yaml:"volatility_alpha"`
}

// DefaultScene returns the production detector settings.
func DefaultScene() SceneConfig {
	return SceneConfig{
		LuminanceDelta:  0.15,
		EntropyDelta:    0.5,
		VolatilityGain:  4,
		VolatilityAlpha: 0.3,
	}
}

// SceneDetector flags abrupt environment changes between consecutive
// analyses: a shift needs both a luminance jump and an entropy jump. The
// thresholds relax while brightness has been volatile, so flickering light
// does not read as a new scene. Not safe for concurrent use.
type SceneDetector struct {
	cfg        SceneConfig
	prev       Analysis
	havePrev   bool
	volatility float64
}

// NewSceneDetector returns a detector; zero fields of cfg take defaults.
func NewSceneDetector(cfg SceneConfig) *SceneDetector {
	d := DefaultScene()
	if cfg.LuminanceDelta <= 0 {
		cfg.LuminanceDelta = d.LuminanceDelta
	}
	if cfg.EntropyDelta <= 0 {
		cfg.EntropyDelta = d.EntropyDelta
	}
	if cfg.VolatilityGain < 0 {
		cfg.VolatilityGain = d.VolatilityGain
	}
	if cfg.VolatilityAlpha <= 0 || cfg.VolatilityAlpha > 1 {
		cfg.VolatilityAlpha = d.VolatilityAlpha
	}
	return &SceneDetector{cfg: cfg}
}

// Observe records a and reports whether it differs abruptly from the
// previous observation. The first observation never shifts.
func (d *SceneDetector) Observe(a Analysis) bool {
	if !d.havePrev {
		d.prev, d.havePrev = a, true
		return false
	}
	dl := math.Abs(a.Luminance - d.prev.Luminance)
	de := math.Abs(a.Entropy - d.prev.Entropy)

	widen := 1 + d.cfg.VolatilityGain*d.volatility
	shift := dl > d.cfg.LuminanceDelta*widen && de > d.cfg.EntropyDelta*widen

	d.volatility = d.volatility*(1-d.cfg.VolatilityAlpha) + dl*d.cfg.VolatilityAlpha
	d.prev = a
	return shift
}

// Volatility returns the current brightness volatility estimate.
func (d *SceneDetector) Volatility() float64 { return d.volatility }

// Reset forgets the previous observation, e.g. after a camera restart.
func (d *SceneDetector) Reset() {
	d.havePrev = false
	d.volatility = 0
}
