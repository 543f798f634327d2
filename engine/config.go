package engine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/ppah/fingerprint"
	"github.com/hazyhaar/ppah/frame"
	"github.com/hazyhaar/ppah/sampling"
	"github.com/hazyhaar/ppah/trust"
)

// Config holds every tunable of a monitoring session. The numeric constants
// were fitted empirically; expect to recalibrate them per deployment.
type Config struct {
	// Algorithm is the digest algorithm: "blake3" (default) or "sha256".
	Algorithm string `yaml:"algorithm"`
	// SetupFrames is how many frames with a face the setup phase collects.
	SetupFrames int `yaml:"setup_frames"`
	// SetupAttempts bounds the captures tried to collect them.
	SetupAttempts int `yaml:"setup_attempts"`
	// BlendRate is the rolling-anchor blend factor.
	BlendRate float64 `yaml:"blend_rate"`
	// UnstableVolatility is the brightness volatility above which the
	// environment counts as unstable for the risk estimate.
	UnstableVolatility float64 `yaml:"unstable_volatility"`
	// BlurBelow blurs the presentation under this score.
	BlurBelow int `yaml:"blur_below"`
	// BannedCameraKeywords are matched case-insensitively against the
	// camera label.
	BannedCameraKeywords []string `yaml:"banned_camera_keywords"`

	Calibration fingerprint.CalibrationConfig `yaml:"calibration"`
	Scene       fingerprint.SceneConfig       `yaml:"scene"`
	Trust       trust.Config                  `yaml:"trust"`
	Sampling    sampling.Config               `yaml:"sampling"`
}

// DefaultBannedCameraKeywords lists labels of common virtual camera drivers.
var DefaultBannedCameraKeywords = []string{
	"virtual", "obs", "manycam", "snap camera", "xsplit", "droidcam",
	"epoccam", "iriun", "camtwist", "mmhmm", "splitcam", "e2esoft",
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Algorithm:            "blake3",
		SetupFrames:          10,
		SetupAttempts:        30,
		BlendRate:            fingerprint.DefaultBlendRate,
		UnstableVolatility:   0.05,
		BlurBelow:            50,
		BannedCameraKeywords: DefaultBannedCameraKeywords,
		Calibration:          fingerprint.DefaultCalibration(),
		Scene:                fingerprint.DefaultScene(),
		Trust:                trust.DefaultConfig(),
		Sampling:             sampling.DefaultConfig(),
	}
}

// Defaults fills zero fields.
func (c *Config) Defaults() {
	d := DefaultConfig()
	if c.Algorithm == "" {
		c.Algorithm = d.Algorithm
	}
	if c.SetupFrames <= 0 {
		c.SetupFrames = d.SetupFrames
	}
	if c.SetupAttempts < c.SetupFrames {
		c.SetupAttempts = max(d.SetupAttempts, c.SetupFrames)
	}
	if c.BlendRate <= 0 || c.BlendRate > 1 {
		c.BlendRate = d.BlendRate
	}
	if c.UnstableVolatility <= 0 {
		c.UnstableVolatility = d.UnstableVolatility
	}
	if c.BlurBelow <= 0 {
		c.BlurBelow = d.BlurBelow
	}
	if c.BannedCameraKeywords == nil {
		c.BannedCameraKeywords = d.BannedCameraKeywords
	}
	c.Trust.Defaults()
	c.Sampling.Defaults()
}

// Validate checks values Defaults cannot repair.
func (c *Config) Validate() error {
	if _, err := frame.ParseAlgorithm(c.Algorithm); err != nil {
		return err
	}
	if c.Calibration.MinFrames > c.SetupFrames {
		return fmt.Errorf("engine: setup_frames (%d) below calibration.min_frames (%d)",
			c.SetupFrames, c.Calibration.MinFrames)
	}
	return nil
}

// LoadConfig reads a YAML file over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Defaults()
	return cfg, cfg.Validate()
}
