// Package sampling decides how often the monitoring loop samples the camera.
// Lower trust and an unstable environment sample faster; a degraded network
// backs off, because segments that cannot be verified only add load to a
// link the media stream already needs.
package sampling

import (
	"fmt"
	"time"
)

// Mode is the sampling tier.
type Mode uint8

const (
	Normal Mode = iota
	Moderate
	Heightened
	Aggressive
)

func (m Mode) String() string {
	switch m {
	case Normal:
		return "normal"
	case Moderate:
		return "moderate"
	case Heightened:
		return "heightened"
	case Aggressive:
		return "aggressive"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// Config maps risk to intervals.
type Config struct {
	Normal     time.Duration `yaml:"normal"`
	Moderate   time.Duration `yaml:"moderate"`
	Heightened time.Duration `yaml:"heightened"`
	Aggressive time.Duration `yaml:"aggressive"`

	ModerateRisk   float64 `yaml:"moderate_risk"`
	HeightenedRisk float64 `yaml:"heightened_risk"`
}

// DefaultConfig returns the production intervals.
func DefaultConfig() Config {
	return Config{
		Normal:         1000 * time.Millisecond,
		Moderate:       500 * time.Millisecond,
		Heightened:     300 * time.Millisecond,
		Aggressive:     250 * time.Millisecond,
		ModerateRisk:   0.2,
		HeightenedRisk: 0.5,
	}
}

// Defaults fills zero fields.
func (c *Config) Defaults() {
	d := DefaultConfig()
	if c.Normal <= 0 {
		c.Normal = d.Normal
	}
	if c.Moderate <= 0 {
		c.Moderate = d.Moderate
	}
	if c.Heightened <= 0 {
		c.Heightened = d.Heightened
	}
	if c.Aggressive <= 0 {
		c.Aggressive = d.Aggressive
	}
	if c.ModerateRisk <= 0 {
		c.ModerateRisk = d.ModerateRisk
	}
	if c.HeightenedRisk <= 0 {
		c.HeightenedRisk = d.HeightenedRisk
	}
}

// Inputs are the signals one plan is computed from.
type Inputs struct {
	Score               int
	NetworkDegraded     bool
	EnvironmentUnstable bool
	// SceneShift is set when a shift was flagged on the tick just processed.
	SceneShift bool
	// Processing is the time already spent on the current tick.
	Processing time.Duration
}

// Plan is the schedule for the next tick.
type Plan struct {
	Mode      Mode
	Interval  time.Duration
	NextDelay time.Duration
	Risk      float64
}

// Risk is 0.4*(1-score/100) + 0.3*network + 0.3*environment, in [0,1].
func Risk(score int, networkDegraded, environmentUnstable bool) float64 {
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	r := 0.4 * (1 - float64(score)/100)
	if networkDegraded {
		r += 0.3
	}
	if environmentUnstable {
		r += 0.3
	}
	return r
}

// Controller turns inputs into plans. It holds no state and is safe for
// concurrent use.
type Controller struct {
	cfg Config
}

// New returns a Controller; zero fields of cfg take defaults.
func New(cfg Config) *Controller {
	cfg.Defaults()
	return &Controller{cfg: cfg}
}

// Interval selects the mode for a risk value. A scene shift wins over
// everything; a degraded network backs off to Normal.
func (c *Controller) Interval(risk float64, networkDegraded, sceneShift bool) (Mode, time.Duration) {
	switch {
	case sceneShift:
		return Aggressive, c.cfg.Aggressive
	case networkDegraded:
		return Normal, c.cfg.Normal
	case risk >= c.cfg.HeightenedRisk:
		return Heightened, c.cfg.Heightened
	case risk >= c.cfg.ModerateRisk:
		return Moderate, c.cfg.Moderate
	}
	return Normal, c.cfg.Normal
}

// Plan computes the next tick's schedule. NextDelay is the interval minus
// the processing already spent, floored at zero, so cadence does not drift
// under CPU pressure.
func (c *Controller) Plan(in Inputs) Plan {
	risk := Risk(in.Score, in.NetworkDegraded, in.EnvironmentUnstable)
	mode, interval := c.Interval(risk, in.NetworkDegraded, in.SceneShift)
	return Plan{
		Mode:      mode,
		Interval:  interval,
		NextDelay: max(0, interval-in.Processing),
		Risk:      risk,
	}
}
