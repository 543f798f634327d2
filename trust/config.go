package trust

import "time"

// Config holds the tunable constants of the score model. They were fitted
// empirically and are expected to be recalibrated per deployment.
type Config struct {
	Alpha                   float64       `yaml:"alpha"`
	ChallengeBelow          int           `yaml:"challenge_below"`
	Tolerance               int           `yaml:"tolerance"`
	IdentityMismatchPenalty float64       `yaml:"identity_mismatch_penalty"`
	NoFacePenalty           float64       `yaml:"no_face_penalty"`
	SceneShiftPenalty       float64       `yaml:"scene_shift_penalty"`
	RecoveryStep            float64       `yaml:"recovery_step"`
	GraceWindow             time.Duration `yaml:"grace_window"`
	GraceNudge              float64       `yaml:"grace_nudge"`
	YawThreshold            float64       `yaml:"yaw_threshold"`
	ChallengeTimeout        time.Duration `yaml:"challenge_timeout"`
	ChallengePoll           time.Duration `yaml:"challenge_poll"`
}

// DefaultConfig returns the production constants.
func DefaultConfig() Config {
	return Config{
		Alpha:                   0.3,
		ChallengeBelow:          40,
		Tolerance:               2,
		IdentityMismatchPenalty: 50,
		NoFacePenalty:           25,
		SceneShiftPenalty:       30,
		RecoveryStep:            10,
		GraceWindow:             8 * time.Second,
		GraceNudge:              5,
		YawThreshold:            0.15,
		ChallengeTimeout:        5 * time.Second,
		ChallengePoll:           200 * time.Millisecond,
	}
}

// Defaults fills zero fields from DefaultConfig.
func (c *Config) Defaults() {
	d := DefaultConfig()
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = d.Alpha
	}
	if c.ChallengeBelow <= 0 {
		c.ChallengeBelow = d.ChallengeBelow
	}
	if c.Tolerance <= 0 {
		c.Tolerance = d.Tolerance
	}
	if c.IdentityMismatchPenalty <= 0 {
		c.IdentityMismatchPenalty = d.IdentityMismatchPenalty
	}
	if c.NoFacePenalty <= 0 {
		c.NoFacePenalty = d.NoFacePenalty
	}
	if c.SceneShiftPenalty <= 0 {
		c.SceneShiftPenalty = d.SceneShiftPenalty
	}
	if c.RecoveryStep <= 0 {
		c.RecoveryStep = d.RecoveryStep
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = d.GraceWindow
	}
	if c.GraceNudge <= 0 {
		c.GraceNudge = d.GraceNudge
	}
	if c.YawThreshold <= 0 {
		c.YawThreshold = d.YawThreshold
	}
	if c.ChallengeTimeout <= 0 {
		c.ChallengeTimeout = d.ChallengeTimeout
	}
	if c.ChallengePoll <= 0 {
		c.ChallengePoll = d.ChallengePoll
	}
}
