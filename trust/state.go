// Package trust fuses per-tick liveness, identity and environment signals
// into a smoothed 0-100 trust score and drives liveness-challenge
// escalation.
//
// Penalties move a target score; the displayed score follows the target
// through an exponential moving average, so a single bad frame cannot crash
// the score and a single good frame cannot restore it.
package trust

import (
	"fmt"
	"time"
)

// State is the coarse session posture.
type State uint8

const (
	Nominal State = iota
	Degraded
	Challenged
	Frozen
)

func (s State) String() string {
	switch s {
	case Nominal:
		return "nominal"
	case Degraded:
		return "degraded"
	case Challenged:
		return "challenged"
	case Frozen:
		return "frozen"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Challenge is a pose prompt the subject must perform.
type Challenge uint8

const (
	TurnLeft Challenge = iota + 1
	TurnRight
)

// Challenges is the fixed set a challenge is drawn from.
var Challenges = []Challenge{TurnLeft, TurnRight}

func (c Challenge) String() string {
	switch c {
	case TurnLeft:
		return "turn_left"
	case TurnRight:
		return "turn_right"
	}
	return "none"
}

// Text is the prompt shown to the subject.
func (c Challenge) Text() string {
	switch c {
	case TurnLeft:
		return "Turn your head to the left"
	case TurnRight:
		return "Turn your head to the right"
	}
	return ""
}

// Passed reports whether a signed yaw satisfies c. Negative yaw is a turn to
// the subject's left.
func (c Challenge) Passed(yaw, threshold float64) bool {
	switch c {
	case TurnLeft:
		return yaw < -threshold
	case TurnRight:
		return yaw > threshold
	}
	return false
}

// Penalty names.
const (
	PenaltyIdentityCeiling  = "identity_ceiling"
	PenaltyIdentityMismatch = "identity_mismatch"
	PenaltyNoFace           = "no_face"
	PenaltySceneShift       = "scene_shift"
	PenaltyChainBreak       = "chain_break"
)

// Snapshot is the session's trust state. It is a copy; mutate the Machine,
// not this.
type Snapshot struct {
	Score                    int       `json:"score"`
	EMA                      float64   `json:"ema"`
	Target                   float64   `json:"target"`
	State                    State     `json:"state"`
	ChallengeActive          bool      `json:"challenge_active"`
	Challenge                Challenge `json:"challenge"`
	ConsecutiveNoFace        int       `json:"consecutive_no_face"`
	ConsecutiveLowSimilarity int       `json:"consecutive_low_similarity"`
	LastRecovery             time.Time `json:"last_recovery"`
	FreezeReason             string    `json:"freeze_reason,omitempty"`
}

// Signals are the per-tick inputs.
type Signals struct {
	FaceDetected bool
	// Similarity is the dual-anchor score; only read when HasSimilarity.
	Similarity    float64
	HasSimilarity bool
	SceneShift    bool
	// SensorError marks an unreadable frame or a failed landmark call. It
	// counts as a tick without a face.
	SensorError bool
	ChainBroken bool
}

// Outcome reports what one transition did.
type Outcome struct {
	Previous       State
	State          State
	Score          int
	Penalties      []string
	InGrace        bool
	StartChallenge bool
	Challenge      Challenge
	Frozen         bool
	FreezeReason   string
}

// Changed reports whether the transition moved the coarse state.
func (o Outcome) Changed() bool { return o.Previous != o.State }
