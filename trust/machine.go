package trust

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Machine owns the trust state of one session. Methods are safe for
// concurrent use; the tick loop and the challenge task both drive it.
type Machine struct {
	cfg Config

	mu        sync.Mutex
	threshold float64
	st        Snapshot
	pick      func() Challenge
}

// Option configures a Machine.
type Option func(*Machine)

// WithChallengePicker overrides the random challenge selection.
func WithChallengePicker(pick func() Challenge) Option {
	return func(m *Machine) { m.pick = pick }
}

// New returns a Machine at full trust. threshold is the calibrated
// similarity below which a frame counts as an identity mismatch.
func New(cfg Config, threshold float64, opts ...Option) *Machine {
	cfg.Defaults()
	m := &Machine{
		cfg:       cfg,
		threshold: threshold,
		st:        Snapshot{Score: 100, EMA: 100, Target: 100, State: Nominal},
		pick: func() Challenge {
			return Challenges[rand.IntN(len(Challenges))]
		},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Config returns the effective configuration.
func (m *Machine) Config() Config { return m.cfg }

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st
}

// Threshold returns the calibrated similarity threshold.
func (m *Machine) Threshold() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threshold
}

// Observe applies one tick of signals.
func (m *Machine) Observe(now time.Time, s Signals) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Outcome{Previous: m.st.State}
	if m.st.State == Frozen {
		return m.outcome(out)
	}
	if s.ChainBroken {
		out.Penalties = append(out.Penalties, PenaltyChainBreak)
		m.freezeLocked("hash chain broken")
		return m.outcome(out)
	}

	if !s.FaceDetected || s.SensorError {
		m.st.ConsecutiveNoFace++
	} else {
		m.st.ConsecutiveNoFace = 0
	}
	lowSim := s.HasSimilarity && s.Similarity < m.threshold
	switch {
	case lowSim:
		m.st.ConsecutiveLowSimilarity++
	case s.HasSimilarity:
		m.st.ConsecutiveLowSimilarity = 0
	}

	target := m.st.Target
	out.InGrace = !m.st.LastRecovery.IsZero() && now.Sub(m.st.LastRecovery) < m.cfg.GraceWindow
	if out.InGrace {
		target += m.cfg.GraceNudge
	} else {
		if lowSim {
			target = math.Min(target, s.Similarity*100)
			out.Penalties = append(out.Penalties, PenaltyIdentityCeiling)
		}
		if m.st.ConsecutiveLowSimilarity > m.cfg.Tolerance {
			target -= m.cfg.IdentityMismatchPenalty
			out.Penalties = append(out.Penalties, PenaltyIdentityMismatch)
		}
		if m.st.ConsecutiveNoFace > m.cfg.Tolerance {
			target -= m.cfg.NoFacePenalty
			out.Penalties = append(out.Penalties, PenaltyNoFace)
		}
		if s.SceneShift {
			target -= m.cfg.SceneShiftPenalty
			out.Penalties = append(out.Penalties, PenaltySceneShift)
		}
		if len(out.Penalties) == 0 {
			target += m.cfg.RecoveryStep
		}
	}
	m.st.Target = clamp(target)
	m.st.EMA = clamp(m.st.EMA*(1-m.cfg.Alpha) + m.st.Target*m.cfg.Alpha)
	m.st.Score = int(math.Round(m.st.EMA))

	switch {
	case m.st.ChallengeActive:
		// The challenge task owns the way out of Challenged.
	case m.st.Score == 0:
		m.freezeLocked("trust score collapsed")
	case m.st.Score < m.cfg.ChallengeBelow:
		m.st.ChallengeActive = true
		m.st.Challenge = m.pick()
		m.st.State = Challenged
		out.StartChallenge = true
		out.Challenge = m.st.Challenge
	case len(out.Penalties) > 0 || m.st.Target < m.st.EMA:
		m.st.State = Degraded
	default:
		m.st.State = Nominal
	}
	return m.outcome(out)
}

// ResolveChallenge ends the active challenge. A pass restores full trust
// and opens the grace window; a failure freezes the session. Without an
// active challenge it is a no-op.
func (m *Machine) ResolveChallenge(now time.Time, passed bool) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := Outcome{Previous: m.st.State}
	if !m.st.ChallengeActive || m.st.State == Frozen {
		return m.outcome(out)
	}
	m.st.ChallengeActive = false
	m.st.Challenge = 0
	if !passed {
		m.freezeLocked("liveness challenge failed")
		return m.outcome(out)
	}
	m.st.Score, m.st.EMA, m.st.Target = 100, 100, 100
	m.st.ConsecutiveNoFace = 0
	m.st.ConsecutiveLowSimilarity = 0
	m.st.LastRecovery = now
	m.st.State = Nominal
	return m.outcome(out)
}

// Freeze forces the terminal state, e.g. on a protocol violation detected
// outside the tick signals.
func (m *Machine) Freeze(reason string) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := Outcome{Previous: m.st.State}
	if m.st.State != Frozen {
		m.freezeLocked(reason)
	}
	return m.outcome(out)
}

func (m *Machine) freezeLocked(reason string) {
	m.st.State = Frozen
	m.st.Score, m.st.EMA, m.st.Target = 0, 0, 0
	m.st.ChallengeActive = false
	m.st.Challenge = 0
	m.st.FreezeReason = reason
}

func (m *Machine) outcome(out Outcome) Outcome {
	out.State = m.st.State
	out.Score = m.st.Score
	out.Frozen = m.st.State == Frozen
	out.FreezeReason = m.st.FreezeReason
	return out
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
