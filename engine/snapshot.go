package engine

import (
	"time"

	"github.com/hazyhaar/ppah/sampling"
	"github.com/hazyhaar/ppah/trust"
)

// Snapshot is what the presentation layer renders. It is a copy.
type Snapshot struct {
	SessionID       string        `json:"session_id"`
	Score           int           `json:"score"`
	State           trust.State   `json:"state"`
	ChallengeActive bool          `json:"challenge_active"`
	ChallengeText   string        `json:"challenge_text,omitempty"`
	FaceDetected    bool          `json:"face_detected"`
	Mode            sampling.Mode `json:"mode"`
	Interval        time.Duration `json:"interval"`
	Segments        uint64        `json:"segments"`
	Frozen          bool          `json:"frozen"`
	FreezeReason    string        `json:"freeze_reason,omitempty"`
	Blur            bool          `json:"blur"`
	// Stopped is set once the session has been torn down. A stopped
	// session shows no challenge prompt.
	Stopped bool `json:"stopped"`
}

func (s *Session) publish(face bool, plan *sampling.Plan) {
	ts := s.machine.Snapshot()
	_, segments := s.chain.Head()

	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	v := &s.view
	v.Score = ts.Score
	v.State = ts.State
	v.ChallengeActive = ts.ChallengeActive
	v.ChallengeText = ts.Challenge.Text()
	v.FaceDetected = face
	v.Segments = segments
	v.Frozen = ts.State == trust.Frozen
	v.FreezeReason = ts.FreezeReason
	v.Stopped = s.stopped.Load()
	if v.Stopped {
		v.ChallengeActive = false
		v.ChallengeText = ""
	}
	v.Blur = v.Frozen || v.ChallengeActive || v.Score < s.cfg.BlurBelow
	if plan != nil {
		v.Mode = plan.Mode
		v.Interval = plan.Interval
	}
}

// Snapshot returns the current presentation state.
func (s *Session) Snapshot() Snapshot {
	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	return s.view
}
