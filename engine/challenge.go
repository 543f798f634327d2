package engine

import (
	"context"

	"github.com/hazyhaar/ppah/observability"
	"github.com/hazyhaar/ppah/trust"
)

type challengeResult struct {
	challenge trust.Challenge
	passed    bool
}

func (s *Session) startChallenge(ctx context.Context, c trust.Challenge) {
	s.logger.InfoContext(ctx, "liveness challenge started", "challenge", c.String())
	s.auditLog(ctx, observability.OpChallengeStart, map[string]string{"challenge": c.String()}, nil)
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		s.runChallenge(ctx, c)
	}()
}

// runChallenge polls landmarks until the pose is performed or the timeout
// elapses, then reports exactly once. It reports nothing when cancelled.
func (s *Session) runChallenge(ctx context.Context, c trust.Challenge) {
	cfg := s.cfg.Trust
	deadline := s.clock.Now().Add(cfg.ChallengeTimeout)
	passed := false

	for {
		if !s.active.Load() || ctx.Err() != nil {
			return
		}
		if f, err := s.camera.Capture(ctx); err == nil {
			lm, found, err := s.marks.Detect(ctx, f)
			if err == nil && found && c.Passed(lm.Yaw, cfg.YawThreshold) {
				passed = true
				break
			}
		}
		if !s.clock.Now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(cfg.ChallengePoll):
		}
	}

	select {
	case s.challengeDone <- challengeResult{challenge: c, passed: passed}:
	case <-ctx.Done():
	}
}

func (s *Session) resolveChallenge(ctx context.Context, r challengeResult) {
	out := s.machine.ResolveChallenge(s.clock.Now(), r.passed)
	var err error
	if !r.passed {
		err = errChallengeFailed
	}
	s.logger.InfoContext(ctx, "liveness challenge resolved", "challenge", r.challenge.String(), "passed", r.passed)
	s.auditLog(ctx, observability.OpChallengeResolve, map[string]any{
		"challenge": r.challenge.String(), "passed": r.passed,
	}, err)
	s.apply(ctx, out)
	s.publish(s.Snapshot().FaceDetected, nil)
}
