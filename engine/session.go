// Package engine runs one continuous-integrity monitoring session: a setup
// phase that calibrates the similarity threshold and fixes the chain
// baseline, then a self-rescheduling tick loop that captures a frame, has it
// analysed, advances the hash chain, updates the trust score and schedules
// the next tick from the sampling plan.
//
//	sess, err := engine.Start(ctx, sessionID, cfg, engine.Deps{...})
//	go sess.Run(ctx)
//	defer sess.Stop()
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/ppah/analysis"
	"github.com/hazyhaar/ppah/chain"
	"github.com/hazyhaar/ppah/clock"
	"github.com/hazyhaar/ppah/connectivity"
	"github.com/hazyhaar/ppah/fingerprint"
	"github.com/hazyhaar/ppah/frame"
	"github.com/hazyhaar/ppah/kit"
	"github.com/hazyhaar/ppah/observability"
	"github.com/hazyhaar/ppah/sampling"
	"github.com/hazyhaar/ppah/signer"
	"github.com/hazyhaar/ppah/trust"
)

const component = "engine"

// Deps are the session's collaborators. Camera, Landmarks, Signer and
// Verifier are required.
type Deps struct {
	Camera    Camera
	Landmarks LandmarkProvider
	Signer    signer.Signer
	Verifier  chain.Verifier
	// Analyzer serves analysis requests; nil runs them in-process.
	Analyzer connectivity.Handler
	// Network defaults to always healthy.
	Network NetworkMonitor
	Clock   clock.Clock
	Metrics *observability.MetricsManager
	Audit   *observability.AuditLogger
	Logger  *slog.Logger
	// ChallengePicker overrides the random challenge choice.
	ChallengePicker func() trust.Challenge
}

// Session is one monitored session. Run drives it; Stop tears it down.
type Session struct {
	id      string
	cfg     Config
	alg     frame.Algorithm
	clock   clock.Clock
	camera  Camera
	marks   LandmarkProvider
	network NetworkMonitor
	metrics *observability.MetricsManager
	audit   *observability.AuditLogger
	logger  *slog.Logger

	calibration fingerprint.Calibration
	chain       *chain.Chain
	anchors     *fingerprint.Anchors
	scene       *fingerprint.SceneDetector
	machine     *trust.Machine
	sampler     *sampling.Controller
	worker      *analysis.Worker

	active        atomic.Bool
	started       atomic.Bool
	stopped       atomic.Bool
	stopCh        chan struct{}
	done          chan struct{}
	stopOnce      sync.Once
	frozen        chan struct{}
	freezeOnce    sync.Once
	challengeDone chan challengeResult
	tasks         sync.WaitGroup

	viewMu sync.Mutex
	view   Snapshot
}

// pending is a tick whose frame is with the analysis worker.
type pending struct {
	id    uint64
	start time.Time
	face  bool
	// sensorErr marks a failed landmark call.
	sensorErr bool
}

// Start runs the setup phase: camera check, calibration over consecutive
// frames, baseline digest and golden anchor. Any failure is a *SetupError;
// too few usable frames wraps fingerprint.ErrInsufficientCalibration. The
// camera is closed on failure.
func Start(ctx context.Context, sessionID string, cfg Config, deps Deps) (*Session, error) {
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, &SetupError{Stage: "config", Err: err}
	}
	if deps.Camera == nil || deps.Landmarks == nil || deps.Signer == nil || deps.Verifier == nil {
		return nil, &SetupError{Stage: "config", Err: errors.New("camera, landmarks, signer and verifier are required")}
	}
	alg, _ := frame.ParseAlgorithm(cfg.Algorithm)

	s := &Session{
		id:            sessionID,
		cfg:           cfg,
		alg:           alg,
		clock:         deps.Clock,
		camera:        deps.Camera,
		marks:         deps.Landmarks,
		network:       deps.Network,
		metrics:       deps.Metrics,
		audit:         deps.Audit,
		logger:        deps.Logger,
		sampler:       sampling.New(cfg.Sampling),
		scene:         fingerprint.NewSceneDetector(cfg.Scene),
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
		frozen:        make(chan struct{}),
		challengeDone: make(chan challengeResult, 1),
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.network == nil {
		s.network = healthyNetwork{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("session_id", sessionID)
	analyzer := deps.Analyzer
	if analyzer == nil {
		analyzer = analysis.Handler()
	}
	s.worker = analysis.NewWorker(analyzer, alg, s.logger)

	fail := func(stage string, err error) (*Session, error) {
		deps.Camera.Close()
		s.auditLog(ctx, observability.OpSessionStart, map[string]string{"stage": stage}, err)
		return nil, &SetupError{Stage: stage, Err: err}
	}

	if err := CheckCamera(deps.Camera.Label(), cfg.BannedCameraKeywords); err != nil {
		return fail("camera", err)
	}

	frames, analyses, err := s.collectSetupFrames(ctx)
	if err != nil {
		return fail("capture", err)
	}
	fps := make([]fingerprint.Fingerprint, len(analyses))
	for i, a := range analyses {
		fps[i] = a.Fingerprint
	}
	cal, err := fingerprint.Calibrate(fps, cfg.Calibration)
	if err != nil {
		return fail("calibration", err)
	}
	s.calibration = cal
	s.anchors = fingerprint.NewAnchors(cfg.BlendRate, cal.UpdateThreshold)
	if err := s.anchors.SetGolden(cal.Golden); err != nil {
		return fail("calibration", err)
	}
	for _, a := range analyses {
		s.scene.Observe(a)
	}

	var machineOpts []trust.Option
	if deps.ChallengePicker != nil {
		machineOpts = append(machineOpts, trust.WithChallengePicker(deps.ChallengePicker))
	}
	s.machine = trust.New(cfg.Trust, cal.Threshold, machineOpts...)
	s.chain = chain.New(sessionID, alg.Batch(frames), deps.Signer, deps.Verifier, chain.WithAlgorithm(alg))

	s.view.SessionID = sessionID
	s.publish(true, nil)
	s.active.Store(true)

	s.logger.InfoContext(ctx, "session started",
		"threshold", cal.Threshold,
		"noise", cal.Noise,
		"setup_frames", cal.Frames,
		"algorithm", alg.String())
	s.auditLog(ctx, observability.OpSessionStart, map[string]any{
		"threshold": cal.Threshold,
		"frames":    cal.Frames,
		"camera":    deps.Camera.Label(),
	}, nil)
	return s, nil
}

// collectSetupFrames captures consecutive frames until SetupFrames of them
// show a face. Frames without a face or that fail analysis are skipped.
func (s *Session) collectSetupFrames(ctx context.Context) ([]frame.Frame, []fingerprint.Analysis, error) {
	var (
		frames   []frame.Frame
		analyses []fingerprint.Analysis
	)
	for attempt := 0; attempt < s.cfg.SetupAttempts && len(frames) < s.cfg.SetupFrames; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		f, err := s.camera.Capture(ctx)
		if err != nil {
			s.logger.WarnContext(ctx, "setup capture failed", "attempt", attempt, "error", err)
			continue
		}
		if _, found, err := s.marks.Detect(ctx, f); err != nil || !found {
			continue
		}
		a, err := fingerprint.Analyze(f)
		if err != nil {
			continue
		}
		frames = append(frames, f)
		analyses = append(analyses, a)
	}
	return frames, analyses, nil
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// Calibration returns the setup-phase calibration.
func (s *Session) Calibration() fingerprint.Calibration { return s.calibration }

// Frozen is closed when the session reaches the terminal frozen state.
func (s *Session) Frozen() <-chan struct{} { return s.frozen }

// Run drives the tick loop until Stop, ctx cancellation or a freeze. It
// returns nil when stopped and an error wrapping ErrFrozen on freeze. The
// loop has a single suspension point per iteration.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.done)
	select {
	case <-s.stopCh:
		return ErrStopped
	default:
	}

	ctx, cancel := context.WithCancel(kit.WithSessionID(ctx, s.id))
	defer cancel()
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		s.worker.Run(ctx)
	}()
	// Cancel before waiting so the challenge task and worker unwind.
	defer s.tasks.Wait()
	defer cancel()

	return s.loop(ctx)
}

func (s *Session) loop(ctx context.Context) error {
	next := s.clock.After(0)
	var inflight *pending

	for {
		if !s.active.Load() {
			return s.exitErr()
		}
		select {
		case <-ctx.Done():
			return nil

		case <-next:
			next = nil
			p, ok := s.capture(ctx)
			if !ok {
				// Missed tick: no frame to analyse or chain.
				plan := s.finish(ctx, p, analysis.Response{Kind: analysis.KindFailure})
				next = s.clock.After(plan.NextDelay)
				continue
			}
			inflight = &p

		case res := <-s.worker.Results():
			if inflight == nil || res.ID != inflight.id {
				s.logger.DebugContext(ctx, "stale analysis result dropped", "request_id", res.ID)
				continue
			}
			plan := s.finish(ctx, *inflight, res)
			inflight = nil
			next = s.clock.After(plan.NextDelay)

		case r := <-s.challengeDone:
			s.resolveChallenge(ctx, r)
		}
	}
}

func (s *Session) exitErr() error {
	select {
	case <-s.frozen:
		return fmt.Errorf("%w: %s", ErrFrozen, s.machine.Snapshot().FreezeReason)
	default:
		return nil
	}
}

// capture grabs a frame, runs landmark detection and submits the frame for
// analysis. ok is false when nothing was submitted.
func (s *Session) capture(ctx context.Context) (p pending, ok bool) {
	p.start = s.clock.Now()
	f, err := s.camera.Capture(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "capture failed", "error", err)
		p.sensorErr = true
		return p, false
	}
	_, found, err := s.marks.Detect(ctx, f)
	if err != nil {
		s.logger.WarnContext(ctx, "landmark detection failed", "error", err)
		p.sensorErr = true
	}
	p.face = found && err == nil

	id, err := s.worker.Submit(f)
	if err != nil {
		s.logger.WarnContext(ctx, "analysis submit refused", "error", err)
		p.sensorErr = true
		return p, false
	}
	p.id = id
	return p, true
}

// finish completes a tick: chain, comparator, trust and sampling.
func (s *Session) finish(ctx context.Context, p pending, res analysis.Response) sampling.Plan {
	sig := trust.Signals{FaceDetected: p.face, SensorError: p.sensorErr}

	if res.OK() {
		sig.SceneShift = s.scene.Observe(res.Analysis)
		if p.face {
			fp := res.Analysis.Fingerprint
			if score, ok := s.anchors.Score(fp); ok {
				sig.Similarity, sig.HasSimilarity = score, true
				s.anchors.MaybeUpdate(fp, score)
			}
		}
		sig.ChainBroken = s.advanceChain(ctx, res.Digest)
	} else {
		if res.Error != "" {
			s.logger.WarnContext(ctx, "frame analysis failed", "error", res.Error)
		}
		sig.SensorError = true
	}

	out := s.machine.Observe(s.clock.Now(), sig)
	s.apply(ctx, out)

	now := s.clock.Now()
	plan := s.sampler.Plan(sampling.Inputs{
		Score:               out.Score,
		NetworkDegraded:     s.network.Degraded(),
		EnvironmentUnstable: s.scene.Volatility() > s.cfg.UnstableVolatility,
		SceneShift:          sig.SceneShift,
		Processing:          now.Sub(p.start),
	})
	s.publish(p.face, &plan)

	if s.metrics != nil {
		s.metrics.RecordSession(s.id, observability.MetricTrustScore, float64(out.Score), "score")
		if sig.HasSimilarity {
			s.metrics.RecordSession(s.id, observability.MetricSimilarity, sig.Similarity, "")
		}
		s.metrics.RecordSession(s.id, observability.MetricTickProcessingMs, float64(now.Sub(p.start).Milliseconds()), "ms")
		s.metrics.Record(&observability.Metric{
			Name:      observability.MetricSamplingInterval,
			SessionID: s.id,
			Value:     float64(plan.Interval.Milliseconds()),
			Labels:    map[string]string{"mode": plan.Mode.String()},
			Unit:      "ms",
		})
		s.metrics.RecordSession(s.id, observability.MetricRisk, plan.Risk, "")
	}
	return plan
}

// advanceChain submits the tick's segment. It reports true only on an
// explicit rejection; transport failures are logged and retried next tick.
func (s *Session) advanceChain(ctx context.Context, frameDigest frame.Digest) bool {
	start := time.Now()
	rec, err := s.chain.AdvanceDigest(ctx, s.alg.Concat(frameDigest), s.machine.Snapshot().Score)
	if s.metrics != nil {
		s.metrics.RecordSession(s.id, observability.MetricSegmentVerifyMs, float64(time.Since(start).Milliseconds()), "ms")
	}
	switch {
	case err == nil:
		return false
	case errors.Is(err, chain.ErrChainBroken), errors.Is(err, chain.ErrFrozen):
		s.logger.ErrorContext(ctx, "segment rejected", "segment_id", rec.SegmentID, "error", err)
		return true
	default:
		s.logger.WarnContext(ctx, "segment unverified", "segment_id", rec.SegmentID, "error", err)
		if s.metrics != nil {
			s.metrics.RecordSession(s.id, observability.MetricSegmentUnverified, 1, "count")
		}
		return false
	}
}

// apply acts on a trust transition: audit, challenge start, freeze.
func (s *Session) apply(ctx context.Context, out trust.Outcome) {
	if out.Changed() {
		s.logger.InfoContext(ctx, "trust state changed",
			"from", out.Previous.String(), "to", out.State.String(),
			"score", out.Score, "penalties", out.Penalties)
		s.auditLog(ctx, observability.OpStateChange, map[string]any{
			"from": out.Previous.String(), "to": out.State.String(),
			"score": out.Score, "penalties": out.Penalties,
		}, nil)
	}
	if out.StartChallenge {
		s.startChallenge(ctx, out.Challenge)
	}
	if out.Frozen {
		s.freeze(ctx, out.FreezeReason)
	}
}

func (s *Session) freeze(ctx context.Context, reason string) {
	s.freezeOnce.Do(func() {
		s.active.Store(false)
		close(s.frozen)
		s.logger.ErrorContext(ctx, "session frozen", "reason", reason)
		s.auditLog(ctx, observability.OpFreeze, map[string]string{"reason": reason}, errors.New(reason))
	})
}

// Stop tears the session down: the loop and any challenge are cancelled and
// waited for, then the camera is released. Safe to call more than once and
// from any goroutine except the loop itself.
func (s *Session) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.active.Store(false)
		close(s.stopCh)
		if s.started.Load() {
			<-s.done
		}
		err = s.camera.Close()
		s.stopped.Store(true)
		s.publish(s.Snapshot().FaceDetected, nil)
		s.auditLog(context.Background(), observability.OpSessionStop, nil, err)
		s.logger.Info("session stopped")
	})
	return err
}

func (s *Session) auditLog(ctx context.Context, op string, params any, err error) {
	if s.audit == nil {
		return
	}
	e := s.audit.Entry(component, op, s.id, params, err)
	e.Timestamp = s.clock.Now()
	s.audit.LogAsync(e)
}
