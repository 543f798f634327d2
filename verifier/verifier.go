// Package verifier is the server side of the session hash chain. Monitors
// open a session, receive a per-session signing key, then post one signed
// segment per tick. The verifier checks the signature and the segment ID
// against a sliding window and freezes the session on any protocol
// violation. A frozen or idle-terminated session never accepts another
// segment.
//
// Usage:
//
//	v, err := verifier.New(cfg, logger)
//	defer v.Close()
//	go v.Run(ctx)
//	http.ListenAndServe(cfg.Listen, v.Routes())
//	v.RegisterMCP(mcpServer)
//	v.RegisterConnectivity(router)
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"sync"
	"time"

	"github.com/hazyhaar/ppah/auth"
	"github.com/hazyhaar/ppah/chain"
	"github.com/hazyhaar/ppah/clock"
	"github.com/hazyhaar/ppah/dbopen"
	"github.com/hazyhaar/ppah/idgen"
	"github.com/hazyhaar/ppah/kit"
	"github.com/hazyhaar/ppah/shield"
	"github.com/hazyhaar/ppah/signer"
	"github.com/hazyhaar/ppah/verifier/internal/store"
)

// Version is reported by the banner endpoint.
const Version = "3.1.0"

// ActionReauth is the action attached to every rejection.
const ActionReauth = "reauth_required"

var (
	ErrSessionNotFound = errors.New("verifier: session not found")
	ErrBadRequest      = errors.New("verifier: bad request")
)

// InitRequest opens a session.
type InitRequest struct {
	Email             string `json:"email,omitempty"`
	CameraFingerprint string `json:"camera_fingerprint,omitempty"`
	// WebAuthnCredentialID binds the session to the hardware key used to
	// sign in. The ceremony itself happens before init.
	WebAuthnCredentialID string `json:"webauthn_credential_id,omitempty"`
}

// maxCredentialIDLen is the WebAuthn limit on credential IDs, base64url
// encoded.
const maxCredentialIDLen = 1364

// InitResponse carries the secrets of a new session. SessionKey is shown
// once; ReportToken authorizes the security report.
type InitResponse struct {
	SessionID    string `json:"session_id"`
	SessionKey   string `json:"session_key"`
	ReportToken  string `json:"report_token"`
	Status       string `json:"status"`
	CameraLocked bool   `json:"camera_locked"`
}

// Layers lists the protections in force for a session.
type Layers struct {
	HashChain         bool   `json:"hash_chain"`
	PacketSigning     bool   `json:"packet_signing"`
	CameraFingerprint bool   `json:"camera_fingerprint"`
	HardwareKey       bool   `json:"hardware_key"`
	Persistence       string `json:"persistence"`
}

// Report is the security report of one session.
type Report struct {
	SessionID       string           `json:"session_id"`
	DurationSeconds float64          `json:"duration_seconds"`
	TotalSegments   uint64           `json:"total_segments"`
	Status          string           `json:"status"`
	FreezeReason    string           `json:"freeze_reason,omitempty"`
	CredentialID    string           `json:"webauthn_credential_id,omitempty"`
	LastTrustScore  int              `json:"last_trust_score"`
	Anomalies       []*store.Anomaly `json:"anomalies"`
	SecurityLayers  Layers           `json:"security_layers"`
}

// Verifier is the verification service.
type Verifier struct {
	store  *store.Store
	logger *slog.Logger
	config *Config
	clock  clock.Clock

	sessionIDs idgen.Generator
	sessionKey idgen.Generator
	anomalyIDs idgen.Generator

	metrics *metrics
	guards  *shield.Guards
	stack   []func(http.Handler) http.Handler

	// mu serializes segment decisions; the transaction makes each one
	// durable.
	mu sync.Mutex
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithClock injects the time source used for activity and idle timeouts.
func WithClock(c clock.Clock) Option { return func(v *Verifier) { v.clock = c } }

// WithSessionIDGenerator replaces the session ID generator (default: 16
// random bytes, hex).
func WithSessionIDGenerator(g idgen.Generator) Option {
	return func(v *Verifier) { v.sessionIDs = g }
}

// WithSessionKeyGenerator replaces the session key generator (default: 32
// random bytes, hex).
func WithSessionKeyGenerator(g idgen.Generator) Option {
	return func(v *Verifier) { v.sessionKey = g }
}

// New creates a Verifier. Opens the SQLite database and initialises the
// verifier and shield schemas.
func New(cfg *Config, logger *slog.Logger, opts ...Option) (*Verifier, error) {
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s, err := store.Open(cfg.DBPath, dbopen.WithSchema(shield.Schema))
	if err != nil {
		return nil, err
	}
	return newVerifier(cfg, s, logger, opts...), nil
}

func newVerifier(cfg *Config, s *store.Store, logger *slog.Logger, opts ...Option) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Verifier{
		store:      s,
		logger:     logger,
		config:     cfg,
		clock:      clock.Real(),
		sessionIDs: idgen.Hex(16),
		sessionKey: idgen.Hex(32),
		anomalyIDs: idgen.Prefixed("anm_", idgen.Default),
		metrics:    newMetrics(),
	}
	for _, o := range opts {
		o(v)
	}
	v.stack, v.guards = shield.DefaultAPIStack(s.DB, logger)
	return v
}

// Close closes the database.
func (v *Verifier) Close() error {
	return v.store.Close()
}

// Run sweeps idle sessions every SweepInterval and refreshes the shield
// guards until ctx is done.
func (v *Verifier) Run(ctx context.Context) {
	v.guards.StartReloader(ctx.Done())
	for {
		if _, err := v.SweepIdle(ctx); err != nil && ctx.Err() == nil {
			v.logger.Warn("verifier: sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-v.clock.After(v.config.SweepInterval):
		}
	}
}

// InitSession creates a session and hands out its signing key and report
// token.
func (v *Verifier) InitSession(ctx context.Context, req InitRequest) (*InitResponse, error) {
	if req.Email != "" {
		if _, err := mail.ParseAddress(req.Email); err != nil {
			return nil, fmt.Errorf("%w: invalid email", ErrBadRequest)
		}
	}
	if len(req.CameraFingerprint) > 256 {
		return nil, fmt.Errorf("%w: camera_fingerprint too long", ErrBadRequest)
	}
	if len(req.WebAuthnCredentialID) > maxCredentialIDLen {
		return nil, fmt.Errorf("%w: webauthn_credential_id too long", ErrBadRequest)
	}

	now := v.clock.Now().UnixMilli()
	sess := &store.Session{
		ID:                v.sessionIDs(),
		Email:             req.Email,
		SessionKey:        v.sessionKey(),
		CameraFingerprint: req.CameraFingerprint,
		CameraLocked:      req.CameraFingerprint != "",
		CredentialID:      req.WebAuthnCredentialID,
		Status:            store.StatusActive,
		LastTrustScore:    100,
		CreatedAt:         now,
		LastActivity:      now,
	}
	token, err := auth.GenerateToken([]byte(v.config.TokenSecret), sess.ID, v.config.ReportTokenTTL)
	if err != nil {
		return nil, err
	}
	if err := store.InsertSession(ctx, v.store.DB, sess); err != nil {
		return nil, fmt.Errorf("verifier: insert session: %w", err)
	}

	v.metrics.sessionsInitialized.Inc()
	v.logger.With(kit.LogAttrs(kit.WithSessionID(ctx, sess.ID))...).
		InfoContext(ctx, "verifier: session initialized",
			"camera_locked", sess.CameraLocked, "hardware_key", sess.CredentialID != "")
	return &InitResponse{
		SessionID:    sess.ID,
		SessionKey:   sess.SessionKey,
		ReportToken:  token,
		Status:       "initialized",
		CameraLocked: sess.CameraLocked,
	}, nil
}

func validateSegment(rec chain.SegmentRecord) error {
	switch {
	case rec.SessionID == "":
		return fmt.Errorf("%w: missing session_id", ErrBadRequest)
	case rec.SegmentID == 0:
		return fmt.Errorf("%w: segment_id must be positive", ErrBadRequest)
	case rec.Digest == "" || len(rec.Digest) > 128:
		return fmt.Errorf("%w: bad hash", ErrBadRequest)
	case rec.TrustScore < 0 || rec.TrustScore > 100:
		return fmt.Errorf("%w: trust_score out of range", ErrBadRequest)
	}
	return nil
}

// VerifySegment applies one segment to its session. Checks, in order:
// session exists (ErrSessionNotFound), session active, signature valid,
// segment ID within the window. Violations freeze the session and come back
// as a Verdict with Valid false, not as an error.
func (v *Verifier) VerifySegment(ctx context.Context, rec chain.SegmentRecord) (chain.Verdict, error) {
	if err := validateSegment(rec); err != nil {
		return chain.Verdict{}, err
	}
	start := time.Now()
	defer func() { v.metrics.verifyLatency.Observe(time.Since(start).Seconds()) }()

	v.mu.Lock()
	defer v.mu.Unlock()

	var verdict chain.Verdict
	var outcome string
	var anomalies []*store.Anomaly
	froze := false

	err := v.store.Tx(ctx, func(q store.Querier) error {
		verdict, outcome, anomalies, froze = chain.Verdict{}, "", nil, false

		sess, err := store.GetSession(ctx, q, rec.SessionID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrSessionNotFound
		}
		if err != nil {
			return err
		}

		now := v.clock.Now()
		if v.expire(sess, now) {
			if err := store.UpdateSession(ctx, q, sess); err != nil {
				return err
			}
		}
		if sess.Status != store.StatusActive {
			outcome = outcomeInactive
			verdict = reject(rec.SegmentID, "session "+sess.Status)
			return nil
		}
		sess.LastActivity = now.UnixMilli()

		anomaly := func(kind, desc string) {
			a := &store.Anomaly{
				ID:           v.anomalyIDs(),
				SessionID:    sess.ID,
				Kind:         kind,
				Description:  desc,
				SegmentCount: sess.SegmentCount,
				CreatedAt:    now.UnixMilli(),
			}
			anomalies = append(anomalies, a)
		}
		freeze := func(reason string) {
			sess.Status = store.StatusFrozen
			sess.FreezeReason = reason
			froze = true
			outcome = outcomeRejected
			verdict = reject(rec.SegmentID, reason)
		}

		if !v.checkSignature(sess, rec) {
			anomaly(store.AnomalySignature, fmt.Sprintf("invalid HMAC signature for segment %d", rec.SegmentID))
			freeze("packet signature verification failed")
		} else {
			expected := sess.SegmentCount + 1
			switch classify(sess.SegmentCount, rec.SegmentID) {
			case stepGap:
				anomaly(store.AnomalyPacketLoss, fmt.Sprintf("packet loss detected (segment %d missing)", expected))
				outcome = outcomeGap
				fallthrough
			case stepNext:
				if outcome == "" {
					outcome = outcomeAccepted
				}
				seg := &store.Segment{
					SessionID:  sess.ID,
					SegmentID:  rec.SegmentID,
					Hash:       rec.Digest,
					TrustScore: rec.TrustScore,
					ReceivedAt: now.UnixMilli(),
				}
				if err := store.AppendSegment(ctx, q, seg); err != nil {
					return err
				}
				sess.SegmentCount = rec.SegmentID
				sess.LastTrustScore = rec.TrustScore
			case stepDuplicate:
				anomaly(store.AnomalyDuplicate, fmt.Sprintf("duplicate segment %d acknowledged", rec.SegmentID))
				outcome = outcomeDuplicate
			case stepReplay:
				anomaly(store.AnomalyReplay, fmt.Sprintf("replayed segment %d, already at %d", rec.SegmentID, sess.SegmentCount))
				freeze("segment replay detected")
			case stepBreak:
				anomaly(store.AnomalySequence, fmt.Sprintf("non-sequential segment: expected %d, got %d", expected, rec.SegmentID))
				freeze("segment sequence break detected")
			}
		}

		for _, a := range anomalies {
			if err := store.InsertAnomaly(ctx, q, a); err != nil {
				return err
			}
		}
		if err := store.UpdateSession(ctx, q, sess); err != nil {
			return err
		}
		if !froze {
			verdict = chain.Verdict{
				Valid:         true,
				SegmentID:     rec.SegmentID,
				SessionStatus: sess.Status,
				TotalSegments: sess.SegmentCount,
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return chain.Verdict{}, err
		}
		return chain.Verdict{}, fmt.Errorf("verifier: verify segment: %w", err)
	}

	v.metrics.segments.WithLabelValues(outcome).Inc()
	logger := v.logger.With(kit.LogAttrs(kit.WithSessionID(ctx, rec.SessionID))...)
	for _, a := range anomalies {
		v.metrics.anomalies.WithLabelValues(a.Kind).Inc()
		logger.WarnContext(ctx, "verifier: anomaly", "kind", a.Kind, "description", a.Description)
	}
	if froze {
		v.metrics.freezes.Inc()
		logger.WarnContext(ctx, "verifier: session frozen", "reason", verdict.Reason)
	}
	return verdict, nil
}

func reject(segmentID uint64, reason string) chain.Verdict {
	return chain.Verdict{Valid: false, SegmentID: segmentID, Reason: reason, Action: ActionReauth}
}

func (v *Verifier) checkSignature(sess *store.Session, rec chain.SegmentRecord) bool {
	sig, err := signer.NewHMAC(sess.ID, []byte(sess.SessionKey))
	if err != nil {
		v.logger.Error("verifier: session key unusable", "session_id", sess.ID, "error", err)
		return false
	}
	return sig.Verify(rec.Message(), rec.Signature)
}

// expire terminates sess if it has been idle past the session timeout and
// reports whether it changed.
func (v *Verifier) expire(sess *store.Session, now time.Time) bool {
	if sess.Status != store.StatusActive {
		return false
	}
	if now.Sub(time.UnixMilli(sess.LastActivity)) <= v.config.SessionTimeout {
		return false
	}
	sess.Status = store.StatusTerminated
	return true
}

// SecurityReport returns the report of a session.
func (v *Verifier) SecurityReport(ctx context.Context, sessionID string) (*Report, error) {
	sess, err := store.GetSession(ctx, v.store.DB, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	now := v.clock.Now()
	if v.expire(sess, now) {
		if err := store.UpdateSession(ctx, v.store.DB, sess); err != nil {
			return nil, err
		}
	}
	anomalies, err := store.ListAnomalies(ctx, v.store.DB, sessionID)
	if err != nil {
		return nil, err
	}
	if anomalies == nil {
		anomalies = []*store.Anomaly{}
	}
	return &Report{
		SessionID:       sess.ID,
		DurationSeconds: now.Sub(time.UnixMilli(sess.CreatedAt)).Seconds(),
		TotalSegments:   sess.SegmentCount,
		Status:          sess.Status,
		FreezeReason:    sess.FreezeReason,
		CredentialID:    sess.CredentialID,
		LastTrustScore:  sess.LastTrustScore,
		Anomalies:       anomalies,
		SecurityLayers: Layers{
			HashChain:         true,
			PacketSigning:     true,
			CameraFingerprint: sess.CameraLocked,
			HardwareKey:       sess.CredentialID != "",
			Persistence:       "SQLite",
		},
	}, nil
}

// ListSessions lists sessions, most recently active first.
func (v *Verifier) ListSessions(ctx context.Context, status string, limit int) ([]*store.Session, error) {
	switch status {
	case "", store.StatusActive, store.StatusFrozen, store.StatusTerminated:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrBadRequest, status)
	}
	return store.ListSessions(ctx, v.store.DB, status, limit)
}

// SweepIdle terminates every active session idle past the session timeout
// and refreshes the per-status session gauge.
func (v *Verifier) SweepIdle(ctx context.Context) (int64, error) {
	cutoff := v.clock.Now().Add(-v.config.SessionTimeout).UnixMilli()
	n, err := store.TerminateIdle(ctx, v.store.DB, cutoff)
	if err != nil {
		return 0, fmt.Errorf("verifier: sweep: %w", err)
	}
	if n > 0 {
		v.logger.Info("verifier: idle sessions terminated", "count", n)
	}

	counts, err := store.CountByStatus(ctx, v.store.DB)
	if err != nil {
		return n, fmt.Errorf("verifier: count sessions: %w", err)
	}
	for _, st := range []string{store.StatusActive, store.StatusFrozen, store.StatusTerminated} {
		v.metrics.sessions.WithLabelValues(st).Set(float64(counts[st]))
	}
	return n, nil
}
