// Package chain keeps the client side of the session hash chain. Each tick
// folds the digest of the frames captured since the previous tick onto the
// chain head, signs the result and submits it to a remote Verifier. The
// chain only advances on an explicit acceptance; an explicit rejection
// freezes it for good.
package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hazyhaar/ppah/frame"
	"github.com/hazyhaar/ppah/signer"
)

var (
	// ErrFrozen is returned by Advance once the chain has been rejected.
	ErrFrozen = errors.New("chain: frozen")
	// ErrChainBroken is returned when the verifier explicitly rejects a segment.
	ErrChainBroken = errors.New("chain: broken")
	// ErrUnverified wraps transport failures. The segment was not accepted
	// and will be resubmitted under the same ID.
	ErrUnverified = errors.New("chain: verification unavailable")
)

// SegmentRecord is the unit submitted for remote verification. It is
// created once per tick and never mutated.
type SegmentRecord struct {
	SessionID  string `json:"session_id"`
	SegmentID  uint64 `json:"segment_id"`
	Digest     string `json:"hash"`
	TrustScore int    `json:"trust_score"`
	Signature  string `json:"signature"`
}

// Message returns the signed portion of r.
func (r SegmentRecord) Message() signer.Message {
	return signer.Message{
		SessionID:  r.SessionID,
		SegmentID:  r.SegmentID,
		DigestHex:  r.Digest,
		TrustScore: r.TrustScore,
	}
}

// Verdict is the verifier's answer for one segment.
type Verdict struct {
	Valid         bool   `json:"valid"`
	SegmentID     uint64 `json:"segment_id"`
	Reason        string `json:"reason,omitempty"`
	Action        string `json:"action,omitempty"`
	SessionStatus string `json:"session_status,omitempty"`
	TotalSegments uint64 `json:"total_segments,omitempty"`
}

// Verifier validates segment records remotely. Any returned error means
// "unknown"; only Verdict.Valid == false is a rejection.
type Verifier interface {
	Verify(ctx context.Context, rec SegmentRecord) (Verdict, error)
}

// Chain is the client hash chain of one session. Safe for concurrent use;
// Advance calls are serialized.
type Chain struct {
	sessionID string
	alg       frame.Algorithm
	signer    signer.Signer
	verifier  Verifier

	advance sync.Mutex

	mu           sync.RWMutex
	previous     frame.Digest
	lastAccepted uint64
	frozen       bool
	reason       string
}

// Option configures a Chain.
type Option func(*Chain)

// WithAlgorithm selects the digest algorithm. It must match the one that
// produced the baseline.
func WithAlgorithm(a frame.Algorithm) Option { return func(c *Chain) { c.alg = a } }

// New starts a chain at baseline.
func New(sessionID string, baseline frame.Digest, s signer.Signer, v Verifier, opts ...Option) *Chain {
	c := &Chain{
		sessionID: sessionID,
		alg:       frame.BLAKE3,
		signer:    s,
		verifier:  v,
		previous:  baseline,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Advance digests batch and submits it as the next segment. See
// AdvanceDigest.
func (c *Chain) Advance(ctx context.Context, batch []frame.Frame, trustScore int) (SegmentRecord, error) {
	return c.AdvanceDigest(ctx, c.alg.Batch(batch), trustScore)
}

// AdvanceDigest folds batchDigest onto the head as H(batch || previous) and
// submits it under lastAccepted+1. On acceptance the head moves; on a
// transport error nothing changes; on rejection the chain freezes.
func (c *Chain) AdvanceDigest(ctx context.Context, batchDigest frame.Digest, trustScore int) (SegmentRecord, error) {
	c.advance.Lock()
	defer c.advance.Unlock()

	c.mu.RLock()
	if c.frozen {
		c.mu.RUnlock()
		return SegmentRecord{}, ErrFrozen
	}
	current := c.alg.Fold(batchDigest, c.previous)
	next := c.lastAccepted + 1
	c.mu.RUnlock()

	rec := SegmentRecord{
		SessionID:  c.sessionID,
		SegmentID:  next,
		Digest:     current.Hex(),
		TrustScore: trustScore,
	}
	rec.Signature = c.signer.Sign(rec.Message())

	verdict, err := c.verifier.Verify(ctx, rec)
	if err != nil {
		return rec, fmt.Errorf("%w: segment %d: %w", ErrUnverified, next, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !verdict.Valid {
		c.frozen = true
		c.reason = verdict.Reason
		if c.reason == "" {
			c.reason = "segment rejected"
		}
		return rec, fmt.Errorf("%w: segment %d: %s", ErrChainBroken, next, c.reason)
	}
	c.previous = current
	c.lastAccepted = next
	return rec, nil
}

// Head returns the last accepted digest and segment ID.
func (c *Chain) Head() (frame.Digest, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.previous, c.lastAccepted
}

// Frozen reports whether the chain was rejected, and why.
func (c *Chain) Frozen() (bool, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frozen, c.reason
}

// Replay recomputes the head reached from baseline after accepting the given
// batch digests in order.
func Replay(alg frame.Algorithm, baseline frame.Digest, batches []frame.Digest) frame.Digest {
	head := baseline
	for _, b := range batches {
		head = alg.Fold(b, head)
	}
	return head
}
