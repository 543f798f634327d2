package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hazyhaar/ppah/chain"
	"github.com/hazyhaar/ppah/connectivity"
)

// ErrNoVerdict is returned when a call succeeded without a usable answer,
// e.g. through a noop route.
var ErrNoVerdict = errors.New("verifier: no verdict")

// Client is the monitor side of the verifier. It implements chain.Verifier
// over a connectivity.Router, so the verifier can be in-process or remote.
// Every failure to obtain a verdict is an error, never a rejection.
type Client struct {
	router *connectivity.Router
}

var _ chain.Verifier = (*Client)(nil)

// NewClient returns a Client calling through router.
func NewClient(router *connectivity.Router) *Client {
	return &Client{router: router}
}

// InitSession opens a session on the verifier.
func (c *Client) InitSession(ctx context.Context, req InitRequest) (*InitResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	body, err := c.router.Call(ctx, connectivity.ServiceSessionInit, payload)
	if err != nil {
		return nil, fmt.Errorf("verifier: init session: %w", err)
	}
	var resp InitResponse
	if len(body) == 0 {
		return nil, fmt.Errorf("verifier: init session: %w", ErrNoVerdict)
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("verifier: init session: decode: %w", err)
	}
	if resp.SessionID == "" || resp.SessionKey == "" {
		return nil, errors.New("verifier: init session: incomplete response")
	}
	return &resp, nil
}

// Verify submits rec and returns the verifier's verdict.
func (c *Client) Verify(ctx context.Context, rec chain.SegmentRecord) (chain.Verdict, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return chain.Verdict{}, err
	}
	body, err := c.router.Call(ctx, connectivity.ServiceVerify, payload)
	if err != nil {
		return chain.Verdict{}, fmt.Errorf("verifier: segment %d: %w", rec.SegmentID, err)
	}
	if len(body) == 0 {
		return chain.Verdict{}, fmt.Errorf("verifier: segment %d: %w", rec.SegmentID, ErrNoVerdict)
	}
	var verdict chain.Verdict
	if err := json.Unmarshal(body, &verdict); err != nil {
		return chain.Verdict{}, fmt.Errorf("verifier: segment %d: decode: %w", rec.SegmentID, err)
	}
	if verdict.SegmentID != rec.SegmentID {
		return chain.Verdict{}, fmt.Errorf("verifier: verdict for segment %d, sent %d", verdict.SegmentID, rec.SegmentID)
	}
	return verdict, nil
}

// LinkFailure reports whether err is a failure of the link to the verifier
// rather than an answer from it. It is the counts function of the circuit
// breaker guarding segment_verify: a 4xx is an answer.
func LinkFailure(err error) bool {
	var status *connectivity.ErrHTTPStatus
	if errors.As(err, &status) {
		return status.Code >= 500
	}
	return true
}
