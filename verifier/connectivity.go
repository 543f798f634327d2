package verifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/ppah/chain"
	"github.com/hazyhaar/ppah/connectivity"
)

// RegisterConnectivity registers the verifier as the local handler of its
// services, for monitors running in the same process.
//
// Registered services:
//
//	session_init   InitRequest → InitResponse
//	segment_verify chain.SegmentRecord → chain.Verdict
//
// Payloads are the JSON bodies of the HTTP API, so a route can move between
// "local" and "http" without touching the caller.
func (v *Verifier) RegisterConnectivity(router *connectivity.Router) {
	router.RegisterLocal(connectivity.ServiceSessionInit, v.handleInitCall)
	router.RegisterLocal(connectivity.ServiceVerify, v.handleVerifyCall)
}

func (v *Verifier) handleInitCall(ctx context.Context, payload []byte) ([]byte, error) {
	var req InitRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
	}
	resp, err := v.InitSession(ctx, req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resp)
}

func (v *Verifier) handleVerifyCall(ctx context.Context, payload []byte) ([]byte, error) {
	var rec chain.SegmentRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	verdict, err := v.VerifySegment(ctx, rec)
	if err != nil {
		return nil, err
	}
	return json.Marshal(verdict)
}
