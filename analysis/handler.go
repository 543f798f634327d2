package analysis

import (
	"context"
	"fmt"

	"github.com/hazyhaar/ppah/connectivity"
	"github.com/hazyhaar/ppah/fingerprint"
	"github.com/hazyhaar/ppah/frame"
)

// Process analyses the frame of req. Analysis errors come back as a
// KindFailure response, not as an error.
func Process(req Request) Response {
	if req.Kind != KindAnalyze {
		return failure(req.ID, fmt.Errorf("analysis: unexpected request kind %s", req.Kind))
	}
	if req.Algorithm != frame.BLAKE3 && req.Algorithm != frame.SHA256 {
		return failure(req.ID, fmt.Errorf("analysis: unknown digest algorithm %d", req.Algorithm))
	}
	f := req.Frame()
	a, err := fingerprint.Analyze(f)
	if err != nil {
		return failure(req.ID, err)
	}
	return Response{
		ID:       req.ID,
		Kind:     KindResult,
		Analysis: a,
		Digest:   req.Algorithm.Of(f),
	}
}

// Handler serves connectivity.ServiceAnalysis: CBOR request in, CBOR
// response out. Register it with Router.RegisterLocal, or mount it behind
// HTTP on an offload host.
func Handler() connectivity.Handler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		req, err := DecodeRequest(payload)
		if err != nil {
			return nil, err
		}
		return EncodeResponse(Process(req))
	}
}
