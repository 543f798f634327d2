package analysis

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Core Deterministic Encoding: the same request always produces the same
// bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("analysis: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("analysis: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeRequest marshals r.
func EncodeRequest(r Request) ([]byte, error) {
	b, err := encMode.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("analysis: encode request: %w", err)
	}
	return b, nil
}

// DecodeRequest unmarshals a request and rejects unknown kinds.
func DecodeRequest(data []byte) (Request, error) {
	var r Request
	if err := decMode.Unmarshal(data, &r); err != nil {
		return Request{}, fmt.Errorf("analysis: decode request: %w", err)
	}
	if r.Kind != KindAnalyze {
		return Request{}, fmt.Errorf("analysis: unexpected request kind %s", r.Kind)
	}
	return r, nil
}

// EncodeResponse marshals r.
func EncodeResponse(r Response) ([]byte, error) {
	b, err := encMode.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("analysis: encode response: %w", err)
	}
	return b, nil
}

// DecodeResponse unmarshals a response and rejects unknown kinds.
func DecodeResponse(data []byte) (Response, error) {
	if len(data) == 0 {
		return Response{}, fmt.Errorf("analysis: empty response")
	}
	var r Response
	if err := decMode.Unmarshal(data, &r); err != nil {
		return Response{}, fmt.Errorf("analysis: decode response: %w", err)
	}
	if r.Kind != KindResult && r.Kind != KindFailure {
		return Response{}, fmt.Errorf("analysis: unexpected response kind %s", r.Kind)
	}
	return r, nil
}
