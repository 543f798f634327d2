// Package analysis runs the per-tick frame work (fingerprint, scene
// statistics, frame digest) off the monitoring loop. The loop hands one frame
// at a time to a Worker and picks the result up on a channel; the work
// itself is a connectivity service so it can run in-process or on a remote
// host, exchanged as CBOR.
package analysis

import (
	"fmt"
	"time"

	"github.com/hazyhaar/ppah/fingerprint"
	"github.com/hazyhaar/ppah/frame"
)

// Kind tags worker messages. The set is closed.
type Kind uint8

const (
	// KindAnalyze is the only request: analyse one frame.
	KindAnalyze Kind = iota + 1
	// KindResult answers a KindAnalyze request.
	KindResult
	// KindFailure reports that the frame could not be analysed.
	KindFailure
)

func (k Kind) String() string {
	switch k {
	case KindAnalyze:
		return "analyze"
	case KindResult:
		return "result"
	case KindFailure:
		return "failure"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Request asks for the analysis of one frame.
type Request struct {
	ID         uint64          `cbor:"1,keyasint"`
	Kind       Kind            `cbor:"2,keyasint"`
	Algorithm  frame.Algorithm `cbor:"3,keyasint"`
	Width      int             `cbor:"4,keyasint"`
	Height     int             `cbor:"5,keyasint"`
	Pix        []byte          `cbor:"6,keyasint"`
	CapturedAt int64           `cbor:"7,keyasint"` // unix nanoseconds
}

// NewRequest wraps f.
func NewRequest(id uint64, alg frame.Algorithm, f frame.Frame) Request {
	var at int64
	if !f.CapturedAt.IsZero() {
		at = f.CapturedAt.UnixNano()
	}
	return Request{
		ID:         id,
		Kind:       KindAnalyze,
		Algorithm:  alg,
		Width:      f.Width,
		Height:     f.Height,
		Pix:        f.Pix,
		CapturedAt: at,
	}
}

// Frame rebuilds the frame carried by r.
func (r Request) Frame() frame.Frame {
	f := frame.Frame{Width: r.Width, Height: r.Height, Pix: r.Pix}
	if r.CapturedAt != 0 {
		f.CapturedAt = time.Unix(0, r.CapturedAt)
	}
	return f
}

// Response carries the analysis of one frame, or the reason it failed.
type Response struct {
	ID       uint64               `cbor:"1,keyasint"`
	Kind     Kind                 `cbor:"2,keyasint"`
	Analysis fingerprint.Analysis `cbor:"3,keyasint"`
	Digest   frame.Digest         `cbor:"4,keyasint"`
	Error    string               `cbor:"5,keyasint,omitempty"`
}

// OK reports whether r is a result.
func (r Response) OK() bool { return r.Kind == KindResult }

func failure(id uint64, err error) Response {
	return Response{ID: id, Kind: KindFailure, Error: err.Error()}
}
