package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/hazyhaar/ppah/connectivity"
	"github.com/hazyhaar/ppah/frame"
)

// ErrBusy is returned by Submit while a request is still pending.
var ErrBusy = errors.New("analysis: worker busy")

// Worker processes one frame at a time in its own goroutine. Submit never
// blocks: it refuses while the previous request has not produced a result.
type Worker struct {
	call   connectivity.Handler
	alg    frame.Algorithm
	logger *slog.Logger

	in   chan Request
	out  chan Response
	busy atomic.Bool
	seq  atomic.Uint64
}

// NewWorker returns a Worker that sends requests through call, typically
// bound to Router.Call for connectivity.ServiceAnalysis.
func NewWorker(call connectivity.Handler, alg frame.Algorithm, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		call:   call,
		alg:    alg,
		logger: logger,
		in:     make(chan Request, 1),
		out:    make(chan Response, 1),
	}
}

// Submit queues f and returns the request ID its response will carry.
func (w *Worker) Submit(f frame.Frame) (uint64, error) {
	if !w.busy.CompareAndSwap(false, true) {
		return 0, ErrBusy
	}
	id := w.seq.Add(1)
	w.in <- NewRequest(id, w.alg, f)
	return id, nil
}

// Busy reports whether a request is being processed.
func (w *Worker) Busy() bool { return w.busy.Load() }

// Results delivers one response per submitted request.
func (w *Worker) Results() <-chan Response { return w.out }

// Run serves requests until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.in:
			resp := w.process(ctx, req)
			// Cleared before delivery so a Submit made on receipt is
			// accepted. out has room for this response: nothing new can
			// be submitted until the previous one was received.
			w.busy.Store(false)
			select {
			case w.out <- resp:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (w *Worker) process(ctx context.Context, req Request) Response {
	payload, err := EncodeRequest(req)
	if err != nil {
		return failure(req.ID, err)
	}
	raw, err := w.call(ctx, payload)
	if err != nil {
		w.logger.WarnContext(ctx, "analysis call failed", "request_id", req.ID, "error", err)
		return failure(req.ID, err)
	}
	resp, err := DecodeResponse(raw)
	if err != nil {
		return failure(req.ID, err)
	}
	if resp.ID != req.ID {
		return failure(req.ID, fmt.Errorf("analysis: response for request %d, want %d", resp.ID, req.ID))
	}
	return resp
}
