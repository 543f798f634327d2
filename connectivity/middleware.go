package connectivity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/hazyhaar/ppah/kit"
)

// HandlerMiddleware wraps a Handler.
type HandlerMiddleware func(next Handler) Handler

// Chain composes middlewares; the first is the outermost.
func Chain(mws ...HandlerMiddleware) HandlerMiddleware {
	return func(next Handler) Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// Logging logs every call of service with the session it serves. Failures
// log at warn since the monitor skips them; calls refused by an open
// breaker log at debug, one per tick would drown the rest.
func Logging(logger *slog.Logger, service string) HandlerMiddleware {
	logger = logger.With("service", service)
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			start := time.Now()
			resp, err := next(ctx, payload)
			attrs := append(kit.LogAttrs(ctx), "duration_ms", time.Since(start).Milliseconds())
			var open *ErrCircuitOpen
			switch {
			case err == nil:
				logger.DebugContext(ctx, "call ok", append(attrs, "response_bytes", len(resp))...)
			case errors.As(err, &open):
				logger.DebugContext(ctx, "call skipped, circuit open", attrs...)
			default:
				logger.WarnContext(ctx, "call failed", append(attrs, "payload_bytes", len(payload), "error", err)...)
			}
			return resp, err
		}
	}
}

// Timeout gives each call d to complete. The error of an overrun still
// matches context.DeadlineExceeded. A zero d disables it.
func Timeout(d time.Duration) HandlerMiddleware {
	return func(next Handler) Handler {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			callCtx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			resp, err := next(callCtx, payload)
			if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				err = fmt.Errorf("connectivity: no answer within %s: %w", d, err)
			}
			return resp, err
		}
	}
}

// Recovery turns a panic in a downstream handler into an ErrPanic.
func Recovery(logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) (resp []byte, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "handler panic recovered",
						append(kit.LogAttrs(ctx), "panic", r, "stack", string(debug.Stack()))...)
					resp, err = nil, &ErrPanic{Value: r}
				}
			}()
			return next(ctx, payload)
		}
	}
}
