package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// WithRetry retries failed calls up to maxRetries times, doubling
// baseBackoff each attempt. It gives up early when ctx is done, when the
// breaker is open, or when retryable reports false for the error.
func WithRetry(maxRetries int, baseBackoff time.Duration, retryable func(error) bool, logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			var lastErr error
			for attempt := 0; attempt <= maxRetries; attempt++ {
				resp, err := next(ctx, payload)
				if err == nil {
					return resp, nil
				}
				lastErr = err
				if ctx.Err() != nil {
					return resp, lastErr
				}
				var open *ErrCircuitOpen
				if errors.As(err, &open) {
					return resp, err
				}
				if retryable != nil && !retryable(err) {
					return resp, err
				}
				if attempt == maxRetries {
					break
				}
				wait := baseBackoff * (1 << uint(attempt))
				if logger != nil {
					logger.DebugContext(ctx, "retrying call",
						"attempt", attempt+1,
						"backoff_ms", wait.Milliseconds(),
						"error", err)
				}
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					return nil, lastErr
				case <-t.C:
				}
			}
			return nil, lastErr
		}
	}
}
