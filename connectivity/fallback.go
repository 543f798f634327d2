package connectivity

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hazyhaar/ppah/kit"
)

// WithFallback runs local when the wrapped (remote) handler fails. The
// analysis offload uses it: a remote analysis outage degrades to in-process
// work instead of losing the tick. Cancellation is not retried locally, nor
// is a 4xx answer, which rejects the request itself.
func WithFallback(local Handler, service string, logger *slog.Logger) HandlerMiddleware {
	return func(next Handler) Handler {
		if local == nil {
			return next
		}
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			resp, err := next(ctx, payload)
			if err == nil || ctx.Err() != nil || clientError(err) {
				return resp, err
			}
			if logger != nil {
				logger.WarnContext(ctx, "remote failed, running locally",
					append(kit.LogAttrs(ctx), "service", service, "remote_error", err)...)
			}
			return local(ctx, payload)
		}
	}
}

func clientError(err error) bool {
	var status *ErrHTTPStatus
	return errors.As(err, &status) && status.Code >= 400 && status.Code < 500
}
