package connectivity

import (
	"context"
	"time"

	"github.com/hazyhaar/ppah/kit"
	"github.com/hazyhaar/ppah/observability"
)

// WithObservability records the duration of every call of service, and a
// count on failure, into mm. The session comes from the context.
func WithObservability(mm *observability.MetricsManager, service string) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			start := time.Now()
			resp, err := next(ctx, payload)
			labels := map[string]string{"service": service}
			mm.Record(&observability.Metric{
				Name:      observability.MetricCallDurationMs,
				SessionID: kit.GetSessionID(ctx),
				Timestamp: start,
				Value:     float64(time.Since(start).Milliseconds()),
				Labels:    labels,
				Unit:      "ms",
			})
			if err != nil {
				mm.Record(&observability.Metric{
					Name:      observability.MetricCallError,
					SessionID: kit.GetSessionID(ctx),
					Timestamp: start,
					Value:     1,
					Labels:    labels,
					Unit:      "count",
				})
			}
			return resp, err
		}
	}
}
