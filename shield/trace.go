package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/ppah/horosafe"
	"github.com/hazyhaar/ppah/idgen"
	"github.com/hazyhaar/ppah/kit"
)

var traceIDs = idgen.Hex(4)

// TraceID is TraceIDWith(slog.Default()).
func TraceID(next http.Handler) http.Handler {
	return TraceIDWith(slog.Default())(next)
}

// TraceIDWith tags each request with a trace ID and injects it into the
// context, response headers, and a per-request structured logger derived
// from base. A well-formed incoming X-Trace-ID is kept so monitor and
// verifier logs line up. The trace ID is read back with kit.GetTraceID and the
// logger under LoggerKey.
func TraceIDWith(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := r.Header.Get("X-Trace-ID")
			if traceID == "" || len(traceID) > 64 || horosafe.ValidateIdentifier(traceID) != nil {
				traceID = traceIDs()
			}

			ctx := kit.WithTraceID(r.Context(), traceID)
			ctx = kit.WithRemoteAddr(ctx, ExtractIP(r))
			w.Header().Set("X-Trace-ID", traceID)

			logger := base.With(
				"trace_id", traceID,
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			ctx = context.WithValue(ctx, LoggerKey, logger)
			logger.Debug("request")

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
