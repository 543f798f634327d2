package kit

import "context"

type ctxKey int

const (
	traceIDKey ctxKey = iota
	sessionIDKey
	transportKey
	remoteAddrKey
)

// Transports recorded in the context.
const (
	TransportHTTP = "http"
	TransportMCP  = "mcp"
)

// WithTraceID tags ctx with the request trace ID set by shield.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}

// WithSessionID tags ctx with the monitored session, so logs emitted deep in
// the chain or verifier client carry it.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

func GetSessionID(ctx context.Context) string {
	v, _ := ctx.Value(sessionIDKey).(string)
	return v
}

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, transportKey, t)
}

// GetTransport defaults to TransportHTTP.
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(transportKey).(string); ok {
		return v
	}
	return TransportHTTP
}

func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, remoteAddrKey, addr)
}

func GetRemoteAddr(ctx context.Context) string {
	v, _ := ctx.Value(remoteAddrKey).(string)
	return v
}

// LogAttrs returns the slog key/value pairs of the identifiers set on ctx.
// Unset ones are left out.
//
//	logger.With(kit.LogAttrs(ctx)...).Warn("verifier: session frozen")
func LogAttrs(ctx context.Context) []any {
	var attrs []any
	if v := GetTraceID(ctx); v != "" {
		attrs = append(attrs, "trace_id", v)
	}
	if v := GetSessionID(ctx); v != "" {
		attrs = append(attrs, "session_id", v)
	}
	if v, ok := ctx.Value(transportKey).(string); ok {
		attrs = append(attrs, "transport", v)
	}
	if v := GetRemoteAddr(ctx); v != "" {
		attrs = append(attrs, "remote_addr", v)
	}
	return attrs
}
