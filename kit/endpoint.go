// Package kit carries the transport-agnostic endpoint type shared by the
// verifier's HTTP handlers and MCP tools, plus the request identifiers they
// put on the context.
package kit

import "context"

// Endpoint is a transport-agnostic operation.
type Endpoint func(ctx context.Context, req any) (any, error)
