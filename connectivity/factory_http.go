package connectivity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hazyhaar/ppah/horosafe"
)

// httpConfig is the per-route config JSON.
type httpConfig struct {
	TimeoutMs   int64  `json:"timeout_ms"`
	ContentType string `json:"content_type"`
}

type httpFactoryOptions struct {
	allowPrivate bool
	client       *http.Client
}

// HTTPOption configures HTTPFactory.
type HTTPOption func(*httpFactoryOptions)

// AllowPrivate lets routes target loopback and private addresses, for a
// verifier running on the same host or LAN.
func AllowPrivate() HTTPOption {
	return func(o *httpFactoryOptions) { o.allowPrivate = true }
}

// WithHTTPClient sets the client used for every route (tests pass the
// httptest server's client).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(o *httpFactoryOptions) { o.client = c }
}

// HTTPFactory builds Handlers that POST the payload to the endpoint and
// return the response body. Non-2xx responses are errors carrying the
// status code (see ErrHTTPStatus). The endpoint is checked with
// horosafe.ValidateURL when the route is built.
func HTTPFactory(opts ...HTTPOption) TransportFactory {
	var fo httpFactoryOptions
	for _, o := range opts {
		o(&fo)
	}
	return func(endpoint string, config json.RawMessage) (Handler, func(), error) {
		if err := horosafe.ValidateURL(endpoint, fo.allowPrivate); err != nil {
			return nil, nil, fmt.Errorf("connectivity/http: %w", err)
		}

		var cfg httpConfig
		if len(config) > 0 {
			_ = json.Unmarshal(config, &cfg)
		}
		timeout := 5 * time.Second
		if cfg.TimeoutMs > 0 {
			timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
		}
		contentType := "application/json"
		if cfg.ContentType != "" {
			contentType = cfg.ContentType
		}

		client := &http.Client{Timeout: timeout}
		if fo.client != nil {
			c := *fo.client
			c.Timeout = timeout
			client = &c
		}

		handler := func(ctx context.Context, payload []byte) ([]byte, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: create request: %w", err)
			}
			req.Header.Set("Content-Type", contentType)

			resp, err := client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: do request: %w", err)
			}
			defer resp.Body.Close()

			body, err := horosafe.LimitedReadAll(resp.Body, horosafe.MaxResponseBody)
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: read response: %w", err)
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return body, &ErrHTTPStatus{Endpoint: endpoint, Code: resp.StatusCode, Body: body}
			}
			return body, nil
		}
		return handler, client.CloseIdleConnections, nil
	}
}
