// Package connectivity routes the monitor's outbound service calls (segment
// verification, fingerprint analysis) either to an in-process handler or to
// a remote endpoint, as decided by a SQLite routes table that can be changed
// while a session runs.
//
//	router := connectivity.New()
//	router.RegisterTransport("http", connectivity.HTTPFactory())
//	router.RegisterLocal(connectivity.ServiceAnalysis, analysis.Handler())
//	go router.Watch(ctx, db, time.Second)
//
//	resp, err := router.Call(ctx, connectivity.ServiceVerify, payload)
package connectivity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Well-known service names.
const (
	ServiceSessionInit = "session_init"
	ServiceVerify      = "segment_verify"
	ServiceAnalysis    = "fingerprint_analysis"
)

// Handler is a transport-agnostic service function: bytes in, bytes out.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// TransportFactory builds a Handler for a remote endpoint. The returned close
// function runs when the route is removed or replaced; it may be nil.
type TransportFactory func(endpoint string, config json.RawMessage) (handler Handler, close func(), err error)

type route struct {
	ServiceName string
	Strategy    string
	Endpoint    string
	Config      json.RawMessage
}

// key changes whenever anything that affects the built handler changes.
func (rt route) key() string {
	return rt.Strategy + "|" + rt.Endpoint + "|" + string(rt.Config)
}

type remoteEntry struct {
	handler Handler
	close   func()
}

// Router dispatches service calls. Reads take the read lock; Reload swaps
// the remote map under the write lock.
type Router struct {
	mu            sync.RWMutex
	localHandlers map[string]Handler
	remoteEntries map[string]remoteEntry
	routeSnap     map[string]route
	factories     map[string]TransportFactory
	wrap          map[string]HandlerMiddleware
	logger        *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New returns an empty Router.
func New(opts ...Option) *Router {
	r := &Router{
		localHandlers: make(map[string]Handler),
		remoteEntries: make(map[string]remoteEntry),
		routeSnap:     make(map[string]route),
		factories:     make(map[string]TransportFactory),
		wrap:          make(map[string]HandlerMiddleware),
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterLocal registers the in-process handler of a service.
func (r *Router) RegisterLocal(service string, h Handler) {
	r.mu.Lock()
	r.localHandlers[service] = h
	r.mu.Unlock()
}

// RegisterTransport registers the factory used for routes whose strategy is
// protocol.
func (r *Router) RegisterTransport(protocol string, f TransportFactory) {
	r.mu.Lock()
	r.factories[protocol] = f
	r.mu.Unlock()
}

// Use sets the middleware wrapped around every remote handler built for
// service from now on. Handlers already built keep their old chain until the
// route changes.
func (r *Router) Use(service string, mw HandlerMiddleware) {
	r.mu.Lock()
	r.wrap[service] = mw
	r.mu.Unlock()
}

// Call dispatches a call for service. Resolution order: a noop route
// succeeds with a nil response; a remote route is called; otherwise the
// local handler; otherwise ErrServiceNotFound.
func (r *Router) Call(ctx context.Context, service string, payload []byte) ([]byte, error) {
	r.mu.RLock()
	entry, hasRemote := r.remoteEntries[service]
	localH := r.localHandlers[service]
	snap, hasRoute := r.routeSnap[service]
	r.mu.RUnlock()

	if hasRoute && snap.Strategy == "noop" {
		r.logger.DebugContext(ctx, "routing noop", "service", service)
		return nil, nil
	}
	if hasRemote {
		return entry.handler(ctx, payload)
	}
	if localH != nil {
		return localH(ctx, payload)
	}
	return nil, &ErrServiceNotFound{Service: service}
}

// Reload reads the routes table and rebuilds remote handlers whose route
// changed. Unchanged routes keep their handler and connections.
func (r *Router) Reload(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx,
		`SELECT service_name, strategy, COALESCE(endpoint, ''), COALESCE(config, '{}') FROM routes`)
	if err != nil {
		return fmt.Errorf("connectivity: query routes: %w", err)
	}
	defer rows.Close()

	next := make(map[string]route)
	for rows.Next() {
		var rt route
		var cfg string
		if err := rows.Scan(&rt.ServiceName, &rt.Strategy, &rt.Endpoint, &cfg); err != nil {
			return fmt.Errorf("connectivity: scan route: %w", err)
		}
		rt.Config = json.RawMessage(cfg)
		next[rt.ServiceName] = rt
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("connectivity: rows: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make(map[string]remoteEntry, len(next))
	for name, rt := range next {
		if rt.Strategy == "local" || rt.Strategy == "noop" {
			continue
		}
		if old, ok := r.routeSnap[name]; ok && old.key() == rt.key() {
			if existing, ok := r.remoteEntries[name]; ok {
				entries[name] = existing
				continue
			}
		}
		factory, ok := r.factories[rt.Strategy]
		if !ok {
			r.logger.Warn("connectivity: route skipped",
				"error", &ErrNoFactory{Service: name, Strategy: rt.Strategy})
			continue
		}
		h, closeFn, err := factory(rt.Endpoint, rt.Config)
		if err != nil {
			r.logger.Error("connectivity: route skipped", "error", &ErrFactoryFailed{
				Service: name, Strategy: rt.Strategy, Endpoint: rt.Endpoint, Cause: err,
			})
			continue
		}
		if mw, ok := r.wrap[name]; ok {
			h = mw(h)
		}
		entries[name] = remoteEntry{handler: h, close: closeFn}
		r.logger.Info("route built", "service", name, "strategy", rt.Strategy, "endpoint", rt.Endpoint)
	}

	for name, old := range r.remoteEntries {
		if old.close == nil {
			continue
		}
		if _, stillThere := entries[name]; !stillThere || r.routeSnap[name].key() != next[name].key() {
			old.close()
		}
	}

	r.remoteEntries = entries
	r.routeSnap = next
	r.logger.Info("routes reloaded", "total", len(next), "remote", len(entries))
	return nil
}

// Close shuts down all remote handlers.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.remoteEntries {
		if e.close != nil {
			e.close()
		}
	}
	r.remoteEntries = make(map[string]remoteEntry)
	r.routeSnap = make(map[string]route)
	return nil
}
