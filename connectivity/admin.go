package connectivity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Admin edits the routes table. Watch picks up every change, so callers
// never need to Reload by hand.
type Admin struct {
	db *sql.DB
}

// NewAdmin returns an Admin over a database initialised with Init.
func NewAdmin(db *sql.DB) *Admin {
	return &Admin{db: db}
}

// RouteRow is one row of the routes table.
type RouteRow struct {
	ServiceName string          `json:"service_name"`
	Strategy    string          `json:"strategy"`
	Endpoint    string          `json:"endpoint,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
	UpdatedAt   int64           `json:"updated_at"`
}

// ListRoutes returns all routes ordered by service name.
func (a *Admin) ListRoutes(ctx context.Context) ([]RouteRow, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT service_name, strategy, COALESCE(endpoint, ''), COALESCE(config, '{}'), updated_at
		 FROM routes ORDER BY service_name`)
	if err != nil {
		return nil, fmt.Errorf("connectivity: list routes: %w", err)
	}
	defer rows.Close()

	var out []RouteRow
	for rows.Next() {
		var r RouteRow
		var cfg string
		if err := rows.Scan(&r.ServiceName, &r.Strategy, &r.Endpoint, &cfg, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("connectivity: scan route: %w", err)
		}
		r.Config = json.RawMessage(cfg)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRoute returns the route of serviceName, or nil if there is none.
func (a *Admin) GetRoute(ctx context.Context, serviceName string) (*RouteRow, error) {
	var r RouteRow
	var cfg string
	err := a.db.QueryRowContext(ctx,
		`SELECT service_name, strategy, COALESCE(endpoint, ''), COALESCE(config, '{}'), updated_at
		 FROM routes WHERE service_name = ?`, serviceName).
		Scan(&r.ServiceName, &r.Strategy, &r.Endpoint, &cfg, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("connectivity: get route: %w", err)
	}
	r.Config = json.RawMessage(cfg)
	return &r, nil
}

// UpsertRoute creates or replaces the route of serviceName.
func (a *Admin) UpsertRoute(ctx context.Context, serviceName, strategy, endpoint string, config json.RawMessage) error {
	if config == nil {
		config = json.RawMessage(`{}`)
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO routes (service_name, strategy, endpoint, config, updated_at)
		 VALUES (?, ?, ?, ?, strftime('%s', 'now'))
		 ON CONFLICT(service_name) DO UPDATE SET
		     strategy   = excluded.strategy,
		     endpoint   = excluded.endpoint,
		     config     = excluded.config,
		     updated_at = excluded.updated_at`,
		serviceName, strategy, endpoint, string(config))
	if err != nil {
		return fmt.Errorf("connectivity: upsert route: %w", err)
	}
	return nil
}

// DeleteRoute removes the route of serviceName; calls fall back to the local
// handler.
func (a *Admin) DeleteRoute(ctx context.Context, serviceName string) error {
	res, err := a.db.ExecContext(ctx, `DELETE FROM routes WHERE service_name = ?`, serviceName)
	if err != nil {
		return fmt.Errorf("connectivity: delete route: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("connectivity: route %q not found", serviceName)
	}
	return nil
}
