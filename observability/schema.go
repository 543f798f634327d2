package observability

import "database/sql"

// Schema holds the monitor's local observability tables. It lives in its
// own database file so metric writes never contend with the routes table.
const Schema = `
CREATE TABLE IF NOT EXISTS metrics_timeseries (
    metric_id   TEXT PRIMARY KEY DEFAULT ('met_' || hex(randomblob(16))),
    metric_name TEXT NOT NULL,
    session_id  TEXT,
    timestamp   INTEGER NOT NULL,
    value       REAL NOT NULL,
    labels      TEXT,
    unit        TEXT
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
    ON metrics_timeseries(metric_name, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_metrics_session
    ON metrics_timeseries(session_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS audit_log (
    entry_id      TEXT PRIMARY KEY,
    timestamp     INTEGER NOT NULL,
    component     TEXT NOT NULL,
    operation     TEXT NOT NULL,
    session_id    TEXT,
    parameters    TEXT NOT NULL DEFAULT '{}',
    status        TEXT NOT NULL,
    error_message TEXT,
    duration_ms   INTEGER
);
CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_log(session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_operation ON audit_log(operation, timestamp DESC);
`

// Init applies Schema.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
