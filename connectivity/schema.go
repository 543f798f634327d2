package connectivity

import "database/sql"

// Schema is the routes table. Strategies:
//   - "local": the handler registered with RegisterLocal.
//   - "http":  POST to endpoint through HTTPFactory.
//   - "noop":  succeed without doing anything.
//
// config is per-route JSON, e.g. {"timeout_ms": 2000}.
const Schema = `
CREATE TABLE IF NOT EXISTS routes (
    service_name TEXT PRIMARY KEY,
    strategy     TEXT NOT NULL CHECK(strategy IN ('local', 'http', 'noop')),
    endpoint     TEXT,
    config       TEXT DEFAULT '{}',
    updated_at   INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
`

// Init creates the routes table if it does not exist.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
