package store

// Schema contains the complete DDL for the verifier tables.
const Schema = `
-- Monitored sessions: one row per /api/session/init
CREATE TABLE IF NOT EXISTS sessions (
    id                 TEXT PRIMARY KEY,
    email              TEXT NOT NULL DEFAULT '',
    session_key        TEXT NOT NULL,
    camera_fingerprint TEXT NOT NULL DEFAULT '',
    camera_locked      INTEGER NOT NULL DEFAULT 0,
    webauthn_credential_id TEXT NOT NULL DEFAULT '',
    status             TEXT NOT NULL DEFAULT 'active'
                       CHECK(status IN ('active', 'frozen', 'terminated')),
    freeze_reason      TEXT NOT NULL DEFAULT '',
    segment_count      INTEGER NOT NULL DEFAULT 0,
    last_trust_score   INTEGER NOT NULL DEFAULT 100,
    created_at         INTEGER NOT NULL,
    last_activity      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(last_activity);

-- Accepted chain segments, append-only
CREATE TABLE IF NOT EXISTS segments (
    session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    segment_id  INTEGER NOT NULL,
    hash        TEXT NOT NULL,
    trust_score INTEGER NOT NULL,
    received_at INTEGER NOT NULL,
    PRIMARY KEY (session_id, segment_id)
);

-- Anomalies: protocol irregularities, kept for the security report
CREATE TABLE IF NOT EXISTS anomalies (
    id            TEXT PRIMARY KEY,
    session_id    TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    kind          TEXT NOT NULL,
    description   TEXT NOT NULL,
    segment_count INTEGER NOT NULL,
    created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_anomalies_session ON anomalies(session_id, created_at);
`
