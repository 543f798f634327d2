package store

import (
	"context"
	"database/sql"
	"errors"
)

// Session statuses.
const (
	StatusActive     = "active"
	StatusFrozen     = "frozen"
	StatusTerminated = "terminated"
)

var ErrNotFound = errors.New("store: not found")

// Session is the server-side state of one monitored session. CredentialID is
// the WebAuthn credential presented at init, if any. Timestamps are unix
// milliseconds.
type Session struct {
	ID                string `json:"session_id"`
	Email             string `json:"email,omitempty"`
	SessionKey        string `json:"-"`
	CameraFingerprint string `json:"camera_fingerprint,omitempty"`
	CameraLocked      bool   `json:"camera_locked"`
	CredentialID      string `json:"webauthn_credential_id,omitempty"`
	Status            string `json:"status"`
	FreezeReason      string `json:"freeze_reason,omitempty"`
	SegmentCount      uint64 `json:"segment_count"`
	LastTrustScore    int    `json:"last_trust_score"`
	CreatedAt         int64  `json:"created_at"`
	LastActivity      int64  `json:"last_activity"`
}

const sessionColumns = `id, email, session_key, camera_fingerprint, camera_locked, webauthn_credential_id, status,
	freeze_reason, segment_count, last_trust_score, created_at, last_activity`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	s := &Session{}
	var locked int
	err := row.Scan(&s.ID, &s.Email, &s.SessionKey, &s.CameraFingerprint, &locked, &s.CredentialID, &s.Status,
		&s.FreezeReason, &s.SegmentCount, &s.LastTrustScore, &s.CreatedAt, &s.LastActivity)
	if err != nil {
		return nil, err
	}
	s.CameraLocked = locked == 1
	return s, nil
}

// InsertSession inserts a new session.
func InsertSession(ctx context.Context, q Querier, s *Session) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.Email, s.SessionKey, s.CameraFingerprint, boolInt(s.CameraLocked), s.CredentialID, s.Status,
		s.FreezeReason, s.SegmentCount, s.LastTrustScore, s.CreatedAt, s.LastActivity,
	)
	return err
}

// GetSession retrieves a session by ID. Returns ErrNotFound if absent.
func GetSession(ctx context.Context, q Querier, id string) (*Session, error) {
	s, err := scanSession(q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// UpdateSession writes the mutable fields of s.
func UpdateSession(ctx context.Context, q Querier, s *Session) error {
	res, err := q.ExecContext(ctx, `
		UPDATE sessions SET status = ?, freeze_reason = ?, segment_count = ?,
			last_trust_score = ?, last_activity = ?
		WHERE id = ?`,
		s.Status, s.FreezeReason, s.SegmentCount, s.LastTrustScore, s.LastActivity, s.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSessions returns sessions, most recently active first. status filters
// when non-empty; limit <= 0 means 50.
func ListSessions(ctx context.Context, q Querier, status string, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY last_activity DESC LIMIT ?`
	args = append(args, limit)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// TerminateIdle marks active sessions idle since before cutoff (unix ms) as
// terminated and returns how many changed.
func TerminateIdle(ctx context.Context, q Querier, cutoff int64) (int64, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE status = ? AND last_activity < ?`,
		StatusTerminated, StatusActive, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountByStatus returns the number of sessions per status.
func CountByStatus(ctx context.Context, q Querier) (map[string]int, error) {
	rows, err := q.QueryContext(ctx, `SELECT status, COUNT(*) FROM sessions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
