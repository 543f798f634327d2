package store

import "context"

// Anomaly kinds.
const (
	AnomalyPacketLoss = "packet_loss"
	AnomalyDuplicate  = "duplicate"
	AnomalyReplay     = "replay"
	AnomalySequence   = "sequence_break"
	AnomalySignature  = "bad_signature"
)

// Anomaly is a protocol irregularity observed on a session.
type Anomaly struct {
	ID           string `json:"id"`
	SessionID    string `json:"session_id"`
	Kind         string `json:"kind"`
	Description  string `json:"description"`
	SegmentCount uint64 `json:"segment_count"`
	CreatedAt    int64  `json:"timestamp"`
}

// InsertAnomaly records an anomaly.
func InsertAnomaly(ctx context.Context, q Querier, a *Anomaly) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO anomalies (id, session_id, kind, description, segment_count, created_at)
		VALUES (?,?,?,?,?,?)`,
		a.ID, a.SessionID, a.Kind, a.Description, a.SegmentCount, a.CreatedAt,
	)
	return err
}

// ListAnomalies returns the anomalies of a session, oldest first.
func ListAnomalies(ctx context.Context, q Querier, sessionID string) ([]*Anomaly, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, session_id, kind, description, segment_count, created_at
		FROM anomalies WHERE session_id = ? ORDER BY created_at, rowid`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Anomaly
	for rows.Next() {
		a := &Anomaly{}
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Kind, &a.Description, &a.SegmentCount, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
