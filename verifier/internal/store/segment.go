package store

import "context"

// Segment is one accepted chain link.
type Segment struct {
	SessionID  string `json:"session_id"`
	SegmentID  uint64 `json:"segment_id"`
	Hash       string `json:"hash"`
	TrustScore int    `json:"trust_score"`
	ReceivedAt int64  `json:"received_at"`
}

// AppendSegment records an accepted segment.
func AppendSegment(ctx context.Context, q Querier, seg *Segment) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO segments (session_id, segment_id, hash, trust_score, received_at)
		VALUES (?,?,?,?,?)`,
		seg.SessionID, seg.SegmentID, seg.Hash, seg.TrustScore, seg.ReceivedAt,
	)
	return err
}

// ListSegments returns the accepted segments of a session in order.
func ListSegments(ctx context.Context, q Querier, sessionID string) ([]*Segment, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT session_id, segment_id, hash, trust_score, received_at
		FROM segments WHERE session_id = ? ORDER BY segment_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Segment
	for rows.Next() {
		seg := &Segment{}
		if err := rows.Scan(&seg.SessionID, &seg.SegmentID, &seg.Hash, &seg.TrustScore, &seg.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}
