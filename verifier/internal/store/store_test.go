package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/ppah/dbopen"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return &Store{DB: dbopen.OpenMemory(t, dbopen.WithSchema(Schema))}
}

func newSession(id string, activity int64) *Session {
	return &Session{
		ID:             id,
		SessionKey:     "k",
		Status:         StatusActive,
		LastTrustScore: 100,
		CreatedAt:      activity,
		LastActivity:   activity,
	}
}

func TestSessionCRUD(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	in := newSession("s1", 1000)
	in.CameraFingerprint = "cam-abc"
	in.CameraLocked = true
	in.CredentialID = "cred-7f3a"
	if err := InsertSession(ctx, s.DB, in); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}

	got, err := GetSession(ctx, s.DB, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !got.CameraLocked || got.CameraFingerprint != "cam-abc" || got.CredentialID != "cred-7f3a" || got.Status != StatusActive {
		t.Fatalf("got %+v", got)
	}

	got.Status = StatusFrozen
	got.FreezeReason = "replay"
	got.SegmentCount = 7
	got.LastTrustScore = 42
	if err := UpdateSession(ctx, s.DB, got); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	again, _ := GetSession(ctx, s.DB, "s1")
	if again.SegmentCount != 7 || again.FreezeReason != "replay" || again.LastTrustScore != 42 {
		t.Fatalf("after update: %+v", again)
	}

	if _, err := GetSession(ctx, s.DB, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing session err = %v", err)
	}
	if err := UpdateSession(ctx, s.DB, newSession("nope", 1)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update missing err = %v", err)
	}
}

func TestStatusCheckConstraint(t *testing.T) {
	s := testStore(t)
	bad := newSession("s1", 1)
	bad.Status = "paused"
	if err := InsertSession(context.Background(), s.DB, bad); err == nil {
		t.Fatal("expected CHECK constraint failure")
	}
}

func TestListAndTerminateIdle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	for i, id := range []string{"old", "mid", "new"} {
		InsertSession(ctx, s.DB, newSession(id, int64(1000*(i+1))))
	}

	all, err := ListSessions(ctx, s.DB, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != "new" {
		t.Fatalf("list order: %v", all)
	}

	n, err := TerminateIdle(ctx, s.DB, 2500)
	if err != nil || n != 2 {
		t.Fatalf("TerminateIdle = %d, %v", n, err)
	}
	active, _ := ListSessions(ctx, s.DB, StatusActive, 10)
	if len(active) != 1 || active[0].ID != "new" {
		t.Fatalf("active = %v", active)
	}
	counts, err := CountByStatus(ctx, s.DB)
	if err != nil {
		t.Fatal(err)
	}
	if counts[StatusTerminated] != 2 || counts[StatusActive] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestSegmentsAndAnomalies(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	InsertSession(ctx, s.DB, newSession("s1", 1))

	err := s.Tx(ctx, func(q Querier) error {
		for i := uint64(1); i <= 3; i++ {
			if err := AppendSegment(ctx, q, &Segment{SessionID: "s1", SegmentID: i, Hash: "h", TrustScore: 90, ReceivedAt: int64(i)}); err != nil {
				return err
			}
		}
		return InsertAnomaly(ctx, q, &Anomaly{ID: "a1", SessionID: "s1", Kind: AnomalyPacketLoss, Description: "gap", SegmentCount: 2, CreatedAt: 5})
	})
	if err != nil {
		t.Fatalf("Tx: %v", err)
	}

	segs, _ := ListSegments(ctx, s.DB, "s1")
	if len(segs) != 3 || segs[2].SegmentID != 3 {
		t.Fatalf("segments = %v", segs)
	}
	if err := AppendSegment(ctx, s.DB, &Segment{SessionID: "s1", SegmentID: 2, Hash: "x"}); err == nil {
		t.Fatal("duplicate segment id accepted")
	}

	anoms, _ := ListAnomalies(ctx, s.DB, "s1")
	if len(anoms) != 1 || anoms[0].Kind != AnomalyPacketLoss {
		t.Fatalf("anomalies = %v", anoms)
	}
}

func TestTxRollback(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	boom := errors.New("boom")
	err := s.Tx(ctx, func(q Querier) error {
		InsertSession(ctx, q, newSession("s1", 1))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if _, err := GetSession(ctx, s.DB, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatal("insert survived rollback")
	}
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "verifier.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if err := InsertSession(context.Background(), s.DB, newSession("s1", 1)); err != nil {
		t.Fatal(err)
	}
}
