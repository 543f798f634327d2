package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/ppah/idgen"
)

// Audit operations recorded by the monitor.
const (
	OpSessionStart     = "session_start"
	OpSessionStop      = "session_stop"
	OpStateChange      = "state_change"
	OpChallengeStart   = "challenge_start"
	OpChallengeResolve = "challenge_resolve"
	OpFreeze           = "freeze"
)

// AuditEntry is one audit trail row.
type AuditEntry struct {
	EntryID      string
	Timestamp    time.Time
	Component    string
	Operation    string
	SessionID    string
	Parameters   string // JSON
	Status       string // "success" or "error"
	ErrorMessage string
	DurationMs   int64
}

// AuditLogger persists audit entries, synchronously or through a buffered
// channel.
type AuditLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
	ch     chan *AuditEntry
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// AuditOption configures an AuditLogger.
type AuditOption func(*AuditLogger)

// WithAuditIDGenerator overrides entry ID generation.
func WithAuditIDGenerator(gen idgen.Generator) AuditOption {
	return func(a *AuditLogger) { a.newID = gen }
}

// WithAuditLogger sets the slog logger used for write failures.
func WithAuditLogger(l *slog.Logger) AuditOption {
	return func(a *AuditLogger) { a.logger = l }
}

// NewAuditLogger starts the async writer.
func NewAuditLogger(db *sql.DB, bufferSize int, opts ...AuditOption) *AuditLogger {
	a := &AuditLogger{
		db:     db,
		newID:  idgen.Prefixed("aud_", idgen.Default),
		logger: slog.Default(),
		ch:     make(chan *AuditEntry, bufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	go a.loop()
	return a
}

// Entry builds an entry; params is marshalled to JSON and err sets the
// status.
func (a *AuditLogger) Entry(component, operation, sessionID string, params any, err error) *AuditEntry {
	e := &AuditEntry{
		EntryID:   a.newID(),
		Timestamp: time.Now(),
		Component: component,
		Operation: operation,
		SessionID: sessionID,
		Status:    "success",
	}
	if params != nil {
		if b, merr := json.Marshal(params); merr == nil {
			e.Parameters = string(b)
		}
	}
	if err != nil {
		e.Status = "error"
		e.ErrorMessage = err.Error()
	}
	return e
}

// Log writes e now.
func (a *AuditLogger) Log(ctx context.Context, e *AuditEntry) error {
	a.fill(e)
	return a.insert(ctx, e)
}

// LogAsync queues e, falling back to a synchronous write when the buffer is
// full.
func (a *AuditLogger) LogAsync(e *AuditEntry) {
	a.fill(e)
	select {
	case a.ch <- e:
	default:
		if err := a.insert(context.Background(), e); err != nil {
			a.logger.Error("observability audit: sync fallback failed", "error", err)
		}
	}
}

// Session returns the entries of sessionID in chronological order.
func (a *AuditLogger) Session(ctx context.Context, sessionID string) ([]*AuditEntry, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT entry_id, timestamp, component, operation, COALESCE(session_id, ''),
		        parameters, status, COALESCE(error_message, ''), COALESCE(duration_ms, 0)
		 FROM audit_log WHERE session_id = ? ORDER BY timestamp, rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("observability: query audit: %w", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts int64
		if err := rows.Scan(&e.EntryID, &ts, &e.Component, &e.Operation, &e.SessionID,
			&e.Parameters, &e.Status, &e.ErrorMessage, &e.DurationMs); err != nil {
			return nil, fmt.Errorf("observability: scan audit: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Close drains the queue and stops the writer. It is idempotent.
func (a *AuditLogger) Close() error {
	a.once.Do(func() {
		close(a.stop)
		<-a.done
	})
	return nil
}

func (a *AuditLogger) fill(e *AuditEntry) {
	if e.EntryID == "" {
		e.EntryID = a.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Parameters == "" {
		e.Parameters = "{}"
	}
	if e.Status == "" {
		e.Status = "success"
		if e.ErrorMessage != "" {
			e.Status = "error"
		}
	}
}

func (a *AuditLogger) insert(ctx context.Context, e *AuditEntry) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO audit_log (entry_id, timestamp, component, operation, session_id,
		                        parameters, status, error_message, duration_ms)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		e.EntryID, e.Timestamp.UnixMilli(), e.Component, e.Operation, e.SessionID,
		e.Parameters, e.Status, e.ErrorMessage, e.DurationMs)
	if err != nil {
		return fmt.Errorf("observability: insert audit: %w", err)
	}
	return nil
}

func (a *AuditLogger) loop() {
	defer close(a.done)
	for {
		select {
		case e := <-a.ch:
			if err := a.insert(context.Background(), e); err != nil {
				a.logger.Error("observability audit: insert", "error", err, "entry_id", e.EntryID)
			}
		case <-a.stop:
			for {
				select {
				case e := <-a.ch:
					if err := a.insert(context.Background(), e); err != nil {
						a.logger.Error("observability audit: insert", "error", err, "entry_id", e.EntryID)
					}
				default:
					return
				}
			}
		}
	}
}
