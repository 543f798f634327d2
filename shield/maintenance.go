package shield

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

const defaultMaintenanceMessage = "Verification service under maintenance."

// MaintenanceMode answers 503 while the maintenance flag is set. The flag is
// stored in the single-row maintenance table (see Schema) and cached in
// memory. If the table does not exist or is empty, maintenance mode is off.
//
// Monitors treat the 503 as a transport failure: ticks continue, segments
// are retried under the same ID once the service is back.
type MaintenanceMode struct {
	db      *sql.DB
	logger  *slog.Logger
	active  atomic.Bool
	message atomic.Value // string
	exclude []string     // path prefixes that bypass maintenance (e.g. /health)
}

// NewMaintenanceMode creates a maintenance mode checker. Paths matching any of
// excludePrefixes are never blocked.
func NewMaintenanceMode(db *sql.DB, logger *slog.Logger, excludePrefixes ...string) *MaintenanceMode {
	if logger == nil {
		logger = slog.Default()
	}
	m := &MaintenanceMode{
		db:      db,
		logger:  logger,
		exclude: excludePrefixes,
	}
	m.message.Store(defaultMaintenanceMessage)
	m.Reload()
	return m
}

// Active reports whether maintenance mode is currently on.
func (m *MaintenanceMode) Active() bool {
	return m.active.Load()
}

// Message returns the current maintenance message.
func (m *MaintenanceMode) Message() string {
	s, _ := m.message.Load().(string)
	return s
}

// StartReloader starts a background goroutine that reloads the maintenance
// flag every 5 seconds. Stops when done is closed.
func (m *MaintenanceMode) StartReloader(done <-chan struct{}) {
	tick := time.NewTicker(5 * time.Second)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				m.Reload()
			}
		}
	}()
}

// Reload re-reads the flag.
func (m *MaintenanceMode) Reload() {
	var active int
	var message string
	err := m.db.QueryRow(`SELECT active, message FROM maintenance WHERE id = 1`).Scan(&active, &message)
	if err != nil {
		if m.active.Load() {
			m.logger.Info("maintenance: flag cleared (table missing or empty)")
		}
		m.active.Store(false)
		return
	}

	was := m.active.Load()
	m.active.Store(active == 1)
	if message != "" {
		m.message.Store(message)
	}

	if active == 1 && !was {
		m.logger.Warn("maintenance: mode ENABLED", "message", message)
	} else if active != 1 && was {
		m.logger.Info("maintenance: mode DISABLED")
	}
}

// Middleware blocks requests with a 503 JSON body when maintenance mode is
// active. Excluded prefixes pass through.
func (m *MaintenanceMode) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.active.Load() {
			next.ServeHTTP(w, r)
			return
		}
		for _, prefix := range m.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "300")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{
			"error":   "maintenance",
			"message": m.Message(),
		})
	})
}
