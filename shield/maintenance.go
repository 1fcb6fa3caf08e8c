package shield

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// MaintenanceMode refuses new requests and websocket upgrades with 503 while
// the maintenance flag is on. Sessions already attached are left alone. The
// flag lives in the maintenance table (see Schema) so the CLI can flip it on
// a running gateway; it is cached in memory.
//
// If the table does not exist or is empty, maintenance mode is off.
type MaintenanceMode struct {
	db      *sql.DB
	active  atomic.Bool
	message atomic.Value // string
	exclude []string     // path prefixes that bypass maintenance (e.g. /healthz)
}

// NewMaintenanceMode creates a maintenance mode checker. Paths matching any of
// excludePrefixes are never blocked.
func NewMaintenanceMode(db *sql.DB, excludePrefixes ...string) *MaintenanceMode {
	m := &MaintenanceMode{
		db:      db,
		exclude: excludePrefixes,
	}
	m.message.Store("Maintenance in progress, please retry shortly.")
	m.reload()
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

// Set writes the flag and reloads. An empty message keeps the stored one.
func (m *MaintenanceMode) Set(ctx context.Context, active bool, message string) error {
	if err := SetMaintenance(ctx, m.db, active, message); err != nil {
		return err
	}
	m.reload()
	return nil
}

// SetMaintenance writes the maintenance flag in db. Running gateways pick it
// up on their next reload.
func SetMaintenance(ctx context.Context, db *sql.DB, active bool, message string) error {
	flag := 0
	if active {
		flag = 1
	}
	_, err := db.ExecContext(ctx, `INSERT INTO maintenance (id, active, message)
		VALUES (1, ?, COALESCE(NULLIF(?, ''), 'Maintenance in progress, please retry shortly.'))
		ON CONFLICT(id) DO UPDATE SET
			active = excluded.active,
			message = CASE WHEN ? = '' THEN maintenance.message ELSE excluded.message END`,
		flag, message, message)
	return err
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
				m.reload()
			}
		}
	}()
}

func (m *MaintenanceMode) reload() {
	var active int
	var message string
	err := m.db.QueryRow(`SELECT active, message FROM maintenance WHERE id = 1`).Scan(&active, &message)
	if err != nil {
		if m.active.Load() {
			slog.Info("maintenance: flag cleared (table missing or empty)")
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
		slog.Warn("maintenance: mode ENABLED", "message", message)
	} else if active != 1 && was {
		slog.Info("maintenance: mode DISABLED")
	}
}

// Middleware answers 503 with a JSON body while maintenance is on.
// Excluded prefixes pass through.
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
