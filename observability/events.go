package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/docsync/idgen"
)

// Session event kinds.
const (
	EventAttach  = "attach"
	EventDetach  = "detach"
	EventRefused = "refused"
)

// SessionEvent is one row of the session trail.
type SessionEvent struct {
	EventID      string
	Timestamp    time.Time
	Event        string
	DocumentID   string // empty when refused before resolution
	DocumentName string
	SessionID    string
	UserID       string
	RemoteAddr   string
	Reason       string
	DurationMs   int64 // detach only
}

// EventLog persists session events asynchronously.
type EventLog struct {
	db    *sql.DB
	newID idgen.Generator
	ch    chan *SessionEvent
	stop  chan struct{}
	done  chan struct{}
}

// EventLogOption configures an EventLog.
type EventLogOption func(*EventLog)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLogOption {
	return func(l *EventLog) { l.newID = gen }
}

// NewEventLog creates an async session event log. Recommended bufferSize: 1000.
func NewEventLog(db *sql.DB, bufferSize int, opts ...EventLogOption) *EventLog {
	l := &EventLog{
		db:    db,
		newID: idgen.Prefixed("sev_", idgen.Default),
		ch:    make(chan *SessionEvent, bufferSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.loop()
	return l
}

// Log queues an event. A full buffer drops the event with a warning.
func (l *EventLog) Log(ev *SessionEvent) {
	if ev.EventID == "" {
		ev.EventID = l.newID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case l.ch <- ev:
	default:
		slog.Warn("observability events: buffer full, dropping", "event", ev.Event, "session", ev.SessionID)
	}
}

// Query returns events for documentID (all documents when empty), newest first.
func (l *EventLog) Query(ctx context.Context, documentID string, limit int) ([]*SessionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT event_id, timestamp, event, COALESCE(document_id, ''), document_name, session_id,
		COALESCE(user_id, ''), COALESCE(remote_addr, ''), COALESCE(reason, ''), COALESCE(duration_ms, 0)
		FROM session_events`
	args := []any{}
	if documentID != "" {
		q += " WHERE document_id = ?"
		args = append(args, documentID)
	}
	q += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	defer rows.Close()

	var out []*SessionEvent
	for rows.Next() {
		var ev SessionEvent
		var ts int64
		if err := rows.Scan(&ev.EventID, &ts, &ev.Event, &ev.DocumentID, &ev.DocumentName, &ev.SessionID,
			&ev.UserID, &ev.RemoteAddr, &ev.Reason, &ev.DurationMs); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		ev.Timestamp = time.UnixMilli(ts)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// Close drains queued events and stops the writer.
func (l *EventLog) Close() error {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
	<-l.done
	return nil
}

func (l *EventLog) loop() {
	defer close(l.done)
	for {
		select {
		case ev := <-l.ch:
			l.insert(ev)
		case <-l.stop:
			for {
				select {
				case ev := <-l.ch:
					l.insert(ev)
				default:
					return
				}
			}
		}
	}
}

func (l *EventLog) insert(ev *SessionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO session_events (
			event_id, timestamp, event, document_id, document_name, session_id,
			user_id, remote_addr, reason, duration_ms
		) VALUES (?,?,?,NULLIF(?, ''),?,?,NULLIF(?, ''),NULLIF(?, ''),NULLIF(?, ''),?)`,
		ev.EventID, ev.Timestamp.UnixMilli(), ev.Event, ev.DocumentID, ev.DocumentName, ev.SessionID,
		ev.UserID, ev.RemoteAddr, ev.Reason, ev.DurationMs)
	if err != nil {
		slog.Error("observability events: insert failed", "error", err, "event", ev.Event)
	}
}
