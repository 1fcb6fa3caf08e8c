// Package observability provides SQLite-native monitoring for the gateway:
// batched timeseries metrics, process heartbeats and a session event trail.
//
// Each component writes to a shared observability database, separate from the
// document database. Call Init() on the shared *sql.DB first, then pass it to
// the individual constructors.
//
// Persistence is async: a full buffer drops datapoints rather than applying
// backpressure to sessions.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Metric is a single timeseries datapoint.
type Metric struct {
	Name      string // e.g. "docsync_flush_duration_ms"
	Timestamp time.Time
	Value     float64
	Labels    map[string]string // optional, e.g. {"doc": canonicalID}
	Unit      string            // "milliseconds", "count", "bytes"
}

// MetricsManager buffers metrics and flushes them to SQLite in batches from a
// single background goroutine. Record never touches the database.
type MetricsManager struct {
	db            *sql.DB
	bufferSize    int
	flushInterval time.Duration

	mu      sync.Mutex
	buffer  []*Metric
	dropped atomic.Int64

	kick     chan struct{}
	flushReq chan chan struct{}
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewMetricsManager creates a manager that flushes metrics in batches.
// Recommended defaults: bufferSize=256, flushInterval=5s.
func NewMetricsManager(db *sql.DB, bufferSize int, flushInterval time.Duration) *MetricsManager {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	mm := &MetricsManager{
		db:            db,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		buffer:        make([]*Metric, 0, bufferSize),
		kick:          make(chan struct{}, 1),
		flushReq:      make(chan chan struct{}),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go mm.flushLoop()
	return mm
}

// Record queues a metric. When the buffer holds four batches the datapoint
// is dropped and counted.
func (mm *MetricsManager) Record(m *Metric) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	mm.mu.Lock()
	if len(mm.buffer) >= 4*mm.bufferSize {
		mm.mu.Unlock()
		mm.dropped.Add(1)
		return
	}
	mm.buffer = append(mm.buffer, m)
	full := len(mm.buffer) >= mm.bufferSize
	mm.mu.Unlock()

	if full {
		select {
		case mm.kick <- struct{}{}:
		default:
		}
	}
}

// RecordSimple is a convenience helper for metrics without labels.
func (mm *MetricsManager) RecordSimple(name string, value float64, unit string) {
	mm.Record(&Metric{Name: name, Timestamp: time.Now(), Value: value, Unit: unit})
}

// Dropped returns how many datapoints were discarded on overflow.
func (mm *MetricsManager) Dropped() int64 { return mm.dropped.Load() }

// Flush writes everything buffered so far and returns when it is persisted.
func (mm *MetricsManager) Flush() {
	ack := make(chan struct{})
	select {
	case mm.flushReq <- ack:
		<-ack
	case <-mm.done:
	}
}

// Query retrieves metrics filtered by name, time range and limit, newest first.
// Pass empty metricName for all metrics. Nil time pointers mean unbounded.
func (mm *MetricsManager) Query(ctx context.Context, metricName string, startTime, endTime *time.Time, limit int) ([]*Metric, error) {
	q := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries WHERE 1=1"
	args := make([]any, 0, 4)

	if metricName != "" {
		q += " AND metric_name = ?"
		args = append(args, metricName)
	}
	if startTime != nil {
		q += " AND timestamp >= ?"
		args = append(args, startTime.UnixMilli())
	}
	if endTime != nil {
		q += " AND timestamp <= ?"
		args = append(args, endTime.UnixMilli())
	}
	q += " ORDER BY timestamp DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := mm.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var name string
		var unit, labelsJSON sql.NullString
		var ts int64
		var value float64

		if err := rows.Scan(&name, &ts, &value, &labelsJSON, &unit); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		m := &Metric{Name: name, Timestamp: time.UnixMilli(ts), Value: value, Unit: unit.String}
		if labelsJSON.Valid {
			var labels map[string]string
			if json.Unmarshal([]byte(labelsJSON.String), &labels) == nil {
				m.Labels = labels
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Close flushes remaining metrics and stops the background goroutine.
func (mm *MetricsManager) Close() error {
	mm.once.Do(func() { close(mm.stop) })
	<-mm.done
	return nil
}

func (mm *MetricsManager) flushLoop() {
	defer close(mm.done)
	ticker := time.NewTicker(mm.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-mm.stop:
			mm.flush()
			return
		case ack := <-mm.flushReq:
			mm.flush()
			close(ack)
		case <-mm.kick:
			mm.flush()
		case <-ticker.C:
			mm.flush()
		}
	}
}

func (mm *MetricsManager) flush() {
	mm.mu.Lock()
	batch := mm.buffer
	mm.buffer = make([]*Metric, 0, mm.bufferSize)
	mm.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := mm.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("observability metrics: begin tx", "error", err)
		return
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		slog.Error("observability metrics: prepare", "error", err)
		return
	}
	defer stmt.Close()

	for _, m := range batch {
		var labelsJSON sql.NullString
		if len(m.Labels) > 0 {
			if b, err := json.Marshal(m.Labels); err == nil {
				labelsJSON = sql.NullString{String: string(b), Valid: true}
			}
		}
		if _, err := stmt.ExecContext(ctx, m.Name, m.Timestamp.UnixMilli(), m.Value, labelsJSON, m.Unit); err != nil {
			slog.Error("observability metrics: insert", "error", err, "metric", m.Name)
		}
	}

	if err := tx.Commit(); err != nil {
		slog.Error("observability metrics: commit", "error", err)
	}
}

// Gateway metric names. Registry metrics are declared in package registry.
const (
	MetricSessionsAttached = "docsync_sessions_attached"
	MetricSessionsDetached = "docsync_sessions_detached"
	MetricSessionsRefused  = "docsync_sessions_refused"
	MetricSessionDuration  = "docsync_session_duration_ms"
	MetricMessagesIn       = "docsync_messages_in"
)
