package observability

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RetentionConfig specifies per-table retention in days. Zero means no cleanup.
type RetentionConfig struct {
	MetricsDays       int
	HeartbeatsDays    int
	SessionEventsDays int
	RunVacuumAfter    bool
}

// DefaultRetention keeps a week of metrics and heartbeats and a month of
// session events.
func DefaultRetention() RetentionConfig {
	return RetentionConfig{MetricsDays: 7, HeartbeatsDays: 7, SessionEventsDays: 30}
}

// Cleanup deletes records exceeding the retention thresholds and returns the
// number of rows removed.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) (int64, error) {
	now := time.Now()

	// Table and column names come from this list only.
	targets := []struct {
		table  string
		column string
		cutoff int64
		days   int
	}{
		{"metrics_timeseries", "timestamp", now.AddDate(0, 0, -cfg.MetricsDays).UnixMilli(), cfg.MetricsDays},
		{"worker_heartbeats", "timestamp", now.AddDate(0, 0, -cfg.HeartbeatsDays).Unix(), cfg.HeartbeatsDays},
		{"session_events", "timestamp", now.AddDate(0, 0, -cfg.SessionEventsDays).UnixMilli(), cfg.SessionEventsDays},
	}

	var total int64
	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		q := fmt.Sprintf("DELETE FROM %s WHERE %s < ?", t.table, t.column)
		res, err := db.ExecContext(ctx, q, t.cutoff)
		if err != nil {
			return total, fmt.Errorf("cleanup %s: %w", t.table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if cfg.RunVacuumAfter {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			return total, fmt.Errorf("vacuum: %w", err)
		}
	}
	return total, nil
}
