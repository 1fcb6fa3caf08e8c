// Package vtq implements a Visibility Timeout Queue backed by SQLite.
//
// Rows in the queue are invisible to consumers for a configurable duration
// after being claimed. If the holder processes the row successfully it is
// deleted. If the holder crashes or exceeds the timeout the row reappears
// automatically and is claimed again.
//
// docsync keeps at most one row per document: Schedule replaces the payload
// of an existing row, so the queue always holds the newest state awaiting a
// durable write. Each replacement bumps the row's revision; a consumer only
// acks or reschedules the revision it claimed, so a replacement made while a
// job is being handled is never lost.
//
// Expected schema (created automatically by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS vtq_jobs (
//	    id          TEXT PRIMARY KEY,
//	    queue       TEXT NOT NULL DEFAULT '',
//	    payload     BLOB,
//	    visible_at  INTEGER NOT NULL DEFAULT 0,  -- milliseconds since epoch
//	    created_at  INTEGER NOT NULL,             -- milliseconds since epoch
//	    attempts    INTEGER NOT NULL DEFAULT 0,
//	    rev         INTEGER NOT NULL DEFAULT 0
//	);
//	CREATE INDEX IF NOT EXISTS idx_vtq_visible ON vtq_jobs (queue, visible_at);
package vtq

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"
)

// Job is a row in the queue.
type Job struct {
	ID        string
	Queue     string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
	Rev       int64
}

// Options configures queue behaviour.
type Options struct {
	// Queue is the logical queue name. Multiple queues can coexist in the
	// same table. Default: "".
	Queue string
	// Visibility is how long a claimed job stays invisible. Default: 30s.
	Visibility time.Duration
	// PollInterval is the delay between claim attempts in the Run loop.
	// Default: 1s.
	PollInterval time.Duration
	// MaxAttempts limits how many times a job can be delivered before being
	// discarded. 0 means unlimited.
	MaxAttempts int
	// Backoff returns how long a failed job stays hidden after its nth
	// attempt. nil makes failed jobs visible again immediately.
	Backoff func(attempts int) time.Duration
	// OnDiscard is called for each job dropped after MaxAttempts.
	OnDiscard func(job *Job)
	Logger    *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// ExponentialBackoff returns a Backoff doubling base per attempt, capped at ceiling.
func ExponentialBackoff(base, ceiling time.Duration) func(int) time.Duration {
	return func(attempts int) time.Duration {
		if attempts < 1 {
			attempts = 1
		}
		d := base
		for i := 1; i < attempts && d < ceiling; i++ {
			d *= 2
		}
		if d > ceiling {
			d = ceiling
		}
		return d
	}
}

// Q is the queue handle.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// EnsureTable creates the vtq_jobs table and index if they don't exist.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS vtq_jobs (
			id          TEXT PRIMARY KEY,
			queue       TEXT NOT NULL DEFAULT '',
			payload     BLOB,
			visible_at  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0,
			rev         INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_vtq_visible ON vtq_jobs (queue, visible_at);
	`)
	return err
}

// Schedule inserts a job visible after delay, or replaces the payload of the
// existing job with the same id. A replacement resets attempts, bumps the
// revision and moves visibility to now+delay.
func (q *Q) Schedule(ctx context.Context, id string, payload []byte, delay time.Duration) error {
	now := time.Now()
	visibleAt := now.Add(delay).UnixMilli()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO vtq_jobs (id, queue, payload, visible_at, created_at) VALUES (?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			payload    = excluded.payload,
			visible_at = excluded.visible_at,
			attempts   = 0,
			rev        = vtq_jobs.rev + 1`,
		id, q.opts.Queue, payload, visibleAt, now.UnixMilli(),
	)
	return err
}

// Get returns the job with id regardless of visibility, or nil, nil.
func (q *Q) Get(ctx context.Context, id string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, queue, payload, visible_at, created_at, attempts, rev
		FROM vtq_jobs WHERE id = ? AND queue = ?`, id, q.opts.Queue)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// Claim atomically picks the oldest visible job, marks it invisible for the
// configured visibility duration, and returns it. Returns nil, nil if no job
// is available.
func (q *Q) Claim(ctx context.Context) (*Job, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE vtq_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM vtq_jobs
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT 1
		)
		RETURNING id, queue, payload, visible_at, created_at, attempts, rev`,
		hideUntil, q.opts.Queue, now.UnixMilli(),
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func scanJob(row *sql.Row) (*Job, error) {
	var j Job
	var visAt, creAt int64
	if err := row.Scan(&j.ID, &j.Queue, &j.Payload, &visAt, &creAt, &j.Attempts, &j.Rev); err != nil {
		return nil, err
	}
	j.VisibleAt = time.UnixMilli(visAt)
	j.CreatedAt = time.UnixMilli(creAt)
	return &j, nil
}

// Ack deletes a job whatever its revision.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM vtq_jobs WHERE id = ? AND queue = ?`, id, q.opts.Queue,
	)
	return err
}

// Done deletes job only if it has not been replaced since it was claimed.
// It reports whether the row was deleted.
func (q *Q) Done(ctx context.Context, job *Job) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM vtq_jobs WHERE id = ? AND queue = ? AND rev = ?`, job.ID, q.opts.Queue, job.Rev,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Nack makes the job with id visible at once, cutting short a backoff or a
// claim. It reports whether the job exists.
func (q *Q) Nack(ctx context.Context, id string) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE vtq_jobs SET visible_at = 0 WHERE id = ? AND queue = ?`, id, q.opts.Queue,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Len returns the total number of jobs (visible + invisible) in the queue.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vtq_jobs WHERE queue = ?`, q.opts.Queue,
	).Scan(&n)
	return n, err
}

// Handler processes a claimed job. Return nil to ack, non-nil to retry.
type Handler func(ctx context.Context, job *Job) error

// Run polls for visible jobs and calls handler for each one. It blocks until
// ctx is cancelled.
func (q *Q) Run(ctx context.Context, handler Handler) {
	log := q.opts.Logger
	log.Info("vtq: consumer started", "queue", q.opts.Queue, "visibility", q.opts.Visibility, "poll", q.opts.PollInterval)

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("vtq: consumer stopped", "queue", q.opts.Queue)
			return
		case <-ticker.C:
			q.Drain(ctx, handler)
		}
	}
}

// Drain handles every currently visible job once and returns.
func (q *Q) Drain(ctx context.Context, handler Handler) {
	log := q.opts.Logger
	for ctx.Err() == nil {
		job, err := q.Claim(ctx)
		if err != nil {
			log.Warn("vtq: claim failed", "error", err, "queue", q.opts.Queue)
			return
		}
		if job == nil {
			return
		}

		if q.opts.MaxAttempts > 0 && job.Attempts > q.opts.MaxAttempts {
			log.Warn("vtq: job exceeded max attempts, discarding",
				"id", job.ID, "attempts", job.Attempts, "queue", q.opts.Queue)
			if ok, _ := q.Done(ctx, job); ok && q.opts.OnDiscard != nil {
				q.opts.OnDiscard(job)
			}
			continue
		}

		if err := handler(ctx, job); err != nil {
			log.Warn("vtq: handler failed", "id", job.ID, "attempts", job.Attempts, "error", err, "queue", q.opts.Queue)
			q.retry(ctx, job)
			continue
		}
		if _, err := q.Done(ctx, job); err != nil {
			log.Warn("vtq: ack failed", "id", job.ID, "error", err, "queue", q.opts.Queue)
		}
	}
}

func (q *Q) retry(ctx context.Context, job *Job) {
	visibleAt := int64(0)
	if q.opts.Backoff != nil {
		visibleAt = time.Now().Add(q.opts.Backoff(job.Attempts)).UnixMilli()
	}
	_, err := q.db.ExecContext(ctx,
		`UPDATE vtq_jobs SET visible_at = ? WHERE id = ? AND queue = ? AND rev = ?`,
		visibleAt, job.ID, q.opts.Queue, job.Rev,
	)
	if err != nil {
		q.opts.Logger.Warn("vtq: reschedule failed", "id", job.ID, "error", err, "queue", q.opts.Queue)
	}
}
