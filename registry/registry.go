// Package registry keeps the process-wide table of live documents: at most one
// LiveDocument per canonical id, loaded from the snapshot store on first
// acquire and flushed back when the last session releases it.
//
// Each canonical id owns a slot with a one-token semaphore. Acquire (with its
// load) and Release (with its flush and eviction) run inside that critical
// section, so a load can never overtake the flush that precedes it and two
// ids never wait on each other's store I/O. The registry mutex only guards
// the slot map and reference counts. A slot disappears from the map once
// nothing references it: no session, no waiting acquirer, no retry worker.
//
// Failed flushes are not lost. The state is queued in a vtq queue keyed by
// canonical id; RunRetries writes it later with exponential backoff, and the
// next load merges any pending state into the fresh document.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/docsync/observability"
	"github.com/hazyhaar/docsync/replica"
	"github.com/hazyhaar/docsync/snapshot"
	"github.com/hazyhaar/docsync/vtq"
)

var (
	ErrSnapshotLoadFailed  = errors.New("registry: snapshot load failed")
	ErrSnapshotWriteFailed = errors.New("registry: snapshot write failed")
	ErrNotAcquired         = errors.New("registry: document not acquired")
	ErrClosed              = errors.New("registry: closed")
)

// LoadFailurePolicy decides what Acquire does when the stored snapshot cannot
// be read.
type LoadFailurePolicy string

const (
	// PolicyRefuse fails the acquire with ErrSnapshotLoadFailed.
	PolicyRefuse LoadFailurePolicy = "refuse"
	// PolicyRecoverEmpty starts an empty document flagged RecoveredEmpty.
	// Its flushes are merged with the stored snapshot so they never clobber it.
	PolicyRecoverEmpty LoadFailurePolicy = "recover-empty"
)

// ParsePolicy validates a policy name. Empty selects PolicyRefuse.
func ParsePolicy(s string) (LoadFailurePolicy, error) {
	switch LoadFailurePolicy(s) {
	case "", PolicyRefuse:
		return PolicyRefuse, nil
	case PolicyRecoverEmpty:
		return PolicyRecoverEmpty, nil
	default:
		return "", fmt.Errorf("registry: unknown load failure policy %q", s)
	}
}

// Snapshots is the durable store the registry loads from and flushes to.
type Snapshots interface {
	Get(ctx context.Context, id string) (snapshot.Snapshot, error)
	Put(ctx context.Context, id string, payload []byte, updatedAt time.Time) error
}

// Recorder receives registry measurements. *observability.MetricsManager
// satisfies it.
type Recorder interface {
	Record(m *observability.Metric)
}

// Metric names.
const (
	MetricLoads           = "docsync_document_loads"
	MetricLoadDurationMs  = "docsync_load_duration_ms"
	MetricLoadFailures    = "docsync_load_failures"
	MetricFlushes         = "docsync_flushes"
	MetricFlushDurationMs = "docsync_flush_duration_ms"
	MetricFlushFailures   = "docsync_flush_failures"
	MetricFlushRetries    = "docsync_flush_retries"
	MetricLiveDocuments   = "docsync_live_documents"
)

// Options configures a Registry.
type Options struct {
	// Retry holds failed flushes. nil disables retries: a failed flush is
	// logged and the state is dropped with the evicted document.
	Retry *vtq.Q
	// RetryDelay is how long a queued flush waits before its first retry.
	// Default: 1s. Negative retries on the next poll.
	RetryDelay        time.Duration
	LoadFailurePolicy LoadFailurePolicy
	// FlushTimeout bounds each snapshot write. Default: 10s.
	FlushTimeout time.Duration
	Metrics      Recorder
	Logger       *slog.Logger
	Now          func() time.Time
}

func (o *Options) defaults() {
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	} else if o.RetryDelay == 0 {
		o.RetryDelay = time.Second
	}
	if o.LoadFailurePolicy == "" {
		o.LoadFailurePolicy = PolicyRefuse
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type slot struct {
	sem  chan struct{}
	refs int // guarded by Registry.mu
	doc  atomic.Pointer[LiveDocument]
}

func (s *slot) lock(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *slot) unlock() { <-s.sem }

// Registry maps canonical ids to live documents.
type Registry struct {
	snaps Snapshots
	opts  Options
	log   *slog.Logger

	mu     sync.Mutex
	slots  map[string]*slot
	closed bool
}

// New returns a Registry loading from and flushing to snaps.
func New(snaps Snapshots, opts Options) *Registry {
	opts.defaults()
	return &Registry{
		snaps: snaps,
		opts:  opts,
		log:   opts.Logger,
		slots: make(map[string]*slot),
	}
}

func (r *Registry) ref(id string) (*slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	s := r.slots[id]
	if s == nil {
		s = &slot{sem: make(chan struct{}, 1)}
		r.slots[id] = s
	}
	s.refs++
	return s, nil
}

func (r *Registry) unref(id string, s *slot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.refs--
	if s.refs == 0 && r.slots[id] == s {
		delete(r.slots, id)
	}
}

// Acquire returns the live document for id, loading it from the snapshot
// store when no session holds it, and counts one more session on it. Every
// successful Acquire must be paired with exactly one Release.
//
// When ctx ends before the document is acquired, or the load fails, no
// session is counted and nothing is left in the registry.
func (r *Registry) Acquire(ctx context.Context, id string) (*LiveDocument, error) {
	s, err := r.ref(id)
	if err != nil {
		return nil, err
	}
	if err := s.lock(ctx); err != nil {
		r.unref(id, s)
		return nil, fmt.Errorf("registry: acquire %s: %w", id, err)
	}
	defer s.unlock()

	ld := s.doc.Load()
	if ld == nil {
		ld, err = r.load(ctx, id)
		if err != nil {
			r.unref(id, s)
			return nil, err
		}
		s.doc.Store(ld)
		r.recordLive()
	}
	ld.sessions.Add(1)
	return ld, nil
}

// Release detaches one session from id. When it was the last one, the full
// state is flushed to the snapshot store and the document is evicted before
// any later Acquire of id can proceed. A failed flush is queued for retry and
// not reported: durability failures never reach sessions.
func (r *Registry) Release(ctx context.Context, id string) error {
	r.mu.Lock()
	s := r.slots[id]
	r.mu.Unlock()
	if s == nil {
		return ErrNotAcquired
	}

	// Release compensates a completed Acquire and must not be abandoned.
	s.sem <- struct{}{}
	ld := s.doc.Load()
	if ld == nil || ld.sessions.Load() <= 0 {
		s.unlock()
		return ErrNotAcquired
	}
	if ld.sessions.Add(-1) == 0 {
		if err := r.flush(ctx, ld); err != nil {
			r.log.Error("registry: final flush failed", "doc", id, "error", err)
		}
		s.doc.Store(nil)
		r.log.Debug("registry: evicted", "doc", id)
	}
	s.unlock()

	r.unref(id, s)
	r.recordLive()
	return nil
}

func (r *Registry) load(ctx context.Context, id string) (*LiveDocument, error) {
	start := time.Now()
	ld := newLiveDocument(id, r.opts.Now())

	snap, err := r.snaps.Get(ctx, id)
	switch {
	case err == nil:
		if aerr := ld.doc.ApplyUpdate(snap.Payload, nil); aerr != nil {
			err = aerr
		}
	case errors.Is(err, snapshot.ErrNotFound):
		err = nil
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("registry: acquire %s: %w", id, ctx.Err())
		}
		r.record(MetricLoadFailures, 1, "count", id)
		if r.opts.LoadFailurePolicy != PolicyRecoverEmpty {
			r.log.Error("registry: snapshot load failed, refusing", "doc", id, "error", err)
			return nil, fmt.Errorf("%w: %s: %w", ErrSnapshotLoadFailed, id, err)
		}
		r.log.Warn("registry: snapshot load failed, starting empty", "doc", id, "error", err)
		ld = newLiveDocument(id, ld.loadedAt)
		ld.recoveredEmpty = true
	}
	ld.flushed.Store(int64(ld.doc.Len()))

	if r.opts.Retry != nil {
		job, err := r.opts.Retry.Get(ctx, id)
		switch {
		case err != nil:
			r.log.Warn("registry: pending flush lookup failed", "doc", id, "error", err)
		case job != nil:
			if err := ld.doc.ApplyUpdate(job.Payload, nil); err != nil {
				r.log.Warn("registry: pending flush payload unreadable", "doc", id, "error", err)
			} else {
				r.log.Info("registry: merged pending flush", "doc", id, "attempts", job.Attempts)
			}
			ld.pending = true
		}
	}

	r.record(MetricLoads, 1, "count", id)
	r.record(MetricLoadDurationMs, float64(time.Since(start).Milliseconds()), "milliseconds", id)
	r.log.Info("registry: loaded", "doc", id, "updates", ld.doc.Len(), "recovered_empty", ld.recoveredEmpty)
	return ld, nil
}

// flush writes the full state of ld. The caller holds the slot lock.
func (r *Registry) flush(ctx context.Context, ld *LiveDocument) error {
	if !ld.dirty() && !ld.pending {
		return nil
	}

	n := int64(ld.doc.Len())
	payload := ld.doc.EncodeState()
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.FlushTimeout)
	defer cancel()

	start := time.Now()
	var err error
	if ld.recoveredEmpty {
		payload, err = r.mergeStored(fctx, ld.id, payload)
	}
	if err == nil {
		err = r.snaps.Put(fctx, ld.id, payload, r.opts.Now())
	}
	r.record(MetricFlushDurationMs, float64(time.Since(start).Milliseconds()), "milliseconds", ld.id)

	if err != nil {
		r.record(MetricFlushFailures, 1, "count", ld.id)
		r.enqueue(fctx, ld, payload)
		return fmt.Errorf("%w: %s: %w", ErrSnapshotWriteFailed, ld.id, err)
	}

	r.record(MetricFlushes, 1, "count", ld.id)
	ld.flushed.Store(n)
	if ld.pending {
		if err := r.opts.Retry.Ack(fctx, ld.id); err != nil {
			r.log.Warn("registry: clearing pending flush failed", "doc", ld.id, "error", err)
		} else {
			ld.pending = false
		}
	}
	return nil
}

func (r *Registry) enqueue(ctx context.Context, ld *LiveDocument, payload []byte) {
	if r.opts.Retry == nil {
		r.log.Error("registry: flush failed and no retry queue, state not persisted", "doc", ld.id)
		return
	}
	if err := r.opts.Retry.Schedule(ctx, ld.id, payload, r.opts.RetryDelay); err != nil {
		r.log.Error("registry: flush failed and could not be queued, state not persisted",
			"doc", ld.id, "error", err)
		return
	}
	ld.pending = true
	r.log.Warn("registry: flush queued for retry", "doc", ld.id, "bytes", len(payload))
}

// mergeStored returns payload merged with the stored snapshot of id.
func (r *Registry) mergeStored(ctx context.Context, id string, payload []byte) ([]byte, error) {
	snap, err := r.snaps.Get(ctx, id)
	if errors.Is(err, snapshot.ErrNotFound) {
		return payload, nil
	}
	if err != nil {
		return nil, err
	}
	doc := replica.New()
	if err := doc.ApplyUpdate(snap.Payload, nil); err != nil {
		return nil, err
	}
	if err := doc.ApplyUpdate(payload, nil); err != nil {
		return nil, err
	}
	return doc.EncodeState(), nil
}

// Checkpoint flushes every live document with unsaved changes without
// evicting it. It returns the joined flush errors.
func (r *Registry) Checkpoint(ctx context.Context) error {
	var errs []error
	for id, s := range r.refAll() {
		if err := s.lock(ctx); err != nil {
			r.unref(id, s)
			errs = append(errs, err)
			continue
		}
		if ld := s.doc.Load(); ld != nil {
			if err := r.flush(ctx, ld); err != nil {
				errs = append(errs, err)
			}
		}
		s.unlock()
		r.unref(id, s)
	}
	return errors.Join(errs...)
}

// RunCheckpoints calls Checkpoint every interval until ctx ends.
func (r *Registry) RunCheckpoints(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Checkpoint(ctx); err != nil {
				r.log.Warn("registry: checkpoint incomplete", "error", err)
			}
		}
	}
}

func (r *Registry) refAll() map[string]*slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*slot, len(r.slots))
	for id, s := range r.slots {
		s.refs++
		out[id] = s
	}
	return out
}

// Close refuses further acquires and flushes every live document. Sessions
// still attached may Release afterwards; their flush runs as usual.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.Checkpoint(ctx)
}

// Live lists the documents currently held in memory, sorted by id.
func (r *Registry) Live() []Status {
	r.mu.Lock()
	docs := make([]*LiveDocument, 0, len(r.slots))
	for _, s := range r.slots {
		if ld := s.doc.Load(); ld != nil {
			docs = append(docs, ld)
		}
	}
	r.mu.Unlock()

	out := make([]Status, 0, len(docs))
	for _, ld := range docs {
		out = append(out, ld.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sessions returns the session count for id, 0 when it is not live.
func (r *Registry) Sessions(id string) int {
	r.mu.Lock()
	s := r.slots[id]
	r.mu.Unlock()
	if s == nil {
		return 0
	}
	if ld := s.doc.Load(); ld != nil {
		return ld.Sessions()
	}
	return 0
}

// Len returns the number of tracked slots, live or in transition.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

func (r *Registry) recordLive() {
	r.record(MetricLiveDocuments, float64(len(r.Live())), "count", "")
}

func (r *Registry) record(name string, value float64, unit, doc string) {
	if r.opts.Metrics == nil {
		return
	}
	m := &observability.Metric{Name: name, Timestamp: r.opts.Now(), Value: value, Unit: unit}
	if doc != "" {
		m.Labels = map[string]string{"doc": doc}
	}
	r.opts.Metrics.Record(m)
}
