package registry

import (
	"context"
	"errors"

	"github.com/hazyhaar/docsync/vtq"
)

var errNoRetryQueue = errors.New("registry: no retry queue configured")

// RunRetries consumes the retry queue until ctx ends. Backoff and the attempt
// limit are configured on the vtq.Q passed in Options.
func (r *Registry) RunRetries(ctx context.Context) error {
	if r.opts.Retry == nil {
		return errNoRetryQueue
	}
	r.opts.Retry.Run(ctx, r.retryFlush)
	return nil
}

// DrainRetries handles every queued flush that is due, once.
func (r *Registry) DrainRetries(ctx context.Context) error {
	if r.opts.Retry == nil {
		return errNoRetryQueue
	}
	r.opts.Retry.Drain(ctx, r.retryFlush)
	return nil
}

// RetryNow makes the queued flush of id due at once, then handles every due
// flush. It reports whether a flush was queued for id.
func (r *Registry) RetryNow(ctx context.Context, id string) (bool, error) {
	if r.opts.Retry == nil {
		return false, errNoRetryQueue
	}
	queued, err := r.opts.Retry.Nack(ctx, id)
	if err != nil || !queued {
		return queued, err
	}
	r.log.Info("registry: queued flush forced", "doc", id)
	r.opts.Retry.Drain(ctx, r.retryFlush)
	return true, nil
}

// PendingFlushes returns the number of flushes waiting in the retry queue.
func (r *Registry) PendingFlushes(ctx context.Context) (int, error) {
	if r.opts.Retry == nil {
		return 0, nil
	}
	return r.opts.Retry.Len(ctx)
}

// retryFlush writes a queued state merged with whatever is stored. A document
// that is live again already holds the queued state and will be flushed on
// its own, so its job is dropped.
func (r *Registry) retryFlush(ctx context.Context, job *vtq.Job) error {
	id := job.ID
	s, err := r.ref(id)
	if err != nil {
		return err
	}
	defer r.unref(id, s)
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()

	if s.doc.Load() != nil {
		r.log.Debug("registry: document live again, dropping queued flush", "doc", id)
		return nil
	}

	r.record(MetricFlushRetries, 1, "count", id)
	fctx, cancel := context.WithTimeout(ctx, r.opts.FlushTimeout)
	defer cancel()

	payload, err := r.mergeStored(fctx, id, job.Payload)
	if err != nil {
		return err
	}
	if err := r.snaps.Put(fctx, id, payload, r.opts.Now()); err != nil {
		r.record(MetricFlushFailures, 1, "count", id)
		return err
	}
	r.record(MetricFlushes, 1, "count", id)
	r.log.Info("registry: queued flush written", "doc", id, "attempts", job.Attempts)
	return nil
}

// GiveUp logs a queued flush dropped after its last attempt. Wire it as the
// retry queue's OnDiscard.
func (r *Registry) GiveUp(job *vtq.Job) {
	r.log.Error("registry: queued flush abandoned, state not persisted",
		"doc", job.ID, "attempts", job.Attempts, "bytes", len(job.Payload))
}
