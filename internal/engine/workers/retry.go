package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/alejandrodnm/perpengine/internal/engine/orders"
)

// backoffLadder is the exact retry schedule: 200ms, 1s, 5s, 30s, then 2m
// capped for every attempt after.
var backoffLadder = []time.Duration{
	200 * time.Millisecond,
	time.Second,
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
}

// Retry drains a bounded channel of idempotent persistence jobs, retrying
// each with the backoff ladder until it succeeds or the worker is
// cancelled. It implements orders.RetryQueue.
type Retry struct {
	jobs chan orders.RetryJob
	log  *slog.Logger
}

// NewRetry constructs a persistence retry queue with the given channel
// capacity.
func NewRetry(log *slog.Logger, capacity int) *Retry {
	return &Retry{
		jobs: make(chan orders.RetryJob, capacity),
		log:  log,
	}
}

// Enqueue queues a job for retry. If the queue is full the job is dropped
// and logged — a full queue means persistence is down hard enough that
// in-memory state will age regardless.
func (r *Retry) Enqueue(job orders.RetryJob) {
	select {
	case r.jobs <- job:
	default:
		r.log.Error("retry queue full, dropping job", "kind", job.Kind)
	}
}

// Run drains jobs until ctx is cancelled.
func (r *Retry) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-r.jobs:
			r.drain(ctx, job)
		}
	}
}

func (r *Retry) drain(ctx context.Context, job orders.RetryJob) {
	for attempt := 0; ; attempt++ {
		if err := job.Do(ctx); err == nil {
			return
		} else {
			r.log.Warn("retry job failed", "kind", job.Kind, "attempt", attempt, "error", err)
		}

		wait := backoffLadder[len(backoffLadder)-1]
		if attempt < len(backoffLadder) {
			wait = backoffLadder[attempt]
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
