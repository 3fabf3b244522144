package orders

import "context"

// RetryJob is one unit of deferred persistence work: a fill or close whose
// in-memory state was already committed but whose database write failed.
// Do must be idempotent — the retry queue worker may invoke it more than
// once across a crash/restart boundary.
type RetryJob struct {
	Kind string // "fill" or "close", for logging only
	Do   func(ctx context.Context) error
}

// RetryQueue accepts jobs that could not be persisted immediately. See
// internal/engine/workers for the backoff-ladder implementation.
type RetryQueue interface {
	Enqueue(job RetryJob)
}
