package queue

import (
	"context"
	"time"
)

// EventKind names a lifecycle transition observed by the worker pool.
type EventKind string

const (
	// EventLeased fires when a slot obtains a lease, before the handler runs.
	EventLeased EventKind = "leased"
	// EventCompleted fires after the job was acknowledged.
	EventCompleted EventKind = "completed"
	// EventFailed fires when a failed attempt is scheduled for retry.
	EventFailed EventKind = "failed"
	// EventExhausted fires when a job lands in the failed state for good.
	EventExhausted EventKind = "exhausted"
	// EventStalledReclaimed fires for each job taken back from an expired lease.
	EventStalledReclaimed EventKind = "stalled-reclaimed"
)

// Event describes one lifecycle transition. Job is a snapshot taken after the
// transition. Mutating it has no effect.
type Event struct {
	Kind EventKind
	Job  PersistedJob
	// Err is the handler error for EventFailed and EventExhausted.
	Err error
	// Delay is the retry delay for EventFailed.
	Delay time.Duration
	At    time.Time
}

// Observer receives lifecycle events. Observe is called synchronously on the
// worker slot, so implementations should return quickly. Observers have no
// say in job state.
type Observer interface {
	Observe(ctx context.Context, event Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, event Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(ctx context.Context, event Event) {
	f(ctx, event)
}

type observers []Observer

func (o observers) Observe(ctx context.Context, event Event) {
	for _, ob := range o {
		ob.Observe(ctx, event)
	}
}
