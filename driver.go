package queue

import (
	"context"
	"time"
)

// Driver is the durable job store behind a Queue. Every method must be safe
// for concurrent use, and each state transition must be atomic with respect
// to the others: a job is handed to at most one lease owner at a time.
type Driver interface {
	// Push stores a new pending job eligible after delay. It fills in State,
	// Sequence, EnqueuedAt and EligibleAt on the given job.
	Push(ctx context.Context, job *PersistedJob, delay time.Duration) error
	// Lease hands the best eligible pending job to owner for leaseDuration and
	// increments its attempts. It returns ErrEmpty when nothing is eligible.
	Lease(ctx context.Context, owner string, leaseDuration time.Duration) (*PersistedJob, error)
	// Renew extends the lease held by job.LeaseOwner on attempt job.Attempts
	// to leaseDuration from now, and updates job.LeaseExpiry.
	Renew(ctx context.Context, job *PersistedJob, leaseDuration time.Duration) error
	// Ack completes a job leased by job.LeaseOwner on attempt job.Attempts.
	// Ack, Retry and Fail update job to the state it landed in.
	Ack(ctx context.Context, job *PersistedJob) error
	// Retry puts a leased job back to pending, eligible after delay. A job
	// without attempts left is failed instead, which the caller sees in job.State.
	Retry(ctx context.Context, job *PersistedJob, delay time.Duration) error
	// Fail moves a leased job to the failed state.
	Fail(ctx context.Context, job *PersistedJob) error
	// Reclaim returns jobs whose lease expired back to pending without
	// charging an attempt. Jobs already on their final attempt are failed.
	Reclaim(ctx context.Context) ([]*PersistedJob, error)
	// Get looks up a job, including retained terminal ones.
	Get(ctx context.Context, id string) (*PersistedJob, error)
	// Reload moves every failed job back to pending with a fresh attempt budget.
	Reload(ctx context.Context, channel string) (int64, error)
	// Flush drops every job in the channel.
	Flush(ctx context.Context, channel string) error
	// Info counts the jobs in each channel.
	Info(ctx context.Context) (QueueInfo, error)
}
