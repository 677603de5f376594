package queue

import (
	"time"

	"github.com/google/uuid"
)

// deferrableDecorator is an interface that describes the persistence properties of a Job.
type deferrableDecorator interface {
	Defer() time.Duration
	Decorate(s *PersistedJob)
}

// DeferrablePersistentJob is a Job with persistence options attached.
type DeferrablePersistentJob struct {
	Job
	after         time.Duration
	handleTimeout time.Duration
	maxAttempts   int
	priority      int
	uniqueId      string
}

// Defer defers the execution of the job for the period of time returned.
func (d DeferrablePersistentJob) Defer() time.Duration {
	return d.after
}

// Decorate copies the options onto the PersistedJob. It is called by the Queue
// after the codec encodes the payload. A zero maxAttempts leaves the queue default in place.
func (d DeferrablePersistentJob) Decorate(s *PersistedJob) {
	s.ID = d.uniqueId
	s.HandleTimeout = d.handleTimeout
	if d.maxAttempts > 0 {
		s.MaxAttempts = d.maxAttempts
	}
	s.Priority = d.priority
	s.Key = d.Type()
}

// PersistOption defines some options for Adjust
type PersistOption func(job *DeferrablePersistentJob)

// Adjust converts any Job to DeferrablePersistentJob. Namely, store them in external storage.
func Adjust(job Job, opts ...PersistOption) DeferrablePersistentJob {
	e := DeferrablePersistentJob{Job: job, handleTimeout: time.Hour}
	for _, f := range opts {
		f(&e)
	}
	if e.uniqueId == "" {
		e.uniqueId = newJobID()
	}
	return e
}

// Defer is a PersistOption that defers the execution of DeferrablePersistentJob for the period of time given.
func Defer(duration time.Duration) PersistOption {
	return func(job *DeferrablePersistentJob) {
		job.after = duration
	}
}

// ScheduleAt is a PersistOption that defers the execution of DeferrablePersistentJob until the time given.
func ScheduleAt(t time.Time) PersistOption {
	return func(job *DeferrablePersistentJob) {
		job.after = time.Until(t)
	}
}

// Timeout is a PersistOption that defines the maximum time the Job can be processed until timeout. Note: this timeout
// is shared among all listeners.
func Timeout(timeout time.Duration) PersistOption {
	return func(job *DeferrablePersistentJob) {
		job.handleTimeout = timeout
	}
}

// MaxAttempts is a PersistOption that defines how many times the job can be leased before it is failed.
func MaxAttempts(attempts int) PersistOption {
	return func(job *DeferrablePersistentJob) {
		job.maxAttempts = attempts
	}
}

// Priority is a PersistOption that sets the lease priority. Lower values are leased first.
func Priority(priority int) PersistOption {
	return func(job *DeferrablePersistentJob) {
		job.priority = priority
	}
}

// UniqueId is a PersistOption that outsources the generation of the job id to the caller.
// Dispatching the same id twice fails with ErrDuplicateJob.
func UniqueId(id string) PersistOption {
	return func(job *DeferrablePersistentJob) {
		job.uniqueId = id
	}
}

// newJobID returns a time ordered UUIDv7, falling back to v4 if the clock source fails.
func newJobID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
