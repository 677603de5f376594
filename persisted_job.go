package queue

import "time"

// JobState is the position of a PersistedJob in its lifecycle.
type JobState string

const (
	// StatePending jobs wait until EligibleAt before they can be leased.
	StatePending JobState = "pending"
	// StateLeased jobs are owned by exactly one worker slot until LeaseExpiry.
	StateLeased JobState = "leased"
	// StateCompleted is terminal.
	StateCompleted JobState = "completed"
	// StateFailed is terminal. The job exhausted its attempts or failed permanently.
	StateFailed JobState = "failed"
)

// Terminal reports whether no further transition is allowed out of the state.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Priority bounds. Lower values are leased first.
const (
	MinPriority = -(1 << 20)
	MaxPriority = 1<<20 - 1
)

// PersistedJob represents a persisted Job.
type PersistedJob struct {
	// ID identifies each individual job. Two jobs can carry the exact same
	// payload and Key, ID is used to differentiate them.
	ID string
	// Key is the job type. Usually it is the string name of the Job type before serialized.
	Key string
	// Value is the serialized bytes of the Job.
	Value []byte
	// State is maintained by the Driver.
	State JobState
	// Priority orders eligible jobs, lower first. Ties are broken by Sequence.
	Priority int
	// Sequence is a monotonic enqueue counter assigned by the Driver.
	Sequence int64
	// Attempts counts leases handed out so far. It starts from 0 and is
	// incremented by Driver.Lease.
	Attempts int
	// MaxAttempts is fixed at creation. Attempts never exceeds it.
	MaxAttempts int
	// HandleTimeout sets the upper time limit for each run of the handler.
	HandleTimeout time.Duration
	EnqueuedAt    time.Time
	// EligibleAt is the earliest time the job may be leased.
	EligibleAt time.Time
	// LeaseOwner and LeaseExpiry are only meaningful while the job is leased.
	LeaseOwner  string
	LeaseExpiry time.Time
	FinishedAt  time.Time
	// LastError keeps the message of the most recent handler failure.
	LastError string
}

// Type implements Job. It returns the Key.
func (s *PersistedJob) Type() string {
	return s.Key
}

// Data implements Job. It returns the Value.
func (s *PersistedJob) Data() interface{} {
	return s.Value
}

func (s *PersistedJob) clone() *PersistedJob {
	c := *s
	if s.Value != nil {
		c.Value = append([]byte(nil), s.Value...)
	}
	return &c
}

// finish marks the job terminal at now and releases its lease.
func (s *PersistedJob) finish(state JobState, now time.Time) {
	s.State = state
	s.FinishedAt = now
	s.LeaseOwner = ""
	s.LeaseExpiry = time.Time{}
}
