package queue

import (
	"context"
	"sync"
	"time"
)

// InProcessDriver keeps jobs in memory behind a single mutex. It honors the
// same contract as RedisDriver but nothing survives the process. Useful for
// tests and local runs.
type InProcessDriver struct {
	mu            sync.Mutex
	now           func() time.Time
	seq           int64
	jobs          map[string]*PersistedJob
	completed     []string
	failed        []string
	keepCompleted int
	keepFailed    int
}

// InProcessOption configures an InProcessDriver.
type InProcessOption func(*InProcessDriver)

// WithClock replaces time.Now, which lets tests move time by hand.
func WithClock(now func() time.Time) InProcessOption {
	return func(d *InProcessDriver) {
		d.now = now
	}
}

// WithRetention bounds the completed and failed history. Non-positive values keep everything.
func WithRetention(keepCompleted, keepFailed int) InProcessOption {
	return func(d *InProcessDriver) {
		d.keepCompleted = keepCompleted
		d.keepFailed = keepFailed
	}
}

// NewInProcessDriver creates an empty InProcessDriver.
func NewInProcessDriver(opts ...InProcessOption) *InProcessDriver {
	d := &InProcessDriver{
		now:  time.Now,
		jobs: make(map[string]*PersistedJob),
	}
	for _, f := range opts {
		f(d)
	}
	return d
}

// Push implements Driver.
func (d *InProcessDriver) Push(ctx context.Context, job *PersistedJob, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.jobs[job.ID]; ok {
		return ErrDuplicateJob
	}
	now := d.now()
	d.seq++
	job.State = StatePending
	job.Sequence = d.seq
	job.Attempts = 0
	job.EnqueuedAt = now
	job.EligibleAt = now.Add(delay)
	job.LeaseOwner = ""
	job.LeaseExpiry = time.Time{}
	d.jobs[job.ID] = job.clone()
	return nil
}

// Lease implements Driver.
func (d *InProcessDriver) Lease(ctx context.Context, owner string, leaseDuration time.Duration) (*PersistedJob, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	var best *PersistedJob
	for _, job := range d.jobs {
		if job.State != StatePending || job.EligibleAt.After(now) {
			continue
		}
		if best == nil || job.Priority < best.Priority ||
			(job.Priority == best.Priority && job.Sequence < best.Sequence) {
			best = job
		}
	}
	if best == nil {
		return nil, ErrEmpty
	}
	best.State = StateLeased
	best.Attempts++
	best.LeaseOwner = owner
	best.LeaseExpiry = now.Add(leaseDuration)
	return best.clone(), nil
}

// Renew implements Driver.
func (d *InProcessDriver) Renew(ctx context.Context, job *PersistedJob, leaseDuration time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	stored, err := d.leased(job)
	if err != nil {
		return err
	}
	stored.LeaseExpiry = d.now().Add(leaseDuration)
	job.LeaseExpiry = stored.LeaseExpiry
	return nil
}

// Ack implements Driver.
func (d *InProcessDriver) Ack(ctx context.Context, job *PersistedJob) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	stored, err := d.leased(job)
	if err != nil {
		return err
	}
	d.finish(stored, StateCompleted)
	*job = *stored.clone()
	return nil
}

// Retry implements Driver.
func (d *InProcessDriver) Retry(ctx context.Context, job *PersistedJob, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	stored, err := d.leased(job)
	if err != nil {
		return err
	}
	stored.LastError = job.LastError
	if stored.Attempts >= stored.MaxAttempts {
		d.finish(stored, StateFailed)
	} else {
		stored.State = StatePending
		stored.EligibleAt = d.now().Add(delay)
		stored.LeaseOwner = ""
		stored.LeaseExpiry = time.Time{}
	}
	*job = *stored.clone()
	return nil
}

// Fail implements Driver.
func (d *InProcessDriver) Fail(ctx context.Context, job *PersistedJob) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	stored, err := d.leased(job)
	if err != nil {
		return err
	}
	stored.LastError = job.LastError
	d.finish(stored, StateFailed)
	*job = *stored.clone()
	return nil
}

// Reclaim implements Driver.
func (d *InProcessDriver) Reclaim(ctx context.Context) ([]*PersistedJob, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	var reclaimed []*PersistedJob
	for _, job := range d.jobs {
		if job.State != StateLeased || !now.After(job.LeaseExpiry) {
			continue
		}
		if job.Attempts >= job.MaxAttempts {
			job.LastError = "lease expired"
			d.finish(job, StateFailed)
		} else {
			job.State = StatePending
			job.EligibleAt = now
			job.LeaseOwner = ""
			job.LeaseExpiry = time.Time{}
		}
		reclaimed = append(reclaimed, job.clone())
	}
	return reclaimed, nil
}

// Get implements Driver.
func (d *InProcessDriver) Get(ctx context.Context, id string) (*PersistedJob, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	job, ok := d.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.clone(), nil
}

// Reload implements Driver. Only the failed channel can be reloaded.
func (d *InProcessDriver) Reload(ctx context.Context, channel string) (int64, error) {
	if channel != ChannelFailed {
		return 0, ErrUnknownChannel
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for _, id := range d.failed {
		job := d.jobs[id]
		job.State = StatePending
		job.Attempts = 0
		job.EligibleAt = now
		job.FinishedAt = time.Time{}
	}
	n := int64(len(d.failed))
	d.failed = nil
	return n, nil
}

// Flush implements Driver.
func (d *InProcessDriver) Flush(ctx context.Context, channel string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	var match func(*PersistedJob) bool
	switch channel {
	case ChannelWaiting:
		match = func(j *PersistedJob) bool { return j.State == StatePending && !j.EligibleAt.After(now) }
	case ChannelDelayed:
		match = func(j *PersistedJob) bool { return j.State == StatePending && j.EligibleAt.After(now) }
	case ChannelLeased:
		match = func(j *PersistedJob) bool { return j.State == StateLeased }
	case ChannelCompleted:
		match = func(j *PersistedJob) bool { return j.State == StateCompleted }
		d.completed = nil
	case ChannelFailed:
		match = func(j *PersistedJob) bool { return j.State == StateFailed }
		d.failed = nil
	default:
		return ErrUnknownChannel
	}
	for id, job := range d.jobs {
		if match(job) {
			delete(d.jobs, id)
		}
	}
	return nil
}

// Info implements Driver.
func (d *InProcessDriver) Info(ctx context.Context) (QueueInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	var info QueueInfo
	for _, job := range d.jobs {
		switch job.State {
		case StatePending:
			if job.EligibleAt.After(now) {
				info.Delayed++
			} else {
				info.Waiting++
			}
		case StateLeased:
			info.Leased++
		case StateCompleted:
			info.Completed++
		case StateFailed:
			info.Failed++
		}
	}
	return info, nil
}

// leased returns the stored job if the caller still holds its lease.
func (d *InProcessDriver) leased(job *PersistedJob) (*PersistedJob, error) {
	stored, ok := d.jobs[job.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if stored.State != StateLeased || stored.LeaseOwner != job.LeaseOwner || stored.Attempts != job.Attempts {
		return nil, ErrLeaseLost
	}
	return stored, nil
}

func (d *InProcessDriver) finish(job *PersistedJob, state JobState) {
	job.finish(state, d.now())
	if state == StateCompleted {
		d.completed = d.trim(append(d.completed, job.ID), d.keepCompleted)
		return
	}
	d.failed = d.trim(append(d.failed, job.ID), d.keepFailed)
}

// trim drops the oldest ids beyond keep, together with their jobs.
func (d *InProcessDriver) trim(ids []string, keep int) []string {
	if keep <= 0 || len(ids) <= keep {
		return ids
	}
	excess := len(ids) - keep
	for _, id := range ids[:excess] {
		delete(d.jobs, id)
	}
	return append([]string(nil), ids[excess:]...)
}
