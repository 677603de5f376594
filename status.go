package queue

import "time"

// TypeStats counts processing outcomes for one job type since the queue was created.
type TypeStats struct {
	Succeeded int64
	Retried   int64
	Exhausted int64
}

// Stats is a point-in-time view of the worker pool.
type Stats struct {
	// Ready is true while Consume is running.
	Ready bool
	// Concurrency is the configured number of slots.
	Concurrency int
	// ActiveSlots is the number of slots currently running a handler.
	ActiveSlots int
	// Uptime is measured from NewQueue.
	Uptime time.Duration
	Types  map[string]TypeStats
}

// Stats reports readiness and activity of the worker pool. It only reads
// in-memory counters and never touches the store.
func (d *Queue) Stats() Stats {
	d.statsLock.Lock()
	types := make(map[string]TypeStats, len(d.typeStats))
	for k, v := range d.typeStats {
		types[k] = v
	}
	d.statsLock.Unlock()

	return Stats{
		Ready:       d.consuming.Load(),
		Concurrency: d.parallelism,
		ActiveSlots: int(d.activeSlots.Load()),
		Uptime:      time.Since(d.startedAt),
		Types:       types,
	}
}

func (d *Queue) record(jobType string, update func(*TypeStats), outcome string) {
	d.statsLock.Lock()
	s := d.typeStats[jobType]
	update(&s)
	d.typeStats[jobType] = s
	d.statsLock.Unlock()

	if d.processedCounter != nil {
		d.processedCounter.With("type", jobType, "outcome", outcome).Add(1)
	}
}
