// Package queue provides a durable job queue with leases, retries with
// exponential backoff and a bounded worker pool.
//
// Introduction
//
// A job dispatched to the queue is stored before Dispatch returns, so it is
// not lost if the process shuts down. A fixed number of worker slots lease
// jobs one at a time. A lease gives a slot exclusive ownership of a job for a
// limited period. When the handler succeeds the job is completed. When it
// fails, the RetryPolicy decides whether the job goes back to pending after a
// delay, or lands in the failed state for good. A slot that crashes or hangs
// simply lets its lease expire, after which a periodic sweep hands the job
// back to the queue.
//
// Simple Usage
//
// A job can be any struct wrapped by JobFrom. Tune its properties with Adjust:
//
//	job := queue.Adjust(queue.JobFrom(EmailJob{MessageID: 42}), queue.MaxAttempts(5), queue.Priority(1))
//	id, err := q.Dispatch(ctx, job)
//
// Handlers are subscribed per job type. The zero value returned by Listen
// tells the queue how to decode the payload.
//
//	q.Subscribe(queue.Listen(queue.JobFrom(EmailJob{}), func(ctx context.Context, job queue.Job) error {
//		return send(ctx, job.Data().(EmailJob))
//	}))
//	go q.Consume(ctx)
//
// Handlers may run more than once for the same job, for instance after a
// lease expired while the handler was still running. Make them idempotent.
// Return queue.Permanent(err) to skip the remaining attempts.
//
// Drivers
//
// RedisDriver is the durable store. Each state transition is a Lua script,
// which makes the store the single writer of job state. InProcessDriver
// follows the same contract in memory.
//
// Integrate
//
// The queue package exports configuration in this format:
//
//	queue:
//	  default:
//	    redisName: default
//	    parallelism: 5
//	    checkQueueLengthIntervalSecond: 15
//	    leaseDurationSecond: 30
//	    pollIntervalMillisecond: 500
//	    shutdownTimeoutSecond: 10
//	    backoffBaseMillisecond: 2000
//	    maxAttempts: 5
//	    keepCompleted: 100
//	    keepFailed: 50
//	    reclaimSchedule: "@every 5s"
//
// Use the bundled dependency provider to let the core manage the consumers:
//
//	var c *core.C
//	c.Provide(otredis.Providers()) // to provide the redis driver
//	c.Provide(queue.Providers())
//
// To use more than one queue, inject queue.DispatcherMaker and make them by name.
//
// Observability
//
// Lifecycle events (leased, completed, failed, exhausted, stalled-reclaimed)
// are delivered to Observers registered with UseObserver. Queue lengths are
// reported to a go-kit Gauge, processed jobs to a go-kit Counter, and
// Queue.Stats reports readiness and slot usage.
package queue
