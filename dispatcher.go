package queue

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DoNewsCode/core/contract"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// Dispatcher is the Job registry that is able to send jobs to each Handler.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
	Subscribe(handler Handler)
}

// SyncDispatcher dispatches Jobs synchronously to every Handler subscribed to the job type.
// SyncDispatcher is safe for concurrent use.
type SyncDispatcher struct {
	registry map[string][]Handler
	rwLock   sync.RWMutex
}

// Dispatch dispatches Jobs synchronously. If any handler returns an error,
// abort the process immediately and return that error to caller. A job type
// without handlers yields ErrNoHandler.
func (d *SyncDispatcher) Dispatch(ctx context.Context, job Job) error {
	d.rwLock.RLock()
	handlers, ok := d.registry[job.Type()]
	d.rwLock.RUnlock()

	if !ok {
		return errors.Wrap(ErrNoHandler, job.Type())
	}
	for _, handler := range handlers {
		if err := handler.Process(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe subscribes the handler to the dispatcher.
func (d *SyncDispatcher) Subscribe(handler Handler) {
	d.rwLock.Lock()
	defer d.rwLock.Unlock()

	if d.registry == nil {
		d.registry = make(map[string][]Handler)
	}
	d.registry[handler.Listen().Type()] = append(d.registry[handler.Listen().Type()], handler)
}

// Queue is the producer and the worker pool of a durable job queue. Dispatch
// stores jobs through the Driver, Consume runs a fixed number of slots that
// lease jobs one at a time and pipe them to the subscribed handlers.
type Queue struct {
	logger                   log.Logger
	driver                   Driver
	codec                    contract.Codec
	rwLock                   sync.RWMutex
	reflectTypes             map[string]reflect.Type
	base                     Dispatcher
	parallelism              int
	leaseDuration            time.Duration
	pollInterval             time.Duration
	shutdownTimeout          time.Duration
	reclaimSchedule          string
	defaultMaxAttempts       int
	retryPolicy              RetryPolicy
	observer                 observers
	queueLengthGauge         metrics.Gauge
	processedCounter         metrics.Counter
	checkQueueLengthInterval time.Duration

	startedAt   time.Time
	consuming   atomic.Bool
	activeSlots atomic.Int64
	statsLock   sync.Mutex
	typeStats   map[string]TypeStats
}

// Dispatch encodes and stores the job, returning the id assigned to it. It
// returns as soon as the store accepted the job and never waits for workers.
func (d *Queue) Dispatch(ctx context.Context, e Job) (string, error) {
	if _, ok := e.(deferrableDecorator); !ok {
		e = Adjust(e)
	}

	data, err := d.codec.Marshal(e.Data())
	if err != nil {
		return "", errors.Wrapf(err, "dispatch deferrable %s failed", e.Type())
	}
	msg := &PersistedJob{
		Value:       data,
		MaxAttempts: d.defaultMaxAttempts,
	}
	e.(deferrableDecorator).Decorate(msg)
	if msg.Priority < MinPriority || msg.Priority > MaxPriority {
		return "", errors.Wrapf(ErrInvalidPriority, "priority %d", msg.Priority)
	}
	if msg.MaxAttempts < 1 {
		msg.MaxAttempts = 1
	}
	if err := d.driver.Push(ctx, msg, e.(deferrableDecorator).Defer()); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// Subscribe registers a handler for the job type returned by its Listen method.
func (d *Queue) Subscribe(handler Handler) {
	d.rwLock.Lock()
	d.reflectTypes[handler.Listen().Type()] = reflect.TypeOf(handler.Listen().Data())
	d.rwLock.Unlock()
	d.base.Subscribe(handler)
}

// Consume runs the worker slots and blocks until ctx is canceled. After that,
// no new job is leased. In-flight handlers get up to the shutdown timeout to
// finish. After that their contexts are canceled and Consume returns. Their
// jobs stay leased and are recovered later through lease reclamation.
func (d *Queue) Consume(ctx context.Context) error {
	if d.logger == nil {
		d.logger = log.NewNopLogger()
	}
	if !d.consuming.CompareAndSwap(false, true) {
		return errors.New("queue is already consuming")
	}
	defer d.consuming.Store(false)

	workCtx, abandon := context.WithCancel(context.Background())
	defer abandon()

	var g errgroup.Group

	sweeper := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := sweeper.AddFunc(d.reclaimSchedule, func() { d.reclaim(workCtx) }); err != nil {
		return errors.Wrapf(err, "invalid reclaim schedule %q", d.reclaimSchedule)
	}
	sweeper.Start()

	if d.queueLengthGauge != nil {
		if d.checkQueueLengthInterval == 0 {
			d.checkQueueLengthInterval = 15 * time.Second
		}
		ticker := time.NewTicker(d.checkQueueLengthInterval)
		g.Go(func() error {
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					d.gauge(ctx)
				case <-ctx.Done():
					return nil
				}
			}
		})
	}

	host, _ := os.Hostname()
	for i := 0; i < d.parallelism; i++ {
		owner := fmt.Sprintf("%s-%d-%d", host, os.Getpid(), i)
		g.Go(func() error {
			d.slot(ctx, workCtx, owner)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	<-ctx.Done()
	<-sweeper.Stop().Done()

	timer := time.NewTimer(d.shutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		_ = level.Warn(d.logger).Log(
			"msg", "shutdown timeout exceeded, abandoning in-flight jobs to lease expiry",
			"active", d.activeSlots.Load(),
		)
	}
	return nil
}

// Driver returns the underlying store.
func (d *Queue) Driver() Driver {
	return d.driver
}

// slot leases and processes one job at a time until ctx is canceled.
func (d *Queue) slot(ctx, workCtx context.Context, owner string) {
	for ctx.Err() == nil {
		msg, err := d.driver.Lease(ctx, owner, d.leaseDuration)
		if err != nil {
			if !errors.Is(err, ErrEmpty) && ctx.Err() == nil {
				_ = level.Warn(d.logger).Log("err", errors.Wrapf(err, "slot %s failed to lease", owner))
			}
			d.sleep(ctx, d.pollInterval)
			continue
		}
		d.activeSlots.Add(1)
		d.work(workCtx, msg)
		d.activeSlots.Add(-1)
	}
}

func (d *Queue) sleep(ctx context.Context, duration time.Duration) {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// work runs the handler for a leased job and records the outcome. Every path
// ends with Ack, Retry or Fail, unless the lease was lost or ctx was canceled
// by an abandoning shutdown. In both cases the job is left to lease expiry.
func (d *Queue) work(ctx context.Context, msg *PersistedJob) {
	d.observe(ctx, Event{Kind: EventLeased, Job: *msg, At: time.Now()})

	handleCtx, cancelHandle := context.WithCancel(ctx)
	defer cancelHandle()
	if msg.HandleTimeout > 0 {
		var cancel context.CancelFunc
		handleCtx, cancel = context.WithTimeout(handleCtx, msg.HandleTimeout)
		defer cancel()
	}

	renewCtx, stopRenew := context.WithCancel(ctx)
	renewed := make(chan struct{})
	go func(lease PersistedJob) {
		defer close(renewed)
		d.renew(renewCtx, cancelHandle, &lease)
	}(*msg)

	err := d.handle(handleCtx, msg)
	stopRenew()
	<-renewed

	if ctx.Err() != nil {
		_ = level.Warn(d.logger).Log("msg", "job abandoned on shutdown, left to lease expiry", "job", msg.ID, "type", msg.Key)
		return
	}

	// Transitions are not bound to the handler deadline.
	storeCtx := context.Background()

	if err == nil {
		if err := d.driver.Ack(storeCtx, msg); err != nil {
			_ = level.Warn(d.logger).Log("err", errors.Wrapf(err, "job %s (%s) completed but not acknowledged", msg.ID, msg.Key))
			return
		}
		d.record(msg.Key, func(s *TypeStats) { s.Succeeded++ }, "succeeded")
		d.observe(ctx, Event{Kind: EventCompleted, Job: *msg, At: time.Now()})
		return
	}

	msg.LastError = err.Error()
	decision := d.retryPolicy.Decide(msg.Attempts, msg.MaxAttempts)
	if decision.ShouldRetry && !IsPermanent(err) && !errors.Is(err, ErrNoHandler) {
		_ = level.Info(d.logger).Log("err", errors.Wrapf(err, "job %s (%s) failed %d times, retrying in %s", msg.ID, msg.Key, msg.Attempts, decision.Delay))
		if err := d.driver.Retry(storeCtx, msg, decision.Delay); err != nil {
			_ = level.Warn(d.logger).Log("err", errors.Wrapf(err, "job %s (%s) could not be rescheduled", msg.ID, msg.Key))
			return
		}
		if msg.State == StatePending {
			d.record(msg.Key, func(s *TypeStats) { s.Retried++ }, "retried")
			d.observe(ctx, Event{Kind: EventFailed, Job: *msg, Err: err, Delay: decision.Delay, At: time.Now()})
			return
		}
		_ = level.Warn(d.logger).Log("err", errors.Wrapf(err, "job %s (%s) has no attempts left, failed by the store", msg.ID, msg.Key))
	} else {
		_ = level.Warn(d.logger).Log("err", errors.Wrapf(err, "job %s (%s) failed after %d attempts, aborted", msg.ID, msg.Key, msg.Attempts))
		if err := d.driver.Fail(storeCtx, msg); err != nil {
			_ = level.Warn(d.logger).Log("err", errors.Wrapf(err, "job %s (%s) could not be failed", msg.ID, msg.Key))
			return
		}
	}
	d.record(msg.Key, func(s *TypeStats) { s.Exhausted++ }, "exhausted")
	d.observe(ctx, Event{Kind: EventExhausted, Job: *msg, Err: err, At: time.Now()})
}

// renew extends the lease every third of the lease duration until ctx is
// done. If the lease is lost, lost is called to cancel the handler.
func (d *Queue) renew(ctx context.Context, lost context.CancelFunc, lease *PersistedJob) {
	ticker := time.NewTicker(d.leaseDuration / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := d.driver.Renew(ctx, lease, d.leaseDuration)
		switch {
		case err == nil:
		case errors.Is(err, ErrLeaseLost), errors.Is(err, ErrNotFound):
			_ = level.Warn(d.logger).Log("err", errors.Wrapf(err, "job %s (%s) lost its lease, canceling the handler", lease.ID, lease.Key))
			lost()
			return
		case ctx.Err() == nil:
			_ = level.Warn(d.logger).Log("err", errors.Wrapf(err, "job %s (%s) lease renewal failed", lease.ID, lease.Key))
		}
	}
}

// handle decodes the payload and dispatches it. Panics are turned into errors.
func (d *Queue) handle(ctx context.Context, msg *PersistedJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			_ = level.Error(d.logger).Log("msg", "handler panicked", "job", msg.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	rType := d.reflectType(msg.Key)
	if rType == nil {
		return errors.Wrap(ErrNoHandler, msg.Key)
	}
	ptr := reflect.New(rType)
	if err := d.codec.Unmarshal(msg.Value, ptr.Interface()); err != nil {
		return Permanent(errors.Wrapf(err, "decode %s failed", msg.Key))
	}
	return d.base.Dispatch(ctx, adHocJob{t: msg.Key, d: ptr.Elem().Interface()})
}

// reclaim returns expired leases to the store and reports them.
func (d *Queue) reclaim(ctx context.Context) {
	jobs, err := d.driver.Reclaim(ctx)
	if err != nil {
		_ = level.Warn(d.logger).Log("err", errors.Wrap(err, "lease reclamation failed"))
	}
	for _, job := range jobs {
		_ = level.Info(d.logger).Log("msg", "reclaimed stalled job", "job", job.ID, "type", job.Key, "state", job.State, "attempts", job.Attempts)
		d.observe(ctx, Event{Kind: EventStalledReclaimed, Job: *job, At: time.Now()})
		if job.State == StateFailed {
			d.record(job.Key, func(s *TypeStats) { s.Exhausted++ }, "exhausted")
			d.observe(ctx, Event{Kind: EventExhausted, Job: *job, Err: errors.New(job.LastError), At: time.Now()})
		}
	}
}

func (d *Queue) observe(ctx context.Context, event Event) {
	defer func() {
		if r := recover(); r != nil {
			_ = level.Error(d.logger).Log("msg", "observer panicked", "event", event.Kind, "panic", r)
		}
	}()
	d.observer.Observe(ctx, event)
}

func (d *Queue) reflectType(typeName string) reflect.Type {
	d.rwLock.RLock()
	defer d.rwLock.RUnlock()
	return d.reflectTypes[typeName]
}

func (d *Queue) gauge(ctx context.Context) {
	queueInfo, err := d.driver.Info(ctx)
	if err != nil {
		_ = level.Warn(d.logger).Log("err", err)
		return
	}
	d.queueLengthGauge.With("channel", ChannelWaiting).Set(float64(queueInfo.Waiting))
	d.queueLengthGauge.With("channel", ChannelDelayed).Set(float64(queueInfo.Delayed))
	d.queueLengthGauge.With("channel", ChannelLeased).Set(float64(queueInfo.Leased))
	d.queueLengthGauge.With("channel", ChannelCompleted).Set(float64(queueInfo.Completed))
	d.queueLengthGauge.With("channel", ChannelFailed).Set(float64(queueInfo.Failed))
}

// UseCodec allows consumer to replace the default JSON codec with a custom one.
func UseCodec(codec contract.Codec) func(*Queue) {
	return func(queue *Queue) {
		queue.codec = codec
	}
}

// UseLogger is an option for NewQueue that feeds the queue with a Logger of choice.
func UseLogger(logger log.Logger) func(*Queue) {
	return func(queue *Queue) {
		queue.logger = logger
	}
}

// UseParallelism sets the number of worker slots, ie. how many jobs are processed at once.
func UseParallelism(parallelism int) func(*Queue) {
	return func(queue *Queue) {
		if parallelism > 0 {
			queue.parallelism = parallelism
		}
	}
}

// UseLeaseDuration sets how long a lease lasts without renewal. Slots renew
// the lease every third of this duration while the handler runs, so it bounds
// how long a crashed or abandoned slot keeps a job from being reclaimed.
func UseLeaseDuration(duration time.Duration) func(*Queue) {
	return func(queue *Queue) {
		if duration > 0 {
			queue.leaseDuration = duration
		}
	}
}

// UsePollInterval sets how long an idle slot waits before asking the store again.
func UsePollInterval(interval time.Duration) func(*Queue) {
	return func(queue *Queue) {
		if interval > 0 {
			queue.pollInterval = interval
		}
	}
}

// UseShutdownTimeout bounds how long Consume waits for in-flight handlers after cancellation.
func UseShutdownTimeout(timeout time.Duration) func(*Queue) {
	return func(queue *Queue) {
		if timeout >= 0 {
			queue.shutdownTimeout = timeout
		}
	}
}

// UseReclaimSchedule sets the cron spec of the lease reclamation sweep, eg. "@every 5s".
func UseReclaimSchedule(spec string) func(*Queue) {
	return func(queue *Queue) {
		if spec != "" {
			queue.reclaimSchedule = spec
		}
	}
}

// UseRetryPolicy swaps the default exponential backoff.
func UseRetryPolicy(policy RetryPolicy) func(*Queue) {
	return func(queue *Queue) {
		if policy != nil {
			queue.retryPolicy = policy
		}
	}
}

// UseDefaultMaxAttempts sets MaxAttempts for jobs dispatched without the MaxAttempts option.
func UseDefaultMaxAttempts(attempts int) func(*Queue) {
	return func(queue *Queue) {
		if attempts > 0 {
			queue.defaultMaxAttempts = attempts
		}
	}
}

// UseObserver adds a lifecycle Observer. It can be given more than once.
func UseObserver(observer Observer) func(*Queue) {
	return func(queue *Queue) {
		if observer != nil {
			queue.observer = append(queue.observer, observer)
		}
	}
}

// UseGauge is an option for NewQueue that collects a gauge metrics
func UseGauge(gauge metrics.Gauge, interval time.Duration) func(*Queue) {
	return func(queue *Queue) {
		queue.queueLengthGauge = gauge
		queue.checkQueueLengthInterval = interval
	}
}

// UseCounter counts processed jobs with the labels "type" and "outcome".
func UseCounter(counter metrics.Counter) func(*Queue) {
	return func(queue *Queue) {
		queue.processedCounter = counter
	}
}

// UseDispatcher is an option for NewQueue to swap base dispatcher implementation
func UseDispatcher(dispatcher Dispatcher) func(*Queue) {
	return func(queue *Queue) {
		queue.base = dispatcher
	}
}

// NewQueue wraps a Driver and returns a Queue. Jobs dispatched through the
// Queue are stored in the Driver and are not released until a handler
// succeeds or they run out of attempts, so each job is executed at least once.
func NewQueue(driver Driver, opts ...func(*Queue)) *Queue {
	qd := Queue{
		driver:             driver,
		codec:              jsonCodec{},
		reflectTypes:       make(map[string]reflect.Type),
		base:               &SyncDispatcher{},
		parallelism:        5,
		leaseDuration:      30 * time.Second,
		pollInterval:       500 * time.Millisecond,
		shutdownTimeout:    10 * time.Second,
		reclaimSchedule:    "@every 5s",
		defaultMaxAttempts: 1,
		retryPolicy:        NewExponentialBackoff(2 * time.Second),
		startedAt:          time.Now(),
		typeStats:          make(map[string]TypeStats),
	}
	for _, f := range opts {
		f(&qd)
	}
	return &qd
}
