package queue

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryDecision is the outcome of a RetryPolicy for a failed attempt.
type RetryDecision struct {
	ShouldRetry bool
	Delay       time.Duration
}

// RetryPolicy decides whether a failed job is retried and how long it waits.
// attempts is the number of leases already handed out, including the one that just failed.
type RetryPolicy interface {
	Decide(attempts, maxAttempts int) RetryDecision
}

// ExponentialBackoff doubles the delay on every failed attempt:
// Delay = Base * 2^(attempts-1). Without Jitter the result is a pure function
// of its inputs.
type ExponentialBackoff struct {
	Base   time.Duration
	Jitter *Jitter
}

// NewExponentialBackoff creates a deterministic exponential policy.
func NewExponentialBackoff(base time.Duration) *ExponentialBackoff {
	return &ExponentialBackoff{Base: base}
}

// Decide implements RetryPolicy.
func (e *ExponentialBackoff) Decide(attempts, maxAttempts int) RetryDecision {
	if attempts < 1 {
		attempts = 1
	}
	if attempts >= maxAttempts {
		return RetryDecision{}
	}
	d := e.delay(attempts)
	if e.Jitter != nil {
		d = e.Jitter.apply(d)
	}
	return RetryDecision{ShouldRetry: true, Delay: d}
}

// delay saturates at math.MaxInt64 instead of overflowing.
func (e *ExponentialBackoff) delay(attempts int) time.Duration {
	if e.Base <= 0 {
		return 0
	}
	f := float64(e.Base) * math.Pow(2, float64(attempts-1))
	if f >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f)
}

// Jitter adds a random share of up to Fraction of the delay, drawn from its
// own seeded source so that runs are reproducible. Fraction is clamped to
// [0, 1], which keeps the schedule non-decreasing: d + j(d) <= 2d.
type Jitter struct {
	fraction float64
	mu       sync.Mutex
	rnd      *rand.Rand
}

// NewJitter creates a Jitter with its own random source.
func NewJitter(fraction float64, seed int64) *Jitter {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return &Jitter{fraction: fraction, rnd: rand.New(rand.NewSource(seed))}
}

func (j *Jitter) apply(d time.Duration) time.Duration {
	if j.fraction == 0 || d <= 0 {
		return d
	}
	j.mu.Lock()
	r := j.rnd.Float64()
	j.mu.Unlock()
	extra := time.Duration(float64(d) * j.fraction * r)
	if d > math.MaxInt64-extra {
		return time.Duration(math.MaxInt64)
	}
	return d + extra
}
