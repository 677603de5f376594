package queue

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff_Decide(t *testing.T) {
	policy := NewExponentialBackoff(2 * time.Second)

	cases := []struct {
		name        string
		attempts    int
		maxAttempts int
		retry       bool
		delay       time.Duration
	}{
		{"first failure", 1, 3, true, 2 * time.Second},
		{"second failure", 2, 3, true, 4 * time.Second},
		{"last attempt", 3, 3, false, 0},
		{"single attempt", 1, 1, false, 0},
		{"fourth failure", 4, 5, true, 16 * time.Second},
		{"zero attempts treated as first", 0, 5, true, 2 * time.Second},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			decision := policy.Decide(c.attempts, c.maxAttempts)
			assert.Equal(t, c.retry, decision.ShouldRetry)
			assert.Equal(t, c.delay, decision.Delay)
		})
	}
}

func TestExponentialBackoff_deterministic(t *testing.T) {
	a := NewExponentialBackoff(100 * time.Millisecond)
	b := NewExponentialBackoff(100 * time.Millisecond)
	for i := 1; i < 10; i++ {
		assert.Equal(t, a.Decide(i, 10), b.Decide(i, 10))
	}
}

func TestExponentialBackoff_saturates(t *testing.T) {
	policy := NewExponentialBackoff(time.Hour)
	decision := policy.Decide(200, 1000)
	assert.True(t, decision.ShouldRetry)
	assert.Equal(t, time.Duration(math.MaxInt64), decision.Delay)
}

func TestExponentialBackoff_monotonic(t *testing.T) {
	policies := map[string]*ExponentialBackoff{
		"plain":       NewExponentialBackoff(10 * time.Millisecond),
		"jitter":      {Base: 10 * time.Millisecond, Jitter: NewJitter(0.5, 7)},
		"full jitter": {Base: 10 * time.Millisecond, Jitter: NewJitter(3, 7)},
	}
	for name, policy := range policies {
		t.Run(name, func(t *testing.T) {
			var prev time.Duration
			for attempts := 1; attempts < 60; attempts++ {
				d := policy.Decide(attempts, 100).Delay
				assert.GreaterOrEqual(t, int64(d), int64(prev), "attempt %d", attempts)
				prev = d
			}
		})
	}
}

func TestJitter_seeded(t *testing.T) {
	a := &ExponentialBackoff{Base: time.Second, Jitter: NewJitter(0.3, 42)}
	b := &ExponentialBackoff{Base: time.Second, Jitter: NewJitter(0.3, 42)}
	for i := 1; i < 5; i++ {
		da, db := a.Decide(i, 10).Delay, b.Decide(i, 10).Delay
		assert.Equal(t, da, db)
		base := NewExponentialBackoff(time.Second).Decide(i, 10).Delay
		assert.GreaterOrEqual(t, int64(da), int64(base))
		assert.Less(t, int64(da), int64(base)+int64(float64(base)*0.3)+1)
	}
}
