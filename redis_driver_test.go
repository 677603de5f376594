package queue

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DoNewsCode/core/logging"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getDefaultRedisAddrs() ([]string, bool) {
	addrs := os.Getenv("REDIS_ADDR")
	if addrs == "" {
		return []string{"127.0.0.1:6379"}, false
	}
	return strings.Split(addrs, ","), true
}

// setUpRedis returns a RedisDriver on a per-test key space, or skips the test
// when REDIS_ADDR is not set.
func setUpRedis(t *testing.T) *RedisDriver {
	t.Helper()
	addrs, ok := getDefaultRedisAddrs()
	if !ok {
		t.Skip("set env REDIS_ADDR to run redis driver tests")
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: addrs})
	driver := &RedisDriver{
		Logger:        logging.NewLogger("logfmt"),
		RedisClient:   client,
		ChannelConfig: NewChannelConfig(fmt.Sprintf("test:%s:%d", t.Name(), time.Now().UnixNano())),
		KeepCompleted: 100,
		KeepFailed:    50,
	}
	t.Cleanup(func() {
		ctx := context.Background()
		for _, channel := range []string{ChannelWaiting, ChannelDelayed, ChannelLeased, ChannelCompleted, ChannelFailed} {
			_ = driver.Flush(ctx, channel)
		}
		client.Del(ctx, driver.ChannelConfig.Sequence)
		_ = client.Close()
	})
	return driver
}

func TestRedisDriver_lifecycle(t *testing.T) {
	d := setUpRedis(t)
	ctx := context.Background()

	pushJob(t, d, "low", 5, 2, 0)
	pushJob(t, d, "high", 1, 2, 0)
	pushJob(t, d, "deferred", 0, 2, 300*time.Millisecond)

	err := d.Push(ctx, &PersistedJob{ID: "high", MaxAttempts: 1}, 0)
	assert.ErrorIs(t, err, ErrDuplicateJob)

	job, err := d.Lease(ctx, "w", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "high", job.ID)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, StateLeased, job.State)
	assert.Equal(t, []byte(`{}`), job.Value)
	require.NoError(t, d.Ack(ctx, job))
	assert.Equal(t, StateCompleted, job.State)
	assert.ErrorIs(t, d.Ack(ctx, job), ErrLeaseLost)

	job, err = d.Lease(ctx, "w", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "low", job.ID)
	job.LastError = "boom"
	require.NoError(t, d.Retry(ctx, job, 200*time.Millisecond))

	_, err = d.Lease(ctx, "w", time.Minute)
	assert.Equal(t, ErrEmpty, err)

	time.Sleep(400 * time.Millisecond)
	job, err = d.Lease(ctx, "w", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "deferred", job.ID, "equal eligibility falls back to priority")
	require.NoError(t, d.Fail(ctx, job))

	job, err = d.Lease(ctx, "w", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "low", job.ID)
	assert.Equal(t, 2, job.Attempts)
	require.NoError(t, d.Retry(ctx, job, 0))
	assert.Equal(t, StateFailed, job.State, "no attempts left")

	stored, err := d.Get(ctx, "low")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, stored.State)
	assert.Equal(t, "boom", stored.LastError)

	info, err := d.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, QueueInfo{Completed: 1, Failed: 2}, info)

	n, err := d.Reload(ctx, ChannelFailed)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	info, _ = d.Info(ctx)
	assert.Equal(t, int64(2), info.Waiting)

	_, err = d.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisDriver_reclaim(t *testing.T) {
	d := setUpRedis(t)
	ctx := context.Background()
	pushJob(t, d, "a", 0, 2, 0)

	first, err := d.Lease(ctx, "crashed", 50*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	reclaimed, err := d.Reclaim(ctx)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, StatePending, reclaimed[0].State)
	assert.Equal(t, 1, reclaimed[0].Attempts)
	assert.ErrorIs(t, d.Ack(ctx, first), ErrLeaseLost)

	_, err = d.Lease(ctx, "crashed", 50*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	reclaimed, err = d.Reclaim(ctx)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, StateFailed, reclaimed[0].State)
	assert.Equal(t, 2, reclaimed[0].Attempts)
}

func TestRedisDriver_renew(t *testing.T) {
	d := setUpRedis(t)
	ctx := context.Background()
	pushJob(t, d, "a", 0, 2, 0)

	job, err := d.Lease(ctx, "w", 100*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, d.Renew(ctx, job, 200*time.Millisecond))
	time.Sleep(80 * time.Millisecond)

	reclaimed, err := d.Reclaim(ctx)
	require.NoError(t, err)
	assert.Empty(t, reclaimed, "a renewed lease is not reclaimed")
	require.NoError(t, d.Ack(ctx, job))

	assert.ErrorIs(t, d.Renew(ctx, job, time.Second), ErrLeaseLost)
	assert.ErrorIs(t, d.Renew(ctx, &PersistedJob{ID: "missing"}, time.Second), ErrNotFound)
}

func TestRedisDriver_retention(t *testing.T) {
	d := setUpRedis(t)
	d.KeepCompleted = 2
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		pushJob(t, d, fmt.Sprintf("job-%d", i), 0, 1, 0)
		job, err := d.Lease(ctx, "w", time.Minute)
		require.NoError(t, err)
		require.NoError(t, d.Ack(ctx, job))
		time.Sleep(2 * time.Millisecond)
	}
	info, err := d.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Completed)
	_, err = d.Get(ctx, "job-0")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = d.Get(ctx, "job-3")
	assert.NoError(t, err)
}

func TestRedisDriver_leaseExclusivity(t *testing.T) {
	d := setUpRedis(t)
	ctx := context.Background()
	const jobs = 50
	for i := 0; i < jobs; i++ {
		pushJob(t, d, fmt.Sprintf("job-%d", i), 0, 1, 0)
	}
	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		owner := fmt.Sprintf("w%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := d.Lease(ctx, owner, time.Minute)
				if err != nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

func TestRedisDriver_unavailable(t *testing.T) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       []string{"127.0.0.1:1"},
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	d := &RedisDriver{RedisClient: client, ChannelConfig: NewChannelConfig("unreachable")}

	err := d.Push(context.Background(), &PersistedJob{ID: "a", MaxAttempts: 1}, 0)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	_, err = d.Lease(context.Background(), "w", time.Second)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestRank(t *testing.T) {
	assert.Equal(t, "4294967297", rank(1, 1))
	assert.Equal(t, "-4294967295", rank(-1, 1))
	assert.Equal(t, "7", rank(0, 7))
}
