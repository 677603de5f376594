package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// Every transition is a single script. Job hashes live under the same hash
// tag as the channel keys, so the scripts stay on one cluster slot even
// though the hash keys are built from ARGV.

// KEYS: delayed, waiting  ARGV: jobKey, id, rank, eligibleAt, now, field/value pairs...
var pushScript = redis.NewScript(`
if redis.call('EXISTS', ARGV[1]) == 1 then
  return 0
end
redis.call('HSET', ARGV[1], unpack(ARGV, 6))
if tonumber(ARGV[4]) > tonumber(ARGV[5]) then
  redis.call('ZADD', KEYS[1], ARGV[4], ARGV[2])
else
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
end
return 1
`)

// KEYS: delayed, waiting, leased  ARGV: jobPrefix, now, leaseExpiry, owner
var leaseScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  local rank = redis.call('HGET', ARGV[1] .. id, 'rank')
  if rank then
    redis.call('ZADD', KEYS[2], rank, id)
  end
end
local popped = redis.call('ZPOPMIN', KEYS[2])
if #popped == 0 then
  return false
end
local id = popped[1]
local key = ARGV[1] .. id
redis.call('HINCRBY', key, 'attempts', 1)
redis.call('HSET', key, 'state', 'leased', 'lease_owner', ARGV[4], 'lease_expiry', ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[3], id)
return redis.call('HGETALL', key)
`)

const luaCheckLease = `
local key = ARGV[1] .. ARGV[2]
local v = redis.call('HMGET', key, 'state', 'lease_owner', 'attempts', 'max_attempts', 'rank')
if not v[1] then
  return -1
end
if v[1] ~= 'leased' or v[2] ~= ARGV[3] or v[3] ~= ARGV[4] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[2])
`

// luaFinish moves the job in key to the terminal set KEYS[2] and trims it to ARGV[6] entries.
const luaFinish = `
local function finish(key, id, state, now, keep, reason)
  redis.call('HSET', key, 'state', state, 'lease_owner', '', 'lease_expiry', '0', 'finished_at', now, 'last_error', reason)
  redis.call('ZADD', KEYS[2], now, id)
  local k = tonumber(keep)
  if k > 0 then
    local excess = redis.call('ZCARD', KEYS[2]) - k
    if excess > 0 then
      local old = redis.call('ZPOPMIN', KEYS[2], excess)
      for i = 1, #old, 2 do
        redis.call('DEL', ARGV[1] .. old[i])
      end
    end
  end
end
`

// KEYS: leased  ARGV: jobPrefix, id, owner, attempts, leaseExpiry
var renewScript = redis.NewScript(luaCheckLease + `
redis.call('HSET', key, 'lease_expiry', ARGV[5])
redis.call('ZADD', KEYS[1], ARGV[5], ARGV[2])
return 1
`)

// KEYS: leased, completed  ARGV: jobPrefix, id, owner, attempts, now, keep
var ackScript = redis.NewScript(luaFinish + luaCheckLease + `
finish(key, ARGV[2], 'completed', ARGV[5], ARGV[6], '')
return 1
`)

// KEYS: leased, failed  ARGV: jobPrefix, id, owner, attempts, now, keep, reason
var failScript = redis.NewScript(luaFinish + luaCheckLease + `
finish(key, ARGV[2], 'failed', ARGV[5], ARGV[6], ARGV[7])
return 1
`)

// KEYS: leased, failed, delayed, waiting  ARGV: jobPrefix, id, owner, attempts, now, keep, reason, eligibleAt
var retryScript = redis.NewScript(luaFinish + luaCheckLease + `
if tonumber(v[3]) >= tonumber(v[4]) then
  finish(key, ARGV[2], 'failed', ARGV[5], ARGV[6], ARGV[7])
  return 2
end
redis.call('HSET', key, 'state', 'pending', 'lease_owner', '', 'lease_expiry', '0', 'eligible_at', ARGV[8], 'last_error', ARGV[7])
if tonumber(ARGV[8]) > tonumber(ARGV[5]) then
  redis.call('ZADD', KEYS[3], ARGV[8], ARGV[2])
else
  redis.call('ZADD', KEYS[4], v[5], ARGV[2])
end
return 1
`)

// KEYS: leased, failed, waiting  ARGV: jobPrefix, now, keep
var reclaimScript = redis.NewScript(`
local keep = tonumber(ARGV[3])
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[2], 'LIMIT', 0, 100)
local out = {}
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[1] .. id
  local v = redis.call('HMGET', key, 'state', 'attempts', 'max_attempts', 'rank')
  if v[1] == 'leased' then
    if tonumber(v[2]) >= tonumber(v[3]) then
      redis.call('HSET', key, 'state', 'failed', 'lease_owner', '', 'lease_expiry', '0', 'finished_at', ARGV[2], 'last_error', 'lease expired')
      redis.call('ZADD', KEYS[2], ARGV[2], id)
    else
      redis.call('HSET', key, 'state', 'pending', 'lease_owner', '', 'lease_expiry', '0', 'eligible_at', ARGV[2])
      redis.call('ZADD', KEYS[3], v[4], id)
    end
    table.insert(out, redis.call('HGETALL', key))
  end
end
if keep > 0 then
  local excess = redis.call('ZCARD', KEYS[2]) - keep
  if excess > 0 then
    local old = redis.call('ZPOPMIN', KEYS[2], excess)
    for i = 1, #old, 2 do
      redis.call('DEL', ARGV[1] .. old[i])
    end
  end
end
return out
`)

// KEYS: failed, waiting  ARGV: jobPrefix, now
var reloadScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
for _, id in ipairs(ids) do
  local key = ARGV[1] .. id
  redis.call('HSET', key, 'state', 'pending', 'attempts', '0', 'eligible_at', ARGV[2], 'finished_at', '0')
  redis.call('ZADD', KEYS[2], redis.call('HGET', key, 'rank'), id)
end
redis.call('DEL', KEYS[1])
return #ids
`)

// KEYS: channel  ARGV: jobPrefix
var flushScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
for _, id in ipairs(ids) do
  redis.call('DEL', ARGV[1] .. id)
end
redis.call('DEL', KEYS[1])
return #ids
`)

// RedisDriver is the durable Driver. Pending jobs are split between a
// waiting sorted set ranked by priority and sequence, and a delayed sorted set
// scored by eligibility time. Leased jobs sit in a sorted set scored by lease
// expiry, which is what Reclaim scans.
type RedisDriver struct {
	Logger        log.Logger
	RedisClient   redis.UniversalClient
	ChannelConfig ChannelConfig
	// KeepCompleted and KeepFailed bound the terminal history. Non-positive values keep everything.
	KeepCompleted int
	KeepFailed    int
}

// Push implements Driver.
func (r *RedisDriver) Push(ctx context.Context, job *PersistedJob, delay time.Duration) error {
	seq, err := r.RedisClient.Incr(ctx, r.ChannelConfig.Sequence).Result()
	if err != nil {
		return unavailable(err, "push job %s", job.ID)
	}
	now := time.Now()
	job.State = StatePending
	job.Sequence = seq
	job.Attempts = 0
	job.EnqueuedAt = now
	job.EligibleAt = now.Add(delay)
	job.LeaseOwner = ""
	job.LeaseExpiry = time.Time{}

	args := []interface{}{
		r.jobKey(job.ID), job.ID, rank(job.Priority, seq), millis(job.EligibleAt), millis(now),
	}
	args = append(args, jobToArgs(job)...)
	ok, err := pushScript.Run(ctx, r.RedisClient, []string{r.ChannelConfig.Delayed, r.ChannelConfig.Waiting}, args...).Int64()
	if err != nil {
		return unavailable(err, "push job %s", job.ID)
	}
	if ok == 0 {
		return errors.Wrapf(ErrDuplicateJob, "push job %s", job.ID)
	}
	return nil
}

// Lease implements Driver.
func (r *RedisDriver) Lease(ctx context.Context, owner string, leaseDuration time.Duration) (*PersistedJob, error) {
	now := time.Now()
	res, err := leaseScript.Run(
		ctx,
		r.RedisClient,
		[]string{r.ChannelConfig.Delayed, r.ChannelConfig.Waiting, r.ChannelConfig.Leased},
		r.ChannelConfig.Jobs, millis(now), millis(now.Add(leaseDuration)), owner,
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, unavailable(err, "lease")
	}
	return jobFromReply(res)
}

// Renew implements Driver.
func (r *RedisDriver) Renew(ctx context.Context, job *PersistedJob, leaseDuration time.Duration) error {
	expiry := time.Now().Add(leaseDuration)
	res, err := renewScript.Run(
		ctx,
		r.RedisClient,
		[]string{r.ChannelConfig.Leased},
		r.ChannelConfig.Jobs, job.ID, job.LeaseOwner, job.Attempts, millis(expiry),
	).Int64()
	if err := leaseResult(res, err, "renew", job.ID); err != nil {
		return err
	}
	job.LeaseExpiry = expiry
	return nil
}

// Ack implements Driver.
func (r *RedisDriver) Ack(ctx context.Context, job *PersistedJob) error {
	now := time.Now()
	res, err := ackScript.Run(
		ctx,
		r.RedisClient,
		[]string{r.ChannelConfig.Leased, r.ChannelConfig.Completed},
		r.ChannelConfig.Jobs, job.ID, job.LeaseOwner, job.Attempts, millis(now), r.KeepCompleted,
	).Int64()
	if err := leaseResult(res, err, "ack", job.ID); err != nil {
		return err
	}
	job.finish(StateCompleted, now)
	return nil
}

// Retry implements Driver.
func (r *RedisDriver) Retry(ctx context.Context, job *PersistedJob, delay time.Duration) error {
	now := time.Now()
	res, err := retryScript.Run(
		ctx,
		r.RedisClient,
		[]string{r.ChannelConfig.Leased, r.ChannelConfig.Failed, r.ChannelConfig.Delayed, r.ChannelConfig.Waiting},
		r.ChannelConfig.Jobs, job.ID, job.LeaseOwner, job.Attempts, millis(now), r.KeepFailed, job.LastError, millis(now.Add(delay)),
	).Int64()
	if err := leaseResult(res, err, "retry", job.ID); err != nil {
		return err
	}
	// 2 means the script failed the job for lack of attempts.
	if res == 2 {
		job.finish(StateFailed, now)
		return nil
	}
	job.State = StatePending
	job.EligibleAt = now.Add(delay)
	job.LeaseOwner = ""
	job.LeaseExpiry = time.Time{}
	return nil
}

// Fail implements Driver.
func (r *RedisDriver) Fail(ctx context.Context, job *PersistedJob) error {
	now := time.Now()
	res, err := failScript.Run(
		ctx,
		r.RedisClient,
		[]string{r.ChannelConfig.Leased, r.ChannelConfig.Failed},
		r.ChannelConfig.Jobs, job.ID, job.LeaseOwner, job.Attempts, millis(now), r.KeepFailed, job.LastError,
	).Int64()
	if err := leaseResult(res, err, "fail", job.ID); err != nil {
		return err
	}
	job.finish(StateFailed, now)
	return nil
}

// Reclaim implements Driver. Each call handles at most 100 expired leases.
func (r *RedisDriver) Reclaim(ctx context.Context) ([]*PersistedJob, error) {
	reply, err := reclaimScript.Run(
		ctx,
		r.RedisClient,
		[]string{r.ChannelConfig.Leased, r.ChannelConfig.Failed, r.ChannelConfig.Waiting},
		r.ChannelConfig.Jobs, millis(time.Now()), r.KeepFailed,
	).Result()
	if err != nil {
		return nil, unavailable(err, "reclaim")
	}
	res, ok := reply.([]interface{})
	if !ok {
		return nil, errors.Errorf("malformed reclaim reply %T", reply)
	}
	jobs := make([]*PersistedJob, 0, len(res))
	for _, item := range res {
		job, err := jobFromReply(item)
		if err != nil {
			_ = level.Warn(r.logger()).Log("msg", "skipping malformed reclaimed job", "err", err)
			continue
		}
		jobs = append(jobs, job)
	}
	if len(jobs) > 0 {
		_ = level.Debug(r.logger()).Log("msg", "reclaimed expired leases", "count", len(jobs))
	}
	return jobs, nil
}

// Get implements Driver.
func (r *RedisDriver) Get(ctx context.Context, id string) (*PersistedJob, error) {
	fields, err := r.RedisClient.HGetAll(ctx, r.jobKey(id)).Result()
	if err != nil {
		return nil, unavailable(err, "get job %s", id)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return jobFromMap(fields)
}

// Reload implements Driver. Only the failed channel can be reloaded.
func (r *RedisDriver) Reload(ctx context.Context, channel string) (int64, error) {
	if channel != ChannelFailed {
		return 0, errors.Wrap(ErrUnknownChannel, channel)
	}
	n, err := reloadScript.Run(
		ctx,
		r.RedisClient,
		[]string{r.ChannelConfig.Failed, r.ChannelConfig.Waiting},
		r.ChannelConfig.Jobs, millis(time.Now()),
	).Int64()
	if err != nil {
		return 0, unavailable(err, "reload %s", channel)
	}
	return n, nil
}

// Flush implements Driver.
func (r *RedisDriver) Flush(ctx context.Context, channel string) error {
	key, ok := r.ChannelConfig.byName(channel)
	if !ok {
		return errors.Wrap(ErrUnknownChannel, channel)
	}
	if err := flushScript.Run(ctx, r.RedisClient, []string{key}, r.ChannelConfig.Jobs).Err(); err != nil {
		return unavailable(err, "flush %s", channel)
	}
	return nil
}

// Info implements Driver.
func (r *RedisDriver) Info(ctx context.Context) (QueueInfo, error) {
	pipe := r.RedisClient.Pipeline()
	waiting := pipe.ZCard(ctx, r.ChannelConfig.Waiting)
	delayed := pipe.ZCard(ctx, r.ChannelConfig.Delayed)
	leased := pipe.ZCard(ctx, r.ChannelConfig.Leased)
	completed := pipe.ZCard(ctx, r.ChannelConfig.Completed)
	failed := pipe.ZCard(ctx, r.ChannelConfig.Failed)
	if _, err := pipe.Exec(ctx); err != nil {
		return QueueInfo{}, unavailable(err, "info")
	}
	return QueueInfo{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Leased:    leased.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

func (r *RedisDriver) logger() log.Logger {
	if r.Logger == nil {
		return log.NewNopLogger()
	}
	return r.Logger
}

func (r *RedisDriver) jobKey(id string) string {
	return r.ChannelConfig.Jobs + id
}

func leaseResult(res int64, err error, op, id string) error {
	if err != nil {
		return unavailable(err, "%s job %s", op, id)
	}
	switch res {
	case -1:
		return errors.Wrapf(ErrNotFound, "%s job %s", op, id)
	case 0:
		return errors.Wrapf(ErrLeaseLost, "%s job %s", op, id)
	}
	return nil
}

// rank orders the waiting set by priority, then by enqueue sequence. The
// result stays below 2^53, so the float score in redis is exact.
func rank(priority int, seq int64) string {
	return strconv.FormatInt(int64(priority)<<32+(seq&0xFFFFFFFF), 10)
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano() / int64(time.Millisecond)
}

func fromMillis(s string) time.Time {
	ms, _ := strconv.ParseInt(s, 10, 64)
	if ms == 0 {
		return time.Time{}
	}
	return time.Unix(0, ms*int64(time.Millisecond))
}

func jobToArgs(job *PersistedJob) []interface{} {
	return []interface{}{
		"id", job.ID,
		"key", job.Key,
		"value", job.Value,
		"state", string(job.State),
		"priority", job.Priority,
		"seq", job.Sequence,
		"rank", rank(job.Priority, job.Sequence),
		"attempts", job.Attempts,
		"max_attempts", job.MaxAttempts,
		"handle_timeout", int64(job.HandleTimeout),
		"enqueued_at", millis(job.EnqueuedAt),
		"eligible_at", millis(job.EligibleAt),
		"lease_owner", "",
		"lease_expiry", 0,
		"finished_at", 0,
		"last_error", "",
	}
}

func jobFromReply(reply interface{}) (*PersistedJob, error) {
	flat, ok := reply.([]interface{})
	if !ok || len(flat)%2 != 0 {
		return nil, errors.Errorf("malformed job reply %T", reply)
	}
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		fields[k] = v
	}
	return jobFromMap(fields)
}

func jobFromMap(m map[string]string) (*PersistedJob, error) {
	priority, err := strconv.Atoi(m["priority"])
	if err != nil {
		return nil, errors.Wrapf(err, "job %s has malformed priority", m["id"])
	}
	seq, _ := strconv.ParseInt(m["seq"], 10, 64)
	attempts, _ := strconv.Atoi(m["attempts"])
	maxAttempts, _ := strconv.Atoi(m["max_attempts"])
	timeout, _ := strconv.ParseInt(m["handle_timeout"], 10, 64)
	return &PersistedJob{
		ID:            m["id"],
		Key:           m["key"],
		Value:         []byte(m["value"]),
		State:         JobState(m["state"]),
		Priority:      priority,
		Sequence:      seq,
		Attempts:      attempts,
		MaxAttempts:   maxAttempts,
		HandleTimeout: time.Duration(timeout),
		EnqueuedAt:    fromMillis(m["enqueued_at"]),
		EligibleAt:    fromMillis(m["eligible_at"]),
		LeaseOwner:    m["lease_owner"],
		LeaseExpiry:   fromMillis(m["lease_expiry"]),
		FinishedAt:    fromMillis(m["finished_at"]),
		LastError:     m["last_error"],
	}, nil
}
