package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	maxAttempts  = 3
	retryBackoff = 5 * time.Second

	// activeClaimTTL bounds how long a pulled job may stay unacknowledged
	// before it is treated as orphaned by a dead worker and re-queued. It
	// must exceed the longest probe plus jitter.
	activeClaimTTL = 5 * time.Minute

	completedHistoryCap = 1000
	completedHistoryTTL = time.Hour
	failedHistoryCap    = 500
	failedHistoryTTL    = 24 * time.Hour
)

// RedisQueue is the broker-backed queue. Waiting jobs live in a list,
// active jobs in a processing list with a claim-deadline zset keyed by job
// ID, retry candidates in a delayed zset scored by their due time.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue connects to the broker and verifies the connection.
func NewRedisQueue(client *redis.Client) (*RedisQueue, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis queue: %w", err)
	}
	return &RedisQueue{client: client}, nil
}

func encodeJob(job *ProbeJob) (string, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	return string(data), nil
}

func decodeJob(data string) (*ProbeJob, error) {
	var job ProbeJob
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *ProbeJob) error {
	data, err := encodeJob(job)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, keyWaiting, data).Err()
}

func (q *RedisQueue) EnqueueBulk(ctx context.Context, jobs []*ProbeJob) error {
	if len(jobs) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(jobs))
	for _, job := range jobs {
		data, err := encodeJob(job)
		if err != nil {
			return err
		}
		values = append(values, data)
	}
	// Single LPUSH keeps the batch atomic with respect to readers.
	return q.client.LPush(ctx, keyWaiting, values...).Err()
}

// promoteDelayed moves due retry candidates back to the waiting list.
func (q *RedisQueue) promoteDelayed(ctx context.Context) {
	now := float64(time.Now().UnixMilli())
	due, err := q.client.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{
		Min: "0", Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil || len(due) == 0 {
		return
	}
	pipe := q.client.TxPipeline()
	for _, member := range due {
		pipe.ZRem(ctx, keyDelayed, member)
		pipe.LPush(ctx, keyWaiting, member)
	}
	pipe.Exec(ctx)
}

func (q *RedisQueue) Pull(ctx context.Context) (*ProbeJob, error) {
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		q.promoteDelayed(ctx)
		q.reclaimExpired(ctx)

		// Atomic move: the job is never outside both lists, so a crash
		// here cannot lose it. Short timeout so ctx cancellation and the
		// promotion sweeps run promptly.
		res, err := q.client.BLMove(ctx, keyWaiting, keyActive, "RIGHT", "LEFT", time.Second).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		job, err := decodeJob(res)
		if err != nil {
			// Poison entry; drop it rather than wedge the worker.
			q.client.LRem(ctx, keyActive, 1, res)
			continue
		}
		q.claim(ctx, job.ID)
		return job, nil
	}
}

// claim records the deadline by which the job must be acknowledged. If the
// write is lost to a crash, the reclaim sweep adopts the entry and claims
// it itself.
func (q *RedisQueue) claim(ctx context.Context, jobID string) {
	deadline := float64(time.Now().Add(activeClaimTTL).UnixMilli())
	q.client.ZAdd(ctx, keyActiveClaims, redis.Z{Score: deadline, Member: jobID})
}

// reclaimExpired re-queues active jobs whose claim deadline passed, which
// means their worker died mid-probe. Active entries with no claim at all
// (a crash between the move and the claim) are adopted with a fresh
// deadline so a later sweep can re-queue them.
func (q *RedisQueue) reclaimExpired(ctx context.Context) {
	now := float64(time.Now().UnixMilli())
	expired, err := q.client.ZRangeByScore(ctx, keyActiveClaims, &redis.ZRangeBy{
		Min: "0", Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return
	}
	claimed, err := q.client.ZRange(ctx, keyActiveClaims, 0, -1).Result()
	if err != nil {
		return
	}
	entries, err := q.client.LRange(ctx, keyActive, 0, -1).Result()
	if err != nil {
		return
	}

	expiredIDs := make(map[string]bool, len(expired))
	for _, id := range expired {
		expiredIDs[id] = true
	}
	claimedIDs := make(map[string]bool, len(claimed))
	for _, id := range claimed {
		claimedIDs[id] = true
	}

	seen := make(map[string]bool, len(entries))
	for _, raw := range entries {
		job, err := decodeJob(raw)
		if err != nil {
			q.client.LRem(ctx, keyActive, 1, raw)
			continue
		}
		seen[job.ID] = true
		switch {
		case expiredIDs[job.ID]:
			pipe := q.client.TxPipeline()
			pipe.LRem(ctx, keyActive, 1, raw)
			pipe.ZRem(ctx, keyActiveClaims, job.ID)
			pipe.LPush(ctx, keyWaiting, raw)
			pipe.Exec(ctx)
		case !claimedIDs[job.ID]:
			q.claim(ctx, job.ID)
		}
	}

	// Expired claims whose active entry is gone are stale bookkeeping.
	for _, id := range expired {
		if !seen[id] {
			q.client.ZRem(ctx, keyActiveClaims, id)
		}
	}
}

func (q *RedisQueue) MarkDone(ctx context.Context, job *ProbeJob, success bool) error {
	// encodeJob is deterministic, so re-encoding reproduces the stored
	// list entry byte for byte.
	data, err := encodeJob(job)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, keyActive, 1, data)
	pipe.ZRem(ctx, keyActiveClaims, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if success {
		return q.recordTerminal(ctx, job, keyCompleted, keyCompletedHistory, completedHistoryCap, completedHistoryTTL)
	}
	// A stopped run must not resurrect its jobs through the retry path.
	if job.Attempt+1 < maxAttempts && !q.Stopped(ctx) {
		retry := *job
		retry.Attempt = job.Attempt + 1
		data, err := encodeJob(&retry)
		if err != nil {
			return err
		}
		backoff := retryBackoff << retry.Attempt // 5s, 10s exponential
		due := float64(time.Now().Add(backoff).UnixMilli())
		return q.client.ZAdd(ctx, keyDelayed, redis.Z{Score: due, Member: data}).Err()
	}
	return q.recordTerminal(ctx, job, keyFailed, keyFailedHistory, failedHistoryCap, failedHistoryTTL)
}

func (q *RedisQueue) recordTerminal(ctx context.Context, job *ProbeJob, counterKey, historyKey string, histCap int64, ttl time.Duration) error {
	data, err := encodeJob(job)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.Incr(ctx, counterKey)
	pipe.Expire(ctx, counterKey, ttl)
	pipe.LPush(ctx, historyKey, data)
	pipe.LTrim(ctx, historyKey, 0, histCap-1)
	pipe.Expire(ctx, historyKey, ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Stats(ctx context.Context) (*Stats, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, keyWaiting)
	active := pipe.LLen(ctx, keyActive)
	delayed := pipe.ZCard(ctx, keyDelayed)
	completed := pipe.Get(ctx, keyCompleted)
	failed := pipe.Get(ctx, keyFailed)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	st := &Stats{
		Waiting: waiting.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
	}
	st.Completed, _ = completed.Int64()
	st.Failed, _ = failed.Int64()
	st.Total = st.Waiting + st.Active + st.Delayed + st.Completed + st.Failed
	return st, nil
}

// pendingJobs returns every waiting, active and delayed job.
func (q *RedisQueue) pendingJobs(ctx context.Context) ([]*ProbeJob, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LRange(ctx, keyWaiting, 0, -1)
	active := pipe.LRange(ctx, keyActive, 0, -1)
	delayed := pipe.ZRange(ctx, keyDelayed, 0, -1)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var jobs []*ProbeJob
	for _, raw := range append(append(waiting.Val(), active.Val()...), delayed.Val()...) {
		job, err := decodeJob(raw)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *RedisQueue) TestingModelIDs(ctx context.Context) (map[int64]bool, error) {
	jobs, err := q.pendingJobs(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]bool)
	for _, job := range jobs {
		out[job.ModelID] = true
	}
	return out, nil
}

func (q *RedisQueue) TestingChannelIDs(ctx context.Context) (map[int64]bool, error) {
	jobs, err := q.pendingJobs(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]bool)
	for _, job := range jobs {
		out[job.ChannelID] = true
	}
	return out, nil
}

func (q *RedisQueue) HasPendingForModel(ctx context.Context, modelID int64, excludeJobID string) (bool, error) {
	jobs, err := q.pendingJobs(ctx)
	if err != nil {
		return false, err
	}
	for _, job := range jobs {
		if job.ModelID == modelID && job.ID != excludeJobID {
			return true, nil
		}
	}
	return false, nil
}

func (q *RedisQueue) StopAndDrain(ctx context.Context) (int, error) {
	if err := q.client.Set(ctx, keyStopped, "1", StoppedFlagTTL).Err(); err != nil {
		return 0, err
	}

	// Move every active job to failed with the canonical stop message.
	activeJobs, err := q.client.LRange(ctx, keyActive, 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	for _, raw := range activeJobs {
		job, err := decodeJob(raw)
		if err != nil {
			continue
		}
		job.Attempt = maxAttempts // no retry for "Detection stopped by user"
		q.recordTerminal(ctx, job, keyFailed, keyFailedHistory, failedHistoryCap, failedHistoryTTL)
	}

	waiting, err := q.client.LLen(ctx, keyWaiting).Result()
	if err != nil {
		return 0, err
	}
	delayed, err := q.client.ZCard(ctx, keyDelayed).Result()
	if err != nil {
		return 0, err
	}
	cleared := int(waiting + delayed + int64(len(activeJobs)))

	pipe := q.client.TxPipeline()
	pipe.Del(ctx, keyWaiting, keyActive, keyActiveClaims, keyDelayed)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	// Drop admission counters so a crashed worker cannot pin slots into
	// the next run.
	iter := q.client.Scan(ctx, 0, AdmissionKeyPattern, 0).Iterator()
	for iter.Next(ctx) {
		q.client.Del(ctx, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return cleared, err
	}
	return cleared, nil
}

func (q *RedisQueue) Stopped(ctx context.Context) bool {
	val, err := q.client.Get(ctx, keyStopped).Result()
	if err != nil {
		return false
	}
	return val == "1"
}

func (q *RedisQueue) ClearStopped(ctx context.Context) error {
	return q.client.Del(ctx, keyStopped).Err()
}
