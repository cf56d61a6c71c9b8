package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/modelprobe/modelprobe/control_plane/store"
)

func newRedisTestQueue(t *testing.T) (*RedisQueue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	q, err := NewRedisQueue(client)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	return q, client
}

func redisTestJob(id string, modelID int64) *ProbeJob {
	return &ProbeJob{
		ID: id, ChannelID: 1, ModelID: modelID, ModelName: "gpt-4o",
		BaseURL: "http://up.local", Kind: store.KindChat,
	}
}

func TestRedisQueuePullClaimsJob(t *testing.T) {
	ctx := context.Background()
	q, client := newRedisTestQueue(t)

	if err := q.Enqueue(ctx, redisTestJob("j1", 10)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := q.Pull(ctx)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if job.ID != "j1" {
		t.Errorf("job = %q", job.ID)
	}

	st, _ := q.Stats(ctx)
	if st.Waiting != 0 || st.Active != 1 {
		t.Errorf("stats = %+v, want 0 waiting / 1 active", st)
	}
	deadline, err := client.ZScore(ctx, keyActiveClaims, "j1").Result()
	if err != nil {
		t.Fatalf("claim missing: %v", err)
	}
	if deadline <= float64(time.Now().UnixMilli()) {
		t.Errorf("claim deadline %f already expired", deadline)
	}
}

func TestRedisQueueReclaimsCrashedWorkerJob(t *testing.T) {
	ctx := context.Background()
	q, client := newRedisTestQueue(t)

	if err := q.Enqueue(ctx, redisTestJob("j1", 10)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Pull(ctx); err != nil {
		t.Fatalf("pull: %v", err)
	}

	// The worker dies without acking: its claim expires and the next Pull
	// re-queues and re-delivers the job.
	client.ZAdd(ctx, keyActiveClaims, redis.Z{Score: 1, Member: "j1"})

	job, err := q.Pull(ctx)
	if err != nil {
		t.Fatalf("second pull: %v", err)
	}
	if job.ID != "j1" {
		t.Errorf("redelivered job = %q", job.ID)
	}
	st, _ := q.Stats(ctx)
	if st.Waiting != 0 || st.Active != 1 {
		t.Errorf("stats after redelivery = %+v", st)
	}
}

func TestRedisQueueAdoptsUnclaimedActiveEntry(t *testing.T) {
	ctx := context.Background()
	q, client := newRedisTestQueue(t)

	// An active entry with no claim is what a crash between the move and
	// the claim write leaves behind.
	data, err := encodeJob(redisTestJob("j1", 10))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	client.LPush(ctx, keyActive, data)

	q.reclaimExpired(ctx)
	if _, err := client.ZScore(ctx, keyActiveClaims, "j1").Result(); err != nil {
		t.Fatalf("orphan not adopted: %v", err)
	}

	client.ZAdd(ctx, keyActiveClaims, redis.Z{Score: 1, Member: "j1"})
	q.reclaimExpired(ctx)

	st, _ := q.Stats(ctx)
	if st.Waiting != 1 || st.Active != 0 {
		t.Errorf("stats after reclaim = %+v, want 1 waiting / 0 active", st)
	}
	if n, _ := client.ZCard(ctx, keyActiveClaims).Result(); n != 0 {
		t.Errorf("claims left = %d", n)
	}
}

func TestRedisQueueMarkDone(t *testing.T) {
	ctx := context.Background()
	q, client := newRedisTestQueue(t)

	if err := q.Enqueue(ctx, redisTestJob("j1", 10)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := q.Pull(ctx)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if err := q.MarkDone(ctx, job, true); err != nil {
		t.Fatalf("mark done: %v", err)
	}

	st, _ := q.Stats(ctx)
	if st.Active != 0 || st.Completed != 1 {
		t.Errorf("stats = %+v, want 0 active / 1 completed", st)
	}
	if n, _ := client.ZCard(ctx, keyActiveClaims).Result(); n != 0 {
		t.Errorf("claim left after ack: %d", n)
	}
}

func TestRedisQueueMarkDoneFailureRetries(t *testing.T) {
	ctx := context.Background()
	q, _ := newRedisTestQueue(t)

	if err := q.Enqueue(ctx, redisTestJob("j1", 10)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := q.Pull(ctx)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if err := q.MarkDone(ctx, job, false); err != nil {
		t.Fatalf("mark done: %v", err)
	}

	st, _ := q.Stats(ctx)
	if st.Active != 0 || st.Delayed != 1 || st.Failed != 0 {
		t.Errorf("stats = %+v, want retry parked in delayed", st)
	}

	pending, err := q.HasPendingForModel(ctx, 10, "other")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if !pending {
		t.Error("delayed retry not counted as pending")
	}
}

func TestRedisQueueStopAndDrain(t *testing.T) {
	ctx := context.Background()
	q, client := newRedisTestQueue(t)

	if err := q.EnqueueBulk(ctx, []*ProbeJob{redisTestJob("j1", 10), redisTestJob("j2", 11)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Pull(ctx); err != nil {
		t.Fatalf("pull: %v", err)
	}

	cleared, err := q.StopAndDrain(ctx)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if cleared != 2 {
		t.Errorf("cleared = %d, want 2", cleared)
	}
	if !q.Stopped(ctx) {
		t.Error("stop flag not set")
	}

	st, _ := q.Stats(ctx)
	if st.Waiting != 0 || st.Active != 0 || st.Delayed != 0 {
		t.Errorf("queue not drained: %+v", st)
	}
	if n, _ := client.ZCard(ctx, keyActiveClaims).Result(); n != 0 {
		t.Errorf("claims survived the drain: %d", n)
	}
}
