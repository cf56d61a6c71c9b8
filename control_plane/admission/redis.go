package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyGlobal        = "modelprobe:admission:global"
	keyChannelPrefix = "modelprobe:admission:channel:"

	// counterTTL auto-expires slot counters if a worker crashes while
	// holding them.
	counterTTL = 120 * time.Second

	// pollInterval is how often a contended acquire re-checks the counters.
	pollInterval = 500 * time.Millisecond
)

// Limits supplies the current concurrency bounds; the worker pool wires
// its memoized scheduler config in here so limit edits apply to new
// acquisitions without restarting.
type Limits func() (maxGlobal, perChannel int)

// RedisController implements Controller with atomic INCR/DECR counters
// shared across processes.
type RedisController struct {
	client *redis.Client
	limits Limits
}

// NewRedisController creates a broker-backed controller.
func NewRedisController(client *redis.Client, limits Limits) *RedisController {
	return &RedisController{client: client, limits: limits}
}

func channelKey(channelID int64) string {
	return fmt.Sprintf("%s%d", keyChannelPrefix, channelID)
}

// tryTake INCRs the counter and keeps the slot only if the result is within
// limit. It refreshes the TTL either way so counters from crashed workers
// eventually vanish.
func (c *RedisController) tryTake(ctx context.Context, key string, limit int) (bool, error) {
	val, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	c.client.Expire(ctx, key, counterTTL)
	if val <= int64(limit) {
		return true, nil
	}
	c.release(ctx, key)
	return false, nil
}

func (c *RedisController) release(ctx context.Context, key string) {
	val, err := c.client.Decr(ctx, key).Result()
	if err != nil {
		return
	}
	// A counter at or below zero is a wedge left by a drain; delete it.
	if val <= 0 {
		c.client.Del(ctx, key)
	}
}

func (c *RedisController) Acquire(ctx context.Context, channelID int64) error {
	chKey := channelKey(channelID)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		maxGlobal, perChannel := c.limits()

		ok, err := c.tryTake(ctx, keyGlobal, maxGlobal)
		if err != nil {
			return err
		}
		if ok {
			ok, err = c.tryTake(ctx, chKey, perChannel)
			if err != nil {
				c.release(ctx, keyGlobal)
				return err
			}
			if ok {
				return nil
			}
			// Per-channel contention: hand the global slot back before
			// waiting so channel waiters cannot pin the global pool.
			c.release(ctx, keyGlobal)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *RedisController) Release(ctx context.Context, channelID int64) {
	c.release(ctx, channelKey(channelID))
	c.release(ctx, keyGlobal)
}

func (c *RedisController) Reset(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, "modelprobe:admission:*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
