package admission

import (
	"context"
	"sync"
)

type token = struct{}

// MemoryController implements Controller with buffered-channel counting
// semaphores. Capacities are fixed at construction; the worker pool swaps
// in a fresh controller when the operator changes concurrency limits.
type MemoryController struct {
	global     chan token
	perChannel int

	mu       sync.Mutex
	channels map[int64]chan token
}

// NewMemoryController creates a controller with the given capacities.
func NewMemoryController(maxGlobal, perChannel int) *MemoryController {
	if maxGlobal < 1 {
		maxGlobal = 1
	}
	if perChannel < 1 {
		perChannel = 1
	}
	if perChannel > maxGlobal {
		perChannel = maxGlobal
	}
	return &MemoryController{
		global:     make(chan token, maxGlobal),
		perChannel: perChannel,
		channels:   make(map[int64]chan token),
	}
}

// Capacities reports the construction-time limits so the worker can detect
// config drift.
func (c *MemoryController) Capacities() (int, int) {
	return cap(c.global), c.perChannel
}

func (c *MemoryController) channelSem(channelID int64) chan token {
	c.mu.Lock()
	defer c.mu.Unlock()
	sem, ok := c.channels[channelID]
	if !ok {
		sem = make(chan token, c.perChannel)
		c.channels[channelID] = sem
	}
	return sem
}

// Acquire takes the global slot first, then the per-channel slot. On
// per-channel contention the global slot is handed back before blocking,
// so per-channel waiters can never pin every global slot.
func (c *MemoryController) Acquire(ctx context.Context, channelID int64) error {
	sem := c.channelSem(channelID)
	for {
		select {
		case c.global <- token{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		select {
		case sem <- token{}:
			return nil
		default:
		}

		// Channel saturated: give the global slot back and wait on the
		// channel slot alone, then retry for the global.
		<-c.global
		select {
		case sem <- token{}:
			select {
			case c.global <- token{}:
				return nil
			case <-ctx.Done():
				<-sem
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *MemoryController) Release(ctx context.Context, channelID int64) {
	sem := c.channelSem(channelID)
	// Never drive a counter below zero, even after a Reset raced a release.
	select {
	case <-sem:
	default:
	}
	select {
	case <-c.global:
	default:
	}
}

func (c *MemoryController) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, sem := range c.channels {
		drained := make(chan token, cap(sem))
		c.channels[id] = drained
	}
	for {
		select {
		case <-c.global:
		default:
			return nil
		}
	}
}
