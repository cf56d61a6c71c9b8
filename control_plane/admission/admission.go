// Package admission enforces the two-level concurrency bound on probes:
// a global slot and a per-channel slot must both be held before a worker
// may touch an upstream.
package admission

import (
	"context"
)

// Controller hands out admission slots. Acquire blocks until both a global
// and a per-channel slot are held, or ctx is done. Every successful Acquire
// must be paired with exactly one Release.
type Controller interface {
	Acquire(ctx context.Context, channelID int64) error
	Release(ctx context.Context, channelID int64)

	// Reset drops all counters. Called after a stop-and-drain so slots held
	// by failed or crashed workers cannot wedge the next run.
	Reset(ctx context.Context) error
}
