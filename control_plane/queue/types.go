// Package queue holds the durable FIFO of probe jobs, with a Redis broker
// backend for multi-process deployments and an in-process backend for
// single-node mode and tests. Both carry the detection stop flag.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/modelprobe/modelprobe/control_plane/store"
)

// ProbeJob is one unit of work: probe a single (channel, model, kind)
// triple.
type ProbeJob struct {
	ID        string             `json:"id"`
	ChannelID int64              `json:"channel_id"`
	ModelID   int64              `json:"model_id"`
	ModelName string             `json:"model_name"`
	BaseURL   string             `json:"base_url"`
	APIKey    string             `json:"api_key"`
	ProxyURL  string             `json:"proxy_url,omitempty"`
	Kind      store.EndpointKind `json:"endpoint_kind"`
	Attempt   int                `json:"attempt"`
}

// JobID formats the informational job identifier. Uniqueness is not
// required for correctness; the index disambiguates bulk batches created
// within one millisecond.
func JobID(channelID, modelID int64, kind store.EndpointKind, index int) string {
	id := fmt.Sprintf("%d-%d-%s-%d", channelID, modelID, kind, time.Now().UnixMilli())
	if index > 0 {
		id = fmt.Sprintf("%s-%d", id, index)
	}
	return id
}

// Stats is a point-in-time view of queue occupancy.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Total     int64 `json:"total"`
}

// StoppedFlagTTL bounds how long a stop request keeps short-circuiting
// work before expiring on its own.
const StoppedFlagTTL = 5 * time.Minute

// Queue is the job transport consumed by the worker pool and fed by the
// detection service.
type Queue interface {
	Enqueue(ctx context.Context, job *ProbeJob) error
	// EnqueueBulk pushes a batch; with the Redis backend the batch lands in
	// one pipeline so readers never observe a partial batch.
	EnqueueBulk(ctx context.Context, jobs []*ProbeJob) error

	// Pull blocks until a job is available or ctx is done, moving the job
	// to the active set.
	Pull(ctx context.Context) (*ProbeJob, error)
	// MarkDone retires an active job. With the Redis backend a failed job
	// is retried with backoff until its attempts are exhausted.
	MarkDone(ctx context.Context, job *ProbeJob, success bool) error

	Stats(ctx context.Context) (*Stats, error)
	TestingModelIDs(ctx context.Context) (map[int64]bool, error)
	TestingChannelIDs(ctx context.Context) (map[int64]bool, error)
	// HasPendingForModel reports whether any waiting, delayed or active job
	// other than excludeJobID still targets the model.
	HasPendingForModel(ctx context.Context, modelID int64, excludeJobID string) (bool, error)

	// StopAndDrain sets the stop flag, fails every active job, empties the
	// waiting queue and returns how many jobs were cleared.
	StopAndDrain(ctx context.Context) (int, error)
	Stopped(ctx context.Context) bool
	ClearStopped(ctx context.Context) error
}
