package queue

import (
	"context"
	"sync"
	"time"
)

type jobState int

const (
	stateWaiting jobState = iota
	stateActive
)

type memoryEntry struct {
	job   *ProbeJob
	state jobState
}

// MemoryQueue is the in-process queue backend. Jobs live in a FIFO slice;
// completion counters reset once the queue fully drains so the next batch
// starts its progress from zero.
type MemoryQueue struct {
	mu      sync.Mutex
	entries []*memoryEntry

	completed int64
	failed    int64

	stopped      bool
	stopDeadline time.Time

	notify chan struct{}
}

// NewMemoryQueue creates an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{notify: make(chan struct{}, 1)}
}

func (q *MemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job *ProbeJob) error {
	q.mu.Lock()
	q.entries = append(q.entries, &memoryEntry{job: job})
	q.mu.Unlock()
	q.wake()
	return nil
}

func (q *MemoryQueue) EnqueueBulk(ctx context.Context, jobs []*ProbeJob) error {
	q.mu.Lock()
	for _, job := range jobs {
		q.entries = append(q.entries, &memoryEntry{job: job})
	}
	q.mu.Unlock()
	q.wake()
	return nil
}

// PullNext takes the first waiting job accepted by canTake (nil accepts
// everything) and marks it active. Returns nil when nothing matches.
func (q *MemoryQueue) PullNext(canTake func(*ProbeJob) bool) *ProbeJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.state != stateWaiting {
			continue
		}
		if canTake != nil && !canTake(e.job) {
			continue
		}
		e.state = stateActive
		return e.job
	}
	return nil
}

func (q *MemoryQueue) Pull(ctx context.Context) (*ProbeJob, error) {
	for {
		if job := q.PullNext(nil); job != nil {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *MemoryQueue) MarkDone(ctx context.Context, job *ProbeJob, success bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.job.ID == job.ID && e.state == stateActive {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	if success {
		q.completed++
	} else {
		q.failed++
	}
	if len(q.entries) == 0 {
		// Batch finished; next run starts from a clean progress bar.
		q.completed, q.failed = 0, 0
	}
	return nil
}

func (q *MemoryQueue) Stats(ctx context.Context) (*Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := &Stats{Completed: q.completed, Failed: q.failed}
	for _, e := range q.entries {
		switch e.state {
		case stateWaiting:
			st.Waiting++
		case stateActive:
			st.Active++
		}
	}
	st.Total = st.Waiting + st.Active + st.Completed + st.Failed + st.Delayed
	return st, nil
}

func (q *MemoryQueue) TestingModelIDs(ctx context.Context) (map[int64]bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[int64]bool)
	for _, e := range q.entries {
		out[e.job.ModelID] = true
	}
	return out, nil
}

func (q *MemoryQueue) TestingChannelIDs(ctx context.Context) (map[int64]bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[int64]bool)
	for _, e := range q.entries {
		out[e.job.ChannelID] = true
	}
	return out, nil
}

func (q *MemoryQueue) HasPendingForModel(ctx context.Context, modelID int64, excludeJobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.job.ModelID == modelID && e.job.ID != excludeJobID {
			return true, nil
		}
	}
	return false, nil
}

func (q *MemoryQueue) StopAndDrain(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.stopped = true
	q.stopDeadline = time.Now().Add(StoppedFlagTTL)

	cleared := 0
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.state == stateWaiting {
			cleared++
			q.failed++
			continue
		}
		// Active jobs observe the flag at their next checkpoint.
		kept = append(kept, e)
	}
	q.entries = kept
	return cleared, nil
}

func (q *MemoryQueue) Stopped(ctx context.Context) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.stopped {
		return false
	}
	if time.Now().After(q.stopDeadline) {
		q.stopped = false
		return false
	}
	return true
}

func (q *MemoryQueue) ClearStopped(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = false
	return nil
}
