// Package worker drains the probe queue: for each job it checks the stop
// flag, acquires admission slots, sleeps a randomized jitter, executes the
// probe, persists the outcome and publishes progress.
package worker

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/modelprobe/modelprobe/control_plane/admission"
	"github.com/modelprobe/modelprobe/control_plane/observability"
	"github.com/modelprobe/modelprobe/control_plane/probe"
	"github.com/modelprobe/modelprobe/control_plane/progress"
	"github.com/modelprobe/modelprobe/control_plane/queue"
	"github.com/modelprobe/modelprobe/control_plane/store"
)

// DefaultRedisFanOut is how many workers drain a broker-backed queue.
const DefaultRedisFanOut = 50

// stopPollInterval is how often an in-flight probe re-checks the stop flag.
const stopPollInterval = 500 * time.Millisecond

// Pool runs the worker goroutines.
type Pool struct {
	store store.Store
	queue queue.Queue
	exec  *probe.Executor
	bus   *progress.Bus
	cfg   *ConfigCache

	fanOut int

	mu   sync.Mutex
	ctrl admission.Controller

	wg sync.WaitGroup
}

// NewPool wires the pool. ctrl may be nil for in-memory deployments, in
// which case a memory controller sized from the config is created and
// re-created whenever the operator changes concurrency limits.
func NewPool(s store.Store, q queue.Queue, ctrl admission.Controller, exec *probe.Executor, bus *progress.Bus, cfg *ConfigCache, fanOut int) *Pool {
	if fanOut < 1 {
		fanOut = 1
	}
	return &Pool{store: s, queue: q, exec: exec, bus: bus, cfg: cfg, ctrl: ctrl, fanOut: fanOut}
}

// ReloadConfig invalidates the memoized scheduler config.
func (p *Pool) ReloadConfig() {
	p.cfg.Reload()
}

// Start launches the worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.fanOut; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx)
		}()
	}
	log.Printf("worker: started %d workers", p.fanOut)
}

// Wait blocks until every worker has exited after ctx cancellation.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context) {
	for {
		job, err := p.queue.Pull(ctx)
		if err != nil {
			return // ctx done or queue gone
		}
		p.process(ctx, job)
	}
}

// controller returns the admission controller matching the current config,
// rebuilding the in-memory one when limits changed. Jobs hold the
// controller reference they acquired from, so a swap cannot leak slots.
func (p *Pool) controller(cfg *store.SchedulerConfig) admission.Controller {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctrl == nil {
		p.ctrl = admission.NewMemoryController(cfg.MaxGlobalConcurrency, cfg.ChannelConcurrency)
		return p.ctrl
	}
	if mem, ok := p.ctrl.(*admission.MemoryController); ok {
		g, c := mem.Capacities()
		if g != cfg.MaxGlobalConcurrency || c != cfg.ChannelConcurrency {
			p.ctrl = admission.NewMemoryController(cfg.MaxGlobalConcurrency, cfg.ChannelConcurrency)
		}
	}
	return p.ctrl
}

func (p *Pool) process(ctx context.Context, job *queue.ProbeJob) {
	cfg := p.cfg.Get(ctx)

	// Checkpoint 1: job dequeued while a stop was in progress.
	if p.queue.Stopped(ctx) {
		p.finishCanceled(ctx, job)
		return
	}

	ctrl := p.controller(cfg)
	waitStart := time.Now()
	if err := ctrl.Acquire(ctx, job.ChannelID); err != nil {
		// Shutdown while waiting for slots; the broker backend will retry
		// the job, the in-memory one records it failed.
		p.queue.MarkDone(context.Background(), job, false)
		return
	}
	observability.AdmissionWait.Observe(time.Since(waitStart).Seconds())
	observability.ProbesInFlight.Inc()
	defer observability.ProbesInFlight.Dec()
	defer ctrl.Release(context.Background(), job.ChannelID)

	// Checkpoint 2: the flag may have been set while we waited on slots.
	if p.queue.Stopped(ctx) {
		p.finishCanceled(ctx, job)
		return
	}

	if stopped := p.jitter(ctx, cfg); stopped {
		p.finishCanceled(ctx, job)
		return
	}

	outcome := p.executeProbe(ctx, job)

	observability.ProbeResults.WithLabelValues(string(job.Kind), string(outcome.Status)).Inc()
	observability.ProbeDuration.WithLabelValues(string(job.Kind)).Observe(float64(outcome.LatencyMs) / 1000)

	p.finish(ctx, job, outcome)
}

// jitter sleeps a uniform random delay, watching the stop flag so a stop
// request does not have to wait out the full delay.
func (p *Pool) jitter(ctx context.Context, cfg *store.SchedulerConfig) bool {
	delay := time.Duration(cfg.MinJitterMs) * time.Millisecond
	if span := cfg.MaxJitterMs - cfg.MinJitterMs; span > 0 {
		delay += time.Duration(rand.Intn(span+1)) * time.Millisecond
	}
	deadline := time.Now().Add(delay)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		step := stopPollInterval
		if remaining < step {
			step = remaining
		}
		select {
		case <-ctx.Done():
			return true
		case <-time.After(step):
			if p.queue.Stopped(ctx) {
				return true
			}
		}
	}
}

// executeProbe runs the HTTP probe under a context that is canceled if the
// stop flag appears mid-flight.
func (p *Pool) executeProbe(ctx context.Context, job *queue.ProbeJob) *probe.Outcome {
	req, err := probe.BuildProbe(job.BaseURL, job.APIKey, job.ModelName, job.Kind)
	if err != nil {
		return probe.FailOutcome(job.Kind, 0, err.Error())
	}

	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		ticker := time.NewTicker(stopPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-probeCtx.Done():
				return
			case <-ticker.C:
				if p.queue.Stopped(probeCtx) {
					cancel()
					return
				}
			}
		}
	}()

	outcome := p.exec.Execute(probeCtx, job.Kind, req, job.ProxyURL)
	cancel()
	<-watcherDone
	return outcome
}

// finishCanceled short-circuits a job the stop flag reached: the canceled
// outcome is still persisted and published so the dashboard settles.
func (p *Pool) finishCanceled(ctx context.Context, job *queue.ProbeJob) {
	p.finish(ctx, job, probe.FailOutcome(job.Kind, 0, probe.ErrMsgStopped))
}

// finish persists the outcome, publishes progress and retires the job.
// Persist errors count the job as failed but progress still goes out so
// subscribers can retire their "testing" state.
func (p *Pool) finish(ctx context.Context, job *queue.ProbeJob, outcome *probe.Outcome) {
	// Detached context: a canceled worker must still record what happened.
	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec := &store.ProbeRecord{
		ModelID:         job.ModelID,
		Kind:            job.Kind,
		Status:          outcome.Status,
		LatencyMs:       outcome.LatencyMs,
		StatusCode:      outcome.StatusCode,
		ErrorMsg:        outcome.ErrorMsg,
		ResponseContent: outcome.ResponseContent,
	}

	success := outcome.Status == store.StatusSuccess
	if _, err := p.store.PersistProbeOutcome(persistCtx, rec); err != nil {
		log.Printf("worker: persist failed for job %s: %v", job.ID, err)
		success = false
	}

	// isModelComplete is computed after persist so subscribers see the
	// final state of the model before retiring it from "testing".
	pending, err := p.queue.HasPendingForModel(persistCtx, job.ModelID, job.ID)
	if err != nil {
		pending = true // conservative: keep the model marked as testing
	}

	p.bus.Publish(&progress.Event{
		ChannelID:       job.ChannelID,
		ModelID:         job.ModelID,
		ModelName:       job.ModelName,
		Kind:            job.Kind,
		Status:          outcome.Status,
		LatencyMs:       outcome.LatencyMs,
		IsModelComplete: !pending,
	})

	if err := p.queue.MarkDone(persistCtx, job, success); err != nil {
		log.Printf("worker: mark done failed for job %s: %v", job.ID, err)
	}
}
