package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelprobe/modelprobe/control_plane/admission"
	"github.com/modelprobe/modelprobe/control_plane/probe"
	"github.com/modelprobe/modelprobe/control_plane/progress"
	"github.com/modelprobe/modelprobe/control_plane/queue"
	"github.com/modelprobe/modelprobe/control_plane/store"
)

type testEnv struct {
	store  *store.MemoryStore
	queue  *queue.MemoryQueue
	bus    *progress.Bus
	pool   *Pool
	events chan *progress.Event
	cancel context.CancelFunc

	channel *store.Channel
	model   *store.Model
}

// newTestEnv seeds one channel and model into a fresh MemoryStore and runs
// a single-worker pool against it, so per-job assertions are deterministic.
// wrap, when non-nil, decorates the store the pool sees (fault injection).
func newTestEnv(t *testing.T, upstream string, jitterMs int, wrap func(store.Store) store.Store) *testEnv {
	t.Helper()

	mem := store.NewMemoryStore()
	ch := mem.AddChannel(&store.Channel{Name: "up", BaseURL: upstream, PrimaryAPIKey: "sk-test", Enabled: true})
	m := mem.AddModel(&store.Model{ChannelID: ch.ID, ModelName: "gpt-4o"})

	var backend store.Store = mem
	if wrap != nil {
		backend = wrap(mem)
	}

	jitter := jitterMs
	cfg := NewConfigCache(backend, Overrides{MinJitterMs: &jitter, MaxJitterMs: &jitter})

	q := queue.NewMemoryQueue()
	ctrl := admission.NewMemoryController(4, 2)
	bus := progress.NewBus("test")
	exec := probe.NewExecutorWithTimeout(5 * time.Second)

	env := &testEnv{
		store:   mem,
		queue:   q,
		bus:     bus,
		events:  make(chan *progress.Event, 16),
		channel: ch,
		model:   m,
	}
	unsub := bus.Subscribe(func(ev *progress.Event) { env.events <- ev })
	t.Cleanup(unsub)

	env.pool = NewPool(backend, q, ctrl, exec, bus, cfg, 1)
	ctx, cancel := context.WithCancel(context.Background())
	env.cancel = cancel
	t.Cleanup(func() {
		cancel()
		env.pool.Wait()
	})
	env.pool.Start(ctx)
	return env
}

func (e *testEnv) enqueue(t *testing.T, id string) *queue.ProbeJob {
	t.Helper()
	job := &queue.ProbeJob{
		ID:        id,
		ChannelID: e.channel.ID,
		ModelID:   e.model.ID,
		ModelName: e.model.ModelName,
		BaseURL:   e.channel.BaseURL,
		APIKey:    e.channel.PrimaryAPIKey,
		Kind:      store.KindChat,
	}
	if err := e.queue.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job
}

func (e *testEnv) waitEvent(t *testing.T, timeout time.Duration) *progress.Event {
	t.Helper()
	select {
	case ev := <-e.events:
		return ev
	case <-time.After(timeout):
		t.Fatal("no progress event")
		return nil
	}
}

func TestWorkerHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"hi"}}]}`))
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, 0, nil)
	env.enqueue(t, "j1")

	ev := env.waitEvent(t, 5*time.Second)
	if ev.Status != store.StatusSuccess {
		t.Errorf("event status = %q", ev.Status)
	}
	if !ev.IsModelComplete {
		t.Error("last job for the model must mark it complete")
	}
	if ev.ModelID != env.model.ID || ev.ChannelID != env.channel.ID {
		t.Errorf("event routing: %+v", ev)
	}

	m, _ := env.store.GetModel(context.Background(), env.model.ID)
	if m.HealthStatus != store.HealthHealthy {
		t.Errorf("model health = %q, want healthy", m.HealthStatus)
	}
	if m.LastCheckedAt == nil {
		t.Error("lastCheckedAt not set")
	}
}

func TestWorkerModelCompleteOnlyOnLastJob(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{"choices":[{"message":{"content":"hi"}}]}`))
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, 0, nil)
	env.enqueue(t, "j1")
	env.enqueue(t, "j2")
	close(release)

	first := env.waitEvent(t, 5*time.Second)
	second := env.waitEvent(t, 5*time.Second)
	if first.IsModelComplete {
		t.Error("first of two jobs already marked the model complete")
	}
	if !second.IsModelComplete {
		t.Error("second job did not mark the model complete")
	}
}

func TestWorkerStopDuringJitter(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.Write([]byte(`{"choices":[{"message":{"content":"hi"}}]}`))
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, 3000, nil)
	env.enqueue(t, "j1")

	// Let the worker reach its jitter sleep, then stop the run.
	time.Sleep(300 * time.Millisecond)
	if _, err := env.queue.StopAndDrain(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	ev := env.waitEvent(t, 3*time.Second)
	if ev.Status != store.StatusFail {
		t.Errorf("event status = %q, want fail", ev.Status)
	}
	if atomic.LoadInt64(&hits) != 0 {
		t.Error("upstream was probed after stop")
	}

	eps, _ := env.store.ListEndpointStates(context.Background(), env.model.ID)
	if len(eps) != 1 {
		t.Fatalf("endpoint rows = %d, want the canceled outcome persisted", len(eps))
	}
	if eps[0].ErrorMsg == nil || *eps[0].ErrorMsg != probe.ErrMsgStopped {
		t.Errorf("error message = %v, want %q", eps[0].ErrorMsg, probe.ErrMsgStopped)
	}
}

func TestWorkerStopBeforeDequeue(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, 0, nil)
	if _, err := env.queue.StopAndDrain(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	env.enqueue(t, "j1")

	ev := env.waitEvent(t, 3*time.Second)
	if ev.Status != store.StatusFail {
		t.Errorf("event status = %q, want fail", ev.Status)
	}
	if atomic.LoadInt64(&hits) != 0 {
		t.Error("upstream probed despite stop flag")
	}
}

type failingStore struct {
	store.Store
}

func (f *failingStore) PersistProbeOutcome(ctx context.Context, rec *store.ProbeRecord) (*store.Model, error) {
	return nil, errors.New("db down")
}

func TestWorkerPersistFailureStillPublishes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":"hi"}}]}`))
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, 0, func(s store.Store) store.Store {
		return &failingStore{Store: s}
	})
	env.enqueue(t, "j1")

	// Subscribers still learn the model finished so dashboards settle.
	ev := env.waitEvent(t, 5*time.Second)
	if !ev.IsModelComplete {
		t.Error("model not marked complete after persist failure")
	}

	m, _ := env.store.GetModel(context.Background(), env.model.ID)
	if m.HealthStatus != store.HealthUnknown {
		t.Errorf("model health = %q, want untouched unknown", m.HealthStatus)
	}
}
