// Package progress fans probe completion events out to dashboard
// subscribers. Delivery is at-most-once: a slow subscriber drops events
// rather than blocking the workers publishing them.
package progress

import (
	"log"
	"sync"
	"time"

	"github.com/modelprobe/modelprobe/control_plane/observability"
	"github.com/modelprobe/modelprobe/control_plane/store"
)

// Event is emitted after every finished probe.
type Event struct {
	ChannelID       int64                `json:"channel_id"`
	ModelID         int64                `json:"model_id"`
	ModelName       string               `json:"model_name"`
	Kind            store.EndpointKind   `json:"endpoint_kind"`
	Status          store.EndpointStatus `json:"status"`
	LatencyMs       int64                `json:"latency_ms"`
	Timestamp       time.Time            `json:"timestamp"`
	IsModelComplete bool                 `json:"is_model_complete"`
	// SourceID tags the publishing process so the broker mirror can skip
	// re-emitting its own events.
	SourceID string `json:"source_id,omitempty"`
}

const listenerBuffer = 64

type listener struct {
	ch   chan *Event
	once sync.Once
	done chan struct{}
}

func (l *listener) close() {
	l.once.Do(func() { close(l.done) })
}

// Bus is the process-local publish/subscribe hub. The listener slice is
// copy-on-write: Publish iterates a snapshot, so subscribing and
// unsubscribing from any goroutine during dispatch is safe.
type Bus struct {
	mu        sync.Mutex
	listeners []*listener
	sourceID  string

	// remote, when set, mirrors locally published events to the broker.
	remote func(*Event)
}

// NewBus creates a Bus tagging events with sourceID.
func NewBus(sourceID string) *Bus {
	return &Bus{sourceID: sourceID}
}

// SourceID returns the process tag applied to published events.
func (b *Bus) SourceID() string { return b.sourceID }

func (b *Bus) setRemote(fn func(*Event)) {
	b.mu.Lock()
	b.remote = fn
	b.mu.Unlock()
}

// Subscribe registers fn and returns its unsubscribe function. fn runs on a
// dedicated goroutine; events that arrive faster than fn consumes them are
// dropped once the buffer fills.
func (b *Bus) Subscribe(fn func(*Event)) func() {
	l := &listener{
		ch:   make(chan *Event, listenerBuffer),
		done: make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-l.done:
				return
			case ev := <-l.ch:
				fn(ev)
			}
		}
	}()

	b.mu.Lock()
	next := make([]*listener, len(b.listeners), len(b.listeners)+1)
	copy(next, b.listeners)
	b.listeners = append(next, l)
	b.mu.Unlock()

	return func() {
		l.close()
		b.mu.Lock()
		next := make([]*listener, 0, len(b.listeners))
		for _, cur := range b.listeners {
			if cur != l {
				next = append(next, cur)
			}
		}
		b.listeners = next
		b.mu.Unlock()
	}
}

// Publish dispatches ev to local listeners and mirrors it to the broker
// when multi-process mode is on. Never blocks.
func (b *Bus) Publish(ev *Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.SourceID = b.sourceID

	b.mu.Lock()
	remote := b.remote
	b.mu.Unlock()

	b.dispatch(ev)
	if remote != nil {
		remote(ev)
	}
	observability.ProgressEventsPublished.Inc()
}

// dispatch fans out to the local listeners only.
func (b *Bus) dispatch(ev *Event) {
	b.mu.Lock()
	snapshot := b.listeners
	b.mu.Unlock()

	for _, l := range snapshot {
		select {
		case l.ch <- ev:
		default:
			observability.ProgressEventsDropped.Inc()
			log.Printf("progress: dropped event for model %d (slow subscriber)", ev.ModelID)
		}
	}
}

// ListenerCount reports how many subscribers are attached.
func (b *Bus) ListenerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}
