package progress

import (
	"sync"
	"testing"
	"time"

	"github.com/modelprobe/modelprobe/control_plane/store"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus("node-a")

	var mu sync.Mutex
	var got1, got2 []int64
	done := make(chan struct{}, 2)

	unsub1 := bus.Subscribe(func(ev *Event) {
		mu.Lock()
		got1 = append(got1, ev.ModelID)
		if len(got1) == 3 {
			done <- struct{}{}
		}
		mu.Unlock()
	})
	defer unsub1()
	unsub2 := bus.Subscribe(func(ev *Event) {
		mu.Lock()
		got2 = append(got2, ev.ModelID)
		if len(got2) == 3 {
			done <- struct{}{}
		}
		mu.Unlock()
	})
	defer unsub2()

	for i := int64(1); i <= 3; i++ {
		bus.Publish(&Event{ModelID: i, Status: store.StatusSuccess})
	}

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("subscribers did not receive all events")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got1) != 3 || len(got2) != 3 {
		t.Errorf("deliveries = %d, %d, want 3 each", len(got1), len(got2))
	}
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus("node-a")

	received := make(chan int64, 8)
	unsub := bus.Subscribe(func(ev *Event) { received <- ev.ModelID })

	bus.Publish(&Event{ModelID: 1})
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("first event not delivered")
	}

	unsub()
	bus.Publish(&Event{ModelID: 2})
	select {
	case id := <-received:
		t.Errorf("received model %d after unsubscribe", id)
	case <-time.After(100 * time.Millisecond):
	}

	if bus.ListenerCount() != 0 {
		t.Errorf("listener count = %d after unsubscribe", bus.ListenerCount())
	}
}

// A subscriber that stops consuming must not block Publish; overflow events
// are dropped for that subscriber only.
func TestBusSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus("node-a")

	block := make(chan struct{})
	defer close(block)
	unsub := bus.Subscribe(func(ev *Event) { <-block })
	defer unsub()

	fastCount := 0
	fastDone := make(chan struct{})
	total := listenerBuffer + 20
	unsubFast := bus.Subscribe(func(ev *Event) {
		fastCount++
		if fastCount == total {
			close(fastDone)
		}
	})
	defer unsubFast()

	published := make(chan struct{})
	go func() {
		for i := 0; i < total; i++ {
			bus.Publish(&Event{ModelID: int64(i)})
		}
		close(published)
	}()

	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("fast subscriber starved by slow sibling")
	}
}

func TestBusStampsEvents(t *testing.T) {
	bus := NewBus("node-a")
	received := make(chan *Event, 1)
	unsub := bus.Subscribe(func(ev *Event) { received <- ev })
	defer unsub()

	bus.Publish(&Event{ModelID: 1})
	select {
	case ev := <-received:
		if ev.SourceID != "node-a" {
			t.Errorf("source id = %q", ev.SourceID)
		}
		if ev.Timestamp.IsZero() {
			t.Error("timestamp not set")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}
