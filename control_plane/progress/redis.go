package progress

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"
)

const pubsubChannel = "modelprobe:progress"

// Mirror bridges the local bus onto a Redis pub/sub channel so progress
// from every process reaches every dashboard. Events published locally are
// forwarded to the broker; events arriving from the broker are re-emitted
// locally unless this process published them.
type Mirror struct {
	client *redis.Client
	bus    *Bus
}

// NewMirror attaches the bus to the broker channel.
func NewMirror(client *redis.Client, bus *Bus) *Mirror {
	m := &Mirror{client: client, bus: bus}
	bus.setRemote(m.forward)
	return m
}

func (m *Mirror) forward(ev *Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	// Best effort; a broker hiccup must not fail the probe that published.
	if err := m.client.Publish(context.Background(), pubsubChannel, data).Err(); err != nil {
		log.Printf("progress: broker publish failed: %v", err)
	}
}

// Run consumes the broker channel until ctx is done.
func (m *Mirror) Run(ctx context.Context) {
	sub := m.client.Subscribe(ctx, pubsubChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			if ev.SourceID == m.bus.SourceID() {
				continue // our own event, already dispatched locally
			}
			m.bus.dispatch(&ev)
		}
	}
}
