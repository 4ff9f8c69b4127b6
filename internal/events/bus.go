// Package events provides a publish/subscribe bus for operational
// events: supervisor state changes, clock syncs, and every point where
// a batch is dropped or discarded. Components emit; the journal (and
// tests) subscribe. The bus is nil-safe: emitting on a nil *Bus is a
// no-op, so components built without a bus need no guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component emitted an event.
const (
	SourceWifi      = "wifi"
	SourceTimeSync  = "timesync"
	SourceSampler   = "sampler"
	SourcePublisher = "publisher"
	SourceMQTT      = "mqtt"
)

// Kind constants describe the event within a source.
const (
	// KindStateChange signals a supervisor state transition.
	// Data: from, to, retries, reason (wifi only).
	KindStateChange = "state_change"

	// KindClockSynced signals a successful time sync.
	// Data: offset_ms, server.
	KindClockSynced = "clock_synced"
	// KindSyncFailed signals a failed or timed-out time sync.
	// Data: error.
	KindSyncFailed = "sync_failed"

	// KindBatchDropped signals a batch dropped because the channel
	// was full. Data: family, readings.
	KindBatchDropped = "batch_dropped"
	// KindReadFailed signals one device failing inside a read cycle.
	// Data: family, source, error.
	KindReadFailed = "read_failed"

	// KindBatchPublished signals a batch delivered to the broker.
	// Data: family, readings, attempts, topic.
	KindBatchPublished = "batch_published"
	// KindBatchDiscarded signals a batch discarded after its final
	// publish attempt failed, or when shutdown interrupts its retries.
	// Data: family, readings, attempts, error.
	KindBatchDiscarded = "batch_discarded"

	// KindBrokerUp and KindBrokerDown track the broker session.
	KindBrokerUp   = "broker_up"
	KindBrokerDown = "broker_down"
)

// Event is a single operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Subscribers receive events on
// buffered channels; a full subscriber misses events rather than
// blocking the emitter, which is often a supervisor loop.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recv maps the receive-only view handed to subscribers back to
	// the channel stored in subs, so Unsubscribe can take <-chan Event.
	recv map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[chan Event]struct{}),
		recv: make(map[<-chan Event]chan Event),
	}
}

// Emit stamps and publishes an event. Safe to call on a nil receiver.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Publish delivers e to every subscriber that has room for it. Safe to
// call on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel receiving every event published from now
// on. Call Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recv[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recv[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recv, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
