// Package events fans state changes out to connected observers. Every
// mutation is applied to the store first, then published here; a new
// subscriber atomically receives the current full snapshot followed by
// the ordered stream of later events, so nothing is ever missed between
// the two.
package events

import (
	"sync"

	"github.com/agenthub/agenthub/pkg/models"
	"github.com/rs/zerolog/log"
)

// subscriberBuffer is how many events a subscriber may lag before it is
// evicted. Evicting beats silently dropping events, which would break
// the no-gap contract for that observer.
const subscriberBuffer = 256

// SnapshotFunc produces the authoritative full-state view.
type SnapshotFunc func() models.StateSnapshot

// Subscriber is one connected observer.
type Subscriber struct {
	// C delivers the snapshot event first, then incremental events in
	// publish order. Closed when the subscriber is evicted or the bus
	// shuts down.
	C chan models.Event

	closed bool
}

// Bus is the fan-out hub. Publish and Subscribe share one mutex, which is
// what guarantees the snapshot/stream boundary has no gap.
type Bus struct {
	mu       sync.Mutex
	subs     map[*Subscriber]struct{}
	snapshot SnapshotFunc
	shut     bool
}

// New creates a bus. The snapshot function is called under the bus lock
// on every subscribe, so it must not publish back into the bus.
func New(snapshot SnapshotFunc) *Bus {
	return &Bus{
		subs:     make(map[*Subscriber]struct{}),
		snapshot: snapshot,
	}
}

// Subscribe registers an observer and queues its snapshot event.
func (b *Bus) Subscribe() *Subscriber {
	sub := &Subscriber{C: make(chan models.Event, subscriberBuffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shut {
		close(sub.C)
		sub.closed = true
		return sub
	}
	snap := models.StateSnapshot{}
	if b.snapshot != nil {
		snap = b.snapshot()
	}
	sub.C <- models.Event{Type: models.EventStateSnapshot, Payload: snap}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes an observer and closes its channel. Safe to call
// twice (a subscriber may already have been evicted).
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remove(sub)
}

// Publish delivers an event to all subscribers in order. A subscriber
// whose buffer is full is evicted rather than given a stream with holes.
func (b *Bus) Publish(ev models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shut {
		return
	}
	for sub := range b.subs {
		select {
		case sub.C <- ev:
		default:
			log.Warn().Str("event", ev.Type).Msg("Evicting slow event subscriber")
			b.remove(sub)
		}
	}
}

// Changed is a convenience for the common state_changed event.
func (b *Bus) Changed(entity, id string, record any) {
	b.Publish(models.Event{Type: models.EventStateChanged, Payload: models.StateChange{
		Entity: entity,
		ID:     id,
		Record: record,
	}})
}

// Deleted publishes a state_changed event marking an entity removal.
func (b *Bus) Deleted(entity, id string) {
	b.Publish(models.Event{Type: models.EventStateChanged, Payload: models.StateChange{
		Entity:  entity,
		ID:      id,
		Deleted: true,
	}})
}

// Close evicts all subscribers and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shut = true
	for sub := range b.subs {
		b.remove(sub)
	}
}

// remove must be called with the lock held.
func (b *Bus) remove(sub *Subscriber) {
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	if !sub.closed {
		close(sub.C)
		sub.closed = true
	}
}
