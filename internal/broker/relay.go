package broker

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/reflectt/boardserver/internal/events"
)

// defaultSubject is the NATS subject the relay publishes board events to
// and subscribes on. A single subject is enough: subscribers filter
// locally the same way SSE clients filter against the in-process bus.
const defaultSubject = "board.events"

// seenTTL bounds how long a relayed event ID is remembered for echo
// suppression; board events are small and short-lived so a few minutes
// of memory is ample.
const seenTTL = 5 * time.Minute

// Relay mirrors local bus.Publish calls onto a NATS subject and feeds
// messages received on that subject back into the local bus, so that
// multiple board server processes sharing a broker see one merged
// stream. It makes no attempt at exactly-once or ordered delivery across
// processes; each process's own in-memory history remains authoritative
// for that process per the event bus's own contract.
type Relay struct {
	bus    *events.Bus
	client *Client

	mu   sync.Mutex
	seen map[string]time.Time

	listenerID string
}

// NewRelay wires bus to client using the default relay subject.
func NewRelay(bus *events.Bus, client *Client) *Relay {
	return &Relay{
		bus:        bus,
		client:     client,
		seen:       make(map[string]time.Time),
		listenerID: "broker-relay",
	}
}

// Start subscribes to the relay subject and registers the bus listener
// that republishes local events outward.
func (r *Relay) Start() error {
	if _, err := r.client.Subscribe(defaultSubject, r.handleInbound); err != nil {
		return err
	}
	r.bus.Subscribe(r.listenerID, r.handleOutbound)
	return nil
}

// Stop unregisters the local bus listener. The NATS subscription is torn
// down when the caller closes the underlying Client.
func (r *Relay) Stop() {
	r.bus.Unsubscribe(r.listenerID)
}

func (r *Relay) handleOutbound(ev events.Event) {
	if r.wasRelayed(ev.ID) {
		// This event arrived via the broker; don't echo it back out.
		return
	}
	r.markRelayed(ev.ID)
	if err := r.client.PublishJSON(defaultSubject, ev); err != nil {
		log.Printf("[BROKER] failed to relay event %s: %v", ev.ID, err)
	}
}

func (r *Relay) handleInbound(msg Message) {
	var ev events.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		log.Printf("[BROKER] dropped malformed relay message: %v", err)
		return
	}
	if r.wasRelayed(ev.ID) {
		// Echo of an event this process itself published.
		return
	}
	r.markRelayed(ev.ID)
	if _, ok := r.bus.Publish(ev); !ok {
		log.Printf("[BROKER] dropped relay event %s: unrecognized type %q", ev.ID, ev.Type)
	}
}

func (r *Relay) wasRelayed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	_, ok := r.seen[id]
	return ok
}

func (r *Relay) markRelayed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[id] = time.Now()
}

func (r *Relay) pruneLocked() {
	if len(r.seen) < 512 {
		return
	}
	cutoff := time.Now().Add(-seenTTL)
	for id, t := range r.seen {
		if t.Before(cutoff) {
			delete(r.seen, id)
		}
	}
}
