package httpapi

import "github.com/reflectt/boardserver/internal/events"

// busSink adapts store.EventSink onto the event bus: every store mutation
// publishes through here, and a valid publish also fans out to any
// connected dashboard websocket clients via hub.
type busSink struct {
	bus *events.Bus
	hub *Hub
}

// NewEventSink wires a store.EventSink that publishes onto bus and, on a
// successful publish, pushes the same event to hub's websocket clients.
func NewEventSink(bus *events.Bus, hub *Hub) *busSink {
	return &busSink{bus: bus, hub: hub}
}

func (s *busSink) Publish(eventType string, agent, taskID string, data map[string]any) {
	ev, ok := s.bus.Publish(events.New(events.Type(eventType), agent, taskID, data))
	if !ok {
		return
	}
	if s.hub != nil {
		s.hub.BroadcastEvent(ev)
	}
}
