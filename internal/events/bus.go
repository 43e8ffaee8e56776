package events

import (
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// HistoryCap bounds the in-memory ordered event sequence; oldest events
// are dropped once the cap is reached.
const HistoryCap = 5000

// DefaultBatchWindow is the default SSE flush interval.
const DefaultBatchWindow = 250 * time.Millisecond

// sseQueueSoftBound is the per-client backlog at which a slow SSE client
// is disconnected rather than allowed to grow unbounded.
const sseQueueSoftBound = 1000

// Listener is an inline subscriber invoked synchronously, in registration
// order, right after an event is appended to history. A listener must not
// block for long; its errors (via recover) are logged and swallowed so one
// misbehaving listener cannot stop delivery to others.
type Listener func(Event)

// Flush is what an SSEClient hands to its consumer on each batch window:
// either a single event (Single set) or, if more than one event queued up
// since the last flush, a synthetic batch (Batch set).
type Flush struct {
	Single *Event
	Batch  []Event
}

// SSEClient is a filtered, batched event sink meant to back one `/events`
// HTTP connection. The bus pushes matching events into its queue; a
// per-client goroutine flushes that queue on BatchWindow and writes the
// result to Out.
type SSEClient struct {
	ID     string
	Topics map[string]bool // nil/empty = all topics
	Types  map[Type]bool   // nil/empty = all types
	Agent  string          // "" = all agents

	Out chan Flush

	mu          sync.Mutex
	queue       []Event
	closed      bool
	batchWindow time.Duration
	stop        chan struct{}
}

func newSSEClient(topics, types []string, agent string, batchWindow time.Duration) *SSEClient {
	c := &SSEClient{
		ID:          uuid.New().String(),
		Out:         make(chan Flush, 16),
		batchWindow: batchWindow,
		stop:        make(chan struct{}),
	}
	if len(topics) > 0 {
		c.Topics = make(map[string]bool, len(topics))
		for _, t := range topics {
			c.Topics[t] = true
		}
	}
	if len(types) > 0 {
		c.Types = make(map[Type]bool, len(types))
		for _, t := range types {
			c.Types[Type(t)] = true
		}
	}
	c.Agent = agent
	go c.loop()
	return c
}

func (c *SSEClient) loop() {
	window := c.batchWindow
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.flush()
			c.mu.Lock()
			if c.batchWindow > 0 && c.batchWindow != window {
				window = c.batchWindow
				ticker.Reset(window)
			}
			c.mu.Unlock()
		}
	}
}

func (c *SSEClient) flush() {
	c.mu.Lock()
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return
	}
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	var f Flush
	if len(pending) == 1 {
		ev := pending[0]
		f.Single = &ev
	} else {
		f.Batch = pending
	}

	select {
	case c.Out <- f:
	default:
		// Consumer stalled; drop this flush rather than block the bus.
	}
}

// SetBatchWindow adjusts the flush interval at runtime.
func (c *SSEClient) SetBatchWindow(d time.Duration) {
	c.mu.Lock()
	c.batchWindow = d
	c.mu.Unlock()
}

func (c *SSEClient) matches(ev Event) bool {
	if c.Agent != "" && !strings.EqualFold(c.Agent, ev.Agent) {
		return false
	}
	if len(c.Types) > 0 && !c.Types[ev.Type] {
		return false
	}
	if len(c.Topics) > 0 && !c.Topics[topicOf(ev.Type)] {
		return false
	}
	return true
}

func (c *SSEClient) enqueue(ev Event) (overflowed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if len(c.queue) >= sseQueueSoftBound {
		return true
	}
	c.queue = append(c.queue, ev)
	return false
}

// Close stops the client's flush loop and closes Out. Safe to call once.
func (c *SSEClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.stop)
	close(c.Out)
}

func topicOf(t Type) string {
	switch t {
	case TaskCreated, TaskUpdated, TaskAssigned, TaskStatusChanged, TaskDeleted:
		return "tasks"
	case MessagePosted:
		return "chat"
	case PresenceUpdated:
		return "presence"
	case MemoryWritten:
		return "memory"
	case InsightPromoted, InsightTriaged:
		return "insights"
	default:
		return "other"
	}
}

// Bus is the single logical event stream: a bounded ordered history, a
// set of inline listeners invoked synchronously on publish, and a set of
// SSE client subscriptions fed asynchronously.
type Bus struct {
	mu      sync.RWMutex
	seq     uint64
	history []Event

	listenerOrder []string
	listeners     map[string]Listener

	sseClients map[string]*SSEClient

	batchWindow time.Duration
	dropped     uint64
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		listeners:   make(map[string]Listener),
		sseClients:  make(map[string]*SSEClient),
		batchWindow: DefaultBatchWindow,
	}
}

// Subscribe registers an inline listener under id, replacing any prior
// listener with the same id.
func (b *Bus) Subscribe(id string, l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.listeners[id]; !exists {
		b.listenerOrder = append(b.listenerOrder, id)
	}
	b.listeners[id] = l
}

// Unsubscribe removes an inline listener.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, id)
	for i, lid := range b.listenerOrder {
		if lid == id {
			b.listenerOrder = append(b.listenerOrder[:i], b.listenerOrder[i+1:]...)
			break
		}
	}
}

// SetBatchWindow changes the flush interval used for new SSE clients.
// Existing clients keep their window unless also nudged.
func (b *Bus) SetBatchWindow(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batchWindow = d
}

// NewSSESubscriber creates and registers a filtered SSE client.
func (b *Bus) NewSSESubscriber(topics, types []string, agent string) *SSEClient {
	b.mu.Lock()
	window := b.batchWindow
	c := newSSEClient(topics, types, agent, window)
	b.sseClients[c.ID] = c
	b.mu.Unlock()
	return c
}

// RemoveSSESubscriber unregisters and closes a client.
func (b *Bus) RemoveSSESubscriber(c *SSEClient) {
	b.mu.Lock()
	delete(b.sseClients, c.ID)
	b.mu.Unlock()
	c.Close()
}

// Publish appends ev to the history (assigning ID/Seq/Timestamp if unset),
// invokes inline listeners synchronously, and fans the event out to
// matching SSE clients. Publish is non-blocking with respect to SSE
// delivery (only the synchronous inline listeners run inline).
// Events whose Type is not in the closed set are rejected.
func (b *Bus) Publish(ev Event) (Event, bool) {
	if !IsValid(ev.Type) {
		log.Printf("[BUS] rejected publish of unknown event type %q", ev.Type)
		return Event{}, false
	}

	b.mu.Lock()
	b.seq++
	ev.Seq = b.seq
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.history = append(b.history, ev)
	if len(b.history) > HistoryCap {
		drop := len(b.history) - HistoryCap
		b.history = b.history[drop:]
	}

	listenerOrder := append([]string(nil), b.listenerOrder...)
	listeners := make(map[string]Listener, len(b.listeners))
	for k, v := range b.listeners {
		listeners[k] = v
	}

	var overflowed []*SSEClient
	for _, c := range b.sseClients {
		if c.matches(ev) {
			if c.enqueue(ev) {
				overflowed = append(overflowed, c)
			}
		}
	}
	for _, c := range overflowed {
		delete(b.sseClients, c.ID)
	}
	b.mu.Unlock()

	for _, c := range overflowed {
		atomic.AddUint64(&b.dropped, 1)
		c.Close()
	}

	for _, id := range listenerOrder {
		l, ok := listeners[id]
		if !ok {
			continue
		}
		b.invokeListener(id, l, ev)
	}

	return ev, true
}

func (b *Bus) invokeListener(id string, l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[BUS] listener %q panicked on event %s: %v", id, ev.ID, r)
		}
	}()
	l(ev)
}

// Since returns history events with Timestamp at or after since,
// optionally filtered by agent, newest-compatible ordering preserved
// (insertion order), capped at limit (0 = no cap).
func (b *Bus) Since(since time.Time, agent string, limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, ev := range b.history {
		if ev.Timestamp.Before(since) {
			continue
		}
		if agent != "" && !strings.EqualFold(agent, ev.Agent) {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// DroppedSSEClients returns the count of SSE clients disconnected due to
// backlog overflow.
func (b *Bus) DroppedSSEClients() uint64 {
	return atomic.LoadUint64(&b.dropped)
}

// HistoryLen reports the current in-memory history length (test/debug aid).
func (b *Bus) HistoryLen() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.history)
}
