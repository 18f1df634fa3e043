// Package event provides the per-store publish/subscribe bus used by the
// server engine and the sync client to fan events out to local listeners.
package event

import (
	"sync"

	"github.com/hyperengineering/undertow/internal/schema"
)

// Action is what happened to a record.
type Action int

const (
	Push Action = iota
	Remove
	Partial
	Clear
)

func (a Action) String() string {
	switch a {
	case Push:
		return "push"
	case Remove:
		return "remove"
	case Partial:
		return "partial"
	default:
		return "clear"
	}
}

// Event describes a record mutation. MsgID is the client correlation id
// when the mutation originated from a client write, empty otherwise. On
// the client, Ack carries the correlation id a server push confirmed.
type Event struct {
	Action Action
	User   string
	ID     string
	Record schema.Record
	MsgID  string
	Ack    string
}

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(Event)

// Subscription detaches a handler from the bus.
type Subscription interface {
	Unsubscribe()
}

// Bus routes events to the handlers subscribed to each store. A Bus is
// owned by whoever constructs it; there is no package-level instance.
type Bus struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]Handler)}
}

// Subscribe registers handler for events on the named store.
func (b *Bus) Subscribe(store string, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[store] == nil {
		b.subs[store] = make(map[int]Handler)
	}
	id := b.next
	b.next++
	b.subs[store][id] = handler

	return &subscription{bus: b, store: store, id: id}
}

// Publish delivers e to every handler subscribed to store. The handler set
// is snapshotted first so subscribing or unsubscribing from inside a
// handler is safe.
func (b *Bus) Publish(store string, e Event) {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subs[store]))
	for _, h := range b.subs[store] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(e)
	}
}

type subscription struct {
	bus   *Bus
	store string
	id    int
	once  sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		delete(s.bus.subs[s.store], s.id)
	})
}
