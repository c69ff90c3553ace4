package bridge

import (
	log "log/slog"
	"sync"
	"time"

	"sofie/pkg/protocol"
)

type EventName string

const (
	EventStatus        EventName = "status"
	EventMessage       EventName = "message"
	EventStreamChunk   EventName = EventName(protocol.KindStreamChunk)
	EventStreamEnd     EventName = EventName(protocol.KindStreamEnd)
	EventError         EventName = EventName(protocol.KindError)
	EventAuthenticated EventName = "authenticated"
)

// EventFor is the name under which inbound messages of kind k are re-emitted.
func EventFor(k protocol.Kind) EventName {
	return EventName(k)
}

type ErrorSource string

const (
	ErrorWebSocket ErrorSource = "websocket"
	ErrorParse     ErrorSource = "parse"
	ErrorServer    ErrorSource = "server"
	ErrorHTTP      ErrorSource = "http"
)

type Event struct {
	Name      EventName
	Status    Status
	Mode      Mode
	Message   protocol.Inbound
	ID        string
	Timestamp time.Time
	Source    ErrorSource
	Err       error
}

type Handler func(Event)

type subscriber struct {
	id int
	h  Handler
}

type bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[EventName][]subscriber
}

func (b *bus) on(name EventName, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs == nil {
		b.subs = make(map[EventName][]subscriber)
	}
	b.nextID++
	id := b.nextID
	b.subs[name] = append(b.subs[name], subscriber{id: id, h: h})

	var once sync.Once
	return func() {
		once.Do(func() { b.off(name, id) })
	}
}

func (b *bus) off(name EventName, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[name]
	for i, s := range subs {
		if s.id == id {
			b.subs[name] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// emit calls handlers in registration order. A panicking handler is logged
// and does not stop delivery to the others.
func (b *bus) emit(ev Event) {
	b.mu.RLock()
	subs := append([]subscriber(nil), b.subs[ev.Name]...)
	b.mu.RUnlock()

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("Bridge listener panicked", "event", ev.Name, "panic", r)
				}
			}()
			s.h(ev)
		}()
	}
}
