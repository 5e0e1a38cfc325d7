package bridge

import "time"

// Event types delivered to listeners.
const (
	EventParameter  = "parameter"
	EventError      = "error"
	EventTransfer   = "transfer"
	EventConnection = "connection"
)

// Event is a notification for in-process listeners such as the WebSocket hub.
type Event struct {
	Type      string    `json:"type"`
	Board     string    `json:"board"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Subscribe registers fn for every bridge event and returns a function
// that removes it. fn runs on the goroutine that produced the event and
// must not block.
func (b *Bridge) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.listenersMu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.listenersMu.Unlock()

	return func() {
		b.listenersMu.Lock()
		delete(b.listeners, id)
		b.listenersMu.Unlock()
	}
}

func (b *Bridge) emit(ev Event) {
	b.listenersMu.RLock()
	fns := make([]func(Event), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.listenersMu.RUnlock()

	for _, fn := range fns {
		b.deliver(fn, ev)
	}
}

func (b *Bridge) deliver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logWarn("event listener panicked", "type", ev.Type, "panic", r)
		}
	}()
	fn(ev)
}
