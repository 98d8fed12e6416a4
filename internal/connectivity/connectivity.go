// Package connectivity reports network transport changes to the sync
// scheduler. A Feed is subscribed to once; the engine never polls.
package connectivity

import (
	"sync"
)

// TransportNone is the transport reported when the device is offline.
const TransportNone = "none"

// Event is one connectivity change. Transport names the active link
// ("wifi", "cellular", "websocket", ...) or TransportNone.
type Event struct {
	Transport string `json:"transport"`
}

// Online reports whether the event names any transport other than none.
func (e Event) Online() bool {
	return e.Transport != TransportNone
}

// Feed delivers connectivity events to subscribers until cancelled.
type Feed interface {
	Subscribe(fn func(Event)) (cancel func())
}

// hub fans events out to subscribers in subscription order.
type hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Event)
}

func (h *hub) Subscribe(fn func(Event)) func() {
	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[int]func(Event))
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	h.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

func (h *hub) publish(e Event) {
	h.mu.Lock()
	fns := make([]func(Event), 0, len(h.subs))

	for id := 0; id < h.nextID; id++ {
		if fn, ok := h.subs[id]; ok {
			fns = append(fns, fn)
		}
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
}

// Manual is a Feed driven by explicit Publish calls: tests, the CLI, and
// platform glue that already knows the transport.
type Manual struct {
	hub
}

// NewManual returns an empty manual feed.
func NewManual() *Manual {
	return &Manual{}
}

// Publish delivers e to every subscriber.
func (m *Manual) Publish(e Event) {
	m.publish(e)
}

// multi subscribes to several feeds as one.
type multi []Feed

// Merge returns a Feed that delivers events from every non-nil feed.
// It returns nil when no feed is given.
func Merge(feeds ...Feed) Feed {
	var m multi

	for _, f := range feeds {
		if f != nil {
			m = append(m, f)
		}
	}

	switch len(m) {
	case 0:
		return nil
	case 1:
		return m[0]
	}

	return m
}

func (m multi) Subscribe(fn func(Event)) func() {
	cancels := make([]func(), 0, len(m))
	for _, f := range m {
		cancels = append(cancels, f.Subscribe(fn))
	}

	return func() {
		for _, c := range cancels {
			c()
		}
	}
}
