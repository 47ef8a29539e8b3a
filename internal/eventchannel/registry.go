package eventchannel

import (
	"encoding/json"
	"sync"
)

type eventEntry struct {
	id      uint64
	handler Handler
}

type epochEntry struct {
	id uint64
	fn EpochFunc
}

// registry holds handlers. Dispatch copies the handler list and calls it
// without holding the lock, so handlers may subscribe or unsubscribe.
type registry struct {
	mu     sync.RWMutex
	nextID uint64
	events map[string][]eventEntry
	epochs []epochEntry
}

func newRegistry() *registry {
	return &registry{events: make(map[string][]eventEntry)}
}

func (r *registry) on(event string, h Handler) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.events[event] = append(r.events[event], eventEntry{id: r.nextID, handler: h})
	return Subscription{id: r.nextID}
}

func (r *registry) onEpoch(fn EpochFunc) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.epochs = append(r.epochs, epochEntry{id: r.nextID, fn: fn})
	return Subscription{id: r.nextID}
}

func (r *registry) off(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.events, event)
}

func (r *registry) unsubscribe(sub Subscription) {
	if sub.id == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for event, entries := range r.events {
		for i, e := range entries {
			if e.id != sub.id {
				continue
			}
			entries = append(entries[:i:i], entries[i+1:]...)
			if len(entries) == 0 {
				delete(r.events, event)
			} else {
				r.events[event] = entries
			}
			return
		}
	}
	for i, e := range r.epochs {
		if e.id == sub.id {
			r.epochs = append(r.epochs[:i:i], r.epochs[i+1:]...)
			return
		}
	}
}

func (r *registry) dispatch(event string, data json.RawMessage) int {
	r.mu.RLock()
	entries := append([]eventEntry(nil), r.events[event]...)
	r.mu.RUnlock()

	for _, e := range entries {
		e.handler(data)
	}
	return len(entries)
}

func (r *registry) dispatchEpoch(epoch uint64) {
	r.mu.RLock()
	entries := append([]epochEntry(nil), r.epochs...)
	r.mu.RUnlock()

	for _, e := range entries {
		e.fn(epoch)
	}
}

func (r *registry) count(event string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events[event])
}
