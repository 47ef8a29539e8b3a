package eventchannel

import "sync"

// Scope collects subscriptions so they can be released together. Close is
// idempotent; subscribing through a closed scope is a no-op.
type Scope struct {
	bus Bus

	mu     sync.Mutex
	subs   []Subscription
	closed bool
}

func NewScope(bus Bus) *Scope {
	return &Scope{bus: bus}
}

func (s *Scope) On(event string, h Handler) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Subscription{}
	}
	sub := s.bus.On(event, h)
	s.subs = append(s.subs, sub)
	return sub
}

func (s *Scope) OnEpoch(fn EpochFunc) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Subscription{}
	}
	sub := s.bus.OnEpoch(fn)
	s.subs = append(s.subs, sub)
	return sub
}

func (s *Scope) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.closed = true
	s.mu.Unlock()

	for _, sub := range subs {
		s.bus.Unsubscribe(sub)
	}
}
