package eventchannel

import (
	"encoding/json"
	"sync"

	"github.com/immxrtalbeast/teamsync/internal/domain"
)

// Responder produces the ack reply for an event emitted on a Memory bus.
type Responder func(data json.RawMessage) (any, error)

// Memory is an in-process Bus. It records emitted envelopes and lets the
// caller deliver inbound events and start epochs by hand. Acks are answered
// synchronously by registered responders.
type Memory struct {
	handlers *registry

	mu         sync.Mutex
	connected  bool
	epoch      uint64
	emitted    []domain.Envelope
	responders map[string]Responder
	held       map[string][]AckFunc
}

func NewMemory() *Memory {
	return &Memory{
		handlers:   newRegistry(),
		connected:  true,
		responders: make(map[string]Responder),
		held:       make(map[string][]AckFunc),
	}
}

func (m *Memory) Emit(event string, payload any) error {
	_, err := m.record(event, payload)
	return err
}

func (m *Memory) EmitWithAck(event string, payload any, ack AckFunc) error {
	env, err := m.record(event, payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	responder, ok := m.responders[event]
	if !ok {
		m.held[event] = append(m.held[event], ack)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	reply, replyErr := responder(env.Data)
	if replyErr != nil {
		ack(nil, replyErr)
		return nil
	}
	data, err := json.Marshal(reply)
	if err != nil {
		ack(nil, err)
		return nil
	}
	ack(data, nil)
	return nil
}

func (m *Memory) record(event string, payload any) (domain.Envelope, error) {
	env, err := domain.NewEnvelope(event, payload)
	if err != nil {
		return domain.Envelope{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return domain.Envelope{}, ErrNotConnected
	}
	m.emitted = append(m.emitted, env)
	return env, nil
}

func (m *Memory) On(event string, h Handler) Subscription {
	return m.handlers.on(event, h)
}

func (m *Memory) OnEpoch(fn EpochFunc) Subscription {
	return m.handlers.onEpoch(fn)
}

func (m *Memory) Unsubscribe(sub Subscription) {
	m.handlers.unsubscribe(sub)
}

// Respond installs the ack responder for event. A nil responder removes it,
// so acks for event are held until Complete or NewEpoch.
func (m *Memory) Respond(event string, r Responder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r == nil {
		delete(m.responders, event)
		return
	}
	m.responders[event] = r
}

// Deliver dispatches an inbound event to the subscribed handlers.
func (m *Memory) Deliver(event string, payload any) error {
	env, err := domain.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	m.handlers.dispatch(event, env.Data)
	return nil
}

// NewEpoch simulates a reconnection: acks still held complete with
// ErrConnectionLost, then epoch handlers run.
func (m *Memory) NewEpoch() uint64 {
	m.mu.Lock()
	m.epoch++
	epoch := m.epoch
	m.connected = true
	held := m.held
	m.held = make(map[string][]AckFunc)
	m.mu.Unlock()

	for _, acks := range held {
		for _, ack := range acks {
			ack(nil, ErrConnectionLost)
		}
	}
	m.handlers.dispatchEpoch(epoch)
	return epoch
}

// SetConnected toggles whether emits succeed.
func (m *Memory) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}

// Emitted returns the envelopes emitted so far.
func (m *Memory) Emitted() []domain.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Envelope(nil), m.emitted...)
}

// EmittedEvents returns the envelopes emitted with the given name.
func (m *Memory) EmittedEvents(event string) []domain.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Envelope
	for _, env := range m.emitted {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

// Reset forgets emitted envelopes.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitted = nil
}

// HandlerCount reports how many handlers are subscribed to event.
func (m *Memory) HandlerCount(event string) int {
	return m.handlers.count(event)
}

// Complete answers every held ack of event with reply, or err when non-nil.
// It returns how many acks were completed.
func (m *Memory) Complete(event string, reply any, err error) int {
	m.mu.Lock()
	acks := m.held[event]
	delete(m.held, event)
	m.mu.Unlock()

	var data json.RawMessage
	if err == nil && reply != nil {
		raw, marshalErr := json.Marshal(reply)
		if marshalErr != nil {
			err = marshalErr
		}
		data = raw
	}
	for _, ack := range acks {
		ack(data, err)
	}
	return len(acks)
}
