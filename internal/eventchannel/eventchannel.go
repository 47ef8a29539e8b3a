// Package eventchannel is the client side of the persistent bidirectional
// event channel shared by presence, call signaling and board sync.
package eventchannel

import (
	"encoding/json"
	"errors"
)

var (
	ErrNotConnected   = errors.New("event channel is not connected")
	ErrConnectionLost = errors.New("event channel connection lost")
	ErrSendBufferFull = errors.New("event channel send buffer is full")
	ErrClosed         = errors.New("event channel is closed")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Handler receives the raw payload of an event.
type Handler func(data json.RawMessage)

// AckFunc receives the reply to EmitWithAck, or ErrConnectionLost when the
// connection dropped before the reply arrived.
type AckFunc func(data json.RawMessage, err error)

// EpochFunc runs once per successful connection, before any event of that
// connection is dispatched.
type EpochFunc func(epoch uint64)

// Subscription identifies a registered handler. The zero value is inert.
type Subscription struct {
	id uint64
}

// Bus is what components need from the event channel.
type Bus interface {
	Emit(event string, payload any) error
	EmitWithAck(event string, payload any, ack AckFunc) error
	On(event string, h Handler) Subscription
	OnEpoch(fn EpochFunc) Subscription
	Unsubscribe(sub Subscription)
}
