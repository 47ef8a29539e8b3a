// Package callsignal runs the pairwise call state machine of one client.
package callsignal

import (
	"errors"
	"time"

	"github.com/immxrtalbeast/teamsync/internal/domain"
)

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseDialing    Phase = "dialing"
	PhaseRinging    Phase = "ringing"
	PhaseConnecting Phase = "connecting"
	PhaseActive     Phase = "active"
	PhaseEnding     Phase = "ending"
	PhaseError      Phase = "error"
)

type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

var (
	ErrRecipientUnavailable   = errors.New("recipient unavailable")
	ErrMediaAcquisitionFailed = errors.New("media acquisition failed")
	ErrSignalingTimeout       = errors.New("signaling timed out")
	ErrPeerConnectionError    = errors.New("peer connection error")
	ErrCallInProgress         = errors.New("call in progress")

	ErrNoCall         = errors.New("no call in a phase that allows this")
	ErrSelfCall       = errors.New("cannot call yourself")
	ErrCallSuperseded = errors.New("outgoing call superseded by an incoming call")
	ErrNotStarted     = errors.New("call coordinator is not started")
	ErrCallRejected   = errors.New("call rejected by recipient")
	ErrRemoteEnded    = errors.New("call ended by remote party")
)

// busyReason is what a busy client answers to an offer.
const busyReason = "call in progress"

// Call is the state of the single call a client can take part in.
type Call struct {
	CallerID      string
	CalleeID      string
	Direction     Direction
	Phase         Phase
	Remote        domain.SessionAddress
	ScreenSharing bool
	StartedAt     time.Time
}

// Partner returns the user id of the other party.
func (c Call) Partner() string {
	if c.Direction == DirectionOutgoing {
		return c.CalleeID
	}
	return c.CallerID
}

// Transition describes one phase change. Reason is set when the change was
// caused by a failure or by the remote party.
type Transition struct {
	From   Phase
	To     Phase
	Call   Call
	Reason error
}
