package domain

import (
	"encoding/json"
	"strings"

	"github.com/pion/webrtc/v3"
)

// Event names carried by the event channel.
const (
	EventAck       = "ack"
	EventHeartbeat = "heartbeat"

	EventUserConnected    = "user_connected"
	EventUserDisconnected = "user_disconnected"
	EventUserStatusChange = "user_status_change"
	EventPresenceRoster   = "presence_roster"

	EventPeerID           = "peer_id"
	EventGetPeerID        = "get_peer_id"
	EventPeerDisconnected = "peer_disconnected"

	EventCallOffer    = "call_offer"
	EventCallAnswer   = "call_answer"
	EventICECandidate = "ice_candidate"
	EventAnswerCall   = "answer_call"
	EventCallAccepted = "call_accepted"
	EventCallRejected = "call_rejected"
	EventEndCall      = "end_call"
	EventCallEnded    = "call_ended"
	EventCallError    = "call_error"
	EventCallFailed   = "call_failed"

	EventAnnotationData    = "annotation_data"
	EventReceiveAnnotation = "receive_annotation"

	EventJoinBoard      = "join_board"
	EventLeaveBoard     = "leave_board"
	EventCardCreated    = "card_created"
	EventCardUpdated    = "card_updated"
	EventCardDeleted    = "card_deleted"
	EventCardMoved      = "card_moved"
	EventSectionCreated = "section_created"
	EventSectionDeleted = "section_deleted"

	EventError = "error"
)

// Legacy board event names still emitted by older clients.
var legacyBoardEvents = map[string]string{
	"new_card":       EventCardCreated,
	"delete_card":    EventCardDeleted,
	"new_section":    EventSectionCreated,
	"delete_section": EventSectionDeleted,
}

// BoardEventNames lists the canonical board broadcast events.
var BoardEventNames = []string{
	EventCardCreated,
	EventCardUpdated,
	EventCardDeleted,
	EventCardMoved,
	EventSectionCreated,
	EventSectionDeleted,
}

// LegacyBoardEventNames lists the aliases accepted for board broadcasts.
func LegacyBoardEventNames() []string {
	names := make([]string, 0, len(legacyBoardEvents))
	for name := range legacyBoardEvents {
		names = append(names, name)
	}
	return names
}

// CanonicalBoardEvent maps a board event name, legacy or not, to its canonical
// form. The second result is false for non-board events.
func CanonicalBoardEvent(name string) (string, bool) {
	if canonical, ok := legacyBoardEvents[name]; ok {
		return canonical, true
	}
	for _, n := range BoardEventNames {
		if n == name {
			return n, true
		}
	}
	return "", false
}

// Envelope is the frame exchanged over the event channel. A non-zero Ack on
// an outgoing frame asks the receiver for an "ack" frame with the same id.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   uint64          `json:"ack,omitempty"`
}

// NewEnvelope marshals payload into an envelope. A nil payload leaves Data empty.
func NewEnvelope(event string, payload any) (Envelope, error) {
	env := Envelope{Event: event}
	if payload == nil {
		return env, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		env.Data = raw
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Data = data
	return env, nil
}

// Decode unmarshals the envelope data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal(e.Data, v)
}

type UserConnectedPayload struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
}

// UnmarshalJSON accepts either a bare user id string or an object.
func (p *UserConnectedPayload) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "\"") {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		p.UserID = id
		return nil
	}
	type alias UserConnectedPayload
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = UserConnectedPayload(a)
	return nil
}

type StatusChangePayload struct {
	UserID string `json:"userId"`
	Status Status `json:"status"`
}

type PeerIDPayload struct {
	UserID string `json:"userId"`
	PeerID string `json:"peerId"`
}

type GetPeerIDPayload struct {
	TargetUserID string `json:"targetUserId"`
}

type GetPeerIDReply struct {
	PeerID string `json:"peerId,omitempty"`
}

type RegisterReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type UserRef struct {
	UserID string `json:"userId"`
}

// TargetPayload addresses a call notification at a user.
type TargetPayload struct {
	TargetUserID string `json:"targetUserId"`
	Error        string `json:"error,omitempty"`
}

// CallNotice is what the coordinator relays to the target of a TargetPayload.
type CallNotice struct {
	UserID string `json:"userId,omitempty"`
	Error  string `json:"error,omitempty"`
}

// SessionDescriptionPayload carries an offer or answer between session addresses.
type SessionDescriptionPayload struct {
	TargetPeerID string                    `json:"targetPeerId"`
	FromPeerID   string                    `json:"fromPeerId"`
	SDP          webrtc.SessionDescription `json:"sdp"`
}

type ICECandidatePayload struct {
	TargetPeerID string                  `json:"targetPeerId"`
	FromPeerID   string                  `json:"fromPeerId"`
	Candidate    webrtc.ICECandidateInit `json:"candidate"`
}

type AnnotationPayload struct {
	TargetUserID string          `json:"targetUserId"`
	PathData     json.RawMessage `json:"pathData"`
}

type ReceivedAnnotation struct {
	UserID   string          `json:"userId,omitempty"`
	PathData json.RawMessage `json:"pathData"`
}

type ErrorPayload struct {
	Event string `json:"event,omitempty"`
	Error string `json:"error"`
}
