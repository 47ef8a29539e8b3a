package service

import (
	"errors"
	"log/slog"

	"github.com/immxrtalbeast/teamsync/internal/domain"
)

var (
	ErrNoSessionAddress = errors.New("sender has no session address")
	ErrStaleAddress     = errors.New("session address is no longer valid")
)

// relayedNotices maps a call notice to the event its target receives.
var relayedNotices = map[string]string{
	domain.EventAnswerCall:   domain.EventCallAccepted,
	domain.EventCallRejected: domain.EventCallRejected,
	domain.EventEndCall:      domain.EventCallEnded,
	domain.EventCallError:    domain.EventCallFailed,
}

// registerAddress stores the caller's Session Address. Only the owning user
// may write its entry.
func (h *Hub) registerAddress(client *domain.Client, event domain.Envelope) (any, error) {
	const op = "service.hub.registerAddress"

	userID, err := h.requireUser(client)
	if err != nil {
		return nil, err
	}
	var payload domain.PeerIDPayload
	if err := event.Decode(&payload); err != nil {
		return nil, ErrInvalidPayload
	}
	address, err := domain.ParseSessionAddress(payload.PeerID)
	if err != nil {
		return nil, err
	}
	if address.UserID != userID || (payload.UserID != "" && payload.UserID != userID) {
		return nil, ErrForeignUser
	}

	h.mu.Lock()
	if h.users[userID] != client {
		h.mu.Unlock()
		return nil, ErrNotIdentified
	}
	h.addresses[userID] = addressEntry{address: address, clientID: client.ID}
	h.mu.Unlock()

	h.log.Debug("session address registered",
		slog.String("op", op),
		slog.String("user_id", userID),
		slog.String("address", address.String()),
	)
	return domain.RegisterReply{OK: true}, nil
}

func (h *Hub) lookupAddress(client *domain.Client, event domain.Envelope) (any, error) {
	if _, err := h.requireUser(client); err != nil {
		return nil, err
	}
	var payload domain.GetPeerIDPayload
	if err := event.Decode(&payload); err != nil || payload.TargetUserID == "" {
		return nil, ErrInvalidPayload
	}

	h.mu.RLock()
	entry, ok := h.addresses[payload.TargetUserID]
	h.mu.RUnlock()
	if !ok {
		return domain.GetPeerIDReply{}, nil
	}
	return domain.GetPeerIDReply{PeerID: entry.address.String()}, nil
}

func (h *Hub) releaseAddress(client *domain.Client, event domain.Envelope) error {
	userID, err := h.requireUser(client)
	if err != nil {
		return err
	}
	var payload domain.PeerIDPayload
	if len(event.Data) > 0 {
		if err := event.Decode(&payload); err != nil {
			return ErrInvalidPayload
		}
	}
	if payload.UserID != "" && payload.UserID != userID {
		return ErrForeignUser
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.addresses[userID]
	if !ok || entry.clientID != client.ID {
		return nil
	}
	if payload.PeerID != "" && payload.PeerID != entry.address.String() {
		return nil
	}
	delete(h.addresses, userID)
	return nil
}

// senderAddress returns the registered address of the client's user.
func (h *Hub) senderAddress(client *domain.Client) (domain.SessionAddress, error) {
	userID, err := h.requireUser(client)
	if err != nil {
		return domain.SessionAddress{}, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	entry, ok := h.addresses[userID]
	if !ok || entry.clientID != client.ID {
		return domain.SessionAddress{}, ErrNoSessionAddress
	}
	return entry.address, nil
}

// resolveAddress returns the connection currently owning raw.
func (h *Hub) resolveAddress(raw string) (*domain.Client, domain.SessionAddress, error) {
	address, err := domain.ParseSessionAddress(raw)
	if err != nil {
		return nil, domain.SessionAddress{}, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	entry, ok := h.addresses[address.UserID]
	if !ok || entry.address != address {
		return nil, address, ErrStaleAddress
	}
	target, ok := h.users[address.UserID]
	if !ok || target.ID != entry.clientID {
		return nil, address, ErrStaleAddress
	}
	return target, address, nil
}

func (h *Hub) relaySessionDescription(client *domain.Client, event domain.Envelope) error {
	from, err := h.senderAddress(client)
	if err != nil {
		return err
	}
	var payload domain.SessionDescriptionPayload
	if err := event.Decode(&payload); err != nil {
		return ErrInvalidPayload
	}

	target, address, err := h.resolveAddress(payload.TargetPeerID)
	if err != nil {
		h.failCall(client, address.UserID, err)
		return nil
	}

	payload.FromPeerID = from.String()
	h.sendTo(target, event.Event, payload)
	h.metrics.RecordRelay(event.Event)
	return nil
}

func (h *Hub) relayICECandidate(client *domain.Client, event domain.Envelope) error {
	from, err := h.senderAddress(client)
	if err != nil {
		return err
	}
	var payload domain.ICECandidatePayload
	if err := event.Decode(&payload); err != nil {
		return ErrInvalidPayload
	}

	target, _, err := h.resolveAddress(payload.TargetPeerID)
	if err != nil {
		return err
	}

	payload.FromPeerID = from.String()
	h.sendTo(target, event.Event, payload)
	h.metrics.RecordRelay(event.Event)
	return nil
}

func (h *Hub) relayCallNotice(client *domain.Client, event domain.Envelope) error {
	userID, err := h.requireUser(client)
	if err != nil {
		return err
	}
	var payload domain.TargetPayload
	if err := event.Decode(&payload); err != nil || payload.TargetUserID == "" {
		return ErrInvalidPayload
	}

	target := h.userClient(payload.TargetUserID)
	if target == nil {
		return ErrUserNotConnected
	}

	h.sendTo(target, relayedNotices[event.Event], domain.CallNotice{UserID: userID, Error: payload.Error})
	h.metrics.RecordRelay(event.Event)
	return nil
}

func (h *Hub) relayAnnotation(client *domain.Client, event domain.Envelope) error {
	userID, err := h.requireUser(client)
	if err != nil {
		return err
	}
	var payload domain.AnnotationPayload
	if err := event.Decode(&payload); err != nil || payload.TargetUserID == "" || len(payload.PathData) == 0 {
		return ErrInvalidPayload
	}

	target := h.userClient(payload.TargetUserID)
	if target == nil {
		return ErrUserNotConnected
	}

	h.sendTo(target, domain.EventReceiveAnnotation, domain.ReceivedAnnotation{UserID: userID, PathData: payload.PathData})
	h.metrics.RecordRelay(event.Event)
	return nil
}

// failCall tells the sender that its offer could not be delivered.
func (h *Hub) failCall(client *domain.Client, targetUserID string, cause error) {
	h.sendTo(client, domain.EventCallFailed, domain.CallNotice{UserID: targetUserID, Error: cause.Error()})
}
