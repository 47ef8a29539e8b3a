package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/immxrtalbeast/teamsync/internal/domain"
	"github.com/immxrtalbeast/teamsync/internal/metrics"
	"github.com/immxrtalbeast/teamsync/lib/logger/sl"
)

var (
	ErrClientNotFound   = errors.New("client not found")
	ErrNotIdentified    = errors.New("connection has not sent user_connected")
	ErrForeignUser      = errors.New("cannot act on behalf of another user")
	ErrUserNotConnected = errors.New("user is not connected")
	ErrUnsupportedEvent = errors.New("unsupported event")
	ErrInvalidPayload   = errors.New("invalid payload")
	ErrNotRoomMember    = errors.New("client has not joined the board")
)

type addressEntry struct {
	address  domain.SessionAddress
	clientID string
}

// Hub is the coordinator every client connects to. It keeps one current
// connection per user, the Session Address registry and the board rooms.
type Hub struct {
	presence PresenceInteractor
	metrics  *metrics.Metrics
	log      *slog.Logger

	livenessTimeout time.Duration

	mu        sync.RWMutex
	clients   map[string]*domain.Client
	users     map[string]*domain.Client
	addresses map[string]addressEntry
	rooms     map[string]*domain.Room
}

func NewHub(presence PresenceInteractor, m *metrics.Metrics, livenessTimeout time.Duration, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		presence:        presence,
		metrics:         m,
		log:             log,
		livenessTimeout: livenessTimeout,
		clients:         make(map[string]*domain.Client),
		users:           make(map[string]*domain.Client),
		addresses:       make(map[string]addressEntry),
		rooms:           make(map[string]*domain.Room),
	}
}

func (h *Hub) RegisterClient(ctx context.Context, client *domain.Client) error {
	const op = "service.hub.registerClient"
	if client == nil {
		return errors.New("client is required")
	}

	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()

	client.SetStatus(domain.ClientStatusConnected)
	h.metrics.ClientConnected()
	h.log.Info("client connected", slog.String("op", op), slog.String("client_id", client.ID))
	return nil
}

// UnregisterClient drops a connection. The user goes offline only when the
// connection is still the user's current one.
func (h *Hub) UnregisterClient(ctx context.Context, clientID string) error {
	const op = "service.hub.unregisterClient"
	log := h.log.With(
		slog.String("op", op),
		slog.String("client_id", clientID),
	)

	h.mu.Lock()
	client, ok := h.clients[clientID]
	if !ok {
		h.mu.Unlock()
		return ErrClientNotFound
	}
	delete(h.clients, clientID)

	userID := client.User()
	current := userID != "" && h.users[userID] == client
	if current {
		delete(h.users, userID)
		if entry, ok := h.addresses[userID]; ok && entry.clientID == clientID {
			delete(h.addresses, userID)
		}
	}
	h.mu.Unlock()

	for _, boardID := range client.BoardIDs() {
		h.leaveRoom(client, boardID)
	}

	client.Close()
	h.metrics.ClientDisconnected()
	log.Info("client disconnected", slog.String("user_id", userID), slog.Bool("current", current))

	if current {
		h.changeStatus(ctx, client, userID, "", domain.StatusOffline)
	}
	return nil
}

// HandleEvent processes one frame received from a client. When the frame
// asks for an ack the reply, or the error, goes back as an "ack" frame;
// otherwise errors are reported with an "error" frame.
func (h *Hub) HandleEvent(ctx context.Context, clientID string, event domain.Envelope) error {
	const op = "service.hub.handleEvent"
	log := h.log.With(
		slog.String("op", op),
		slog.String("client_id", clientID),
		slog.String("event", event.Event),
	)

	client := h.client(clientID)
	if client == nil {
		return ErrClientNotFound
	}
	client.Touch()
	h.metrics.RecordEvent(event.Event)

	reply, err := h.dispatch(ctx, client, event)
	if err != nil {
		log.Debug("event rejected", sl.Err(err))
	}

	if event.Ack != 0 {
		var payload any = reply
		if err != nil {
			payload = domain.ErrorPayload{Event: event.Event, Error: err.Error()}
		}
		ack, encErr := domain.NewEnvelope(domain.EventAck, payload)
		if encErr != nil {
			return encErr
		}
		ack.Ack = event.Ack
		h.send(client, ack)
		return err
	}

	if err != nil {
		h.sendTo(client, domain.EventError, domain.ErrorPayload{Event: event.Event, Error: err.Error()})
	}
	return err
}

func (h *Hub) dispatch(ctx context.Context, client *domain.Client, event domain.Envelope) (any, error) {
	if canonical, ok := domain.CanonicalBoardEvent(event.Event); ok {
		return nil, h.relayBoardEvent(client, canonical, event)
	}

	switch event.Event {
	case domain.EventHeartbeat:
		return nil, nil
	case domain.EventUserConnected:
		return nil, h.userConnected(ctx, client, event)
	case domain.EventUserDisconnected:
		return nil, h.userDisconnected(ctx, client, event)
	case domain.EventUserStatusChange:
		return nil, h.userStatusChange(ctx, client, event)
	case domain.EventPeerID:
		return h.registerAddress(client, event)
	case domain.EventGetPeerID:
		return h.lookupAddress(client, event)
	case domain.EventPeerDisconnected:
		return nil, h.releaseAddress(client, event)
	case domain.EventCallOffer, domain.EventCallAnswer:
		return nil, h.relaySessionDescription(client, event)
	case domain.EventICECandidate:
		return nil, h.relayICECandidate(client, event)
	case domain.EventAnswerCall, domain.EventCallRejected, domain.EventEndCall, domain.EventCallError:
		return nil, h.relayCallNotice(client, event)
	case domain.EventAnnotationData:
		return nil, h.relayAnnotation(client, event)
	case domain.EventJoinBoard:
		return nil, h.joinBoard(client, event)
	case domain.EventLeaveBoard:
		return nil, h.leaveBoard(client, event)
	}
	return nil, ErrUnsupportedEvent
}

func (h *Hub) userConnected(ctx context.Context, client *domain.Client, event domain.Envelope) error {
	const op = "service.hub.userConnected"

	var payload domain.UserConnectedPayload
	if err := event.Decode(&payload); err != nil || payload.UserID == "" {
		return ErrInvalidPayload
	}
	if bound := client.User(); bound != "" && bound != payload.UserID {
		return ErrForeignUser
	}

	client.Bind(payload.UserID, payload.Name)

	h.mu.Lock()
	previous := h.users[payload.UserID]
	h.users[payload.UserID] = client
	if previous != nil && previous != client {
		if entry, ok := h.addresses[payload.UserID]; ok && entry.clientID == previous.ID {
			delete(h.addresses, payload.UserID)
		}
	}
	h.mu.Unlock()

	if previous != nil && previous != client {
		h.log.Info("connection superseded",
			slog.String("op", op),
			slog.String("user_id", payload.UserID),
			slog.String("previous_client_id", previous.ID),
		)
		previous.Close()
	}

	h.changeStatus(ctx, client, payload.UserID, payload.Name, domain.StatusOnline)

	roster, err := h.presence.ListPresence(ctx)
	if err != nil {
		return err
	}
	h.sendTo(client, domain.EventPresenceRoster, roster)
	return nil
}

func (h *Hub) userDisconnected(ctx context.Context, client *domain.Client, event domain.Envelope) error {
	userID, err := h.requireUser(client)
	if err != nil {
		return err
	}
	var payload domain.UserConnectedPayload
	if len(event.Data) > 0 {
		if err := event.Decode(&payload); err != nil {
			return ErrInvalidPayload
		}
		if payload.UserID != "" && payload.UserID != userID {
			return ErrForeignUser
		}
	}
	h.changeStatus(ctx, client, userID, "", domain.StatusOffline)
	return nil
}

func (h *Hub) userStatusChange(ctx context.Context, client *domain.Client, event domain.Envelope) error {
	userID, err := h.requireUser(client)
	if err != nil {
		return err
	}
	var payload domain.StatusChangePayload
	if err := event.Decode(&payload); err != nil {
		return ErrInvalidPayload
	}
	if payload.UserID != "" && payload.UserID != userID {
		return ErrForeignUser
	}
	if !payload.Status.Valid() {
		return domain.ErrInvalidStatus
	}
	h.changeStatus(ctx, client, userID, "", payload.Status)
	return nil
}

// changeStatus persists the status and tells every other client when it
// actually changed.
func (h *Hub) changeStatus(ctx context.Context, origin *domain.Client, userID, name string, status domain.Status) {
	const op = "service.hub.changeStatus"

	record, changed, err := h.presence.SetStatus(ctx, userID, name, status)
	if err != nil {
		h.log.Error("failed to set status",
			slog.String("op", op),
			slog.String("user_id", userID),
			sl.Err(err),
		)
		return
	}
	if !changed {
		return
	}
	h.metrics.RecordPresence(string(record.Status))

	msg, err := domain.NewEnvelope(domain.EventUserStatusChange, domain.StatusChangePayload{
		UserID: record.UserID,
		Status: record.Status,
	})
	if err != nil {
		return
	}
	h.broadcast(msg, origin.ID)
}

func (h *Hub) requireUser(client *domain.Client) (string, error) {
	userID := client.User()
	if userID == "" {
		return "", ErrNotIdentified
	}
	return userID, nil
}

func (h *Hub) client(clientID string) *domain.Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[clientID]
}

func (h *Hub) userClient(userID string) *domain.Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.users[userID]
}

func (h *Hub) sendTo(client *domain.Client, event string, payload any) {
	msg, err := domain.NewEnvelope(event, payload)
	if err != nil {
		h.log.Error("failed to encode event", slog.String("event", event), sl.Err(err))
		return
	}
	h.send(client, msg)
}

func (h *Hub) send(client *domain.Client, msg domain.Envelope) {
	if client.EnqueueEvent(msg) {
		return
	}
	h.metrics.RecordDropped()
	h.log.Debug("dropping event", slog.String("client_id", client.ID), slog.String("event", msg.Event))
}

// broadcast sends msg to every identified connection except exclude.
func (h *Hub) broadcast(msg domain.Envelope, exclude string) {
	h.mu.RLock()
	targets := make([]*domain.Client, 0, len(h.users))
	for _, c := range h.users {
		if c.ID == exclude {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.send(c, msg)
	}
}
