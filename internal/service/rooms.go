package service

import (
	"log/slog"

	"github.com/immxrtalbeast/teamsync/internal/domain"
)

func (h *Hub) joinBoard(client *domain.Client, event domain.Envelope) error {
	var payload domain.BoardRef
	if err := event.Decode(&payload); err != nil || payload.BoardID == "" {
		return ErrInvalidPayload
	}

	h.mu.Lock()
	room, ok := h.rooms[payload.BoardID]
	if !ok {
		room = domain.NewRoom(payload.BoardID)
		h.rooms[payload.BoardID] = room
	}
	room.Join(client)
	h.mu.Unlock()

	client.AddBoard(payload.BoardID)
	h.log.Debug("joined board",
		slog.String("client_id", client.ID),
		slog.String("board_id", payload.BoardID),
	)
	return nil
}

func (h *Hub) leaveBoard(client *domain.Client, event domain.Envelope) error {
	var payload domain.BoardRef
	if err := event.Decode(&payload); err != nil || payload.BoardID == "" {
		return ErrInvalidPayload
	}
	h.leaveRoom(client, payload.BoardID)
	return nil
}

func (h *Hub) leaveRoom(client *domain.Client, boardID string) {
	client.RemoveBoard(boardID)

	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[boardID]
	if !ok {
		return
	}
	if room.Leave(client.ID) {
		delete(h.rooms, boardID)
	}
}

// relayBoardEvent forwards a board mutation to the other members of the
// board's room. The sender must have joined the room.
func (h *Hub) relayBoardEvent(client *domain.Client, name string, event domain.Envelope) error {
	var payload domain.BoardEvent
	if err := event.Decode(&payload); err != nil || payload.BoardID == "" {
		return ErrInvalidPayload
	}

	h.mu.RLock()
	room, ok := h.rooms[payload.BoardID]
	h.mu.RUnlock()
	if !ok || !room.Has(client.ID) {
		return ErrNotRoomMember
	}

	msg := domain.Envelope{Event: name, Data: event.Data}
	for _, member := range room.Snapshot(client.ID) {
		h.send(member, msg)
	}
	return nil
}
