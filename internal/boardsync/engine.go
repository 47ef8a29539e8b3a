// Package boardsync keeps a board replica in step with the other clients
// viewing the same board.
package boardsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/immxrtalbeast/teamsync/internal/domain"
	"github.com/immxrtalbeast/teamsync/internal/eventchannel"
	"github.com/immxrtalbeast/teamsync/lib/logger/sl"
)

var (
	// ErrRequestFailed marks a failed CRUD request. The optimistic change
	// that preceded it has been rolled back.
	ErrRequestFailed = errors.New("board request failed")
	// ErrSyncConflict means an event referenced an entity the replica does
	// not hold. Receivers treat it as a no-op.
	ErrSyncConflict = errors.New("board entity not present locally")

	ErrNotActive      = errors.New("no active board")
	ErrUnknownCard    = errors.New("unknown card")
	ErrUnknownSection = errors.New("unknown section")
)

// API is the CRUD surface of the external board service. Every call returns
// the stored entity with its server-assigned id and order.
type API interface {
	ListSections(ctx context.Context, boardID string) ([]domain.Section, error)
	ListCards(ctx context.Context, boardID string) ([]domain.Card, error)
	CreateSection(ctx context.Context, boardID, name string) (domain.Section, error)
	DeleteSection(ctx context.Context, sectionID string) error
	CreateCard(ctx context.Context, draft domain.CardDraft) (domain.Card, error)
	UpdateCard(ctx context.Context, cardID string, update domain.CardUpdate) (domain.Card, error)
	DeleteCard(ctx context.Context, cardID string) error
	MoveCard(ctx context.Context, cardID, sectionID string, order int) (domain.Card, error)
}

// Change reports a replica change caused by a local mutation or a remote event.
type Change struct {
	Event   string
	BoardID string
	Remote  bool
}

type Engine struct {
	bus eventchannel.Bus
	api API
	log *slog.Logger

	mu      sync.Mutex
	replica *Replica
	scope   *eventchannel.Scope
	gen     uint64

	listenersMu  sync.Mutex
	nextListener uint64
	listeners    map[uint64]func(Change)
}

func New(bus eventchannel.Bus, api API, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		bus:       bus,
		api:       api,
		log:       log.With(slog.String("component", "boardsync")),
		listeners: make(map[uint64]func(Change)),
	}
}

// Activate loads boardID, subscribes to its broadcasts and joins its room.
// A previously active board is deactivated first. After every reconnection
// the room is joined again and the snapshot refetched.
func (e *Engine) Activate(ctx context.Context, boardID string) error {
	const op = "boardsync.engine.activate"
	log := e.log.With(slog.String("op", op), slog.String("board_id", boardID))

	if boardID == "" {
		return fmt.Errorf("%s: board id is required", op)
	}
	e.Deactivate()

	sections, cards, err := e.fetch(ctx, boardID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	replica := NewReplica(boardID)
	e.load(replica, sections, cards)

	scope := eventchannel.NewScope(e.bus)
	e.mu.Lock()
	if e.scope != nil {
		// Another activation won the race.
		e.mu.Unlock()
		scope.Close()
		return fmt.Errorf("%s: %w", op, ErrNotActive)
	}
	e.gen++
	gen := e.gen
	e.replica = replica
	e.scope = scope
	e.mu.Unlock()

	for _, name := range domain.BoardEventNames {
		scope.On(name, e.boardHandler(gen, name))
	}
	for _, name := range domain.LegacyBoardEventNames() {
		canonical, _ := domain.CanonicalBoardEvent(name)
		scope.On(name, e.boardHandler(gen, canonical))
	}
	scope.OnEpoch(func(uint64) {
		go e.rejoin(gen)
	})

	if err := e.bus.Emit(domain.EventJoinBoard, domain.BoardRef{BoardID: boardID}); err != nil {
		log.Warn("join_board not sent, will join on reconnect", sl.Err(err))
	}
	log.Info("board activated",
		slog.Int("sections", len(replica.Sections())),
		slog.Int("cards", replica.CardCount()),
	)
	return nil
}

// Deactivate drops the board handlers and leaves the room.
func (e *Engine) Deactivate() {
	e.mu.Lock()
	scope, replica := e.scope, e.replica
	e.scope = nil
	e.replica = nil
	e.gen++
	e.mu.Unlock()

	if scope == nil {
		return
	}
	scope.Close()
	if err := e.bus.Emit(domain.EventLeaveBoard, domain.BoardRef{BoardID: replica.BoardID()}); err != nil {
		e.log.Debug("leave_board not sent", sl.Err(err))
	}
}

// Replica returns the active replica, or nil.
func (e *Engine) Replica() *Replica {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.replica
}

// OnChange registers fn for replica changes and returns its unsubscribe func.
func (e *Engine) OnChange(fn func(Change)) func() {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.nextListener++
	id := e.nextListener
	e.listeners[id] = fn
	return func() {
		e.listenersMu.Lock()
		defer e.listenersMu.Unlock()
		delete(e.listeners, id)
	}
}

func (e *Engine) fetch(ctx context.Context, boardID string) ([]domain.Section, []domain.Card, error) {
	sections, err := e.api.ListSections(ctx, boardID)
	if err != nil {
		return nil, nil, requestFailed(err)
	}
	cards, err := e.api.ListCards(ctx, boardID)
	if err != nil {
		return nil, nil, requestFailed(err)
	}
	return sections, cards, nil
}

func (e *Engine) load(replica *Replica, sections []domain.Section, cards []domain.Card) {
	if skipped := replica.Load(sections, cards); skipped > 0 {
		e.log.Warn("cards without a section skipped",
			slog.String("board_id", replica.BoardID()),
			slog.Int("count", skipped),
		)
	}
}

func (e *Engine) rejoin(gen uint64) {
	const op = "boardsync.engine.rejoin"

	replica := e.activeReplica(gen)
	if replica == nil {
		return
	}
	log := e.log.With(slog.String("op", op), slog.String("board_id", replica.BoardID()))

	if err := e.bus.Emit(domain.EventJoinBoard, domain.BoardRef{BoardID: replica.BoardID()}); err != nil {
		log.Warn("join_board not sent", sl.Err(err))
	}

	sections, cards, err := e.fetch(context.Background(), replica.BoardID())
	if err != nil {
		log.Warn("snapshot refetch failed", sl.Err(err))
		return
	}
	if e.activeReplica(gen) == nil {
		return
	}
	e.load(replica, sections, cards)
	e.notify(Change{Event: "refetch", BoardID: replica.BoardID()})
}

func (e *Engine) activeReplica(gen uint64) *Replica {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen {
		return nil
	}
	return e.replica
}

func (e *Engine) active() (*Replica, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.replica == nil {
		return nil, ErrNotActive
	}
	return e.replica, nil
}

func (e *Engine) boardHandler(gen uint64, event string) eventchannel.Handler {
	return func(data json.RawMessage) {
		replica := e.activeReplica(gen)
		if replica == nil {
			return
		}
		payload, err := decodeBoardEvent(event, data)
		if err != nil {
			e.log.Warn("malformed board event", slog.String("event", event), sl.Err(err))
			return
		}
		if payload.BoardID != replica.BoardID() {
			return
		}

		if err := apply(replica, event, payload); err != nil {
			if errors.Is(err, ErrSyncConflict) {
				e.log.Debug("board event ignored",
					slog.String("event", event),
					slog.String("board_id", payload.BoardID),
				)
				return
			}
			e.log.Warn("board event rejected", slog.String("event", event), sl.Err(err))
			return
		}
		e.notify(Change{Event: event, BoardID: payload.BoardID, Remote: true})
	}
}

// decodeBoardEvent reads a broadcast. Section creations may also arrive as
// the bare section object.
func decodeBoardEvent(event string, data json.RawMessage) (domain.BoardEvent, error) {
	var payload domain.BoardEvent
	if err := json.Unmarshal(data, &payload); err != nil {
		return domain.BoardEvent{}, err
	}
	if event != domain.EventSectionCreated || payload.Section != nil || payload.SectionID != "" {
		return payload, nil
	}
	var section domain.Section
	if err := json.Unmarshal(data, &section); err != nil {
		return domain.BoardEvent{}, err
	}
	if section.ID != "" {
		payload.Section = &section
		if payload.BoardID == "" {
			payload.BoardID = section.BoardID
		}
	}
	return payload, nil
}

// apply merges one broadcast into the replica by entity id.
func apply(replica *Replica, event string, payload domain.BoardEvent) error {
	var err error
	switch event {
	case domain.EventCardCreated:
		if payload.Card == nil {
			return ErrSyncConflict
		}
		_, err = replica.PutCard(*payload.Card)
	case domain.EventCardUpdated, domain.EventCardMoved:
		if payload.Card == nil {
			return ErrSyncConflict
		}
		_, err = replica.UpdateCard(*payload.Card)
	case domain.EventCardDeleted:
		id := payload.CardID
		if id == "" && payload.Card != nil {
			id = payload.Card.ID
		}
		_, err = replica.RemoveCard(id)
	case domain.EventSectionCreated:
		if payload.Section == nil {
			return ErrSyncConflict
		}
		replica.PutSection(*payload.Section)
	case domain.EventSectionDeleted:
		id := payload.SectionID
		if id == "" && payload.Section != nil {
			id = payload.Section.ID
		}
		_, _, err = replica.RemoveSection(id)
	default:
		err = fmt.Errorf("unsupported board event %q", event)
	}
	return err
}

func (e *Engine) broadcast(event string, payload domain.BoardEvent) {
	if err := e.bus.Emit(event, payload); err != nil {
		e.log.Warn("board broadcast not sent",
			slog.String("event", event),
			slog.String("board_id", payload.BoardID),
			sl.Err(err),
		)
	}
	e.notify(Change{Event: event, BoardID: payload.BoardID})
}

func (e *Engine) notify(change Change) {
	e.listenersMu.Lock()
	fns := make([]func(Change), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.listenersMu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}

func requestFailed(err error) error {
	if errors.Is(err, ErrRequestFailed) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrRequestFailed, err)
}
