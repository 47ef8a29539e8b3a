package boardsync_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/immxrtalbeast/teamsync/internal/boardsync"
	"github.com/immxrtalbeast/teamsync/internal/domain"
	"github.com/immxrtalbeast/teamsync/internal/eventchannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend unavailable")

type moveCall struct {
	CardID    string
	SectionID string
	Order     int
}

// fakeAPI stores entities in memory the way the board service would.
type fakeAPI struct {
	mu       sync.Mutex
	sections map[string]domain.Section
	cards    map[string]domain.Card
	nextID   int
	lists    int
	moves    []moveCall

	// Err fails every mutating request.
	Err error
	// During runs inside a mutating request before it returns.
	During func()
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		sections: map[string]domain.Section{
			"S1": {ID: "S1", BoardID: "B1", Name: "Todo", Order: 0},
			"S2": {ID: "S2", BoardID: "B1", Name: "Done", Order: 1},
		},
		cards: map[string]domain.Card{
			"C1": {ID: "C1", BoardID: "B1", SectionID: "S1", Title: "first", Order: 0},
			"C2": {ID: "C2", BoardID: "B1", SectionID: "S1", Title: "second", Order: 1},
		},
	}
}

func (f *fakeAPI) mutate() error {
	f.mu.Lock()
	during, err := f.During, f.Err
	f.mu.Unlock()
	if during != nil {
		during()
	}
	return err
}

func (f *fakeAPI) ListSections(_ context.Context, boardID string) ([]domain.Section, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	var out []domain.Section
	for _, s := range f.sections {
		if s.BoardID == boardID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeAPI) ListCards(_ context.Context, boardID string) ([]domain.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Card
	for _, c := range f.cards {
		if c.BoardID == boardID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeAPI) CreateSection(_ context.Context, boardID, name string) (domain.Section, error) {
	if err := f.mutate(); err != nil {
		return domain.Section{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	s := domain.Section{ID: fmt.Sprintf("S-new-%d", f.nextID), BoardID: boardID, Name: name, Order: len(f.sections)}
	f.sections[s.ID] = s
	return s, nil
}

func (f *fakeAPI) DeleteSection(_ context.Context, sectionID string) error {
	if err := f.mutate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sections, sectionID)
	for id, c := range f.cards {
		if c.SectionID == sectionID {
			delete(f.cards, id)
		}
	}
	return nil
}

func (f *fakeAPI) CreateCard(_ context.Context, draft domain.CardDraft) (domain.Card, error) {
	if err := f.mutate(); err != nil {
		return domain.Card{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	c := domain.Card{
		ID:        fmt.Sprintf("C-new-%d", f.nextID),
		BoardID:   draft.BoardID,
		SectionID: draft.SectionID,
		Title:     draft.Title,
		Priority:  draft.Priority,
	}
	for _, other := range f.cards {
		if other.SectionID == c.SectionID && other.Order >= c.Order {
			c.Order = other.Order + 1
		}
	}
	f.cards[c.ID] = c
	return c, nil
}

func (f *fakeAPI) UpdateCard(_ context.Context, cardID string, update domain.CardUpdate) (domain.Card, error) {
	if err := f.mutate(); err != nil {
		return domain.Card{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cards[cardID]
	if !ok {
		return domain.Card{}, errBackend
	}
	c = update.Apply(c)
	c.UpdatedAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f.cards[cardID] = c
	return c, nil
}

func (f *fakeAPI) DeleteCard(_ context.Context, cardID string) error {
	if err := f.mutate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.cards, cardID)
	return nil
}

func (f *fakeAPI) MoveCard(_ context.Context, cardID, sectionID string, order int) (domain.Card, error) {
	if err := f.mutate(); err != nil {
		return domain.Card{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves = append(f.moves, moveCall{CardID: cardID, SectionID: sectionID, Order: order})
	c := f.cards[cardID]
	c.SectionID = sectionID
	c.Order = order
	f.cards[cardID] = c
	return c, nil
}

func (f *fakeAPI) Moves() []moveCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]moveCall(nil), f.moves...)
}

func (f *fakeAPI) Lists() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

func (f *fakeAPI) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Err = err
}

func (f *fakeAPI) SetDuring(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.During = fn
}

func newEngine(t *testing.T) (*boardsync.Engine, *fakeAPI, *eventchannel.Memory) {
	t.Helper()
	bus := eventchannel.NewMemory()
	api := newFakeAPI()
	engine := boardsync.New(bus, api, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, engine.Activate(context.Background(), "B1"))
	t.Cleanup(engine.Deactivate)
	return engine, api, bus
}

func cardIDs(r *boardsync.Replica, sectionID string) []string {
	var out []string
	for _, c := range r.Cards(sectionID) {
		out = append(out, c.ID)
	}
	return out
}

func TestActivateLoadsAndJoins(t *testing.T) {
	engine, _, bus := newEngine(t)

	r := engine.Replica()
	require.NotNil(t, r)
	assert.Equal(t, []string{"C1", "C2"}, cardIDs(r, "S1"))

	joins := bus.EmittedEvents(domain.EventJoinBoard)
	require.Len(t, joins, 1)
	var ref domain.BoardRef
	require.NoError(t, joins[0].Decode(&ref))
	assert.Equal(t, "B1", ref.BoardID)

	assert.Equal(t, 1, bus.HandlerCount(domain.EventCardMoved))
	assert.Equal(t, 1, bus.HandlerCount("new_card"))
}

func TestDeactivateLeavesRoomAndUnsubscribes(t *testing.T) {
	engine, _, bus := newEngine(t)
	r := engine.Replica()

	engine.Deactivate()

	assert.Nil(t, engine.Replica())
	assert.Len(t, bus.EmittedEvents(domain.EventLeaveBoard), 1)
	for _, name := range domain.BoardEventNames {
		assert.Zero(t, bus.HandlerCount(name), name)
	}

	require.NoError(t, bus.Deliver(domain.EventCardCreated, domain.BoardEvent{
		BoardID: "B1",
		Card:    &domain.Card{ID: "C7", BoardID: "B1", SectionID: "S1"},
	}))
	assert.Equal(t, 2, r.CardCount())

	_, err := engine.CreateCard(context.Background(), domain.CardDraft{SectionID: "S1"})
	assert.ErrorIs(t, err, boardsync.ErrNotActive)
}

func TestSwitchingBoardsLeavesPrevious(t *testing.T) {
	engine, _, bus := newEngine(t)

	require.NoError(t, engine.Activate(context.Background(), "B2"))

	leaves := bus.EmittedEvents(domain.EventLeaveBoard)
	require.Len(t, leaves, 1)
	var ref domain.BoardRef
	require.NoError(t, leaves[0].Decode(&ref))
	assert.Equal(t, "B1", ref.BoardID)
	assert.Equal(t, 1, bus.HandlerCount(domain.EventCardCreated))
	assert.Equal(t, "B2", engine.Replica().BoardID())
}

func TestRemoteEventsApplyByID(t *testing.T) {
	engine, _, bus := newEngine(t)
	r := engine.Replica()
	card := domain.Card{ID: "C3", BoardID: "B1", SectionID: "S2", Title: "remote"}

	var changes []boardsync.Change
	engine.OnChange(func(c boardsync.Change) { changes = append(changes, c) })

	require.NoError(t, bus.Deliver(domain.EventCardCreated, domain.BoardEvent{BoardID: "B1", Card: &card}))
	require.NoError(t, bus.Deliver(domain.EventCardCreated, domain.BoardEvent{BoardID: "B1", Card: &card}))
	assert.Equal(t, 3, r.CardCount())

	other := domain.Card{ID: "X1", BoardID: "B2", SectionID: "S1"}
	require.NoError(t, bus.Deliver(domain.EventCardCreated, domain.BoardEvent{BoardID: "B2", Card: &other}))
	assert.Equal(t, 3, r.CardCount())

	ghost := domain.Card{ID: "ghost", BoardID: "B1", SectionID: "S1", Order: 4}
	require.NoError(t, bus.Deliver(domain.EventCardMoved, domain.BoardEvent{BoardID: "B1", Card: &ghost}))
	require.NoError(t, bus.Deliver(domain.EventCardUpdated, domain.BoardEvent{BoardID: "B1", Card: &ghost}))
	_, ok := r.Card("ghost")
	assert.False(t, ok)

	moved := card
	moved.SectionID = "S1"
	moved.Order = 5
	require.NoError(t, bus.Deliver(domain.EventCardMoved, domain.BoardEvent{BoardID: "B1", Card: &moved}))
	got, _ := r.Card("C3")
	if diff := cmp.Diff(moved, got); diff != "" {
		t.Errorf("moved card mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, bus.Deliver(domain.EventCardDeleted, domain.BoardEvent{BoardID: "B1", CardID: "C3"}))
	_, ok = r.Card("C3")
	assert.False(t, ok)

	require.Len(t, changes, 5)
	for _, c := range changes {
		assert.True(t, c.Remote)
	}
}

func TestRemoteSectionDeleteRemovesCards(t *testing.T) {
	engine, _, bus := newEngine(t)
	r := engine.Replica()

	require.NoError(t, bus.Deliver(domain.EventSectionDeleted, domain.BoardEvent{BoardID: "B1", SectionID: "S1"}))

	_, ok := r.Section("S1")
	assert.False(t, ok)
	assert.Zero(t, r.CardCount())

	orphan := domain.Card{ID: "C8", BoardID: "B1", SectionID: "S1"}
	require.NoError(t, bus.Deliver(domain.EventCardCreated, domain.BoardEvent{BoardID: "B1", Card: &orphan}))
	assert.Zero(t, r.CardCount())
}

func TestLegacyEventNames(t *testing.T) {
	engine, _, bus := newEngine(t)
	r := engine.Replica()

	section := domain.Section{ID: "S3", BoardID: "B1", Name: "Later", Order: 2}
	require.NoError(t, bus.Deliver("new_section", domain.BoardEvent{BoardID: "B1", Section: &section}))
	card := domain.Card{ID: "C5", BoardID: "B1", SectionID: "S3"}
	require.NoError(t, bus.Deliver("new_card", domain.BoardEvent{BoardID: "B1", Card: &card}))
	assert.Equal(t, []string{"C5"}, cardIDs(r, "S3"))

	require.NoError(t, bus.Deliver("delete_card", domain.BoardEvent{BoardID: "B1", Card: &card}))
	assert.Empty(t, cardIDs(r, "S3"))

	require.NoError(t, bus.Deliver("delete_section", domain.BoardEvent{BoardID: "B1", Section: &section}))
	_, ok := r.Section("S3")
	assert.False(t, ok)
}

func TestBareSectionPayload(t *testing.T) {
	engine, _, bus := newEngine(t)
	r := engine.Replica()

	require.NoError(t, bus.Deliver(domain.EventSectionCreated, domain.Section{ID: "S8", BoardID: "B1", Name: "Review"}))
	require.NoError(t, bus.Deliver("new_section", domain.Section{ID: "S9", BoardID: "B1", Name: "Done"}))
	require.NoError(t, bus.Deliver("new_section", domain.Section{ID: "S10", BoardID: "B2", Name: "Elsewhere"}))

	got, ok := r.Section("S8")
	require.True(t, ok)
	assert.Equal(t, "Review", got.Name)
	_, ok = r.Section("S9")
	assert.True(t, ok)
	_, ok = r.Section("S10")
	assert.False(t, ok)
}

func TestMoveCardToEndOfSection(t *testing.T) {
	engine, api, bus := newEngine(t)
	ctx := context.Background()

	first, err := engine.MoveCard(ctx, "C1", "S2", "")
	require.NoError(t, err)
	assert.Equal(t, 0, first.Order)

	second, err := engine.MoveCard(ctx, "C2", "S2", "")
	require.NoError(t, err)
	assert.Equal(t, 1, second.Order)

	assert.Equal(t, []moveCall{
		{CardID: "C1", SectionID: "S2", Order: 0},
		{CardID: "C2", SectionID: "S2", Order: 1},
	}, api.Moves())
	assert.Equal(t, []string{"C1", "C2"}, cardIDs(engine.Replica(), "S2"))

	broadcasts := bus.EmittedEvents(domain.EventCardMoved)
	require.Len(t, broadcasts, 2)
	var payload domain.BoardEvent
	require.NoError(t, broadcasts[1].Decode(&payload))
	assert.Equal(t, "B1", payload.BoardID)
	require.NotNil(t, payload.Card)
	assert.Equal(t, "C2", payload.Card.ID)
}

func TestMoveCardOntoCard(t *testing.T) {
	engine, api, _ := newEngine(t)

	moved, err := engine.MoveCard(context.Background(), "C2", "S1", "C1")
	require.NoError(t, err)

	assert.Equal(t, 0, moved.Order)
	assert.Equal(t, []moveCall{{CardID: "C2", SectionID: "S1", Order: 0}}, api.Moves())
	c1, _ := engine.Replica().Card("C1")
	assert.Equal(t, 0, c1.Order)
	assert.Equal(t, []string{"C1", "C2"}, cardIDs(engine.Replica(), "S1"))
}

func TestMoveCardValidatesTarget(t *testing.T) {
	engine, api, _ := newEngine(t)

	_, err := engine.MoveCard(context.Background(), "C1", "S9", "")
	assert.ErrorIs(t, err, boardsync.ErrUnknownSection)
	_, err = engine.MoveCard(context.Background(), "nope", "S2", "")
	assert.ErrorIs(t, err, boardsync.ErrUnknownCard)
	assert.Empty(t, api.Moves())
}

func TestUpdateFailureRollsBack(t *testing.T) {
	engine, api, bus := newEngine(t)
	before := engine.Replica().Snapshot()
	api.Fail(errBackend)

	var optimistic string
	api.SetDuring(func() {
		c, _ := engine.Replica().Card("C1")
		optimistic = c.Title
	})

	title := "renamed"
	_, err := engine.UpdateCard(context.Background(), "C1", domain.CardUpdate{Title: &title})

	assert.ErrorIs(t, err, boardsync.ErrRequestFailed)
	assert.Equal(t, "renamed", optimistic)
	if diff := cmp.Diff(before, engine.Replica().Snapshot()); diff != "" {
		t.Errorf("replica not rolled back (-want +got):\n%s", diff)
	}
	assert.Empty(t, bus.EmittedEvents(domain.EventCardUpdated))
}

func TestRollbackKeepsNewerRemoteEvent(t *testing.T) {
	engine, api, bus := newEngine(t)
	api.Fail(errBackend)

	remote := domain.Card{ID: "C1", BoardID: "B1", SectionID: "S2", Title: "from someone else"}
	api.SetDuring(func() {
		_ = bus.Deliver(domain.EventCardUpdated, domain.BoardEvent{BoardID: "B1", Card: &remote})
	})

	_, err := engine.MoveCard(context.Background(), "C1", "S2", "")
	assert.ErrorIs(t, err, boardsync.ErrRequestFailed)

	got, _ := engine.Replica().Card("C1")
	if diff := cmp.Diff(remote, got); diff != "" {
		t.Errorf("newer event overwritten (-want +got):\n%s", diff)
	}
}

func TestUpdateReplacesWithStoredCard(t *testing.T) {
	engine, _, bus := newEngine(t)

	title := "renamed"
	stored, err := engine.UpdateCard(context.Background(), "C1", domain.CardUpdate{Title: &title})
	require.NoError(t, err)

	got, _ := engine.Replica().Card("C1")
	if diff := cmp.Diff(stored, got); diff != "" {
		t.Errorf("stored card not applied (-want +got):\n%s", diff)
	}
	assert.False(t, got.UpdatedAt.IsZero())
	assert.Len(t, bus.EmittedEvents(domain.EventCardUpdated), 1)
}

func TestDeleteSectionFailureRestores(t *testing.T) {
	engine, api, _ := newEngine(t)
	before := engine.Replica().Snapshot()
	api.Fail(errBackend)

	var duringCount int
	api.SetDuring(func() { duringCount = engine.Replica().CardCount() })

	err := engine.DeleteSection(context.Background(), "S1")

	assert.ErrorIs(t, err, boardsync.ErrRequestFailed)
	assert.Zero(t, duringCount)
	if diff := cmp.Diff(before, engine.Replica().Snapshot()); diff != "" {
		t.Errorf("section not restored (-want +got):\n%s", diff)
	}
}

func TestDeleteSectionBroadcasts(t *testing.T) {
	engine, _, bus := newEngine(t)

	require.NoError(t, engine.DeleteSection(context.Background(), "S1"))

	assert.Zero(t, engine.Replica().CardCount())
	sent := bus.EmittedEvents(domain.EventSectionDeleted)
	require.Len(t, sent, 1)
	var payload domain.BoardEvent
	require.NoError(t, sent[0].Decode(&payload))
	assert.Equal(t, "S1", payload.SectionID)
}

func TestCreateAndDeleteCard(t *testing.T) {
	engine, _, bus := newEngine(t)
	ctx := context.Background()

	card, err := engine.CreateCard(ctx, domain.CardDraft{SectionID: "S2", Title: "fresh", Priority: domain.PriorityHigh})
	require.NoError(t, err)
	assert.Equal(t, "B1", card.BoardID)
	assert.Equal(t, []string{card.ID}, cardIDs(engine.Replica(), "S2"))
	assert.Len(t, bus.EmittedEvents(domain.EventCardCreated), 1)

	require.NoError(t, engine.DeleteCard(ctx, card.ID))
	assert.Empty(t, cardIDs(engine.Replica(), "S2"))
	assert.Len(t, bus.EmittedEvents(domain.EventCardDeleted), 1)

	assert.ErrorIs(t, engine.DeleteCard(ctx, card.ID), boardsync.ErrUnknownCard)
}

func TestCreateSectionFailureLeavesReplica(t *testing.T) {
	engine, api, bus := newEngine(t)
	api.Fail(errBackend)

	_, err := engine.CreateSection(context.Background(), "Review")

	assert.ErrorIs(t, err, boardsync.ErrRequestFailed)
	assert.Len(t, engine.Replica().Sections(), 2)
	assert.Empty(t, bus.EmittedEvents(domain.EventSectionCreated))
}

func TestReconnectRejoinsAndRefetches(t *testing.T) {
	engine, api, bus := newEngine(t)
	require.Equal(t, 1, api.Lists())

	api.mu.Lock()
	api.cards["C4"] = domain.Card{ID: "C4", BoardID: "B1", SectionID: "S2"}
	api.mu.Unlock()

	bus.NewEpoch()

	require.Eventually(t, func() bool {
		_, ok := engine.Replica().Card("C4")
		return ok
	}, time.Second, time.Millisecond)
	assert.Len(t, bus.EmittedEvents(domain.EventJoinBoard), 2)
	assert.Equal(t, 2, api.Lists())
}
