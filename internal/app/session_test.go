package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	apihttp "github.com/immxrtalbeast/teamsync/internal/api/http"
	"github.com/immxrtalbeast/teamsync/internal/callsignal"
	"github.com/immxrtalbeast/teamsync/internal/config"
	"github.com/immxrtalbeast/teamsync/internal/domain"
	"github.com/immxrtalbeast/teamsync/internal/media/mediatest"
	"github.com/immxrtalbeast/teamsync/internal/metrics"
	"github.com/immxrtalbeast/teamsync/internal/repository"
	"github.com/immxrtalbeast/teamsync/internal/service"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startCoordinator(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := discard()
	reg := prometheus.NewRegistry()
	presence := service.NewPresenceService(repository.NewInMemoryPresenceRepository(), log)
	hub := service.NewHub(presence, metrics.New(reg), time.Minute, log)
	router := apihttp.SetupRouter(
		[]string{"http://localhost:3000"},
		reg,
		apihttp.NewPresenceController(presence),
		apihttp.NewEventController(hub, config.WSConfig{
			ReadLimit:    1 << 20,
			PingInterval: time.Second,
			PongWait:     5 * time.Second,
			WriteWait:    time.Second,
		}, log),
	)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

// boardStore is a shared in-memory board service.
type boardStore struct {
	mu    sync.Mutex
	cards map[string]domain.Card
}

func newBoardStore() *boardStore {
	return &boardStore{cards: map[string]domain.Card{
		"C1": {ID: "C1", BoardID: "B1", SectionID: "S1", Title: "first"},
	}}
}

func (b *boardStore) ListSections(context.Context, string) ([]domain.Section, error) {
	return []domain.Section{
		{ID: "S1", BoardID: "B1", Name: "Todo", Order: 0},
		{ID: "S2", BoardID: "B1", Name: "Done", Order: 1},
	}, nil
}

func (b *boardStore) ListCards(context.Context, string) ([]domain.Card, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Card, 0, len(b.cards))
	for _, c := range b.cards {
		out = append(out, c)
	}
	return out, nil
}

func (b *boardStore) CreateSection(_ context.Context, boardID, name string) (domain.Section, error) {
	return domain.Section{ID: "S3", BoardID: boardID, Name: name, Order: 2}, nil
}

func (b *boardStore) DeleteSection(context.Context, string) error { return nil }

func (b *boardStore) CreateCard(_ context.Context, draft domain.CardDraft) (domain.Card, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := domain.Card{ID: "C" + draft.Title, BoardID: draft.BoardID, SectionID: draft.SectionID, Title: draft.Title}
	b.cards[c.ID] = c
	return c, nil
}

func (b *boardStore) UpdateCard(_ context.Context, cardID string, update domain.CardUpdate) (domain.Card, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := update.Apply(b.cards[cardID])
	b.cards[cardID] = c
	return c, nil
}

func (b *boardStore) DeleteCard(_ context.Context, cardID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.cards, cardID)
	return nil
}

func (b *boardStore) MoveCard(_ context.Context, cardID, sectionID string, order int) (domain.Card, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.cards[cardID]
	c.SectionID = sectionID
	c.Order = order
	b.cards[cardID] = c
	return c, nil
}

type client struct {
	*Session
	factory *mediatest.Factory
}

func startSession(t *testing.T, url, userID string, store *boardStore) *client {
	t.Helper()
	cfg := &config.ClientConfig{
		Server: config.ServerConfig{URL: url},
		Reconnect: config.ReconnectConfig{
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     50 * time.Millisecond,
			Factor:       2,
			MaxFailures:  5,
		},
		Call: config.CallConfig{
			SignalingTimeout: 5 * time.Second,
			ErrorResetDelay:  50 * time.Millisecond,
			RegisterRetries:  3,
		},
	}
	factory := &mediatest.Factory{}
	s := New(cfg, Options{
		Devices: &mediatest.Devices{},
		Factory: factory,
		API:     store,
	}, discard())

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.Start(ctx, userID, strings.ToUpper(userID[:1])+userID[1:]))
	t.Cleanup(s.Close)
	return &client{Session: s, factory: factory}
}

// sync waits until the coordinator has processed everything c sent so far.
func (c *client) sync(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	err := c.Channel.EmitWithAck(domain.EventGetPeerID, domain.GetPeerIDPayload{TargetUserID: "nobody"}, func(json.RawMessage, error) {
		close(done)
	})
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("no ack from coordinator")
	}
}

func TestPresencePropagatesBetweenSessions(t *testing.T) {
	url := startCoordinator(t)
	store := newBoardStore()
	alice := startSession(t, url, "alice", store)
	bob := startSession(t, url, "bob", store)

	require.Eventually(t, func() bool {
		return alice.Presence.Status("bob") == domain.StatusOnline
	}, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return bob.Presence.Status("alice") == domain.StatusOnline
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, alice.Presence.SetStatus(domain.StatusAway))
	require.Eventually(t, func() bool {
		return bob.Presence.Status("alice") == domain.StatusAway
	}, waitFor, 10*time.Millisecond)

	alice.Close()
	require.Eventually(t, func() bool {
		return bob.Presence.Status("alice") == domain.StatusOffline
	}, waitFor, 10*time.Millisecond)
}

func TestCallBetweenSessions(t *testing.T) {
	url := startCoordinator(t)
	store := newBoardStore()
	alice := startSession(t, url, "alice", store)
	bob := startSession(t, url, "bob", store)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, alice.Calls.InitiateCall(ctx, "bob"))

	require.Eventually(t, func() bool {
		return bob.Calls.Phase() == callsignal.PhaseRinging
	}, waitFor, 10*time.Millisecond)
	call, _ := bob.Calls.Current()
	assert.Equal(t, "alice", call.CallerID)
	assert.Equal(t, alice.Media.Address(), call.Remote)

	require.NoError(t, bob.Calls.Accept(ctx))
	require.Eventually(t, func() bool {
		remote := alice.factory.Last().RemoteDescription()
		return remote != nil && remote.SDP == "fake-answer"
	}, waitFor, 10*time.Millisecond)
	call, _ = alice.Calls.Current()
	assert.Equal(t, bob.Media.Address(), call.Remote)

	alice.factory.Last().SetState(webrtc.PeerConnectionStateConnected)
	bob.factory.Last().SetState(webrtc.PeerConnectionStateConnected)
	assert.Equal(t, callsignal.PhaseActive, alice.Calls.Phase())
	assert.Equal(t, callsignal.PhaseActive, bob.Calls.Phase())

	require.NoError(t, bob.Calls.EndCall())
	require.Eventually(t, func() bool {
		return alice.Calls.Phase() == callsignal.PhaseIdle
	}, waitFor, 10*time.Millisecond)
	assert.True(t, alice.factory.Last().Closed())
	assert.False(t, alice.Media.Address().IsZero())
}

func TestCallToOfflineUser(t *testing.T) {
	url := startCoordinator(t)
	alice := startSession(t, url, "alice", newBoardStore())

	err := alice.Calls.InitiateCall(context.Background(), "carol")

	assert.ErrorIs(t, err, callsignal.ErrRecipientUnavailable)
	assert.Equal(t, callsignal.PhaseIdle, alice.Calls.Phase())
}

func TestBoardSyncBetweenSessions(t *testing.T) {
	url := startCoordinator(t)
	store := newBoardStore()
	alice := startSession(t, url, "alice", store)
	bob := startSession(t, url, "bob", store)
	ctx := context.Background()

	require.NoError(t, alice.Boards.Activate(ctx, "B1"))
	require.NoError(t, bob.Boards.Activate(ctx, "B1"))
	alice.sync(t)
	bob.sync(t)

	moved, err := alice.Boards.MoveCard(ctx, "C1", "S2", "")
	require.NoError(t, err)
	assert.Equal(t, 0, moved.Order)

	require.Eventually(t, func() bool {
		c, ok := bob.Boards.Replica().Card("C1")
		return ok && c.SectionID == "S2"
	}, waitFor, 10*time.Millisecond)

	bob.Boards.Deactivate()
	bob.sync(t)
	_, err = alice.Boards.CreateCard(ctx, domain.CardDraft{SectionID: "S1", Title: "late"})
	require.NoError(t, err)
	alice.sync(t)
	assert.Nil(t, bob.Boards.Replica())
}
