package eventchannel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/immxrtalbeast/teamsync/internal/backoff"
	"github.com/immxrtalbeast/teamsync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testServer acks every frame that asks for one, echoing its data, and
// answers "ping" with "pong". It drops the first connection after the
// first frame when dropFirst is set.
type testServer struct {
	dropFirst   bool
	connections atomic.Int32
	upgrader    websocket.Upgrader
}

func (s *testServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	n := s.connections.Add(1)

	for {
		var env domain.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		if s.dropFirst && n == 1 {
			return
		}
		switch {
		case env.Ack != 0:
			_ = conn.WriteJSON(domain.Envelope{Event: domain.EventAck, Ack: env.Ack, Data: env.Data})
		case env.Event == "ping":
			_ = conn.WriteJSON(domain.Envelope{Event: "pong", Data: env.Data})
		}
	}
}

func newChannel(t *testing.T, srv *httptest.Server) *Channel {
	t.Helper()
	ch := New(Options{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		Policy:      backoff.Policy{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2},
		MaxFailures: 2,
		Log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(ch.Disconnect)
	return ch
}

func TestEmitBeforeConnect(t *testing.T) {
	ch := New(Options{URL: "ws://127.0.0.1:1"})
	assert.ErrorIs(t, ch.Emit("ping", nil), ErrNotConnected)
	assert.Equal(t, StateDisconnected, ch.State())
}

func TestEventRoundTrip(t *testing.T) {
	srv := httptest.NewServer(&testServer{})
	defer srv.Close()
	ch := newChannel(t, srv)

	got := make(chan string, 1)
	ch.On("pong", func(data json.RawMessage) {
		var s string
		_ = json.Unmarshal(data, &s)
		got <- s
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ch.Connect(ctx))
	assert.Equal(t, StateConnected, ch.State())
	assert.Equal(t, uint64(1), ch.Epoch())

	require.NoError(t, ch.Emit("ping", "hello"))
	select {
	case s := <-got:
		assert.Equal(t, "hello", s)
	case <-time.After(2 * time.Second):
		t.Fatal("no pong")
	}
}

func TestEmitWithAck(t *testing.T) {
	srv := httptest.NewServer(&testServer{})
	defer srv.Close()
	ch := newChannel(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ch.Connect(ctx))

	done := make(chan json.RawMessage, 1)
	require.NoError(t, ch.EmitWithAck("get_peer_id", map[string]string{"targetUserId": "u2"}, func(data json.RawMessage, err error) {
		assert.NoError(t, err)
		done <- data
	}))

	select {
	case data := <-done:
		assert.JSONEq(t, `{"targetUserId":"u2"}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("no ack")
	}
}

func TestReconnectStartsNewEpochAndFailsPendingAcks(t *testing.T) {
	server := &testServer{dropFirst: true}
	srv := httptest.NewServer(server)
	defer srv.Close()
	ch := newChannel(t, srv)

	var mu sync.Mutex
	var epochs []uint64
	rejoined := make(chan struct{}, 4)
	ch.OnEpoch(func(epoch uint64) {
		mu.Lock()
		epochs = append(epochs, epoch)
		mu.Unlock()
		rejoined <- struct{}{}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ch.Connect(ctx))
	<-rejoined

	lost := make(chan error, 1)
	require.NoError(t, ch.EmitWithAck("peer_id", nil, func(_ json.RawMessage, err error) {
		lost <- err
	}))

	select {
	case err := <-lost:
		assert.True(t, errors.Is(err, ErrConnectionLost))
	case <-time.After(2 * time.Second):
		t.Fatal("pending ack was not completed")
	}

	select {
	case <-rejoined:
	case <-time.After(2 * time.Second):
		t.Fatal("no second epoch")
	}
	mu.Lock()
	assert.Equal(t, []uint64{1, 2}, epochs)
	mu.Unlock()
}

func TestDegradedAfterMaxFailures(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	ch := New(Options{
		URL:         "ws" + strings.TrimPrefix(url, "http"),
		Policy:      backoff.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2},
		MaxFailures: 2,
		Log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	defer ch.Disconnect()

	degraded := make(chan struct{})
	var once sync.Once
	ch.OnState(func(s State) {
		if s == StateDegraded {
			once.Do(func() { close(degraded) })
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ch.Connect(ctx), context.DeadlineExceeded)

	select {
	case <-degraded:
	case <-time.After(2 * time.Second):
		t.Fatal("channel never degraded")
	}
}

func TestDisconnectCloses(t *testing.T) {
	srv := httptest.NewServer(&testServer{})
	defer srv.Close()
	ch := newChannel(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ch.Connect(ctx))

	ch.Disconnect()
	assert.Equal(t, StateClosed, ch.State())
	assert.ErrorIs(t, ch.Emit("ping", nil), ErrNotConnected)
	assert.ErrorIs(t, ch.Connect(ctx), ErrClosed)
}
