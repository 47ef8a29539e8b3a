package http

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/immxrtalbeast/teamsync/internal/config"
	"github.com/immxrtalbeast/teamsync/internal/domain"
	"github.com/immxrtalbeast/teamsync/internal/metrics"
	"github.com/immxrtalbeast/teamsync/internal/repository"
	"github.com/immxrtalbeast/teamsync/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	presence := service.NewPresenceService(repository.NewInMemoryPresenceRepository(), log)
	hub := service.NewHub(presence, metrics.New(reg), time.Minute, log)

	wsCfg := config.WSConfig{
		ReadLimit:    1 << 20,
		PingInterval: time.Second,
		PongWait:     5 * time.Second,
		WriteWait:    time.Second,
	}
	router := SetupRouter(
		[]string{"http://localhost:3000"},
		reg,
		NewPresenceController(presence),
		NewEventController(hub, wsCfg, log),
	)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) domain.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env domain.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventChannelPresenceFlow(t *testing.T) {
	srv := newTestServer(t)

	alice := dial(t, srv)
	require.NoError(t, alice.WriteJSON(domain.Envelope{Event: domain.EventUserConnected, Data: json.RawMessage(`"alice"`)}))
	assert.Equal(t, domain.EventPresenceRoster, readEvent(t, alice).Event)

	bob := dial(t, srv)
	require.NoError(t, bob.WriteJSON(domain.Envelope{Event: domain.EventUserConnected, Data: json.RawMessage(`{"userId":"bob","name":"Bob"}`)}))
	assert.Equal(t, domain.EventPresenceRoster, readEvent(t, bob).Event)

	change := readEvent(t, alice)
	require.Equal(t, domain.EventUserStatusChange, change.Event)
	var payload domain.StatusChangePayload
	require.NoError(t, change.Decode(&payload))
	assert.Equal(t, "bob", payload.UserID)
	assert.Equal(t, domain.StatusOnline, payload.Status)

	resp, err := http.Get(srv.URL + "/api/presence/bob")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Presence struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"presence"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Bob", body.Presence.Name)
	assert.Equal(t, "online", body.Presence.Status)

	require.NoError(t, bob.Close())
	change = readEvent(t, alice)
	require.NoError(t, change.Decode(&payload))
	assert.Equal(t, domain.StatusOffline, payload.Status)
}

func TestEventChannelAck(t *testing.T) {
	srv := newTestServer(t)

	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(domain.Envelope{Event: domain.EventUserConnected, Data: json.RawMessage(`"alice"`)}))
	readEvent(t, conn)

	require.NoError(t, conn.WriteJSON(domain.Envelope{
		Event: domain.EventGetPeerID,
		Data:  json.RawMessage(`{"targetUserId":"nobody"}`),
		Ack:   42,
	}))
	ack := readEvent(t, conn)
	assert.Equal(t, domain.EventAck, ack.Event)
	assert.Equal(t, uint64(42), ack.Ack)
}

func TestPresenceNotFound(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/presence/ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	dial(t, srv)

	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return strings.Contains(string(data), "teamsync_active_connections 1")
	}, 2*time.Second, 20*time.Millisecond)
}
