package externalapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/immxrtalbeast/teamsync/internal/boardsync"
	"github.com/immxrtalbeast/teamsync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	Method string
	Path   string
	Auth   string
	Body   map[string]any
}

func newTestClient(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*Client, *[]recorded) {
	t.Helper()
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{Method: r.Method, Path: r.URL.Path, Auth: r.Header.Get("Authorization")}
		if raw, _ := io.ReadAll(r.Body); len(raw) > 0 {
			require.NoError(t, json.Unmarshal(raw, &rec.Body))
		}
		calls = append(calls, rec)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	client := New(srv.URL+"/", "secret", time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return client, &calls
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestListBoardContent(t *testing.T) {
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/sections/board/B1":
			writeJSON(t, w, []domain.Section{{ID: "S1", BoardID: "B1", Name: "Todo"}})
		case "/api/cards/board/B1":
			writeJSON(t, w, []domain.Card{{ID: "C1", BoardID: "B1", SectionID: "S1", Order: 3}})
		default:
			http.NotFound(w, r)
		}
	})

	sections, err := client.ListSections(context.Background(), "B1")
	require.NoError(t, err)
	require.Len(t, sections, 1)
	assert.Equal(t, "S1", sections[0].ID)

	cards, err := client.ListCards(context.Background(), "B1")
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, 3, cards[0].Order)

	for _, call := range *calls {
		assert.Equal(t, "Bearer secret", call.Auth)
	}
}

func TestMoveCardSendsTarget(t *testing.T) {
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, domain.Card{ID: "C1", SectionID: "S2", Order: 4})
	})

	card, err := client.MoveCard(context.Background(), "C1", "S2", 4)
	require.NoError(t, err)
	assert.Equal(t, "S2", card.SectionID)

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, http.MethodPatch, call.Method)
	assert.Equal(t, "/api/cards/C1/move", call.Path)
	assert.Equal(t, "S2", call.Body["newSectionId"])
	assert.EqualValues(t, 4, call.Body["newOrder"])
}

func TestCreateAndDelete(t *testing.T) {
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/sections":
			writeJSON(t, w, domain.Section{ID: "S9", Name: "Review", BoardID: "B1", Order: 2})
		case r.Method == http.MethodPost && r.URL.Path == "/api/cards":
			writeJSON(t, w, domain.Card{ID: "C9", Title: "task", SectionID: "S9", BoardID: "B1"})
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	section, err := client.CreateSection(ctx, "B1", "Review")
	require.NoError(t, err)
	assert.Equal(t, 2, section.Order)

	card, err := client.CreateCard(ctx, domain.CardDraft{Title: "task", SectionID: "S9", BoardID: "B1"})
	require.NoError(t, err)
	assert.Equal(t, "C9", card.ID)

	require.NoError(t, client.DeleteCard(ctx, "C9"))
	require.NoError(t, client.DeleteSection(ctx, "S9"))

	require.Len(t, *calls, 4)
	assert.Equal(t, "Review", (*calls)[0].Body["name"])
	assert.Equal(t, "B1", (*calls)[0].Body["boardId"])
	assert.Equal(t, "/api/cards/C9", (*calls)[2].Path)
	assert.Equal(t, "/api/sections/S9", (*calls)[3].Path)
}

func TestUpdateCardSendsOnlySetFields(t *testing.T) {
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, domain.Card{ID: "C1", Title: "renamed"})
	})

	title := "renamed"
	_, err := client.UpdateCard(context.Background(), "C1", domain.CardUpdate{Title: &title})
	require.NoError(t, err)

	require.Len(t, *calls, 1)
	assert.Equal(t, map[string]any{"title": "renamed"}, (*calls)[0].Body)
}

func TestErrorStatusIsRequestFailed(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
	})

	_, err := client.UpdateCard(context.Background(), "C1", domain.CardUpdate{})

	require.Error(t, err)
	assert.ErrorIs(t, err, boardsync.ErrRequestFailed)
	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, http.StatusForbidden, reqErr.Status)
	assert.Equal(t, "/api/cards/C1", reqErr.Path)
	assert.Contains(t, reqErr.Body, "forbidden")
}

func TestTransportFailureIsRequestFailed(t *testing.T) {
	client := New("http://127.0.0.1:1", "", 200*time.Millisecond, nil)

	_, err := client.ListCards(context.Background(), "B1")

	assert.ErrorIs(t, err, boardsync.ErrRequestFailed)
}
