// Package externalapi is the REST client of the board service.
package externalapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/immxrtalbeast/teamsync/internal/boardsync"
	"github.com/immxrtalbeast/teamsync/internal/domain"
)

const errorBodyLimit = 4096

// RequestError is returned for every non-2xx response. It matches
// boardsync.ErrRequestFailed with errors.Is.
type RequestError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *RequestError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s failed: %d %s (%s)", e.Method, e.Path, e.Status, http.StatusText(e.Status), e.Body)
	}
	return fmt.Sprintf("%s %s failed: %d %s", e.Method, e.Path, e.Status, http.StatusText(e.Status))
}

func (e *RequestError) Unwrap() error {
	return boardsync.ErrRequestFailed
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *slog.Logger
}

func New(baseURL, token string, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log.With(slog.String("component", "externalapi")),
	}
}

var _ boardsync.API = (*Client)(nil)

func (c *Client) ListSections(ctx context.Context, boardID string) ([]domain.Section, error) {
	var out []domain.Section
	err := c.do(ctx, http.MethodGet, "/api/sections/board/"+url.PathEscape(boardID), nil, &out)
	return out, err
}

func (c *Client) ListCards(ctx context.Context, boardID string) ([]domain.Card, error) {
	var out []domain.Card
	err := c.do(ctx, http.MethodGet, "/api/cards/board/"+url.PathEscape(boardID), nil, &out)
	return out, err
}

type createSectionRequest struct {
	Name    string `json:"name"`
	BoardID string `json:"boardId"`
}

func (c *Client) CreateSection(ctx context.Context, boardID, name string) (domain.Section, error) {
	var out domain.Section
	err := c.do(ctx, http.MethodPost, "/api/sections", createSectionRequest{Name: name, BoardID: boardID}, &out)
	return out, err
}

func (c *Client) DeleteSection(ctx context.Context, sectionID string) error {
	return c.do(ctx, http.MethodDelete, "/api/sections/"+url.PathEscape(sectionID), nil, nil)
}

func (c *Client) CreateCard(ctx context.Context, draft domain.CardDraft) (domain.Card, error) {
	var out domain.Card
	err := c.do(ctx, http.MethodPost, "/api/cards", draft, &out)
	return out, err
}

func (c *Client) UpdateCard(ctx context.Context, cardID string, update domain.CardUpdate) (domain.Card, error) {
	var out domain.Card
	err := c.do(ctx, http.MethodPatch, "/api/cards/"+url.PathEscape(cardID), update, &out)
	return out, err
}

func (c *Client) DeleteCard(ctx context.Context, cardID string) error {
	return c.do(ctx, http.MethodDelete, "/api/cards/"+url.PathEscape(cardID), nil, nil)
}

type moveCardRequest struct {
	NewSectionID string `json:"newSectionId"`
	NewOrder     int    `json:"newOrder"`
}

func (c *Client) MoveCard(ctx context.Context, cardID, sectionID string, order int) (domain.Card, error) {
	var out domain.Card
	body := moveCardRequest{NewSectionID: sectionID, NewOrder: order}
	err := c.do(ctx, http.MethodPatch, "/api/cards/"+url.PathEscape(cardID)+"/move", body, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	const op = "externalapi.client.do"

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("%s: encode %s: %w", op, path, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %s %s: %w: %v", op, method, path, boardsync.ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		reqErr := &RequestError{
			Method: method,
			Path:   path,
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(text)),
		}
		c.log.Debug("request failed", slog.String("op", op), slog.Int("status", resp.StatusCode), slog.String("path", path))
		return reqErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode %s: %w: %v", op, path, boardsync.ErrRequestFailed, err)
	}
	return nil
}
