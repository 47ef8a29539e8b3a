package domain

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type ClientStatus string

const (
	ClientStatusConnecting   ClientStatus = "connecting"
	ClientStatusConnected    ClientStatus = "connected"
	ClientStatusDisconnected ClientStatus = "disconnected"
)

const clientQueueSize = 64

// Client is one event channel connection. A connection is anonymous until
// user_connected binds it to a user.
type Client struct {
	ID          string
	UserID      string
	DisplayName string
	Status      ClientStatus
	JoinedAt    time.Time
	LastSeen    time.Time
	Mutex       sync.RWMutex
	Socket      *websocket.Conn
	Events      chan Envelope
	Boards      map[string]struct{}

	closeOnce sync.Once
}

func NewClient() *Client {
	now := time.Now().UTC()
	return &Client{
		ID:       uuid.New().String(),
		Status:   ClientStatusConnecting,
		JoinedAt: now,
		LastSeen: now,
		Events:   make(chan Envelope, clientQueueSize),
		Boards:   make(map[string]struct{}),
	}
}

func (c *Client) Touch() {
	c.Mutex.Lock()
	defer c.Mutex.Unlock()
	c.LastSeen = time.Now().UTC()
}

func (c *Client) LastSeenAt() time.Time {
	c.Mutex.RLock()
	defer c.Mutex.RUnlock()
	return c.LastSeen
}

// EnqueueEvent queues an envelope for the writer without blocking. It
// reports false when the queue is full or the client is closed.
func (c *Client) EnqueueEvent(event Envelope) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.Events <- event:
		return true
	default:
		return false
	}
}

func (c *Client) SetStatus(status ClientStatus) {
	c.Mutex.Lock()
	defer c.Mutex.Unlock()
	c.Status = status
}

func (c *Client) CurrentStatus() ClientStatus {
	c.Mutex.RLock()
	defer c.Mutex.RUnlock()
	return c.Status
}

// Bind attaches the connection to a user.
func (c *Client) Bind(userID, displayName string) {
	c.Mutex.Lock()
	defer c.Mutex.Unlock()
	c.UserID = userID
	c.DisplayName = displayName
}

func (c *Client) User() string {
	c.Mutex.RLock()
	defer c.Mutex.RUnlock()
	return c.UserID
}

// Close marks the client disconnected and closes its event queue. Safe to
// call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.SetStatus(ClientStatusDisconnected)
		close(c.Events)
	})
}

func (c *Client) AddBoard(boardID string) {
	c.Mutex.Lock()
	defer c.Mutex.Unlock()
	c.Boards[boardID] = struct{}{}
}

func (c *Client) RemoveBoard(boardID string) {
	c.Mutex.Lock()
	defer c.Mutex.Unlock()
	delete(c.Boards, boardID)
}

func (c *Client) BoardIDs() []string {
	c.Mutex.RLock()
	defer c.Mutex.RUnlock()
	ids := make([]string, 0, len(c.Boards))
	for id := range c.Boards {
		ids = append(ids, id)
	}
	return ids
}
