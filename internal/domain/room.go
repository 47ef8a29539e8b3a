package domain

import (
	"sync"
	"time"
)

// Room is the broadcast scope of one board. Members are keyed by client id.
type Room struct {
	Mutex     sync.RWMutex
	BoardID   string
	Members   map[string]*Client
	CreatedAt time.Time
}

func NewRoom(boardID string) *Room {
	return &Room{
		BoardID:   boardID,
		Members:   make(map[string]*Client),
		CreatedAt: time.Now().UTC(),
	}
}

func (r *Room) Join(c *Client) {
	r.Mutex.Lock()
	defer r.Mutex.Unlock()
	r.Members[c.ID] = c
}

// Leave removes the client and reports whether the room became empty.
func (r *Room) Leave(clientID string) bool {
	r.Mutex.Lock()
	defer r.Mutex.Unlock()
	delete(r.Members, clientID)
	return len(r.Members) == 0
}

func (r *Room) Has(clientID string) bool {
	r.Mutex.RLock()
	defer r.Mutex.RUnlock()
	_, ok := r.Members[clientID]
	return ok
}

// Snapshot returns the current members except exclude.
func (r *Room) Snapshot(exclude string) []*Client {
	r.Mutex.RLock()
	defer r.Mutex.RUnlock()
	out := make([]*Client, 0, len(r.Members))
	for id, c := range r.Members {
		if id == exclude {
			continue
		}
		out = append(out, c)
	}
	return out
}
