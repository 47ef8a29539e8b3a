// Package presence tracks the online status of every user on the client.
package presence

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/immxrtalbeast/teamsync/internal/domain"
	"github.com/immxrtalbeast/teamsync/internal/eventchannel"
	"github.com/immxrtalbeast/teamsync/lib/logger/sl"
)

var (
	ErrNotStarted     = errors.New("presence tracker is not started")
	ErrAlreadyStarted = errors.New("presence tracker is already started")
)

type Listener func(domain.UserPresence)

type Tracker struct {
	bus eventchannel.Bus
	log *slog.Logger

	mu        sync.Mutex
	userID    string
	name      string
	status    domain.Status
	roster    map[string]domain.UserPresence
	scope     *eventchannel.Scope
	listeners map[uint64]Listener
	nextID    uint64
}

func New(bus eventchannel.Bus, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		bus:       bus,
		log:       log.With(slog.String("component", "presence")),
		roster:    make(map[string]domain.UserPresence),
		listeners: make(map[uint64]Listener),
	}
}

// Start announces the user and keeps the roster current. The announcement
// is repeated on every new connection epoch.
func (t *Tracker) Start(userID, name string) error {
	if userID == "" {
		return errors.New("user id is required")
	}

	t.mu.Lock()
	if t.scope != nil {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.userID = userID
	t.name = name
	t.status = domain.StatusOnline
	scope := eventchannel.NewScope(t.bus)
	t.scope = scope
	t.mu.Unlock()

	scope.On(domain.EventUserStatusChange, t.handleStatusChange)
	scope.On(domain.EventPresenceRoster, t.handleRoster)
	scope.OnEpoch(func(uint64) { t.announce() })

	t.announce()
	return nil
}

// Stop tells the coordinator the user left and drops the subscriptions.
func (t *Tracker) Stop() {
	const op = "presence.tracker.stop"

	t.mu.Lock()
	scope, userID := t.scope, t.userID
	t.scope = nil
	t.mu.Unlock()

	if scope == nil {
		return
	}
	scope.Close()
	if err := t.bus.Emit(domain.EventUserDisconnected, domain.UserRef{UserID: userID}); err != nil {
		t.log.Debug("user_disconnected not sent", slog.String("op", op), sl.Err(err))
	}
}

// SetStatus changes the local user's status and publishes it.
func (t *Tracker) SetStatus(status domain.Status) error {
	if !status.Valid() {
		return domain.ErrInvalidStatus
	}

	t.mu.Lock()
	if t.scope == nil {
		t.mu.Unlock()
		return ErrNotStarted
	}
	userID, name := t.userID, t.name
	t.status = status
	t.mu.Unlock()

	t.apply(domain.UserPresence{UserID: userID, Name: name, Status: status})
	return t.bus.Emit(domain.EventUserStatusChange, domain.StatusChangePayload{UserID: userID, Status: status})
}

// Status returns the known status of userID; unknown users are offline.
func (t *Tracker) Status(userID string) domain.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.roster[userID]; ok {
		return p.Status
	}
	return domain.StatusOffline
}

// Roster returns every known record ordered by user id.
func (t *Tracker) Roster() []domain.UserPresence {
	t.mu.Lock()
	out := make([]domain.UserPresence, 0, len(t.roster))
	for _, p := range t.roster {
		out = append(out, p)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// OnChange registers fn for status changes and returns its unsubscribe func.
func (t *Tracker) OnChange(fn Listener) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.listeners[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.listeners, id)
	}
}

func (t *Tracker) announce() {
	const op = "presence.tracker.announce"

	t.mu.Lock()
	if t.scope == nil {
		t.mu.Unlock()
		return
	}
	userID, name, status := t.userID, t.name, t.status
	t.mu.Unlock()

	if err := t.bus.Emit(domain.EventUserConnected, domain.UserConnectedPayload{UserID: userID, Name: name}); err != nil {
		t.log.Debug("announce deferred to next epoch", slog.String("op", op), sl.Err(err))
		return
	}
	if status != domain.StatusOnline {
		_ = t.bus.Emit(domain.EventUserStatusChange, domain.StatusChangePayload{UserID: userID, Status: status})
	}
	t.apply(domain.UserPresence{UserID: userID, Name: name, Status: status})
}

func (t *Tracker) handleStatusChange(data json.RawMessage) {
	var payload domain.StatusChangePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.UserID == "" || !payload.Status.Valid() {
		t.log.Warn("malformed user_status_change", slog.String("payload", string(data)))
		return
	}
	if t.isSelf(payload.UserID) {
		return
	}
	t.apply(domain.UserPresence{UserID: payload.UserID, Status: payload.Status})
}

func (t *Tracker) handleRoster(data json.RawMessage) {
	var records []domain.UserPresence
	if err := json.Unmarshal(data, &records); err != nil {
		t.log.Warn("malformed presence_roster", sl.Err(err))
		return
	}
	for _, record := range records {
		if record.UserID == "" || !record.Status.Valid() || t.isSelf(record.UserID) {
			continue
		}
		t.apply(record)
	}
}

func (t *Tracker) isSelf(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return userID == t.userID
}

// apply stores the record and notifies listeners when the status changed.
// Reapplying a known status is a no-op.
func (t *Tracker) apply(record domain.UserPresence) {
	t.mu.Lock()
	current, known := t.roster[record.UserID]
	if record.Name == "" {
		record.Name = current.Name
	}
	if known && current.Status == record.Status {
		if record.Name != current.Name {
			current.Name = record.Name
			t.roster[record.UserID] = current
		}
		t.mu.Unlock()
		return
	}
	t.roster[record.UserID] = record
	listeners := make([]Listener, 0, len(t.listeners))
	for _, fn := range t.listeners {
		listeners = append(listeners, fn)
	}
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(record)
	}
}
