package presence

import (
	"testing"

	"github.com/immxrtalbeast/teamsync/internal/domain"
	"github.com/immxrtalbeast/teamsync/internal/eventchannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartAnnouncesAndReannouncesPerEpoch(t *testing.T) {
	bus := eventchannel.NewMemory()
	tracker := New(bus, nil)
	require.NoError(t, tracker.Start("alice", "Alice"))

	require.Len(t, bus.EmittedEvents(domain.EventUserConnected), 1)
	bus.NewEpoch()
	announced := bus.EmittedEvents(domain.EventUserConnected)
	require.Len(t, announced, 2)

	var payload domain.UserConnectedPayload
	require.NoError(t, announced[1].Decode(&payload))
	assert.Equal(t, domain.UserConnectedPayload{UserID: "alice", Name: "Alice"}, payload)
	assert.ErrorIs(t, tracker.Start("alice", ""), ErrAlreadyStarted)
}

func TestDuplicateStatusEventsFireOnce(t *testing.T) {
	bus := eventchannel.NewMemory()
	tracker := New(bus, nil)
	require.NoError(t, tracker.Start("alice", ""))

	var changes []domain.UserPresence
	unsubscribe := tracker.OnChange(func(p domain.UserPresence) { changes = append(changes, p) })

	change := domain.StatusChangePayload{UserID: "bob", Status: domain.StatusOnline}
	require.NoError(t, bus.Deliver(domain.EventUserStatusChange, change))
	require.NoError(t, bus.Deliver(domain.EventUserStatusChange, change))

	assert.Len(t, changes, 1)
	assert.Equal(t, domain.StatusOnline, tracker.Status("bob"))

	require.NoError(t, bus.Deliver(domain.EventUserStatusChange, domain.StatusChangePayload{UserID: "bob", Status: domain.StatusAway}))
	assert.Len(t, changes, 2)

	unsubscribe()
	require.NoError(t, bus.Deliver(domain.EventUserStatusChange, domain.StatusChangePayload{UserID: "bob", Status: domain.StatusOffline}))
	assert.Len(t, changes, 2)
	assert.Equal(t, domain.StatusOffline, tracker.Status("bob"))
}

func TestRosterAppliesWithoutOverridingSelf(t *testing.T) {
	bus := eventchannel.NewMemory()
	tracker := New(bus, nil)
	require.NoError(t, tracker.Start("alice", ""))
	require.NoError(t, tracker.SetStatus(domain.StatusAway))

	require.NoError(t, bus.Deliver(domain.EventPresenceRoster, []domain.UserPresence{
		{UserID: "alice", Status: domain.StatusOnline},
		{UserID: "bob", Name: "Bob", Status: domain.StatusOnline},
		{UserID: "carol", Status: domain.StatusOffline},
	}))

	roster := tracker.Roster()
	require.Len(t, roster, 3)
	assert.Equal(t, domain.StatusAway, tracker.Status("alice"))
	assert.Equal(t, "Bob", roster[1].Name)
	assert.Equal(t, domain.StatusOffline, tracker.Status("nobody"))
}

func TestAwayIsRestoredAfterReconnect(t *testing.T) {
	bus := eventchannel.NewMemory()
	tracker := New(bus, nil)
	require.NoError(t, tracker.Start("alice", ""))
	require.NoError(t, tracker.SetStatus(domain.StatusAway))
	bus.Reset()

	bus.NewEpoch()

	changes := bus.EmittedEvents(domain.EventUserStatusChange)
	require.Len(t, changes, 1)
	var payload domain.StatusChangePayload
	require.NoError(t, changes[0].Decode(&payload))
	assert.Equal(t, domain.StatusAway, payload.Status)
}

func TestStopEmitsDisconnectAndUnsubscribes(t *testing.T) {
	bus := eventchannel.NewMemory()
	tracker := New(bus, nil)
	require.NoError(t, tracker.Start("alice", ""))

	tracker.Stop()
	assert.Len(t, bus.EmittedEvents(domain.EventUserDisconnected), 1)
	assert.Zero(t, bus.HandlerCount(domain.EventUserStatusChange))
	assert.ErrorIs(t, tracker.SetStatus(domain.StatusAway), ErrNotStarted)

	bus.SetConnected(false)
	require.NoError(t, tracker.Start("alice", ""))
	assert.NotPanics(t, tracker.Stop)
}

func TestSetStatusRejectsUnknown(t *testing.T) {
	tracker := New(eventchannel.NewMemory(), nil)
	require.NoError(t, tracker.Start("alice", ""))
	assert.ErrorIs(t, tracker.SetStatus("busy"), domain.ErrInvalidStatus)
}
