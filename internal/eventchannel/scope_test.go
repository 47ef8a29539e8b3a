package eventchannel

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeReleasesOnEveryExit(t *testing.T) {
	bus := NewMemory()

	run := func(fail bool) error {
		scope := NewScope(bus)
		defer scope.Close()

		scope.On("card_created", func(json.RawMessage) {})
		scope.OnEpoch(func(uint64) {})
		if fail {
			return errors.New("fetch failed")
		}
		return nil
	}

	require.Error(t, run(true))
	assert.Zero(t, bus.HandlerCount("card_created"))
	require.NoError(t, run(false))
	assert.Zero(t, bus.HandlerCount("card_created"))
}

func TestScopeClosedIgnoresSubscriptions(t *testing.T) {
	bus := NewMemory()
	scope := NewScope(bus)
	scope.Close()
	scope.Close()

	scope.On("x", func(json.RawMessage) {})
	assert.Zero(t, bus.HandlerCount("x"))
}

func TestHandlerMayUnsubscribeItself(t *testing.T) {
	bus := NewMemory()
	calls := 0
	var sub Subscription
	sub = bus.On("x", func(json.RawMessage) {
		calls++
		bus.Unsubscribe(sub)
	})

	require.NoError(t, bus.Deliver("x", nil))
	require.NoError(t, bus.Deliver("x", nil))
	assert.Equal(t, 1, calls)
}

func TestMemoryNewEpochFailsHeldAcks(t *testing.T) {
	bus := NewMemory()
	var got error
	require.NoError(t, bus.EmitWithAck("peer_id", nil, func(_ json.RawMessage, err error) { got = err }))

	bus.NewEpoch()
	assert.ErrorIs(t, got, ErrConnectionLost)
}
