package channel

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"channeld/internal/chanid"
)

func newTestClient(port int) Client {
	return Client{UID: chanid.New(), Addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}}
}

func TestRegistryRegisterRejectsDuplicateUID(t *testing.T) {
	r := newRegistry()
	c := newTestClient(1000)

	require.NoError(t, r.register(c))

	dup := c
	dup.Addr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1001}
	err := r.register(dup)
	require.Error(t, err)
	assert.Equal(t, CodeClientAlreadyExists, CodeOf(err))
}

func TestRegistryRegisterRejectsDuplicateAddr(t *testing.T) {
	r := newRegistry()
	c := newTestClient(2000)
	require.NoError(t, r.register(c))

	dup := Client{UID: chanid.New(), Addr: c.Addr}
	err := r.register(dup)
	require.Error(t, err)
	assert.Equal(t, CodeClientAlreadyExists, CodeOf(err))
}

func TestRegistryReconnectByUIDReplacesInPlace(t *testing.T) {
	r := newRegistry()
	a := newTestClient(3000)
	b := newTestClient(3001)
	require.NoError(t, r.register(a))
	require.NoError(t, r.register(b))

	replacement := Client{UID: a.UID, Addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 3002}}
	require.NoError(t, r.reconnectByUID(a.UID, replacement))

	snap := r.snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, replacement.Addr.String(), snap[0].Addr.String())
	assert.Equal(t, b.UID, snap[1].UID)
}

func TestRegistryReconnectByUIDUnknownFails(t *testing.T) {
	r := newRegistry()
	err := r.reconnectByUID(chanid.New(), newTestClient(4000))
	require.Error(t, err)
	assert.Equal(t, CodeClientNotRegistered, CodeOf(err))
}

func TestRegistryDisconnectCertainRemovesOnlyTargets(t *testing.T) {
	r := newRegistry()
	a, b, c := newTestClient(5000), newTestClient(5001), newTestClient(5002)
	require.NoError(t, r.register(a))
	require.NoError(t, r.register(b))
	require.NoError(t, r.register(c))

	r.disconnectCertain([]Client{b})

	snap := r.snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, a.UID, snap[0].UID)
	assert.Equal(t, c.UID, snap[1].UID)
}

func TestRegistryClear(t *testing.T) {
	r := newRegistry()
	require.NoError(t, r.register(newTestClient(6000)))
	require.NoError(t, r.register(newTestClient(6001)))

	r.clear()
	assert.Equal(t, 0, r.size())
}
