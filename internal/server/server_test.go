package server

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"channeld/internal/channel"
	"channeld/internal/config"
)

func newTestServer() *Server {
	cfg := config.Config{}
	cfg.Server.BindHost = "127.0.0.1"
	cfg.Server.PortRangeMin = 20000
	cfg.Server.PortRangeMax = 20100
	s := New(cfg, nil, nil)
	s.Run(context.Background())
	return s
}

func TestCreateStreamChannelAutoPortNeverZero(t *testing.T) {
	s := newTestServer()
	defer s.Shutdown()

	sl, err := s.CreateStreamChannel(0, channel.CreatePreferences{})
	require.NoError(t, err)
	assert.NotEqual(t, 0, addrPort(t, sl.Addr()))
}

func TestCreateStreamChannelInRangeBindsWithinRange(t *testing.T) {
	s := newTestServer()
	defer s.Shutdown()

	sl, err := s.CreateStreamChannelInRange(channel.CreatePreferences{})
	require.NoError(t, err)
	port := addrPort(t, sl.Addr())
	assert.GreaterOrEqual(t, port, int(s.cfg.Server.PortRangeMin))
	assert.LessOrEqual(t, port, int(s.cfg.Server.PortRangeMax))
}

func TestCreateDatagramChannelAutoPortNeverZero(t *testing.T) {
	s := newTestServer()
	defer s.Shutdown()

	dl, err := s.CreateDatagramChannel(0, channel.CreatePreferences{})
	require.NoError(t, err)
	assert.NotEqual(t, 0, addrPort(t, dl.Addr()))
}

func TestCreateDatagramChannelInRangeBindsWithinRange(t *testing.T) {
	s := newTestServer()
	defer s.Shutdown()

	dl, err := s.CreateDatagramChannelInRange(channel.CreatePreferences{})
	require.NoError(t, err)
	port := addrPort(t, dl.Addr())
	assert.GreaterOrEqual(t, port, int(s.cfg.Server.PortRangeMin))
	assert.LessOrEqual(t, port, int(s.cfg.Server.PortRangeMax))
}

func TestCreateStreamChannelBeforeRunFails(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.BindHost = "127.0.0.1"
	s := New(cfg, nil, nil)

	_, err := s.CreateStreamChannel(0, channel.CreatePreferences{})
	require.Error(t, err)
	assert.Equal(t, channel.CodeInstanceInitInvalid, channel.CodeOf(err))
}

func TestDestroyChannelRemovesFromLookup(t *testing.T) {
	s := newTestServer()
	defer s.Shutdown()

	sl, err := s.CreateStreamChannel(0, channel.CreatePreferences{})
	require.NoError(t, err)
	id := sl.Channel().ID()

	s.DestroyChannel(id)

	_, ok := s.StreamChannel(id)
	assert.False(t, ok)
}

func addrPort(t *testing.T, addr net.Addr) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(addr.String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}
