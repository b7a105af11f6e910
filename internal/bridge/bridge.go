// Package bridge is the embedding boundary: the surface a host process
// uses to create channels, subscribe to their events, and dispatch
// replies without importing internal/channel or internal/server
// directly. It plays the role the original backend's Neon js_interface
// played for its embedding runtime, expressed as a plain Go interface
// instead of an FFI binding.
package bridge

import (
	"encoding/json"

	"go.uber.org/zap"

	"channeld/internal/chanid"
	"channeld/internal/channel"
	"channeld/internal/server"
)

// Host is implemented by whatever embeds the engine. HandleEvent is
// called once per dispatched message for every event the host has
// subscribed to via RegisterHandler.
type Host interface {
	HandleEvent(channelID chanid.ID, event string, data json.RawMessage, client channel.Client) (*json.RawMessage, error)
}

// Bridge wraps a *server.Server and exposes the subset of operations an
// embedding host needs: creating channels, subscribing event handlers on
// them, and tearing them down again.
type Bridge struct {
	srv    *server.Server
	logger *zap.Logger
}

// New wraps srv for host-driven channel creation.
func New(srv *server.Server, logger *zap.Logger) *Bridge {
	return &Bridge{srv: srv, logger: logger}
}

// CreateStreamChannel creates a STREAM channel and returns its id and
// the address it bound. The host subscribes to events with
// RegisterHandler afterward.
func (b *Bridge) CreateStreamChannel(prefs channel.CreatePreferences) (chanid.ID, string, error) {
	sl, err := b.srv.CreateStreamChannel(0, prefs)
	if err != nil {
		return chanid.Nil, "", err
	}
	return sl.Channel().ID(), sl.Addr().String(), nil
}

// CreateDatagramChannel mirrors CreateStreamChannel for DATAGRAM
// channels.
func (b *Bridge) CreateDatagramChannel(prefs channel.CreatePreferences) (chanid.ID, string, error) {
	dl, err := b.srv.CreateDatagramChannel(0, prefs)
	if err != nil {
		return chanid.Nil, "", err
	}
	return dl.Channel().ID(), dl.Addr().String(), nil
}

// RegisterHandler binds event on the channel identified by channelID to
// host, so that every inbound message tagged event forwards to
// host.HandleEvent. Returns INTERNAL_SERVER_ERROR if channelID names
// nothing the bridge tracks, or EVENT_ALREADY_EXISTS if event is already
// bound.
func (b *Bridge) RegisterHandler(channelID chanid.ID, event string, host Host) error {
	ch, err := b.resolve(channelID)
	if err != nil {
		return err
	}
	return ch.RegisterEventHandler(event, func(c *channel.Channel, data json.RawMessage, client channel.Client) (*json.RawMessage, error) {
		return host.HandleEvent(channelID, event, data, client)
	})
}

// EmitAll broadcasts data tagged event to every client on channelID.
func (b *Bridge) EmitAll(channelID chanid.ID, event string, data json.RawMessage) error {
	ch, err := b.resolve(channelID)
	if err != nil {
		return err
	}
	ch.EmitAll(event, data)
	return nil
}

// DestroyChannel tears down the channel.
func (b *Bridge) DestroyChannel(id chanid.ID) {
	b.srv.DestroyChannel(id)
}

func (b *Bridge) resolve(id chanid.ID) (*channel.Channel, error) {
	if sl, ok := b.srv.StreamChannel(id); ok {
		return sl.Channel(), nil
	}
	if dl, ok := b.srv.DatagramChannel(id); ok {
		return dl.Channel(), nil
	}
	return nil, channel.NewErrorf(channel.CodeInternalServerError, "no channel tracked for this id")
}
