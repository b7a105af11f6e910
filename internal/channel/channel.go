// Package channel implements the uniform channel contract shared by the
// STREAM and DATAGRAM transports: a dynamically created multiplexing unit
// with its own client registry and event handler table.
package channel

import (
	"encoding/json"
	"net"
	"sync"

	"go.uber.org/zap"

	"channeld/internal/chanid"
	"channeld/internal/metrics"
)

// Sender abstracts how a single wire frame reaches one client, so EmitAll
// and EmitTo don't care whether the client is a stream socket or a
// synthesized datagram reply target.
type Sender interface {
	Send(c Client, payload []byte) error
}

// Channel is a single multiplexing unit: one kind of transport, one
// registry of clients, one table of event handlers.
type Channel struct {
	id   ID
	kind Kind

	prefs CreatePreferences

	mu        sync.RWMutex
	handlers  map[string]Handler
	destroyed bool

	registry *registry
	sender   Sender

	// server is an opaque back-reference to the owning root, set once by
	// the server package via SetServer. It is untyped here to avoid an
	// import cycle between this package and internal/server; handlers
	// that need it type-assert to whatever concrete type the server
	// package hands them.
	server interface{}

	logger  *zap.Logger
	metrics *metrics.Registry
}

// New constructs a Channel. sender is nil until the transport-specific
// constructor (NewStreamChannel / NewDatagramChannel) installs one.
func New(kind Kind, prefs CreatePreferences, logger *zap.Logger, reg *metrics.Registry) *Channel {
	return &Channel{
		id:       chanid.New(),
		kind:     kind,
		prefs:    prefs,
		handlers: make(map[string]Handler),
		registry: newRegistry(),
		logger:   logger,
		metrics:  reg,
	}
}

// ID returns the channel's opaque identifier.
func (ch *Channel) ID() ID { return ch.id }

// Kind reports whether this is a STREAM or DATAGRAM channel.
func (ch *Channel) Kind() Kind { return ch.kind }

// SetServer installs the opaque back-reference to the owning root. Called
// exactly once, before the channel is reachable by any client traffic.
func (ch *Channel) SetServer(s interface{}) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.server = s
}

// Server returns the opaque back-reference installed by SetServer, or nil
// if the channel was never attached to a root (e.g. in isolation tests).
func (ch *Channel) Server() interface{} {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.server
}

// setSender installs the transport's delivery mechanism. Unexported:
// callers outside this package get it wired for them by the
// stream/datagram constructors.
func (ch *Channel) setSender(s Sender) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.sender = s
}

// RegisterEventHandler binds fn to event. Re-registering an already-bound
// event is rejected with EVENT_ALREADY_EXISTS.
func (ch *Channel) RegisterEventHandler(event string, fn Handler) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.destroyed {
		return NewError(CodeInternalServerError)
	}
	if _, exists := ch.handlers[event]; exists {
		return NewError(CodeEventAlreadyExists)
	}
	ch.handlers[event] = fn
	return nil
}

// handlerFor returns the handler bound to event, or EVENT_NOT_FOUND.
func (ch *Channel) handlerFor(event string) (Handler, error) {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	fn, ok := ch.handlers[event]
	if !ok {
		return nil, NewError(CodeEventNotFound)
	}
	return fn, nil
}

// RegisterClient adds c to the channel's registry. Duplicate uid or
// address is rejected with CLIENT_ALREADY_EXISTS.
func (ch *Channel) RegisterClient(c Client) error {
	if err := ch.registry.register(c); err != nil {
		return err
	}
	if ch.metrics != nil {
		ch.metrics.Clients.Registered.WithLabelValues(ch.kind.String()).Inc()
	}
	return nil
}

// ReconnectClientByUID atomically swaps the record registered under uid
// for replacement, without disturbing any other client's position. The
// replaced record is discarded, not returned. Fails with
// CLIENT_NOT_REGISTERED if uid has no current record.
func (ch *Channel) ReconnectClientByUID(uid chanid.ID, replacement Client) error {
	return ch.registry.reconnectByUID(uid, replacement)
}

// Clients returns a point-in-time snapshot of registered clients.
func (ch *Channel) Clients() []Client {
	return ch.registry.snapshot()
}

// ClientCount returns the number of currently registered clients.
func (ch *Channel) ClientCount() int {
	return ch.registry.size()
}

// DisconnectCertain removes exactly the clients in targets from the
// registry, without closing their underlying connections.
func (ch *Channel) DisconnectCertain(targets []Client) {
	ch.registry.disconnectCertain(targets)
	if ch.metrics != nil {
		ch.metrics.Clients.Registered.WithLabelValues(ch.kind.String()).Sub(float64(len(targets)))
	}
}

// DisconnectAll clears the entire registry.
func (ch *Channel) DisconnectAll() {
	n := ch.registry.size()
	ch.registry.clear()
	if ch.metrics != nil {
		ch.metrics.Clients.Registered.WithLabelValues(ch.kind.String()).Sub(float64(n))
	}
}

// Destroy marks the channel as no longer accepting dispatch and clears its
// registry and handler table. It does not close the underlying socket;
// the owning transport (stream/datagram listener) is responsible for
// that, since only it knows whether a close is already in flight.
func (ch *Channel) Destroy() {
	ch.mu.Lock()
	ch.destroyed = true
	ch.handlers = make(map[string]Handler)
	ch.mu.Unlock()
	ch.DisconnectAll()
}

// Destroyed reports whether Destroy has been called.
func (ch *Channel) Destroyed() bool {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.destroyed
}

// EmitTo sends data tagged as event to exactly one client. Returns
// DATA_RESPONSE_FAIL if delivery fails for a reason other than the
// connection being closed, and CONNECTION_CLOSED (carrying the client)
// if the peer's connection was found closed — the caller is expected to
// forward that into DisconnectCertain when delete_client_when_closed is
// set.
func (ch *Channel) EmitTo(client Client, event string, data json.RawMessage) error {
	ch.mu.RLock()
	sender := ch.sender
	ch.mu.RUnlock()
	if sender == nil {
		return NewError(CodeInternalServerError)
	}

	payload, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return NewError(CodeJSONFormatInvalid)
	}

	if err := sender.Send(client, payload); err != nil {
		if isClosedConnErr(err) {
			return ConnectionClosed(client)
		}
		return NewErrorf(CodeDataResponseFail, err.Error())
	}
	return nil
}

// EmitAll broadcasts data tagged as event to every registered client.
// Delivery is best-effort and per-client independent: one client's
// failure never stops delivery to the others. When the channel's DeleteClientWhenClosed preference is
// set on a STREAM channel, clients whose connection is found closed during
// this call are pruned from the registry before EmitAll returns.
func (ch *Channel) EmitAll(event string, data json.RawMessage) {
	ch.mu.RLock()
	sender := ch.sender
	ch.mu.RUnlock()
	if sender == nil {
		return
	}

	payload, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		if ch.logger != nil {
			ch.logger.Warn("emit_all: failed to encode envelope", zap.String("event", event), zap.Error(err))
		}
		return
	}

	clients := ch.registry.snapshot()
	var closed []Client
	for _, c := range clients {
		if err := sender.Send(c, payload); err != nil {
			if isClosedConnErr(err) {
				closed = append(closed, c)
				continue
			}
			if ch.logger != nil {
				ch.logger.Debug("emit_all: delivery failed", zap.String("event", event), zap.Error(err))
			}
		}
	}

	if len(closed) == 0 {
		return
	}
	if ch.prefs.DeleteClientWhenClosed && ch.kind == Stream {
		if ch.metrics != nil {
			ch.metrics.Dispatch.BroadcastPruned.Add(float64(len(closed)))
		}
		ch.DisconnectCertain(closed)
	}
}

// Dispatch routes an inbound envelope to its handler and returns the
// handler's reply, if any. It does not write anything to the wire; the
// caller (stream.go / datagram.go) owns translating the return value and
// error into outbound frames so it can fold in transport-specific framing
// concerns.
func (ch *Channel) Dispatch(raw []byte, client Client) (*json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, NewError(CodeJSONParseFail)
	}
	if env.Event == "" {
		return nil, NewError(CodeJSONFormatInvalid)
	}

	fn, err := ch.handlerFor(env.Event)
	if err != nil {
		if ch.metrics != nil {
			ch.metrics.Dispatch.ErrorsByCode.WithLabelValues(env.Event, string(CodeEventNotFound)).Inc()
		}
		return nil, err
	}

	reply, err := fn(ch, env.Data, client)
	if ch.metrics != nil {
		if err != nil {
			ch.metrics.Dispatch.ErrorsByCode.WithLabelValues(env.Event, string(CodeOf(err))).Inc()
		} else {
			ch.metrics.Dispatch.MessagesHandled.WithLabelValues(env.Event).Inc()
		}
	}
	return reply, err
}

// sameRemote reports whether two net.Addr values name the same peer, used
// by the datagram layer when matching an inbound packet's source address
// to a registered client.
func sameRemote(a, b net.Addr) bool {
	return sameAddr(a, b)
}
