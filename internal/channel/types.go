package channel

import (
	"encoding/json"
	"net"

	"channeld/internal/chanid"
)

// Kind distinguishes the two channel variants.
type Kind int

const (
	Stream Kind = iota
	Datagram
)

func (k Kind) String() string {
	if k == Stream {
		return "stream"
	}
	return "datagram"
}

// ID is a channel's opaque 128-bit identifier.
type ID = chanid.ID

// EventTag is the outbound message classifier, a closed set.
type EventTag string

const (
	TagError     EventTag = "error"
	TagRedirect  EventTag = "redirect"
	TagExecute   EventTag = "execute"
	TagTerminate EventTag = "terminate"
	TagOK        EventTag = "ok"
	TagData      EventTag = "data"
)

// Envelope is the `{event,data}` JSON object carried on the wire in both
// directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client is the identity record for a remote peer.
type Client struct {
	UID  chanid.ID
	Addr net.Addr

	// Stream is present only for STREAM-variant clients. It is nil for
	// DATAGRAM clients and for the ephemeral clients synthesized for
	// datagram handlers.
	Stream *streamConn
}

// Handler is a user-registered event handler. It may be invoked
// concurrently with other handlers of the same channel, and must be safe
// to share across threads.
//
// A nil returned *json.RawMessage with a nil error means "no reply".
type Handler func(ch *Channel, data json.RawMessage, client Client) (*json.RawMessage, error)

// CreatePreferences are the creation-time behavioral knobs.
type CreatePreferences struct {
	// DeleteClientWhenClosed requests automatic pruning of closed peers
	// detected during EmitAll (STREAM only).
	DeleteClientWhenClosed bool
	// Concurrent requests a non-blocking read posture on accepted stream
	// sockets, so a reader thread can poll cooperatively instead of
	// committing to a blocking read.
	Concurrent bool
}
