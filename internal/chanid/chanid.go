// Package chanid generates the opaque 128-bit identifiers used for
// channel IDs and client UIDs.
package chanid

import "github.com/google/uuid"

// ID is an opaque 128-bit identifier.
type ID = uuid.UUID

// New returns a fresh random identifier.
func New() ID {
	return uuid.New()
}

// Nil is the zero-value identifier, used for the ephemeral client
// records datagram channels synthesize for handlers that do not
// explicitly register.
var Nil = uuid.Nil

// Parse parses a canonical string form back into an ID.
func Parse(s string) (ID, error) {
	return uuid.Parse(s)
}
