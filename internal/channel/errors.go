package channel

import (
	"encoding/json"
	"errors"
	"io"
	"net"
)

// Code is a stable error code from the engine's error taxonomy.
type Code string

const (
	CodeSocketBufferReadFail   Code = "SOCKET_BUFFER_READ_FAIL"
	CodeJSONParseFail          Code = "JSON_PARSE_FAIL"
	CodeJSONFormatInvalid      Code = "JSON_FORMAT_INVALID"
	CodeEventNotFound          Code = "EVENT_NOT_FOUND"
	CodeInternalServerError    Code = "INTERNAL_SERVER_ERROR"
	CodeChannelInitializeFail  Code = "CHANNEL_INITIALIZE_FAIL"
	CodeInstanceInitInvalid    Code = "INSTANCE_INITIALIZE_INVALID"
	CodeVacantPortSearchFail   Code = "VACANT_PORT_SEARCH_FAIL"
	CodeEventAlreadyExists     Code = "EVENT_ALREADY_EXISTS"
	CodeClientAlreadyExists    Code = "CLIENT_ALREADY_EXISTS"
	CodeClientNotRegistered    Code = "CLIENT_NOT_REGISTERED"
	CodeClientDataInvalid      Code = "CLIENT_DATA_INVALID"
	CodeDataResponseFail       Code = "DATA_RESPONSE_FAIL"
	CodeConnectionClosed       Code = "CONNECTION_CLOSED"
)

var defaultMessages = map[Code]string{
	CodeSocketBufferReadFail:  "Failed to read buffer from socket",
	CodeJSONParseFail:         "Failed to parse json",
	CodeJSONFormatInvalid:     "Message did not contain a string event field",
	CodeEventNotFound:         "No handler registered for event",
	CodeInternalServerError:   "Internal server error",
	CodeChannelInitializeFail: "Failed to initialize channel",
	CodeInstanceInitInvalid:   "Server self-reference unavailable",
	CodeVacantPortSearchFail:  "Failed to find vacant port",
	CodeEventAlreadyExists:    "Event handler already registered",
	CodeClientAlreadyExists:   "Client uid or address already registered",
	CodeClientNotRegistered:   "Client uid not registered",
	CodeClientDataInvalid:     "Client record invalid for this operation",
	CodeDataResponseFail:      "Failed to write response to peer",
	CodeConnectionClosed:      "Connection already closed",
}

// Error is the engine's error type. Every error surfaced to a caller or
// written into an `error` envelope carries one of these.
type Error struct {
	code    Code
	message string
	// Client is populated only for CONNECTION_CLOSED.
	Client *Client
}

func (e *Error) Error() string {
	return string(e.code) + ": " + e.message
}

// Code returns the error's stable taxonomy code.
func (e *Error) Code() Code { return e.code }

// wireError is the stable {code,message} JSON shape.
type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JSON renders the error's stable {code,message} shape.
func (e *Error) JSON() json.RawMessage {
	b, err := json.Marshal(wireError{Code: string(e.code), Message: e.message})
	if err != nil {
		// Code/message are both plain strings; Marshal cannot fail.
		return json.RawMessage(`{"code":"INTERNAL_SERVER_ERROR","message":"failed to encode error"}`)
	}
	return b
}

// NewError builds an Error with the taxonomy's default message for code.
func NewError(code Code) *Error {
	return &Error{code: code, message: defaultMessages[code]}
}

// NewErrorf builds an Error with a custom message.
func NewErrorf(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

// ConnectionClosed builds the CONNECTION_CLOSED error carrying the client
// whose connection was found closed.
func ConnectionClosed(c Client) *Error {
	return &Error{code: CodeConnectionClosed, message: defaultMessages[CodeConnectionClosed], Client: &c}
}

// CodeOf extracts the taxonomy code from err, or "" if err is not one of
// ours.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return ""
}

// isClosedConnErr reports whether err indicates the peer closed a framed
// stream connection, as opposed to some other write/read failure. This is
// the single point of truth for the broadcast-prune classification.
func isClosedConnErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return !opErr.Timeout()
	}
	return false
}
