package channel

import (
	"encoding/json"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorJSONShape(t *testing.T) {
	e := NewError(CodeEventNotFound)

	var decoded struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	requireNoUnmarshalErr(t, e.JSON(), &decoded)

	assert.Equal(t, "EVENT_NOT_FOUND", decoded.Code)
	assert.NotEmpty(t, decoded.Message)
}

func TestCodeOfUnwrapsError(t *testing.T) {
	err := NewErrorf(CodeClientDataInvalid, "bad client record")
	assert.Equal(t, CodeClientDataInvalid, CodeOf(err))
}

func TestCodeOfNonTaxonomyErrorIsEmpty(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(io.EOF))
}

func TestConnectionClosedCarriesClient(t *testing.T) {
	c := newTestClient(900)
	err := ConnectionClosed(c)
	assert.Equal(t, CodeConnectionClosed, err.Code())
	assert.Equal(t, c.UID, err.Client.UID)
}

func TestIsClosedConnErrClassification(t *testing.T) {
	assert.True(t, isClosedConnErr(io.EOF))
	assert.True(t, isClosedConnErr(io.ErrClosedPipe))
	assert.True(t, isClosedConnErr(io.ErrUnexpectedEOF))
	assert.True(t, isClosedConnErr(net.ErrClosed))
	assert.False(t, isClosedConnErr(nil))
	assert.False(t, isClosedConnErr(errWriteFailed{}))
}

func requireNoUnmarshalErr(t *testing.T, raw json.RawMessage, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("unmarshal error json: %v", err)
	}
}
