package channel

import (
	"encoding/json"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"channeld/internal/chanid"
)

// fakeSender records every payload delivered to each client and can be
// told to fail for specific clients, either with a closed-connection
// error or an ordinary one.
type fakeSender struct {
	mu       sync.Mutex
	sent     map[chanid.ID][][]byte
	failWith map[chanid.ID]error
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[chanid.ID][][]byte), failWith: make(map[chanid.ID]error)}
}

func (f *fakeSender) Send(c Client, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failWith[c.UID]; ok {
		return err
	}
	f.sent[c.UID] = append(f.sent[c.UID], payload)
	return nil
}

func (f *fakeSender) countFor(uid chanid.ID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent[uid])
}

func newTestChannel(prefs CreatePreferences) (*Channel, *fakeSender) {
	ch := New(Stream, prefs, nil, nil)
	sender := newFakeSender()
	ch.setSender(sender)
	return ch, sender
}

func TestRegisterEventHandlerRejectsDuplicate(t *testing.T) {
	ch, _ := newTestChannel(CreatePreferences{})
	noop := func(*Channel, json.RawMessage, Client) (*json.RawMessage, error) { return nil, nil }

	require.NoError(t, ch.RegisterEventHandler("ping", noop))
	err := ch.RegisterEventHandler("ping", noop)
	require.Error(t, err)
	assert.Equal(t, CodeEventAlreadyExists, CodeOf(err))
}

func TestDispatchUnknownEventReturnsEventNotFound(t *testing.T) {
	ch, _ := newTestChannel(CreatePreferences{})
	client := newTestClient(100)

	raw, _ := json.Marshal(Envelope{Event: "nope", Data: json.RawMessage(`{}`)})
	_, err := ch.Dispatch(raw, client)
	require.Error(t, err)
	assert.Equal(t, CodeEventNotFound, CodeOf(err))
}

func TestDispatchMalformedJSONReturnsParseFail(t *testing.T) {
	ch, _ := newTestChannel(CreatePreferences{})
	_, err := ch.Dispatch([]byte("not json"), newTestClient(101))
	require.Error(t, err)
	assert.Equal(t, CodeJSONParseFail, CodeOf(err))
}

func TestDispatchMissingEventFieldReturnsFormatInvalid(t *testing.T) {
	ch, _ := newTestChannel(CreatePreferences{})
	_, err := ch.Dispatch([]byte(`{"data":{}}`), newTestClient(102))
	require.Error(t, err)
	assert.Equal(t, CodeJSONFormatInvalid, CodeOf(err))
}

func TestDispatchRoutesToRegisteredHandler(t *testing.T) {
	ch, _ := newTestChannel(CreatePreferences{})
	called := false
	reply := json.RawMessage(`{"ok":true}`)
	require.NoError(t, ch.RegisterEventHandler("greet", func(c *Channel, data json.RawMessage, client Client) (*json.RawMessage, error) {
		called = true
		return &reply, nil
	}))

	raw, _ := json.Marshal(Envelope{Event: "greet", Data: json.RawMessage(`{"name":"a"}`)})
	out, err := ch.Dispatch(raw, newTestClient(103))
	require.NoError(t, err)
	assert.True(t, called)
	require.NotNil(t, out)
	assert.JSONEq(t, string(reply), string(*out))
}

func TestEmitToDeliversEnvelopeToSender(t *testing.T) {
	ch, sender := newTestChannel(CreatePreferences{})
	client := newTestClient(200)
	require.NoError(t, ch.EmitTo(client, "data", json.RawMessage(`{"x":1}`)))
	assert.Equal(t, 1, sender.countFor(client.UID))
}

func TestEmitToClosedConnectionReturnsConnectionClosed(t *testing.T) {
	ch, sender := newTestChannel(CreatePreferences{})
	client := newTestClient(201)
	sender.failWith[client.UID] = io.EOF

	err := ch.EmitTo(client, "data", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Equal(t, CodeConnectionClosed, CodeOf(err))
}

func TestEmitAllIsIndependentPerClient(t *testing.T) {
	ch, sender := newTestChannel(CreatePreferences{})
	good := newTestClient(300)
	bad := newTestClient(301)
	require.NoError(t, ch.RegisterClient(good))
	require.NoError(t, ch.RegisterClient(bad))
	sender.failWith[bad.UID] = errWriteFailed{}

	ch.EmitAll("data", json.RawMessage(`{}`))

	assert.Equal(t, 1, sender.countFor(good.UID))
	assert.Equal(t, 0, sender.countFor(bad.UID))
	assert.Equal(t, 2, ch.ClientCount(), "a non-closed write failure must not prune the client")
}

func TestEmitAllPrunesClosedConnectionsWhenConfigured(t *testing.T) {
	ch, sender := newTestChannel(CreatePreferences{DeleteClientWhenClosed: true})
	alive := newTestClient(400)
	gone := newTestClient(401)
	require.NoError(t, ch.RegisterClient(alive))
	require.NoError(t, ch.RegisterClient(gone))
	sender.failWith[gone.UID] = io.EOF

	ch.EmitAll("data", json.RawMessage(`{}`))

	assert.Equal(t, 1, ch.ClientCount())
	clients := ch.Clients()
	require.Len(t, clients, 1)
	assert.Equal(t, alive.UID, clients[0].UID)
}

func TestEmitAllKeepsClosedConnectionsWhenNotConfigured(t *testing.T) {
	ch, sender := newTestChannel(CreatePreferences{DeleteClientWhenClosed: false})
	alive := newTestClient(410)
	gone := newTestClient(411)
	require.NoError(t, ch.RegisterClient(alive))
	require.NoError(t, ch.RegisterClient(gone))
	sender.failWith[gone.UID] = io.EOF

	ch.EmitAll("data", json.RawMessage(`{}`))

	assert.Equal(t, 2, ch.ClientCount())
}

func TestDestroyClearsHandlersAndClients(t *testing.T) {
	ch, _ := newTestChannel(CreatePreferences{})
	require.NoError(t, ch.RegisterClient(newTestClient(500)))
	require.NoError(t, ch.RegisterEventHandler("x", func(*Channel, json.RawMessage, Client) (*json.RawMessage, error) {
		return nil, nil
	}))

	ch.Destroy()

	assert.True(t, ch.Destroyed())
	assert.Equal(t, 0, ch.ClientCount())
	err := ch.RegisterEventHandler("x", func(*Channel, json.RawMessage, Client) (*json.RawMessage, error) {
		return nil, nil
	})
	require.Error(t, err, "a destroyed channel must reject new handler registration")
	assert.Equal(t, CodeInternalServerError, CodeOf(err))
}

func TestSetServerRoundTrips(t *testing.T) {
	ch, _ := newTestChannel(CreatePreferences{})
	type fakeRoot struct{ name string }
	root := &fakeRoot{name: "root"}
	ch.SetServer(root)

	got, ok := ch.Server().(*fakeRoot)
	require.True(t, ok)
	assert.Equal(t, "root", got.name)
}

// errWriteFailed simulates an ordinary (non-closed-connection) write
// failure, e.g. a transient kernel buffer error.
type errWriteFailed struct{}

func (errWriteFailed) Error() string { return "write failed" }
