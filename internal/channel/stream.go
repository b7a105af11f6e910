package channel

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"channeld/internal/chanid"
	"channeld/internal/metrics"
)

// streamConn wraps the accepted socket for one STREAM peer, serializing
// writes so EmitAll/EmitTo from arbitrary goroutines never interleave
// frames on the wire.
type streamConn struct {
	conn net.Conn
	mu   sync.Mutex
}

func (s *streamConn) writeText(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return wsutil.WriteServerMessage(s.conn, ws.OpText, payload)
}

// streamSender implements Sender over accepted WebSocket-framed sockets.
type streamSender struct{}

func (streamSender) Send(c Client, payload []byte) error {
	if c.Stream == nil {
		return errors.New("client has no stream connection")
	}
	return c.Stream.writeText(payload)
}

// StreamListener owns the accept loop for one STREAM channel: a TCP
// listener on which every inbound connection completes a WebSocket
// handshake before being handed to the channel's registry and dispatch
// table.
type StreamListener struct {
	ch       *Channel
	listener net.Listener
	cfg      StreamConfig
	logger   *zap.Logger
	metrics  *metrics.Registry

	wg sync.WaitGroup
}

// StreamConfig carries the transport-level knobs a STREAM channel needs
// beyond the generic CreatePreferences.
type StreamConfig struct {
	ReadTimeout  time.Duration
	PollInterval time.Duration
	AcceptDelay  time.Duration
}

// NewStreamChannel binds ln to a freshly constructed Channel and returns
// the listener that drives it. The caller owns calling Serve in its own
// goroutine and Close on shutdown.
func NewStreamChannel(ln net.Listener, prefs CreatePreferences, cfg StreamConfig, logger *zap.Logger, reg *metrics.Registry) *StreamListener {
	ch := New(Stream, prefs, logger, reg)
	ch.setSender(streamSender{})
	if reg != nil {
		reg.Channels.StreamActive.Inc()
	}
	return &StreamListener{ch: ch, listener: ln, cfg: cfg, logger: logger, metrics: reg}
}

// Channel returns the underlying channel this listener drives.
func (sl *StreamListener) Channel() *Channel { return sl.ch }

// Addr returns the bound listener's address.
func (sl *StreamListener) Addr() net.Addr { return sl.listener.Addr() }

// Serve runs the accept loop until ctx is cancelled or the listener is
// closed. It blocks; call it from its own goroutine.
func (sl *StreamListener) Serve(ctx context.Context) {
	for {
		conn, err := sl.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				delay := sl.cfg.AcceptDelay
				if delay <= 0 {
					delay = 50 * time.Millisecond
				}
				time.Sleep(delay)
				continue
			}
			if ctx.Err() != nil || sl.ch.Destroyed() {
				return
			}
			if sl.logger != nil {
				sl.logger.Debug("stream accept error", zap.Error(err))
			}
			return
		}

		sl.wg.Add(1)
		go func(c net.Conn) {
			defer sl.wg.Done()
			sl.handleConn(ctx, c)
		}(conn)
	}
}

// Close stops accepting new connections and waits for in-flight
// connection handlers to exit.
func (sl *StreamListener) Close() error {
	err := sl.listener.Close()
	sl.wg.Wait()
	if sl.metrics != nil {
		sl.metrics.Channels.StreamActive.Dec()
	}
	return err
}

func (sl *StreamListener) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(10 * time.Second)); err == nil {
		defer conn.SetDeadline(time.Time{})
	}

	if _, err := ws.Upgrade(conn); err != nil {
		if sl.logger != nil {
			sl.logger.Debug("stream handshake failed", zap.Error(err))
		}
		return
	}
	_ = conn.SetDeadline(time.Time{})

	stream := &streamConn{conn: conn}
	client := Client{UID: chanid.New(), Addr: conn.RemoteAddr(), Stream: stream}

	sl.readLoop(ctx, conn, stream, client)
}

// readLoop reads framed messages until the connection closes, the
// channel is destroyed, or a fatal read error occurs. A fatal read error
// (anything that isn't a clean close) is surfaced as a
// SOCKET_BUFFER_READ_FAIL envelope to the peer before the thread exits.
func (sl *StreamListener) readLoop(ctx context.Context, conn net.Conn, stream *streamConn, client Client) {
	reader := wsutil.NewReader(conn, ws.StateServerSide)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if sl.ch.Destroyed() {
			return
		}

		if sl.ch.prefs.Concurrent && sl.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(sl.cfg.ReadTimeout))
		}

		head, err := reader.NextFrame()
		if err != nil {
			if isClosedConnErr(err) {
				return
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				if sl.cfg.PollInterval > 0 {
					time.Sleep(sl.cfg.PollInterval)
				}
				continue
			}
			sl.writeFatal(stream, NewError(CodeSocketBufferReadFail))
			return
		}

		switch head.OpCode {
		case ws.OpClose:
			stream.mu.Lock()
			_ = wsutil.WriteServerMessage(conn, ws.OpClose, nil)
			stream.mu.Unlock()
			return
		case ws.OpPing:
			stream.mu.Lock()
			err := wsutil.WriteServerMessage(conn, ws.OpPong, nil)
			stream.mu.Unlock()
			if err != nil {
				return
			}
		case ws.OpText:
			payload := make([]byte, head.Length)
			if _, err := io.ReadFull(reader, payload); err != nil {
				if isClosedConnErr(err) {
					return
				}
				sl.writeFatal(stream, NewError(CodeSocketBufferReadFail))
				return
			}
			sl.dispatch(payload, client)
		default:
			if _, err := io.CopyN(io.Discard, reader, int64(head.Length)); err != nil {
				if isClosedConnErr(err) {
					return
				}
				return
			}
		}
	}
}

func (sl *StreamListener) dispatch(raw []byte, client Client) {
	reply, err := sl.ch.Dispatch(raw, client)
	if err != nil {
		var ce *Error
		if errors.As(err, &ce) {
			sl.writeError(client.Stream, ce)
		}
		return
	}
	if reply != nil {
		if writeErr := sl.ch.EmitTo(client, string(TagOK), *reply); writeErr != nil {
			if sl.logger != nil {
				sl.logger.Debug("stream reply write failed", zap.Error(writeErr))
			}
			return
		}
		if sl.metrics != nil {
			sl.metrics.Dispatch.MessagesReplied.WithLabelValues(string(TagOK)).Inc()
		}
	}
}

func (sl *StreamListener) writeError(stream *streamConn, e *Error) {
	if stream == nil {
		return
	}
	if err := sl.ch.EmitTo(Client{Stream: stream}, string(TagError), e.JSON()); err != nil {
		if sl.logger != nil {
			sl.logger.Debug("stream error write failed", zap.Error(err))
		}
		return
	}
	if sl.metrics != nil {
		sl.metrics.Dispatch.MessagesReplied.WithLabelValues(string(TagError)).Inc()
	}
}

func (sl *StreamListener) writeFatal(stream *streamConn, e *Error) {
	sl.writeError(stream, e)
}
