package channel

import (
	"context"
	"errors"
	"net"
	"unicode/utf8"

	"go.uber.org/zap"

	"channeld/internal/chanid"
	"channeld/internal/metrics"
)

// datagramSender implements Sender over a single shared *net.UDPConn,
// writing to whichever peer address the client record carries.
type datagramSender struct {
	conn *net.UDPConn
}

func (d datagramSender) Send(c Client, payload []byte) error {
	udpAddr, ok := c.Addr.(*net.UDPAddr)
	if !ok {
		return errors.New("client has no datagram address")
	}
	_, err := d.conn.WriteToUDP(payload, udpAddr)
	return err
}

// DatagramListener owns the recv loop for one DATAGRAM channel: every
// inbound packet is dispatched on its own goroutine against an ephemeral
// client synthesized from the packet's source address, unless that
// address already matches a registered client.
type DatagramListener struct {
	ch      *Channel
	conn    *net.UDPConn
	maxSize int
	logger  *zap.Logger
	metrics *metrics.Registry
}

// NewDatagramChannel binds conn to a freshly constructed Channel and
// returns the listener that drives it.
func NewDatagramChannel(conn *net.UDPConn, prefs CreatePreferences, maxSize int, logger *zap.Logger, reg *metrics.Registry) *DatagramListener {
	ch := New(Datagram, prefs, logger, reg)
	sender := datagramSender{conn: conn}
	ch.setSender(sender)
	if maxSize <= 0 {
		maxSize = 65535
	}
	if reg != nil {
		reg.Channels.DatagramActive.Inc()
	}
	return &DatagramListener{ch: ch, conn: conn, maxSize: maxSize, logger: logger, metrics: reg}
}

// Channel returns the underlying channel this listener drives.
func (dl *DatagramListener) Channel() *Channel { return dl.ch }

// Addr returns the bound socket's local address.
func (dl *DatagramListener) Addr() net.Addr { return dl.conn.LocalAddr() }

// Serve runs the receive loop until ctx is cancelled or the socket is
// closed. It blocks; call it from its own goroutine.
func (dl *DatagramListener) Serve(ctx context.Context) {
	buf := make([]byte, dl.maxSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if dl.ch.Destroyed() {
			return
		}

		n, addr, err := dl.conn.ReadFromUDP(buf)
		if err != nil {
			if isClosedConnErr(err) || ctx.Err() != nil {
				return
			}
			if dl.logger != nil {
				dl.logger.Debug("datagram read error", zap.Error(err))
			}
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		go dl.handlePacket(payload, addr)
	}
}

// Close stops the receive loop by closing the underlying socket.
func (dl *DatagramListener) Close() error {
	err := dl.conn.Close()
	if dl.metrics != nil {
		dl.metrics.Channels.DatagramActive.Dec()
	}
	return err
}

func (dl *DatagramListener) handlePacket(payload []byte, addr *net.UDPAddr) {
	client := dl.resolveClient(addr)

	if !utf8.Valid(payload) {
		if dl.logger != nil {
			dl.logger.Debug("datagram payload not valid utf-8", zap.Stringer("addr", addr))
		}
		dl.writeError(client, NewError(CodeInternalServerError))
		return
	}

	reply, err := dl.ch.Dispatch(payload, client)
	if err != nil {
		var ce *Error
		if errors.As(err, &ce) {
			dl.writeError(client, ce)
		}
		return
	}
	if reply != nil {
		if sendErr := dl.ch.EmitTo(client, string(TagOK), *reply); sendErr != nil {
			if dl.logger != nil {
				dl.logger.Debug("datagram reply write failed", zap.Error(sendErr))
			}
		} else if dl.metrics != nil {
			dl.metrics.Dispatch.MessagesReplied.WithLabelValues(string(TagOK)).Inc()
		}
	}
}

func (dl *DatagramListener) writeError(client Client, e *Error) {
	if sendErr := dl.ch.EmitTo(client, string(TagError), e.JSON()); sendErr != nil {
		if dl.logger != nil {
			dl.logger.Debug("datagram error write failed", zap.Error(sendErr))
		}
		return
	}
	if dl.metrics != nil {
		dl.metrics.Dispatch.MessagesReplied.WithLabelValues(string(TagError)).Inc()
	}
}

// resolveClient returns the registered client whose address matches addr,
// or an ephemeral blank-uid client if none has explicitly registered.
func (dl *DatagramListener) resolveClient(addr *net.UDPAddr) Client {
	for _, c := range dl.ch.Clients() {
		if sameRemote(c.Addr, addr) {
			return c
		}
	}
	return Client{UID: chanid.Nil, Addr: addr}
}
