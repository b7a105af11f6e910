// Package server implements the engine's root: a singleton that owns the
// stream and datagram channel tables and mediates channel creation and
// destruction.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"channeld/internal/chanid"
	"channeld/internal/channel"
	"channeld/internal/config"
	"channeld/internal/metrics"
	"channeld/internal/portalloc"
)

// Server is the root object embedding applications construct exactly
// once. It owns two independent channel tables, one per transport kind,
// keyed by channel id.
type Server struct {
	cfg     config.Config
	logger  *zap.Logger
	metrics *metrics.Registry

	mu        sync.RWMutex
	streams   map[channel.ID]*channel.StreamListener
	datagrams map[channel.ID]*channel.DatagramListener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Server. Call Run to obtain a cancellable context tied
// to its lifetime before creating channels.
func New(cfg config.Config, logger *zap.Logger, reg *metrics.Registry) *Server {
	return &Server{
		cfg:       cfg,
		logger:    logger,
		metrics:   reg,
		streams:   make(map[channel.ID]*channel.StreamListener),
		datagrams: make(map[channel.ID]*channel.DatagramListener),
	}
}

// Run starts the server's internal lifetime context. It must be called
// before any CreateStreamChannel/CreateDatagramChannel call. Shutdown
// stops every channel created under it.
func (s *Server) Run(parent context.Context) {
	s.ctx, s.cancel = context.WithCancel(parent)
}

// Shutdown destroys every channel currently tracked and waits for their
// accept/recv loops to exit.
func (s *Server) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	streams := make([]*channel.StreamListener, 0, len(s.streams))
	for _, sl := range s.streams {
		streams = append(streams, sl)
	}
	datagrams := make([]*channel.DatagramListener, 0, len(s.datagrams))
	for _, dl := range s.datagrams {
		datagrams = append(datagrams, dl)
	}
	s.streams = make(map[channel.ID]*channel.StreamListener)
	s.datagrams = make(map[channel.ID]*channel.DatagramListener)
	s.mu.Unlock()

	for _, sl := range streams {
		sl.Channel().Destroy()
		_ = sl.Close()
	}
	for _, dl := range datagrams {
		dl.Channel().Destroy()
		_ = dl.Close()
	}
	s.wg.Wait()
}

// CreateStreamChannel binds a new TCP listener, constructs a STREAM
// channel over it, and starts its accept loop. If port is 0 the OS
// chooses a free ephemeral port (the default); otherwise that exact
// port is used. A zero self-reference (the server not having called Run
// yet) is rejected with INSTANCE_INITIALIZE_INVALID.
func (s *Server) CreateStreamChannel(port uint16, prefs channel.CreatePreferences) (*channel.StreamListener, error) {
	return s.createStreamChannel(prefs, func() (net.Listener, error) { return s.bindStream(port) })
}

// CreateStreamChannelInRange binds a new TCP listener to the first
// bindable port in the server's configured port range instead of an
// OS-chosen port, otherwise behaving exactly like CreateStreamChannel.
func (s *Server) CreateStreamChannelInRange(prefs channel.CreatePreferences) (*channel.StreamListener, error) {
	return s.createStreamChannel(prefs, s.bindStreamInRange)
}

func (s *Server) createStreamChannel(prefs channel.CreatePreferences, bind func() (net.Listener, error)) (*channel.StreamListener, error) {
	if s.ctx == nil {
		return nil, channel.NewError(channel.CodeInstanceInitInvalid)
	}

	ln, err := bind()
	if err != nil {
		if s.metrics != nil {
			s.metrics.Channels.BindFailures.Inc()
		}
		return nil, channel.NewErrorf(channel.CodeChannelInitializeFail, err.Error())
	}

	cfg := channel.StreamConfig{
		ReadTimeout:  s.cfg.Channel.ReadTimeout,
		PollInterval: s.cfg.Channel.PollInterval,
		AcceptDelay:  s.cfg.Server.AcceptDelay,
	}
	sl := channel.NewStreamChannel(ln, prefs, cfg, s.logger, s.metrics)
	sl.Channel().SetServer(s)

	s.mu.Lock()
	s.streams[sl.Channel().ID()] = sl
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sl.Serve(s.ctx)
	}()

	if s.logger != nil {
		s.logger.Info("stream channel created",
			zap.String("channel_id", sl.Channel().ID().String()),
			zap.String("addr", sl.Addr().String()))
	}
	return sl, nil
}

// CreateDatagramChannel binds a new UDP socket, constructs a DATAGRAM
// channel over it, and starts its receive loop. If port is 0 the OS
// chooses a free ephemeral port (the default); otherwise that exact
// port is used.
func (s *Server) CreateDatagramChannel(port uint16, prefs channel.CreatePreferences) (*channel.DatagramListener, error) {
	return s.createDatagramChannel(prefs, func() (*net.UDPConn, error) { return s.bindDatagram(port) })
}

// CreateDatagramChannelInRange mirrors CreateStreamChannelInRange for
// DATAGRAM channels.
func (s *Server) CreateDatagramChannelInRange(prefs channel.CreatePreferences) (*channel.DatagramListener, error) {
	return s.createDatagramChannel(prefs, s.bindDatagramInRange)
}

func (s *Server) createDatagramChannel(prefs channel.CreatePreferences, bind func() (*net.UDPConn, error)) (*channel.DatagramListener, error) {
	if s.ctx == nil {
		return nil, channel.NewError(channel.CodeInstanceInitInvalid)
	}

	conn, err := bind()
	if err != nil {
		if s.metrics != nil {
			s.metrics.Channels.BindFailures.Inc()
		}
		return nil, channel.NewErrorf(channel.CodeChannelInitializeFail, err.Error())
	}

	dl := channel.NewDatagramChannel(conn, prefs, s.cfg.Channel.MaxDatagramSize, s.logger, s.metrics)
	dl.Channel().SetServer(s)

	s.mu.Lock()
	s.datagrams[dl.Channel().ID()] = dl
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		dl.Serve(s.ctx)
	}()

	if s.logger != nil {
		s.logger.Info("datagram channel created",
			zap.String("channel_id", dl.Channel().ID().String()),
			zap.String("addr", dl.Addr().String()))
	}
	return dl, nil
}

// StreamChannel looks up a tracked STREAM channel by id.
func (s *Server) StreamChannel(id chanid.ID) (*channel.StreamListener, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.streams[id]
	return sl, ok
}

// DatagramChannel looks up a tracked DATAGRAM channel by id.
func (s *Server) DatagramChannel(id chanid.ID) (*channel.DatagramListener, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dl, ok := s.datagrams[id]
	return dl, ok
}

// DestroyChannel removes the channel identified by id from whichever
// table holds it, tears down its registry and handler table, and closes
// its underlying socket. Destroying an id that matches nothing is a
// no-op, not an error.
func (s *Server) DestroyChannel(id chanid.ID) {
	s.mu.Lock()
	sl, isStream := s.streams[id]
	if isStream {
		delete(s.streams, id)
	}
	dl, isDatagram := s.datagrams[id]
	if isDatagram {
		delete(s.datagrams, id)
	}
	s.mu.Unlock()

	if isStream {
		sl.Channel().Destroy()
		_ = sl.Close()
	}
	if isDatagram {
		dl.Channel().Destroy()
		_ = dl.Close()
	}
}

// ChannelCount returns the number of tracked channels by kind.
func (s *Server) ChannelCount() (streams int, datagrams int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.streams), len(s.datagrams)
}

// bindStream picks a listener for a new STREAM channel. port == 0 asks
// the OS for a free ephemeral port — the documented default; a nonzero
// port is bound directly.
func (s *Server) bindStream(port uint16) (net.Listener, error) {
	if port != 0 {
		return net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Server.BindHost, port))
	}
	return portalloc.BindStreamAuto(s.cfg.Server.BindHost)
}

// bindDatagram mirrors bindStream for UDP sockets.
func (s *Server) bindDatagram(port uint16) (*net.UDPConn, error) {
	if port != 0 {
		addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", s.cfg.Server.BindHost, port))
		if err != nil {
			return nil, err
		}
		return net.ListenUDP("udp", addr)
	}
	return portalloc.BindDatagramAuto(s.cfg.Server.BindHost)
}

// bindStreamInRange binds a STREAM listener to the first bindable port in
// the server's configured port range, for CreateStreamChannelInRange
// callers that need a specific range rather than an OS-chosen port.
func (s *Server) bindStreamInRange() (net.Listener, error) {
	r := portalloc.Range{Start: s.cfg.Server.PortRangeMin, End: s.cfg.Server.PortRangeMax}
	found, err := portalloc.Probe(r, portalloc.TCP, s.cfg.Server.BindHost)
	if err != nil {
		return nil, channel.NewError(channel.CodeVacantPortSearchFail)
	}
	return net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Server.BindHost, found))
}

// bindDatagramInRange mirrors bindStreamInRange for UDP sockets.
func (s *Server) bindDatagramInRange() (*net.UDPConn, error) {
	r := portalloc.Range{Start: s.cfg.Server.PortRangeMin, End: s.cfg.Server.PortRangeMax}
	found, err := portalloc.Probe(r, portalloc.UDP, s.cfg.Server.BindHost)
	if err != nil {
		return nil, channel.NewError(channel.CodeVacantPortSearchFail)
	}
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", s.cfg.Server.BindHost, found))
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", addr)
}
