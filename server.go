// Package framewire implements a length-prefixed TCP messaging server and
// client with an optional ed25519-attested handshake, built around a single
// goroutine that owns all connection state the way the original addon's
// event loop owned it on one thread.
package framewire

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/corewire/framewire/events"
	"github.com/corewire/framewire/internal/engine"
)

// Server listens for TCP connections and dispatches framed messages to a
// host-supplied events.Handler.
type Server struct {
	opts serverOptions

	mu       sync.Mutex
	listener net.Listener
	bridge   *engine.Bridge
	cancel   context.CancelFunc
	group    *errgroup.Group

	listenInfo events.ListenInfo
}

// NewServer constructs a Server with opts applied over the defaults. It
// does not bind a socket; call Listen for that.
func NewServer(opts ...ServerOption) (*Server, error) {
	o := defaultServerOptions()
	for _, apply := range opts {
		apply(&o)
	}
	if err := o.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid server options")
	}
	return &Server{opts: o}, nil
}

// Listen binds the configured address and starts accepting connections in
// the background. It returns once the socket is bound; call Shutdown to
// stop the server.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.New("server already listening")
	}

	addr := fmt.Sprintf("%s:%d", s.opts.host, s.opts.port)
	lc := engine.ReusableListenConfig()
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return errors.Wrap(err, "listen")
	}

	if s.opts.tlsConfig != nil {
		ln = tls.NewListener(ln, s.opts.tlsConfig)
	}

	tcpAddr, _ := ln.Addr().(*net.TCPAddr)
	family := "tcp"
	var boundPort uint16
	if tcpAddr != nil {
		boundPort = uint16(tcpAddr.Port)
		if tcpAddr.IP.To4() != nil {
			family = "tcp4"
		} else {
			family = "tcp6"
		}
	}

	s.listenInfo = events.ListenInfo{Address: s.opts.host, Port: boundPort, Family: family}

	if s.opts.gracefulMS != 0 {
		s.opts.logger.Warn("graceful shutdown window is accepted but ignored",
			"requested_ms", s.opts.gracefulMS)
	}

	bridge := engine.NewBridge()
	cfg := engine.Config{
		FramingEnabled:       s.opts.framingEnabled,
		MaxFrameLength:       s.opts.maxFrameLength,
		MaxBackpressureBytes: s.opts.maxBackpressureBytes,
		ProtocolVersion:      s.opts.protocolVersion,
	}
	loop := engine.NewLoop(cfg, s.opts.logger, s.opts.handler, bridge)

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.RunWithAcceptor(gctx, ln, loop)
	})

	s.listener = ln
	s.bridge = bridge
	s.cancel = cancel
	s.group = g

	s.opts.handler.OnListening(s.listenInfo)

	return nil
}

// Addr returns the bound listener address. Only valid after Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenInfo returns the address/port/family reported on the listening
// event.
func (s *Server) ListenInfo() events.ListenInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenInfo
}

// Send enqueues payload for delivery to a single connection by ID.
func (s *Server) Send(ctx context.Context, connectionID string, payload []byte) error {
	b := s.currentBridge()
	if b == nil {
		return errors.New("server not listening")
	}
	return b.Send(ctx, connectionID, payload)
}

// Broadcast enqueues payload for delivery to every connected client.
func (s *Server) Broadcast(ctx context.Context, payload []byte) error {
	b := s.currentBridge()
	if b == nil {
		return errors.New("server not listening")
	}
	return b.Broadcast(ctx, payload)
}

// CloseConnection tears down a single connection by ID.
func (s *Server) CloseConnection(ctx context.Context, connectionID string) error {
	b := s.currentBridge()
	if b == nil {
		return errors.New("server not listening")
	}
	return b.CloseConnection(ctx, connectionID)
}

// GetConnection returns the current reference for connectionID, if live.
func (s *Server) GetConnection(connectionID string) (events.ClientRef, bool) {
	b := s.currentBridge()
	if b == nil {
		return events.ClientRef{}, false
	}
	return b.Get(connectionID)
}

// GetConnectionCount returns the number of currently connected clients.
func (s *Server) GetConnectionCount() int {
	b := s.currentBridge()
	if b == nil {
		return 0
	}
	return b.Count()
}

// Connections returns a snapshot of every currently connected client.
func (s *Server) Connections() []events.ClientRef {
	b := s.currentBridge()
	if b == nil {
		return nil
	}
	return b.All()
}

func (s *Server) currentBridge() *engine.Bridge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridge
}

// Shutdown stops accepting new connections, tears down every live
// connection, and waits for the engine goroutines to exit.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	cancel := s.cancel
	g := s.group
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if g != nil {
		return g.Wait()
	}
	return nil
}
