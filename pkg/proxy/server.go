package proxy

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tessera-db/tessera/pkg/errors"
	"github.com/tessera-db/tessera/pkg/log"
	"github.com/tessera-db/tessera/pkg/metrics"
)

// Config configures the front-end listener.
type Config struct {
	Addr         string
	TLS          *tls.Config
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the standard edge configuration.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:         addr,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server is the single-listener proxy front-end. Each accepted connection
// is wrapped in a Peekable and classified against the protocol matchers in
// order; no match closes the connection.
type Server struct {
	cfg       Config
	protocols []Protocol
	logger    *log.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool

	connCount int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a proxy over the protocol matchers, consulted in the
// given order.
func NewServer(cfg Config, protocols []Protocol, logger *log.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		protocols: protocols,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Listen binds the TCP listener.
func (s *Server) Listen() error {
	lc := net.ListenConfig{}
	l, err := lc.Listen(s.ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConnectionFailed,
			"failed to listen").
			WithField("addr", s.cfg.Addr).
			Err()
	}

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	s.logger.System().Info("proxy listening", "addr", l.Addr().String())
	return nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until closed, one task per connection.
func (s *Server) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.logger.Protocol().Error("accept failed", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// Start binds and serves in the background.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Serve()
	}()

	return nil
}

// ConnectionCount returns the number of active connections.
func (s *Server) ConnectionCount() int {
	return int(atomic.LoadInt64(&s.connCount))
}

// handleConnection classifies one connection and hands it to the winning
// protocol.
func (s *Server) handleConnection(conn net.Conn) {
	atomic.AddInt64(&s.connCount, 1)
	defer atomic.AddInt64(&s.connCount, -1)
	defer conn.Close()

	if s.cfg.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}
	if s.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}

	peekable := NewPeekable(conn)

	for _, proto := range s.protocols {
		matched, err := proto.Matches(peekable)
		if err != nil {
			s.logger.Protocol().Debug("protocol match failed",
				"protocol", proto.Name(), "error", err.Error())
			return
		}
		if !matched {
			continue
		}

		s.logger.Protocol().Debug("connection classified",
			"protocol", proto.Name(),
			"remote_addr", conn.RemoteAddr().String())
		metrics.ConnectionsClassified.WithLabelValues(proto.Name()).Inc()

		// Deadlines applied at the edge cover classification only; they
		// are cleared before the handler runs, and handlers (including any
		// TLS handshake they perform) manage their own pacing afterwards.
		conn.SetReadDeadline(time.Time{})
		conn.SetWriteDeadline(time.Time{})

		if err := proto.Handle(peekable); err != nil {
			s.logger.Protocol().Debug("connection handler finished with error",
				"protocol", proto.Name(), "error", err.Error())
		}
		return
	}

	s.logger.Protocol().Debug("connection matched no protocol, closing",
		"remote_addr", conn.RemoteAddr().String())
}

// Close stops the listener and waits for in-flight connections.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	l := s.listener
	s.mu.Unlock()

	s.cancel()
	if l != nil {
		l.Close()
	}
	s.wg.Wait()

	return nil
}
