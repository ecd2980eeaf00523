// Package server implements the FDW host: the server side of the IPC
// channel. One task runs per FDW client connection; it authenticates the
// data-source identity, mediates planner/executor messages and owns the
// connector state for that backend's active query slots.
package server

import (
	"context"
	"net"
	"os"
	"sync"

	"github.com/tessera-db/tessera/pkg/connector"
	"github.com/tessera-db/tessera/pkg/errors"
	"github.com/tessera-db/tessera/pkg/log"
)

// DataSource bundles the per-source state the host serves.
type DataSource struct {
	ID       string
	Pool     connector.ConnectionPool
	Entities *connector.EntityRegistry
	Searcher connector.EntitySearcher
}

// TokenValidator checks a data-source auth token and resolves the role the
// connector pool should be keyed by.
type TokenValidator func(dataSourceID, authToken string) (role string, err error)

// Server listens on a unix socket for FDW client channels.
type Server struct {
	socketPath string
	validate   TokenValidator
	logger     *log.Logger

	mu       sync.RWMutex
	sources  map[string]*DataSource
	listener net.Listener
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a host serving the given data sources.
func NewServer(socketPath string, sources []*DataSource, validate TokenValidator, logger *log.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	byID := make(map[string]*DataSource, len(sources))
	for _, ds := range sources {
		byID[ds.ID] = ds
	}

	if validate == nil {
		validate = func(_, token string) (string, error) {
			if token == "" {
				return "", errors.New(errors.ErrCodeNotAuthenticated,
					"missing data source auth token").Err()
			}
			return "", nil
		}
	}

	return &Server{
		socketPath: socketPath,
		validate:   validate,
		logger:     logger,
		sources:    byID,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Source returns the data source with the given id.
func (s *Server) Source(id string) (*DataSource, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ds, ok := s.sources[id]
	return ds, ok
}

// SocketPath returns the unix socket path the host listens on.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Listen binds the unix socket, replacing a stale socket file.
func (s *Server) Listen() error {
	// A leftover socket from an unclean shutdown blocks the bind.
	if _, err := os.Stat(s.socketPath); err == nil {
		os.Remove(s.socketPath)
	}

	l, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConnectionFailed,
			"failed to listen on fdw socket").
			WithField("socket", s.socketPath).
			Err()
	}

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	s.logger.System().Info("fdw host listening", "socket", s.socketPath)
	return nil
}

// Serve accepts connections until the server is closed.
func (s *Server) Serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.logger.Protocol().Error("fdw accept failed", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			h := newHandler(s, conn)
			h.run()
		}()
	}
}

// Start binds the socket and begins serving in the background.
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

// Close stops the listener and waits for in-flight handlers.
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
	os.Remove(s.socketPath)

	return nil
}
