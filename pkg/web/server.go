// Package web serves the HTTP administration surface the proxy routes
// HTTP/1 and HTTP/2 traffic to: health, catalog inspection and prometheus
// metrics, plus the static frontend assets when configured.
package web

import (
	"net"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tessera-db/tessera/pkg/config"
	"github.com/tessera-db/tessera/pkg/connector"
	"github.com/tessera-db/tessera/pkg/errors"
	"github.com/tessera-db/tessera/pkg/log"
	"github.com/tessera-db/tessera/pkg/version"
)

// CatalogSource is the catalog view of one data source for the API.
type CatalogSource struct {
	ID       string                   `json:"id"`
	Type     string                   `json:"type"`
	Entities []*connector.EntityConfig `json:"entities"`
}

// CatalogFunc supplies the current catalog to the API.
type CatalogFunc func() []CatalogSource

// Server is the admin HTTP server fed by the proxy's HTTP protocol
// matchers.
type Server struct {
	engine *gin.Engine
	http   *http.Server
	logger *log.Logger

	mu     sync.Mutex
	queue  chan net.Conn
	closed bool
}

// NewServer builds the admin server and its routes.
func NewServer(cfg config.WebConfig, catalog CatalogFunc, logger *log.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/api/v1/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"version": version.String(),
		})
	})

	engine.GET("/api/v1/catalog", func(c *gin.Context) {
		if catalog == nil {
			c.JSON(http.StatusOK, []CatalogSource{})
			return
		}
		c.JSON(http.StatusOK, catalog())
	})

	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if cfg.AssetsDir != "" {
		engine.Static("/app", cfg.AssetsDir)
	}

	s := &Server{
		engine: engine,
		logger: logger,
		queue:  make(chan net.Conn, 16),
	}
	s.http = &http.Server{Handler: engine}

	return s
}

// Start begins serving connections pushed in by the proxy.
func (s *Server) Start() {
	go func() {
		err := s.http.Serve(&queueListener{queue: s.queue})
		if err != nil && err != http.ErrServerClosed {
			s.logger.System().Error("admin http server stopped", err)
		}
	}()
}

// Handle enqueues a classified HTTP connection. Implements
// proxy.ConnectionHandler; the call returns once the connection is handed
// to the HTTP server.
func (s *Server) Handle(conn net.Conn) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		conn.Close()
		return errors.New(errors.ErrCodeConnectionClosed, "admin server closed").Err()
	}

	s.queue <- conn
	return nil
}

// Close stops accepting and shuts the HTTP server down.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.queue)
	return s.http.Close()
}

// queueListener adapts the connection queue to net.Listener.
type queueListener struct {
	queue chan net.Conn
}

func (l *queueListener) Accept() (net.Conn, error) {
	conn, ok := <-l.queue
	if !ok {
		return nil, net.ErrClosed
	}
	return conn, nil
}

func (l *queueListener) Close() error {
	return nil
}

func (l *queueListener) Addr() net.Addr {
	return &net.TCPAddr{}
}
