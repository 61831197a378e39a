// Package server exposes the job subsystem over REST: job submission and
// control, the monitor surface, export downloads, the WebSocket event feed,
// and the ops endpoints. Every job route is tenant-scoped through the bearer
// token; handlers never read a tenant from the request body or query string.
package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/casekit/docket/internal/app"
	"github.com/casekit/docket/internal/common"
)

// Write timeout is generous because export downloads and the trend chart can
// stream large responses; the WebSocket feed is exempt once hijacked.
const (
	readTimeout  = 30 * time.Second
	writeTimeout = 5 * time.Minute
	idleTimeout  = 60 * time.Second
)

// Server wraps the HTTP server and application reference.
type Server struct {
	app          *app.App
	server       *http.Server
	logger       *common.Logger
	shutdownChan chan struct{}
}

// NewServer creates a new HTTP REST API server.
func NewServer(a *app.App) *Server {
	s := &Server{
		app:    a,
		logger: a.Logger,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	addr := net.JoinHostPort(a.Config.Server.Host, strconv.Itoa(a.Config.Server.Port))
	s.server = &http.Server{
		Addr:         addr,
		Handler:      applyMiddleware(mux, a.Logger, a.Auth),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	return s
}

// SetShutdownChannel sets the channel that will be signaled when HTTP shutdown is requested.
func (s *Server) SetShutdownChannel(ch chan struct{}) {
	s.shutdownChan = ch
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server (blocking).
func (s *Server) Start() error {
	s.logger.Info().
		Str("addr", s.server.Addr).
		Msg("Starting REST API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
