// Package api provides the local HTTP REST API and WebSocket server of the
// shadow agent.
//
// It lets on-device tooling read, update and delete shadows through the
// agent's session, inspect and report the device's local state, and stream
// delta notifications over WebSocket.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-shadow/internal/agent"
	"github.com/nerrad567/gray-logic-shadow/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-shadow/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-shadow/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-shadow/internal/shadow"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// ShadowSession is the part of *shadow.Session the API uses.
type ShadowSession interface {
	Get(ctx context.Context, id shadow.Identity, timeout time.Duration) (*shadow.Document, error)
	Update(ctx context.Context, id shadow.Identity, patch shadow.Patch, timeout time.Duration) (*shadow.Document, error)
	Delete(ctx context.Context, id shadow.Identity, timeout time.Duration) error
	Version(id shadow.Identity) (uint64, bool)
	PendingCount() int
	OnDelta(id shadow.Identity, handler func(*shadow.Document)) (*shadow.DeltaSubscription, error)
	OnDocuments(id shadow.Identity, handler func(*shadow.DocumentsUpdate)) (*shadow.DeltaSubscription, error)
}

// HealthChecker is implemented by infrastructure clients (database, MQTT, InfluxDB).
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	WS      config.WebSocketConfig
	Logger  *logging.Logger
	Session ShadowSession

	// Agent enables the /local endpoints. Optional.
	Agent *agent.Agent

	// Relay lists the shadows whose deltas and documents are broadcast to
	// WebSocket clients.
	Relay []shadow.Identity

	// DB adds the schema version and pool statistics to health and metrics. Optional.
	DB *database.DB

	// Checks are run by the health endpoint, keyed by component name.
	Checks map[string]HealthChecker

	// RequestTimeout is used for shadow requests that give no ?timeout=.
	// Zero uses the session default.
	RequestTimeout time.Duration

	Version string
}

// Server is the local HTTP API server.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	session   ShadowSession
	agent     *agent.Agent
	relay     []shadow.Identity
	db        *database.DB
	checks    map[string]HealthChecker
	timeout   time.Duration
	version   string
	startTime time.Time

	hub      *Hub
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc // stops the hub on Close()

	relayMu   sync.Mutex
	relaySubs []*shadow.DeltaSubscription
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Session == nil {
		return nil, fmt.Errorf("shadow session is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		session:   deps.Session,
		agent:     deps.Agent,
		relay:     deps.Relay,
		db:        deps.DB,
		checks:    deps.Checks,
		timeout:   deps.RequestTimeout,
		version:   deps.Version,
		startTime: time.Now(),
	}
	s.hub = NewHub(s.wsCfg, s.logger)
	return s, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, registers the delta and documents relays and
// launches the HTTP listener in a background goroutine. Binding errors are
// returned synchronously. The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	if err := s.startRelays(); err != nil {
		s.logger.Warn("failed to register shadow relays for WebSocket", "error", err)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.cancel()
		s.stopRelays()
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server listening", "address", listener.Addr().String())
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// It cancels the WebSocket relays, then waits up to 10 seconds for
// in-flight requests to complete before closing remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	s.stopRelays()
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
