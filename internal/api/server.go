package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/ecatd/internal/ecat"
	"github.com/nerrad567/ecatd/internal/infrastructure/config"
	"github.com/nerrad567/ecatd/internal/infrastructure/database"
	"github.com/nerrad567/ecatd/internal/infrastructure/logging"
	"github.com/nerrad567/ecatd/internal/journal"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// EventStore is the journal query used by /api/v1/events.
type EventStore interface {
	Events(ctx context.Context, f journal.Filter) ([]journal.EventRecord, error)
}

// StatsSource exposes the counters of the running driver. *ecat.Driver satisfies it.
type StatsSource interface {
	CycleStats() ecat.SynchronizerStats
	SupervisionStats() ecat.SupervisorStats
}

// ClientCounter reports connected inspection clients. *inspect.Server satisfies it.
type ClientCounter interface {
	Clients() int
}

// ConnectionChecker reports a broker connection. *mqtt.Client satisfies it.
type ConnectionChecker interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
//
// Only Logger and Segment are required. Leave optional interfaces nil
// rather than passing typed nil pointers.
type Deps struct {
	Config  config.APIConfig
	WS      config.WebSocketConfig
	Logger  *logging.Logger
	Segment *ecat.Segment

	Journal EventStore
	Stats   StatsSource
	Inspect ClientCounter
	MQTT    ConnectionChecker
	DB      *database.DB

	// ExternalHub is used instead of creating a hub when set, so the same
	// hub can be registered as an event sink before the server starts.
	ExternalHub *Hub

	Interface string
	Version   string
}

// Server is the HTTP API server for ecatd.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	segment   *ecat.Segment
	journal   EventStore
	stats     StatsSource
	inspect   ClientCounter
	mqtt      ConnectionChecker
	db        *database.DB
	iface     string
	version   string
	startTime time.Time

	registry *prometheus.Registry

	server *http.Server
	addr   string
	addrMu sync.RWMutex

	hub         *Hub
	externalHub bool               // true if hub was injected externally
	cancel      context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Segment == nil {
		return nil, fmt.Errorf("segment is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger.Component("api"),
		segment:   deps.Segment,
		journal:   deps.Journal,
		stats:     deps.Stats,
		inspect:   deps.Inspect,
		mqtt:      deps.MQTT,
		db:        deps.DB,
		iface:     deps.Interface,
		version:   deps.Version,
		startTime: time.Now(),
	}

	if deps.ExternalHub != nil {
		s.hub = deps.ExternalHub
		s.externalHub = true
	} else {
		s.hub = NewHub(s.wsCfg, s.logger)
	}

	s.registry = newRegistry(s)
	return s, nil
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub (unless injected), binds the listener and
// serves in a background goroutine. The server can be stopped with Close().
//
// Returns:
//   - error: If the listener cannot be bound (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if !s.externalHub {
		go s.hub.Run(srvCtx)
	}

	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.addrMu.Lock()
	s.addr = ln.Addr().String()
	s.addrMu.Unlock()

	s.logger.Info("API server starting", "address", s.Addr())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.addrMu.RLock()
	defer s.addrMu.RUnlock()
	return s.addr
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

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
