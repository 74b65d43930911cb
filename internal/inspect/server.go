// Package inspect serves the line-oriented text protocol that lets local
// clients read the process image of a running segment.
//
// Each connection gets one slot in a fixed table. When every slot is taken
// a new connection is told so and closed rather than queued. Commands are
// newline-terminated and every response ends with an "ok" line:
//
//	help
//	  ACCEPTED COMMANDS:
//	  ...
//	ok
//	get 2:6000:11
//	  0x002a 42 INTEGER16
//	ok
//
// The server does not listen until the privilege barrier is released.
package inspect

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/nerrad567/ecatd/internal/ecat"
	"github.com/nerrad567/ecatd/internal/infrastructure/config"
	"github.com/nerrad567/ecatd/internal/infrastructure/logging"
	"github.com/nerrad567/ecatd/internal/privilege"
)

// Default limits.
const (
	DefaultMaxClients = 50
	DefaultMaxLine    = 1024
)

// Deps holds the dependencies of the inspection server.
type Deps struct {
	Config  config.InspectConfig
	Segment *ecat.Segment
	Barrier *privilege.Barrier
	Logger  *logging.Logger

	// Quit is called when a client sends "quit" and quitting is allowed.
	// It should cancel the daemon's root context.
	Quit func()
}

// Stats are cumulative connection counters.
type Stats struct {
	Clients     int    `json:"clients"`
	Connections uint64 `json:"connections"`
	Rejected    uint64 `json:"rejected"`
	Commands    uint64 `json:"commands"`
}

// Server is the inspection protocol server.
type Server struct {
	cfg     config.InspectConfig
	seg     *ecat.Segment
	barrier *privilege.Barrier
	logger  *logging.Logger
	quit    func()

	mu    sync.Mutex
	slots []*session
	addr  net.Addr

	connections atomic.Uint64
	rejected    atomic.Uint64
	commands    atomic.Uint64
}

// New creates an inspection server. It does not listen until Run is called.
func New(deps Deps) (*Server, error) {
	if deps.Segment == nil {
		return nil, fmt.Errorf("segment is required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	cfg := deps.Config
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultMaxClients
	}
	if cfg.MaxLine <= 0 {
		cfg.MaxLine = DefaultMaxLine
	}
	quit := deps.Quit
	if quit == nil {
		quit = func() {}
	}
	return &Server{
		cfg:     cfg,
		seg:     deps.Segment,
		barrier: deps.Barrier,
		logger:  deps.Logger.Component("inspect"),
		quit:    quit,
		slots:   make([]*session, cfg.MaxClients),
	}, nil
}

// Run waits for the privilege barrier, listens on the configured address
// and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if s.barrier != nil {
		if err := s.barrier.Wait(ctx); err != nil {
			return nil //nolint:nilerr // Cancelled before bring-up opened the barrier
		}
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("inspect: listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. The listener is
// closed on return. Open sessions are left to finish on their own.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	s.logger.Info("inspection server listening", "address", ln.Addr().String(), "max_clients", s.cfg.MaxClients)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		ln.Close() //nolint:errcheck // Unblocks Accept
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.logger.Info("inspection server stopped")
				return nil
			}
			return fmt.Errorf("inspect: accept: %w", err)
		}
		s.connections.Add(1)

		sess := newSession(uuid.NewString(), conn, s)
		slot, ok := s.acquire(sess)
		if !ok {
			s.rejected.Add(1)
			s.logger.Warn("rejecting client, all slots in use",
				"remote", conn.RemoteAddr().String(), "max_clients", s.cfg.MaxClients)
			_, _ = conn.Write([]byte("err: too many clients\n"))
			conn.Close() //nolint:errcheck // Rejected connection
			continue
		}
		sess.slot = slot

		go func() {
			defer s.release(slot)
			sess.serve()
		}()
	}
}

// acquire takes the first free slot.
func (s *Server) acquire(sess *session) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, occupant := range s.slots {
		if occupant == nil {
			s.slots[i] = sess
			return i, true
		}
	}
	return -1, false
}

func (s *Server) release(slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[slot] = nil
}

// Addr returns the listening address, or nil before Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Clients returns the number of occupied slots.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, occupant := range s.slots {
		if occupant != nil {
			n++
		}
	}
	return n
}

// Stats returns the connection counters.
func (s *Server) Stats() Stats {
	return Stats{
		Clients:     s.Clients(),
		Connections: s.connections.Load(),
		Rejected:    s.rejected.Load(),
		Commands:    s.commands.Load(),
	}
}
