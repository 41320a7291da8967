// Package server wires the connection multiplexer, the worker pool and the
// protocol engine into the file-server front end.
//
// The poll goroutine reads each request frame and submits a job that parses
// the request, writes the fixed-size response and rearms the connection.
// With no workers configured the job runs inline on the poll goroutine,
// which serializes all processing; that mode exists for debugging and tests.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/marmos91/gatefs/internal/logger"
	"github.com/marmos91/gatefs/internal/metrics"
	"github.com/marmos91/gatefs/internal/netpoll"
	"github.com/marmos91/gatefs/internal/protocol/userop"
	"github.com/marmos91/gatefs/internal/ratelimiter"
	"github.com/marmos91/gatefs/internal/store/session"
	"github.com/marmos91/gatefs/internal/store/user"
	"github.com/marmos91/gatefs/internal/workerpool"
)

// Config carries the server parameters. Defaults match the protocol's
// traditional values; see pkg/config for how they are loaded.
type Config struct {
	// Port is the TCP listening port.
	Port uint16

	// IPv6 selects the IPv6 address family instead of IPv4.
	IPv6 bool

	// Backlog is the pending-connection queue length for listen(2).
	Backlog int

	// MaxConnections bounds simultaneously open client connections.
	MaxConnections int

	// PollTimeout bounds each readiness wait, and with it shutdown latency.
	PollTimeout time.Duration

	// Workers is the worker pool size. 0 disables the pool and processes
	// requests inline on the poll goroutine.
	Workers int

	// SessionTimeout is the idle time after which a session expires.
	SessionTimeout time.Duration
}

// Server is the multi-user file-server front end: one listening socket, a
// bounded connection table, and shared user/session stores mutated by the
// protocol engine.
type Server struct {
	cfg      Config
	users    *user.Store
	sessions *session.Store
	engine   *userop.Engine
	limiter  *ratelimiter.RateLimiter
	metrics  metrics.ServerMetrics

	mu     sync.Mutex
	poller *netpoll.Poller
	pool   *workerpool.Pool
	port   uint16
	ready  chan struct{}
}

// New creates a server over the given user store. The session store is owned
// by the server and configured with cfg.SessionTimeout. A nil limiter
// disables rate limiting; a nil metrics sink disables metrics.
func New(cfg Config, users *user.Store, limiter *ratelimiter.RateLimiter, m metrics.ServerMetrics) *Server {
	if m == nil {
		m = metrics.NewNoopServerMetrics()
	}

	sessions := session.NewStore(cfg.SessionTimeout)
	return &Server{
		cfg:      cfg,
		users:    users,
		sessions: sessions,
		engine:   userop.NewEngine(users, sessions, m),
		limiter:  limiter,
		metrics:  m,
		ready:    make(chan struct{}),
	}
}

// Serve sets up the listener, the poller and the worker pool, then runs the
// event loop until ctx is cancelled, Stop is called, or the listening socket
// fails. On return every connection is closed and the pool is drained.
func (s *Server) Serve(ctx context.Context) error {
	family := netpoll.IPv4
	if s.cfg.IPv6 {
		family = netpoll.IPv6
	}

	listener, err := netpoll.Listen(s.cfg.Port, family, s.cfg.Backlog)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	port, err := listener.Port()
	if err != nil {
		listener.Close()
		return fmt.Errorf("resolve port: %w", err)
	}

	var pool *workerpool.Pool
	if s.cfg.Workers > 0 {
		pool, err = workerpool.Start(s.cfg.Workers)
		if err != nil {
			listener.Close()
			return fmt.Errorf("start worker pool: %w", err)
		}
	}

	pollerCfg := netpoll.Config{
		MaxConnections: s.cfg.MaxConnections,
		PollTimeout:    s.cfg.PollTimeout,
		OnReadable:     s.onReadable,
	}
	if pool != nil {
		// Drain the pool before the poller releases any descriptor, so
		// in-flight jobs never write to a reclaimed fd.
		pollerCfg.Drain = pool.Shutdown
	}

	poller, err := netpoll.NewPoller(listener, pollerCfg)
	if err != nil {
		if pool != nil {
			pool.Shutdown()
		}
		listener.Close()
		return fmt.Errorf("create poller: %w", err)
	}

	s.mu.Lock()
	s.poller = poller
	s.pool = pool
	s.port = port
	s.mu.Unlock()
	close(s.ready)

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			poller.Stop()
		case <-stop:
		}
	}()

	logger.Info("server: listening on port %d (%d workers, %d max connections)",
		port, s.cfg.Workers, s.cfg.MaxConnections)

	runErr := poller.Run()
	close(stop)

	if runErr != nil {
		return fmt.Errorf("event loop: %w", runErr)
	}
	return nil
}

// Stop requests a graceful shutdown; in-flight jobs run to completion.
func (s *Server) Stop() {
	s.mu.Lock()
	poller := s.poller
	s.mu.Unlock()
	if poller != nil {
		poller.Stop()
	}
}

// Ready is closed once the server is accepting connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Port returns the bound listening port. Valid once Ready is closed; useful
// when the configured port was 0.
func (s *Server) Port() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Sessions exposes the session store, primarily for tests.
func (s *Server) Sessions() *session.Store {
	return s.sessions
}

// onReadable runs on the poll goroutine. It reads the request frame, then
// hands fd and frame ownership to a job. Read failures close the connection;
// everything after the read only ever affects this one exchange.
func (s *Server) onReadable(fd int) error {
	frame, err := netpoll.ReadFrame(fd)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			logger.Debug("server: read on fd %d failed: %v", fd, err)
		}
		return err
	}

	// Shed load at arrival time, before queueing work.
	shed := s.limiter != nil && !s.limiter.Allow()

	job := workerpool.Job{
		Run:     func() { s.process(fd, frame, shed) },
		Release: func() { s.poller.Rearm(fd) },
	}

	s.mu.Lock()
	pool := s.pool
	poller := s.poller
	s.mu.Unlock()

	if pool == nil {
		job.Run()
		return nil
	}

	if err := pool.Submit(job); err != nil {
		// Pool is draining; the poller is about to close everything anyway.
		logger.Debug("server: dropping frame from fd %d: %v", fd, err)
		return nil
	}

	s.metrics.SetQueueDepth(pool.QueueLen())
	s.metrics.SetActiveConnections(poller.ActiveConnections())
	return nil
}

// process executes one request/response exchange. Runs on a worker, or on
// the poll goroutine in inline mode.
func (s *Server) process(fd int, frame []byte, shed bool) {
	var resp []byte
	if shed {
		logger.Debug("server: rate limit exceeded, rejecting frame from fd %d", fd)
		resp = userop.StatusFrame(userop.StatusFailure)
	} else {
		resp = s.engine.Handle(frame)
	}

	if err := netpoll.WriteFrame(fd, resp); err != nil {
		logger.Debug("server: write on fd %d failed: %v", fd, err)
		s.poller.Drop(fd)
		return
	}

	s.poller.Rearm(fd)
}
