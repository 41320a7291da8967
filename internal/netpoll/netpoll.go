// Package netpoll implements the poll(2) based connection multiplexer.
//
// A single goroutine owns the listening socket and a fixed-capacity table of
// accepted connections. It waits for readiness events with a bounded timeout,
// drains pending accepts in one wake, and hands readable connections to a
// caller-supplied handler. The handler's work typically runs on a worker
// pool; while it is in flight the connection's slot is paused so the next
// frame from the same client is not picked up before the current response is
// written, which keeps per-connection request ordering intact.
package netpoll

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/marmos91/gatefs/internal/logger"
)

// Address families accepted by Listen.
const (
	IPv4 = unix.AF_INET
	IPv6 = unix.AF_INET6
)

// ErrListener is returned by Run when the listening socket itself fails.
// This is the only non-recoverable multiplexer error.
var ErrListener = errors.New("listening socket error")

// ReadyFunc handles a data-ready event on a connection. It runs on the poll
// goroutine; anything slow belongs in a submitted job. Returning an error
// closes the connection immediately. Returning nil leaves the slot paused
// until Rearm (or Drop) is called for the descriptor.
type ReadyFunc func(fd int) error

// Listener wraps a passive, nonblocking TCP socket.
type Listener struct {
	fd   int
	port uint16
}

// Listen resolves a wildcard address for the port and family, then creates a
// nonblocking listening socket with SO_REUSEADDR and the given backlog. Any
// step failing closes the partially set-up descriptor before returning.
func Listen(port uint16, family int, backlog int) (*Listener, error) {
	if family != IPv4 && family != IPv6 {
		return nil, fmt.Errorf("unsupported address family %d", family)
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set nonblocking: %w", err)
	}

	var sa unix.Sockaddr
	if family == IPv4 {
		sa = &unix.SockaddrInet4{Port: int(port)}
	} else {
		sa = &unix.SockaddrInet6{Port: int(port)}
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind port %d: %w", port, err)
	}

	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}

	return &Listener{fd: fd, port: port}, nil
}

// Port returns the port the listener was bound to. When 0 was requested the
// kernel-assigned port is resolved on demand.
func (l *Listener) Port() (uint16, error) {
	if l.port != 0 {
		return l.port, nil
	}
	sa, err := unix.Getsockname(l.fd)
	if err != nil {
		return 0, fmt.Errorf("getsockname: %w", err)
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return uint16(a.Port), nil
	case *unix.SockaddrInet6:
		return uint16(a.Port), nil
	default:
		return 0, fmt.Errorf("unexpected sockaddr type %T", sa)
	}
}

// Close releases the listening descriptor. Safe to call after Run has
// returned; Run closes the listener itself on exit.
func (l *Listener) Close() error {
	return unix.Close(l.fd)
}

type cmdOp int

const (
	cmdRearm cmdOp = iota
	cmdDrop
)

type command struct {
	op cmdOp
	fd int
}

// Config carries the poller parameters.
type Config struct {
	// MaxConnections bounds the number of simultaneously open connection
	// slots. The table never exceeds this; surplus connections are accepted
	// and immediately closed.
	MaxConnections int

	// PollTimeout bounds each readiness wait so the stop flag is observed
	// promptly even with no traffic.
	PollTimeout time.Duration

	// OnReadable is invoked for every data-ready connection.
	OnReadable ReadyFunc

	// Drain, when set, runs after the event loop has stopped but before any
	// descriptor is closed. Callers that process requests asynchronously use
	// it to join their workers, so no job can touch an fd the loop has
	// already released.
	Drain func()
}

// connState tracks a connection slot across iterations. busy is set while a
// handler (or its job) owns the fd; closing defers a peer error observed
// during that window until the job hands the fd back.
type connState struct {
	busy    bool
	closing bool
}

// Poller multiplexes the listener and up to MaxConnections accepted sockets
// on one goroutine. Rearm, Drop and Stop are safe to call from any
// goroutine; everything else happens on the poll goroutine inside Run.
type Poller struct {
	listener *Listener
	cfg      Config

	keepalive atomic.Bool
	active    atomic.Int32
	closed    atomic.Bool

	// Self-pipe: Stop/Rearm/Drop write a byte so the poll wait wakes before
	// its timeout expires.
	wakeR, wakeW int

	mu       sync.Mutex
	commands []command
}

// NewPoller creates a poller for the listener. The listener must not be used
// elsewhere afterwards; Run owns and eventually closes it.
func NewPoller(l *Listener, cfg Config) (*Poller, error) {
	if cfg.OnReadable == nil {
		return nil, errors.New("netpoll: nil OnReadable handler")
	}
	if cfg.MaxConnections < 1 {
		return nil, errors.New("netpoll: MaxConnections must be at least 1")
	}

	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("wake pipe: %w", err)
	}

	p := &Poller{
		listener: l,
		cfg:      cfg,
		wakeR:    pipe[0],
		wakeW:    pipe[1],
	}
	p.keepalive.Store(true)
	return p, nil
}

// Fixed pollfd table indices.
const (
	slotListener = 0
	slotWake     = 1
	slotConn0    = 2
)

// Run drives the event loop until Stop is called or the listening socket
// fails. On exit every open descriptor, the listener and the wake pipe are
// closed. A listening-socket failure is reported as ErrListener; a stop
// requested via Stop returns nil.
func (p *Poller) Run() error {
	pfds := make([]unix.PollFd, slotConn0+p.cfg.MaxConnections)
	pfds[slotListener] = unix.PollFd{Fd: int32(p.listener.fd), Events: unix.POLLIN}
	pfds[slotWake] = unix.PollFd{Fd: int32(p.wakeR), Events: unix.POLLIN}
	for i := slotConn0; i < len(pfds); i++ {
		pfds[i].Fd = -1
	}
	conns := make([]connState, len(pfds))

	timeoutMs := int(p.cfg.PollTimeout / time.Millisecond)

	var runErr error
	for p.keepalive.Load() {
		p.applyCommands(pfds, conns)

		n, err := unix.Poll(pfds, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			runErr = fmt.Errorf("poll: %w", err)
			break
		}
		if n == 0 {
			continue
		}

		if pfds[slotWake].Revents != 0 {
			p.drainWake()
			p.applyCommands(pfds, conns)
		}

		if re := pfds[slotListener].Revents; re&(unix.POLLERR|unix.POLLNVAL) != 0 {
			runErr = ErrListener
			break
		} else if re&unix.POLLIN != 0 {
			p.acceptAll(pfds, conns)
		}

		for i := slotConn0; i < len(pfds); i++ {
			re := pfds[i].Revents
			if pfds[i].Fd < 0 || re == 0 {
				continue
			}

			switch {
			case re&(unix.POLLERR|unix.POLLNVAL) != 0:
				logger.Debug("netpoll: error on connection fd %d", pfds[i].Fd)
				p.retireSlot(&pfds[i], &conns[i])
			case re&(unix.POLLRDHUP|unix.POLLHUP) != 0:
				logger.Debug("netpoll: peer closed connection fd %d", pfds[i].Fd)
				p.retireSlot(&pfds[i], &conns[i])
			case re&unix.POLLIN != 0:
				// Pause the slot until the handler (or its job) rearms it.
				pfds[i].Events = 0
				conns[i].busy = true
				if err := p.cfg.OnReadable(int(pfds[i].Fd)); err != nil {
					logger.Debug("netpoll: handler error on fd %d: %v", pfds[i].Fd, err)
					conns[i] = connState{}
					p.closeSlot(&pfds[i])
				}
			default:
				logger.Warn("netpoll: unexpected revents %#x on fd %d", re, pfds[i].Fd)
			}
		}
	}

	// Let in-flight jobs finish while every fd they hold is still valid;
	// only then release the descriptors.
	if p.cfg.Drain != nil {
		p.cfg.Drain()
	}
	p.applyCommands(pfds, conns)
	p.shutdown(pfds)
	return runErr
}

// retireSlot handles a peer error or hangup. An idle slot is closed on the
// spot. A busy slot stays open: its job still addresses the connection by fd
// number, and closing now would let the kernel hand that number to an
// unrelated descriptor before the job's response write. The close happens
// when the job returns the fd via Rearm or Drop. Until then the table entry
// is parked as the fd's bitwise complement, which poll(2) ignores, so the
// persistent error condition stops waking the loop.
func (p *Poller) retireSlot(pfd *unix.PollFd, st *connState) {
	if st.busy {
		st.closing = true
		pfd.Fd = ^pfd.Fd
		pfd.Revents = 0
		return
	}
	p.closeSlot(pfd)
}

// Stop requests a cooperative shutdown. The loop observes the flag on its
// next wake, which the wake pipe makes immediate.
func (p *Poller) Stop() {
	p.keepalive.Store(false)
	p.wake()
}

// Rearm re-enables readiness events for a paused connection. Called by the
// request job after the response frame has been written.
func (p *Poller) Rearm(fd int) {
	p.enqueue(command{op: cmdRearm, fd: fd})
}

// Drop closes a connection from outside the poll goroutine, e.g. after a
// failed response write.
func (p *Poller) Drop(fd int) {
	p.enqueue(command{op: cmdDrop, fd: fd})
}

// ActiveConnections returns the number of currently open connection slots.
func (p *Poller) ActiveConnections() int {
	return int(p.active.Load())
}

func (p *Poller) enqueue(cmd command) {
	p.mu.Lock()
	p.commands = append(p.commands, cmd)
	p.mu.Unlock()
	p.wake()
}

func (p *Poller) wake() {
	// After shutdown the pipe fds are closed and may have been reused;
	// writing then would hit an unrelated descriptor.
	if p.closed.Load() {
		return
	}

	// EAGAIN means the pipe already holds a pending wake byte.
	_, err := unix.Write(p.wakeW, []byte{0})
	if err != nil && err != unix.EAGAIN {
		logger.Warn("netpoll: wake write failed: %v", err)
	}
}

func (p *Poller) drainWake() {
	buf := make([]byte, 64)
	for {
		if _, err := unix.Read(p.wakeR, buf); err != nil {
			return
		}
	}
}

func (p *Poller) applyCommands(pfds []unix.PollFd, conns []connState) {
	p.mu.Lock()
	cmds := p.commands
	p.commands = nil
	p.mu.Unlock()

	for _, cmd := range cmds {
		for i := slotConn0; i < len(pfds); i++ {
			fd := pfds[i].Fd
			if fd < 0 {
				// Parked entries hold the complemented fd. A free slot (-1)
				// complements to 0, which is never a connection fd.
				fd = ^fd
			}
			if int(fd) != cmd.fd {
				continue
			}

			switch cmd.op {
			case cmdRearm:
				if conns[i].closing {
					// The peer died while the job was in flight; finish the
					// deferred close now that the job is done with the fd.
					conns[i] = connState{}
					pfds[i].Fd = fd
					p.closeSlot(&pfds[i])
					break
				}
				conns[i].busy = false
				pfds[i].Events = unix.POLLIN | unix.POLLRDHUP
			case cmdDrop:
				conns[i] = connState{}
				pfds[i].Fd = fd
				p.closeSlot(&pfds[i])
			}
			break
		}
	}
}

// acceptAll drains every pending connection in one wake. When the table is
// full the surplus connection is accepted and then closed, a graceful
// rejection rather than leaving it queued.
func (p *Poller) acceptAll(pfds []unix.PollFd, conns []connState) {
	for {
		fd, _, err := unix.Accept(p.listener.fd)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				logger.Warn("netpoll: accept failed: %v", err)
			}
			return
		}

		placed := false
		for i := slotConn0; i < len(pfds); i++ {
			// Only -1 marks a free slot; parked entries are other negatives.
			if pfds[i].Fd == -1 {
				pfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN | unix.POLLRDHUP}
				conns[i] = connState{}
				p.active.Add(1)
				placed = true
				logger.Debug("netpoll: accepted connection fd %d", fd)
				break
			}
		}
		if !placed {
			logger.Warn("netpoll: connection table full, rejecting fd %d", fd)
			unix.Close(fd)
		}
	}
}

func (p *Poller) closeSlot(pfd *unix.PollFd) {
	if pfd.Fd < 0 {
		return
	}
	if err := unix.Close(int(pfd.Fd)); err != nil {
		logger.Warn("netpoll: close fd %d: %v", pfd.Fd, err)
	}
	pfd.Fd = -1
	pfd.Events = 0
	pfd.Revents = 0
	p.active.Add(-1)
}

func (p *Poller) shutdown(pfds []unix.PollFd) {
	logger.Debug("netpoll: shutting down, closing all connections")
	p.closed.Store(true)

	for i := slotConn0; i < len(pfds); i++ {
		if pfds[i].Fd == -1 {
			continue
		}
		if pfds[i].Fd < 0 {
			pfds[i].Fd = ^pfds[i].Fd
		}
		p.closeSlot(&pfds[i])
	}
	if err := p.listener.Close(); err != nil {
		logger.Warn("netpoll: close listener: %v", err)
	}
	unix.Close(p.wakeR)
	unix.Close(p.wakeW)
}
