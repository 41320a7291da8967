package netpoll

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestListen(t *testing.T) {
	t.Run("BindsKernelAssignedPort", func(t *testing.T) {
		l, err := Listen(0, IPv4, 16)
		require.NoError(t, err)
		defer l.Close()

		port, err := l.Port()
		require.NoError(t, err)
		assert.NotZero(t, port)
	})

	t.Run("RejectsUnknownFamily", func(t *testing.T) {
		_, err := Listen(0, unix.AF_UNIX, 16)
		assert.Error(t, err)
	})

	t.Run("ReusesAddressAfterClose", func(t *testing.T) {
		l, err := Listen(0, IPv4, 16)
		require.NoError(t, err)
		port, err := l.Port()
		require.NoError(t, err)
		require.NoError(t, l.Close())

		l2, err := Listen(port, IPv4, 16)
		require.NoError(t, err)
		l2.Close()
	})
}

func TestNewPoller(t *testing.T) {
	l, err := Listen(0, IPv4, 16)
	require.NoError(t, err)
	defer l.Close()

	t.Run("RequiresHandler", func(t *testing.T) {
		_, err := NewPoller(l, Config{MaxConnections: 1, PollTimeout: time.Second})
		assert.Error(t, err)
	})

	t.Run("RequiresConnectionSlots", func(t *testing.T) {
		_, err := NewPoller(l, Config{
			MaxConnections: 0,
			PollTimeout:    time.Second,
			OnReadable:     func(int) error { return nil },
		})
		assert.Error(t, err)
	})
}

// startEcho runs a poller that echoes every frame back to the sender. It
// returns the TCP port to dial and a stop function that also waits for Run to
// return, asserting it exited cleanly.
func startEcho(t *testing.T, maxConns int) (uint16, func()) {
	t.Helper()

	l, err := Listen(0, IPv4, 16)
	require.NoError(t, err)
	port, err := l.Port()
	require.NoError(t, err)

	var p *Poller
	p, err = NewPoller(l, Config{
		MaxConnections: maxConns,
		PollTimeout:    100 * time.Millisecond,
		OnReadable: func(fd int) error {
			frame, err := ReadFrame(fd)
			if err != nil {
				return err
			}
			if err := WriteFrame(fd, frame); err != nil {
				return err
			}
			p.Rearm(fd)
			return nil
		},
	})
	require.NoError(t, err)

	runDone := make(chan error, 1)
	go func() { runDone <- p.Run() }()

	stop := func() {
		p.Stop()
		select {
		case err := <-runDone:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("poller did not stop")
		}
	}
	return port, stop
}

func dialFrames(t *testing.T, port uint16) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func testFrame(fill byte) []byte {
	frame := make([]byte, MaxMessage)
	for i := range frame {
		frame[i] = fill
	}
	return frame
}

func exchange(t *testing.T, conn net.Conn, frame []byte) []byte {
	t.Helper()
	_, err := conn.Write(frame)
	require.NoError(t, err)

	reply := make([]byte, MaxMessage)
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	return reply
}

func TestPollerEcho(t *testing.T) {
	port, stop := startEcho(t, 4)
	defer stop()

	conn := dialFrames(t, port)
	defer conn.Close()

	// Two round trips on the same connection prove the slot is rearmed
	// after each response.
	for _, fill := range []byte{0xaa, 0x55} {
		sent := testFrame(fill)
		got := exchange(t, conn, sent)
		assert.True(t, bytes.Equal(sent, got), "echo mismatch for fill %#x", fill)
	}
}

func TestPollerInterleavedConnections(t *testing.T) {
	port, stop := startEcho(t, 4)
	defer stop()

	a := dialFrames(t, port)
	defer a.Close()
	b := dialFrames(t, port)
	defer b.Close()

	gotA := exchange(t, a, testFrame(0x01))
	gotB := exchange(t, b, testFrame(0x02))
	assert.Equal(t, byte(0x01), gotA[0])
	assert.Equal(t, byte(0x02), gotB[0])
}

// A connection beyond the table capacity is accepted and then closed, so the
// client observes a clean EOF instead of hanging in the backlog.
func TestPollerRejectsSurplusConnections(t *testing.T) {
	port, stop := startEcho(t, 1)
	defer stop()

	first := dialFrames(t, port)
	defer first.Close()

	// A full exchange guarantees the only slot is taken before dialing again.
	exchange(t, first, testFrame(0x01))

	surplus := dialFrames(t, port)
	defer surplus.Close()

	_, err := surplus.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	// The surviving connection still works.
	got := exchange(t, first, testFrame(0x02))
	assert.Equal(t, byte(0x02), got[0])
}

func TestStopClosesOpenConnections(t *testing.T) {
	port, stop := startEcho(t, 4)

	conn := dialFrames(t, port)
	defer conn.Close()
	exchange(t, conn, testFrame(0x07))

	stop()

	_, err := conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

// A peer that resets the connection while its request is still being
// processed must not get its fd closed under the job: the kernel would hand
// the number to the next descriptor and the job's response write, Rearm and
// Drop would all land on an unrelated connection.
func TestPeerAbortDuringInFlightJob(t *testing.T) {
	l, err := Listen(0, IPv4, 16)
	require.NoError(t, err)
	port, err := l.Port()
	require.NoError(t, err)

	started := make(chan int, 4)
	release := make(chan struct{})
	jobDone := make(chan struct{}, 4)

	var p *Poller
	p, err = NewPoller(l, Config{
		MaxConnections: 4,
		PollTimeout:    50 * time.Millisecond,
		OnReadable: func(fd int) error {
			frame, err := ReadFrame(fd)
			if err != nil {
				return err
			}
			go func() {
				started <- fd
				<-release
				// The peer may already be gone; the write then fails on
				// this fd and nothing else.
				_ = WriteFrame(fd, frame)
				p.Rearm(fd)
				jobDone <- struct{}{}
			}()
			return nil
		},
	})
	require.NoError(t, err)

	runDone := make(chan error, 1)
	go func() { runDone <- p.Run() }()
	defer func() {
		p.Stop()
		select {
		case err := <-runDone:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("poller did not stop")
		}
	}()

	conn := dialFrames(t, port)
	_, err = conn.Write(testFrame(0xa1))
	require.NoError(t, err)
	<-started

	// Reset the connection so the poller sees an error on the parked slot.
	require.NoError(t, conn.(*net.TCPConn).SetLinger(0))
	require.NoError(t, conn.Close())

	// Several poll wakes later the fd must still be open: closing it now
	// would free the number while the job holds it.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, p.ActiveConnections(),
		"aborted connection must stay open until its job returns the fd")

	close(release)
	<-jobDone

	// The job's rearm triggers the deferred close.
	deadline := time.Now().Add(5 * time.Second)
	for p.ActiveConnections() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("slot was not reclaimed after the job finished")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The table still serves new clients.
	replacement := dialFrames(t, port)
	defer replacement.Close()
	got := exchange(t, replacement, testFrame(0x5c))
	assert.Equal(t, byte(0x5c), got[0])
}

// Drain runs after the loop stops but before any descriptor is closed, so a
// job finishing during shutdown can still write its response and hand the fd
// back. Commands issued after shutdown are ignored.
func TestStopRunsDrainBeforeClosingConnections(t *testing.T) {
	l, err := Listen(0, IPv4, 16)
	require.NoError(t, err)
	port, err := l.Port()
	require.NoError(t, err)

	pending := make(chan int, 1)
	started := make(chan struct{})
	drained := make(chan struct{})

	var p *Poller
	cfg := Config{
		MaxConnections: 4,
		PollTimeout:    50 * time.Millisecond,
		OnReadable: func(fd int) error {
			if _, err := ReadFrame(fd); err != nil {
				return err
			}
			pending <- fd
			close(started)
			return nil
		},
	}
	cfg.Drain = func() {
		select {
		case fd := <-pending:
			// The descriptor is still valid here; the response reaches the
			// client even though shutdown has begun.
			assert.NoError(t, WriteFrame(fd, testFrame(0x7e)))
			p.Rearm(fd)
		default:
			t.Error("no request was in flight at drain time")
		}
		close(drained)
	}

	p, err = NewPoller(l, cfg)
	require.NoError(t, err)

	runDone := make(chan error, 1)
	go func() { runDone <- p.Run() }()

	conn := dialFrames(t, port)
	defer conn.Close()
	_, err = conn.Write(testFrame(0x11))
	require.NoError(t, err)
	<-started

	p.Stop()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not stop")
	}
	<-drained

	resp := make([]byte, MaxMessage)
	_, err = io.ReadFull(conn, resp)
	require.NoError(t, err)
	assert.Equal(t, byte(0x7e), resp[0])

	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	// Late commands must be dropped, not written into a closed wake pipe.
	p.Rearm(99)
	p.Stop()
}

func TestPollerClosesOnPeerDisconnect(t *testing.T) {
	port, stop := startEcho(t, 4)
	defer stop()

	conn := dialFrames(t, port)
	exchange(t, conn, testFrame(0x03))
	conn.Close()

	// The poller notices the hangup on its next wake and frees the slot.
	replacement := dialFrames(t, port)
	defer replacement.Close()
	got := exchange(t, replacement, testFrame(0x04))
	assert.Equal(t, byte(0x04), got[0])
}
