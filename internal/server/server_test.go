package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/gatefs/internal/netpoll"
	"github.com/marmos91/gatefs/internal/protocol/userop"
	"github.com/marmos91/gatefs/internal/ratelimiter"
	"github.com/marmos91/gatefs/internal/store/user"
)

func testConfig(workers int) Config {
	return Config{
		Port:           0,
		Backlog:        16,
		MaxConnections: 10,
		PollTimeout:    100 * time.Millisecond,
		Workers:        workers,
		SessionTimeout: time.Minute,
	}
}

// startServer runs a server with a seeded admin account and returns it plus
// a stop function that waits for a clean exit.
func startServer(t *testing.T, cfg Config, limiter *ratelimiter.RateLimiter) (*Server, func()) {
	t.Helper()

	users := user.NewStore()
	_, err := users.Insert("admin", "password", user.Admin)
	require.NoError(t, err)

	srv := New(cfg, users, limiter, nil)

	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(context.Background()) }()

	select {
	case <-srv.Ready():
	case err := <-serveDone:
		t.Fatalf("server exited during startup: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server never became ready")
	}

	stop := func() {
		srv.Stop()
		select {
		case err := <-serveDone:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("server did not stop")
		}
	}
	return srv, stop
}

func dialServer(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", srv.Port()))
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return conn
}

// roundTrip sends one request frame and reads the full response frame.
func roundTrip(t *testing.T, conn net.Conn, req *userop.Request) []byte {
	t.Helper()
	_, err := conn.Write(userop.EncodeRequest(req))
	require.NoError(t, err)

	resp := make([]byte, netpoll.MaxMessage)
	_, err = io.ReadFull(conn, resp)
	require.NoError(t, err)
	return resp
}

func loginOver(t *testing.T, conn net.Conn, name, password string) uint32 {
	t.Helper()
	resp := roundTrip(t, conn, &userop.Request{SubOp: userop.SubLogin, Name: name, Password: password})
	require.Equal(t, userop.StatusSuccess, userop.ResponseStatus(resp), "login for %q", name)
	return userop.ResponseSessionID(resp)
}

func TestServe(t *testing.T) {
	for _, mode := range []struct {
		name    string
		workers int
	}{
		{"WithWorkerPool", 4},
		{"Inline", 0},
	} {
		t.Run(mode.name, func(t *testing.T) {
			srv, stop := startServer(t, testConfig(mode.workers), nil)
			defer stop()

			conn := dialServer(t, srv)
			defer conn.Close()

			sid := loginOver(t, conn, "admin", "password")

			resp := roundTrip(t, conn, &userop.Request{
				SubOp:     userop.SubCreateReadWrite,
				Name:      "bob",
				Password:  "hunter2",
				SessionID: sid,
			})
			require.Equal(t, userop.StatusSuccess, userop.ResponseStatus(resp))

			// The new account works from a second connection.
			conn2 := dialServer(t, srv)
			defer conn2.Close()
			loginOver(t, conn2, "bob", "hunter2")
		})
	}
}

func TestServeSequencedRequests(t *testing.T) {
	srv, stop := startServer(t, testConfig(4), nil)
	defer stop()

	conn := dialServer(t, srv)
	defer conn.Close()

	sid := loginOver(t, conn, "admin", "password")

	// Back-to-back exchanges on one connection; each response must arrive
	// before the next request is accepted for processing.
	for i := 0; i < 5; i++ {
		resp := roundTrip(t, conn, &userop.Request{
			SubOp:     userop.SubCreateReadOnly,
			Name:      fmt.Sprintf("user%d", i),
			Password:  "pw",
			SessionID: sid,
		})
		assert.Equal(t, userop.StatusSuccess, userop.ResponseStatus(resp), "request %d", i)
	}
}

func TestServeRejectsBeyondConnectionLimit(t *testing.T) {
	cfg := testConfig(2)
	cfg.MaxConnections = 1
	srv, stop := startServer(t, cfg, nil)
	defer stop()

	first := dialServer(t, srv)
	defer first.Close()
	loginOver(t, first, "admin", "password")

	surplus := dialServer(t, srv)
	defer surplus.Close()
	_, err := surplus.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestServeRateLimit(t *testing.T) {
	// One request per second with a burst of 1: the first exchange passes,
	// an immediate second one is shed with a failure response.
	srv, stop := startServer(t, testConfig(2), ratelimiter.New(1, 1))
	defer stop()

	conn := dialServer(t, srv)
	defer conn.Close()

	loginOver(t, conn, "admin", "password")

	resp := roundTrip(t, conn, &userop.Request{
		SubOp: userop.SubLogin, Name: "admin", Password: "password",
	})
	assert.Equal(t, userop.StatusFailure, userop.ResponseStatus(resp))
}

func TestServeContextCancel(t *testing.T) {
	users := user.NewStore()
	srv := New(testConfig(2), users, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(ctx) }()
	<-srv.Ready()

	cancel()
	select {
	case err := <-serveDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not exit on context cancel")
	}
}

func TestStopClosesClients(t *testing.T) {
	srv, stop := startServer(t, testConfig(2), nil)

	conn := dialServer(t, srv)
	defer conn.Close()
	loginOver(t, conn, "admin", "password")

	stop()

	_, err := conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}
