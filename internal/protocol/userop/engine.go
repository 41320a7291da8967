// Package userop implements the session and authentication protocol engine:
// a pure decode, authorize, mutate, encode pipeline over fixed-size frames.
// The engine holds no socket state; it is invoked per request, normally from
// a worker-pool job, and operates on the shared user and session stores.
package userop

import (
	"errors"
	"time"

	"github.com/marmos91/gatefs/internal/logger"
	"github.com/marmos91/gatefs/internal/metrics"
	"github.com/marmos91/gatefs/internal/store/session"
	"github.com/marmos91/gatefs/internal/store/user"
)

// Engine executes user-management requests against the shared stores.
//
// Thread safety:
// Handle may be called concurrently from any number of workers; all shared
// state lives behind the stores' locks.
type Engine struct {
	users    *user.Store
	sessions *session.Store
	metrics  metrics.ServerMetrics

	// now is injectable for expiry tests.
	now func() time.Time
}

// NewEngine creates an engine over the given stores. A nil metrics sink is
// replaced with a no-op one.
func NewEngine(users *user.Store, sessions *session.Store, m metrics.ServerMetrics) *Engine {
	if m == nil {
		m = metrics.NewNoopServerMetrics()
	}
	return &Engine{
		users:    users,
		sessions: sessions,
		metrics:  m,
		now:      time.Now,
	}
}

// Handle processes one request frame and returns the response frame. It
// never fails: every malformed or unauthorized request maps to a status code
// in the response, and the response is always a full-size frame.
func (e *Engine) Handle(frame []byte) []byte {
	if len(frame) < 2 {
		return StatusFrame(StatusFailure)
	}

	switch frame[0] {
	case OpUser:
		return e.handleUser(frame)
	case OpDel, OpLs, OpGet, OpMk, OpPut:
		// File-layer opcodes are reserved but not handled by this engine.
		logger.Debug("userop: unimplemented opcode %#x", frame[0])
		e.metrics.RecordRequest("file", statusString(StatusFailure))
		return StatusFrame(StatusFailure)
	default:
		logger.Debug("userop: unknown opcode %#x", frame[0])
		e.metrics.RecordRequest("unknown", statusString(StatusFailure))
		return StatusFrame(StatusFailure)
	}
}

func (e *Engine) handleUser(frame []byte) []byte {
	req, err := DecodeRequest(frame)
	if err != nil {
		logger.Debug("userop: decode failed: %v", err)
		e.metrics.RecordRequest(opName(frame[1]), statusString(StatusFailure))
		return StatusFrame(StatusFailure)
	}

	var resp []byte
	switch req.SubOp {
	case SubLogin:
		resp = e.login(req)
	case SubCreateReadOnly:
		resp = e.create(req, user.ReadOnly)
	case SubCreateReadWrite:
		resp = e.create(req, user.ReadWrite)
	case SubCreateAdmin:
		resp = e.create(req, user.Admin)
	case SubDelete:
		resp = e.delete(req)
	default:
		logger.Debug("userop: unknown sub-operation %#x", req.SubOp)
		resp = StatusFrame(StatusFailure)
	}

	e.metrics.RecordRequest(opName(req.SubOp), statusString(ResponseStatus(resp)))
	return resp
}

// login authenticates by exact name and secret match. The response for a
// failed login is a generic failure regardless of which factor was wrong.
func (e *Engine) login(req *Request) []byte {
	u, err := e.users.Authenticate(req.Name, req.Password)
	if err != nil {
		logger.Debug("userop: login failed for %q", req.Name)
		return StatusFrame(StatusFailure)
	}

	ses, err := e.sessions.Create(u, e.now())
	if err != nil {
		// Counter exhaustion fails closed: no session, generic failure.
		logger.Warn("userop: session creation failed: %v", err)
		return StatusFrame(StatusFailure)
	}

	logger.Info("userop: user %q logged in, session %d", u.Name, ses.ID)
	return LoginFrame(ses.ID)
}

// create adds a new account at the requested level. The session check runs
// before the permission check, so an expired session is reported as a
// session error even when the requester would also lack permission.
func (e *Engine) create(req *Request, level user.Level) []byte {
	requester, err := e.sessions.Resolve(req.SessionID, e.now())
	if err != nil {
		return StatusFrame(StatusSessionErr)
	}

	if requester.Level < level {
		logger.Debug("userop: %q (%s) denied creating %s user",
			requester.Name, requester.Level, level)
		return StatusFrame(StatusPermErr)
	}

	if _, err := e.users.Insert(req.Name, req.Password, level); err != nil {
		if errors.Is(err, user.ErrExists) {
			return StatusFrame(StatusUserExists)
		}
		logger.Warn("userop: insert %q failed: %v", req.Name, err)
		return StatusFrame(StatusFailure)
	}

	logger.Info("userop: %q created %s user %q", requester.Name, level, req.Name)
	return StatusFrame(StatusSuccess)
}

// delete removes an account. Admin only; deleting a missing user is a
// generic failure. Sessions already issued to the deleted user keep their
// user record (the record outlives its store entry), so in-flight sessions
// never dangle.
func (e *Engine) delete(req *Request) []byte {
	requester, err := e.sessions.Resolve(req.SessionID, e.now())
	if err != nil {
		return StatusFrame(StatusSessionErr)
	}

	if requester.Level < user.Admin {
		logger.Debug("userop: %q (%s) denied deleting users", requester.Name, requester.Level)
		return StatusFrame(StatusPermErr)
	}

	if err := e.users.Remove(req.Name); err != nil {
		logger.Debug("userop: delete %q failed: %v", req.Name, err)
		return StatusFrame(StatusFailure)
	}

	logger.Info("userop: %q deleted user %q", requester.Name, req.Name)
	return StatusFrame(StatusSuccess)
}

// opName maps a sub-operation to its client-visible command name, used as a
// metrics label.
func opName(subOp byte) string {
	switch subOp {
	case SubLogin:
		return "login"
	case SubCreateReadOnly:
		return "create-ro"
	case SubCreateReadWrite:
		return "create-rw"
	case SubCreateAdmin:
		return "create-ad"
	case SubDelete:
		return "delete"
	default:
		return "unknown"
	}
}

func statusString(status byte) string {
	switch status {
	case StatusSuccess:
		return "success"
	case StatusSessionErr:
		return "session_error"
	case StatusPermErr:
		return "permission_error"
	case StatusUserExists:
		return "user_exists"
	case StatusFileExists:
		return "file_exists"
	case StatusFailure:
		return "failure"
	default:
		return "unknown"
	}
}
