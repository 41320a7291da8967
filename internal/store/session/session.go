// Package session tracks server-issued sessions. A session binds a connected
// client to an authenticated account for a bounded idle period; once the idle
// timeout elapses the session expires permanently.
package session

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/marmos91/gatefs/internal/store/user"
)

var (
	// ErrInvalid indicates the session id is unknown or the session has
	// expired. Callers get the same error in both cases.
	ErrInvalid = errors.New("invalid or expired session")

	// ErrExhausted indicates the session id counter has reached its maximum.
	// The store fails closed: no ids are reused and no new sessions can be
	// created for the remainder of the process lifetime.
	ErrExhausted = errors.New("session ids exhausted")
)

// Session is a single issued session.
//
// Expiry is sticky: once expired is set it never reverts, even if a later
// access would fall within the timeout again by wall-clock drift.
type Session struct {
	ID       uint32
	Owner    *user.User
	LastUsed time.Time
	expired  bool
}

// Expired reports whether the session has been permanently expired.
func (s *Session) Expired() bool {
	return s.expired
}

// Store is a mutex-guarded mapping from session id to session, plus the
// process-wide id counter. Sessions are never deleted: an expired session
// stays in the table, frozen, until shutdown.
type Store struct {
	mu       sync.Mutex
	sessions map[uint32]*Session
	nextID   uint64 // wider than the wire id so exhaustion is detectable
	timeout  time.Duration
}

// NewStore creates a session store. Sessions idle longer than timeout are
// expired on their next use.
func NewStore(timeout time.Duration) *Store {
	return &Store{
		sessions: make(map[uint32]*Session),
		timeout:  timeout,
	}
}

// Create allocates a new session for owner. Ids are assigned from a
// monotonically increasing counter starting at 0; they are unique across the
// process lifetime and never wrap around.
func (s *Store) Create(owner *user.User, now time.Time) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nextID > math.MaxUint32 {
		return nil, ErrExhausted
	}

	ses := &Session{
		ID:       uint32(s.nextID),
		Owner:    owner,
		LastUsed: now,
	}
	s.nextID++
	s.sessions[ses.ID] = ses
	return ses, nil
}

// Resolve validates and refreshes the session in one atomic step.
//
// An unknown id or an already-expired session reports ErrInvalid. Otherwise,
// if more than the configured timeout has passed since the session was last
// used, the session is marked expired (permanently) and ErrInvalid is
// reported; a session used within the timeout has its last-used time advanced
// to now and its owner is returned.
func (s *Store) Resolve(id uint32, now time.Time) (*user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ses, ok := s.sessions[id]
	if !ok || ses.expired {
		return nil, ErrInvalid
	}

	if now.Sub(ses.LastUsed) > s.timeout {
		ses.expired = true
		return nil, ErrInvalid
	}

	ses.LastUsed = now
	return ses.Owner, nil
}

// Len returns the number of sessions issued so far, expired ones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
