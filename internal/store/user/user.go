// Package user provides the in-memory account store shared by all worker
// threads. Every structural operation takes the store lock, so lookups and
// mutations from concurrent request handlers are safe.
package user

import (
	"errors"
	"fmt"
	"sync"
)

// Common store errors. Protocol handlers translate these to wire status codes.
var (
	// ErrExists indicates an account with the same name is already registered.
	ErrExists = errors.New("user already exists")

	// ErrNotFound indicates no account with the given name is registered.
	ErrNotFound = errors.New("user not found")
)

// Level is an account permission level. Levels are totally ordered:
// ReadOnly < ReadWrite < Admin, and the numeric values reflect that order so
// they can be compared directly.
type Level int

const (
	ReadOnly Level = iota
	ReadWrite
	Admin
)

func (l Level) String() string {
	switch l {
	case ReadOnly:
		return "read-only"
	case ReadWrite:
		return "read-write"
	case Admin:
		return "admin"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// User is a single account record. Records are immutable after creation:
// the store never mutates a User in place, it only links and unlinks records
// by name. Sessions hold a *User obtained at login time; removing the name
// from the store does not invalidate those pointers, the record simply stays
// reachable through the sessions that reference it until they are gone.
type User struct {
	// Name is the unique, case-sensitive account name.
	Name string

	// Secret is the account password. The protocol transmits it in clear
	// text, so the store keeps it as received.
	Secret string

	// Level gates which account-management operations the user may perform.
	Level Level
}

// Store is a mutex-guarded mapping from account name to record.
//
// Thread safety:
// All methods are safe for concurrent use. The lock is held only for the
// duration of the structural operation, never across protocol handling.
type Store struct {
	mu    sync.Mutex
	users map[string]*User
}

// NewStore creates an empty account store.
func NewStore() *Store {
	return &Store{
		users: make(map[string]*User),
	}
}

// Insert registers a new account. Names are unique: inserting a name that is
// already present fails with ErrExists and leaves the store unchanged.
func (s *Store) Insert(name, secret string, level Level) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[name]; ok {
		return nil, fmt.Errorf("insert %q: %w", name, ErrExists)
	}

	u := &User{Name: name, Secret: secret, Level: level}
	s.users[name] = u
	return u, nil
}

// Remove unlinks the named account. The record itself remains valid for any
// session that still references it.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[name]; !ok {
		return fmt.Errorf("remove %q: %w", name, ErrNotFound)
	}

	delete(s.users, name)
	return nil
}

// Lookup returns the account registered under name, or ErrNotFound.
func (s *Store) Lookup(name string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[name]
	if !ok {
		return nil, fmt.Errorf("lookup %q: %w", name, ErrNotFound)
	}
	return u, nil
}

// Authenticate returns the account matching both name and secret. The match
// is exact and case-sensitive. A failed match reports ErrNotFound regardless
// of which factor was wrong, so callers cannot distinguish a bad name from a
// bad password.
func (s *Store) Authenticate(name, secret string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[name]
	if !ok || u.Secret != secret {
		return nil, ErrNotFound
	}
	return u, nil
}

// Len returns the number of registered accounts.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}
