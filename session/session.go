// Package session keeps the binder sessions: a uuid, a level of assurance (LOA)
// and per-api cookies.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	berr "github.com/next-trace/scg-binder/contract/errors"
	"github.com/next-trace/scg-binder/logging"
)

// MaxLOA is the highest level of assurance a session can hold.
const MaxLOA = 7

// Session is shared by every request of one client.
type Session struct {
	id       uuid.UUID
	set      *Set
	refs     atomic.Int32
	loa      atomic.Int32
	closed   atomic.Bool
	closable bool

	mu      sync.Mutex
	cookies map[any]*cookie
}

type cookie struct {
	value any
	freer func(any)
}

func (s *Session) ID() uuid.UUID { return s.id }

// UUID returns the textual id used for lookups.
func (s *Session) UUID() string { return s.id.String() }

func (s *Session) LOA() int { return int(s.loa.Load()) }

// SetLOA changes the level of assurance. Closed sessions refuse it.
func (s *Session) SetLOA(loa int) error {
	if loa < 0 || loa > MaxLOA {
		return fmt.Errorf("session %s loa %d: %w", s.id, loa, berr.ErrInvalidArgument)
	}
	if s.closed.Load() {
		return fmt.Errorf("session %s loa: closed: %w", s.id, berr.ErrForbidden)
	}
	s.loa.Store(int32(loa))
	return nil
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool { return s.closed.Load() }

// Closable reports whether clients may close the session.
func (s *Session) Closable() bool { return s.closable }

// Close drops the LOA and the cookies and removes the session from its set.
// It returns false when the session was already closed or is not closable.
func (s *Session) Close() bool {
	if !s.closable || !s.closed.CompareAndSwap(false, true) {
		return false
	}
	s.loa.Store(0)
	s.dropCookies()
	if s.set != nil {
		s.set.forget(s)
	}
	return true
}

// AddRef takes a reference.
func (s *Session) AddRef() *Session {
	s.refs.Add(1)
	return s
}

// Unref releases a reference; the last one closes the session.
func (s *Session) Unref() {
	if s.refs.Add(-1) == 0 {
		s.closed.Store(true)
		s.dropCookies()
		if s.set != nil {
			s.set.forget(s)
		}
	}
}

// CookieGet returns the value stored for key.
func (s *Session) CookieGet(key any) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cookies[key]
	if !ok {
		return nil, false
	}
	return c.value, true
}

// CookieSet replaces the value stored for key; the previous value goes to its freer.
// A nil value removes the cookie.
func (s *Session) CookieSet(key, value any, freer func(any)) error {
	if s.closed.Load() {
		return fmt.Errorf("session %s cookie: closed: %w", s.id, berr.ErrForbidden)
	}

	s.mu.Lock()
	old, had := s.cookies[key]
	if value == nil {
		delete(s.cookies, key)
	} else {
		if s.cookies == nil {
			s.cookies = make(map[any]*cookie)
		}
		s.cookies[key] = &cookie{value: value, freer: freer}
	}
	s.mu.Unlock()

	if had && old.freer != nil {
		old.freer(old.value)
	}
	return nil
}

// CookieMake returns the value stored for key, creating it with maker when absent.
// maker runs without the session lock; when another creator stored a value first,
// that value wins and the new one is handed to freer.
func (s *Session) CookieMake(key any, maker func() (any, error), freer func(any)) (any, error) {
	if v, ok := s.CookieGet(key); ok {
		return v, nil
	}
	if s.closed.Load() {
		return nil, fmt.Errorf("session %s cookie: closed: %w", s.id, berr.ErrForbidden)
	}

	v, err := maker()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if c, ok := s.cookies[key]; ok {
		s.mu.Unlock()
		if freer != nil {
			freer(v)
		}
		return c.value, nil
	}
	if s.cookies == nil {
		s.cookies = make(map[any]*cookie)
	}
	s.cookies[key] = &cookie{value: v, freer: freer}
	s.mu.Unlock()

	return v, nil
}

func (s *Session) dropCookies() {
	s.mu.Lock()
	cookies := s.cookies
	s.cookies = nil
	s.mu.Unlock()

	for _, c := range cookies {
		if c.freer != nil {
			c.freer(c.value)
		}
	}
}

// Set is a table of sessions keyed by uuid.
type Set struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	max      int
	logger   *slog.Logger
	observer func(s *Session, created bool)
}

// SetOption configures a Set.
type SetOption func(*Set)

// WithMaxSessions bounds the number of live sessions.
func WithMaxSessions(n int) SetOption {
	return func(st *Set) { st.max = n }
}

// WithObserver is called after a session is created (true) or closed (false).
func WithObserver(fn func(s *Session, created bool)) SetOption {
	return func(st *Set) { st.observer = fn }
}

func NewSet(logger *slog.Logger, opts ...SetOption) *Set {
	st := &Set{
		sessions: make(map[uuid.UUID]*Session),
		logger:   logging.OrDiscard(logger),
	}
	for _, opt := range opts {
		opt(st)
	}
	return st
}

// Create makes a new closable session holding one reference.
func (st *Set) Create() (*Session, error) {
	return st.create(uuid.New(), true)
}

// Shared makes a session that clients cannot close, used as an api's own session.
func (st *Set) Shared() (*Session, error) {
	return st.create(uuid.New(), false)
}

func (st *Set) create(id uuid.UUID, closable bool) (*Session, error) {
	s := &Session{id: id, set: st, closable: closable}
	s.refs.Store(1)

	st.mu.Lock()
	if st.max > 0 && len(st.sessions) >= st.max {
		st.mu.Unlock()
		return nil, fmt.Errorf("create session: %d live: %w", st.max, berr.ErrResourceExhausted)
	}
	if _, dup := st.sessions[id]; dup {
		st.mu.Unlock()
		return nil, fmt.Errorf("create session %s: %w", id, berr.ErrAlreadyExists)
	}
	st.sessions[id] = s
	st.mu.Unlock()

	st.logger.Debug("session created", slog.String("session", id.String()))
	if st.observer != nil {
		st.observer(s, true)
	}
	return s, nil
}

// Get looks a session up by its textual uuid and takes a reference on it.
func (st *Set) Get(id string) (*Session, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("get session %q: %w", id, berr.ErrInvalidArgument)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[u]
	if !ok {
		return nil, fmt.Errorf("get session %s: %w", id, berr.ErrNotFound)
	}
	return s.AddRef(), nil
}

// GetOrCreate returns the session id, creating it when unknown. An empty id
// always creates a fresh session.
func (st *Set) GetOrCreate(id string) (*Session, error) {
	if id == "" {
		return st.Create()
	}
	s, err := st.Get(id)
	if err == nil {
		return s, nil
	}
	u, perr := uuid.Parse(id)
	if perr != nil {
		return nil, fmt.Errorf("get session %q: %w", id, berr.ErrInvalidArgument)
	}
	return st.create(u, true)
}

// Len returns the number of live sessions.
func (st *Set) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

func (st *Set) forget(s *Session) {
	st.mu.Lock()
	cur, ok := st.sessions[s.id]
	if ok && cur == s {
		delete(st.sessions, s.id)
	}
	st.mu.Unlock()

	if ok && cur == s {
		st.logger.Debug("session closed", slog.String("session", s.id.String()))
		if st.observer != nil {
			st.observer(s, false)
		}
	}
}
