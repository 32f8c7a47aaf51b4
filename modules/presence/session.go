package presence

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is a connection's position in the occupant lifecycle.
type State int32

const (
	StateIdle State = iota
	StateJoining
	StateActive
	StateLeaving
	StateGone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateLeaving:
		return "leaving"
	case StateGone:
		return "gone"
	default:
		return "unknown"
	}
}

// Session is the per-connection view the presence manager keeps while a
// connection is live. It is never shared between connections.
type Session struct {
	ConnID      string
	Origin      string
	ConnectedAt time.Time

	state atomic.Int32

	mu          sync.Mutex
	userID      string
	roomID      string
	nickname    string
	joinedAt    time.Time
	credentials int
}

func newSession(connID, userID, origin string, now time.Time) *Session {
	return &Session{
		ConnID:      connID,
		Origin:      origin,
		ConnectedAt: now,
		userID:      userID,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// beginLeave performs the one-shot transition into LEAVING. Only the first
// caller for a connection gets true.
func (s *Session) beginLeave() bool {
	for {
		cur := s.State()
		if cur == StateLeaving || cur == StateGone {
			return false
		}
		if s.transition(cur, StateLeaving) {
			return true
		}
	}
}

// UserID returns the identity bound to the connection.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// RoomID returns the room the connection occupies, if any.
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// SetUserID binds an identity when none was attached at connect time.
func (s *Session) SetUserID(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userID == "" {
		s.userID = userID
	}
}

// AddCredential records one relay connection counted against the user.
func (s *Session) AddCredential() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials++
}

// Credentials returns how many relay connections the session holds.
func (s *Session) Credentials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credentials
}

func (s *Session) bind(roomID, nickname string, joinedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomID = roomID
	s.nickname = nickname
	s.joinedAt = joinedAt
}

func (s *Session) snapshot() (userID, roomID string, joinedAt time.Time, credentials int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.roomID, s.joinedAt, s.credentials
}

func (s *Session) takeCredentials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.credentials
	s.credentials = 0
	return n
}
