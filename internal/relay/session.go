package relay

import "sync"

// SessionState is the position of a connection in the join protocol.
type SessionState string

const (
	StateConnected   SessionState = "connected"
	StateAuthorizing SessionState = "authorizing"
	StateAuthorized  SessionState = "authorized"
	StateJoined      SessionState = "joined"
	StateRejected    SessionState = "rejected"
	StateClosed      SessionState = "closed"
)

// Sink delivers events to the connection behind a session. Deliver must not
// block; it reports false when the event was dropped.
type Sink interface {
	Deliver(event Event) bool
}

// Session is the relay-side state of one connection.
type Session struct {
	id               string
	sink             Sink
	cookieCredential string

	// joinMu serialises join handshakes issued on the same connection.
	joinMu sync.Mutex

	mu       sync.Mutex
	state    SessionState
	username string
	room     *Room
}

func newSession(id string, sink Sink, cookieCredential string) *Session {
	return &Session{
		id:               id,
		sink:             sink,
		cookieCredential: cookieCredential,
		state:            StateConnected,
	}
}

// ID returns the connection identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the current protocol state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Username returns the authenticated identity, or "" before a successful join.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// Room returns the joined room, or nil.
func (s *Session) Room() *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

func (s *Session) membership() (*Room, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room, s.username
}

func (s *Session) send(event Event) bool {
	if s.sink == nil {
		return false
	}
	return s.sink.Deliver(event)
}

// beginAuthorizing moves a non-joined session into authorizing. A joined
// session keeps its membership until the new handshake completes.
func (s *Session) beginAuthorizing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateClosed:
		return false
	case StateJoined:
	default:
		s.state = StateAuthorizing
	}
	return true
}

func (s *Session) reject() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateAuthorizing || s.state == StateAuthorized {
		s.state = StateRejected
	}
}

func (s *Session) authorize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateAuthorizing {
		s.state = StateAuthorized
	}
}

// bindRoom records the membership. It fails once the session is closed so a
// late join cannot resurrect a disconnected connection.
func (s *Session) bindRoom(room *Room, username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.room = room
	s.username = username
	s.state = StateJoined
	return true
}

func (s *Session) unbindRoom(room *Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == room {
		s.room = nil
	}
}

// close marks the session closed and returns the room it was joined to.
func (s *Session) close() (*Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil, false
	}
	room := s.room
	s.room = nil
	s.state = StateClosed
	return room, true
}
