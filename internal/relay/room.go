package relay

import (
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/collabrelay/internal/document"
)

// Room coordinates one project's document, members, presence and chat.
// Every mutation and the broadcasts it causes happen under mu, so members
// observe events in the order the room applied them.
type Room struct {
	projectID string
	document  document.Engine
	options   Options

	mu       sync.Mutex
	members  map[string]*Session
	presence map[string]Presence
	chat     []ChatMessage
	closed   bool

	evictTimer      *time.Timer
	evictGeneration uint64
}

func newRoom(projectID string, engine document.Engine, options Options) *Room {
	return &Room{
		projectID: projectID,
		document:  engine,
		options:   options,
		members:   make(map[string]*Session),
		presence:  make(map[string]Presence),
	}
}

// ProjectID returns the project the room belongs to.
func (r *Room) ProjectID() string {
	return r.projectID
}

// Document returns the room's document engine.
func (r *Room) Document() document.Engine {
	return r.document
}

// Members returns the connection ids currently joined, sorted.
func (r *Room) Members() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Presence returns a copy of the presence map keyed by connection id.
func (r *Room) Presence() map[string]Presence {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := make(map[string]Presence, len(r.presence))
	for id, entry := range r.presence {
		copied[id] = entry.clone()
	}
	return copied
}

// ChatHistory returns the retained chat messages in delivery order.
func (r *Room) ChatHistory() []ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chatHistoryLocked()
}

func (r *Room) chatHistoryLocked() []ChatMessage {
	history := make([]ChatMessage, len(r.chat))
	copy(history, r.chat)
	return history
}

// attach adds session as a member and sends it the snapshot followed by the
// chat history, then announces it to the other members.
func (r *Room) attach(session *Session, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errRoomClosed
	}

	snapshot, err := r.document.EncodeState()
	if err != nil {
		return err
	}
	if !session.bindRoom(r, username) {
		return errSessionClosed
	}
	r.cancelEvictionLocked()
	r.members[session.ID()] = session

	session.send(Event{Name: EventInit, Data: snapshot})
	session.send(Event{Name: EventChatHistory, Data: r.chatHistoryLocked()})
	r.broadcastLocked(session, Event{
		Name: EventUserJoined,
		Data: UserNotice{Username: username, ID: session.ID()},
	})
	return nil
}

// resync re-sends the snapshot and history to a session that is already a member.
func (r *Room) resync(session *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members[session.ID()] != session {
		return errSessionClosed
	}
	snapshot, err := r.document.EncodeState()
	if err != nil {
		return err
	}
	session.send(Event{Name: EventInit, Data: snapshot})
	session.send(Event{Name: EventChatHistory, Data: r.chatHistoryLocked()})
	return nil
}

// detach removes session and its presence and tells the remaining members.
// It reports whether the session was a member and whether the room is now empty.
func (r *Room) detach(session *Session, username string) (removed bool, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members[session.ID()] != session {
		return false, len(r.members) == 0
	}
	delete(r.members, session.ID())
	delete(r.presence, session.ID())
	r.broadcastLocked(session, Event{
		Name: EventUserLeft,
		Data: UserNotice{Username: username, ID: session.ID()},
	})
	return true, len(r.members) == 0
}

// applyUpdate merges update into the document and relays it to the other members.
func (r *Room) applyUpdate(session *Session, update []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members[session.ID()] != session {
		return errSessionClosed
	}
	if err := r.document.ApplyUpdate(update); err != nil {
		return err
	}
	r.broadcastLocked(session, Event{Name: EventUpdate, Data: update})
	return nil
}

// setPresence overwrites the sender's presence and relays it.
func (r *Room) setPresence(session *Session, username string, data Presence) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members[session.ID()] != session {
		return false
	}
	stored := data.clone()
	stored[presenceFieldUsername] = username
	r.presence[session.ID()] = stored

	outbound := stored.clone()
	outbound[presenceFieldID] = session.ID()
	event := Event{Name: EventCursor, Data: outbound}
	if r.options.PresenceEchoesToSender {
		r.broadcastLocked(nil, event)
	} else {
		r.broadcastLocked(session, event)
	}
	return true
}

// appendChat records message and relays it; the oldest messages are dropped
// beyond the configured history limit.
func (r *Room) appendChat(session *Session, message ChatMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members[session.ID()] != session {
		return false
	}
	r.chat = append(r.chat, message)
	if limit := r.options.ChatHistoryLimit; limit > 0 && len(r.chat) > limit {
		trimmed := make([]ChatMessage, limit)
		copy(trimmed, r.chat[len(r.chat)-limit:])
		r.chat = trimmed
	}

	event := Event{Name: EventChat, Data: message}
	if r.options.ChatEchoesToSender {
		r.broadcastLocked(nil, event)
	} else {
		r.broadcastLocked(session, event)
	}
	return true
}

// broadcastLocked delivers event to every member except the given one (nil excludes nobody).
func (r *Room) broadcastLocked(except *Session, event Event) {
	for _, member := range r.members {
		if member == except {
			continue
		}
		member.send(event)
	}
}

func (r *Room) cancelEvictionLocked() {
	if r.evictTimer != nil {
		r.evictTimer.Stop()
		r.evictTimer = nil
	}
}
