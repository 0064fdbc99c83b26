package relay

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/collabrelay/internal/document"
	"go.uber.org/zap"
)

const (
	defaultChatHistoryLimit = 1000
	defaultAuthTimeout      = 5 * time.Second
)

// Options selects between the relay behaviours observed in deployed variants.
type Options struct {
	// RequireCollaboratorCheck gates joins on project membership.
	RequireCollaboratorCheck bool
	// ChatEchoesToSender includes the author in chat broadcasts.
	ChatEchoesToSender bool
	// PresenceEchoesToSender includes the author in cursor broadcasts.
	PresenceEchoesToSender bool
	// ChatHistoryLimit bounds retained chat per room; 0 keeps everything.
	ChatHistoryLimit int
	// IdleEviction drops a room this long after its last member leaves; 0 keeps rooms forever.
	IdleEviction time.Duration
	// AuthTimeout bounds each authorization gateway call.
	AuthTimeout time.Duration
}

// DefaultOptions returns the behaviour of the reference deployment.
func DefaultOptions() Options {
	return Options{
		RequireCollaboratorCheck: true,
		ChatEchoesToSender:       true,
		PresenceEchoesToSender:   false,
		ChatHistoryLimit:         defaultChatHistoryLimit,
		AuthTimeout:              defaultAuthTimeout,
	}
}

// RegistryConfig describes the dependencies of a Registry.
type RegistryConfig struct {
	Factory document.Factory
	Options Options
	Logger  *zap.Logger
}

// Registry owns every Room, keyed by project id.
type Registry struct {
	mu      sync.Mutex
	rooms   map[string]*Room
	factory document.Factory
	options Options
	logger  *zap.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	factory := cfg.Factory
	if factory == nil {
		factory = document.NewUpdateLogFactory()
	}
	options := cfg.Options
	if options.AuthTimeout <= 0 {
		options.AuthTimeout = defaultAuthTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		rooms:   make(map[string]*Room),
		factory: factory,
		options: options,
		logger:  logger,
	}
}

// Options returns the options shared by every room of the registry.
func (r *Registry) Options() Options {
	return r.options
}

// GetOrCreate returns the room of projectID, creating it and its document on
// first use. Concurrent callers for the same project receive the same room.
func (r *Registry) GetOrCreate(projectID string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok := r.rooms[projectID]; ok {
		return room
	}
	room := newRoom(projectID, r.factory(projectID), r.options)
	r.rooms[projectID] = room
	r.logger.Debug("room created", zap.String("project_id", projectID))
	return room
}

// Lookup returns the room of projectID without creating it.
func (r *Registry) Lookup(projectID string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[projectID]
	return room, ok
}

// Len returns the number of live rooms.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// release schedules eviction of an empty room once the grace period elapses.
func (r *Registry) release(room *Room) {
	grace := r.options.IdleEviction
	if grace <= 0 {
		return
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.closed || len(room.members) > 0 || room.evictTimer != nil {
		return
	}
	room.evictGeneration++
	generation := room.evictGeneration
	room.evictTimer = time.AfterFunc(grace, func() {
		r.evict(room, generation)
	})
}

func (r *Registry) evict(room *Room, generation uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.evictTimer == nil || room.evictGeneration != generation || len(room.members) > 0 {
		return
	}
	room.evictTimer = nil
	room.closed = true
	if r.rooms[room.projectID] == room {
		delete(r.rooms, room.projectID)
	}
	r.logger.Info("idle room evicted", zap.String("project_id", room.projectID))
}
