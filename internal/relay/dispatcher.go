package relay

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/collabrelay/internal/audit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const maxJoinAttempts = 2

var tracer = otel.Tracer("collabrelay/relay")

// IdentityResolver exchanges a credential for a username.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, credential string) (string, error)
}

// MembershipChecker reports whether a username collaborates on a project.
type MembershipChecker interface {
	IsCollaborator(ctx context.Context, projectID, username string) (bool, error)
}

// AuditRecorder receives notable relay events.
type AuditRecorder interface {
	Record(ctx context.Context, category audit.Category, message string)
}

// DispatcherConfig describes the dependencies of a Dispatcher.
type DispatcherConfig struct {
	Registry   *Registry
	Identity   IdentityResolver
	Membership MembershipChecker
	Audit      AuditRecorder
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Dispatcher routes connection events to rooms.
type Dispatcher struct {
	registry   *Registry
	identity   IdentityResolver
	membership MembershipChecker
	audit      AuditRecorder
	ids        IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

type nopAudit struct{}

func (nopAudit) Record(context.Context, audit.Category, string) {}

// NewDispatcher validates dependencies and returns a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, newRelayError(opNewDispatcher, "missing_registry", errMissingRegistry)
	}
	if cfg.Identity == nil {
		return nil, newRelayError(opNewDispatcher, "missing_identity", errMissingIdentity)
	}
	if cfg.Registry.Options().RequireCollaboratorCheck && cfg.Membership == nil {
		return nil, newRelayError(opNewDispatcher, "missing_membership", errMissingMembership)
	}
	var recorder AuditRecorder = nopAudit{}
	if cfg.Audit != nil {
		recorder = cfg.Audit
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		registry:   cfg.Registry,
		identity:   cfg.Identity,
		membership: cfg.Membership,
		audit:      recorder,
		ids:        ids,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Registry returns the registry the dispatcher routes into.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Connect registers a new connection. cookieCredential is used when a join
// request omits its own credential.
func (d *Dispatcher) Connect(ctx context.Context, connectionID string, sink Sink, cookieCredential string) *Session {
	session := newSession(connectionID, sink, strings.TrimSpace(cookieCredential))
	d.audit.Record(ctx, audit.CategoryConnection, fmt.Sprintf("connection %s opened", connectionID))
	d.logger.Debug("connection opened", zap.String("connection_id", connectionID))
	return session
}

// HandleFrame decodes a raw client frame and routes it. Malformed frames and
// events the session may not send yet are dropped; handler panics are
// contained to the frame.
func (d *Dispatcher) HandleFrame(ctx context.Context, session *Session, frame []byte) {
	defer d.recoverFrame(ctx, session)

	inbound, err := DecodeFrame(frame)
	if err != nil {
		d.dropped(session, "", err)
		return
	}

	switch inbound.Event {
	case EventJoinRoom:
		request, parseErr := parseJoinRequest(inbound.Data)
		if parseErr != nil {
			d.dropped(session, inbound.Event, parseErr)
			return
		}
		_ = d.HandleJoin(ctx, session, request)
	case EventUpdate:
		update, parseErr := parseUpdate(inbound.Data)
		if parseErr != nil {
			d.dropped(session, inbound.Event, parseErr)
			return
		}
		d.HandleUpdate(ctx, session, update)
	case EventCursor:
		presence, parseErr := parsePresence(inbound.Data)
		if parseErr != nil {
			d.dropped(session, inbound.Event, parseErr)
			return
		}
		d.HandlePresence(session, presence)
	case EventChat:
		text, parseErr := parseChat(inbound.Data)
		if parseErr != nil {
			d.dropped(session, inbound.Event, parseErr)
			return
		}
		d.HandleChat(ctx, session, text)
	default:
		d.dropped(session, inbound.Event, fmt.Errorf("%w: unknown event", ErrProtocol))
	}
}

// HandleJoin runs the join handshake: identity, membership, then room attach.
// Rejections are reported to the requester only, as auth-failed or not-allowed.
func (d *Dispatcher) HandleJoin(ctx context.Context, session *Session, request JoinRequest) error {
	session.joinMu.Lock()
	defer session.joinMu.Unlock()

	projectID := strings.TrimSpace(request.ProjectID)
	if projectID == "" {
		err := fmt.Errorf("%w: join without project id", ErrProtocol)
		d.dropped(session, EventJoinRoom, err)
		return err
	}
	if !session.beginAuthorizing() {
		err := fmt.Errorf("%w: join on closed session", ErrProtocol)
		d.dropped(session, EventJoinRoom, err)
		return err
	}

	ctx, span := tracer.Start(ctx, "relay.join")
	defer span.End()
	span.SetAttributes(
		attribute.String("relay.project_id", projectID),
		attribute.String("relay.connection_id", session.ID()),
	)

	credential := strings.TrimSpace(request.Credential)
	if credential == "" {
		credential = session.cookieCredential
	}

	username, err := d.resolveIdentity(ctx, credential)
	if err != nil {
		d.audit.Record(ctx, audit.CategoryAuth, fmt.Sprintf(
			"join failed auth: connection=%s project=%s reason=%v", session.ID(), projectID, err))
		d.logger.Info("join rejected",
			zap.String("connection_id", session.ID()),
			zap.String("project_id", projectID),
			zap.String("reason", "auth_failed"),
			zap.Error(err))
		span.SetStatus(codes.Error, "auth failed")
		session.reject()
		session.send(Event{Name: EventAuthFailed})
		return ErrAuthFailed
	}
	session.authorize()

	if err := d.checkMembership(ctx, projectID, username); err != nil {
		d.audit.Record(ctx, audit.CategoryMembership, fmt.Sprintf(
			"join failed membership: %s not allowed on project %s connection=%s reason=%v", username, projectID, session.ID(), err))
		d.logger.Info("join rejected",
			zap.String("connection_id", session.ID()),
			zap.String("project_id", projectID),
			zap.String("username", username),
			zap.String("reason", "not_allowed"),
			zap.Error(err))
		span.SetStatus(codes.Error, "not allowed")
		session.reject()
		session.send(Event{Name: EventNotAllowed})
		return ErrNotAllowed
	}

	if err := d.enterRoom(ctx, session, projectID, username); err != nil {
		if errors.Is(err, errSessionClosed) {
			d.logger.Debug("join abandoned after disconnect",
				zap.String("connection_id", session.ID()),
				zap.String("project_id", projectID))
			return err
		}
		d.internalError(ctx, session, opJoin, "attach_failed", err)
		span.SetStatus(codes.Error, err.Error())
		return newRelayError(opJoin, "attach_failed", err)
	}

	d.audit.Record(ctx, audit.CategoryJoin, fmt.Sprintf(
		"join succeeded: %s joined project %s connection=%s", username, projectID, session.ID()))
	d.logger.Info("session joined",
		zap.String("connection_id", session.ID()),
		zap.String("project_id", projectID),
		zap.String("username", username))
	return nil
}

// HandleUpdate applies update to the joined room's document and relays it to
// the other members. It is a no-op for sessions that have not joined.
func (d *Dispatcher) HandleUpdate(ctx context.Context, session *Session, update []byte) {
	room := session.Room()
	if room == nil {
		d.dropped(session, EventUpdate, fmt.Errorf("%w: session not joined", ErrProtocol))
		return
	}
	if err := room.applyUpdate(session, update); err != nil {
		if errors.Is(err, errSessionClosed) {
			d.dropped(session, EventUpdate, err)
			return
		}
		d.internalError(ctx, session, opUpdate, "apply_failed", err)
	}
}

// HandlePresence stores and relays the session's cursor state.
func (d *Dispatcher) HandlePresence(session *Session, presence Presence) {
	room, username := session.membership()
	if room == nil || username == "" {
		d.dropped(session, EventCursor, fmt.Errorf("%w: session not joined", ErrProtocol))
		return
	}
	if !room.setPresence(session, username, presence) {
		d.dropped(session, EventCursor, fmt.Errorf("%w: session left room", ErrProtocol))
	}
}

// HandleChat stamps text into a chat message, records it in the room history
// and relays it to the members.
func (d *Dispatcher) HandleChat(ctx context.Context, session *Session, text string) {
	room, username := session.membership()
	if room == nil || username == "" {
		d.dropped(session, EventChat, fmt.Errorf("%w: session not joined", ErrProtocol))
		return
	}
	id, err := d.ids.NewID()
	if err != nil {
		d.internalError(ctx, session, opChat, "id_failed", err)
		return
	}
	message := ChatMessage{
		ID:        id,
		Username:  username,
		Text:      text,
		Timestamp: d.clock().UnixMilli(),
	}
	if !room.appendChat(session, message) {
		d.dropped(session, EventChat, fmt.Errorf("%w: session left room", ErrProtocol))
	}
}

// Disconnect closes session, removing it from its room and presence and
// announcing the departure to the remaining members.
func (d *Dispatcher) Disconnect(ctx context.Context, session *Session) {
	username := session.Username()
	room, first := session.close()
	if !first {
		return
	}
	if room != nil {
		removed, empty := room.detach(session, username)
		if removed {
			d.audit.Record(ctx, audit.CategoryLeave, fmt.Sprintf(
				"%s left project %s connection=%s", username, room.ProjectID(), session.ID()))
		}
		if empty {
			d.registry.release(room)
		}
	}
	d.audit.Record(ctx, audit.CategoryConnection, fmt.Sprintf("connection %s closed", session.ID()))
	d.logger.Debug("connection closed", zap.String("connection_id", session.ID()))
}

func (d *Dispatcher) resolveIdentity(ctx context.Context, credential string) (string, error) {
	if credential == "" {
		return "", fmt.Errorf("%w: missing credential", ErrAuthFailed)
	}
	callCtx, cancel := context.WithTimeout(ctx, d.registry.Options().AuthTimeout)
	defer cancel()
	username, err := d.identity.ResolveIdentity(callCtx, credential)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return "", fmt.Errorf("%w: empty identity", ErrAuthFailed)
	}
	return username, nil
}

func (d *Dispatcher) checkMembership(ctx context.Context, projectID, username string) error {
	if !d.registry.Options().RequireCollaboratorCheck {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, d.registry.Options().AuthTimeout)
	defer cancel()
	allowed, err := d.membership.IsCollaborator(callCtx, projectID, username)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotAllowed, err)
	}
	if !allowed {
		return ErrNotAllowed
	}
	return nil
}

// enterRoom moves session into the room of projectID. A session already in
// that room is resynchronised; a session in another room leaves it first.
func (d *Dispatcher) enterRoom(ctx context.Context, session *Session, projectID, username string) error {
	for attempt := 0; attempt < maxJoinAttempts; attempt++ {
		room := d.registry.GetOrCreate(projectID)
		current, currentUsername := session.membership()
		if current == room {
			return room.resync(session)
		}
		if current != nil {
			removed, empty := current.detach(session, currentUsername)
			session.unbindRoom(current)
			if removed {
				d.audit.Record(ctx, audit.CategoryLeave, fmt.Sprintf(
					"%s left project %s connection=%s", currentUsername, current.ProjectID(), session.ID()))
			}
			if empty {
				d.registry.release(current)
			}
		}
		err := room.attach(session, username)
		if errors.Is(err, errRoomClosed) {
			continue
		}
		return err
	}
	return errRoomClosed
}

func (d *Dispatcher) dropped(session *Session, event string, err error) {
	d.logger.Debug("event dropped",
		zap.String("connection_id", session.ID()),
		zap.String("event", event),
		zap.Error(err))
}

func (d *Dispatcher) internalError(ctx context.Context, session *Session, operation, reason string, err error) {
	d.logger.Error("relay handler error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("connection_id", session.ID()),
		zap.Error(err))
	d.audit.Record(ctx, audit.CategoryError, fmt.Sprintf(
		"%s.%s connection=%s: %v", operation, reason, session.ID(), err))
}

func (d *Dispatcher) recoverFrame(ctx context.Context, session *Session) {
	recovered := recover()
	if recovered == nil {
		return
	}
	d.logger.Error("relay handler panic",
		zap.String("operation", opFrame),
		zap.String("connection_id", session.ID()),
		zap.Any("panic", recovered),
		zap.ByteString("stack", debug.Stack()))
	d.audit.Record(ctx, audit.CategoryError, fmt.Sprintf(
		"%s.panic connection=%s: %v", opFrame, session.ID(), recovered))
}
