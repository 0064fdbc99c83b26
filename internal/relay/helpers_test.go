package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/collabrelay/internal/audit"
	"go.uber.org/zap"
)

var errUnknownCredential = errors.New("unknown credential")

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Deliver(event Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return true
}

func (s *recordingSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make([]Event, len(s.events))
	copy(copied, s.events)
	return copied
}

func (s *recordingSink) named(name string) []Event {
	var matched []Event
	for _, event := range s.all() {
		if event.Name == name {
			matched = append(matched, event)
		}
	}
	return matched
}

func (s *recordingSink) names() []string {
	events := s.all()
	names := make([]string, 0, len(events))
	for _, event := range events {
		names = append(names, event.Name)
	}
	return names
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}

type stubIdentity struct {
	users map[string]string
	calls int32
	gate  chan struct{}
}

func (s *stubIdentity) ResolveIdentity(ctx context.Context, credential string) (string, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	username, ok := s.users[credential]
	if !ok {
		return "", errUnknownCredential
	}
	return username, nil
}

type stubMembership struct {
	collaborators map[string][]string
	calls         int32
	block         bool
}

func (s *stubMembership) IsCollaborator(ctx context.Context, projectID, username string) (bool, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.block {
		<-ctx.Done()
		return false, ctx.Err()
	}
	for _, candidate := range s.collaborators[projectID] {
		if candidate == username {
			return true, nil
		}
	}
	return false, nil
}

type auditRecord struct {
	category audit.Category
	message  string
}

type recordingAudit struct {
	mu      sync.Mutex
	records []auditRecord
}

func (a *recordingAudit) Record(_ context.Context, category audit.Category, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, auditRecord{category: category, message: message})
}

func (a *recordingAudit) count(category audit.Category) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, record := range a.records {
		if record.category == category {
			total++
		}
	}
	return total
}

type sequenceIDs struct {
	next int32
}

func (s *sequenceIDs) NewID() (string, error) {
	value := atomic.AddInt32(&s.next, 1)
	return fmt.Sprintf("msg-%d", value), nil
}

type relayFixture struct {
	dispatcher *Dispatcher
	registry   *Registry
	identity   *stubIdentity
	membership *stubMembership
	audit      *recordingAudit
}

var fixedClock = func() time.Time {
	return time.UnixMilli(1700000000000)
}

func newRelayFixture(t *testing.T, options Options) *relayFixture {
	t.Helper()
	registry := NewRegistry(RegistryConfig{Options: options, Logger: zap.NewNop()})
	identity := &stubIdentity{users: map[string]string{
		"cred-alice": "alice",
		"cred-bob":   "bob",
		"cred-carol": "carol",
	}}
	membership := &stubMembership{collaborators: map[string][]string{
		"p1": {"alice", "bob"},
		"p2": {"alice", "bob"},
	}}
	recorder := &recordingAudit{}
	dispatcher, err := NewDispatcher(DispatcherConfig{
		Registry:   registry,
		Identity:   identity,
		Membership: membership,
		Audit:      recorder,
		IDProvider: &sequenceIDs{},
		Clock:      fixedClock,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return &relayFixture{
		dispatcher: dispatcher,
		registry:   registry,
		identity:   identity,
		membership: membership,
		audit:      recorder,
	}
}

func (f *relayFixture) connect(id string) (*Session, *recordingSink) {
	sink := &recordingSink{}
	return f.dispatcher.Connect(context.Background(), id, sink, ""), sink
}

func (f *relayFixture) join(t *testing.T, id, projectID, credential string) (*Session, *recordingSink) {
	t.Helper()
	session, sink := f.connect(id)
	if err := f.dispatcher.HandleJoin(context.Background(), session, JoinRequest{ProjectID: projectID, Credential: credential}); err != nil {
		t.Fatalf("join %s to %s: %v", id, projectID, err)
	}
	return session, sink
}
