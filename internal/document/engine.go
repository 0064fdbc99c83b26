package document

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrEmptyUpdate indicates an update blob without content.
	ErrEmptyUpdate = errors.New("document: empty update")
	// ErrMalformedState indicates a state blob that cannot be decoded.
	ErrMalformedState = errors.New("document: malformed state")
)

// Engine is the merge engine behind a project document. The relay treats it
// as opaque: updates go in, a full state blob comes out.
type Engine interface {
	ApplyUpdate(update []byte) error
	EncodeState() ([]byte, error)
}

// Factory creates the engine for a project the first time it is needed.
type Factory func(projectID string) Engine

// NewUpdateLogFactory returns a Factory producing empty UpdateLog engines.
func NewUpdateLogFactory() Factory {
	return func(string) Engine {
		return NewUpdateLog()
	}
}

// UpdateLog keeps every distinct update in arrival order. Its state blob is
// the sequence of updates, each prefixed by its uvarint length, so a client
// engine can replay it. Byte-identical updates are applied once.
type UpdateLog struct {
	mu      sync.Mutex
	updates [][]byte
	seen    map[string]struct{}
}

// NewUpdateLog returns an empty document.
func NewUpdateLog() *UpdateLog {
	return &UpdateLog{seen: make(map[string]struct{})}
}

// ApplyUpdate appends update unless an identical payload was already applied.
func (l *UpdateLog) ApplyUpdate(update []byte) error {
	if len(update) == 0 {
		return ErrEmptyUpdate
	}
	key := hashUpdate(update)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[key]; ok {
		return nil
	}
	l.seen[key] = struct{}{}
	l.updates = append(l.updates, append([]byte(nil), update...))
	return nil
}

// EncodeState serializes the full document. A new document encodes to an empty blob.
func (l *UpdateLog) EncodeState() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := 0
	for _, update := range l.updates {
		size += binary.MaxVarintLen64 + len(update)
	}
	state := make([]byte, 0, size)
	for _, update := range l.updates {
		state = binary.AppendUvarint(state, uint64(len(update)))
		state = append(state, update...)
	}
	return state, nil
}

// Len returns the number of distinct updates applied.
func (l *UpdateLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.updates)
}

// DecodeState splits a state blob produced by EncodeState back into updates.
func DecodeState(state []byte) ([][]byte, error) {
	var updates [][]byte
	for offset := 0; offset < len(state); {
		length, read := binary.Uvarint(state[offset:])
		if read <= 0 {
			return nil, fmt.Errorf("%w: bad length prefix at %d", ErrMalformedState, offset)
		}
		offset += read
		if length == 0 || uint64(len(state)-offset) < length {
			return nil, fmt.Errorf("%w: truncated update at %d", ErrMalformedState, offset)
		}
		end := offset + int(length)
		updates = append(updates, append([]byte(nil), state[offset:end]...))
		offset = end
	}
	return updates, nil
}

// Load replays a state blob into an empty or existing document.
func (l *UpdateLog) Load(state []byte) error {
	updates, err := DecodeState(state)
	if err != nil {
		return err
	}
	for _, update := range updates {
		if err := l.ApplyUpdate(update); err != nil {
			return err
		}
	}
	return nil
}

func hashUpdate(update []byte) string {
	sum := sha256.Sum256(update)
	return hex.EncodeToString(sum[:])
}
