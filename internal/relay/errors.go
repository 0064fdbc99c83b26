package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthFailed indicates the credential was missing, invalid or could not be verified.
	ErrAuthFailed = errors.New("relay: authentication failed")
	// ErrNotAllowed indicates the identity is not a collaborator or membership could not be verified.
	ErrNotAllowed = errors.New("relay: not a collaborator")
	// ErrProtocol indicates an event arrived in a state that does not accept it.
	ErrProtocol = errors.New("relay: protocol violation")

	errRoomClosed        = errors.New("relay: room closed")
	errSessionClosed     = errors.New("relay: session closed")
	errMissingRegistry   = errors.New("relay: registry is required")
	errMissingIdentity   = errors.New("relay: identity resolver is required")
	errMissingMembership = errors.New("relay: membership checker is required")
)

const (
	opNewDispatcher = "relay.dispatcher.new"
	opJoin          = "relay.join"
	opUpdate        = "relay.update"
	opChat          = "relay.chat"
	opFrame         = "relay.frame"
)

// RelayError carries an operation.reason code alongside the underlying cause.
type RelayError struct {
	code string
	err  error
}

func (e *RelayError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *RelayError) Unwrap() error {
	return e.err
}

func (e *RelayError) Code() string {
	return e.code
}

func newRelayError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &RelayError{code: code, err: cause}
}
