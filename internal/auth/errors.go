package auth

import "errors"

var (
	// ErrMissingCredential indicates the join or login request carried no credential.
	ErrMissingCredential = errors.New("auth: credential required")
	// ErrInvalidCredential indicates the identity provider rejected the credential.
	ErrInvalidCredential = errors.New("auth: invalid credential")
	// ErrGatewayUnavailable indicates the identity or project endpoint could not be reached
	// or answered with a non-success status.
	ErrGatewayUnavailable = errors.New("auth: gateway unavailable")
	// ErrInvalidGatewayConfig indicates the gateway was constructed without required settings.
	ErrInvalidGatewayConfig = errors.New("auth: invalid gateway config")
)
