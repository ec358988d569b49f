package api

import (
	"errors"
	"fmt"
)

// Sentinel errors for the two precondition failures every network
// operation shares. Callers branch on these with errors.Is.
var (
	// ErrNotConfigured means a required field (server URL, SSID) is
	// missing; the operation was not attempted.
	ErrNotConfigured = errors.New("required configuration missing")

	// ErrNoLink means the network link is down; the operation was not
	// attempted and may be retried on the next loop pass.
	ErrNoLink = errors.New("network link down")

	// ErrCredentialRejected means a candidate API credential failed
	// verification and was not adopted.
	ErrCredentialRejected = errors.New("candidate API credential rejected")
)

// HTTPError is a request that was delivered but rejected by the server.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("server rejected request: HTTP %d", e.Status)
}

// IsAuthError reports whether the rejection was an authentication or
// authorization failure.
func (e *HTTPError) IsAuthError() bool {
	return e.Status == 401 || e.Status == 403
}

// ParseError is a delivered response whose body could not be decoded.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed server response: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// UpdatePhase identifies where a firmware apply failed.
type UpdatePhase string

const (
	UpdatePhaseBegin    UpdatePhase = "begin"
	UpdatePhaseWrite    UpdatePhase = "write"
	UpdatePhaseFinalize UpdatePhase = "finalize"
)

// UpdateError is a failure during a firmware apply. After an UpdateError
// no partially written image is left bootable.
type UpdateError struct {
	Phase UpdatePhase
	Err   error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("firmware update failed during %s: %v", e.Phase, e.Err)
}

func (e *UpdateError) Unwrap() error { return e.Err }
