package erp

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the requested resource does not exist on the
// backend (or the caller lacks permission to see it).
var ErrNotFound = errors.New("erp: not found")

// Auth failure reasons.
const (
	AuthReasonInvalidCredentials = "invalid_credentials"
	AuthReasonNetwork            = "network"
	AuthReasonAmbiguous          = "ambiguous_response"
	AuthReasonSessionExpired     = "session_expired"
)

// AuthError is returned when no authentication strategy produced an
// unambiguous success.
type AuthError struct {
	// Reason is one of the AuthReason* constants.
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("erp: authentication failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("erp: authentication failed (%s)", e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// MutationError is returned when a task mutation fails for a reason the
// user could plausibly retry.
type MutationError struct {
	Op  string
	Err error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("erp: %s failed: %v", e.Op, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

// ConfigurationError marks a backend-side scripting defect. The user
// must be told to contact an administrator rather than retry: the call
// will keep failing until the server script is fixed.
type ConfigurationError struct {
	Signature string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("erp: backend configuration defect: %s", e.Signature)
}

// UploadError is returned when an attachment upload fails.
type UploadError struct {
	Filename string
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("erp: upload %s failed: %v", e.Filename, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }
