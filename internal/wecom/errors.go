package wecom

import (
	"errors"
	"fmt"
)

// Platform error codes that mean the access token must be re-issued.
const (
	codeInvalidCredential = 40001
	codeInvalidToken      = 40014
	codeTokenExpired      = 42001
)

// APIError is a non-zero errcode returned by a platform API.
type APIError struct {
	Op      string
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: errcode %d: %s", e.Op, e.Code, e.Message)
}

// CredentialError reports a failed access token fetch. It is never cached.
type CredentialError struct {
	Code    int
	Message string
	Err     error
}

func (e *CredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch access token: %v", e.Err)
	}
	return fmt.Sprintf("fetch access token: errcode %d: %s", e.Code, e.Message)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// DeliveryError reports a reply that could not be sent to a user.
type DeliveryError struct {
	ToUser string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.ToUser, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsTokenRejected reports whether err carries an errcode meaning the access
// token used for the call is no longer accepted.
func IsTokenRejected(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case codeInvalidCredential, codeInvalidToken, codeTokenExpired:
		return true
	default:
		return false
	}
}
