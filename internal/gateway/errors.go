package gateway

import (
	"errors"
	"net/http"

	"github.com/mattjoyce/wecom-gateway/internal/message"
	"github.com/mattjoyce/wecom-gateway/internal/msgcrypt"
)

var (
	// ErrMalformedRequest reports missing query parameters or an unusable body.
	ErrMalformedRequest = errors.New("malformed request")

	errBodyTooLarge = errors.New("payload too large")
)

// statusFor maps a rejection cause to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, msgcrypt.ErrAuthentication),
		errors.Is(err, msgcrypt.ErrAuthenticity):
		return http.StatusForbidden
	case errors.Is(err, ErrExecutorClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, errBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrMalformedRequest),
		errors.Is(err, msgcrypt.ErrMalformedCiphertext),
		errors.Is(err, msgcrypt.ErrPadding),
		errors.Is(err, message.ErrMalformed),
		errors.Is(err, message.ErrNoEncrypt):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage is the only detail a rejected caller gets.
func publicMessage(status int) string {
	switch status {
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusBadRequest:
		return "bad request"
	case http.StatusRequestEntityTooLarge:
		return "payload too large"
	case http.StatusServiceUnavailable:
		return "service unavailable"
	default:
		return "internal error"
	}
}
