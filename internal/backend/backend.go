// Package backend defines the conversational backend the gateway forwards
// user messages to, and its subprocess, HTTP and echo implementations.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/wecom-gateway/internal/config"
)

var (
	// ErrTimeout is returned when the backend did not answer before the
	// deadline on ctx.
	ErrTimeout = errors.New("backend timed out")

	// ErrNoReply is returned when the backend finished but produced no
	// usable reply text.
	ErrNoReply = errors.New("backend returned no reply")
)

// Error wraps any other backend failure.
type Error struct {
	Backend string
	Err     error

	// Stderr holds captured diagnostic output, if any. Never shown to users.
	Stderr string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s backend: %v", e.Backend, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Backend turns a user's text into a reply.
type Backend interface {
	Invoke(ctx context.Context, text, userID string) (string, error)
}

// VisionBackend is implemented by backends that can describe images.
type VisionBackend interface {
	InvokeImage(ctx context.Context, image []byte, mimeType, userID string) (string, error)
}

// HistoryRecorder is implemented by backends that keep per-user
// conversation history and want to hear about exchanges they did not
// originate, such as image replies.
type HistoryRecorder interface {
	Record(ctx context.Context, userID, summary string) error
}

// New builds the backend selected by cfg.Type.
func New(cfg config.BackendConfig, channel string, logger *slog.Logger) (Backend, error) {
	switch cfg.Type {
	case config.BackendSubprocess:
		return NewSubprocess(SubprocessConfig{
			Command: cfg.Command,
			Args:    cfg.Args,
			Timeout: cfg.Timeout,
		}, logger), nil
	case config.BackendHTTP:
		return NewHTTP(HTTPConfig{
			URL:     cfg.URL,
			APIKey:  cfg.APIKey,
			Channel: channel,
			Timeout: cfg.Timeout,
		}, logger), nil
	case config.BackendEcho:
		return NewEcho(), nil
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Type)
	}
}

// timeoutOr maps a deadline on ctx to ErrTimeout and leaves other errors alone.
func timeoutOr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
