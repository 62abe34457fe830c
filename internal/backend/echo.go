package backend

import (
	"context"
	"fmt"
)

// Echo acknowledges every message with a fixed template. It exercises the
// full delivery path without an AI behind it.
type Echo struct{}

// NewEcho returns an Echo backend.
func NewEcho() *Echo { return &Echo{} }

// Invoke quotes text back to the sender.
func (Echo) Invoke(_ context.Context, text, _ string) (string, error) {
	return fmt.Sprintf("收到你的消息了！\n\n你说: %q", text), nil
}
