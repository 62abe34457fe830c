package wecom

import (
	"context"
	"fmt"
	"log/slog"
)

// Messenger combines a Client with its TokenCache so callers can send and
// fetch without handling tokens.
type Messenger struct {
	client *Client
	tokens *TokenCache
	logger *slog.Logger
}

// NewMessenger returns a Messenger for client with its own token cache.
func NewMessenger(client *Client, logger *slog.Logger) *Messenger {
	return &Messenger{
		client: client,
		tokens: NewTokenCache(client, logger),
		logger: logger,
	}
}

// SendText delivers content to toUser in a single attempt. A token the
// platform rejects is invalidated so the next call starts fresh.
func (m *Messenger) SendText(ctx context.Context, toUser, content string) error {
	token, err := m.tokens.Get(ctx)
	if err != nil {
		return err
	}

	err = m.client.SendText(ctx, token, TextMessage{ToUser: toUser, Content: content})
	if err != nil {
		if IsTokenRejected(err) {
			m.tokens.Invalidate()
		}
		return err
	}
	return nil
}

// FetchMedia downloads a temporary media file by id.
func (m *Messenger) FetchMedia(ctx context.Context, mediaID string) ([]byte, string, error) {
	token, err := m.tokens.Get(ctx)
	if err != nil {
		return nil, "", err
	}

	data, contentType, err := m.client.FetchMedia(ctx, token, mediaID)
	if err != nil {
		if IsTokenRejected(err) {
			m.tokens.Invalidate()
		}
		return nil, "", fmt.Errorf("media %s: %w", mediaID, err)
	}
	return data, contentType, nil
}

// FetchURL downloads an image by URL.
func (m *Messenger) FetchURL(ctx context.Context, rawURL string) ([]byte, string, error) {
	return m.client.FetchURL(ctx, rawURL)
}
