package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/wecom-gateway/internal/protocol"
)

const maxResponseBytes = 1 << 20

// HTTPConfig configures an HTTP backend.
type HTTPConfig struct {
	URL     string
	APIKey  string
	Channel string
	Timeout time.Duration

	// HTTPClient overrides the default client.
	HTTPClient *http.Client
}

// HTTP forwards messages to a conversational service speaking the
// protocol envelope. It supports chat, vision and history recording.
type HTTP struct {
	baseURL string
	apiKey  string
	channel string
	client  *http.Client
	logger  *slog.Logger
}

var (
	_ Backend         = (*HTTP)(nil)
	_ VisionBackend   = (*HTTP)(nil)
	_ HistoryRecorder = (*HTTP)(nil)
)

// NewHTTP creates an HTTP backend. Deadlines come from the caller's context;
// cfg.Timeout only bounds requests made without one.
func NewHTTP(cfg HTTPConfig, logger *slog.Logger) *HTTP {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTP{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		channel: cfg.Channel,
		client:  client,
		logger:  logger,
	}
}

// Invoke sends a chat request.
func (h *HTTP) Invoke(ctx context.Context, text, userID string) (string, error) {
	return h.ask(ctx, "/chat", &protocol.Request{
		Kind:   protocol.KindChat,
		UserID: userID,
		Text:   text,
	})
}

// InvokeImage sends a vision request with the image inline.
func (h *HTTP) InvokeImage(ctx context.Context, image []byte, mimeType, userID string) (string, error) {
	return h.ask(ctx, "/vision", &protocol.Request{
		Kind:     protocol.KindVision,
		UserID:   userID,
		Image:    base64.StdEncoding.EncodeToString(image),
		MimeType: mimeType,
	})
}

// Record appends summary to the user's conversation history.
func (h *HTTP) Record(ctx context.Context, userID, summary string) error {
	_, err := h.post(ctx, "/history", &protocol.Request{
		Kind:   protocol.KindHistory,
		UserID: userID,
		Text:   summary,
	})
	return err
}

func (h *HTTP) ask(ctx context.Context, path string, req *protocol.Request) (string, error) {
	resp, err := h.post(ctx, path, req)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", ErrNoReply
	}
	return text, nil
}

func (h *HTTP) post(ctx context.Context, path string, req *protocol.Request) (*protocol.Response, error) {
	req.Protocol = protocol.Version
	req.RequestID = uuid.NewString()
	req.Channel = h.channel
	if deadline, ok := ctx.Deadline(); ok {
		req.DeadlineAt = deadline.UTC()
	}

	var body bytes.Buffer
	if err := protocol.EncodeRequest(&body, req); err != nil {
		return nil, &Error{Backend: "http", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, &body)
	if err != nil {
		return nil, &Error{Backend: "http", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	httpResp, err := h.client.Do(httpReq)
	if err != nil {
		if errors.Is(timeoutOr(ctx, err), ErrTimeout) {
			return nil, ErrTimeout
		}
		return nil, &Error{Backend: "http", Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return nil, &Error{
			Backend: "http",
			Err:     fmt.Errorf("unexpected status %d", httpResp.StatusCode),
			Stderr:  string(snippet),
		}
	}

	resp, raw, err := protocol.DecodeResponseLenient(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		if errors.Is(timeoutOr(ctx, err), ErrTimeout) {
			return nil, ErrTimeout
		}
		h.logger.Warn("invalid backend response", "path", path, "error", err, "bytes", len(raw))
		return nil, &Error{Backend: "http", Err: err}
	}
	if resp.Status == protocol.StatusError {
		return nil, &Error{Backend: "http", Err: errors.New(resp.Error)}
	}
	return resp, nil
}
