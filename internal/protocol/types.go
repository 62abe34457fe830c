package protocol

import "time"

// Version is the only envelope version the gateway speaks.
const Version = 1

// Request kinds.
const (
	KindChat    = "chat"
	KindVision  = "vision"
	KindHistory = "history"
)

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request is the JSON envelope POSTed to an HTTP conversational backend.
type Request struct {
	Protocol  int    `json:"protocol"`
	RequestID string `json:"request_id"`
	Kind      string `json:"kind"` // chat | vision | history
	Channel   string `json:"channel"`
	UserID    string `json:"user_id"`
	Text      string `json:"text,omitempty"`

	// Image is base64 (std encoding) and only set for vision requests.
	Image    string `json:"image,omitempty"`
	MimeType string `json:"mime_type,omitempty"`

	DeadlineAt time.Time `json:"deadline_at"`
}

// Response is the JSON envelope returned by an HTTP conversational backend.
// An ok response with empty Text means the backend had nothing to say.
type Response struct {
	Status string `json:"status"` // ok | error
	Text   string `json:"text,omitempty"`
	Error  string `json:"error,omitempty"`
}
