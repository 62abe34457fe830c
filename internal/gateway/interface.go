package gateway

import "context"

//go:generate mockgen -destination=mocks/mock_gateway.go -package=mocks github.com/mattjoyce/wecom-gateway/internal/gateway Platform,Deduper
//go:generate mockgen -destination=mocks/mock_backend.go -package=mocks github.com/mattjoyce/wecom-gateway/internal/backend Backend,VisionBackend,HistoryRecorder

// Codec verifies and decrypts callback payloads. *msgcrypt.Crypter implements it.
type Codec interface {
	Verify(signature, timestamp, nonce, content string) bool
	Decrypt(encrypted string) (string, error)
}

// Platform is the outbound side of the platform API. *wecom.Messenger
// implements it.
type Platform interface {
	SendText(ctx context.Context, toUser, content string) error
	FetchMedia(ctx context.Context, mediaID string) ([]byte, string, error)
	FetchURL(ctx context.Context, rawURL string) ([]byte, string, error)
}

// Deduper remembers callback MsgIds. *dedupe.Store implements it.
type Deduper interface {
	MarkSeen(ctx context.Context, msgID, sender, msgType string) (bool, error)
	Forget(ctx context.Context, msgID string) error
}
