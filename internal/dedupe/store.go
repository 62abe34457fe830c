package dedupe

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// DefaultTTL is how long a MsgId is remembered when no TTL is configured.
const DefaultTTL = 24 * time.Hour

// timeLayout is fixed width so stored timestamps compare lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store remembers callback MsgIds so platform retries of an already
// acknowledged message are not dispatched twice.
type Store struct {
	db     *sql.DB
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewStore returns a Store backed by db. db must have been bootstrapped by
// storage.OpenSQLite.
func NewStore(db *sql.DB, ttl time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		db:     db,
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
	}
}

// MarkSeen records msgID and reports whether it had already been recorded
// within the TTL. Expired records are refreshed and reported as new.
func (s *Store) MarkSeen(ctx context.Context, msgID, sender, msgType string) (bool, error) {
	if msgID == "" {
		return false, fmt.Errorf("msg id is empty")
	}

	now := s.now().UTC()
	cutoff := now.Add(-s.ttl)

	res, err := s.db.ExecContext(ctx, `
INSERT INTO processed_callbacks(msg_id, sender, msg_type, seen_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(msg_id) DO UPDATE SET
  sender = excluded.sender,
  msg_type = excluded.msg_type,
  seen_at = excluded.seen_at
WHERE processed_callbacks.seen_at < ?;
`, msgID, sender, msgType, now.Format(timeLayout), cutoff.Format(timeLayout))
	if err != nil {
		return false, fmt.Errorf("record msg id: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 0, nil
}

// Forget removes msgID so its next delivery is treated as new.
func (s *Store) Forget(ctx context.Context, msgID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM processed_callbacks WHERE msg_id = ?;", msgID); err != nil {
		return fmt.Errorf("forget msg id: %w", err)
	}
	return nil
}

// Prune deletes records older than the TTL and returns how many were removed.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.ttl).Format(timeLayout)

	res, err := s.db.ExecContext(ctx, "DELETE FROM processed_callbacks WHERE seen_at < ?;", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune processed callbacks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// Start prunes expired records every interval until ctx is cancelled.
func (s *Store) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := s.Prune(ctx)
			if err != nil {
				s.logger.Error("failed to prune processed callbacks", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("pruned processed callbacks", "count", n)
			}
		}
	}
}
