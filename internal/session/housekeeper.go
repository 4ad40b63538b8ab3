package session

import (
	"context"
	"fmt"

	slogctx "github.com/veqryn/slog-context"
)

// CleanupExpiredSessions deletes sessions that expired or were invalidated.
func (m *Manager) CleanupExpiredSessions(ctx context.Context) error {
	n, err := m.sessions.DeleteExpiredSessions(ctx, m.now())
	if err != nil {
		return fmt.Errorf("deleting expired sessions: %w", err)
	}

	slogctx.Info(ctx, "Deleted expired sessions", "count", n)

	return nil
}
