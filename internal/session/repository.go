package session

import (
	"context"
	"time"
)

type Repository interface {
	CreateSession(ctx context.Context, s Session) error
	LoadSession(ctx context.Context, sessionID string) (Session, error)
	// InvalidateSession marks the session unusable. It never makes an
	// invalidated session valid again.
	InvalidateSession(ctx context.Context, sessionID string) error
	// DeleteExpiredSessions removes sessions that expired or were
	// invalidated before the given time and returns how many were removed.
	DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error)
}
