// Package sessionvalkey keeps sessions in Valkey. Expired sessions are
// dropped by Valkey itself through the key expiry.
package sessionvalkey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/openkcm/identity-provider/internal/serviceerr"
	"github.com/openkcm/identity-provider/internal/session"
)

type Repository struct {
	store *store
	now   func() time.Time
}

var _ = session.Repository(&Repository{})

func NewRepository(valkeyClient valkey.Client, prefix string) *Repository {
	return &Repository{
		store: newStore(valkeyClient, prefix),
		now:   time.Now,
	}
}

func (r *Repository) CreateSession(ctx context.Context, s session.Session) error {
	if err := r.store.Create(ctx, objectTypeSession, s.ID, s, s.ExpiresAt.Sub(r.now())); err != nil {
		return fmt.Errorf("storing session: %w", err)
	}

	return nil
}

func (r *Repository) LoadSession(ctx context.Context, sessionID string) (session.Session, error) {
	var s session.Session
	if err := r.store.Get(ctx, objectTypeSession, sessionID, &s); err != nil {
		return session.Session{}, fmt.Errorf("getting session: %w", err)
	}

	return s, nil
}

func (r *Repository) InvalidateSession(ctx context.Context, sessionID string) error {
	s, err := r.LoadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !s.Valid {
		return nil
	}

	s.Valid = false
	if err := r.store.Replace(ctx, objectTypeSession, sessionID, s); err != nil {
		// The key expired in between; there is nothing left to invalidate.
		if errors.Is(err, serviceerr.ErrNotFound) {
			return nil
		}

		return fmt.Errorf("invalidating session: %w", err)
	}

	return nil
}

// DeleteExpiredSessions removes invalidated sessions. Expired ones are
// already gone through the key expiry.
func (r *Repository) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64
	err := r.store.scan(ctx, objectTypeSession, func(id string) error {
		s, err := r.LoadSession(ctx, id)
		if errors.Is(err, serviceerr.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if s.Valid && before.Before(s.ExpiresAt) {
			return nil
		}
		if err := r.store.Destroy(ctx, objectTypeSession, id); err != nil {
			return err
		}
		deleted++

		return nil
	})
	if err != nil {
		return deleted, fmt.Errorf("deleting expired sessions: %w", err)
	}

	return deleted, nil
}
