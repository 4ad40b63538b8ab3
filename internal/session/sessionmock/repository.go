package sessionmock

import (
	"context"
	"sync"
	"time"

	"github.com/openkcm/identity-provider/internal/serviceerr"
	"github.com/openkcm/identity-provider/internal/session"
)

type RepositoryOption func(*Repository)

type Repository struct {
	mu       sync.Mutex
	sessions map[string]session.Session

	loadErr, createErr, invalidateErr, deleteErr error
}

func WithSession(s session.Session) RepositoryOption {
	return func(r *Repository) { r.sessions[s.ID] = s }
}
func WithLoadSessionError(err error) RepositoryOption {
	return func(r *Repository) { r.loadErr = err }
}
func WithCreateSessionError(err error) RepositoryOption {
	return func(r *Repository) { r.createErr = err }
}
func WithInvalidateSessionError(err error) RepositoryOption {
	return func(r *Repository) { r.invalidateErr = err }
}
func WithDeleteSessionError(err error) RepositoryOption {
	return func(r *Repository) { r.deleteErr = err }
}

var _ = session.Repository(&Repository{})

func NewInMemRepository(opts ...RepositoryOption) *Repository {
	r := &Repository{
		sessions: make(map[string]session.Session),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Repository) CreateSession(_ context.Context, s session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.createErr != nil {
		return r.createErr
	}
	if _, ok := r.sessions[s.ID]; ok {
		return serviceerr.ErrConflict
	}
	r.sessions[s.ID] = s
	return nil
}

func (r *Repository) LoadSession(_ context.Context, sessionID string) (session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loadErr != nil {
		return session.Session{}, r.loadErr
	}
	if s, ok := r.sessions[sessionID]; ok {
		return s, nil
	}
	return session.Session{}, serviceerr.ErrNotFound
}

func (r *Repository) InvalidateSession(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.invalidateErr != nil {
		return r.invalidateErr
	}
	s, ok := r.sessions[sessionID]
	if !ok {
		return serviceerr.ErrNotFound
	}
	s.Valid = false
	r.sessions[sessionID] = s
	return nil
}

func (r *Repository) DeleteExpiredSessions(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.deleteErr != nil {
		return 0, r.deleteErr
	}
	var n int64
	for id, s := range r.sessions {
		if !s.Valid || !before.Before(s.ExpiresAt) {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored sessions.
func (r *Repository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sessions)
}
