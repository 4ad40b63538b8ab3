package usermock

import (
	"bytes"
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openkcm/identity-provider/internal/serviceerr"
	"github.com/openkcm/identity-provider/internal/user"
)

type RepositoryOption func(*Repository)

type Repository struct {
	mu       sync.Mutex
	users    map[uuid.UUID]user.User
	passkeys map[uuid.UUID]user.Passkey

	findErr, createErr, updateErr, passkeyErr error
}

func WithUser(u user.User) RepositoryOption {
	return func(r *Repository) { r.users[u.ID] = u }
}
func WithPasskey(p user.Passkey) RepositoryOption {
	return func(r *Repository) { r.passkeys[p.ID] = p }
}
func WithFindError(err error) RepositoryOption {
	return func(r *Repository) { r.findErr = err }
}
func WithCreateError(err error) RepositoryOption {
	return func(r *Repository) { r.createErr = err }
}
func WithUpdateError(err error) RepositoryOption {
	return func(r *Repository) { r.updateErr = err }
}
func WithPasskeyError(err error) RepositoryOption {
	return func(r *Repository) { r.passkeyErr = err }
}

var _ = user.Repository(&Repository{})

func NewInMemRepository(opts ...RepositoryOption) *Repository {
	r := &Repository{
		users:    make(map[uuid.UUID]user.User),
		passkeys: make(map[uuid.UUID]user.Passkey),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// TGetUser is a helper method for tests to read a stored user.
func (r *Repository) TGetUser(id uuid.UUID) user.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[id]
}

// TGetPasskey is a helper method for tests to read a stored passkey.
func (r *Repository) TGetPasskey(id uuid.UUID) user.Passkey {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.passkeys[id]
}

func (r *Repository) Find(_ context.Context, id uuid.UUID) (user.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.findErr != nil {
		return user.User{}, r.findErr
	}
	if u, ok := r.users[id]; ok {
		return u, nil
	}
	return user.User{}, serviceerr.ErrNotFound
}

func (r *Repository) FindByUsername(_ context.Context, username string) (user.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.findErr != nil {
		return user.User{}, r.findErr
	}
	for _, u := range r.users {
		if u.Username == username {
			return u, nil
		}
	}
	return user.User{}, serviceerr.ErrNotFound
}

func (r *Repository) Create(_ context.Context, u user.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.createErr != nil {
		return r.createErr
	}
	for _, existing := range r.users {
		if existing.Username == u.Username {
			return serviceerr.ErrConflict
		}
	}
	r.users[u.ID] = u
	return nil
}

func (r *Repository) UpdateLastLogin(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.updateErr != nil {
		return r.updateErr
	}
	u, ok := r.users[id]
	if !ok {
		return serviceerr.ErrNotFound
	}
	u.LastLogin = &at
	r.users[id] = u
	return nil
}

func (r *Repository) ListPasskeys(_ context.Context, userID uuid.UUID) ([]user.Passkey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.passkeyErr != nil {
		return nil, r.passkeyErr
	}
	var passkeys []user.Passkey
	for _, p := range r.passkeys {
		if p.UserID == userID {
			passkeys = append(passkeys, p)
		}
	}
	slices.SortFunc(passkeys, func(a, b user.Passkey) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return passkeys, nil
}

func (r *Repository) FindPasskeyByCredentialID(_ context.Context, credentialID []byte) (user.Passkey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.passkeyErr != nil {
		return user.Passkey{}, r.passkeyErr
	}
	for _, p := range r.passkeys {
		if bytes.Equal(p.CredentialID, credentialID) {
			return p, nil
		}
	}
	return user.Passkey{}, serviceerr.ErrNotFound
}

func (r *Repository) CreatePasskey(_ context.Context, p user.Passkey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.passkeyErr != nil {
		return r.passkeyErr
	}
	for _, existing := range r.passkeys {
		if bytes.Equal(existing.CredentialID, p.CredentialID) {
			return serviceerr.ErrConflict
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	r.passkeys[p.ID] = p
	return nil
}

func (r *Repository) UpdatePasskeyCredential(_ context.Context, id uuid.UUID, credential json.RawMessage, usedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.passkeyErr != nil {
		return r.passkeyErr
	}
	p, ok := r.passkeys[id]
	if !ok {
		return serviceerr.ErrNotFound
	}
	p.Credential = credential
	p.LastUsed = &usedAt
	r.passkeys[id] = p
	return nil
}

func (r *Repository) DeletePasskey(_ context.Context, userID, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.passkeyErr != nil {
		return r.passkeyErr
	}
	p, ok := r.passkeys[id]
	if !ok || p.UserID != userID {
		return serviceerr.ErrNotFound
	}
	delete(r.passkeys, id)
	return nil
}
