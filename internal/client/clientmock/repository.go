package clientmock

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/openkcm/identity-provider/internal/client"
	"github.com/openkcm/identity-provider/internal/serviceerr"
)

type RepositoryOption func(*Repository)

type Repository struct {
	mu      sync.Mutex
	clients map[uuid.UUID]client.Client

	findErr, createErr error
}

func WithClient(c client.Client) RepositoryOption {
	return func(r *Repository) { r.clients[c.ID] = c }
}
func WithFindError(err error) RepositoryOption {
	return func(r *Repository) { r.findErr = err }
}
func WithCreateError(err error) RepositoryOption {
	return func(r *Repository) { r.createErr = err }
}

var _ = client.Repository(&Repository{})

func NewInMemRepository(opts ...RepositoryOption) *Repository {
	r := &Repository{
		clients: make(map[uuid.UUID]client.Client),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Repository) Find(_ context.Context, id uuid.UUID) (client.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.findErr != nil {
		return client.Client{}, r.findErr
	}
	if c, ok := r.clients[id]; ok {
		return c, nil
	}
	return client.Client{}, serviceerr.ErrNotFound
}

func (r *Repository) FindByName(_ context.Context, name string) (client.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.findErr != nil {
		return client.Client{}, r.findErr
	}
	for _, c := range r.clients {
		if c.Name == name {
			return c, nil
		}
	}
	return client.Client{}, serviceerr.ErrNotFound
}

func (r *Repository) Create(_ context.Context, c client.Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.createErr != nil {
		return r.createErr
	}
	for _, existing := range r.clients {
		if existing.Name == c.Name {
			return serviceerr.ErrConflict
		}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	r.clients[c.ID] = c
	return nil
}
