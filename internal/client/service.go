package client

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/openkcm/identity-provider/internal/serviceerr"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Get returns the client registered under name.
func (s *Service) Get(ctx context.Context, name string) (Client, error) {
	c, err := s.repo.FindByName(ctx, name)
	if err != nil {
		return Client{}, fmt.Errorf("finding client %q: %w", name, err)
	}

	return c, nil
}

// FindAndAuthenticate returns the client if secret matches. An unknown client
// and a wrong secret both yield serviceerr.ErrUnauthorizedClient.
func (s *Service) FindAndAuthenticate(ctx context.Context, name, secret string) (Client, error) {
	c, err := s.repo.FindByName(ctx, name)
	if err != nil {
		if errors.Is(err, serviceerr.ErrNotFound) {
			return Client{}, serviceerr.ErrUnauthorizedClient
		}

		return Client{}, fmt.Errorf("finding client: %w", err)
	}

	if secret == "" || subtle.ConstantTimeCompare([]byte(c.Secret), []byte(secret)) != 1 {
		return Client{}, serviceerr.ErrUnauthorizedClient
	}

	return c, nil
}

// Create registers c.
func (s *Service) Create(ctx context.Context, c Client) error {
	if c.Name == "" {
		return serviceerr.New(serviceerr.CodeInvalidRequest, "client name is required")
	}
	if len(c.RedirectURIs()) == 0 {
		return serviceerr.New(serviceerr.CodeInvalidRequest, "at least one redirect uri is required")
	}

	if err := s.repo.Create(ctx, c); err != nil {
		return fmt.Errorf("creating client: %w", err)
	}

	return nil
}
