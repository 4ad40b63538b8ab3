package client

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Find(ctx context.Context, id uuid.UUID) (Client, error)
	FindByName(ctx context.Context, name string) (Client, error)
	Create(ctx context.Context, c Client) error
}
