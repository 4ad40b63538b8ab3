package user

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Find(ctx context.Context, id uuid.UUID) (User, error)
	FindByUsername(ctx context.Context, username string) (User, error)
	Create(ctx context.Context, u User) error
	UpdateLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error

	ListPasskeys(ctx context.Context, userID uuid.UUID) ([]Passkey, error)
	FindPasskeyByCredentialID(ctx context.Context, credentialID []byte) (Passkey, error)
	CreatePasskey(ctx context.Context, p Passkey) error
	// UpdatePasskeyCredential stores the credential state after an
	// authentication and stamps LastUsed.
	UpdatePasskeyCredential(ctx context.Context, id uuid.UUID, credential json.RawMessage, usedAt time.Time) error
	// DeletePasskey removes the passkey id if it belongs to userID.
	DeletePasskey(ctx context.Context, userID, id uuid.UUID) error
}
