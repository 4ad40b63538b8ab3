// Package user holds the accounts that sign in to the identity provider and
// the passkeys registered to them.
package user

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID             uuid.UUID
	Username       string
	Email          string
	HashedPassword string
	Admin          bool
	CreatedAt      time.Time
	LastLogin      *time.Time
}

// Passkey is a WebAuthn credential owned by a user. Credential carries the
// JSON encoding of the verified credential, including its sign counter.
type Passkey struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	Name         string
	CredentialID []byte
	Credential   json.RawMessage
	CreatedAt    time.Time
	LastUsed     *time.Time
}
