package session

import (
	"time"

	"github.com/google/uuid"
)

// Session is the server side record behind a session cookie or an access
// token. Browser sessions have no ClientID; client sessions are issued by the
// token endpoint and their ID is the access token.
type Session struct {
	ID        string
	UserID    uuid.UUID
	ClientID  uuid.NullUUID
	Scope     string
	CreatedAt time.Time
	ExpiresAt time.Time
	Valid     bool
}

// Usable reports whether the session may authenticate a request at now.
func (s Session) Usable(now time.Time) bool {
	return s.Valid && now.Before(s.ExpiresAt)
}

// IsClientSession reports whether the session was issued to an OAuth client.
func (s Session) IsClientSession() bool {
	return s.ClientID.Valid
}
