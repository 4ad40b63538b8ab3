package passkey

import (
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"github.com/openkcm/identity-provider/internal/random"
	"github.com/openkcm/identity-provider/internal/tokenstore"
)

const ceremonyIDSuffixLength = 8

// Ceremony is a started authentication, either DiscoverableCeremony or
// TargetedCeremony.
type Ceremony interface {
	isCeremony()
}

// DiscoverableCeremony lets the authenticator pick the credential. The user
// is only known once the assertion arrives.
type DiscoverableCeremony struct {
	SessionData webauthn.SessionData
}

// TargetedCeremony was started for a named user.
type TargetedCeremony struct {
	UserID      uuid.UUID
	Username    string
	SessionData webauthn.SessionData
}

func (DiscoverableCeremony) isCeremony() {}
func (TargetedCeremony) isCeremony()     {}

// CeremonyStore keeps WebAuthn ceremonies between their start and finish
// calls. Registrations are keyed by user, one at a time; authentications by
// a ceremony id derived from the start time.
type CeremonyStore struct {
	registrations   *tokenstore.Store[uuid.UUID, webauthn.SessionData]
	authentications *tokenstore.Store[string, Ceremony]
}

func NewCeremonyStore(window time.Duration, now func() time.Time) *CeremonyStore {
	if now == nil {
		now = time.Now
	}

	ceremonyID := func() (string, error) {
		suffix, err := random.String(ceremonyIDSuffixLength)
		if err != nil {
			return "", err
		}

		return now().UTC().Format(time.RFC3339Nano) + "." + suffix, nil
	}

	return &CeremonyStore{
		registrations: tokenstore.New(window,
			tokenstore.WithClock[uuid.UUID, webauthn.SessionData](now),
		),
		authentications: tokenstore.New(window,
			tokenstore.WithClock[string, Ceremony](now),
			tokenstore.WithKeyFunc[string, Ceremony](ceremonyID),
		),
	}
}

// StartRegistration replaces any registration in progress for userID.
func (s *CeremonyStore) StartRegistration(userID uuid.UUID, data webauthn.SessionData) {
	s.registrations.Put(userID, data)
}

func (s *CeremonyStore) FinishRegistration(userID uuid.UUID) (webauthn.SessionData, bool) {
	token, ok := s.registrations.Fetch(userID)
	return token.Payload, ok
}

// StartAuthentication stores c and returns its ceremony id.
func (s *CeremonyStore) StartAuthentication(c Ceremony) (string, error) {
	return s.authentications.Create(c)
}

func (s *CeremonyStore) FinishAuthentication(id string) (Ceremony, bool) {
	token, ok := s.authentications.Fetch(id)
	return token.Payload, ok
}

// Evict drops expired ceremonies and returns how many were dropped.
func (s *CeremonyStore) Evict() int {
	return s.registrations.Evict() + s.authentications.Evict()
}
