package user

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/identity-provider/internal/serviceerr"
)

type Service struct {
	repo       Repository
	bcryptCost int
	now        func() time.Time

	// dummyHash is compared against when the username is unknown so both
	// failure paths take the same time.
	dummyHash func() []byte
}

type ServiceOption func(*Service)

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, bcryptCost int, opts ...ServiceOption) *Service {
	if bcryptCost < bcrypt.MinCost {
		bcryptCost = bcrypt.DefaultCost
	}

	s := &Service{
		repo:       repo,
		bcryptCost: bcryptCost,
		now:        time.Now,
	}
	s.dummyHash = sync.OnceValue(func() []byte {
		hash, _ := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), s.bcryptCost)
		return hash
	})
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s
}

// FindAndAuthenticate returns the user if password matches. All credential
// failures are reported as serviceerr.ErrAuthenticationFailed.
func (s *Service) FindAndAuthenticate(ctx context.Context, username, password string) (User, error) {
	u, err := s.repo.FindByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, serviceerr.ErrNotFound) {
			return User{}, fmt.Errorf("finding user: %w", err)
		}

		_ = bcrypt.CompareHashAndPassword(s.dummyHash(), []byte(password))

		return User{}, serviceerr.ErrAuthenticationFailed
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.HashedPassword), []byte(password)); err != nil {
		return User{}, serviceerr.ErrAuthenticationFailed
	}

	return u, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (User, error) {
	u, err := s.repo.Find(ctx, id)
	if err != nil {
		return User{}, fmt.Errorf("finding user %s: %w", id, err)
	}

	return u, nil
}

func (s *Service) GetByUsername(ctx context.Context, username string) (User, error) {
	u, err := s.repo.FindByUsername(ctx, username)
	if err != nil {
		return User{}, fmt.Errorf("finding user %q: %w", username, err)
	}

	return u, nil
}

// Create hashes password and stores a new user.
func (s *Service) Create(ctx context.Context, username, email, password string, admin bool) (User, error) {
	if username == "" || password == "" {
		return User{}, serviceerr.New(serviceerr.CodeInvalidRequest, "username and password are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return User{}, fmt.Errorf("hashing password: %w", err)
	}

	u := User{
		ID:             uuid.New(),
		Username:       username,
		Email:          email,
		HashedPassword: string(hash),
		Admin:          admin,
		CreatedAt:      s.now(),
	}
	if err := s.repo.Create(ctx, u); err != nil {
		return User{}, fmt.Errorf("creating user: %w", err)
	}

	return u, nil
}

// RecordLogin stamps the user's last login. Failures are logged only.
func (s *Service) RecordLogin(ctx context.Context, id uuid.UUID) {
	if err := s.repo.UpdateLastLogin(ctx, id, s.now()); err != nil {
		slogctx.Warn(ctx, "Could not update last login", "user_id", id, "error", err)
	}
}

func (s *Service) Passkeys(ctx context.Context, userID uuid.UUID) ([]Passkey, error) {
	passkeys, err := s.repo.ListPasskeys(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing passkeys: %w", err)
	}

	return passkeys, nil
}

// DeletePasskey removes a passkey owned by userID. A passkey of another user
// is reported as not found.
func (s *Service) DeletePasskey(ctx context.Context, userID, id uuid.UUID) error {
	if err := s.repo.DeletePasskey(ctx, userID, id); err != nil {
		return fmt.Errorf("deleting passkey: %w", err)
	}

	return nil
}

// AddPasskey stores a newly registered credential for userID.
func (s *Service) AddPasskey(ctx context.Context, userID uuid.UUID, name string, credentialID []byte, credential json.RawMessage) (Passkey, error) {
	p := Passkey{
		ID:           uuid.New(),
		UserID:       userID,
		Name:         name,
		CredentialID: credentialID,
		Credential:   credential,
		CreatedAt:    s.now(),
	}
	if err := s.repo.CreatePasskey(ctx, p); err != nil {
		return Passkey{}, fmt.Errorf("creating passkey: %w", err)
	}

	return p, nil
}

func (s *Service) PasskeyByCredentialID(ctx context.Context, credentialID []byte) (Passkey, error) {
	p, err := s.repo.FindPasskeyByCredentialID(ctx, credentialID)
	if err != nil {
		return Passkey{}, fmt.Errorf("finding passkey: %w", err)
	}

	return p, nil
}

// UsePasskey stores the credential state after an authentication and
// stamps the passkey as used.
func (s *Service) UsePasskey(ctx context.Context, id uuid.UUID, credential json.RawMessage) error {
	if err := s.repo.UpdatePasskeyCredential(ctx, id, credential, s.now()); err != nil {
		return fmt.Errorf("updating passkey: %w", err)
	}

	return nil
}
