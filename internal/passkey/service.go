// Package passkey registers WebAuthn credentials and signs users in with
// them.
package passkey

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/identity-provider/internal/config"
	"github.com/openkcm/identity-provider/internal/serviceerr"
	"github.com/openkcm/identity-provider/internal/user"
)

var errUnknownCeremony = errors.New("unknown ceremony type")

// Provider runs the cryptographic part of the ceremonies. *webauthn.WebAuthn
// implements it.
type Provider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	BeginDiscoverableLogin(opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
	ValidatePasskeyLogin(handler webauthn.DiscoverableUserHandler, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (webauthn.User, *webauthn.Credential, error)
}

type Parser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type protocolParser struct{}

func (protocolParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (protocolParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

type UserStore interface {
	Get(ctx context.Context, id uuid.UUID) (user.User, error)
	GetByUsername(ctx context.Context, username string) (user.User, error)
	Passkeys(ctx context.Context, userID uuid.UUID) ([]user.Passkey, error)
	AddPasskey(ctx context.Context, userID uuid.UUID, name string, credentialID []byte, credential json.RawMessage) (user.Passkey, error)
	PasskeyByCredentialID(ctx context.Context, credentialID []byte) (user.Passkey, error)
	UsePasskey(ctx context.Context, id uuid.UUID, credential json.RawMessage) error
}

// NewWebAuthn configures the relying party. Without explicit origins the
// origin of baseURL is accepted.
func NewWebAuthn(cfg config.WebAuthn, baseURL string) (*webauthn.WebAuthn, error) {
	origins := cfg.RPOrigins
	if len(origins) == 0 {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parsing base url: %w", err)
		}
		origins = []string{u.Scheme + "://" + u.Host}
	}

	timeout := webauthn.TimeoutConfig{Enforce: true, Timeout: cfg.CeremonyTimeout, TimeoutUVD: cfg.CeremonyTimeout}

	return webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     origins,
		Timeouts: webauthn.TimeoutsConfig{
			Login:        timeout,
			Registration: timeout,
		},
	})
}

type Service struct {
	provider   Provider
	parser     Parser
	users      UserStore
	ceremonies *CeremonyStore
}

type ServiceOption func(*Service)

func WithParser(parser Parser) ServiceOption {
	return func(s *Service) { s.parser = parser }
}

func NewService(provider Provider, users UserStore, ceremonies *CeremonyStore, opts ...ServiceOption) *Service {
	s := &Service{
		provider:   provider,
		parser:     protocolParser{},
		users:      users,
		ceremonies: ceremonies,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s
}

// StartRegistration begins registering a credential for u. A resident
// credential can be used without typing the username.
func (s *Service) StartRegistration(ctx context.Context, u user.User, resident bool) (*protocol.CredentialCreation, error) {
	wu, err := s.webAuthnUser(ctx, u)
	if err != nil {
		return nil, err
	}

	residentKey := protocol.ResidentKeyRequirementDiscouraged
	if resident {
		residentKey = protocol.ResidentKeyRequirementRequired
	}
	options := []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(residentKey),
	}
	if len(wu.credentials) > 0 {
		options = append(options, webauthn.WithExclusions(webauthn.Credentials(wu.credentials).CredentialDescriptors()))
	}

	creation, data, err := s.provider.BeginRegistration(wu, options...)
	if err != nil {
		return nil, fmt.Errorf("beginning registration: %w", err)
	}
	s.ceremonies.StartRegistration(u.ID, *data)

	return creation, nil
}

// FinishRegistration verifies the authenticator response and stores the
// new passkey under name.
func (s *Service) FinishRegistration(ctx context.Context, u user.User, name string, response []byte) (user.Passkey, error) {
	data, ok := s.ceremonies.FinishRegistration(u.ID)
	if !ok {
		return user.Passkey{}, serviceerr.New(serviceerr.CodeInvalidRequest, "no registration in progress")
	}

	parsed, err := s.parser.ParseCredentialCreationResponseBytes(response)
	if err != nil {
		slogctx.Info(ctx, "Could not parse registration response", "error", err)
		return user.Passkey{}, serviceerr.New(serviceerr.CodeInvalidRequest, "malformed credential")
	}

	wu, err := s.webAuthnUser(ctx, u)
	if err != nil {
		return user.Passkey{}, err
	}

	credential, err := s.provider.CreateCredential(wu, data, parsed)
	if err != nil {
		slogctx.Info(ctx, "Registration response rejected", "user_id", u.ID, "error", err)
		return user.Passkey{}, serviceerr.New(serviceerr.CodeInvalidRequest, "credential rejected")
	}

	raw, err := json.Marshal(credential)
	if err != nil {
		return user.Passkey{}, fmt.Errorf("encoding credential: %w", err)
	}

	if name == "" {
		name = "Passkey"
	}
	p, err := s.users.AddPasskey(ctx, u.ID, name, credential.ID, raw)
	if err != nil {
		return user.Passkey{}, err
	}

	slogctx.Info(ctx, "Passkey registered", "user_id", u.ID, "passkey_id", p.ID)

	return p, nil
}

// StartAuthentication begins a sign in. Without a username, or when the
// username has no passkeys, the ceremony is discoverable so the response does
// not reveal whether the account exists. It returns the ceremony id to finish
// with.
func (s *Service) StartAuthentication(ctx context.Context, username string) (string, *protocol.CredentialAssertion, error) {
	var (
		assertion *protocol.CredentialAssertion
		ceremony  Ceremony
	)

	wu, err := s.targetUser(ctx, username)
	if err != nil {
		return "", nil, err
	}

	if wu == nil {
		a, data, err := s.provider.BeginDiscoverableLogin()
		if err != nil {
			return "", nil, fmt.Errorf("beginning discoverable login: %w", err)
		}
		assertion, ceremony = a, DiscoverableCeremony{SessionData: *data}
	} else {
		a, data, err := s.provider.BeginLogin(wu)
		if err != nil {
			return "", nil, fmt.Errorf("beginning login: %w", err)
		}
		assertion, ceremony = a, TargetedCeremony{UserID: wu.user.ID, Username: wu.user.Username, SessionData: *data}
	}

	id, err := s.ceremonies.StartAuthentication(ceremony)
	if err != nil {
		return "", nil, fmt.Errorf("storing ceremony: %w", err)
	}

	return id, assertion, nil
}

// targetUser returns the passkey owner for username, or nil when the sign in
// has to be discoverable.
func (s *Service) targetUser(ctx context.Context, username string) (*webAuthnUser, error) {
	if username == "" {
		return nil, nil
	}

	u, err := s.users.GetByUsername(ctx, username)
	if errors.Is(err, serviceerr.ErrNotFound) {
		slogctx.Debug(ctx, "Unknown username, falling back to a discoverable ceremony")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	wu, err := s.webAuthnUser(ctx, u)
	if err != nil {
		return nil, err
	}
	if len(wu.credentials) == 0 {
		slogctx.Debug(ctx, "User has no passkeys, falling back to a discoverable ceremony", "user_id", u.ID)
		return nil, nil
	}

	return wu, nil
}

// FinishAuthentication verifies the assertion for ceremony id and returns
// the authenticated user. A resubmitted username must match the one the
// ceremony was started for. Every verification failure is reported as
// serviceerr.ErrAuthenticationFailed.
func (s *Service) FinishAuthentication(ctx context.Context, id string, response []byte, username string) (user.User, error) {
	ceremony, ok := s.ceremonies.FinishAuthentication(id)
	if !ok {
		slogctx.Info(ctx, "Unknown or expired ceremony")
		return user.User{}, serviceerr.ErrAuthenticationFailed
	}

	parsed, err := s.parser.ParseCredentialRequestResponseBytes(response)
	if err != nil {
		slogctx.Info(ctx, "Could not parse assertion", "error", err)
		return user.User{}, serviceerr.ErrAuthenticationFailed
	}

	var (
		u          user.User
		credential *webauthn.Credential
	)
	switch c := ceremony.(type) {
	case DiscoverableCeremony:
		u, credential, err = s.finishDiscoverable(ctx, c, parsed, username)
	case TargetedCeremony:
		u, credential, err = s.finishTargeted(ctx, c, parsed, username)
	default:
		return user.User{}, fmt.Errorf("%w: %T", errUnknownCeremony, ceremony)
	}
	if err != nil {
		slogctx.Info(ctx, "Assertion rejected", "error", err)
		return user.User{}, serviceerr.ErrAuthenticationFailed
	}

	if err := s.updateCredential(ctx, u.ID, credential); err != nil {
		return user.User{}, err
	}

	return u, nil
}

func (s *Service) finishDiscoverable(ctx context.Context, c DiscoverableCeremony, parsed *protocol.ParsedCredentialAssertionData, username string) (user.User, *webauthn.Credential, error) {
	handler := func(rawID, userHandle []byte) (webauthn.User, error) {
		userID, err := uuid.FromBytes(userHandle)
		if err != nil {
			return nil, fmt.Errorf("parsing user handle: %w", err)
		}

		p, err := s.users.PasskeyByCredentialID(ctx, rawID)
		if err != nil {
			return nil, err
		}
		if p.UserID != userID {
			return nil, errors.New("credential belongs to another user")
		}

		u, err := s.users.Get(ctx, userID)
		if err != nil {
			return nil, err
		}

		return s.webAuthnUser(ctx, u)
	}

	wu, credential, err := s.provider.ValidatePasskeyLogin(handler, c.SessionData, parsed)
	if err != nil {
		return user.User{}, nil, err
	}

	resolved, ok := wu.(*webAuthnUser)
	if !ok {
		return user.User{}, nil, fmt.Errorf("unexpected user type %T", wu)
	}
	if username != "" && username != resolved.user.Username {
		return user.User{}, nil, errors.New("username differs from credential owner")
	}

	return resolved.user, credential, nil
}

func (s *Service) finishTargeted(ctx context.Context, c TargetedCeremony, parsed *protocol.ParsedCredentialAssertionData, username string) (user.User, *webauthn.Credential, error) {
	if username != "" && username != c.Username {
		return user.User{}, nil, errors.New("username differs from ceremony")
	}

	p, err := s.users.PasskeyByCredentialID(ctx, parsed.RawID)
	if err != nil {
		return user.User{}, nil, err
	}
	if p.UserID != c.UserID {
		return user.User{}, nil, errors.New("credential belongs to another user")
	}

	u, err := s.users.Get(ctx, c.UserID)
	if err != nil {
		return user.User{}, nil, err
	}

	wu, err := s.webAuthnUser(ctx, u)
	if err != nil {
		return user.User{}, nil, err
	}

	credential, err := s.provider.ValidateLogin(wu, c.SessionData, parsed)
	if err != nil {
		return user.User{}, nil, err
	}

	return u, credential, nil
}

// updateCredential persists the sign counter and flags of a verified
// credential.
func (s *Service) updateCredential(ctx context.Context, userID uuid.UUID, credential *webauthn.Credential) error {
	p, err := s.users.PasskeyByCredentialID(ctx, credential.ID)
	if err != nil {
		return err
	}
	if p.UserID != userID {
		return serviceerr.ErrAuthenticationFailed
	}

	raw, err := json.Marshal(credential)
	if err != nil {
		return fmt.Errorf("encoding credential: %w", err)
	}

	return s.users.UsePasskey(ctx, p.ID, raw)
}

func (s *Service) webAuthnUser(ctx context.Context, u user.User) (*webAuthnUser, error) {
	passkeys, err := s.users.Passkeys(ctx, u.ID)
	if err != nil {
		return nil, err
	}

	credentials := make([]webauthn.Credential, 0, len(passkeys))
	for _, p := range passkeys {
		var credential webauthn.Credential
		if err := json.Unmarshal(p.Credential, &credential); err != nil {
			return nil, fmt.Errorf("decoding credential of passkey %s: %w", p.ID, err)
		}
		if !bytes.Equal(credential.ID, p.CredentialID) {
			slogctx.Warn(ctx, "Stored credential does not match its passkey", "passkey_id", p.ID)
			continue
		}
		credentials = append(credentials, credential)
	}

	return &webAuthnUser{user: u, credentials: credentials}, nil
}

type webAuthnUser struct {
	user        user.User
	credentials []webauthn.Credential
}

func (u *webAuthnUser) WebAuthnID() []byte {
	return u.user.ID[:]
}

func (u *webAuthnUser) WebAuthnName() string {
	return u.user.Username
}

func (u *webAuthnUser) WebAuthnDisplayName() string {
	return u.user.Username
}

func (u *webAuthnUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}
