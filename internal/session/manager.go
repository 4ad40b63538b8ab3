// Package session binds browser cookies and access tokens to server side
// session records.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	otlpaudit "github.com/openkcm/common-sdk/pkg/otlp/audit"
	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/identity-provider/internal/config"
	"github.com/openkcm/identity-provider/internal/random"
	"github.com/openkcm/identity-provider/internal/serviceerr"
	"github.com/openkcm/identity-provider/internal/user"
)

const (
	defaultSessionCookieName  = "__Host-Session"
	defaultRedirectCookieName = "__Host-Redirect"

	auditSource = "identity provider"
)

// UserLookup resolves the user a session belongs to.
type UserLookup interface {
	Get(ctx context.Context, id uuid.UUID) (user.User, error)
}

// UserSession is an authenticated browser session.
type UserSession struct {
	Session Session
	User    user.User
}

// AdminSession is a UserSession whose user is an administrator.
type AdminSession struct {
	UserSession
}

type Manager struct {
	sessions Repository
	users    UserLookup
	audit    *otlpaudit.AuditLogger

	userSessionDuration   time.Duration
	clientSessionDuration time.Duration
	tokenLength           int

	sessionCookieTemplate  config.CookieTemplate
	redirectCookieTemplate config.CookieTemplate

	now func() time.Time
}

type ManagerOption func(*Manager)

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func WithAuditLogger(audit *otlpaudit.AuditLogger) ManagerOption {
	return func(m *Manager) { m.audit = audit }
}

func NewManager(cfg *config.IdentityProvider, sessions Repository, users UserLookup, opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions:               sessions,
		users:                  users,
		userSessionDuration:    cfg.UserSessionDuration,
		clientSessionDuration:  cfg.ClientSessionDuration,
		tokenLength:            cfg.SecureTokenLength,
		sessionCookieTemplate:  cfg.SessionCookie.WithDefaultName(defaultSessionCookieName),
		redirectCookieTemplate: cfg.RedirectCookie.WithDefaultName(defaultRedirectCookieName),
		now:                    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	return m
}

// Login creates a browser session for u and sets the session cookie.
func (m *Manager) Login(ctx context.Context, w http.ResponseWriter, u user.User) (Session, error) {
	s, err := m.create(ctx, u.ID, uuid.NullUUID{}, "", m.userSessionDuration)
	if err != nil {
		m.sendUserLoginFailureAudit(ctx, u.ID.String(), "failed to store session")
		return Session{}, err
	}

	cookie, err := m.MakeSessionCookie(ctx, s.ID)
	if err != nil {
		return Session{}, err
	}
	http.SetCookie(w, cookie)

	m.sendUserLoginSuccessAudit(ctx, u.ID.String())
	slogctx.Info(ctx, "User logged in", "user_id", u.ID)

	return s, nil
}

// Current returns the browser session of r. Any failure, including internal
// errors, yields false; internal errors are logged.
func (m *Manager) Current(ctx context.Context, r *http.Request) (UserSession, bool) {
	cookie, err := r.Cookie(m.sessionCookieTemplate.Name)
	if err != nil || cookie.Value == "" {
		return UserSession{}, false
	}

	us, err := m.resolve(ctx, cookie.Value)
	if err != nil {
		if !isExpected(err) {
			slogctx.Error(ctx, "Could not resolve session", "error", err)
		}
		return UserSession{}, false
	}
	if us.Session.IsClientSession() {
		return UserSession{}, false
	}

	return us, true
}

// Require is Current with a serviceerr.ErrUnauthorized failure.
func (m *Manager) Require(ctx context.Context, r *http.Request) (UserSession, error) {
	us, ok := m.Current(ctx, r)
	if !ok {
		return UserSession{}, serviceerr.ErrUnauthorized
	}

	return us, nil
}

// Admin returns the session of r if its user is an administrator.
func (m *Manager) Admin(ctx context.Context, r *http.Request) (AdminSession, error) {
	us, err := m.Require(ctx, r)
	if err != nil {
		return AdminSession{}, err
	}
	if !us.User.Admin {
		return AdminSession{}, serviceerr.ErrForbidden
	}

	return AdminSession{UserSession: us}, nil
}

// Destroy invalidates us and clears the session cookie.
func (m *Manager) Destroy(ctx context.Context, w http.ResponseWriter, us UserSession) error {
	http.SetCookie(w, m.sessionCookieTemplate.ToExpiredCookie())

	if err := m.sessions.InvalidateSession(ctx, us.Session.ID); err != nil {
		return fmt.Errorf("invalidating session: %w", err)
	}

	slogctx.Info(ctx, "User logged out", "user_id", us.User.ID)

	return nil
}

// Invalidate revokes any session by id.
func (m *Manager) Invalidate(ctx context.Context, sessionID string) error {
	if err := m.sessions.InvalidateSession(ctx, sessionID); err != nil {
		return fmt.Errorf("invalidating session: %w", err)
	}

	return nil
}

// CreateClientSession issues an access token for clientID acting on behalf
// of userID.
func (m *Manager) CreateClientSession(ctx context.Context, userID, clientID uuid.UUID, scope string) (Session, error) {
	return m.create(ctx, userID, uuid.NullUUID{UUID: clientID, Valid: true}, scope, m.clientSessionDuration)
}

// Bearer resolves an access token issued by CreateClientSession.
func (m *Manager) Bearer(ctx context.Context, token string) (UserSession, error) {
	if token == "" {
		return UserSession{}, serviceerr.ErrUnauthorized
	}

	us, err := m.resolve(ctx, token)
	if err != nil {
		if isExpected(err) {
			return UserSession{}, serviceerr.ErrUnauthorized
		}
		return UserSession{}, err
	}
	if !us.Session.IsClientSession() {
		return UserSession{}, serviceerr.ErrUnauthorized
	}

	return us, nil
}

// ClientSessionDuration is the lifetime of access tokens.
func (m *Manager) ClientSessionDuration() time.Duration {
	return m.clientSessionDuration
}

// StoreRedirect remembers a local path to continue at after a login that
// does not carry its own return location.
func (m *Manager) StoreRedirect(w http.ResponseWriter, path string) {
	if !isLocalPath(path) {
		return
	}
	http.SetCookie(w, m.redirectCookieTemplate.ToCookie(path))
}

// TakeRedirect returns and clears the stored redirect, or "/".
func (m *Manager) TakeRedirect(w http.ResponseWriter, r *http.Request) string {
	cookie, err := r.Cookie(m.redirectCookieTemplate.Name)
	if err != nil {
		return "/"
	}
	http.SetCookie(w, m.redirectCookieTemplate.ToExpiredCookie())

	if !isLocalPath(cookie.Value) {
		return "/"
	}

	return cookie.Value
}

func (m *Manager) MakeSessionCookie(ctx context.Context, value string) (*http.Cookie, error) {
	sessionCookie := m.sessionCookieTemplate.ToCookie(value)

	err := sessionCookie.Valid()
	if err != nil {
		return nil, fmt.Errorf("invalid session cookie: %w", err)
	}

	if !strings.HasPrefix(sessionCookie.Name, "__Host-") {
		slogctx.Warn(ctx, "Session cookie name does not start with __Host-; this is not recommended in production environments")
	}
	if !sessionCookie.Secure {
		slogctx.Warn(ctx, "Session cookie is not marked as Secure; this is not recommended in production environments")
	}
	if !sessionCookie.HttpOnly {
		slogctx.Warn(ctx, "Session cookie is not marked as HttpOnly; this is not recommended in production environments")
	}

	return sessionCookie, nil
}

func (m *Manager) create(ctx context.Context, userID uuid.UUID, clientID uuid.NullUUID, scope string, validity time.Duration) (Session, error) {
	id, err := random.Token(m.tokenLength)
	if err != nil {
		return Session{}, fmt.Errorf("generating session id: %w", err)
	}

	now := m.now()
	s := Session{
		ID:        id,
		UserID:    userID,
		ClientID:  clientID,
		Scope:     scope,
		CreatedAt: now,
		ExpiresAt: now.Add(validity),
		Valid:     true,
	}
	if err := m.sessions.CreateSession(ctx, s); err != nil {
		return Session{}, fmt.Errorf("storing session: %w", err)
	}

	return s, nil
}

func (m *Manager) resolve(ctx context.Context, sessionID string) (UserSession, error) {
	s, err := m.sessions.LoadSession(ctx, sessionID)
	if err != nil {
		return UserSession{}, fmt.Errorf("loading session: %w", err)
	}
	if !s.Usable(m.now()) {
		return UserSession{}, serviceerr.ErrUnauthorized
	}

	u, err := m.users.Get(ctx, s.UserID)
	if err != nil {
		return UserSession{}, fmt.Errorf("loading session user: %w", err)
	}

	return UserSession{Session: s, User: u}, nil
}

func (m *Manager) sendUserLoginSuccessAudit(ctx context.Context, userID string) {
	if m.audit == nil {
		return
	}

	metadata, err := otlpaudit.NewEventMetadata(auditSource, userID, uuid.NewString())
	if err != nil {
		slogctx.Error(ctx, "creating audit metadata", "error", err)
		return
	}

	event, err := otlpaudit.NewUserLoginSuccessEvent(metadata, userID, otlpaudit.LOGINMETHOD_OPENIDCONNECT, otlpaudit.MFATYPE_NONE, otlpaudit.USERTYPE_BUSINESS, userID)
	if err != nil {
		slogctx.Error(ctx, "creating audit log", "error", err)
		return
	}

	if err := m.audit.SendEvent(ctx, event); err != nil {
		slogctx.Error(ctx, "Failed to send audit log for user login success", "error", err)
	}
}

// sendUserLoginFailureAudit creates the user-login-failure audit event and sends it.
// Errors are logged and not returned.
func (m *Manager) sendUserLoginFailureAudit(ctx context.Context, objectID, reason string) {
	if m.audit == nil {
		slogctx.Warn(ctx, "audit logger is nil; skipping user login failure event")
		return
	}

	metadata, err := otlpaudit.NewEventMetadata(auditSource, objectID, uuid.NewString())
	if err != nil {
		slogctx.Error(ctx, "creating audit metadata", "error", err)
		return
	}

	event, err := otlpaudit.NewUserLoginFailureEvent(metadata, objectID, otlpaudit.LOGINMETHOD_OPENIDCONNECT, otlpaudit.FailReason(reason), objectID)
	if err != nil {
		slogctx.Error(ctx, "creating audit log", "error", err)
		return
	}

	if err := m.audit.SendEvent(ctx, event); err != nil {
		slogctx.Error(ctx, "Failed to send audit log for user login failure", "error", err)
	}
	slogctx.Debug(ctx, "sent audit log for user login failure")
}

// AuditLoginFailure records a failed login attempt for username.
func (m *Manager) AuditLoginFailure(ctx context.Context, username, reason string) {
	m.sendUserLoginFailureAudit(ctx, username, reason)
}

func isExpected(err error) bool {
	return errors.Is(err, serviceerr.ErrNotFound) || errors.Is(err, serviceerr.ErrUnauthorized)
}

func isLocalPath(p string) bool {
	return strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "//") && !strings.HasPrefix(p, "/\\")
}
