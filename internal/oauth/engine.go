// Package oauth implements the authorization code flow:
// authorize, login, grant and token.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zitadel/oidc/v3/pkg/oidc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/identity-provider/internal/authstate"
	"github.com/openkcm/identity-provider/internal/client"
	"github.com/openkcm/identity-provider/internal/idtoken"
	"github.com/openkcm/identity-provider/internal/serviceerr"
	"github.com/openkcm/identity-provider/internal/session"
	"github.com/openkcm/identity-provider/internal/tokenstore"
	"github.com/openkcm/identity-provider/internal/user"
)

const (
	ResponseTypeCode           = "code"
	GrantTypeAuthorizationCode = "authorization_code"

	LoginPath = "/oauth/login"
	GrantPath = "/oauth/grant"

	scopeOpenID = "openid"
)

// Code is the payload behind an authorization code.
type Code struct {
	UserID      uuid.UUID
	Username    string
	ClientID    uuid.UUID
	ClientName  string
	RedirectURI string
	Scope       string
}

type CodeStore = tokenstore.Store[string, Code]

type ClientService interface {
	Get(ctx context.Context, name string) (client.Client, error)
	FindAndAuthenticate(ctx context.Context, name, secret string) (client.Client, error)
}

type UserService interface {
	FindAndAuthenticate(ctx context.Context, username, password string) (user.User, error)
	Get(ctx context.Context, id uuid.UUID) (user.User, error)
	RecordLogin(ctx context.Context, id uuid.UUID)
}

type SessionBinding interface {
	Login(ctx context.Context, w http.ResponseWriter, u user.User) (session.Session, error)
	CreateClientSession(ctx context.Context, userID, clientID uuid.UUID, scope string) (session.Session, error)
	ClientSessionDuration() time.Duration
	AuditLoginFailure(ctx context.Context, username, reason string)
}

// GrantStep is the outcome of entering the grant step. Either Redirect is
// set, or the user has to be asked for consent about State.
type GrantStep struct {
	State    authstate.AuthState
	Redirect string
}

func (g GrantStep) NeedsConsent() bool {
	return g.Redirect == ""
}

// TokenRequest is a parsed token endpoint call. The client credentials are
// taken from HTTP Basic authentication or the form by the caller.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
}

type Engine struct {
	clients  ClientService
	users    UserService
	sessions SessionBinding
	codec    *authstate.Codec
	codes    *CodeStore
	throttle *Throttle
	signer   *idtoken.Signer

	flowSteps metric.Int64Counter
	now       func() time.Time
}

type EngineOption func(*Engine)

func WithIDTokenSigner(signer *idtoken.Signer) EngineOption {
	return func(e *Engine) { e.signer = signer }
}

func WithThrottle(throttle *Throttle) EngineOption {
	return func(e *Engine) { e.throttle = throttle }
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func NewEngine(clients ClientService, users UserService, sessions SessionBinding, codec *authstate.Codec, codes *CodeStore, opts ...EngineOption) (*Engine, error) {
	flowSteps, err := otel.Meter("identity-provider/oauth").Int64Counter("oauth.flow_step",
		metric.WithDescription("Authorization flow steps by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating flow step counter: %w", err)
	}

	e := &Engine{
		clients:   clients,
		users:     users,
		sessions:  sessions,
		codec:     codec,
		codes:     codes,
		throttle:  NewThrottle(0, time.Minute),
		flowSteps: flowSteps,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}

	return e, nil
}

// Authorize validates an authorization request and returns the encoded
// state to continue the flow with.
func (e *Engine) Authorize(ctx context.Context, req authstate.AuthorizationRequest) (string, error) {
	encoded, err := e.authorize(ctx, req)
	e.record(ctx, "authorize", err)

	return encoded, err
}

func (e *Engine) authorize(ctx context.Context, req authstate.AuthorizationRequest) (string, error) {
	if req.ResponseType != ResponseTypeCode {
		return "", serviceerr.ErrUnsupportedResponseType
	}

	c, err := e.clients.Get(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, serviceerr.ErrNotFound) {
			slogctx.Info(ctx, "Authorization for unknown client", "client", req.ClientID)
			return "", serviceerr.ErrUnauthorizedClient
		}

		return "", err
	}

	if !c.RedirectURIAcceptable(req.RedirectURI) {
		slogctx.Warn(ctx, "Authorization with unregistered redirect URI", "client", c.Name, "redirect_uri", req.RedirectURI)
		return "", serviceerr.ErrUnauthorizedClient
	}

	return e.codec.Encode(authstate.FromRequest(c, req)), nil
}

// LoginURL is where Authorize sends the browser.
func LoginURL(encodedState string) string {
	return LoginPath + "?state=" + url.QueryEscape(encodedState)
}

// GrantURL is where a successful login sends the browser.
func GrantURL(encodedState string) string {
	return GrantPath + "?state=" + url.QueryEscape(encodedState)
}

// State decodes a state received from the browser.
func (e *Engine) State(encoded string) (authstate.AuthState, error) {
	st, ok := e.codec.Decode(encoded)
	if !ok {
		return authstate.AuthState{}, serviceerr.New(serviceerr.CodeInvalidRequest, "invalid state")
	}

	return st, nil
}

// Login checks the password of username, starts a browser session on
// success and returns the grant step URL.
func (e *Engine) Login(ctx context.Context, w http.ResponseWriter, encodedState, username, password string) (string, error) {
	redirect, err := e.login(ctx, w, encodedState, username, password)
	e.record(ctx, "login", err)

	return redirect, err
}

func (e *Engine) login(ctx context.Context, w http.ResponseWriter, encodedState, username, password string) (string, error) {
	if _, err := e.State(encodedState); err != nil {
		return "", err
	}

	if e.throttle.Blocked(username) {
		slogctx.Warn(ctx, "Login throttled", "username", username)
		e.sessions.AuditLoginFailure(ctx, username, "too many failed attempts")
		return "", serviceerr.ErrTooManyAttempts
	}

	u, err := e.users.FindAndAuthenticate(ctx, username, password)
	if err != nil {
		if errors.Is(err, serviceerr.ErrAuthenticationFailed) {
			e.throttle.Fail(username)
			e.sessions.AuditLoginFailure(ctx, username, "invalid credentials")
		}

		return "", err
	}
	e.throttle.Reset(username)

	if _, err := e.sessions.Login(ctx, w, u); err != nil {
		return "", err
	}
	e.users.RecordLogin(ctx, u.ID)

	return GrantURL(encodedState), nil
}

// Grant enters the grant step for the user of us.
func (e *Engine) Grant(ctx context.Context, us session.UserSession, encodedState string) (GrantStep, error) {
	step, err := e.grant(ctx, us, encodedState)
	e.record(ctx, "grant", err)

	return step, err
}

func (e *Engine) grant(ctx context.Context, us session.UserSession, encodedState string) (GrantStep, error) {
	st, err := e.State(encodedState)
	if err != nil {
		return GrantStep{}, err
	}

	c, err := e.clients.Get(ctx, st.ClientID)
	if err != nil {
		return GrantStep{}, err
	}

	if c.NeedsGrant {
		return GrantStep{State: st}, nil
	}

	redirect, err := e.authorizationGranted(ctx, us, st, c)
	if err != nil {
		return GrantStep{}, err
	}

	return GrantStep{State: st, Redirect: redirect}, nil
}

// Decide applies the user's answer to the consent prompt and returns the
// redirect to the client.
func (e *Engine) Decide(ctx context.Context, us session.UserSession, encodedState string, granted bool) (string, error) {
	redirect, err := e.decide(ctx, us, encodedState, granted)
	e.record(ctx, "decide", err)

	return redirect, err
}

func (e *Engine) decide(ctx context.Context, us session.UserSession, encodedState string, granted bool) (string, error) {
	st, err := e.State(encodedState)
	if err != nil {
		return "", err
	}

	c, err := e.clients.Get(ctx, st.ClientID)
	if err != nil {
		return "", err
	}

	if !granted {
		slogctx.Info(ctx, "Authorization denied", "client", c.Name, "user_id", us.User.ID)
		return st.DeniedRedirect(), nil
	}

	return e.authorizationGranted(ctx, us, st, c)
}

func (e *Engine) authorizationGranted(ctx context.Context, us session.UserSession, st authstate.AuthState, c client.Client) (string, error) {
	code, err := e.codes.Create(Code{
		UserID:      us.User.ID,
		Username:    us.User.Username,
		ClientID:    c.ID,
		ClientName:  c.Name,
		RedirectURI: st.RedirectURI,
		Scope:       st.Scope,
	})
	if err != nil {
		return "", fmt.Errorf("creating authorization code: %w", err)
	}

	slogctx.Info(ctx, "Authorization granted", "client", c.Name, "user_id", us.User.ID)

	return st.CodeRedirect(code), nil
}

// Token exchanges an authorization code for an access token.
func (e *Engine) Token(ctx context.Context, req TokenRequest) (*oidc.AccessTokenResponse, error) {
	resp, err := e.token(ctx, req)
	e.record(ctx, "token", err)

	return resp, err
}

func (e *Engine) token(ctx context.Context, req TokenRequest) (*oidc.AccessTokenResponse, error) {
	switch req.GrantType {
	case GrantTypeAuthorizationCode:
	case "":
		return nil, serviceerr.New(serviceerr.CodeInvalidRequest, "grant_type is required")
	default:
		return nil, serviceerr.ErrUnsupportedGrantType
	}

	c, err := e.clients.FindAndAuthenticate(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	token, ok := e.codes.Fetch(req.Code)
	if !ok {
		return nil, serviceerr.ErrInvalidGrant
	}
	code := token.Payload

	if code.ClientID != c.ID {
		slogctx.Warn(ctx, "Authorization code presented by another client", "client", c.Name, "code_client", code.ClientName)
		return nil, serviceerr.ErrInvalidGrant
	}
	if req.RedirectURI != "" && req.RedirectURI != code.RedirectURI {
		return nil, serviceerr.ErrInvalidGrant
	}

	s, err := e.sessions.CreateClientSession(ctx, code.UserID, code.ClientID, code.Scope)
	if err != nil {
		return nil, err
	}

	validity := e.sessions.ClientSessionDuration()
	resp := &oidc.AccessTokenResponse{
		AccessToken: s.ID,
		TokenType:   oidc.BearerToken,
		ExpiresIn:   uint64(validity / time.Second),
		Scope:       oidc.SpaceDelimitedArray(strings.Fields(code.Scope)),
	}

	if e.signer != nil && slices.Contains(resp.Scope, scopeOpenID) {
		u, err := e.users.Get(ctx, code.UserID)
		if err != nil {
			return nil, err
		}

		resp.IDToken, err = e.signer.Sign(idtoken.Claims{
			Subject:           u.ID.String(),
			Audience:          c.Name,
			PreferredUsername: u.Username,
			Email:             u.Email,
		}, e.now(), validity)
		if err != nil {
			return nil, err
		}
	}

	slogctx.Info(ctx, "Issued access token", "client", c.Name, "user_id", code.UserID)

	return resp, nil
}

func (e *Engine) record(ctx context.Context, step string, err error) {
	outcome := "success"
	var serviceErr *serviceerr.Error
	switch {
	case err == nil:
	case errors.As(err, &serviceErr):
		outcome = string(serviceErr.Err)
	default:
		outcome = string(serviceerr.CodeServerError)
	}

	e.flowSteps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", step),
		attribute.String("outcome", outcome),
	))
}
