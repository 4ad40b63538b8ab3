package oauth_test

import (
	"errors"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zitadel/oidc/v3/pkg/oidc"
	"golang.org/x/crypto/bcrypt"

	"github.com/openkcm/identity-provider/internal/authstate"
	"github.com/openkcm/identity-provider/internal/client"
	"github.com/openkcm/identity-provider/internal/client/clientmock"
	"github.com/openkcm/identity-provider/internal/config"
	"github.com/openkcm/identity-provider/internal/idtoken"
	"github.com/openkcm/identity-provider/internal/oauth"
	"github.com/openkcm/identity-provider/internal/serviceerr"
	"github.com/openkcm/identity-provider/internal/session"
	"github.com/openkcm/identity-provider/internal/session/sessionmock"
	"github.com/openkcm/identity-provider/internal/tokenstore"
	"github.com/openkcm/identity-provider/internal/user"
	"github.com/openkcm/identity-provider/internal/user/usermock"
)

const (
	testRedirectURI = "http://localhost:3000/callback"
	testPassword    = "alice-password"
)

var (
	testClient = client.Client{
		ID:              uuid.New(),
		Name:            "test",
		DisplayName:     "Test Client",
		Secret:          "test-secret",
		NeedsGrant:      true,
		RedirectURIList: testRedirectURI + "\nhttp://localhost:3000/other?keep=1\nhttps://example.com/redirect",
	}
	silentClient = client.Client{
		ID:              uuid.New(),
		Name:            "silent",
		Secret:          "silent-secret",
		NeedsGrant:      false,
		RedirectURIList: "https://silent.example/cb",
	}
)

type fixture struct {
	engine   *oauth.Engine
	sessions *sessionmock.Repository
	codes    *oauth.CodeStore
	alice    user.User
}

func newFixture(t *testing.T, opts ...oauth.EngineOption) fixture {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)
	alice := user.User{ID: uuid.New(), Username: "alice", Email: "alice@example.com", HashedPassword: string(hash)}

	users := user.NewService(usermock.NewInMemRepository(usermock.WithUser(alice)), bcrypt.MinCost)
	clients := client.NewService(clientmock.NewInMemRepository(clientmock.WithClient(testClient), clientmock.WithClient(silentClient)))

	sessionRepo := sessionmock.NewInMemRepository()
	sessions := session.NewManager(&config.IdentityProvider{
		UserSessionDuration:   time.Hour,
		ClientSessionDuration: 10 * time.Minute,
		SecureTokenLength:     32,
		SessionCookie:         config.CookieTemplate{Path: "/", Secure: true, HTTPOnly: true},
	}, sessionRepo, users)

	codec, err := authstate.NewCodec([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	codes := tokenstore.NewRandom[oauth.Code](time.Minute, 32)

	e, err := oauth.NewEngine(clients, users, sessions, codec, codes, opts...)
	require.NoError(t, err)

	return fixture{engine: e, sessions: sessionRepo, codes: codes, alice: alice}
}

func (f fixture) userSession() session.UserSession {
	return session.UserSession{User: f.alice}
}

func authorizeRequest(clientID, redirectURI string) authstate.AuthorizationRequest {
	return authstate.AuthorizationRequest{
		ResponseType: "code",
		ClientID:     clientID,
		RedirectURI:  redirectURI,
		Scope:        "openid profile",
		State:        "xyz",
	}
}

func codeFrom(t *testing.T, redirect string) string {
	t.Helper()

	u, err := url.Parse(redirect)
	require.NoError(t, err)

	return u.Query().Get("code")
}

func isCode(code serviceerr.Code) assert.ErrorAssertionFunc {
	return func(t assert.TestingT, err error, i ...any) bool {
		return assert.ErrorIs(t, err, &serviceerr.Error{Err: code}, i...)
	}
}

func TestEngine_Authorize(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name      string
		req       authstate.AuthorizationRequest
		assertErr assert.ErrorAssertionFunc
	}{
		{
			name:      "registered redirect",
			req:       authorizeRequest("test", testRedirectURI),
			assertErr: assert.NoError,
		},
		{
			name:      "second registered redirect",
			req:       authorizeRequest("test", "http://localhost:3000/other?keep=1"),
			assertErr: assert.NoError,
		},
		{
			name: "token response type",
			req: func() authstate.AuthorizationRequest {
				r := authorizeRequest("test", testRedirectURI)
				r.ResponseType = "token"
				return r
			}(),
			assertErr: isCode(serviceerr.CodeUnsupportedResponseType),
		},
		{
			name:      "unknown client",
			req:       authorizeRequest("nope", testRedirectURI),
			assertErr: isCode(serviceerr.CodeUnauthorizedClient),
		},
		{
			name:      "evil redirect",
			req:       authorizeRequest("test", "http://evil.example/callback"),
			assertErr: isCode(serviceerr.CodeUnauthorizedClient),
		},
		{
			name:      "trailing slash",
			req:       authorizeRequest("test", testRedirectURI+"/"),
			assertErr: isCode(serviceerr.CodeUnauthorizedClient),
		},
		{
			name:      "differing query",
			req:       authorizeRequest("test", testRedirectURI+"?a=b"),
			assertErr: isCode(serviceerr.CodeUnauthorizedClient),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := f.engine.Authorize(t.Context(), tt.req)
			if !tt.assertErr(t, err) || err != nil {
				return
			}

			st, err := f.engine.State(encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.req.ClientID, st.ClientID)
			assert.Equal(t, tt.req.RedirectURI, st.RedirectURI)
			assert.Equal(t, tt.req.State, st.CallerState)
			assert.True(t, strings.HasPrefix(oauth.LoginURL(encoded), "/oauth/login?state="))
		})
	}
}

func TestEngine_Login(t *testing.T) {
	f := newFixture(t)
	encoded, err := f.engine.Authorize(t.Context(), authorizeRequest("test", testRedirectURI))
	require.NoError(t, err)

	t.Run("wrong password", func(t *testing.T) {
		rec := httptest.NewRecorder()
		_, err := f.engine.Login(t.Context(), rec, encoded, "alice", "wrong")
		require.ErrorIs(t, err, serviceerr.ErrAuthenticationFailed)
		assert.Empty(t, rec.Result().Cookies())
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := f.engine.Login(t.Context(), httptest.NewRecorder(), encoded, "mallory", "x")
		require.ErrorIs(t, err, serviceerr.ErrAuthenticationFailed)
	})

	t.Run("tampered state", func(t *testing.T) {
		_, err := f.engine.Login(t.Context(), httptest.NewRecorder(), encoded+"A", "alice", testPassword)
		require.ErrorIs(t, err, serviceerr.ErrInvalidRequest)
	})

	t.Run("success", func(t *testing.T) {
		rec := httptest.NewRecorder()
		redirect, err := f.engine.Login(t.Context(), rec, encoded, "alice", testPassword)
		require.NoError(t, err)
		assert.Equal(t, oauth.GrantURL(encoded), redirect)
		assert.NotEmpty(t, rec.Result().Cookies())
		assert.Equal(t, 1, f.sessions.Len())
	})
}

func TestEngine_LoginThrottle(t *testing.T) {
	f := newFixture(t, oauth.WithThrottle(oauth.NewThrottle(2, time.Minute)))
	encoded, err := f.engine.Authorize(t.Context(), authorizeRequest("test", testRedirectURI))
	require.NoError(t, err)

	for range 2 {
		_, err := f.engine.Login(t.Context(), httptest.NewRecorder(), encoded, "alice", "wrong")
		require.ErrorIs(t, err, serviceerr.ErrAuthenticationFailed)
	}

	_, err = f.engine.Login(t.Context(), httptest.NewRecorder(), encoded, "alice", testPassword)
	require.ErrorIs(t, err, serviceerr.ErrTooManyAttempts)
	assert.Equal(t, 0, f.sessions.Len())
}

func TestEngine_GrantAndDecide(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	t.Run("consent required", func(t *testing.T) {
		encoded, err := f.engine.Authorize(ctx, authorizeRequest("test", testRedirectURI))
		require.NoError(t, err)

		step, err := f.engine.Grant(ctx, f.userSession(), encoded)
		require.NoError(t, err)
		assert.True(t, step.NeedsConsent())
		assert.Equal(t, "Test Client", step.State.ClientDisplayName)
		assert.Equal(t, 0, f.codes.Len())
	})

	t.Run("consent denied", func(t *testing.T) {
		encoded, err := f.engine.Authorize(ctx, authorizeRequest("test", testRedirectURI))
		require.NoError(t, err)

		redirect, err := f.engine.Decide(ctx, f.userSession(), encoded, false)
		require.NoError(t, err)
		assert.Equal(t, testRedirectURI+"?state=xyz&error=access_denied", redirect)
	})

	t.Run("consent granted keeps registered query", func(t *testing.T) {
		encoded, err := f.engine.Authorize(ctx, authorizeRequest("test", "http://localhost:3000/other?keep=1"))
		require.NoError(t, err)

		redirect, err := f.engine.Decide(ctx, f.userSession(), encoded, true)
		require.NoError(t, err)

		u, err := url.Parse(redirect)
		require.NoError(t, err)
		assert.Equal(t, "1", u.Query().Get("keep"))
		assert.Equal(t, "xyz", u.Query().Get("state"))
		assert.Len(t, u.Query().Get("code"), 32)
	})

	t.Run("no consent needed", func(t *testing.T) {
		encoded, err := f.engine.Authorize(ctx, authorizeRequest("silent", "https://silent.example/cb"))
		require.NoError(t, err)

		step, err := f.engine.Grant(ctx, f.userSession(), encoded)
		require.NoError(t, err)
		assert.False(t, step.NeedsConsent())
		assert.NotEmpty(t, codeFrom(t, step.Redirect))
	})

	t.Run("client removed after authorize", func(t *testing.T) {
		codec, err := authstate.NewCodec([]byte("0123456789abcdef0123456789abcdef"))
		require.NoError(t, err)
		encoded := codec.Encode(authstate.AuthState{ClientID: "gone", RedirectURI: testRedirectURI})

		_, err = f.engine.Grant(ctx, f.userSession(), encoded)
		require.ErrorIs(t, err, serviceerr.ErrNotFound)
	})
}

func TestEngine_Token(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	newCode := func(t *testing.T) string {
		t.Helper()

		encoded, err := f.engine.Authorize(ctx, authorizeRequest("test", testRedirectURI))
		require.NoError(t, err)
		redirect, err := f.engine.Decide(ctx, f.userSession(), encoded, true)
		require.NoError(t, err)

		return codeFrom(t, redirect)
	}

	tests := []struct {
		name      string
		req       func(code string) oauth.TokenRequest
		assertErr assert.ErrorAssertionFunc
	}{
		{
			name: "success",
			req: func(code string) oauth.TokenRequest {
				return oauth.TokenRequest{GrantType: "authorization_code", Code: code, RedirectURI: testRedirectURI, ClientID: "test", ClientSecret: "test-secret"}
			},
			assertErr: assert.NoError,
		},
		{
			name: "wrong secret",
			req: func(code string) oauth.TokenRequest {
				return oauth.TokenRequest{GrantType: oauth.GrantTypeAuthorizationCode, Code: code, ClientID: "test", ClientSecret: "nope"}
			},
			assertErr: isCode(serviceerr.CodeUnauthorizedClient),
		},
		{
			name: "unknown code",
			req: func(string) oauth.TokenRequest {
				return oauth.TokenRequest{GrantType: oauth.GrantTypeAuthorizationCode, Code: "does-not-exist", ClientID: "test", ClientSecret: "test-secret"}
			},
			assertErr: isCode(serviceerr.CodeInvalidGrant),
		},
		{
			name: "code of another client",
			req: func(code string) oauth.TokenRequest {
				return oauth.TokenRequest{GrantType: oauth.GrantTypeAuthorizationCode, Code: code, ClientID: "silent", ClientSecret: "silent-secret"}
			},
			assertErr: isCode(serviceerr.CodeInvalidGrant),
		},
		{
			name: "different redirect uri",
			req: func(code string) oauth.TokenRequest {
				return oauth.TokenRequest{GrantType: oauth.GrantTypeAuthorizationCode, Code: code, RedirectURI: testRedirectURI + "/", ClientID: "test", ClientSecret: "test-secret"}
			},
			assertErr: isCode(serviceerr.CodeInvalidGrant),
		},
		{
			name: "missing grant type",
			req: func(code string) oauth.TokenRequest {
				return oauth.TokenRequest{Code: code, RedirectURI: testRedirectURI, ClientID: "test", ClientSecret: "test-secret"}
			},
			assertErr: isCode(serviceerr.CodeInvalidRequest),
		},
		{
			name: "unsupported grant type",
			req: func(code string) oauth.TokenRequest {
				return oauth.TokenRequest{GrantType: "password", Code: code, ClientID: "test", ClientSecret: "test-secret"}
			},
			assertErr: isCode(serviceerr.CodeUnsupportedGrantType),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := f.engine.Token(ctx, tt.req(newCode(t)))
			if !tt.assertErr(t, err) || err != nil {
				return
			}

			assert.Equal(t, oidc.BearerToken, resp.TokenType)
			assert.Equal(t, uint64(600), resp.ExpiresIn)
			assert.Len(t, resp.AccessToken, 32)
			assert.Empty(t, resp.IDToken)

			s, err := f.sessions.LoadSession(ctx, resp.AccessToken)
			require.NoError(t, err)
			assert.Equal(t, testClient.ID, s.ClientID.UUID)
			assert.Equal(t, "openid profile", s.Scope)
		})
	}
}

func TestEngine_TokenCodeReuse(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	encoded, err := f.engine.Authorize(ctx, authorizeRequest("test", testRedirectURI))
	require.NoError(t, err)
	redirect, err := f.engine.Decide(ctx, f.userSession(), encoded, true)
	require.NoError(t, err)

	req := oauth.TokenRequest{GrantType: oauth.GrantTypeAuthorizationCode, Code: codeFrom(t, redirect), ClientID: "test", ClientSecret: "test-secret"}

	_, err = f.engine.Token(ctx, req)
	require.NoError(t, err)

	_, err = f.engine.Token(ctx, req)
	require.ErrorIs(t, err, serviceerr.ErrInvalidGrant)
}

func TestEngine_CodeFlowWithoutScope(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	encoded, err := f.engine.Authorize(ctx, authstate.AuthorizationRequest{
		ResponseType: "code",
		ClientID:     "test",
		RedirectURI:  "https://example.com/redirect",
		State:        "xyz",
	})
	require.NoError(t, err)

	grantURL, err := f.engine.Login(ctx, httptest.NewRecorder(), encoded, "alice", testPassword)
	require.NoError(t, err)
	assert.Equal(t, oauth.GrantURL(encoded), grantURL)

	redirect, err := f.engine.Decide(ctx, f.userSession(), encoded, true)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(redirect, "https://example.com/redirect?state=xyz&code="), redirect)
	code := strings.TrimPrefix(redirect, "https://example.com/redirect?state=xyz&code=")
	assert.GreaterOrEqual(t, len(code), 32)

	resp, err := f.engine.Token(ctx, oauth.TokenRequest{
		GrantType:    oauth.GrantTypeAuthorizationCode,
		Code:         code,
		RedirectURI:  "https://example.com/redirect",
		ClientID:     "test",
		ClientSecret: "test-secret",
	})
	require.NoError(t, err)
	assert.Equal(t, oidc.BearerToken, resp.TokenType)
	assert.NotEmpty(t, resp.AccessToken)
	assert.Empty(t, resp.IDToken)
}

func TestEngine_TokenConsumesCodeOfWrongClient(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	encoded, err := f.engine.Authorize(ctx, authorizeRequest("test", testRedirectURI))
	require.NoError(t, err)
	redirect, err := f.engine.Decide(ctx, f.userSession(), encoded, true)
	require.NoError(t, err)
	code := codeFrom(t, redirect)

	_, err = f.engine.Token(ctx, oauth.TokenRequest{GrantType: oauth.GrantTypeAuthorizationCode, Code: code, ClientID: "silent", ClientSecret: "silent-secret"})
	require.ErrorIs(t, err, serviceerr.ErrInvalidGrant)

	_, err = f.engine.Token(ctx, oauth.TokenRequest{GrantType: oauth.GrantTypeAuthorizationCode, Code: code, ClientID: "test", ClientSecret: "test-secret"})
	require.ErrorIs(t, err, serviceerr.ErrInvalidGrant)
}

func TestEngine_TokenWithIDToken(t *testing.T) {
	key, err := idtoken.GenerateKey()
	require.NoError(t, err)
	signer, err := idtoken.NewSigner("https://idp.example", key)
	require.NoError(t, err)

	f := newFixture(t, oauth.WithIDTokenSigner(signer))
	ctx := t.Context()

	encoded, err := f.engine.Authorize(ctx, authorizeRequest("test", testRedirectURI))
	require.NoError(t, err)
	redirect, err := f.engine.Decide(ctx, f.userSession(), encoded, true)
	require.NoError(t, err)

	resp, err := f.engine.Token(ctx, oauth.TokenRequest{GrantType: oauth.GrantTypeAuthorizationCode, Code: codeFrom(t, redirect), ClientID: "test", ClientSecret: "test-secret"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.IDToken)

	token, err := jwt.ParseSigned(resp.IDToken, []jose.SignatureAlgorithm{jose.ES384})
	require.NoError(t, err)

	var claims jwt.Claims
	require.NoError(t, token.Claims(&key.PublicKey, &claims))
	assert.Equal(t, f.alice.ID.String(), claims.Subject)
	assert.Equal(t, jwt.Audience{"test"}, claims.Audience)
}

func TestEngine_TokenUserLookupFailure(t *testing.T) {
	key, err := idtoken.GenerateKey()
	require.NoError(t, err)
	signer, err := idtoken.NewSigner("https://idp.example", key)
	require.NoError(t, err)

	f := newFixture(t, oauth.WithIDTokenSigner(signer))
	ctx := t.Context()

	// A code for a user that no longer exists.
	code, err := f.codes.Create(oauth.Code{UserID: uuid.New(), ClientID: testClient.ID, ClientName: "test", RedirectURI: testRedirectURI, Scope: "openid"})
	require.NoError(t, err)

	_, err = f.engine.Token(ctx, oauth.TokenRequest{GrantType: oauth.GrantTypeAuthorizationCode, Code: code, ClientID: "test", ClientSecret: "test-secret"})
	require.Error(t, err)

	var serviceErr *serviceerr.Error
	if errors.As(err, &serviceErr) {
		assert.NotEqual(t, serviceerr.CodeInvalidGrant, serviceErr.Err)
	}
}
