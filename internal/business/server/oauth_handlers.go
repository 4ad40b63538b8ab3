package server

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/zitadel/oidc/v3/pkg/oidc"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/identity-provider/internal/authstate"
	"github.com/openkcm/identity-provider/internal/csrf"
	"github.com/openkcm/identity-provider/internal/oauth"
	"github.com/openkcm/identity-provider/internal/serviceerr"
)

const anonymous = ""

// Authorize handles GET /oauth/authorize.
func (a *API) Authorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	state, err := a.engine.Authorize(ctx, authstate.ParseAuthorizationRequest(r.URL.Query()))
	if err != nil {
		writeError(w, r, err)
		return
	}

	redirect(w, r, oauth.LoginURL(state))
}

// LoginPage handles GET /oauth/login. A passkey login started from this page
// resumes at the grant step through the stored redirect.
func (a *API) LoginPage(w http.ResponseWriter, r *http.Request) {
	encoded := r.URL.Query().Get("state")

	st, err := a.engine.State(encoded)
	if err != nil {
		writeError(w, r, err)
		return
	}

	a.sessions.StoreRedirect(w, oauth.GrantURL(encoded))
	a.renderLogin(w, r, http.StatusOK, st, encoded, "")
}

// Login handles POST /oauth/login.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	encoded := r.PostFormValue("state")

	st, err := a.engine.State(encoded)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := a.csrf.Verify(ctx, r, anonymous, csrf.Submitted(r)); err != nil {
		writeError(w, r, err)
		return
	}

	location, err := a.engine.Login(ctx, w, encoded, r.PostFormValue("username"), r.PostFormValue("password"))
	if err != nil {
		model, status := toErrorModel(err)
		if status >= http.StatusInternalServerError {
			writeError(w, r, err)
			return
		}

		a.renderLogin(w, r, status, st, encoded, model.ErrorDescription)
		return
	}

	redirect(w, r, location)
}

func (a *API) renderLogin(w http.ResponseWriter, r *http.Request, status int, st authstate.AuthState, encoded, message string) {
	token, err := a.csrf.Issue(r.Context(), w, anonymous)
	if err != nil {
		writeError(w, r, err)
		return
	}

	render(w, r, status, "login.html", loginPage{
		Title:      "Sign in",
		ClientName: st.ClientDisplayName,
		State:      encoded,
		CSRFToken:  token,
		Error:      message,
	})
}

// GrantPage handles GET /oauth/grant. Without a session the browser is sent
// back to the login page.
func (a *API) GrantPage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	encoded := r.URL.Query().Get("state")

	us, ok := a.sessions.Current(ctx, r)
	if !ok {
		redirect(w, r, oauth.LoginURL(encoded))
		return
	}

	step, err := a.engine.Grant(ctx, us, encoded)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if !step.NeedsConsent() {
		redirect(w, r, step.Redirect)
		return
	}

	token, err := a.csrf.Issue(ctx, w, us.User.ID.String())
	if err != nil {
		writeError(w, r, err)
		return
	}

	render(w, r, http.StatusOK, "grant.html", grantPage{
		Title:      "Authorize",
		ClientName: step.State.ClientDisplayName,
		Username:   us.User.Username,
		Scope:      step.State.Scope,
		State:      encoded,
		CSRFToken:  token,
	})
}

// Grant handles POST /oauth/grant.
func (a *API) Grant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	us, err := a.sessions.Require(ctx, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := a.csrf.Verify(ctx, r, us.User.ID.String(), csrf.Submitted(r)); err != nil {
		writeError(w, r, err)
		return
	}

	granted, err := strconv.ParseBool(r.PostFormValue("grant"))
	if err != nil {
		writeError(w, r, newBadRequest("grant must be true or false"))
		return
	}

	location, err := a.engine.Decide(ctx, us, r.PostFormValue("state"), granted)
	if err != nil {
		writeError(w, r, err)
		return
	}

	redirect(w, r, location)
}

// Token handles POST /oauth/token. Client credentials are read from HTTP
// Basic authentication, falling back to the form.
func (a *API) Token(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	noStore(w)

	if err := r.ParseForm(); err != nil {
		writeError(w, r, newBadRequest("malformed form"))
		return
	}

	req := oauth.TokenRequest{
		GrantType:   r.PostForm.Get("grant_type"),
		Code:        r.PostForm.Get("code"),
		RedirectURI: r.PostForm.Get("redirect_uri"),
	}

	clientID, clientSecret, ok := r.BasicAuth()
	if ok {
		var err error
		if req.ClientID, err = url.QueryUnescape(clientID); err != nil {
			writeError(w, r, serviceerr.ErrUnauthorizedClient)
			return
		}
		if req.ClientSecret, err = url.QueryUnescape(clientSecret); err != nil {
			writeError(w, r, serviceerr.ErrUnauthorizedClient)
			return
		}
	} else {
		req.ClientID = r.PostForm.Get("client_id")
		req.ClientSecret = r.PostForm.Get("client_secret")
	}

	resp, err := a.engine.Token(ctx, req)
	if err != nil {
		if errors.Is(err, serviceerr.ErrUnauthorizedClient) && ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
		}
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Discovery handles GET /.well-known/openid-configuration.
func (a *API) Discovery(w http.ResponseWriter, r *http.Request) {
	if a.signer == nil {
		writeError(w, r, serviceerr.ErrNotFound)
		return
	}

	base := strings.TrimSuffix(a.baseURL, "/")
	writeJSON(w, http.StatusOK, &oidc.DiscoveryConfiguration{
		Issuer:                            a.signer.Issuer(),
		AuthorizationEndpoint:             base + "/oauth/authorize",
		TokenEndpoint:                     base + "/oauth/token",
		UserinfoEndpoint:                  base + "/current_user",
		JwksURI:                           base + "/oauth/jwks",
		ScopesSupported:                   []string{oidc.ScopeOpenID},
		ResponseTypesSupported:            []string{oauth.ResponseTypeCode},
		GrantTypesSupported:               []oidc.GrantType{oidc.GrantTypeCode},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{"ES384"},
		TokenEndpointAuthMethodsSupported: []oidc.AuthMethod{oidc.AuthMethodBasic, oidc.AuthMethodPost},
		ClaimsSupported:                   []string{"sub", "iss", "aud", "iat", "exp", "preferred_username", "email"},
	})
}

// JWKS handles GET /oauth/jwks.
func (a *API) JWKS(w http.ResponseWriter, r *http.Request) {
	if a.signer == nil {
		writeError(w, r, serviceerr.ErrNotFound)
		return
	}

	writeJSON(w, http.StatusOK, a.signer.KeySet())
}

// CurrentUser handles GET /current_user for clients holding an access token.
func (a *API) CurrentUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	noStore(w)

	token, ok := bearerToken(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, r, serviceerr.ErrUnauthorized)
		return
	}

	us, err := a.sessions.Bearer(ctx, token)
	if err != nil {
		if errors.Is(err, serviceerr.ErrUnauthorized) {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		}
		writeError(w, r, err)
		return
	}

	slogctx.Debug(ctx, "Resolved access token", "user_id", us.User.ID)

	writeJSON(w, http.StatusOK, currentUser{
		ID:       us.User.ID.String(),
		Username: us.User.Username,
		Email:    us.User.Email,
		Admin:    us.User.Admin,
	})
}

type currentUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Admin    bool   `json:"admin"`
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}

	token = strings.TrimSpace(token)

	return token, token != ""
}
