package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/openkcm/identity-provider/internal/csrf"
	"github.com/openkcm/identity-provider/internal/idtoken"
	"github.com/openkcm/identity-provider/internal/oauth"
	"github.com/openkcm/identity-provider/internal/passkey"
	"github.com/openkcm/identity-provider/internal/session"
	"github.com/openkcm/identity-provider/internal/user"
)

// API serves the browser facing pages and the OAuth endpoints.
type API struct {
	engine   *oauth.Engine
	sessions *session.Manager
	csrf     *csrf.Guard
	passkeys *passkey.Service
	users    *user.Service
	signer   *idtoken.Signer

	baseURL string
}

type APIOption func(*API)

// WithIDTokenSigner enables the discovery document and the key set.
func WithIDTokenSigner(signer *idtoken.Signer) APIOption {
	return func(a *API) { a.signer = signer }
}

func NewAPI(
	baseURL string,
	engine *oauth.Engine,
	sessions *session.Manager,
	guard *csrf.Guard,
	passkeys *passkey.Service,
	users *user.Service,
	opts ...APIOption,
) *API {
	a := &API{
		engine:   engine,
		sessions: sessions,
		csrf:     guard,
		passkeys: passkeys,
		users:    users,
		baseURL:  baseURL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}

	return a
}

// Router mounts all routes. mw is applied to every route after the
// recoverer.
func (a *API) Router(mw ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer, securityHeaders)
	r.Use(mw...)

	r.Get("/", a.Home)
	r.Handle("/static/*", staticHandler())

	r.Route("/oauth", func(r chi.Router) {
		r.Get("/authorize", a.Authorize)
		r.Get("/login", a.LoginPage)
		r.Post("/login", a.Login)
		r.Get("/grant", a.GrantPage)
		r.Post("/grant", a.Grant)
		r.Post("/token", a.Token)
		r.Get("/jwks", a.JWKS)
	})
	r.Get("/.well-known/openid-configuration", a.Discovery)
	r.Get("/current_user", a.CurrentUser)

	r.Route("/webauthn", func(r chi.Router) {
		r.Post("/start_register", a.StartRegister)
		r.Post("/finish_register", a.FinishRegister)
		r.Post("/start_auth", a.StartAuth)
		r.Post("/finish_auth", a.FinishAuth)
	})

	r.Get("/logout", a.LogoutPage)
	r.Post("/logout", a.Logout)

	r.Get("/passkeys", a.ListPasskeys)
	r.Delete("/passkeys/{id}", a.DeletePasskey)

	r.Post("/admin/sessions/{id}/invalidate", a.InvalidateSession)

	return r
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Content-Security-Policy",
			"default-src 'self'; script-src 'self'; style-src 'self' 'unsafe-inline'; form-action 'self' *; frame-ancestors 'none'")

		next.ServeHTTP(w, r)
	})
}
