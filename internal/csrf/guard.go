// Package csrf protects state changing requests with a double submit cookie.
//
// The cookie carries the form token together with a MAC over the token and
// the id of the user it was issued to. A submission is accepted only if the
// submitted token equals the cookie's token and the MAC still matches the
// user of the current session; anonymous tokens are bound to the empty id.
package csrf

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openkcm/common-sdk/pkg/csrf"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/identity-provider/internal/config"
	"github.com/openkcm/identity-provider/internal/random"
	"github.com/openkcm/identity-provider/internal/serviceerr"
)

const (
	TokenLength = 64

	FormField = "csrf_token"
	Header    = "X-CSRF-Token"

	defaultCookieName = "__Host-CSRF"
	minSecretLength   = 32

	separator = "~"
)

var ErrShortSecret = errors.New("csrf secret must be at least 32 bytes")

type Guard struct {
	secret         []byte
	cookieTemplate config.CookieTemplate
}

func NewGuard(secret []byte, cookie config.CookieTemplate) (*Guard, error) {
	if len(secret) < minSecretLength {
		return nil, ErrShortSecret
	}

	return &Guard{
		secret:         secret,
		cookieTemplate: cookie.WithDefaultName(defaultCookieName),
	}, nil
}

// Issue generates a token bound to userID, which is empty for anonymous
// visitors, sets the cookie and returns the token to embed in the page.
func (g *Guard) Issue(ctx context.Context, w http.ResponseWriter, userID string) (string, error) {
	token, err := random.String(TokenLength)
	if err != nil {
		return "", fmt.Errorf("generating csrf token: %w", err)
	}

	cookie := g.cookieTemplate.ToCookie(token + separator + csrf.NewToken(binding(userID, token), g.secret))
	if err := cookie.Valid(); err != nil {
		return "", fmt.Errorf("invalid csrf cookie: %w", err)
	}
	if !cookie.Secure {
		slogctx.Warn(ctx, "CSRF cookie is not marked as Secure; this is not recommended in production environments")
	}
	if cookie.SameSite != http.SameSiteStrictMode {
		slogctx.Warn(ctx, "CSRF cookie is not marked as SameSite Strict; this is not recommended in production environments")
	}
	http.SetCookie(w, cookie)

	return token, nil
}

// Verify checks submitted against the cookie of r for the user of the
// current session.
func (g *Guard) Verify(ctx context.Context, r *http.Request, userID, submitted string) error {
	cookie, err := r.Cookie(g.cookieTemplate.Name)
	if err != nil {
		slogctx.Debug(ctx, "CSRF cookie missing")
		return serviceerr.ErrInvalidCSRFToken
	}

	token, mac, ok := strings.Cut(cookie.Value, separator)
	if !ok || len(token) != TokenLength {
		slogctx.Debug(ctx, "CSRF cookie malformed")
		return serviceerr.ErrInvalidCSRFToken
	}

	if subtle.ConstantTimeCompare([]byte(token), []byte(submitted)) != 1 {
		slogctx.Debug(ctx, "CSRF token mismatch", "cookie", fingerprint(token), "submitted", fingerprint(submitted))
		return serviceerr.ErrInvalidCSRFToken
	}

	if !csrf.Validate(mac, binding(userID, token), g.secret) {
		slogctx.Debug(ctx, "CSRF cookie bound to another user", "cookie", fingerprint(token))
		return serviceerr.ErrInvalidCSRFToken
	}

	return nil
}

// Submitted returns the token sent with r, from the form field or the header.
func Submitted(r *http.Request) string {
	if token := r.Header.Get(Header); token != "" {
		return token
	}

	return r.PostFormValue(FormField)
}

func binding(userID, token string) string {
	return userID + "!" + token
}

func fingerprint(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:4])
}
