// Package authstate carries an in-flight authorization request through the
// browser between the authorize, login and grant steps.
//
// The state is encoded as protobuf wire-format fields followed by an
// HMAC-SHA256 tag, then base64url without padding. A state that fails the tag
// check or does not parse is rejected as a whole.
package authstate

import (
	"net/url"
	"strings"

	"github.com/openkcm/identity-provider/internal/client"
)

// AuthorizationRequest holds the query parameters of an authorize call.
type AuthorizationRequest struct {
	ResponseType string
	ClientID     string
	RedirectURI  string
	Scope        string
	State        string
}

// ParseAuthorizationRequest reads the RFC6749 section 4.1.1 parameters.
func ParseAuthorizationRequest(q url.Values) AuthorizationRequest {
	return AuthorizationRequest{
		ResponseType: q.Get("response_type"),
		ClientID:     q.Get("client_id"),
		RedirectURI:  q.Get("redirect_uri"),
		Scope:        q.Get("scope"),
		State:        q.Get("state"),
	}
}

// AuthState is the validated authorization context. An empty string means
// the field was absent.
type AuthState struct {
	ClientID          string
	ClientDisplayName string
	RedirectURI       string
	Scope             string
	CallerState       string
}

// FromRequest binds a validated client to the request.
func FromRequest(c client.Client, req AuthorizationRequest) AuthState {
	return AuthState{
		ClientID:          c.Name,
		ClientDisplayName: c.DisplayNameOrName(),
		RedirectURI:       req.RedirectURI,
		Scope:             req.Scope,
		CallerState:       req.State,
	}
}

// RedirectURIWithCallerState returns the redirect URI with the caller's state
// appended. Query parameters registered with the URI are kept.
func (s AuthState) RedirectURIWithCallerState() string {
	if s.CallerState == "" {
		return s.RedirectURI
	}

	return appendQuery(s.RedirectURI, "state", s.CallerState)
}

// CodeRedirect is the redirect that hands code to the client.
func (s AuthState) CodeRedirect(code string) string {
	return appendQuery(s.RedirectURIWithCallerState(), "code", code)
}

// DeniedRedirect is the redirect that reports a refused authorization.
func (s AuthState) DeniedRedirect() string {
	return appendQuery(s.RedirectURIWithCallerState(), "error", "access_denied")
}

func appendQuery(uri, key, value string) string {
	var sep string
	switch {
	case !strings.Contains(uri, "?"):
		sep = "?"
	case strings.HasSuffix(uri, "?"), strings.HasSuffix(uri, "&"):
	default:
		sep = "&"
	}

	return uri + sep + url.QueryEscape(key) + "=" + url.QueryEscape(value)
}
