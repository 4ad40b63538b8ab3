// Package client models the OAuth clients registered with the identity provider.
package client

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client is a registered relying party. Name is the OAuth client_id.
type Client struct {
	ID          uuid.UUID
	Name        string
	DisplayName string
	Secret      string
	// NeedsGrant asks the user for explicit consent before a code is issued.
	NeedsGrant bool
	// RedirectURIList holds one allowed redirect URI per line.
	RedirectURIList string
	CreatedAt       time.Time
}

// RedirectURIs returns the allowed redirect URIs in registration order.
func (c Client) RedirectURIs() []string {
	var uris []string
	for line := range strings.Lines(c.RedirectURIList) {
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			uris = append(uris, line)
		}
	}

	return uris
}

// RedirectURIAcceptable reports whether uri is registered verbatim.
// No normalisation is applied: a trailing slash or a different query string
// is a different URI.
func (c Client) RedirectURIAcceptable(uri string) bool {
	if uri == "" {
		return false
	}
	for _, allowed := range c.RedirectURIs() {
		if allowed == uri {
			return true
		}
	}

	return false
}

// DisplayNameOrName falls back to Name when no display name is set.
func (c Client) DisplayNameOrName() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}

	return c.Name
}
