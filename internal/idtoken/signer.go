// Package idtoken issues OpenID Connect id tokens signed with ES384.
package idtoken

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

var (
	ErrNoPEMBlock = errors.New("no PEM block in signing key")
	ErrKeyType    = errors.New("signing key must be a P-384 ECDSA key")
)

// Claims are the user attributes put into an id token.
type Claims struct {
	Subject           string
	Audience          string
	PreferredUsername string
	Email             string
}

type userClaims struct {
	PreferredUsername string `json:"preferred_username,omitempty"`
	Email             string `json:"email,omitempty"`
}

type Signer struct {
	issuer string
	key    jose.JSONWebKey
	signer jose.Signer
}

// ParseKey reads a P-384 private key in SEC 1 or PKCS #8 PEM form.
func ParseKey(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrNoPEMBlock
	}

	if ecKey, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return checkCurve(ecKey)
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing signing key: %w", err)
	}

	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, ErrKeyType
	}

	return checkCurve(ecKey)
}

func checkCurve(ecKey *ecdsa.PrivateKey) (*ecdsa.PrivateKey, error) {
	if ecKey.Curve != elliptic.P384() {
		return nil, ErrKeyType
	}

	return ecKey, nil
}

// GenerateKey creates a fresh P-384 key.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
}

func NewSigner(issuer string, key *ecdsa.PrivateKey) (*Signer, error) {
	if key == nil || key.Curve != elliptic.P384() {
		return nil, ErrKeyType
	}

	jwk := jose.JSONWebKey{
		Key:       key,
		Algorithm: string(jose.ES384),
		Use:       "sig",
	}
	pub := jwk.Public()
	thumbprint, err := pub.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("computing key thumbprint: %w", err)
	}
	jwk.KeyID = base64.RawURLEncoding.EncodeToString(thumbprint)

	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.ES384,
		Key:       jwk,
	}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}

	return &Signer{
		issuer: issuer,
		key:    jwk,
		signer: signer,
	}, nil
}

// Sign returns a compact JWT valid from issuedAt for validity.
func (s *Signer) Sign(c Claims, issuedAt time.Time, validity time.Duration) (string, error) {
	std := jwt.Claims{
		Issuer:   s.issuer,
		Subject:  c.Subject,
		Audience: jwt.Audience{c.Audience},
		IssuedAt: jwt.NewNumericDate(issuedAt),
		Expiry:   jwt.NewNumericDate(issuedAt.Add(validity)),
	}

	token, err := jwt.Signed(s.signer).Claims(std).Claims(userClaims{
		PreferredUsername: c.PreferredUsername,
		Email:             c.Email,
	}).Serialize()
	if err != nil {
		return "", fmt.Errorf("signing id token: %w", err)
	}

	return token, nil
}

// Issuer is the iss claim of every token.
func (s *Signer) Issuer() string {
	return s.issuer
}

// KeySet is the public JWKS verifying the tokens of s.
func (s *Signer) KeySet() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{s.key.Public()}}
}
