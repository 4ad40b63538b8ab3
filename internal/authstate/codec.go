package authstate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

const MinKeyLength = 32

var ErrShortKey = errors.New("state key must be at least 32 bytes")

const (
	fieldClientID protowire.Number = iota + 1
	fieldClientDisplayName
	fieldRedirectURI
	fieldScope
	fieldCallerState
)

type Codec struct {
	key []byte
}

func NewCodec(key []byte) (*Codec, error) {
	if len(key) < MinKeyLength {
		return nil, ErrShortKey
	}

	return &Codec{key: key}, nil
}

// Encode returns the URL-safe form of s.
func (c *Codec) Encode(s AuthState) string {
	var b []byte
	b = appendField(b, fieldClientID, s.ClientID)
	b = appendField(b, fieldClientDisplayName, s.ClientDisplayName)
	b = appendField(b, fieldRedirectURI, s.RedirectURI)
	b = appendField(b, fieldScope, s.Scope)
	b = appendField(b, fieldCallerState, s.CallerState)

	b = append(b, c.mac(b)...)

	return base64.RawURLEncoding.EncodeToString(b)
}

// Decode parses an encoded state. It returns false for anything that was not
// produced by Encode with the same key.
func (c *Codec) Decode(encoded string) (AuthState, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil || len(raw) < sha256.Size {
		return AuthState{}, false
	}

	payload, tag := raw[:len(raw)-sha256.Size], raw[len(raw)-sha256.Size:]
	if !hmac.Equal(tag, c.mac(payload)) {
		return AuthState{}, false
	}

	var s AuthState
	seen := make(map[protowire.Number]bool)
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 || typ != protowire.BytesType || seen[num] {
			return AuthState{}, false
		}
		seen[num] = true
		payload = payload[n:]

		v, n := protowire.ConsumeBytes(payload)
		if n < 0 {
			return AuthState{}, false
		}
		payload = payload[n:]

		switch num {
		case fieldClientID:
			s.ClientID = string(v)
		case fieldClientDisplayName:
			s.ClientDisplayName = string(v)
		case fieldRedirectURI:
			s.RedirectURI = string(v)
		case fieldScope:
			s.Scope = string(v)
		case fieldCallerState:
			s.CallerState = string(v)
		default:
			return AuthState{}, false
		}
	}

	return s, true
}

func (c *Codec) mac(b []byte) []byte {
	h := hmac.New(sha256.New, c.key)
	h.Write(b)

	return h.Sum(nil)
}

func appendField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)

	return protowire.AppendString(b, v)
}
