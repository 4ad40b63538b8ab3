// Package tokenstore holds short-lived, single-use payloads in memory.
//
// A Store maps a key to a payload with an expiry. Entries are handed out once:
// Fetch removes the entry it returns. Expired entries are evicted on every
// access, so a key that is missing, expired or already consumed looks the same
// to the caller.
package tokenstore

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openkcm/identity-provider/internal/random"
)

const maxKeyAttempts = 16

var (
	ErrNoKeyFunc    = errors.New("store has no key generator")
	ErrKeyCollision = errors.New("could not generate a unique key")
)

type Token[T any] struct {
	Payload T
	Expiry  time.Time
}

// Expired reports whether the token is unusable at now.
func (t Token[T]) Expired(now time.Time) bool {
	return !now.Before(t.Expiry)
}

// KeyFunc generates a fresh key for Create.
type KeyFunc[K comparable] func() (K, error)

type Option[K comparable, T any] func(*Store[K, T])

// WithClock replaces time.Now.
func WithClock[K comparable, T any](now func() time.Time) Option[K, T] {
	return func(s *Store[K, T]) { s.now = now }
}

// WithKeyFunc sets the generator used by Create.
func WithKeyFunc[K comparable, T any](fn KeyFunc[K]) Option[K, T] {
	return func(s *Store[K, T]) { s.newKey = fn }
}

type Store[K comparable, T any] struct {
	mu       sync.Mutex
	tokens   map[K]Token[T]
	validity time.Duration
	newKey   KeyFunc[K]
	now      func() time.Time
}

// New returns a store whose entries live for validity.
func New[K comparable, T any](validity time.Duration, opts ...Option[K, T]) *Store[K, T] {
	s := &Store[K, T]{
		tokens:   make(map[K]Token[T]),
		validity: validity,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s
}

// NewRandom returns a store keyed by alphanumeric strings of keyLength
// characters, never fewer than random.MinTokenLength.
func NewRandom[T any](validity time.Duration, keyLength int, opts ...Option[string, T]) *Store[string, T] {
	keyFunc := func() (string, error) { return random.Token(keyLength) }
	opts = append([]Option[string, T]{WithKeyFunc[string, T](keyFunc)}, opts...)

	return New(validity, opts...)
}

// Create stores payload under a freshly generated key and returns the key.
func (s *Store[K, T]) Create(payload T) (K, error) {
	var zero K
	if s.newKey == nil {
		return zero, ErrNoKeyFunc
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.evict(now)

	for range maxKeyAttempts {
		key, err := s.newKey()
		if err != nil {
			return zero, fmt.Errorf("generating key: %w", err)
		}
		if _, exists := s.tokens[key]; exists {
			continue
		}

		s.tokens[key] = Token[T]{Payload: payload, Expiry: now.Add(s.validity)}

		return key, nil
	}

	return zero, ErrKeyCollision
}

// Put stores payload under key, replacing any previous entry.
func (s *Store[K, T]) Put(key K, payload T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.evict(now)
	s.tokens[key] = Token[T]{Payload: payload, Expiry: now.Add(s.validity)}
}

// Fetch removes and returns the entry stored under key.
func (s *Store[K, T]) Fetch(key K) (Token[T], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evict(s.now())

	token, ok := s.tokens[key]
	if !ok {
		return Token[T]{}, false
	}
	delete(s.tokens, key)

	return token, true
}

// Evict drops every expired entry and returns how many were removed.
func (s *Store[K, T]) Evict() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.evict(s.now())
}

// Len returns the number of entries, expired ones included.
func (s *Store[K, T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.tokens)
}

func (s *Store[K, T]) evict(now time.Time) int {
	var n int
	for key, token := range s.tokens {
		if token.Expired(now) {
			delete(s.tokens, key)
			n++
		}
	}

	return n
}
