package sessionvalkey

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/openkcm/identity-provider/internal/serviceerr"
)

type ObjectType string

const objectTypeSession ObjectType = "session"

type store struct {
	valkey valkey.Client
	prefix string
}

func newStore(valkeyClient valkey.Client, prefix string) *store {
	prefix = strings.TrimSuffix(prefix, ":")
	return &store{
		valkey: valkeyClient,
		prefix: prefix,
	}
}

func (s *store) Get(ctx context.Context, objectType ObjectType, objectID string, decodeInto any) error {
	return s.get(ctx, s.key(objectType, objectID), decodeInto)
}

// Create stores val under a key that must not exist yet.
func (s *store) Create(ctx context.Context, objectType ObjectType, id string, val any, ttl time.Duration) error {
	key := s.key(objectType, id)
	bytes, err := s.encode(val)
	if err != nil {
		return fmt.Errorf("encoding data: %w", err)
	}

	err = s.valkey.Do(ctx, s.valkey.B().Set().Key(key).Value(valkey.BinaryString(bytes)).Nx().ExSeconds(ttlSeconds(ttl)).Build()).Error()
	if err != nil {
		if isNil(err) {
			return serviceerr.ErrConflict
		}

		return fmt.Errorf("executing set command: %w", err)
	}

	return nil
}

// Replace overwrites an existing key and keeps its expiry.
func (s *store) Replace(ctx context.Context, objectType ObjectType, id string, val any) error {
	key := s.key(objectType, id)
	bytes, err := s.encode(val)
	if err != nil {
		return fmt.Errorf("encoding data: %w", err)
	}

	err = s.valkey.Do(ctx, s.valkey.B().Set().Key(key).Value(valkey.BinaryString(bytes)).Xx().Keepttl().Build()).Error()
	if err != nil {
		if isNil(err) {
			return serviceerr.ErrNotFound
		}

		return fmt.Errorf("executing set command: %w", err)
	}

	return nil
}

func (s *store) Destroy(ctx context.Context, objectType ObjectType, id string) error {
	key := s.key(objectType, id)
	if err := s.valkey.Do(ctx, s.valkey.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("executing del command: %w", err)
	}

	return nil
}

func (s *store) get(ctx context.Context, key string, decodeInto any) error {
	bytes, err := s.valkey.Do(ctx, s.valkey.B().Get().Key(key).Build()).AsBytes()
	if err != nil {
		if isNil(err) {
			return serviceerr.ErrNotFound
		}

		return fmt.Errorf("executing get command: %w", err)
	}

	if err := s.decode(bytes, decodeInto); err != nil {
		return fmt.Errorf("decoding object: %w", err)
	}

	return nil
}

// scan calls fn with the id of every stored object of objectType.
func (s *store) scan(ctx context.Context, objectType ObjectType, fn func(id string) error) error {
	match := s.key(objectType, "*")
	keyPrefix := s.key(objectType, "")

	var cursor uint64
	for {
		entry, err := s.valkey.Do(ctx, s.valkey.B().Scan().Cursor(cursor).Match(match).Count(100).Build()).AsScanEntry()
		if err != nil {
			return fmt.Errorf("executing scan command: %w", err)
		}

		for _, key := range entry.Elements {
			if err := fn(strings.TrimPrefix(key, keyPrefix)); err != nil {
				return err
			}
		}

		cursor = entry.Cursor
		if cursor == 0 {
			return nil
		}
	}
}

func (s *store) key(objectType ObjectType, objectID string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, objectType, objectID)
}

func (s *store) encode(v any) ([]byte, error) {
	bytes, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling json: %w", err)
	}

	return bytes, nil
}

func (s *store) decode(data []byte, into any) error {
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("unmarshaling json: %w", err)
	}

	return nil
}

func isNil(err error) bool {
	valkeyErr, ok := valkey.IsValkeyErr(err)
	return ok && valkeyErr.IsNil()
}

// ttlSeconds rounds up to whole seconds; Valkey rejects an expiry of zero.
func ttlSeconds(ttl time.Duration) int64 {
	secs := int64(math.Ceil(ttl.Seconds()))
	if secs < 1 {
		return 1
	}

	return secs
}
