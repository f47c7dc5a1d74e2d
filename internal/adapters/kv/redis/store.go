package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bnema/perfpilot/internal/domain"
	"github.com/bnema/perfpilot/internal/ports"
	goredis "github.com/redis/go-redis/v9"
)

const defaultPrefix = "perfpilot:"

// Store keeps values under prefix+key. A positive ttl expires idle keys and is
// refreshed on every read.
type Store struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
}

var _ ports.KVStore = (*Store)(nil)

type Option func(*Store)

func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

func NewStore(client *goredis.Client, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, errors.New("redis client is nil")
	}

	store := &Store{client: client, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(store)
	}

	return store, nil
}

// Dial connects to addr and verifies the connection with PING.
func Dial(ctx context.Context, addr, password string, db int, opts ...Option) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}

	return NewStore(client, opts...)
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("redis key %q: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}

	if s.ttl > 0 {
		// A failed refresh only shortens the key lifetime.
		_ = s.client.Expire(ctx, s.key(key), s.ttl).Err()
	}

	return value, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.key(key), value, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(key string) string {
	return s.prefix + key
}
