package ports

import "context"

// KVStore is the durable key-value store. Get returns domain.ErrNotFound for
// missing keys.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}
