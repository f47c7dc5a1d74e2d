package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bnema/perfpilot/internal/domain"
	"github.com/klauspost/compress/zstd"
)

const cacheIndexKey = "__index__"

// Encoder and decoder with default options never fail to construct and are
// safe for concurrent EncodeAll/DecodeAll.
var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Persist writes every unexpired critical and high priority entry to the
// durable store. Values above the compression threshold are zstd-compressed.
// Keys persisted earlier but no longer durable are removed.
func (c *CacheManager) Persist(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}

	c.mu.Lock()
	now := c.clock.Now()
	prefix := c.cfg.PersistPrefix
	threshold := c.cfg.CompressionThreshold
	var durable []domain.CacheEntry
	for _, entry := range c.entries {
		if entry.Priority.Durable() && !entry.Expired(now) {
			durable = append(durable, copyEntry(entry))
		}
	}
	c.mu.Unlock()

	previous, _ := c.readIndex(ctx, prefix)

	var errs []error
	index := make([]string, 0, len(durable))
	for _, entry := range durable {
		if threshold > 0 && len(entry.Value) > threshold {
			entry.Value = zstdEncoder.EncodeAll(entry.Value, nil)
			entry.Compressed = true
		}

		data, err := json.Marshal(entry)
		if err != nil {
			errs = append(errs, fmt.Errorf("encode cache entry %s: %w", entry.Key, err))
			continue
		}
		if err := c.store.Put(ctx, prefix+entry.Key, data); err != nil {
			errs = append(errs, fmt.Errorf("persist cache entry %s: %w", entry.Key, err))
			continue
		}
		index = append(index, entry.Key)
	}

	kept := make(map[string]struct{}, len(index))
	for _, key := range index {
		kept[key] = struct{}{}
	}
	for _, key := range previous {
		if _, ok := kept[key]; ok {
			continue
		}
		if err := c.store.Delete(ctx, prefix+key); err != nil && !errors.Is(err, domain.ErrNotFound) {
			c.logger.Debug().Err(err).Str("op", "persist").Str("key", key).Msg("remove stale persisted entry failed")
		}
	}

	data, err := json.Marshal(index)
	if err == nil {
		err = c.store.Put(ctx, prefix+cacheIndexKey, data)
	}
	if err != nil {
		errs = append(errs, fmt.Errorf("persist cache index: %w", err))
	}

	c.logger.Debug().Str("op", "persist").Int("entries", len(index)).Msg("cache persisted")
	return len(index), errors.Join(errs...)
}

// Hydrate restores persisted entries on cold start. Expired entries are
// dropped from the store; unreadable entries are skipped. Keys already present
// in memory win.
func (c *CacheManager) Hydrate(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}

	c.mu.Lock()
	prefix := c.cfg.PersistPrefix
	c.mu.Unlock()

	keys, err := c.readIndex(ctx, prefix)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("read cache index: %w", err)
	}

	restored := 0
	for _, key := range keys {
		entry, err := c.readEntry(ctx, prefix+key)
		if err != nil {
			c.logger.Debug().Err(err).Str("op", "hydrate").Str("key", key).Msg("skip unreadable persisted entry")
			continue
		}

		c.mu.Lock()
		now := c.clock.Now()
		if entry.Expired(now) {
			c.mu.Unlock()
			if err := c.store.Delete(ctx, prefix+key); err != nil && !errors.Is(err, domain.ErrNotFound) {
				c.logger.Debug().Err(err).Str("op", "hydrate").Str("key", key).Msg("remove expired persisted entry failed")
			}
			continue
		}
		if _, exists := c.entries[entry.Key]; exists {
			c.mu.Unlock()
			continue
		}
		events, ok := c.admitLocked(entry, now)
		c.mu.Unlock()

		c.emit(events)
		if ok {
			restored++
		}
	}

	c.logger.Debug().Str("op", "hydrate").Int("entries", restored).Msg("cache hydrated")
	return restored, nil
}

func (c *CacheManager) readIndex(ctx context.Context, prefix string) ([]string, error) {
	data, err := c.store.Get(ctx, prefix+cacheIndexKey)
	if err != nil {
		return nil, err
	}

	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("decode cache index: %w", err)
	}
	return keys, nil
}

func (c *CacheManager) readEntry(ctx context.Context, key string) (*domain.CacheEntry, error) {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	var entry domain.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	if entry.Compressed {
		value, err := zstdDecoder.DecodeAll(entry.Value, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress cache entry: %w", err)
		}
		entry.Value = value
		entry.Compressed = false
	}
	return &entry, nil
}
