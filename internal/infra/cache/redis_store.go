package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/muniwatch/internal/core/domain"
	redisclient "github.com/vietddude/muniwatch/internal/infra/redis"
)

// RedisStore keeps the snapshot in a Redis hash, one field per stop.
type RedisStore struct {
	client *redisclient.Client
	key    string
}

// NewRedisStore creates a store for one instance.
func NewRedisStore(client *redisclient.Client, instance string) *RedisStore {
	return &RedisStore{client: client, key: redisclient.SnapshotKey(instance)}
}

func (s *RedisStore) Load(ctx context.Context) (map[string]domain.CacheEntry, error) {
	fields, err := s.client.LoadHash(ctx, s.key)
	if err != nil {
		return nil, err
	}

	entries := make(map[string]domain.CacheEntry, len(fields))
	for code, raw := range fields {
		var e domain.CacheEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			slog.Warn("Skipping unreadable cache entry", "key", s.key, "stop", code, "error", err)
			continue
		}
		entries[code] = e
	}
	return entries, nil
}

func (s *RedisStore) Save(ctx context.Context, entries map[string]domain.CacheEntry) error {
	fields := make(map[string]string, len(entries))
	for code, e := range entries {
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal entry %s: %w", code, err)
		}
		fields[code] = string(b)
	}
	return s.client.ReplaceHash(ctx, s.key, fields)
}

func (s *RedisStore) Stat() StoreStat {
	st := StoreStat{Location: fmt.Sprintf("redis://%s/%s", s.client.Addr(), s.key)}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if exists, size, err := s.client.KeyStat(ctx, s.key); err == nil {
		st.Exists, st.SizeBytes = exists, size
	}
	return st
}

// Close is a no-op; the shared client is closed by its owner.
func (s *RedisStore) Close() error { return nil }
