package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/muniwatch/internal/core/domain"
)

// SQLStore keeps the snapshot in the cache_entries table, one row per stop.
// Only the latest snapshot is kept.
type SQLStore struct {
	db       *sqlx.DB
	instance string
	location string
}

type cacheRow struct {
	StopCode string `db:"stop_code"`
	CachedAt int64  `db:"cached_at"`
	Payload  string `db:"payload"`
}

// NewSQLStore creates a store for one instance over a migrated database.
func NewSQLStore(db *sqlx.DB, instance, location string) *SQLStore {
	return &SQLStore{db: db, instance: instance, location: location}
}

func (s *SQLStore) Load(ctx context.Context) (map[string]domain.CacheEntry, error) {
	var rows []cacheRow
	query := s.db.Rebind(`SELECT stop_code, cached_at, payload FROM cache_entries WHERE instance = ?`)
	if err := s.db.SelectContext(ctx, &rows, query, s.instance); err != nil {
		return nil, fmt.Errorf("select cache entries: %w", err)
	}

	entries := make(map[string]domain.CacheEntry, len(rows))
	for _, r := range rows {
		var e domain.CacheEntry
		if err := json.Unmarshal([]byte(r.Payload), &e); err != nil {
			slog.Warn("Skipping unreadable cache row", "instance", s.instance, "stop", r.StopCode, "error", err)
			continue
		}
		entries[r.StopCode] = e
	}
	return entries, nil
}

func (s *SQLStore) Save(ctx context.Context, entries map[string]domain.CacheEntry) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM cache_entries WHERE instance = ?`), s.instance); err != nil {
		return fmt.Errorf("delete cache entries: %w", err)
	}

	insert := tx.Rebind(`INSERT INTO cache_entries (instance, stop_code, cached_at, payload) VALUES (?, ?, ?, ?)`)
	for code, e := range entries {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal entry %s: %w", code, err)
		}
		if _, err := tx.ExecContext(ctx, insert, s.instance, code, e.CachedAt.Unix(), string(payload)); err != nil {
			return fmt.Errorf("insert cache entry %s: %w", code, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cache snapshot: %w", err)
	}
	return nil
}

func (s *SQLStore) Stat() StoreStat {
	st := StoreStat{Location: s.location}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var size struct {
		Rows  int   `db:"n"`
		Bytes int64 `db:"bytes"`
	}
	query := s.db.Rebind(`SELECT COUNT(*) AS n, COALESCE(SUM(LENGTH(payload)), 0) AS bytes FROM cache_entries WHERE instance = ?`)
	if err := s.db.GetContext(ctx, &size, query, s.instance); err == nil {
		st.Exists = size.Rows > 0
		st.SizeBytes = size.Bytes
	}
	return st
}

// Close is a no-op; the shared database is closed by its owner.
func (s *SQLStore) Close() error { return nil }
