// Package cache keeps the last good arrivals per stop so that update cycles
// can fall back to recent data during upstream outages.
//
// Entries live in memory behind a mutex and are persisted to a Store after
// every write. Expired entries are never returned.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/muniwatch/internal/core/domain"
	"github.com/vietddude/muniwatch/internal/core/errs"
)

const (
	DefaultTTL          = 30 * time.Minute
	DefaultMaxSizeBytes = 10 << 20

	// evictionTarget is the share of the byte budget kept after eviction.
	evictionTarget = 0.8
)

// Config holds cache settings.
type Config struct {
	Instance     string
	TTL          time.Duration
	MaxSizeBytes int64
}

// Info summarizes cache contents.
type Info struct {
	TotalEntries         int     `json:"total_entries"`
	ValidEntries         int     `json:"valid_entries"`
	ExpiredEntries       int     `json:"expired_entries"`
	CacheDurationMinutes float64 `json:"cache_duration_minutes"`
	EstimatedSizeKB      float64 `json:"estimated_size_kb"`
	StoreSizeKB          float64 `json:"store_size_kb"`
	MaxSizeMB            float64 `json:"max_size_mb"`
	Location             string  `json:"location"`
	StoreExists          bool    `json:"store_exists"`
}

// Cache is a TTL-bounded, size-bounded map of stop code to CacheEntry.
type Cache struct {
	cfg   Config
	store Store

	mu      sync.Mutex
	entries map[string]domain.CacheEntry

	saveMu sync.Mutex
	saves  sync.WaitGroup

	now func() time.Time
}

// New creates a cache and loads persisted entries from store. Load failures
// leave the cache empty.
func New(ctx context.Context, cfg Config, store Store) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = DefaultMaxSizeBytes
	}
	if store == nil {
		store = NopStore{}
	}
	c := &Cache{
		cfg:     cfg,
		store:   store,
		entries: make(map[string]domain.CacheEntry),
		now:     time.Now,
	}
	c.load(ctx)
	return c
}

func (c *Cache) load(ctx context.Context) {
	loaded, err := c.store.Load(ctx)
	if err != nil {
		slog.Error("Failed to load cache, starting empty",
			"instance", c.cfg.Instance,
			"location", c.store.Stat().Location,
			"error", err,
		)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	discarded := 0
	for code, e := range loaded {
		if e.CachedAt.IsZero() || now.Sub(e.CachedAt) > c.cfg.TTL {
			discarded++
			continue
		}
		if e.StopCode == "" {
			e.StopCode = code
		}
		c.entries[code] = e
	}
	slog.Info("Loaded cache",
		"instance", c.cfg.Instance,
		"entries", len(c.entries),
		"discarded", discarded,
	)
}

// Put stores arrivals for a stop and schedules a background save. Empty
// stop codes and nil arrivals are ignored.
func (c *Cache) Put(ctx context.Context, stopCode string, arrivals []domain.LineArrivals, cfg domain.StopConfig) {
	if stopCode == "" || arrivals == nil {
		return
	}

	c.mu.Lock()
	now := c.now()
	c.entries[stopCode] = domain.CacheEntry{
		StopCode: stopCode,
		CachedAt: now.UTC(),
		Arrivals: domain.CloneLines(arrivals),
		Config:   cfg.Clone(),
	}
	c.purgeExpired(now)
	c.enforceSize()
	c.mu.Unlock()

	c.saveAsync()
}

// Get returns a copy of the entry for stopCode annotated with its age. It
// misses for unknown, invalid or expired entries.
func (c *Cache) Get(ctx context.Context, stopCode string) (*domain.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[stopCode]
	if !ok {
		return nil, false
	}
	if e.CachedAt.IsZero() {
		delete(c.entries, stopCode)
		return nil, false
	}
	age := c.now().Sub(e.CachedAt)
	if age > c.cfg.TTL {
		delete(c.entries, stopCode)
		return nil, false
	}

	out := domain.CacheEntry{
		StopCode:        e.StopCode,
		CachedAt:        e.CachedAt,
		Arrivals:        domain.CloneLines(e.Arrivals),
		Config:          e.Config.Clone(),
		CacheAgeMinutes: age.Minutes(),
	}
	return &out, true
}

// Has reports whether a valid entry exists for stopCode.
func (c *Cache) Has(ctx context.Context, stopCode string) bool {
	_, ok := c.Get(ctx, stopCode)
	return ok
}

// HasAny reports whether any valid entry exists.
func (c *Cache) HasAny(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for _, e := range c.entries {
		if !e.CachedAt.IsZero() && now.Sub(e.CachedAt) <= c.cfg.TTL {
			return true
		}
	}
	return false
}

// Clear removes one stop, or every stop when stopCode is empty, and saves
// synchronously.
func (c *Cache) Clear(ctx context.Context, stopCode string) error {
	c.mu.Lock()
	if stopCode == "" {
		c.entries = make(map[string]domain.CacheEntry)
	} else {
		delete(c.entries, stopCode)
	}
	c.mu.Unlock()

	if err := c.Save(ctx); err != nil {
		return err
	}
	slog.Info("Cleared cache", "instance", c.cfg.Instance, "stop", stopCode)
	return nil
}

// StopCodes returns the stop codes with valid entries, sorted.
func (c *Cache) StopCodes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	codes := make([]string, 0, len(c.entries))
	for code, e := range c.entries {
		if !e.CachedAt.IsZero() && now.Sub(e.CachedAt) <= c.cfg.TTL {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes
}

// Info returns cache statistics.
func (c *Cache) Info() Info {
	c.mu.Lock()
	now := c.now()
	info := Info{
		TotalEntries:         len(c.entries),
		CacheDurationMinutes: c.cfg.TTL.Minutes(),
		EstimatedSizeKB:      float64(c.estimateSize()) / 1024,
		MaxSizeMB:            float64(c.cfg.MaxSizeBytes) / (1 << 20),
	}
	for _, e := range c.entries {
		if now.Sub(e.CachedAt) > c.cfg.TTL {
			info.ExpiredEntries++
		} else {
			info.ValidEntries++
		}
	}
	c.mu.Unlock()

	stat := c.store.Stat()
	info.Location = stat.Location
	info.StoreExists = stat.Exists
	info.StoreSizeKB = float64(stat.SizeBytes) / 1024
	return info
}

// Save persists a snapshot of the cache.
func (c *Cache) Save(ctx context.Context) error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.Lock()
	snapshot := make(map[string]domain.CacheEntry, len(c.entries))
	for k, e := range c.entries {
		snapshot[k] = domain.CacheEntry{
			StopCode: e.StopCode,
			CachedAt: e.CachedAt,
			Arrivals: domain.CloneLines(e.Arrivals),
			Config:   e.Config.Clone(),
		}
	}
	c.mu.Unlock()

	if err := c.store.Save(ctx, snapshot); err != nil {
		return errs.Wrap(errs.KindCache, "save cache", err)
	}
	return nil
}

func (c *Cache) saveAsync() {
	c.saves.Add(1)
	go func() {
		defer c.saves.Done()
		if err := c.Save(context.Background()); err != nil {
			slog.Error("Failed to persist cache", "instance", c.cfg.Instance, "error", err)
		}
	}()
}

// Flush waits for background saves to finish.
func (c *Cache) Flush() {
	c.saves.Wait()
}

// Close waits for pending saves, writes a final snapshot and releases the
// store. The in-memory map is cleared.
func (c *Cache) Close(ctx context.Context) error {
	c.saves.Wait()
	saveErr := c.Save(ctx)

	c.mu.Lock()
	c.entries = make(map[string]domain.CacheEntry)
	c.mu.Unlock()

	if err := c.store.Close(); err != nil && saveErr == nil {
		return errs.Wrap(errs.KindCache, "close cache store", err)
	}
	return saveErr
}

// purgeExpired drops entries older than the TTL. Caller holds mu.
func (c *Cache) purgeExpired(now time.Time) {
	for code, e := range c.entries {
		if now.Sub(e.CachedAt) > c.cfg.TTL {
			delete(c.entries, code)
		}
	}
}

// enforceSize evicts oldest entries until the estimated size is within the
// eviction target. Caller holds mu.
func (c *Cache) enforceSize() {
	size := c.estimateSize()
	if size <= c.cfg.MaxSizeBytes {
		return
	}

	codes := make([]string, 0, len(c.entries))
	for code := range c.entries {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool {
		return c.entries[codes[i]].CachedAt.Before(c.entries[codes[j]].CachedAt)
	})

	target := int64(float64(c.cfg.MaxSizeBytes) * evictionTarget)
	evicted := 0
	for _, code := range codes {
		if size <= target {
			break
		}
		size -= entrySize(c.entries[code])
		delete(c.entries, code)
		evicted++
	}
	slog.Info("Evicted cache entries over size budget",
		"instance", c.cfg.Instance,
		"evicted", evicted,
		"size_bytes", size,
	)
}

// estimateSize sums the JSON size of all entries. Caller holds mu.
func (c *Cache) estimateSize() int64 {
	var total int64
	for _, e := range c.entries {
		total += entrySize(e)
	}
	return total
}

func entrySize(e domain.CacheEntry) int64 {
	b, err := json.Marshal(e)
	if err != nil {
		return 0
	}
	return int64(len(b))
}
