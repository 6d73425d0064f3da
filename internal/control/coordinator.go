package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"github.com/vietddude/muniwatch/internal/core/config"
	"github.com/vietddude/muniwatch/internal/core/domain"
	"github.com/vietddude/muniwatch/internal/core/errs"
	"github.com/vietddude/muniwatch/internal/infra/cache"
	"github.com/vietddude/muniwatch/internal/infra/rpc"
	"github.com/vietddude/muniwatch/internal/metrics"
)

// MaxErrorHistory bounds the number of failed cycles kept for diagnostics.
const MaxErrorHistory = 10

// ArrivalSource is the part of the transit client the coordinator uses.
type ArrivalSource interface {
	Arrivals(ctx context.Context, stopCode string) ([]domain.LineArrivals, error)
	TestConnection(ctx context.Context, stopCode string) (bool, error)
	HealthStatus() rpc.HealthStatus
	ResetHealth()
	Close() error
}

// UpdateFailedError is returned when a cycle produced no data for any stop.
type UpdateFailedError struct {
	Messages []string
	Err      error // every per-stop error, combined with multierr
}

func (e *UpdateFailedError) Error() string {
	return "Failed to get data for all stops: " + strings.Join(e.Messages, "; ")
}

func (e *UpdateFailedError) Unwrap() error { return e.Err }

// ErrorRecord is one entry of the failure history.
type ErrorRecord struct {
	Timestamp           time.Time `json:"timestamp"`
	Error               string    `json:"error"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// CoordinatorStats is the coordinator section of Diagnostics.
type CoordinatorStats struct {
	LastCycleID          string        `json:"last_cycle_id,omitempty"`
	LastUpdateSuccess    bool          `json:"last_update_success"`
	LastSuccessfulUpdate *time.Time    `json:"last_successful_update,omitempty"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ErrorHistory         []ErrorRecord `json:"error_history"`
	CacheHits            int           `json:"cache_hits"`
	CacheMisses          int           `json:"cache_misses"`
	UpdateIntervalSecs   float64       `json:"update_interval_seconds"`
}

// Diagnostics is a read-only snapshot of one instance.
type Diagnostics struct {
	Instance    string            `json:"instance"`
	Config      map[string]any    `json:"config"`
	Coordinator CoordinatorStats  `json:"coordinator"`
	APIHealth   rpc.HealthStatus  `json:"api_health"`
	Cache       *cache.Info       `json:"cache_info,omitempty"`
	StopsCount  int               `json:"stops_count"`
	StopData    map[string]string `json:"stop_data_sources"`
}

// Coordinator runs update cycles for the stops of one instance.
type Coordinator struct {
	cfg    config.InstanceConfig
	source ArrivalSource
	cache  *cache.Cache // nil when caching is disabled
	log    *slog.Logger
	now    func() time.Time

	cycleMu sync.Mutex
	refresh singleflight.Group

	mu                   sync.RWMutex
	data                 map[string]domain.StopRecord
	lastCycleID          string
	lastUpdateSuccess    bool
	lastSuccessfulUpdate *time.Time
	consecutiveFailures  int
	errorHistory         []ErrorRecord
	lastError            error
	cacheHits            int
	cacheMisses          int
}

// NewCoordinator creates a coordinator. c may be nil.
func NewCoordinator(cfg config.InstanceConfig, source ArrivalSource, c *cache.Cache) *Coordinator {
	return &Coordinator{
		cfg:    cfg,
		source: source,
		cache:  c,
		log:    slog.Default().With("instance", cfg.ID),
		now:    time.Now,
		data:   make(map[string]domain.StopRecord),
	}
}

// Instance returns the instance id.
func (c *Coordinator) Instance() string { return c.cfg.ID }

// Config returns the instance configuration.
func (c *Coordinator) Config() config.InstanceConfig { return c.cfg }

// Cache returns the fallback cache, or nil.
func (c *Coordinator) Cache() *cache.Cache { return c.cache }

// Update runs one cycle over every configured stop. It fails only when no
// stop produced data, live or cached.
func (c *Coordinator) Update(ctx context.Context) (map[string]domain.StopRecord, error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	cycleID := uuid.NewString()
	log := c.log.With("cycle", cycleID)

	data := make(map[string]domain.StopRecord)
	var (
		messages []string
		combined error
	)

	for _, stop := range c.cfg.Stops {
		code := stop.StopCode
		if code == "" {
			continue
		}

		arrivals, err := c.source.Arrivals(ctx, code)
		if err == nil {
			data[code] = domain.FreshRecord(stop.Clone(), arrivals, c.now())
			if c.cache != nil {
				c.cache.Put(ctx, code, arrivals, stop)
			}
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		messages = append(messages, fmt.Sprintf("Stop %s: %v", code, err))
		combined = multierr.Append(combined, err)

		if !errs.IsAPIError(err) {
			log.Error("Unexpected error fetching stop", "stop", code, "error", err)
			continue
		}
		log.Warn("API error fetching stop", "stop", code, "kind", kindName(err), "error", err)

		if rec, ok := c.fallback(ctx, code, stop); ok {
			data[code] = rec
			log.Info("Using cached data", "stop", code, "age_minutes", rec.CacheAgeMinutes)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastCycleID = cycleID

	if len(data) == 0 {
		c.consecutiveFailures++
		failure := &UpdateFailedError{Messages: messages, Err: combined}
		c.recordFailure(failure)
		metrics.UpdateCycles.WithLabelValues(c.cfg.ID, "failed").Inc()
		metrics.ConsecutiveFailures.WithLabelValues(c.cfg.ID).Set(float64(c.consecutiveFailures))
		log.Error("Update cycle failed", "consecutive_failures", c.consecutiveFailures, "error", failure)
		return nil, failure
	}

	c.consecutiveFailures = 0
	c.lastUpdateSuccess = true
	c.data = data
	metrics.ConsecutiveFailures.WithLabelValues(c.cfg.ID).Set(0)

	if len(messages) == 0 {
		now := c.now()
		c.lastSuccessfulUpdate = &now
		c.lastError = nil
		metrics.UpdateCycles.WithLabelValues(c.cfg.ID, "ok").Inc()
		log.Debug("Update cycle finished", "stops", len(data))
	} else {
		c.lastError = combined
		metrics.UpdateCycles.WithLabelValues(c.cfg.ID, "partial").Inc()
		log.Warn("Partial update failure", "stops", len(data), "errors", strings.Join(messages, "; "))
	}

	return copyRecords(data), nil
}

func (c *Coordinator) fallback(ctx context.Context, code string, stop domain.StopConfig) (domain.StopRecord, bool) {
	if c.cache == nil {
		return domain.StopRecord{}, false
	}
	entry, ok := c.cache.Get(ctx, code)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !ok {
		c.cacheMisses++
		metrics.CacheLookups.WithLabelValues(c.cfg.ID, "miss").Inc()
		return domain.StopRecord{}, false
	}
	c.cacheHits++
	metrics.CacheLookups.WithLabelValues(c.cfg.ID, "hit").Inc()

	rec := entry.Record()
	if rec.StopCode == "" {
		rec.StopCode = code
	}
	if rec.Config.StopCode == "" {
		rec.Config = stop.Clone()
	}
	return rec, true
}

// recordFailure must be called with c.mu held.
func (c *Coordinator) recordFailure(err error) {
	c.lastUpdateSuccess = false
	c.lastError = err
	c.errorHistory = append(c.errorHistory, ErrorRecord{
		Timestamp:           c.now().UTC(),
		Error:               err.Error(),
		ConsecutiveFailures: c.consecutiveFailures,
	})
	if n := len(c.errorHistory); n > MaxErrorHistory {
		c.errorHistory = append([]ErrorRecord(nil), c.errorHistory[n-MaxErrorHistory:]...)
	}
}

// RefreshAll runs a cycle. On failure the previous data is kept.
func (c *Coordinator) RefreshAll(ctx context.Context) error {
	_, err := c.Update(ctx)
	return err
}

// RefreshStop fetches one configured stop without cache fallback. Concurrent
// refreshes of the same stop share one request, which runs detached from any
// single caller's cancellation.
func (c *Coordinator) RefreshStop(ctx context.Context, code string) (domain.StopRecord, error) {
	stop, ok := c.stop(code)
	if !ok {
		return domain.StopRecord{}, errs.Newf(errs.KindConfig, "stop %s not configured", code)
	}

	shared := context.WithoutCancel(ctx)
	ch := c.refresh.DoChan(code, func() (any, error) {
		arrivals, err := c.source.Arrivals(shared, code)
		if err != nil {
			return nil, err
		}
		rec := domain.FreshRecord(stop.Clone(), arrivals, c.now())
		if c.cache != nil {
			c.cache.Put(shared, code, arrivals, stop)
		}
		c.mu.Lock()
		next := copyRecords(c.data)
		next[code] = rec
		c.data = next
		c.mu.Unlock()
		return rec, nil
	})

	select {
	case <-ctx.Done():
		return domain.StopRecord{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			c.log.Error("Failed to refresh stop", "stop", code, "error", res.Err)
			return domain.StopRecord{}, res.Err
		}
		c.log.Info("Refreshed stop", "stop", code)
		return cloneRecord(res.Val.(domain.StopRecord)), nil
	}
}

// ClearCache clears one stop, or every stop when code is empty.
func (c *Coordinator) ClearCache(ctx context.Context, code string) error {
	if c.cache == nil {
		c.log.Warn("Cache not enabled")
		return nil
	}
	if err := c.cache.Clear(ctx, code); err != nil {
		return err
	}
	if code == "" {
		c.log.Info("Cleared all cache")
	} else {
		c.log.Info("Cleared cache", "stop", code)
	}
	return nil
}

// TestConnection probes the API with code, or the first configured stop.
func (c *Coordinator) TestConnection(ctx context.Context, code string) bool {
	if code == "" {
		for _, s := range c.cfg.Stops {
			if s.StopCode != "" {
				code = s.StopCode
				break
			}
		}
	}
	if code == "" {
		c.log.Error("No stop code available for connection test")
		return false
	}
	ok, err := c.source.TestConnection(ctx, code)
	if err != nil {
		c.log.Error("Connection test failed", "stop", code, "error", err)
		return false
	}
	if !ok {
		c.log.Warn("Connection test rejected credentials", "stop", code)
	}
	return ok
}

// ResetErrors clears failure counters and API health.
func (c *Coordinator) ResetErrors() {
	c.mu.Lock()
	c.consecutiveFailures = 0
	c.errorHistory = nil
	c.lastError = nil
	c.mu.Unlock()
	c.source.ResetHealth()
	metrics.ConsecutiveFailures.WithLabelValues(c.cfg.ID).Set(0)
	c.log.Info("Error counters reset")
}

// Data returns the current records.
func (c *Coordinator) Data() map[string]domain.StopRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyRecords(c.data)
}

// Record returns the current record for one stop.
func (c *Coordinator) Record(code string) (domain.StopRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.data[code]
	if !ok {
		return domain.StopRecord{}, false
	}
	return cloneRecord(rec), true
}

// HasAnyCachedData reports whether any configured stop has a valid entry.
func (c *Coordinator) HasAnyCachedData(ctx context.Context) bool {
	if c.cache == nil {
		return false
	}
	for _, s := range c.cfg.Stops {
		if s.StopCode != "" && c.cache.Has(ctx, s.StopCode) {
			return true
		}
	}
	return false
}

func (c *Coordinator) ConsecutiveFailures() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.consecutiveFailures
}

func (c *Coordinator) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

func (c *Coordinator) LastUpdateSuccess() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdateSuccess
}

// HealthStatus returns the client's API health.
func (c *Coordinator) HealthStatus() rpc.HealthStatus {
	return c.source.HealthStatus()
}

// Diagnostics returns a snapshot for troubleshooting. The API key is redacted.
func (c *Coordinator) Diagnostics() Diagnostics {
	c.mu.RLock()
	stats := CoordinatorStats{
		LastCycleID:          c.lastCycleID,
		LastUpdateSuccess:    c.lastUpdateSuccess,
		LastSuccessfulUpdate: c.lastSuccessfulUpdate,
		ConsecutiveFailures:  c.consecutiveFailures,
		ErrorHistory:         append([]ErrorRecord{}, c.errorHistory...),
		CacheHits:            c.cacheHits,
		CacheMisses:          c.cacheMisses,
		UpdateIntervalSecs:   c.cfg.Interval().Seconds(),
	}
	sources := make(map[string]string, len(c.data))
	for code, rec := range c.data {
		if rec.FromCache {
			sources[code] = "cache"
		} else {
			sources[code] = "api"
		}
	}
	c.mu.RUnlock()

	d := Diagnostics{
		Instance:    c.cfg.ID,
		Config:      redactedConfig(c.cfg),
		Coordinator: stats,
		APIHealth:   c.source.HealthStatus(),
		StopsCount:  len(c.cfg.Stops),
		StopData:    sources,
	}
	if c.cache != nil {
		info := c.cache.Info()
		d.Cache = &info
	}
	return d
}

// Close releases the client and persists the cache.
func (c *Coordinator) Close(ctx context.Context) error {
	err := c.source.Close()
	if c.cache != nil {
		err = multierr.Append(err, c.cache.Close(ctx))
	}
	return err
}

func (c *Coordinator) stop(code string) (domain.StopConfig, bool) {
	for _, s := range c.cfg.Stops {
		if s.StopCode == code && code != "" {
			return s, true
		}
	}
	return domain.StopConfig{}, false
}

func redactedConfig(cfg config.InstanceConfig) map[string]any {
	stops := make([]string, 0, len(cfg.Stops))
	for _, s := range cfg.Stops {
		stops = append(stops, s.StopCode)
	}
	return map[string]any{
		"api_key":            "**REDACTED**",
		"agency":             cfg.Agency,
		"stops":              stops,
		"update_interval":    cfg.UpdateInterval,
		"max_results":        cfg.MaxResults,
		"cache_enabled":      cfg.CacheOn(),
		"cache_duration":     cfg.CacheDuration,
		"cache_max_size":     cfg.CacheMaxSize,
		"retry_max_attempts": cfg.RetryMaxAttempts,
		"retry_delay":        cfg.RetryDelay,
		"request_timeout":    cfg.RequestTimeout,
		"show_line_icons":    cfg.IconsOn(),
	}
}

func kindName(err error) string {
	if k, ok := errs.KindOf(err); ok {
		return k.String()
	}
	return "unknown"
}

// copyRecords copies in deeply, so callers never share arrival slices with
// the coordinator.
func copyRecords(in map[string]domain.StopRecord) map[string]domain.StopRecord {
	out := make(map[string]domain.StopRecord, len(in))
	for k, v := range in {
		out[k] = cloneRecord(v)
	}
	return out
}

func cloneRecord(rec domain.StopRecord) domain.StopRecord {
	rec.Arrivals = domain.CloneLines(rec.Arrivals)
	rec.Config = rec.Config.Clone()
	return rec
}

var _ ArrivalSource = (*rpc.Client)(nil)
var _ error = (*UpdateFailedError)(nil)

// IsUpdateFailed reports whether err is a complete cycle failure.
func IsUpdateFailed(err error) bool {
	var u *UpdateFailedError
	return errors.As(err, &u)
}
