package control

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/jmoiron/sqlx"
	"go.uber.org/multierr"

	"github.com/vietddude/muniwatch/internal/core/config"
	"github.com/vietddude/muniwatch/internal/infra/cache"
	redisclient "github.com/vietddude/muniwatch/internal/infra/redis"
	"github.com/vietddude/muniwatch/internal/infra/rpc"
	"github.com/vietddude/muniwatch/internal/infra/rpc/routing"
	"github.com/vietddude/muniwatch/internal/infra/storage/sqldb"
)

// Instance groups the components serving one configured instance.
type Instance struct {
	Config      config.InstanceConfig
	Client      *rpc.Client
	Cache       *cache.Cache // nil when caching is disabled
	Coordinator *Coordinator
}

// Registry maps instance ids to their components. It owns the shared
// redis and SQL connections used by cache stores.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*Instance

	cacheCfg config.CacheConfig
	redis    *redisclient.Client
	db       *sqlx.DB
}

// NewRegistry builds every instance in cfg.
func NewRegistry(ctx context.Context, cfg *config.AppConfig) (*Registry, error) {
	r := &Registry{
		instances: make(map[string]*Instance),
		cacheCfg:  cfg.Cache,
	}
	for _, ic := range cfg.Instances {
		if err := r.Add(ctx, ic); err != nil {
			_ = r.Close(ctx)
			return nil, err
		}
	}
	return r, nil
}

// ClientConfig maps instance settings to transit client settings.
func ClientConfig(ic config.InstanceConfig) rpc.Config {
	return rpc.Config{
		Instance: ic.ID,
		APIKey:   ic.APIKey,
		Agency:   ic.Agency,
		Endpoint: ic.Endpoint,
		Timeout:  ic.Timeout(),
		Retry: routing.RetryConfig{
			MaxRetries:      ic.RetryMaxAttempts,
			BaseDelay:       ic.RetryBaseDelay(),
			MaxDelay:        routing.DefaultRetryConfig.MaxDelay,
			ExponentialBase: routing.DefaultRetryConfig.ExponentialBase,
		},
		HideIcons: !ic.IconsOn(),
	}
}

// Add builds and registers one instance.
func (r *Registry) Add(ctx context.Context, ic config.InstanceConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instances[ic.ID]; ok {
		return fmt.Errorf("instance %s already registered", ic.ID)
	}

	var c *cache.Cache
	if ic.CacheOn() {
		store, err := r.store(ctx, ic.ID)
		if err != nil {
			return fmt.Errorf("instance %s: %w", ic.ID, err)
		}
		c = cache.New(ctx, cache.Config{
			Instance:     ic.ID,
			TTL:          ic.CacheTTL(),
			MaxSizeBytes: ic.CacheMaxBytes(),
		}, store)
	}

	client := rpc.NewClient(ClientConfig(ic))
	r.instances[ic.ID] = &Instance{
		Config:      ic,
		Client:      client,
		Cache:       c,
		Coordinator: NewCoordinator(ic, client, c),
	}
	slog.Info("Instance registered",
		"instance", ic.ID,
		"agency", ic.Agency,
		"stops", len(ic.Stops),
		"cache", ic.CacheOn(),
	)
	return nil
}

// store must be called with r.mu held.
func (r *Registry) store(ctx context.Context, instance string) (cache.Store, error) {
	switch r.cacheCfg.Backend {
	case config.BackendRedis:
		if r.redis == nil {
			client, err := redisclient.NewClient(r.cacheCfg.Redis)
			if err != nil {
				return nil, err
			}
			r.redis = client
		}
		return cache.NewRedisStore(r.redis, instance), nil
	case config.BackendSQL:
		if r.db == nil {
			db, err := sqldb.Open(ctx, r.cacheCfg.SQL)
			if err != nil {
				return nil, err
			}
			r.db = db
		}
		return cache.NewSQLStore(r.db, instance, r.cacheCfg.SQL.Driver), nil
	default:
		dir := r.cacheCfg.Dir
		if dir == "" {
			dir = config.DefaultCacheDir
		}
		fs, err := cache.NewFileStore(filepath.Join(dir, instance))
		if err != nil {
			return nil, err
		}
		return fs, nil
	}
}

// Get returns the instance with the given id.
func (r *Registry) Get(id string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Instances returns every instance ordered by id.
func (r *Registry) Instances() []*Instance {
	ids := r.IDs()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Instance, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.instances[id])
	}
	return out
}

// Remove closes and unregisters one instance.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	delete(r.instances, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return inst.Coordinator.Close(ctx)
}

// Close closes every instance, then the shared connections.
func (r *Registry) Close(ctx context.Context) error {
	var err error
	for _, id := range r.IDs() {
		err = multierr.Append(err, r.Remove(ctx, id))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.redis != nil {
		err = multierr.Append(err, r.redis.Close())
		r.redis = nil
	}
	if r.db != nil {
		err = multierr.Append(err, r.db.Close())
		r.db = nil
	}
	return err
}
