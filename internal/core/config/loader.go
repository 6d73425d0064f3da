package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"
)

// Defaults applied to unset options.
const (
	DefaultPort             = 8080
	DefaultCacheDir         = "muniwatch_cache"
	DefaultAgency           = "SF"
	DefaultUpdateInterval   = 60
	DefaultMaxResults       = 3
	DefaultCacheDuration    = 30
	DefaultCacheMaxSize     = 10
	DefaultRetryMaxAttempts = 3
	DefaultRetryDelay       = 1.0
	DefaultRequestTimeout   = 30
)

// Load reads configuration from a YAML or TOML file. The format is chosen by
// extension; anything other than ".toml" is read as YAML.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the file content
	expandedData := os.ExpandEnv(string(data))
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset options.
func ApplyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = BackendFile
	}
	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = DefaultCacheDir
	}

	for i := range cfg.Instances {
		inst := &cfg.Instances[i]
		if inst.Agency == "" {
			inst.Agency = DefaultAgency
		}
		if inst.UpdateInterval == 0 {
			inst.UpdateInterval = DefaultUpdateInterval
		}
		if inst.MaxResults == 0 {
			inst.MaxResults = DefaultMaxResults
		}
		if inst.CacheDuration == 0 {
			inst.CacheDuration = DefaultCacheDuration
		}
		if inst.CacheMaxSize == 0 {
			inst.CacheMaxSize = DefaultCacheMaxSize
		}
		if inst.RetryMaxAttempts == 0 {
			inst.RetryMaxAttempts = DefaultRetryMaxAttempts
		}
		if inst.RetryDelay == 0 {
			inst.RetryDelay = DefaultRetryDelay
		}
		if inst.RequestTimeout == 0 {
			inst.RequestTimeout = DefaultRequestTimeout
		}
		for j := range inst.Stops {
			inst.Stops[j].StopCode = strings.TrimSpace(inst.Stops[j].StopCode)
		}
	}
}

// Validate checks option bounds.
func Validate(cfg *AppConfig) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Cache.Backend == BackendRedis && cfg.Cache.Redis.URL == "" {
		return fmt.Errorf("invalid config: cache.redis.url is required for the redis backend")
	}
	if cfg.Cache.Backend == BackendSQL && cfg.Cache.SQL.DSN == "" {
		return fmt.Errorf("invalid config: cache.sql.dsn is required for the sql backend")
	}
	return nil
}

// Instance returns the instance with the given id.
func (c *AppConfig) Instance(id string) (InstanceConfig, bool) {
	for _, inst := range c.Instances {
		if inst.ID == id {
			return inst, true
		}
	}
	return InstanceConfig{}, false
}
