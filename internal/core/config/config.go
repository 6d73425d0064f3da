package config

import (
	"time"

	"github.com/vietddude/muniwatch/internal/core/domain"
	redisclient "github.com/vietddude/muniwatch/internal/infra/redis"
	"github.com/vietddude/muniwatch/internal/infra/storage/sqldb"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server    ServerConfig     `yaml:"server"    toml:"server"`
	Logging   LoggingConfig    `yaml:"logging"   toml:"logging"`
	Cache     CacheConfig      `yaml:"cache"     toml:"cache"`
	Instances []InstanceConfig `yaml:"instances" toml:"instances" validate:"required,min=1,unique=ID,dive"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port" toml:"port" validate:"gte=0,lte=65535"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" toml:"level" validate:"omitempty,oneof=debug info warn error"`
}

// Cache backends.
const (
	BackendFile  = "file"
	BackendRedis = "redis"
	BackendSQL   = "sql"
)

// CacheConfig selects where cache snapshots are persisted.
type CacheConfig struct {
	Backend string             `yaml:"backend" toml:"backend" validate:"omitempty,oneof=file redis sql"`
	Dir     string             `yaml:"dir"     toml:"dir"`
	Redis   redisclient.Config `yaml:"redis"   toml:"redis"`
	SQL     sqldb.Config       `yaml:"sql"     toml:"sql"`
}

// InstanceConfig is one monitored agency account with its stops.
type InstanceConfig struct {
	ID               string              `yaml:"id"                 toml:"id"                 validate:"required,printascii,excludesall=/?# "`
	APIKey           string              `yaml:"api_key"            toml:"api_key"            validate:"required"`
	Agency           string              `yaml:"agency"             toml:"agency"`
	Stops            []domain.StopConfig `yaml:"stops"              toml:"stops"              validate:"required,min=1"`
	UpdateInterval   int                 `yaml:"update_interval"    toml:"update_interval"    validate:"gte=30,lte=3600"` // seconds
	MaxResults       int                 `yaml:"max_results"        toml:"max_results"        validate:"gte=1,lte=10"`
	CacheEnabled     *bool               `yaml:"cache_enabled"      toml:"cache_enabled"`
	CacheDuration    int                 `yaml:"cache_duration"     toml:"cache_duration"     validate:"gte=5,lte=180"` // minutes
	CacheMaxSize     int                 `yaml:"cache_max_size"     toml:"cache_max_size"     validate:"gte=1,lte=100"` // MB
	RetryMaxAttempts int                 `yaml:"retry_max_attempts" toml:"retry_max_attempts" validate:"gte=1,lte=10"`
	RetryDelay       float64             `yaml:"retry_delay"        toml:"retry_delay"        validate:"gte=0.5,lte=10"` // seconds
	RequestTimeout   int                 `yaml:"request_timeout"    toml:"request_timeout"    validate:"gte=10,lte=120"` // seconds
	ShowLineIcons    *bool               `yaml:"show_line_icons"    toml:"show_line_icons"`
	Endpoint         string              `yaml:"endpoint"           toml:"endpoint"           validate:"omitempty,url"`
}

// CacheOn reports whether the fallback cache is enabled.
func (c InstanceConfig) CacheOn() bool {
	return c.CacheEnabled == nil || *c.CacheEnabled
}

// IconsOn reports whether line labels carry icons.
func (c InstanceConfig) IconsOn() bool {
	return c.ShowLineIcons == nil || *c.ShowLineIcons
}

// Interval returns the polling period.
func (c InstanceConfig) Interval() time.Duration {
	return time.Duration(c.UpdateInterval) * time.Second
}

// Timeout returns the per-request timeout.
func (c InstanceConfig) Timeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// RetryBaseDelay returns the first retry delay.
func (c InstanceConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryDelay * float64(time.Second))
}

// CacheTTL returns how long cached arrivals stay valid.
func (c InstanceConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheDuration) * time.Minute
}

// CacheMaxBytes returns the cache byte budget.
func (c InstanceConfig) CacheMaxBytes() int64 {
	return int64(c.CacheMaxSize) << 20
}
