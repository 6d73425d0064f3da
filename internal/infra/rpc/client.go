package rpc

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/vietddude/muniwatch/internal/core/domain"
	"github.com/vietddude/muniwatch/internal/core/errs"
	"github.com/vietddude/muniwatch/internal/infra/rpc/budget"
	"github.com/vietddude/muniwatch/internal/infra/rpc/provider"
	"github.com/vietddude/muniwatch/internal/infra/rpc/routing"
	"github.com/vietddude/muniwatch/internal/infra/rpc/siri"
	"github.com/vietddude/muniwatch/internal/metrics"
)

// DefaultTestStop is used by TestConnection when no stop is given.
const DefaultTestStop = "13543"

// Config holds client settings.
type Config struct {
	Instance   string
	APIKey     string
	Agency     string
	Endpoint   string
	Timeout    time.Duration
	Retry      routing.RetryConfig
	RateLimit  int
	RateWindow time.Duration
	HideIcons  bool
}

// HealthStatus combines API health and rate limiter state.
type HealthStatus struct {
	provider.MonitorStats
	CurrentRate        int     `json:"current_rate"`
	RateLimit          int     `json:"rate_limit"`
	TimeUntilResetSecs float64 `json:"time_until_reset_seconds"`
}

// Client fetches arrivals for stops of one agency.
type Client struct {
	instance string
	provider provider.Provider
	parser   *siri.Parser
	limiter  *budget.RateLimiter
	retry    routing.RetryConfig

	mu      sync.RWMutex
	monitor *provider.HealthMonitor
}

// NewClient creates a client backed by an HTTPProvider.
func NewClient(cfg Config) *Client {
	p := provider.NewHTTPProvider(provider.HTTPConfig{
		Name:     cfg.Instance,
		Endpoint: cfg.Endpoint,
		APIKey:   cfg.APIKey,
		Agency:   cfg.Agency,
		Timeout:  cfg.Timeout,
	})
	return NewClientWithProvider(cfg, p)
}

// NewClientWithProvider creates a client over an arbitrary provider.
func NewClientWithProvider(cfg Config, p provider.Provider) *Client {
	retry := cfg.Retry
	if retry.BaseDelay == 0 && retry.MaxRetries == 0 {
		retry = routing.DefaultRetryConfig
	}
	if retry.MaxDelay == 0 {
		retry.MaxDelay = routing.DefaultRetryConfig.MaxDelay
	}
	if retry.ExponentialBase == 0 {
		retry.ExponentialBase = routing.DefaultRetryConfig.ExponentialBase
	}
	instance := cfg.Instance
	retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.APIRetries.WithLabelValues(instance).Inc()
	}

	parser := siri.NewParser()
	parser.ShowIcons = !cfg.HideIcons

	return &Client{
		instance: instance,
		provider: p,
		parser:   parser,
		limiter:  budget.NewRateLimiter(cfg.RateLimit, cfg.RateWindow),
		retry:    retry,
		monitor:  provider.NewHealthMonitor(provider.DefaultWindowSize),
	}
}

// SanitizeStopCode keeps only letters, digits, '-' and '_'. A code with
// nothing left is a configuration error.
func SanitizeStopCode(code string) (string, error) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(code) {
		if r < 128 && (r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "", errs.Newf(errs.KindConfig, "invalid stop code %q", code)
	}
	return b.String(), nil
}

// Arrivals fetches and normalizes arrivals for a stop.
func (c *Client) Arrivals(ctx context.Context, stopCode string) ([]domain.LineArrivals, error) {
	code, err := SanitizeStopCode(stopCode)
	if err != nil {
		return nil, err
	}

	var lines []domain.LineArrivals
	err = routing.Do(ctx, c.retry, func(ctx context.Context) error {
		result, err := c.attempt(ctx, code)
		if err != nil {
			return err
		}
		lines = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lines, nil
}

// attempt performs one rate-limited request and records its outcome.
func (c *Client) attempt(ctx context.Context, code string) ([]domain.LineArrivals, error) {
	waited, err := c.limiter.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if waited > 0 {
		metrics.RateLimitWaits.WithLabelValues(c.instance).Inc()
	}

	start := time.Now()
	body, err := c.provider.FetchStopMonitoring(ctx, code)
	metrics.APIRequestDuration.WithLabelValues(c.instance).Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		classified := errs.ClassifyTransport(err)
		c.health().RecordFailure()
		metrics.APIRequests.WithLabelValues(c.instance, classified.Kind.String()).Inc()
		return nil, classified
	}

	lines, err := c.parser.Parse(body)
	if err != nil {
		c.health().RecordFailure()
		metrics.APIRequests.WithLabelValues(c.instance, errs.KindDataFormat.String()).Inc()
		return nil, err
	}

	c.health().RecordSuccess()
	metrics.APIRequests.WithLabelValues(c.instance, "ok").Inc()
	return lines, nil
}

func (c *Client) health() *provider.HealthMonitor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.monitor
}

// TestConnection fetches a stop and reports whether the API answered. An
// authentication failure yields false with no error.
func (c *Client) TestConnection(ctx context.Context, stopCode string) (bool, error) {
	if stopCode == "" {
		stopCode = DefaultTestStop
	}
	_, err := c.Arrivals(ctx, stopCode)
	switch {
	case err == nil:
		return true, nil
	case errs.Is(err, errs.KindAuth):
		return false, nil
	default:
		return false, err
	}
}

// HealthStatus returns a snapshot of API health and rate limiting.
func (c *Client) HealthStatus() HealthStatus {
	limit, _ := c.limiter.Limit()
	return HealthStatus{
		MonitorStats:       c.health().Stats(),
		CurrentRate:        c.limiter.CurrentRate(),
		RateLimit:          limit,
		TimeUntilResetSecs: c.limiter.TimeUntilReset().Seconds(),
	}
}

// ResetHealth replaces the health monitor with a fresh one.
func (c *Client) ResetHealth() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.monitor = provider.NewHealthMonitor(provider.DefaultWindowSize)
}

// Close releases the provider's connections.
func (c *Client) Close() error {
	return c.provider.Close()
}
