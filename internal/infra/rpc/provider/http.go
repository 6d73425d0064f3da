package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/vietddude/muniwatch/internal/core/errs"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "muniwatch/1.0"
	maxBodyBytes     = 8 << 20
)

// HTTPConfig configures an HTTPProvider.
type HTTPConfig struct {
	Name      string
	Endpoint  string // defaults to DefaultEndpoint
	APIKey    string
	Agency    string
	Timeout   time.Duration
	UserAgent string

	MaxBodyBytes int64 // defaults to 8 MiB
}

// HTTPProvider fetches StopMonitoring documents over HTTP.
type HTTPProvider struct {
	name       string
	endpoint   string
	apiKey     string
	agency     string
	userAgent  string
	maxBody    int64
	httpClient *http.Client
}

// NewHTTPProvider creates a provider with a pooled client that lives as long
// as the provider.
func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = maxBodyBytes
	}
	if cfg.Name == "" {
		cfg.Name = "511.org"
	}
	return &HTTPProvider{
		name:      cfg.Name,
		endpoint:  cfg.Endpoint,
		apiKey:    cfg.APIKey,
		agency:    cfg.Agency,
		userAgent: cfg.UserAgent,
		maxBody:   cfg.MaxBodyBytes,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// GetName returns the provider's name.
func (p *HTTPProvider) GetName() string {
	return p.name
}

// FetchStopMonitoring makes a single StopMonitoring request.
func (p *HTTPProvider) FetchStopMonitoring(ctx context.Context, stopCode string) ([]byte, error) {
	q := url.Values{}
	q.Set("api_key", p.apiKey)
	q.Set("agency", p.agency)
	q.Set("stopcode", stopCode)
	q.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, "create request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.ClassifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection returns to the pool
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

		e := errs.ClassifyStatus(resp.StatusCode, stopCode)
		if e.Kind == errs.KindRateLimit {
			slog.Warn("Upstream rate limited",
				"provider", p.name,
				"stop", stopCode,
				"retry_after", resp.Header.Get("Retry-After"),
			)
		}
		return nil, e
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBody+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.ClassifyTransport(fmt.Errorf("read response: %w", err))
	}
	if int64(len(body)) > p.maxBody {
		return nil, errs.Newf(errs.KindDataFormat, "response too large: exceeds %d bytes", p.maxBody)
	}
	return body, nil
}

// Close releases idle connections held by the pooled client.
func (p *HTTPProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}
