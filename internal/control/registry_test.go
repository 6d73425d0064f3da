package control

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vietddude/muniwatch/internal/core/config"
	"github.com/vietddude/muniwatch/internal/core/domain"
	"github.com/vietddude/muniwatch/internal/infra/cache"
)

const oneVisit = `{"ServiceDelivery":{"StopMonitoringDelivery":{"MonitoredStopVisit":[
 {"MonitoredVehicleJourney":{"LineRef":"N","DestinationName":"Ocean Beach","MonitoredCall":{"ExpectedArrivalTime":"2099-01-01T12:00:00Z"}}}
]}}}`

func upstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(oneVisit))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testAppConfig(t *testing.T, endpoint string) *config.AppConfig {
	t.Helper()
	cfg := &config.AppConfig{
		Cache: config.CacheConfig{Backend: config.BackendFile, Dir: t.TempDir()},
		Instances: []config.InstanceConfig{{
			ID:       "home",
			APIKey:   "k",
			Endpoint: endpoint,
			Stops:    []domain.StopConfig{{StopCode: "13543", StopName: "Church"}},
		}, {
			ID:           "work",
			APIKey:       "k",
			Endpoint:     endpoint,
			CacheEnabled: new(bool),
			Stops:        []domain.StopConfig{{StopCode: "15726"}},
		}},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestRegistry_BuildsInstances(t *testing.T) {
	ctx := context.Background()
	cfg := testAppConfig(t, upstream(t).URL)

	reg, err := NewRegistry(ctx, cfg)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	defer reg.Close(ctx)

	ids := reg.IDs()
	if len(ids) != 2 || ids[0] != "home" || ids[1] != "work" {
		t.Fatalf("IDs() = %v", ids)
	}

	home, _ := reg.Get("home")
	if home.Cache == nil {
		t.Error("home should have a cache")
	}
	if home.Cache.Info().CacheDurationMinutes != float64(config.DefaultCacheDuration) {
		t.Errorf("cache TTL = %v", home.Cache.Info().CacheDurationMinutes)
	}
	work, _ := reg.Get("work")
	if work.Cache != nil {
		t.Error("work has caching disabled")
	}

	if err := reg.Add(ctx, cfg.Instances[0]); err == nil {
		t.Error("duplicate ids should be rejected")
	}
}

func TestClientConfig(t *testing.T) {
	ic := config.InstanceConfig{ID: "x", RetryMaxAttempts: 5, RetryDelay: 2, RequestTimeout: 15}
	rc := ClientConfig(ic)
	if rc.Retry.MaxRetries != 5 || rc.Retry.BaseDelay != 2*time.Second {
		t.Errorf("retry = %+v", rc.Retry)
	}
	if rc.Timeout != 15*time.Second {
		t.Errorf("timeout = %v", rc.Timeout)
	}
	if rc.HideIcons {
		t.Error("icons default on")
	}
}

func TestWatcher_PollsAndPersists(t *testing.T) {
	cfg := testAppConfig(t, upstream(t).URL)
	reg, err := NewRegistry(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}

	home, _ := reg.Get("home")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewWatcher(reg, nil).Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := home.Coordinator.Record("13543"); ok {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("first refresh did not happen")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	path := filepath.Join(cfg.Cache.Dir, "home", cache.DataFileName)
	if _, err := os.Stat(path); err != nil {
		t.Errorf("cache snapshot not written: %v", err)
	}
}
