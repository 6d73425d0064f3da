package control

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/muniwatch/internal/core/config"
	"github.com/vietddude/muniwatch/internal/core/domain"
	"github.com/vietddude/muniwatch/internal/core/errs"
	"github.com/vietddude/muniwatch/internal/infra/cache"
	"github.com/vietddude/muniwatch/internal/infra/rpc"
)

// stubSource answers from per-stop results.
type stubSource struct {
	mu      sync.Mutex
	lines   map[string][]domain.LineArrivals
	errs    map[string]error
	calls   map[string]int
	resets  int
	closed  bool
	testErr error
	testOK  bool

	// gate, when set, holds Arrivals until it is closed or ctx ends.
	gate    chan struct{}
	entered chan struct{}
}

func newStubSource() *stubSource {
	return &stubSource{
		lines: make(map[string][]domain.LineArrivals),
		errs:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (s *stubSource) Arrivals(ctx context.Context, code string) ([]domain.LineArrivals, error) {
	s.mu.Lock()
	s.calls[code]++
	gate, entered := s.gate, s.entered
	s.mu.Unlock()

	if gate != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errs[code]; err != nil {
		return nil, err
	}
	return s.lines[code], nil
}

func (s *stubSource) TestConnection(ctx context.Context, code string) (bool, error) {
	return s.testOK, s.testErr
}

func (s *stubSource) HealthStatus() rpc.HealthStatus { return rpc.HealthStatus{} }

func (s *stubSource) ResetHealth() { s.resets++ }

func (s *stubSource) Close() error {
	s.closed = true
	return nil
}

func lines(line string, minutes ...int) []domain.LineArrivals {
	la := domain.LineArrivals{Line: line, LineRef: line, Destinations: []string{"Downtown"}}
	for _, m := range minutes {
		la.Times = append(la.Times, domain.NewArrivalTime(m, "2026-01-01T12:00:00Z", "Downtown"))
	}
	return []domain.LineArrivals{la}
}

func testInstance(codes ...string) config.InstanceConfig {
	cfg := config.InstanceConfig{ID: "home", Agency: "SF", UpdateInterval: 60, MaxResults: 3}
	for _, c := range codes {
		cfg.Stops = append(cfg.Stops, domain.StopConfig{StopCode: c, StopName: "Stop " + c})
	}
	return cfg
}

func TestUpdate_PartialFailureWithoutCache(t *testing.T) {
	src := newStubSource()
	src.lines["A"] = lines("N", 3)
	src.errs["B"] = errs.ClassifyStatus(503, "B")

	c := NewCoordinator(testInstance("A", "B"), src, nil)
	data, err := c.Update(context.Background())
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if len(data) != 1 {
		t.Fatalf("len(data) = %d, want 1", len(data))
	}
	rec, ok := data["A"]
	if !ok || rec.FromCache || rec.LastUpdated == nil {
		t.Errorf("A record = %+v", rec)
	}
	if c.ConsecutiveFailures() != 0 {
		t.Errorf("ConsecutiveFailures() = %d", c.ConsecutiveFailures())
	}
	if c.Diagnostics().Coordinator.LastSuccessfulUpdate != nil {
		t.Error("partial cycle must not set last successful update")
	}
}

func TestUpdate_AllFail(t *testing.T) {
	src := newStubSource()
	src.errs["A"] = errs.ClassifyStatus(404, "A")
	src.errs["B"] = errs.ClassifyStatus(503, "B")

	c := NewCoordinator(testInstance("A", "B"), src, nil)
	_, err := c.Update(context.Background())

	var failed *UpdateFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("Update() error = %v, want UpdateFailedError", err)
	}
	if !strings.HasPrefix(err.Error(), "Failed to get data for all stops: Stop A: ") {
		t.Errorf("message = %q", err.Error())
	}
	if !strings.Contains(err.Error(), "; Stop B: ") {
		t.Errorf("message should join stops: %q", err.Error())
	}
	if !errs.Is(err, errs.KindInvalidStop) {
		t.Error("combined error should expose per-stop kinds")
	}
	if c.ConsecutiveFailures() != 1 {
		t.Errorf("ConsecutiveFailures() = %d, want 1", c.ConsecutiveFailures())
	}
	if c.LastUpdateSuccess() {
		t.Error("LastUpdateSuccess() should be false")
	}
}

func TestUpdate_ErrorHistoryBounded(t *testing.T) {
	src := newStubSource()
	src.errs["A"] = errs.ClassifyStatus(503, "A")
	c := NewCoordinator(testInstance("A"), src, nil)

	for i := 0; i < MaxErrorHistory+3; i++ {
		_, _ = c.Update(context.Background())
	}
	d := c.Diagnostics()
	if len(d.Coordinator.ErrorHistory) != MaxErrorHistory {
		t.Errorf("history = %d, want %d", len(d.Coordinator.ErrorHistory), MaxErrorHistory)
	}
	if d.Coordinator.ConsecutiveFailures != MaxErrorHistory+3 {
		t.Errorf("consecutive = %d", d.Coordinator.ConsecutiveFailures)
	}
	last := d.Coordinator.ErrorHistory[len(d.Coordinator.ErrorHistory)-1]
	if last.ConsecutiveFailures != MaxErrorHistory+3 {
		t.Errorf("last history entry = %+v", last)
	}
}

func TestUpdate_CacheFallback(t *testing.T) {
	ctx := context.Background()
	store := cache.New(ctx, cache.Config{Instance: "home"}, nil)
	defer store.Flush()

	src := newStubSource()
	src.lines["A"] = lines("J", 4, 9)
	c := NewCoordinator(testInstance("A", "B"), src, store)

	if _, err := c.Update(ctx); err != nil {
		t.Fatalf("first Update() error = %v", err)
	}

	src.errs["A"] = errs.ClassifyStatus(503, "A")
	src.errs["B"] = errs.ClassifyStatus(503, "B")
	data, err := c.Update(ctx)
	if err != nil {
		t.Fatalf("second Update() error = %v", err)
	}
	rec := data["A"]
	if !rec.FromCache || rec.CachedAt == nil {
		t.Fatalf("A should come from cache: %+v", rec)
	}
	if rec.Config.StopName != "Stop A" {
		t.Errorf("cached config = %+v", rec.Config)
	}
	if _, ok := data["B"]; ok {
		t.Error("B has no cache and must be omitted")
	}

	d := c.Diagnostics()
	if d.Coordinator.CacheHits != 1 || d.Coordinator.CacheMisses != 1 {
		t.Errorf("hits/misses = %d/%d, want 1/1", d.Coordinator.CacheHits, d.Coordinator.CacheMisses)
	}
	if d.StopData["A"] != "cache" {
		t.Errorf("stop data source = %q", d.StopData["A"])
	}
	if !c.HasAnyCachedData(ctx) {
		t.Error("HasAnyCachedData() should be true")
	}
}

func TestUpdate_NonAPIErrorSkipsCache(t *testing.T) {
	ctx := context.Background()
	store := cache.New(ctx, cache.Config{Instance: "home"}, nil)
	defer store.Flush()
	store.Put(ctx, "A", lines("J", 4), domain.StopConfig{StopCode: "A"})

	src := newStubSource()
	src.errs["A"] = errs.New(errs.KindConfig, "invalid stop code")
	c := NewCoordinator(testInstance("A"), src, store)

	if _, err := c.Update(ctx); !IsUpdateFailed(err) {
		t.Fatalf("Update() error = %v, want update failure", err)
	}
	if c.Diagnostics().Coordinator.CacheHits != 0 {
		t.Error("configuration errors must not consult the cache")
	}
}

func TestUpdate_ContextCanceled(t *testing.T) {
	src := newStubSource()
	src.errs["A"] = context.Canceled
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewCoordinator(testInstance("A"), src, nil)
	if _, err := c.Update(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Update() error = %v, want context.Canceled", err)
	}
	if c.ConsecutiveFailures() != 0 {
		t.Error("canceled cycles are not failures")
	}
}

func TestUpdate_FailureKeepsPreviousData(t *testing.T) {
	src := newStubSource()
	src.lines["A"] = lines("N", 2)
	c := NewCoordinator(testInstance("A"), src, nil)

	if err := c.RefreshAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	src.errs["A"] = errs.ClassifyStatus(500, "A")
	if err := c.RefreshAll(context.Background()); err == nil {
		t.Fatal("expected failure")
	}
	if _, ok := c.Record("A"); !ok {
		t.Error("previous data should be kept after a failed cycle")
	}
}

func TestRefreshStop(t *testing.T) {
	ctx := context.Background()
	src := newStubSource()
	src.lines["A"] = lines("N", 2)
	c := NewCoordinator(testInstance("A"), src, nil)

	if _, err := c.RefreshStop(ctx, "Z"); !errs.Is(err, errs.KindConfig) {
		t.Errorf("unknown stop error = %v, want configuration error", err)
	}

	rec, err := c.RefreshStop(ctx, "A")
	if err != nil {
		t.Fatalf("RefreshStop() error = %v", err)
	}
	if rec.StopCode != "A" || rec.FromCache {
		t.Errorf("record = %+v", rec)
	}
	if _, ok := c.Record("A"); !ok {
		t.Error("refresh should update current data")
	}

	src.errs["A"] = errs.ClassifyStatus(401, "A")
	if _, err := c.RefreshStop(ctx, "A"); !errs.Is(err, errs.KindAuth) {
		t.Errorf("error = %v, want authentication error", err)
	}
}

func TestRefreshStop_CanceledCallerDoesNotFailOthers(t *testing.T) {
	src := newStubSource()
	src.lines["A"] = lines("N", 2)
	src.gate = make(chan struct{})
	src.entered = make(chan struct{}, 1)
	c := NewCoordinator(testInstance("A"), src, nil)

	ctx1, cancel1 := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := c.RefreshStop(ctx1, "A")
		first <- err
	}()
	<-src.entered

	second := make(chan error, 1)
	go func() {
		rec, err := c.RefreshStop(context.Background(), "A")
		if err == nil && len(rec.Arrivals) != 1 {
			err = errors.New("missing arrivals")
		}
		second <- err
	}()
	time.Sleep(50 * time.Millisecond)

	cancel1()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Errorf("canceled caller error = %v, want context.Canceled", err)
	}

	close(src.gate)
	select {
	case err := <-second:
		if err != nil {
			t.Errorf("live caller error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("live caller did not return")
	}

	src.mu.Lock()
	calls := src.calls["A"]
	src.mu.Unlock()
	if calls != 1 {
		t.Errorf("upstream calls = %d, want 1 shared request", calls)
	}
	if _, ok := c.Record("A"); !ok {
		t.Error("shared refresh should still update current data")
	}
}

func TestDataReturnsDeepCopies(t *testing.T) {
	src := newStubSource()
	src.lines["A"] = lines("N", 2, 7)
	c := NewCoordinator(testInstance("A"), src, nil)

	out, err := c.Update(context.Background())
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	out["A"].Arrivals[0].Line = "changed"
	out["A"].Arrivals[0].Times[0].FormattedTime = "changed"

	data := c.Data()
	data["A"].Arrivals[0].Destinations[0] = "changed"

	rec, _ := c.Record("A")
	rec.Arrivals[0].Times[1].FormattedTime = "changed"

	got, _ := c.Record("A")
	l := got.Arrivals[0]
	if l.Line != "N" || l.Destinations[0] != "Downtown" {
		t.Errorf("line mutated through a returned record: %+v", l)
	}
	for _, at := range l.Times {
		if at.FormattedTime == "changed" {
			t.Errorf("times mutated through a returned record: %+v", l.Times)
		}
	}
}

func TestClearCacheWithoutCache(t *testing.T) {
	c := NewCoordinator(testInstance("A"), newStubSource(), nil)
	if err := c.ClearCache(context.Background(), ""); err != nil {
		t.Errorf("ClearCache() error = %v", err)
	}
}

func TestTestConnection(t *testing.T) {
	src := newStubSource()
	src.testOK = true
	c := NewCoordinator(testInstance("A"), src, nil)
	if !c.TestConnection(context.Background(), "") {
		t.Error("expected success")
	}

	src.testOK, src.testErr = false, errs.ClassifyStatus(503, "A")
	if c.TestConnection(context.Background(), "") {
		t.Error("errors should report false")
	}

	empty := NewCoordinator(testInstance(), src, nil)
	if empty.TestConnection(context.Background(), "") {
		t.Error("no stops should report false")
	}
}

func TestResetErrorsAndClose(t *testing.T) {
	ctx := context.Background()
	src := newStubSource()
	src.errs["A"] = errs.ClassifyStatus(503, "A")
	store := cache.New(ctx, cache.Config{Instance: "home"}, nil)
	c := NewCoordinator(testInstance("A"), src, store)

	_, _ = c.Update(ctx)
	c.ResetErrors()
	if c.ConsecutiveFailures() != 0 || c.LastError() != nil {
		t.Error("counters should be cleared")
	}
	if src.resets != 1 {
		t.Errorf("resets = %d, want 1", src.resets)
	}

	if err := c.Close(ctx); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if !src.closed {
		t.Error("Close should close the source")
	}
}

func TestDiagnosticsRedactsKey(t *testing.T) {
	cfg := testInstance("A")
	cfg.APIKey = "secret"
	c := NewCoordinator(cfg, newStubSource(), nil)

	d := c.Diagnostics()
	if d.Config["api_key"] == "secret" {
		t.Error("api key leaked into diagnostics")
	}
	if d.StopsCount != 1 {
		t.Errorf("StopsCount = %d", d.StopsCount)
	}
}
