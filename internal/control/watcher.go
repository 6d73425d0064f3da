package control

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/muniwatch/internal/core/worker"
)

// ShutdownTimeout bounds server shutdown and final cache saves.
const ShutdownTimeout = 15 * time.Second

// Server is the HTTP surface started alongside the pollers.
type Server interface {
	Start() error
	Stop(ctx context.Context) error
}

// Watcher runs one poller per instance and the HTTP server until its
// context is canceled.
type Watcher struct {
	registry *Registry
	server   Server
	pollers  []*worker.Poller
	log      *slog.Logger
}

// NewWatcher creates a watcher over reg. srv may be nil.
func NewWatcher(reg *Registry, srv Server) *Watcher {
	w := &Watcher{
		registry: reg,
		server:   srv,
		log:      slog.Default(),
	}
	for _, inst := range reg.Instances() {
		w.pollers = append(w.pollers, newInstancePoller(inst.Coordinator))
	}
	return w
}

func newInstancePoller(coord *Coordinator) *worker.Poller {
	return worker.NewPoller(
		coord.Instance(),
		coord.Config().Interval(),
		func(ctx context.Context, first bool) error {
			return coord.RefreshAll(ctx)
		},
		func(first bool, err error) {
			if first && coord.HasAnyCachedData(context.Background()) {
				slog.Warn("Initial refresh failed, using cached data",
					"instance", coord.Instance(), "error", err)
				return
			}
			if first {
				slog.Error("Initial refresh failed", "instance", coord.Instance(), "error", err)
			}
		},
	)
}

// Run blocks until ctx is canceled or the server fails, then shuts down
// the server and closes every instance.
func (w *Watcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if w.server != nil {
		g.Go(w.server.Start)
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
			defer cancel()
			return w.server.Stop(stopCtx)
		})
	}

	for _, p := range w.pollers {
		g.Go(func() error {
			p.Start(gctx)
			return nil
		})
	}

	w.log.Info("Watcher started", "instances", len(w.pollers))
	err := g.Wait()

	w.log.Info("Stopping watcher...")
	closeCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if cerr := w.registry.Close(closeCtx); cerr != nil {
		w.log.Warn("Failed to close instances", "error", cerr)
	}
	return err
}
