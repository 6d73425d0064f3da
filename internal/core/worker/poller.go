package worker

import (
	"context"
	"log/slog"
	"time"
)

// MinInterval is the shortest allowed polling period.
const MinInterval = time.Second

// PollFunc is one unit of periodic work. first is true on the initial run.
type PollFunc func(ctx context.Context, first bool) error

// Poller runs a function immediately and then on every tick.
type Poller struct {
	name     string
	interval time.Duration
	fn       PollFunc
	onError  func(first bool, err error)
}

// NewPoller creates a poller. onError may be nil.
func NewPoller(name string, interval time.Duration, fn PollFunc, onError func(first bool, err error)) *Poller {
	return &Poller{
		name:     name,
		interval: max(interval, MinInterval),
		fn:       fn,
		onError:  onError,
	}
}

// Interval returns the polling period.
func (p *Poller) Interval() time.Duration { return p.interval }

// Start runs the poll loop until ctx is done.
func (p *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	slog.Info("Poller started", "name", p.name, "interval", p.interval)
	p.run(ctx, true)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Poller stopped", "name", p.name)
			return
		case <-ticker.C:
			p.run(ctx, false)
		}
	}
}

func (p *Poller) run(ctx context.Context, first bool) {
	err := p.fn(ctx, first)
	if err == nil || ctx.Err() != nil {
		return
	}
	if p.onError != nil {
		p.onError(first, err)
		return
	}
	slog.Error("Poll failed", "name", p.name, "error", err)
}
