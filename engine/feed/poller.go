package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Ingester is the part of Service the poller drives.
type Ingester interface {
	Ingest(ctx context.Context, name string) (Report, error)
}

// Poller ingests every source that has an interval on its own ticker.
type Poller struct {
	ingester Ingester
	registry *Registry
	log      *slog.Logger
}

// NewPoller creates a Poller.
func NewPoller(ing Ingester, reg *Registry, log *slog.Logger) *Poller {
	if log == nil {
		log = slog.Default()
	}
	return &Poller{ingester: ing, registry: reg, log: log}
}

// Run blocks until ctx is cancelled. Sources registered after Run starts are
// not polled.
func (p *Poller) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, src := range p.registry.List() {
		if src.Interval <= 0 || src.URL == "" {
			continue
		}
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			p.loop(ctx, src)
		}(src)
	}
	wg.Wait()
}

func (p *Poller) loop(ctx context.Context, src Source) {
	p.log.Info("feed: polling", "source", src.Name, "interval", src.Interval)
	t := time.NewTicker(src.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := p.ingester.Ingest(ctx, src.Name); err != nil && ctx.Err() == nil {
				p.log.Warn("feed: scheduled ingest failed", "source", src.Name, "error", err)
			}
		}
	}
}
