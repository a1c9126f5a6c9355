// Package main implements the Pons inventory and publishing API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/ponsauto/pons/engine/api"
	"github.com/ponsauto/pons/engine/bridge"
	"github.com/ponsauto/pons/engine/domain"
	"github.com/ponsauto/pons/engine/events"
	"github.com/ponsauto/pons/engine/feed"
	"github.com/ponsauto/pons/engine/inventory"
	"github.com/ponsauto/pons/engine/normalize"
	"github.com/ponsauto/pons/engine/publish"
	"github.com/ponsauto/pons/pkg/config"
	"github.com/ponsauto/pons/pkg/fn"
	"github.com/ponsauto/pons/pkg/metrics"
	"github.com/ponsauto/pons/pkg/natsutil"
)

func main() {
	cfg, err := config.Load(os.Getenv("PONS_CONFIG"))
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// closers runs cleanup functions in reverse order.
type closers []func()

func (c *closers) add(f func()) { *c = append(*c, f) }

func (c closers) close() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup closers
	defer cleanup.close()

	reg := metrics.New()

	// --- Connect to NATS (events and dealer website) ---
	var nc *nats.Conn
	if needsNATS(cfg) {
		var err error
		nc, err = nats.Connect(cfg.Events.NATSURL, nats.Name("pons-api"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		cleanup.add(nc.Close)
	}

	// --- Stores ---
	vehicles, err := openVehicleStore(ctx, cfg.Storage, &cleanup)
	if err != nil {
		return err
	}
	jobs, err := openJobStore(ctx, cfg.Storage, &cleanup)
	if err != nil {
		return err
	}
	pub, err := openEvents(cfg.Events, nc, &cleanup)
	if err != nil {
		return err
	}

	// --- Domain services ---
	normalizer := normalize.NewNormalizer(logger)
	pipeline := normalize.Pipeline{Normalizer: normalizer, Enricher: normalize.NewEnricher(nil)}
	inv := inventory.NewService(vehicles, pipeline, logger)

	bridges, err := buildBridges(cfg, nc, reg)
	if err != nil {
		return err
	}
	logger.Info("channels configured", "channels", bridges.Configured())

	orch := publish.NewOrchestrator(publish.Deps{
		Store:    jobs,
		Bridges:  bridges,
		Vehicles: inv,
		Events:   pub,
		Metrics:  reg,
		Logger:   logger,
		Options:  publishOptions(cfg.Publish),
	})

	feeds := feed.NewService(feed.Deps{
		Registry:   feed.NewRegistry(normalizer),
		Downloader: feed.NewFetcher(feed.FetcherOpts{Metrics: reg}),
		Pipeline:   pipeline,
		Sink:       inv,
		Events:     pub,
		Metrics:    reg,
		Logger:     logger,
	})
	if err := registerFeeds(feeds.Registry(), cfg.Feeds); err != nil {
		return err
	}
	go feed.NewPoller(feeds, feeds.Registry(), logger).Run(ctx)

	// --- Build HTTP server ---
	server := api.New(api.Deps{
		Inventory:      inv,
		Orchestrator:   orch,
		Bridges:        bridges,
		Feeds:          feeds,
		Metrics:        reg,
		Logger:         logger,
		CORSOrigin:     cfg.Server.CORSOrigin,
		RequestTimeout: cfg.Server.RequestTimeout,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Server.Port,
			"vehicle_store", cfg.Storage.Vehicles, "job_store", cfg.Storage.Jobs, "events", cfg.Events.Driver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func needsNATS(cfg config.Config) bool {
	return cfg.Events.Driver == "nats" || cfg.Channels[string(domain.ChannelDealerWebsite)].Enabled
}

func openVehicleStore(ctx context.Context, cfg config.Storage, cleanup *closers) (inventory.Store, error) {
	if cfg.Vehicles != "neo4j" {
		return inventory.NewMemoryStore(), nil
	}
	driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	cleanup.add(func() { driver.Close(context.Background()) })
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("neo4j connect: %w", err)
	}
	return inventory.NewNeo4jStore(driver), nil
}

func openJobStore(ctx context.Context, cfg config.Storage, cleanup *closers) (publish.JobStore, error) {
	switch cfg.Jobs {
	case "pebble":
		st, err := publish.OpenPebbleStore(cfg.PebbleDir)
		if err != nil {
			return nil, fmt.Errorf("pebble open: %w", err)
		}
		cleanup.add(func() { st.Close() })
		return st, nil
	case "postgres":
		st, pool, err := publish.OpenPostgresStore(ctx, cfg.PostgresDSN, 10)
		if err != nil {
			return nil, fmt.Errorf("postgres connect: %w", err)
		}
		cleanup.add(pool.Close)
		return st, nil
	}
	return publish.NewMemoryStore(), nil
}

// eventSink is what both the orchestrator and the feed service publish to.
type eventSink interface {
	Publish(ctx context.Context, subject string, v any) error
}

func openEvents(cfg config.Events, nc *nats.Conn, cleanup *closers) (eventSink, error) {
	switch cfg.Driver {
	case "nats":
		if nc == nil {
			return nil, errors.New("nats events: no connection")
		}
		return events.NewNATS(nc), nil
	case "kafka":
		k := events.NewKafka(cfg.KafkaBrokers)
		cleanup.add(func() { k.Close() })
		return k, nil
	}
	return events.Nop{}, nil
}

// buildBridges creates a bridge for every enabled channel. Missing
// credentials fail startup.
func buildBridges(cfg config.Config, nc *nats.Conn, reg *metrics.Registry) (*bridge.Registry, error) {
	var out []bridge.Bridge
	for _, name := range cfg.EnabledChannels() {
		ch, err := domain.ParseChannel(name)
		if err != nil {
			return nil, err
		}
		c := cfg.Channels[name]
		b, err := bridge.New(ch, bridge.Config{
			BaseURL:    c.BaseURL,
			APIKey:     c.APIKey,
			DealerID:   c.DealerID,
			CatalogID:  c.CatalogID,
			Timeout:    c.Timeout,
			RatePerSec: c.RatePerSec,
			Burst:      c.Burst,
			Metrics:    reg,
		}, natsConn(nc))
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", name, err)
		}
		out = append(out, b)
	}
	return bridge.NewRegistry(out...), nil
}

// natsConn keeps a missing connection a nil interface.
func natsConn(nc *nats.Conn) natsutil.Conn {
	if nc == nil {
		return nil
	}
	return nc
}

func publishOptions(cfg config.Publish) publish.Options {
	return publish.Options{
		ChannelTimeout: cfg.ChannelTimeout,
		Concurrency:    cfg.Concurrency,
		Retry: fn.RetryOpts{
			MaxAttempts: cfg.Retry.MaxAttempts,
			InitialWait: cfg.Retry.InitialWait,
			MaxWait:     cfg.Retry.MaxWait,
			Jitter:      true,
		},
	}
}

func registerFeeds(reg *feed.Registry, feeds []config.Feed) error {
	for _, f := range feeds {
		_, err := reg.Register(feed.Source{
			Name:     f.Name,
			Format:   feed.Format(f.Format),
			Mapping:  f.Mapping,
			URL:      f.URL,
			Encoding: f.Encoding,
			Interval: f.Interval,
			Timeout:  f.Timeout,
			Headers:  f.Headers,
			Token:    f.Token,
		})
		if err != nil {
			return fmt.Errorf("feeds: %w", err)
		}
	}
	return nil
}
