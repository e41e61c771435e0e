// Command gateway launches the marketgate runtime entrypoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"

	rootconfig "github.com/openfeeds/marketgate/config"
	"github.com/openfeeds/marketgate/internal/candlestore"
	"github.com/openfeeds/marketgate/internal/clocksync"
	appconfig "github.com/openfeeds/marketgate/internal/config"
	"github.com/openfeeds/marketgate/internal/exchange"
	"github.com/openfeeds/marketgate/internal/observability"
	"github.com/openfeeds/marketgate/internal/pipeline"
	"github.com/openfeeds/marketgate/internal/publish"
	"github.com/openfeeds/marketgate/internal/ratelimit"
	"github.com/openfeeds/marketgate/internal/rules"
	"github.com/openfeeds/marketgate/internal/schema"
	"github.com/openfeeds/marketgate/internal/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	gatewayLoggerPrefix      = "marketgate "
	rulesRefreshInterval     = time.Hour
	shutdownTimeout          = 30 * time.Second
	pipelineShutdownTimeout  = 10 * time.Second
	busShutdownTimeout       = 2 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath, debug := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newGatewayLogger()
	observability.SetLogger(observability.NewStdLogger(logger, debug))

	appCfg, loadedFromFile, err := appconfig.LoadOrDefault(resolveConfigPath(cfgPath))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Print("configuration file not found, using defaults")
	}
	settings := rootconfig.FromEnv()
	logger.Printf("configuration initialised: env=%s, symbols=%d",
		appCfg.Environment, len(appCfg.Symbols))

	_, telemetryShutdown, err := telemetry.Init(ctx, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	governor := ratelimit.NewGovernor(ratelimit.Config{
		Limit:  appCfg.RateLimit.WeightLimit,
		Window: appCfg.RateLimit.Window.Std(),
	})
	rest := exchange.NewRESTClient(
		settings.Exchange.RESTBaseURL,
		settings.Exchange.Credentials.APIKey,
		settings.Exchange.HTTPTimeout,
		governor,
	)

	bus := publish.NewBus(appCfg.Bus.BufferSize, appCfg.Bus.FanoutWorkers.Resolve())

	pipe := pipeline.New(pipeline.Options{
		App:       appCfg,
		WSBaseURL: settings.Exchange.WebsocketBaseURL,
		Fetcher:   rest,
		Bus:       bus,
	})
	sink := pipe.Sink()

	if err := registerMetrics(pipe, bus, governor); err != nil {
		logger.Fatalf("register metrics: %v", err)
	}

	var lifecycle conc.WaitGroup

	clock := clocksync.New(clocksync.Config{
		Interval:  appCfg.Clock.SyncInterval.Std(),
		DriftWarn: time.Duration(appCfg.Clock.DriftWarnMs) * time.Millisecond,
	}, rest, sink)
	pipe.UseServerClock(clock.Drift)
	lifecycle.Go(func() { clock.Run(ctx) })

	rulesCache := rules.NewCache(rest, sink, symbolNames(appCfg))
	pipe.UseRules(rulesCache)
	if err := rulesCache.Refresh(ctx); err != nil {
		logger.Fatalf("load trading rules: %v", err)
	}
	lifecycle.Go(func() { rulesCache.Run(ctx, rulesRefreshInterval) })

	store, err := startCandleStore(ctx, &lifecycle, logger, appCfg, rest, bus)
	if err != nil {
		logger.Fatalf("initialise candle store: %v", err)
	}

	if err := pipe.Start(ctx); err != nil {
		logger.Fatalf("start pipeline: %v", err)
	}
	logger.Print("gateway started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		mainCancel: cancel,
		pipeline:   pipe,
		lifecycle:  &lifecycle,
		bus:        bus,
		store:      store,
		telemetry:  telemetryShutdown,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() (string, bool) {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()
	return *cfgPath, *debug
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newGatewayLogger() *log.Logger {
	return log.New(os.Stdout, gatewayLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func symbolNames(cfg appconfig.AppConfig) []string {
	names := make([]string, 0, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		names = append(names, sym.Symbol)
	}
	return names
}

func registerMetrics(pipe *pipeline.Pipeline, bus *publish.Bus, governor *ratelimit.Governor) error {
	meter := otel.GetMeterProvider().Meter("github.com/openfeeds/marketgate")
	return telemetry.RegisterGatewayMetrics(meter, telemetry.Observers{
		Published:  bus.Published,
		Dropped:    bus.Dropped,
		Malformed:  pipe.Malformed,
		Duplicates: pipe.Duplicates,
		Reconnects: pipe.Reconnects,
		WeightUsed: func() int {
			used, _ := governor.Usage()
			return used
		},
	})
}

// startCandleStore opens the optional PostgreSQL store, backfills recent
// history, and attaches a persisting subscriber to every configured candle
// topic. It returns nil when no store is configured.
func startCandleStore(ctx context.Context, lifecycle *conc.WaitGroup, logger *log.Logger, cfg appconfig.AppConfig, rest *exchange.RESTClient, bus *publish.Bus) (*candlestore.Store, error) {
	if !cfg.CandleStore.Enabled() {
		logger.Print("candle store disabled; no DSN configured")
		return nil, nil
	}
	store, err := candlestore.Open(ctx, cfg.CandleStore.DSN)
	if err != nil {
		return nil, err
	}

	for _, sym := range cfg.Symbols {
		for _, interval := range sym.Intervals {
			stored, err := store.Backfill(ctx, rest, sym.Symbol, interval, cfg.CandleStore.BackfillBars)
			if err != nil {
				logger.Printf("backfill %s/%s failed: %v", sym.Symbol, interval, err)
				continue
			}
			logger.Printf("backfilled %d candles for %s/%s", stored, sym.Symbol, interval)

			topic := schema.Topic(&schema.Event{
				Kind:     schema.EventTypeCandle,
				Symbol:   sym.Symbol,
				Interval: interval,
			})
			sub := bus.Subscribe(topic)
			lifecycle.Go(func() { store.Run(ctx, sub) })
		}
	}
	return store, nil
}

type gracefulShutdownConfig struct {
	mainCancel context.CancelFunc
	pipeline   *pipeline.Pipeline
	lifecycle  *conc.WaitGroup
	bus        *publish.Bus
	store      *candlestore.Store
	telemetry  func(context.Context) error
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.pipeline != nil {
		shutdownStep("draining ingestion pipeline", pipelineShutdownTimeout, func(stepCtx context.Context) error {
			return awaitWithin(stepCtx, cfg.pipeline.Stop)
		})
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", pipelineShutdownTimeout, func(stepCtx context.Context) error {
			return awaitWithin(stepCtx, cfg.lifecycle.Wait)
		})
	}

	if cfg.bus != nil {
		shutdownStep("closing topic bus", busShutdownTimeout, func(stepCtx context.Context) error {
			return awaitWithin(stepCtx, cfg.bus.Close)
		})
	}

	if cfg.store != nil {
		shutdownStep("closing candle store", busShutdownTimeout, func(stepCtx context.Context) error {
			return awaitWithin(stepCtx, cfg.store.Close)
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry)
	}
}

// awaitWithin runs the blocking fn and gives up waiting when the step
// context expires.
func awaitWithin(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout: %w", ctx.Err())
	}
}
