// Command ral-demo is a small worker process that exercises the Facade
// (spec.md §4.7) either directly against a Connection Pool or, when
// USE_SIDECAR is set, through a Sidecar Client talking to a running
// ral-sidecar process. It is a smoke-test harness, not a production worker.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/odinlabs/solana-ral/config"
	"github.com/odinlabs/solana-ral/internal/endpoint"
	"github.com/odinlabs/solana-ral/internal/facade"
	"github.com/odinlabs/solana-ral/internal/health"
	"github.com/odinlabs/solana-ral/internal/pool"
	"github.com/odinlabs/solana-ral/internal/rallog"
	"github.com/odinlabs/solana-ral/internal/ratelimit"
	"github.com/odinlabs/solana-ral/internal/rpctransport"
	"github.com/odinlabs/solana-ral/internal/sidecar"
)

func main() {
	var debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	startupLogger := log.New(os.Stdout, "[ral-demo] ", log.LstdFlags)
	startupLogger.Printf("GOMAXPROCS: %d (via automaxprocs)", runtime.GOMAXPROCS(0))

	cfg, err := config.Load(nil)
	if err != nil {
		startupLogger.Fatalf("failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := rallog.New(rallog.Config{
		Level:   rallog.Level(cfg.LogLevel),
		Format:  rallog.Format(cfg.LogFormat),
		Service: "ral-demo",
	})
	cfg.Log(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fac, cleanup, err := buildFacade(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build facade")
	}
	defer cleanup()

	runDemo(ctx, fac, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutting down")
}

// buildFacade constructs a Facade in sidecar-client mode (USE_SIDECAR=true)
// or direct-pool mode, returning a cleanup func that releases every owned
// resource.
func buildFacade(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*facade.Facade, func(), error) {
	if cfg.UseSidecar {
		client, err := sidecar.Dial(ctx, sidecar.ClientConfig{
			SocketPath:     cfg.SidecarSocket,
			WSURL:          cfg.SidecarWSURL,
			RequestTimeout: cfg.SidecarRequestTimeout,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("dial sidecar: %w", err)
		}
		fac := facade.New(facade.Dependencies{Sidecar: client}, logger)
		return fac, func() { _ = client.Close() }, nil
	}

	transport := rpctransport.NewHTTPTransport(cfg.RequestTimeout)

	endpointCfgs := make([]endpoint.Config, 0, len(cfg.URLs()))
	for i, url := range cfg.URLs() {
		endpointCfgs = append(endpointCfgs, endpoint.NewConfig(url, i, []endpoint.PoolType{endpoint.PoolQuery, endpoint.PoolSubmit}, ratelimit.Params{}))
	}

	queryPool := pool.New(endpointCfgs, pool.Config{
		UnhealthyThreshold:  cfg.UnhealthyThreshold,
		HealthyThreshold:    cfg.HealthyThreshold,
		RequestTimeout:      cfg.RequestTimeout,
		MaxRetries:          cfg.MaxRetries,
		HealthCheckInterval: cfg.HealthCheckInterval,
	}, transport, logger)
	queryPool.Start()

	healthMonitor, err := health.NewMonitor(logger)
	if err == nil {
		healthMonitor.Start(cfg.HealthCheckInterval)
	}

	fac := facade.New(facade.Dependencies{
		QueryPool:     queryPool,
		SubmitPool:    queryPool,
		Transport:     transport,
		HealthMonitor: healthMonitor,
	}, logger)

	cleanup := func() {
		queryPool.Shutdown()
		_ = fac.Close()
	}
	return fac, cleanup, nil
}

// runDemo exercises a handful of representative Facade operations for
// illustrative/smoke purposes.
func runDemo(ctx context.Context, fac *facade.Facade, logger zerolog.Logger) {
	status := fac.HealthStatus()
	logger.Info().
		Int("endpoints", len(status.Endpoints)).
		Float64("cpu_percent", status.CPUPercent).
		Msg("health status")

	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := fac.GetLatestBlockhash(callCtx, facade.CommitmentConfirmed); err != nil {
		logger.Warn().Err(err).Msg("getLatestBlockhash failed")
	} else {
		logger.Info().Msg("getLatestBlockhash ok")
	}

	quote, err := fac.GetBestQuote(callCtx, "So11111111111111111111111111111111111111112", "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", "1000000000")
	if err != nil {
		logger.Warn().Err(err).Msg("getBestQuote failed")
		return
	}
	logger.Info().Str("provider", quote.Provider).Str("outAmount", quote.OutputAmount.String()).Msg("best quote")
}
