// Command ral-sidecar runs the RAL Sidecar Server (spec.md §4.4): it owns
// the Connection Pool(s), the WebSocket Supervisor, the DEX Aggregator and
// the Event Bus Adapter on behalf of every local worker process, and relays
// their IPC/WS requests to those components through the Facade.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/odinlabs/solana-ral/config"
	"github.com/odinlabs/solana-ral/internal/dex"
	"github.com/odinlabs/solana-ral/internal/endpoint"
	"github.com/odinlabs/solana-ral/internal/eventbus"
	"github.com/odinlabs/solana-ral/internal/facade"
	"github.com/odinlabs/solana-ral/internal/health"
	"github.com/odinlabs/solana-ral/internal/metrics"
	"github.com/odinlabs/solana-ral/internal/pool"
	"github.com/odinlabs/solana-ral/internal/rallog"
	"github.com/odinlabs/solana-ral/internal/ratelimit"
	"github.com/odinlabs/solana-ral/internal/rpctransport"
	"github.com/odinlabs/solana-ral/internal/sidecar"
	"github.com/odinlabs/solana-ral/internal/wsupervisor"
)

func main() {
	var debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	startupLogger := log.New(os.Stdout, "[ral-sidecar] ", log.LstdFlags)

	maxProcs := runtime.GOMAXPROCS(0)
	startupLogger.Printf("GOMAXPROCS: %d (via automaxprocs)", maxProcs)

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
		Service: "ral-sidecar",
	})
	cfg.Log(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsRegistry := metrics.NewRegistry()

	transport := rpctransport.NewHTTPTransport(cfg.RequestTimeout)

	endpointCfgs := make([]endpoint.Config, 0, len(cfg.URLs()))
	for i, url := range cfg.URLs() {
		endpointCfgs = append(endpointCfgs, endpoint.NewConfig(url, i, []endpoint.PoolType{endpoint.PoolQuery, endpoint.PoolSubmit}, ratelimit.Params{}))
	}

	poolCfg := pool.Config{
		UnhealthyThreshold:  cfg.UnhealthyThreshold,
		HealthyThreshold:    cfg.HealthyThreshold,
		RequestTimeout:      cfg.RequestTimeout,
		MaxRetries:          cfg.MaxRetries,
		HealthCheckInterval: cfg.HealthCheckInterval,
	}

	queryPool := pool.New(endpointCfgs, poolCfg, transport, logger)
	queryPool.SetMetrics(metricsRegistry)
	queryPool.Start()
	defer queryPool.Shutdown()

	submitPool := queryPool
	if cfg.PoolingEnabled() {
		// Submit and query share the same endpoint set but run independent
		// scoring/health state, so writes don't starve reads under load
		// (spec.md §4.2: "query pool" / "submit pool").
		submitPool = pool.New(endpointCfgs, poolCfg, transport, logger)
		submitPool.SetMetrics(metricsRegistry)
		submitPool.Start()
		defer submitPool.Shutdown()
	}

	var sup *wsupervisor.Supervisor
	if cfg.WSURL != "" {
		sup = wsupervisor.New(wsupervisor.Config{
			URL: cfg.WSURL,
			Reconnect: wsupervisor.ReconnectPolicy{
				BaseDelay:   cfg.ReconnectBaseDelay,
				MaxDelay:    cfg.ReconnectMaxDelay,
				Jitter:      cfg.ReconnectJitter,
				MaxAttempts: cfg.ReconnectMaxAttempts,
			},
			HealthProbeInterval: 30 * time.Second,
		}, logger)
		sup.SetMetrics(metricsRegistry)
		if err := sup.Connect(ctx); err != nil {
			logger.Error().Err(err).Msg("initial websocket connect failed, supervisor will keep retrying")
		}
		defer sup.Close()
	}

	publisher, err := buildEventBus(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct event bus backend")
	}
	if publisher != nil {
		publisher.SetMetrics(metricsRegistry)
		defer publisher.Close()
	}

	jupiterFetcher := dex.NewJupiterHTTPClient("https://quote-api.jup.ag/v6", cfg.RequestTimeout)
	registry := dex.NewRegistry(
		dex.NewJupiterAggregator("jupiter", jupiterFetcher),
	)
	aggregator := dex.NewAggregator(registry, publisher, logger)
	aggregator.SetMetrics(metricsRegistry)

	healthMonitor, err := health.NewMonitor(logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to construct process health monitor")
	} else {
		healthMonitor.Start(cfg.HealthCheckInterval)
		defer healthMonitor.Close()
	}

	fac := facade.New(facade.Dependencies{
		QueryPool:     queryPool,
		SubmitPool:    submitPool,
		Transport:     transport,
		Supervisor:    sup,
		HealthMonitor: healthMonitor,
		Publisher:     publisher,
		Aggregator:    aggregator,
	}, logger)
	defer fac.Close()

	server := sidecar.New(fac, fac, cfg.SidecarSocket, logger)

	wsAddr := wsAddrFromURL(cfg.SidecarWSURL)

	errCh := make(chan error, 2)
	go func() {
		errCh <- server.ServeIPC(ctx)
	}()
	go func() {
		errCh <- server.ServeWS(ctx, wsAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("sidecar server exited unexpectedly")
		}
	}

	cancel()
}

func buildEventBus(cfg *config.Config, logger zerolog.Logger) (*eventbus.Publisher, error) {
	switch cfg.EventBusBackend {
	case config.EventBusNATS:
		backend, err := eventbus.NewNATSBackend(eventbus.NATSConfig{URL: cfg.NATSURL}, logger)
		if err != nil {
			return nil, fmt.Errorf("nats backend: %w", err)
		}
		return eventbus.New(backend, logger), nil
	case config.EventBusKafka:
		brokers := strings.Split(cfg.KafkaBrokers, ",")
		backend, err := eventbus.NewKafkaBackend(eventbus.KafkaConfig{Brokers: brokers, Topic: "ral-events"}, logger)
		if err != nil {
			return nil, fmt.Errorf("kafka backend: %w", err)
		}
		return eventbus.New(backend, logger), nil
	default:
		return nil, fmt.Errorf("unknown event bus backend %q", cfg.EventBusBackend)
	}
}

// wsAddrFromURL strips a ws:// scheme down to a host:port listen address;
// the sidecar server binds locally rather than dialing out.
func wsAddrFromURL(url string) string {
	addr := strings.TrimPrefix(url, "ws://")
	addr = strings.TrimPrefix(addr, "wss://")
	if addr == "" {
		return ":3002"
	}
	return addr
}
