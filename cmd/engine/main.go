package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"
	"trigger_engine/internal/bootstrap"
	"trigger_engine/internal/broker"
	"trigger_engine/internal/engine"
	"trigger_engine/internal/executor"
	"trigger_engine/internal/feed"
	"trigger_engine/internal/gateway"
	"trigger_engine/internal/index"
	"trigger_engine/internal/infrastructure/metrics"
	"trigger_engine/internal/infrastructure/server"
	"trigger_engine/internal/risk"
	"trigger_engine/internal/store"
	"trigger_engine/pkg/logging"
	"trigger_engine/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config; empty configures from the environment")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// Telemetry first: the logger bridges into the global provider.
	tel, err := telemetry.Setup("trigger_engine")
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	}()

	app, err := bootstrap.NewApp(configPath)
	if err != nil {
		return err
	}
	cfg, logger := app.Cfg, app.Logger
	if zl, ok := logger.(*logging.ZapLogger); ok {
		defer zl.Sync()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	st, err := store.New(ctx, cfg.Database, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()
	st.SetLockStaleness(2 * cfg.Engine.HealthCheckInterval())

	idx := index.New()
	feedMgr := feed.NewManager(cfg.Feed, logger)
	brokerClient := broker.NewClient(cfg.Broker)
	exec := executor.New(brokerClient, cfg.Engine, logger)
	riskChecker := risk.New(st, logger)

	eng := engine.New(cfg.Engine, cfg.Concurrency, st, idx, feedMgr, exec, riskChecker, logger)

	listener := store.NewListener(st, eng.OnChange, logger)
	listener.SetOnResync(eng.Resync)

	var gw *gateway.Gateway
	if cfg.Gateway.Enabled {
		gw = gateway.New(cfg.Gateway, st, brokerClient, logger)
	}

	ctrl := server.New(cfg.Server.ListenAddr, eng, gw, logger)

	runners := []bootstrap.Runner{eng, listener, ctrl}
	if cfg.Telemetry.EnableMetrics {
		metricsSrv := metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
		runners = append(runners, bootstrap.RunnerFunc(func(ctx context.Context) error {
			metricsSrv.Start()
			<-ctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Stop(stopCtx)
		}))
	}

	logger.Info("Trigger engine starting",
		"instance_id", eng.InstanceID(),
		"engine_enabled", cfg.Engine.Enabled,
		"gateway_enabled", cfg.Gateway.Enabled)

	return app.Run(runners...)
}
