package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"crossvault/bridge"
	"crossvault/config"
	"crossvault/crosschain"
	"crossvault/escrow"
	"crossvault/ledger"
	"crossvault/networks"
	"crossvault/observability/logging"
	telemetry "crossvault/observability/otel"
	"crossvault/planner"
	"crossvault/server"
	"crossvault/storage"
	"crossvault/sweep"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "crossvault.toml", "path to crossvaultd configuration file")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		log.Fatalf("crossvaultd: %v", err)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup("crossvaultd", cfg.Environment, logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName:    "crossvaultd",
		Environment:    cfg.Environment,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Headers:        telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:        cfg.Telemetry.Metrics,
		Traces:         cfg.Telemetry.Traces,
		BatchTimeout:   cfg.Telemetry.BatchTimeout.Duration,
		ExportInterval: cfg.Telemetry.ExportInterval.Duration,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Error("telemetry shutdown", "error", err)
		}
	}()

	table, err := networks.LoadTable(cfg.NetworksFile)
	if err != nil {
		return fmt.Errorf("load networks table: %w", err)
	}
	registry, err := networks.NewRegistry(table)
	if err != nil {
		return fmt.Errorf("build network registry: %w", err)
	}
	validator := networks.NewValidator(registry)

	store, err := storage.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("storage close", "error", err)
		}
	}()

	bridgeClient := bridge.NewHTTPClient(bridge.Config{
		URL:       cfg.Bridge.URL,
		APIKey:    cfg.BridgeAPIKey(),
		Timeout:   cfg.Bridge.Timeout.Duration,
		PollRate:  cfg.Bridge.PollRate,
		PollBurst: cfg.Bridge.PollBurst,
	})

	endpoints := make(map[networks.Network]string, len(cfg.Ledger.Endpoints))
	for name, endpoint := range cfg.Ledger.Endpoints {
		endpoints[networks.Network(name)] = endpoint
	}
	gateway, err := ledger.NewClient(registry, endpoints)
	if err != nil {
		return fmt.Errorf("ledger client: %w", err)
	}
	defer gateway.Close()

	deals := escrow.NewEngine(store)
	deals.SetValidator(validator)
	deals.SetLedger(gateway)
	deals.SetLogger(logger)
	deals.SetWindows(cfg.Windows.FinalApproval.Duration, cfg.Windows.Dispute.Duration)

	transfers := crosschain.NewEngine(store, deals, bridgeClient, gateway)
	transfers.SetLogger(logger)

	routes := planner.New(validator, bridgeClient, logger)

	sweeper := sweep.New(store, deals,
		sweep.WithInterval(cfg.Sweep.Interval.Duration),
		sweep.WithWorkers(cfg.Sweep.Workers),
		sweep.WithBatchSize(cfg.Sweep.BatchSize),
		sweep.WithLogger(logger),
	)

	secret := cfg.JWTSecret()
	if len(secret) == 0 && cfg.Environment != "dev" {
		return fmt.Errorf("%s must be set outside dev", cfg.Auth.JWTSecretEnv)
	}
	var auth *server.Authenticator
	if len(secret) > 0 {
		auth = server.NewAuthenticator(secret, cfg.Auth.Issuer)
	}

	api := server.New(server.Config{
		Deals:     deals,
		Routes:    routes,
		Transfers: transfers,
		Auth:      auth,
		Logger:    logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", otelhttp.NewHandler(api.Handler(), "crossvaultd"))

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sweeper.Run(rootCtx)

	go func() {
		<-rootCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", "error", err)
		}
	}()

	logger.Info("crossvaultd listening", "address", cfg.ListenAddress, "environment", cfg.Environment)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
