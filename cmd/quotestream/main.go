// Command quotestream launches the market-data subscription service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/coachpo/quotestream/internal/domain/portfolio"
	"github.com/coachpo/quotestream/internal/infra/config"
	"github.com/coachpo/quotestream/internal/infra/logging"
	"github.com/coachpo/quotestream/internal/infra/persistence"
	"github.com/coachpo/quotestream/internal/infra/persistence/migrations"
	pgstore "github.com/coachpo/quotestream/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/quotestream/internal/infra/server/http"
	"github.com/coachpo/quotestream/internal/infra/telemetry"
	"github.com/coachpo/quotestream/internal/quotes"
)

const (
	defaultConfigPath        = "config/app.yaml"
	defaultEnvFile           = ".env"
	poolMetricsName          = "portfolio"
	shutdownTimeout          = 30 * time.Second
	apiServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	serviceShutdownTimeout   = 10 * time.Second
	storeShutdownTimeout     = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

type flags struct {
	configPath string
	envFile    string
}

func main() {
	opts := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	if err := config.LoadDotEnv(opts.envFile); err != nil {
		fatalf("load env file: %v", err)
	}

	configPath := resolveConfigPath(opts.configPath)
	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		fatalf("load config: %v", err)
	}

	logger, syncLogger, err := logging.New(string(appCfg.Environment), appCfg.LogLevel)
	if err != nil {
		fatalf("initialise logger: %v", err)
	}
	defer func() { _ = syncLogger() }()

	if !loadedFromFile {
		logger.Info("configuration file not found, using defaults", zap.String("path", configPath))
	}
	logger.Info("configuration initialised",
		zap.String("env", string(appCfg.Environment)),
		zap.Bool("postgres", appCfg.Database.Enabled()),
		zap.String("backgroundPolicy", appCfg.Lifecycle.BackgroundPolicy))

	telemetry.SetEnvironment(string(appCfg.Environment))
	telemetryProvider, err := initTelemetry(ctx, logger, appCfg)
	if err != nil {
		logger.Fatal("initialise telemetry", zap.Error(err))
	}

	store, closeStore, err := openStore(ctx, logger, appCfg.Database)
	if err != nil {
		logger.Fatal("initialise portfolio store", zap.Error(err))
	}

	svc := quotes.New(appCfg.QuotesConfig(), logger, quotes.WithStore(store))
	if err := svc.Start(ctx); err != nil {
		logger.Fatal("start quote service", zap.Error(err))
	}

	var lifecycle conc.WaitGroup
	apiServer := buildAPIServer(appCfg.Server, svc, logger)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Info("api listening", zap.String("addr", apiServer.Addr))

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		service:    svc,
		closeStore: closeStore,
		telemetry:  telemetryProvider,
	})
	logger.Info("shutdown completed", zap.Duration("elapsed", time.Since(shutdownStart)))
}

func parseFlags() flags {
	var out flags
	flag.StringVar(&out.configPath, "config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.StringVar(&out.envFile, "env-file", defaultEnvFile, "Optional dotenv file loaded before the configuration")
	flag.Parse()
	return out
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "quotestream: "+format+"\n", args...)
	os.Exit(1)
}

func initTelemetry(ctx context.Context, logger *zap.Logger, appCfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := appCfg.TelemetrySettings()
	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialise telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Info("telemetry initialised",
			zap.String("endpoint", telemetryCfg.OTLPEndpoint),
			zap.String("service", telemetryCfg.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

// openStore returns the in-memory store unless a DSN is configured.
func openStore(ctx context.Context, logger *zap.Logger, cfg config.DatabaseConfig) (portfolio.Store, func(), error) {
	if !cfg.Enabled() {
		logger.Info("portfolio store: in-memory")
		return portfolio.NewMemoryStore(), func() {}, nil
	}

	if cfg.RunMigrations {
		if err := migrations.Apply(ctx, cfg.DSN, migrations.Embedded, logging.Named(logger, "migrations")); err != nil {
			return nil, nil, err
		}
	}

	pool, err := persistence.OpenPool(ctx, persistence.PoolOptions{
		DSN:               cfg.DSN,
		MaxConns:          cfg.MaxConns,
		MinConns:          cfg.MinConns,
		MaxConnLifetime:   cfg.MaxConnLifetime,
		MaxConnIdleTime:   cfg.MaxConnIdleTime,
		HealthCheckPeriod: cfg.HealthCheckPeriod,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := pgstore.ObservePoolMetrics(pool, poolMetricsName); err != nil {
		logger.Warn("postgres pool metrics unavailable", zap.Error(err))
	}
	store := pgstore.New(pool)
	logger.Info("portfolio store: postgres")
	return store.Portfolio(), store.Close, nil
}

func buildAPIServer(cfg config.ServerConfig, svc httpserver.Service, logger *zap.Logger) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpserver.NewHandler(svc, logging.Named(logger, "http")),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *zap.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server", zap.Error(err))
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	service    *quotes.Service
	closeStore func()
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *zap.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown: " + name + "...")
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown: "+name+" failed", zap.Error(err))
		} else {
			logger.Info("shutdown: " + name + " completed")
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping api server", apiServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Info("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.service != nil {
		shutdownStep("stopping quote service", serviceShutdownTimeout, cfg.service.Stop)
	}

	if cfg.closeStore != nil {
		shutdownStep("closing portfolio store", storeShutdownTimeout, func(context.Context) error {
			cfg.closeStore()
			return nil
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
