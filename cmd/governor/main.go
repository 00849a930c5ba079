package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/biznespilot/governor/pkg/app"
	"github.com/biznespilot/governor/pkg/config"
	"github.com/biznespilot/governor/pkg/observability"
)

// Build info - set by ldflags
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	envFile := flag.String("env-file", ".env", "Optional dotenv file loaded before the environment is read")
	flag.Parse()

	// a missing .env is fine; real deployments set the environment directly
	_ = godotenv.Load(*envFile)

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.ValidateAPI(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.WithFields(map[string]any{"version": Version, "commit": Commit}).Info("Starting governor")

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("Governor stopped with error")
		os.Exit(1)
	}
	logger.Info("Governor stopped")
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otelCfg := cfg.Observability.OTel()
	if otelCfg.ServiceVersion == "" {
		otelCfg.ServiceVersion = Version
	}
	providers, err := observability.InitOTel(ctx, otelCfg, logger)
	if err != nil {
		return err
	}

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		_ = observability.ShutdownOTel(context.Background(), providers, logger)
		return err
	}

	auth, err := a.Authenticator(ctx)
	if err != nil {
		_ = a.Close(context.Background())
		return err
	}

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      a.APIServer(auth),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, a.HealthChecker(Version))
	if a.Metrics != nil {
		observability.RegisterMetricsEndpoint(healthMux, a.Registry)
	}
	healthServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler: healthMux,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, apiServer, healthServer)
	shutdown.Register("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})
	shutdown.Register("components", a.Close)
	shutdown.Register("background", func(context.Context) error {
		cancel()
		return nil
	})

	g, gctx := errgroup.WithContext(ctx)
	a.Start(gctx, g)

	g.Go(func() error {
		logger.WithField("addr", apiServer.Addr).Info("API server listening")
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("Health server listening")
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return shutdown.WaitForShutdown(gctx)
	})

	return g.Wait()
}
