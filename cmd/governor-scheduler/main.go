package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/joho/godotenv"

	"github.com/biznespilot/governor/pkg/app"
	"github.com/biznespilot/governor/pkg/config"
	"github.com/biznespilot/governor/pkg/observability"
)

var (
	envFile = flag.String("env-file", ".env", "Optional dotenv file loaded before the environment is read")
	runOnce = flag.Bool("run-once", false, "Run the jobs once and exit (for backfills and testing)")
	jobName = flag.String("job", "", "With --run-once, run only this job (diagnostics, rollover, audit-cleanup)")
)

func main() {
	flag.Parse()
	_ = godotenv.Load(*envFile)

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("component", "scheduler")

	ctx := context.Background()
	providers, err := observability.InitOTel(ctx, cfg.Observability.OTel(), logger)
	if err != nil {
		log.Fatalf("Failed to initialize OpenTelemetry: %v", err)
	}
	defer observability.ShutdownOTel(context.Background(), providers, logger)

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to initialize components: %v", err)
	}
	defer a.Close(context.Background())

	// Run once mode (for testing or backfilling)
	if *runOnce {
		jobs := app.Jobs()
		if *jobName != "" {
			jobs = []string{*jobName}
		}
		failed := false
		for _, name := range jobs {
			if err := a.RunJob(ctx, name); err != nil {
				failed = true
			}
		}
		if failed {
			a.Close(context.Background())
			os.Exit(1)
		}
		return
	}

	scheduler, err := app.NewScheduler(a)
	if err != nil {
		log.Fatalf("Failed to schedule jobs: %v", err)
	}
	scheduler.Start()
	logger.Info("Governor scheduler started")

	// Wait for termination signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down gracefully...")

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := scheduler.Stop(stopCtx); err != nil {
		logger.WithError(err).Warn("Jobs still running at shutdown")
	}
	logger.Info("Scheduler stopped")
}
