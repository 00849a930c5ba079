// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health checks and graceful shutdown.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithTenant(tenantID).WithField("operation", op).Info("operation completed")
//
// Request-scoped loggers travel in the context:
//
//	ctx = observability.WithLogger(ctx, logger)
//	observability.FromContext(ctx).Warn("quota nearly exhausted")
//
// # Prometheus Metrics
//
//	metrics := observability.NewMetrics(registry)
//	metrics.GateDecisionsTotal.WithLabelValues("report.generate", "allowed").Inc()
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	checker.AddCheck("catalogue", true, catalogueLoaded)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "governor",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//
// # Related Packages
//
//   - pkg/config: Observability configuration
//   - pkg/middleware: Request logging middleware
package observability
