// Package config provides application configuration management from environment variables.
//
// # Overview
//
// LoadConfig reads GOVERNOR_* environment variables, fills defaults and
// validates the result. Binaries load a .env file first, so local setups
// can keep these in one place.
//
// # Configuration Structure
//
// Server settings:
//
//	GOVERNOR_HOST="0.0.0.0"
//	GOVERNOR_PORT="8080"
//	GOVERNOR_HEALTH_PORT="9090"
//	GOVERNOR_CORS_ORIGINS="https://app.biznespilot.uz"  # comma separated, empty disables CORS
//	GOVERNOR_WRITE_TIMEOUT="90s"
//
// Storage settings:
//
//	GOVERNOR_STORAGE_TYPE="postgres"  # memory, sqlite, postgres
//	GOVERNOR_SQLITE_PATH="governor.db"
//	GOVERNOR_POSTGRES_URL="postgres://localhost/governor"
//	GOVERNOR_REDIS_URL="redis://localhost:6379"  # shared limiter, usage, cache
//	GOVERNOR_S3_BUCKET="governor-usage"          # monthly usage snapshots
//
// Authentication:
//
//	GOVERNOR_API_TOKENS="key-1:tenant-a,ops-key:*"  # * marks a system token
//	GOVERNOR_JWT_SECRET="..."
//	GOVERNOR_OIDC_ISSUER_URL="https://id.example.com"
//	GOVERNOR_OIDC_CLIENT_ID="governor"
//	GOVERNOR_TENANT_CLAIM="tenant_id"
//
// Governance:
//
//	GOVERNOR_RATELIMIT_DIAGNOSTIC="600/1m"
//	GOVERNOR_RATELIMIT_GLOBAL="3000/1m"
//	GOVERNOR_STRICT_QUOTA="true"
//	GOVERNOR_CATALOGUE_PATH="/etc/governor/plans.yaml"
//	GOVERNOR_BILLING_WEBHOOK_SECRET="..."
//
// Observability settings:
//
//	GOVERNOR_LOG_LEVEL="info"  # debug, info, warn, error
//	GOVERNOR_OTEL_ENABLED="true"
//	GOVERNOR_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
package config
