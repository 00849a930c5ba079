package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/biznespilot/governor/pkg/async"
	"github.com/biznespilot/governor/pkg/cache"
	"github.com/biznespilot/governor/pkg/middleware"
	"github.com/biznespilot/governor/pkg/observability"
	"github.com/biznespilot/governor/pkg/orchestrator"
	"github.com/biznespilot/governor/pkg/ratelimit"
	"github.com/biznespilot/governor/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       storage.Config
	Observability ObservabilityConfig
	Auth          AuthConfig
	RateLimit     ratelimit.Config
	Dispatcher    async.Config
	Cache         cache.Config
	Orchestrator  orchestrator.Options
	Catalogue     CatalogueConfig
	Billing       BillingConfig
	Scheduler     SchedulerConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
	CORSOrigins     []string

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// OTel returns the OpenTelemetry settings
func (o ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
		SampleRatio:    o.OTelSampleRatio,
	}
}

// AuthConfig holds the credentials accepted by the API
type AuthConfig struct {
	// StaticTokens from GOVERNOR_API_TOKENS as "token:tenant" pairs;
	// tenant "*" marks a system token
	StaticTokens []middleware.StaticToken

	JWTSecret   string
	JWTIssuer   string
	TenantClaim string

	OIDCIssuerURL string
	OIDCClientID  string
}

// CatalogueConfig locates the plan catalogue
type CatalogueConfig struct {
	// Path of the YAML catalogue; empty uses the built-in catalogue
	Path  string
	Watch bool
}

// BillingConfig configures the billing webhook
type BillingConfig struct {
	WebhookSecret string
	// MaxSkew rejects webhook deliveries with older timestamps
	MaxSkew time.Duration
}

// SchedulerConfig configures the scheduler binary
type SchedulerConfig struct {
	DiagnosticCron string
	RolloverCron   string
	CleanupCron    string
	AuditRetention time.Duration
	Timezone       string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	rl, err := loadRateLimitConfig()
	if err != nil {
		return nil, err
	}
	auth, err := loadAuthConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Observability: loadObservabilityConfig(),
		Auth:          auth,
		RateLimit:     rl,
		Dispatcher:    loadDispatcherConfig(),
		Cache:         loadCacheConfig(),
		Orchestrator:  loadOrchestratorOptions(),
		Catalogue: CatalogueConfig{
			Path:  getEnv("GOVERNOR_CATALOGUE_PATH", ""),
			Watch: getEnvBool("GOVERNOR_CATALOGUE_WATCH", true),
		},
		Billing: BillingConfig{
			WebhookSecret: getEnv("GOVERNOR_BILLING_WEBHOOK_SECRET", ""),
			MaxSkew:       getEnvDuration("GOVERNOR_BILLING_MAX_SKEW", 5*time.Minute),
		},
		Scheduler: SchedulerConfig{
			DiagnosticCron: getEnv("GOVERNOR_DIAGNOSTIC_CRON", "0 3 * * *"),
			RolloverCron:   getEnv("GOVERNOR_ROLLOVER_CRON", "5 0 1 * *"),
			CleanupCron:    getEnv("GOVERNOR_AUDIT_CLEANUP_CRON", "30 4 * * *"),
			AuditRetention: getEnvDuration("GOVERNOR_AUDIT_RETENTION", 90*24*time.Hour),
			Timezone:       getEnv("GOVERNOR_SCHEDULER_TZ", "Asia/Tashkent"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("GOVERNOR_HOST", "0.0.0.0"),
		Port:            getEnv("GOVERNOR_PORT", "8080"),
		ReadTimeout:     getEnvDuration("GOVERNOR_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("GOVERNOR_WRITE_TIMEOUT", 90*time.Second),
		IdleTimeout:     getEnvDuration("GOVERNOR_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("GOVERNOR_SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxBodyBytes:    getEnvInt64("GOVERNOR_MAX_BODY_BYTES", 1<<20),
		CORSOrigins:     getEnvList("GOVERNOR_CORS_ORIGINS"),
		HealthPort:      getEnv("GOVERNOR_HEALTH_PORT", "9090"),
	}
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if storageType := getEnv("GOVERNOR_STORAGE_TYPE", ""); storageType != "" {
		cfg.Type = strings.ToLower(storageType)
	}
	if sqlitePath := getEnv("GOVERNOR_SQLITE_PATH", ""); sqlitePath != "" {
		cfg.SQLitePath = sqlitePath
	}

	// PostgreSQL config
	if pgURL := getEnv("GOVERNOR_POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if replicaURLs := getEnv("GOVERNOR_POSTGRES_REPLICA_URLS", ""); replicaURLs != "" {
		cfg.PostgresReplicaURLs = replicaURLs
	}
	if maxConns := getEnvInt("GOVERNOR_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("GOVERNOR_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("GOVERNOR_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}

	// Redis config
	cfg.RedisURL = getEnv("GOVERNOR_REDIS_URL", "")
	cfg.RedisPassword = getEnv("GOVERNOR_REDIS_PASSWORD", "")
	if redisDB := getEnvInt("GOVERNOR_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("GOVERNOR_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("GOVERNOR_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}

	// S3 usage archive
	cfg.S3Endpoint = getEnv("GOVERNOR_S3_ENDPOINT", "")
	cfg.S3Region = getEnv("GOVERNOR_S3_REGION", cfg.S3Region)
	cfg.S3Bucket = getEnv("GOVERNOR_S3_BUCKET", "")
	cfg.S3Prefix = getEnv("GOVERNOR_S3_PREFIX", cfg.S3Prefix)
	cfg.S3AccessKey = getEnv("GOVERNOR_S3_ACCESS_KEY", "")
	cfg.S3SecretKey = getEnv("GOVERNOR_S3_SECRET_KEY", "")
	cfg.S3UsePathStyle = getEnvBool("GOVERNOR_S3_USE_PATH_STYLE", false)

	return cfg
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("GOVERNOR_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("GOVERNOR_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("GOVERNOR_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("GOVERNOR_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("GOVERNOR_OTEL_SERVICE_NAME", "governor"),
		OTelServiceVersion: getEnv("GOVERNOR_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("GOVERNOR_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("GOVERNOR_OTEL_SAMPLE_RATIO", 1),
	}
}

func loadAuthConfig() (AuthConfig, error) {
	tokens, err := parseStaticTokens(getEnv("GOVERNOR_API_TOKENS", ""))
	if err != nil {
		return AuthConfig{}, err
	}
	return AuthConfig{
		StaticTokens:  tokens,
		JWTSecret:     getEnv("GOVERNOR_JWT_SECRET", ""),
		JWTIssuer:     getEnv("GOVERNOR_JWT_ISSUER", ""),
		TenantClaim:   getEnv("GOVERNOR_TENANT_CLAIM", "tenant_id"),
		OIDCIssuerURL: getEnv("GOVERNOR_OIDC_ISSUER_URL", ""),
		OIDCClientID:  getEnv("GOVERNOR_OIDC_CLIENT_ID", ""),
	}, nil
}

// loadRateLimitConfig reads GOVERNOR_RATELIMIT_<CLASS> overrides in the
// "requests/window" form, e.g. "600/1m"
func loadRateLimitConfig() (ratelimit.Config, error) {
	cfg := ratelimit.DefaultConfig()
	cfg.FailOpen = getEnvBool("GOVERNOR_RATELIMIT_FAIL_OPEN", cfg.FailOpen)

	for _, class := range cfg.Classes() {
		key := "GOVERNOR_RATELIMIT_" + strings.ToUpper(string(class))
		value := getEnv(key, "")
		if value == "" {
			continue
		}
		limit, err := parseLimit(value)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", key, err)
		}
		cfg.Limits[class] = limit
	}
	return cfg, nil
}

func loadDispatcherConfig() async.Config {
	cfg := async.DefaultConfig()
	cfg.Workers = getEnvInt("GOVERNOR_WORKERS", cfg.Workers)
	cfg.QueueSize = getEnvInt("GOVERNOR_QUEUE_SIZE", cfg.QueueSize)
	cfg.JobTimeout = getEnvDuration("GOVERNOR_JOB_TIMEOUT", cfg.JobTimeout)
	cfg.RetainedJobs = getEnvInt("GOVERNOR_RETAINED_JOBS", cfg.RetainedJobs)
	cfg.Retention = getEnvDuration("GOVERNOR_JOB_RETENTION", cfg.Retention)
	return cfg
}

func loadCacheConfig() cache.Config {
	cfg := cache.DefaultConfig()
	cfg.LocalSize = getEnvInt("GOVERNOR_CACHE_LOCAL_SIZE", cfg.LocalSize)
	cfg.MaxTTL = getEnvDuration("GOVERNOR_CACHE_MAX_TTL", cfg.MaxTTL)
	cfg.Prefix = getEnv("GOVERNOR_CACHE_PREFIX", cfg.Prefix)
	cfg.SlowThreshold = getEnvDuration("GOVERNOR_CACHE_SLOW_THRESHOLD", cfg.SlowThreshold)
	return cfg
}

func loadOrchestratorOptions() orchestrator.Options {
	opts := orchestrator.DefaultOptions()
	opts.AwaitTimeout = getEnvDuration("GOVERNOR_AWAIT_TIMEOUT", opts.AwaitTimeout)
	opts.StrictQuota = getEnvBool("GOVERNOR_STRICT_QUOTA", opts.StrictQuota)
	opts.WarningThreshold = getEnvFloat("GOVERNOR_WARNING_THRESHOLD", opts.WarningThreshold)
	opts.BatchWorkers = getEnvInt("GOVERNOR_BATCH_WORKERS", opts.BatchWorkers)
	opts.BatchTimeout = getEnvDuration("GOVERNOR_BATCH_TIMEOUT", opts.BatchTimeout)
	return opts
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	switch c.Storage.Type {
	case storage.TypeMemory:
	case storage.TypeSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for sqlite storage")
		}
	case storage.TypePostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory, sqlite, or postgres)", c.Storage.Type)
	}

	if c.Dispatcher.Workers <= 0 || c.Dispatcher.QueueSize <= 0 {
		return fmt.Errorf("dispatcher workers and queue size must be positive")
	}
	if c.Orchestrator.WarningThreshold <= 0 || c.Orchestrator.WarningThreshold > 1 {
		return fmt.Errorf("warning threshold must be in (0, 1]")
	}
	if c.Auth.OIDCIssuerURL != "" && c.Auth.OIDCClientID == "" {
		return fmt.Errorf("OIDC client ID is required when an OIDC issuer is set")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}
	return nil
}

// ValidateAPI adds the checks that only the API server needs
func (c *Config) ValidateAPI() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if len(c.Auth.StaticTokens) == 0 && c.Auth.JWTSecret == "" && c.Auth.OIDCIssuerURL == "" {
		return fmt.Errorf("at least one authenticator must be configured")
	}
	return nil
}

// parseStaticTokens parses "token:tenant,token2:*"
func parseStaticTokens(value string) ([]middleware.StaticToken, error) {
	var tokens []middleware.StaticToken
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, tenant, ok := strings.Cut(pair, ":")
		token, tenant = strings.TrimSpace(token), strings.TrimSpace(tenant)
		if !ok || token == "" || tenant == "" {
			return nil, fmt.Errorf("invalid API token entry %q (want token:tenant)", pair)
		}
		if tenant == "*" {
			tokens = append(tokens, middleware.StaticToken{Token: token, System: true})
			continue
		}
		tokens = append(tokens, middleware.StaticToken{Token: token, TenantID: tenant})
	}
	return tokens, nil
}

// parseLimit parses "requests/window"
func parseLimit(value string) (ratelimit.Limit, error) {
	requests, window, ok := strings.Cut(value, "/")
	if !ok {
		return ratelimit.Limit{}, fmt.Errorf("invalid limit %q (want requests/window)", value)
	}
	n, err := strconv.Atoi(strings.TrimSpace(requests))
	if err != nil || n <= 0 {
		return ratelimit.Limit{}, fmt.Errorf("invalid request count in %q", value)
	}
	d, err := time.ParseDuration(strings.TrimSpace(window))
	if err != nil || d <= 0 {
		return ratelimit.Limit{}, fmt.Errorf("invalid window in %q", value)
	}
	return ratelimit.Limit{Requests: n, Window: d}, nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvList splits a comma separated variable, dropping blank entries
func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
