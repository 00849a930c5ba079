package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biznespilot/governor/pkg/async"
	"github.com/biznespilot/governor/pkg/middleware"
	"github.com/biznespilot/governor/pkg/observability"
	"github.com/biznespilot/governor/pkg/orchestrator"
	"github.com/biznespilot/governor/pkg/ratelimit"
	"github.com/biznespilot/governor/pkg/storage"
)

// TestGetEnv tests the getEnv helper function
func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_VAR", "custom")
	if got := getEnv("TEST_VAR", "default"); got != "custom" {
		t.Errorf("getEnv() = %v, want custom", got)
	}
	if got := getEnv("TEST_VAR_NOT_SET", "default"); got != "default" {
		t.Errorf("getEnv() = %v, want default", got)
	}
}

func TestGetEnvTyped(t *testing.T) {
	tests := []struct {
		name  string
		value string
		check func(t *testing.T)
	}{
		{"bool true", "true", func(t *testing.T) { assert.True(t, getEnvBool("TEST_TYPED", false)) }},
		{"bool one", "1", func(t *testing.T) { assert.True(t, getEnvBool("TEST_TYPED", false)) }},
		{"bool other", "yes", func(t *testing.T) { assert.False(t, getEnvBool("TEST_TYPED", true)) }},
		{"int", "42", func(t *testing.T) { assert.Equal(t, 42, getEnvInt("TEST_TYPED", 1)) }},
		{"int invalid", "x", func(t *testing.T) { assert.Equal(t, 1, getEnvInt("TEST_TYPED", 1)) }},
		{"int64", "9000000000", func(t *testing.T) { assert.Equal(t, int64(9000000000), getEnvInt64("TEST_TYPED", 1)) }},
		{"float", "0.25", func(t *testing.T) { assert.Equal(t, 0.25, getEnvFloat("TEST_TYPED", 1)) }},
		{"float invalid", "abc", func(t *testing.T) { assert.Equal(t, 0.5, getEnvFloat("TEST_TYPED", 0.5)) }},
		{"duration", "90s", func(t *testing.T) { assert.Equal(t, 90*time.Second, getEnvDuration("TEST_TYPED", time.Second)) }},
		{"duration invalid", "soon", func(t *testing.T) { assert.Equal(t, time.Second, getEnvDuration("TEST_TYPED", time.Second)) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_TYPED", tt.value)
			tt.check(t)
		})
	}
}

func TestLoadServerConfig(t *testing.T) {
	got := loadServerConfig()
	if got.Port != "8080" || got.HealthPort != "9090" {
		t.Errorf("default ports = %s/%s, want 8080/9090", got.Port, got.HealthPort)
	}
	if got.MaxBodyBytes != 1<<20 {
		t.Errorf("MaxBodyBytes = %d, want %d", got.MaxBodyBytes, 1<<20)
	}

	t.Setenv("GOVERNOR_HOST", "localhost")
	t.Setenv("GOVERNOR_PORT", "3000")
	t.Setenv("GOVERNOR_WRITE_TIMEOUT", "2m")
	t.Setenv("GOVERNOR_HEALTH_PORT", "9091")
	t.Setenv("GOVERNOR_CORS_ORIGINS", " https://app.biznespilot.uz, ,https://admin.biznespilot.uz")

	got = loadServerConfig()
	assert.Equal(t, "localhost", got.Host)
	assert.Equal(t, "3000", got.Port)
	assert.Equal(t, 2*time.Minute, got.WriteTimeout)
	assert.Equal(t, "9091", got.HealthPort)
	assert.Equal(t, []string{"https://app.biznespilot.uz", "https://admin.biznespilot.uz"}, got.CORSOrigins)
}

func TestLoadStorageConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		got := loadStorageConfig()
		assert.Equal(t, storage.TypeSQLite, got.Type)
		assert.Equal(t, "governor.db", got.SQLitePath)
		assert.Empty(t, got.RedisURL)
		assert.Empty(t, got.S3Bucket)
		assert.Equal(t, "us-east-1", got.S3Region)
	})

	t.Run("postgres with redis and s3", func(t *testing.T) {
		t.Setenv("GOVERNOR_STORAGE_TYPE", "Postgres")
		t.Setenv("GOVERNOR_POSTGRES_URL", "postgres://db/governor")
		t.Setenv("GOVERNOR_POSTGRES_REPLICA_URLS", "postgres://r1/governor")
		t.Setenv("GOVERNOR_POSTGRES_MAX_CONNS", "50")
		t.Setenv("GOVERNOR_REDIS_URL", "redis://cache:6379")
		t.Setenv("GOVERNOR_REDIS_DB", "2")
		t.Setenv("GOVERNOR_S3_BUCKET", "usage")
		t.Setenv("GOVERNOR_S3_ENDPOINT", "http://minio:9000")
		t.Setenv("GOVERNOR_S3_USE_PATH_STYLE", "true")

		got := loadStorageConfig()
		assert.Equal(t, storage.TypePostgres, got.Type)
		assert.Equal(t, "postgres://db/governor", got.PostgresURL)
		assert.Equal(t, "postgres://r1/governor", got.PostgresReplicaURLs)
		assert.Equal(t, 50, got.PostgresMaxConns)
		assert.Equal(t, "redis://cache:6379", got.RedisURL)
		assert.Equal(t, 2, got.RedisDB)
		assert.Equal(t, "usage", got.S3Bucket)
		assert.True(t, got.S3UsePathStyle)
	})
}

func TestLoadObservabilityConfig(t *testing.T) {
	t.Setenv("GOVERNOR_LOG_LEVEL", "debug")
	t.Setenv("GOVERNOR_OTEL_ENABLED", "true")
	t.Setenv("GOVERNOR_OTEL_SAMPLE_RATIO", "0.1")

	got := loadObservabilityConfig()
	assert.Equal(t, observability.DebugLevel, got.LogLevel)

	otelCfg := got.OTel()
	assert.True(t, otelCfg.Enabled)
	assert.Equal(t, "governor", otelCfg.ServiceName)
	assert.Equal(t, "localhost:4317", otelCfg.Endpoint)
	assert.Equal(t, 0.1, otelCfg.SampleRatio)
}

func TestParseStaticTokens(t *testing.T) {
	tokens, err := parseStaticTokens(" key-1:tenant-a , ops:*,")
	require.NoError(t, err)
	assert.Equal(t, []middleware.StaticToken{
		{Token: "key-1", TenantID: "tenant-a"},
		{Token: "ops", System: true},
	}, tokens)

	tokens, err = parseStaticTokens("")
	require.NoError(t, err)
	assert.Empty(t, tokens)

	for _, bad := range []string{"no-tenant", ":tenant", "token:"} {
		_, err := parseStaticTokens(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		input   string
		want    ratelimit.Limit
		wantErr bool
	}{
		{input: "600/1m", want: ratelimit.Limit{Requests: 600, Window: time.Minute}},
		{input: " 10 / 1s ", want: ratelimit.Limit{Requests: 10, Window: time.Second}},
		{input: "600", wantErr: true},
		{input: "0/1m", wantErr: true},
		{input: "x/1m", wantErr: true},
		{input: "5/never", wantErr: true},
		{input: "5/-1s", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseLimit(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseLimit(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("parseLimit(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadRateLimitConfig(t *testing.T) {
	t.Setenv("GOVERNOR_RATELIMIT_BATCH", "5/1h")
	t.Setenv("GOVERNOR_RATELIMIT_FAIL_OPEN", "false")

	cfg, err := loadRateLimitConfig()
	require.NoError(t, err)
	assert.False(t, cfg.FailOpen)
	assert.Equal(t, ratelimit.Limit{Requests: 5, Window: time.Hour}, cfg.LimitFor(ratelimit.ClassBatch))
	assert.Equal(t, ratelimit.DefaultConfig().LimitFor(ratelimit.ClassSingle), cfg.LimitFor(ratelimit.ClassSingle))

	t.Setenv("GOVERNOR_RATELIMIT_GLOBAL", "lots")
	_, err = loadRateLimitConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GOVERNOR_RATELIMIT_GLOBAL")
}

func TestLoadDispatcherAndOrchestrator(t *testing.T) {
	t.Setenv("GOVERNOR_WORKERS", "16")
	t.Setenv("GOVERNOR_JOB_TIMEOUT", "30s")
	t.Setenv("GOVERNOR_STRICT_QUOTA", "false")
	t.Setenv("GOVERNOR_WARNING_THRESHOLD", "0.9")

	d := loadDispatcherConfig()
	assert.Equal(t, 16, d.Workers)
	assert.Equal(t, 30*time.Second, d.JobTimeout)
	assert.Equal(t, async.DefaultConfig().QueueSize, d.QueueSize)

	o := loadOrchestratorOptions()
	assert.False(t, o.StrictQuota)
	assert.Equal(t, 0.9, o.WarningThreshold)
	assert.Equal(t, orchestrator.DefaultOptions().BatchWorkers, o.BatchWorkers)
}

func validConfig() Config {
	return Config{
		Server:       ServerConfig{Port: "8080", HealthPort: "9090"},
		Storage:      storage.DefaultConfig(),
		Auth:         AuthConfig{JWTSecret: "secret"},
		Dispatcher:   async.DefaultConfig(),
		Orchestrator: orchestrator.DefaultOptions(),
	}
}

// TestConfigValidate tests the Config.Validate method
func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing server port", mutate: func(c *Config) { c.Server.Port = "" }, wantErr: "server port is required"},
		{name: "missing health port", mutate: func(c *Config) { c.Server.HealthPort = "" }, wantErr: "health port is required"},
		{name: "same ports", mutate: func(c *Config) { c.Server.HealthPort = "8080" }, wantErr: "must be different"},
		{name: "memory storage", mutate: func(c *Config) { c.Storage.Type = storage.TypeMemory }},
		{name: "sqlite without path", mutate: func(c *Config) { c.Storage.SQLitePath = "" }, wantErr: "sqlite path"},
		{name: "postgres without url", mutate: func(c *Config) { c.Storage.Type = storage.TypePostgres }, wantErr: "postgres URL"},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Type = "filesystem" }, wantErr: "invalid storage type"},
		{name: "no workers", mutate: func(c *Config) { c.Dispatcher.Workers = 0 }, wantErr: "dispatcher"},
		{name: "threshold above one", mutate: func(c *Config) { c.Orchestrator.WarningThreshold = 1.5 }, wantErr: "warning threshold"},
		{name: "oidc without client", mutate: func(c *Config) { c.Auth.OIDCIssuerURL = "https://id.example.com" }, wantErr: "OIDC client ID"},
		{
			name: "otel enabled without endpoint",
			mutate: func(c *Config) {
				c.Observability.OTelEnabled = true
				c.Observability.OTelServiceName = "governor"
			},
			wantErr: "OpenTelemetry endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfigValidateAPI(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.ValidateAPI())

	cfg.Auth = AuthConfig{}
	assert.NoError(t, cfg.Validate(), "the scheduler runs without credentials")
	err := cfg.ValidateAPI()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authenticator")

	cfg = validConfig()
	cfg.Server.Port = ""
	assert.Error(t, cfg.ValidateAPI())
}

func TestLoadConfig(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		t.Setenv("GOVERNOR_API_TOKENS", "key-1:tenant-a")
		t.Setenv("GOVERNOR_STORAGE_TYPE", "memory")

		cfg, err := LoadConfig()
		require.NoError(t, err)
		assert.Len(t, cfg.Auth.StaticTokens, 1)
		assert.Equal(t, "tenant_id", cfg.Auth.TenantClaim)
		assert.Equal(t, "5 0 1 * *", cfg.Scheduler.RolloverCron)
		assert.Equal(t, 90*24*time.Hour, cfg.Scheduler.AuditRetention)
		assert.True(t, cfg.Catalogue.Watch)
	})

	t.Run("same ports", func(t *testing.T) {
		t.Setenv("GOVERNOR_JWT_SECRET", "secret")
		t.Setenv("GOVERNOR_HEALTH_PORT", "8080")
		_, err := LoadConfig()
		assert.Error(t, err)
	})

	t.Run("bad token list", func(t *testing.T) {
		t.Setenv("GOVERNOR_API_TOKENS", "broken")
		_, err := LoadConfig()
		assert.Error(t, err)
	})
}
