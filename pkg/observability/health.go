package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// CheckFunc probes one dependency
type CheckFunc func(ctx context.Context) error

type namedCheck struct {
	name     string
	critical bool
	fn       CheckFunc
}

// HealthChecker reports liveness and dependency readiness
type HealthChecker struct {
	db      *sql.DB
	redis   *redis.Client
	version string

	mu     sync.RWMutex
	checks []namedCheck
}

// NewHealthChecker creates a health checker. Either client may be nil.
func NewHealthChecker(db *sql.DB, redis *redis.Client, version string) *HealthChecker {
	return &HealthChecker{db: db, redis: redis, version: version}
}

// AddCheck registers a named probe. A failing critical probe makes the
// service unhealthy; a non-critical one only degrades it.
func (h *HealthChecker) AddCheck(name string, critical bool, fn CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, namedCheck{name: name, critical: critical, fn: fn})
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the health of a single dependency
type DependencyStatus struct {
	Status    string        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Liveness answers 200 while the process is serving
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, map[string]any{
		"status":    StatusHealthy,
		"timestamp": time.Now(),
	})
}

// Readiness answers 503 when a critical dependency is down
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)
	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeHealth(w, code, status)
}

func writeHealth(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// Check probes every dependency
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus),
	}

	degrade := func(s string) {
		if s == StatusUnhealthy {
			status.Status = StatusUnhealthy
		} else if s == StatusDegraded && status.Status != StatusUnhealthy {
			status.Status = StatusDegraded
		}
	}

	if h.db != nil {
		dbStatus := h.checkDatabase(ctx)
		status.Dependencies["database"] = dbStatus
		degrade(dbStatus.Status)
	}

	// Redis backs shared caching and limiting; both fall back when it is down
	if h.redis != nil {
		redisStatus := h.checkRedis(ctx)
		status.Dependencies["redis"] = redisStatus
		if redisStatus.Status != StatusHealthy {
			degrade(StatusDegraded)
		}
	}

	h.mu.RLock()
	checks := append([]namedCheck(nil), h.checks...)
	h.mu.RUnlock()
	sort.Slice(checks, func(i, j int) bool { return checks[i].name < checks[j].name })

	for _, c := range checks {
		start := time.Now()
		dep := DependencyStatus{Status: StatusHealthy, Timestamp: start}
		if err := c.fn(ctx); err != nil {
			dep.Message = err.Error()
			dep.Status = StatusDegraded
			if c.critical {
				dep.Status = StatusUnhealthy
			}
		}
		dep.Latency = time.Since(start)
		status.Dependencies[c.name] = dep
		degrade(dep.Status)
	}

	return status
}

func (h *HealthChecker) checkDatabase(ctx context.Context) DependencyStatus {
	start := time.Now()
	status := DependencyStatus{Status: StatusHealthy, Timestamp: start}

	var one int
	err := h.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	status.Latency = time.Since(start)
	if err != nil {
		status.Status = StatusUnhealthy
		status.Message = "query failed: " + err.Error()
		return status
	}

	stats := h.db.Stats()
	if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
		status.Status = StatusDegraded
		status.Message = "connection pool exhausted"
	}
	return status
}

func (h *HealthChecker) checkRedis(ctx context.Context) DependencyStatus {
	start := time.Now()
	status := DependencyStatus{Status: StatusHealthy, Timestamp: start}

	err := h.redis.Ping(ctx).Err()
	status.Latency = time.Since(start)
	if err != nil {
		status.Status = StatusUnhealthy
		status.Message = err.Error()
	}
	return status
}

// RegisterHealthRoutes registers health check endpoints
func RegisterHealthRoutes(serveMux *http.ServeMux, checker *HealthChecker) {
	serveMux.HandleFunc("/health", checker.Readiness)
	serveMux.HandleFunc("/health/live", checker.Liveness)
	serveMux.HandleFunc("/health/ready", checker.Readiness)
}
