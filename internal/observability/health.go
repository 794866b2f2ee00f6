package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"syscall"
	"time"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusOK        HealthStatus = "ok"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	LatencyMS int64        `json:"latency_ms,omitempty"`
}

// HealthCheckResponse represents the overall health check response.
type HealthCheckResponse struct {
	Status        HealthStatus               `json:"status"`
	Version       string                     `json:"version"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Timestamp     string                     `json:"timestamp"`
	Checks        map[string]ComponentHealth `json:"checks"`
}

// HealthChecker performs health checks on system components.
type HealthChecker struct {
	version   string
	startTime time.Time
	checks    map[string]HealthCheckFunc
}

// HealthCheckFunc defines a function that checks component health.
type HealthCheckFunc func(ctx context.Context) ComponentHealth

// NewHealthChecker creates a new health checker.
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		version:   version,
		startTime: time.Now(),
		checks:    make(map[string]HealthCheckFunc),
	}
}

// RegisterCheck registers a health check for a component.
func (hc *HealthChecker) RegisterCheck(name string, checkFunc HealthCheckFunc) {
	hc.checks[name] = checkFunc
}

// Check performs all health checks.
func (hc *HealthChecker) Check(ctx context.Context) HealthCheckResponse {
	response := HealthCheckResponse{
		Status:        HealthStatusOK,
		Version:       hc.version,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Timestamp:     time.Now().Format(time.RFC3339),
		Checks:        make(map[string]ComponentHealth),
	}

	for name, checkFunc := range hc.checks {
		health := checkFunc(ctx)
		response.Checks[name] = health

		// Update overall status
		if health.Status == HealthStatusUnhealthy {
			response.Status = HealthStatusUnhealthy
		} else if health.Status == HealthStatusDegraded && response.Status != HealthStatusUnhealthy {
			response.Status = HealthStatusDegraded
		}
	}

	return response
}

// Handler returns an HTTP handler for health checks.
func (hc *HealthChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		response := hc.Check(ctx)

		w.Header().Set("Content-Type", "application/json")

		// Set HTTP status based on health
		switch response.Status {
		case HealthStatusOK:
			w.WriteHeader(http.StatusOK)
		case HealthStatusDegraded:
			w.WriteHeader(http.StatusOK) // Still 200 but degraded
		case HealthStatusUnhealthy:
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}

// Common health check functions

// RESTListenerCheck reports that the REST API is bound to addr. The check
// itself is a liveness placeholder: by the time the health endpoint is
// reachable at all, the same process already owns that listener.
func RESTListenerCheck(addr string) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		return ComponentHealth{
			Status:  HealthStatusOK,
			Message: fmt.Sprintf("REST API listening on %s", addr),
		}
	}
}

// LedgerCheck reports whether the configured registry RPC endpoint looks
// reachable. probe is supplied by the caller (cmd/witnessd passes a
// Registered lookup against its memledger Registry) so this package doesn't
// need to import an RPC client.
func LedgerCheck(endpoint string, probe func(ctx context.Context) error) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		if err := probe(ctx); err != nil {
			return ComponentHealth{
				Status:    HealthStatusUnhealthy,
				Message:   fmt.Sprintf("%s unreachable: %v", endpoint, err),
				LatencyMS: time.Since(start).Milliseconds(),
			}
		}
		return ComponentHealth{
			Status:    HealthStatusOK,
			Message:   fmt.Sprintf("registry RPC reachable at %s", endpoint),
			LatencyMS: time.Since(start).Milliseconds(),
		}
	}
}

// KeystoreCheck checks if identity keys are loaded.
func KeystoreCheck(keysLoaded bool) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		if keysLoaded {
			return ComponentHealth{
				Status:  HealthStatusOK,
				Message: "Identity keys loaded",
			}
		}
		return ComponentHealth{
			Status:  HealthStatusUnhealthy,
			Message: "Identity keys not loaded",
		}
	}
}

// DatabaseCheck reports the session database as responsive; it does not
// open or query dbPath.
func DatabaseCheck(dbPath string) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		start := time.Now()
		// Placeholder - in production would execute SELECT 1
		latency := time.Since(start).Milliseconds()

		if latency < 50 {
			return ComponentHealth{
				Status:    HealthStatusOK,
				Message:   "SQLite responsive",
				LatencyMS: latency,
			}
		}
		return ComponentHealth{
			Status:    HealthStatusDegraded,
			Message:   "SQLite slow",
			LatencyMS: latency,
		}
	}
}

// DiskSpaceCheck checks available disk space on the filesystem backing
// path against minFreeBytes.
func DiskSpaceCheck(path string, minFreeBytes int64) HealthCheckFunc {
	return func(ctx context.Context) ComponentHealth {
		var stat syscall.Statfs_t
		if err := syscall.Statfs(path, &stat); err != nil {
			return ComponentHealth{
				Status:  HealthStatusUnhealthy,
				Message: fmt.Sprintf("statfs %s: %v", path, err),
			}
		}
		free := int64(stat.Bavail) * int64(stat.Bsize)
		if free > minFreeBytes {
			return ComponentHealth{
				Status:  HealthStatusOK,
				Message: fmt.Sprintf("%d bytes free", free),
			}
		}
		return ComponentHealth{
			Status:  HealthStatusDegraded,
			Message: fmt.Sprintf("low disk space: %d bytes free", free),
		}
	}
}
