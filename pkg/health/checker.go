// Package health exposes liveness/readiness HTTP endpoints shared by the
// smp-server and smp-agent binaries.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/halilertekin/simplexmq/internal/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status represents the overall health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Pinger is implemented by anything whose liveness can be probed, typically
// a queue or connection store's underlying *sql.DB.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckResult is the outcome of a single named check.
type CheckResult struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthStatus is the aggregate payload served at /health.
type HealthStatus struct {
	Status    Status        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Checks    []CheckResult `json:"checks"`
}

// Checker runs named readiness checks against a store and anything else
// registered with it.
type Checker struct {
	store   Pinger
	timeout time.Duration
}

// NewChecker creates a checker bound to a store ping.
func NewChecker(store Pinger, timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Checker{store: store, timeout: timeout}
}

// CheckAll runs every registered check and aggregates the worst status.
func (c *Checker) CheckAll(ctx context.Context) *HealthStatus {
	status := &HealthStatus{Timestamp: time.Now(), Status: StatusHealthy}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result := CheckResult{Name: "store", Status: StatusHealthy}
	if c.store == nil {
		result.Status = StatusDegraded
		result.Message = "no store configured"
	} else if err := c.store.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = err.Error()
	}
	status.Checks = append(status.Checks, result)
	if result.Status != StatusHealthy {
		status.Status = result.Status
	}
	return status
}

// Server serves /health, /health/live, /health/ready and /metrics.
type Server struct {
	checker *Checker
	log     logger.Logger
	port    int
	server  *http.Server
}

// NewServer creates a health/metrics HTTP server.
func NewServer(checker *Checker, log logger.Logger, port int) *Server {
	return &Server{checker: checker, log: log, port: port}
}

// Start begins serving in the background.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/live", s.handleLiveness)
	mux.HandleFunc("/health/ready", s.handleReadiness)
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("health server stopped", logger.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.checker.CheckAll(r.Context())
	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "alive", "timestamp": time.Now().UTC()})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	status := s.checker.CheckAll(r.Context())
	ready := status.Status != StatusUnhealthy
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ready": ready, "checks": status.Checks})
}
