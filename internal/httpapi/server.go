// Package httpapi exposes the orchestrator's health, stats, and Prometheus
// endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/loginflow/internal/core/domain"
	"github.com/vietddude/loginflow/internal/procmon"
	"github.com/vietddude/loginflow/internal/recovery"
	"github.com/vietddude/loginflow/internal/twofactor"
)

// SystemStatus is the aggregate health state reported by /health.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// HealthChecker reports whether an infrastructure dependency is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Stats aggregates the per-subsystem counters served by /stats.
type Stats struct {
	Retry     recovery.RetryStats      `json:"retry"`
	TwoFactor twofactor.TwoFactorStats `json:"two_factor"`
	Workers   procmon.MonitorStats     `json:"workers"`
}

// Server provides the HTTP endpoints for health monitoring and stats.
type Server struct {
	retry     *recovery.Manager
	twofactor *twofactor.Manager
	monitor   *procmon.Monitor
	deps      map[string]HealthChecker
	server    *http.Server
}

// NewServer creates the stats server. deps holds optional infrastructure
// checkers (redis, postgres) keyed by name; nil entries are skipped.
func NewServer(port int, retry *recovery.Manager, tf *twofactor.Manager, mon *procmon.Monitor, deps map[string]HealthChecker) *Server {
	mux := http.NewServeMux()
	s := &Server{
		retry:     retry,
		twofactor: tf,
		monitor:   mon,
		deps:      deps,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/detailed", s.handleDetailed)
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type healthReport struct {
	Status       SystemStatus      `json:"status"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
	OpenBreakers int               `json:"open_breakers"`
	CrashedRate  string            `json:"crashed,omitempty"`
}

func (s *Server) report(ctx context.Context) healthReport {
	rep := healthReport{Status: StatusHealthy}

	if len(s.deps) > 0 {
		rep.Dependencies = make(map[string]string, len(s.deps))
		for name, dep := range s.deps {
			if dep == nil {
				continue
			}
			if err := dep.Health(ctx); err != nil {
				rep.Dependencies[name] = err.Error()
				rep.Status = StatusCritical
			} else {
				rep.Dependencies[name] = "ok"
			}
		}
	}

	if s.retry != nil {
		for _, b := range s.retry.Breakers().Snapshot() {
			if b.State == recovery.BreakerOpen {
				rep.OpenBreakers++
			}
		}
		if rep.OpenBreakers > 0 && rep.Status == StatusHealthy {
			rep.Status = StatusDegraded
		}
	}

	if s.monitor != nil {
		st := s.monitor.Stats()
		if st.Crashed > 0 {
			rep.CrashedRate = fmt.Sprintf("%d/%d", st.Crashed, st.Total)
			if rep.Status == StatusHealthy {
				rep.Status = StatusDegraded
			}
		}
	}
	return rep
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep := s.report(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if rep.Status == StatusCritical {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(map[string]string{"status": string(rep.Status)})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	rep := s.report(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if rep.Status == StatusCritical {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(rep)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var st Stats
	if s.retry != nil {
		st.Retry = s.retry.Stats()
	} else {
		st.Retry.ByStatus = map[domain.RetryStatus]int{}
	}
	if s.twofactor != nil {
		st.TwoFactor = s.twofactor.Stats()
	}
	if s.monitor != nil {
		st.Workers = s.monitor.Stats()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}
