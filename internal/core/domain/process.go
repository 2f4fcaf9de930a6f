package domain

import "time"

// ProcessStatus represents the observed state of an automation worker.
type ProcessStatus string

const (
	ProcessStatusRunning   ProcessStatus = "running"
	ProcessStatusUnhealthy ProcessStatus = "unhealthy"
	ProcessStatusStopped   ProcessStatus = "stopped"
	ProcessStatusCrashed   ProcessStatus = "crashed"
)

// Terminal reports whether the worker is no longer monitored.
func (s ProcessStatus) Terminal() bool {
	return s == ProcessStatusStopped || s == ProcessStatusCrashed
}

// ResourceMetrics holds rolling resource usage for a worker. Current values
// reflect the latest sample; Max and Avg cover the whole running period.
type ResourceMetrics struct {
	MemoryCurrent uint64  `json:"memory_current"`
	MemoryMax     uint64  `json:"memory_max"`
	MemoryAvg     float64 `json:"memory_avg"`
	CPUCurrent    float64 `json:"cpu_current"`
	CPUMax        float64 `json:"cpu_max"`
	CPUAvg        float64 `json:"cpu_avg"`
	OpenPages     int     `json:"open_pages"`
	SampleCount   int     `json:"sample_count"`
	ErrorCount    int     `json:"error_count"`
}

// ProcessRecord is the tracked state of one external automation worker.
type ProcessRecord struct {
	WorkerID      string            `json:"worker_id"`
	PID           int32             `json:"pid"`
	ControlURL    string            `json:"control_url,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Status        ProcessStatus     `json:"status"`
	StartedAt     time.Time         `json:"started_at"`
	EndedAt       time.Time         `json:"ended_at,omitempty"`
	Metrics       ResourceMetrics   `json:"metrics"`
	RecentAlerts  []ResourceAlert   `json:"recent_alerts,omitempty"`
	LastSampledAt time.Time         `json:"last_sampled_at,omitempty"`
	LastProbedAt  time.Time         `json:"last_probed_at,omitempty"`
}

// Uptime returns the observed lifetime of the worker.
func (r *ProcessRecord) Uptime(now time.Time) time.Duration {
	if !r.EndedAt.IsZero() {
		return r.EndedAt.Sub(r.StartedAt)
	}
	return now.Sub(r.StartedAt)
}

// AlertType classifies a resource alert.
type AlertType string

const (
	AlertMemory    AlertType = "memory"
	AlertCPU       AlertType = "cpu"
	AlertOpenPages AlertType = "open_pages"
	AlertAge       AlertType = "age"
)

// ResourceAlert records one threshold breach for a worker.
type ResourceAlert struct {
	ID       string    `json:"id"`
	WorkerID string    `json:"worker_id"`
	Type     AlertType `json:"type"`
	Message  string    `json:"message"`
	Value    float64   `json:"value"`
	Limit    float64   `json:"limit"`
	RaisedAt time.Time `json:"raised_at"`
}
