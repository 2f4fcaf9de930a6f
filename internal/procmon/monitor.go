// Package procmon detects crashed, hung, or resource-abusive automation
// workers and translates that into actionable events: a crash is the primary
// trigger for automatic recovery, a resource breach raises an operator
// alert. It never retries anything itself; the integration layer decides
// what a crash means.
package procmon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/loginflow/internal/bus"
	"github.com/vietddude/loginflow/internal/core/domain"
	"github.com/vietddude/loginflow/internal/metrics"
)

// Limits are the per-worker resource thresholds.
type Limits struct {
	MemoryBytes uint64        `yaml:"memory_bytes"`
	CPUPercent  float64       `yaml:"cpu_percent"`
	OpenPages   int           `yaml:"open_pages"`
	MaxAge      time.Duration `yaml:"max_age"`
}

// SystemLimits are the aggregate host thresholds for the system-wide check.
type SystemLimits struct {
	MemoryPercent float64 `yaml:"memory_percent"`
	CPUPercent    float64 `yaml:"cpu_percent"`
	MaxWorkers    int     `yaml:"max_workers"`
}

// MonitorConfig tunes the process health monitor.
type MonitorConfig struct {
	SampleInterval    time.Duration `yaml:"sample_interval"`
	ProbeInterval     time.Duration `yaml:"probe_interval"`
	SystemInterval    time.Duration `yaml:"system_interval"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	TerminalRetention time.Duration `yaml:"terminal_retention"`
	AlertCooldown     time.Duration `yaml:"alert_cooldown"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	Limits            Limits        `yaml:"limits"`
	System            SystemLimits  `yaml:"system"`
}

// DefaultMonitorConfig returns the stock monitoring tuning.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		SampleInterval:    5 * time.Second,
		ProbeInterval:     3 * time.Second,
		SystemInterval:    30 * time.Second,
		CleanupInterval:   time.Minute,
		TerminalRetention: 10 * time.Minute,
		AlertCooldown:     5 * time.Minute,
		ProbeTimeout:      5 * time.Second,
		Limits: Limits{
			MemoryBytes: 1536 << 20, // 1.5 GiB per browser worker
			CPUPercent:  85,
			OpenPages:   20,
			MaxAge:      2 * time.Hour,
		},
		System: SystemLimits{
			MemoryPercent: 90,
			CPUPercent:    90,
			MaxWorkers:    50,
		},
	}
}

func (c MonitorConfig) normalize() MonitorConfig {
	def := DefaultMonitorConfig()
	if c.SampleInterval <= 0 {
		c.SampleInterval = def.SampleInterval
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = def.ProbeInterval
	}
	if c.SystemInterval <= 0 {
		c.SystemInterval = def.SystemInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	if c.TerminalRetention <= 0 {
		c.TerminalRetention = def.TerminalRetention
	}
	if c.AlertCooldown <= 0 {
		c.AlertCooldown = def.AlertCooldown
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = def.ProbeTimeout
	}
	if c.Limits == (Limits{}) {
		c.Limits = def.Limits
	}
	if c.System == (SystemLimits{}) {
		c.System = def.System
	}
	return c
}

// RegisterSpec describes a worker at launch.
type RegisterSpec struct {
	PID        int32
	ControlURL string
	Metadata   map[string]string
}

// MonitorStats is a read-only projection over monitored workers.
type MonitorStats struct {
	Total     int `json:"total"`
	Running   int `json:"running"`
	Unhealthy int `json:"unhealthy"`
	Crashed   int `json:"crashed"`
	Stopped   int `json:"stopped"`
}

// Monitor tracks liveness and resource consumption of automation workers.
type Monitor struct {
	mu         sync.Mutex
	records    map[string]*domain.ProcessRecord
	alertTimes map[string]time.Time // (workerID, alertType) cooldowns

	sampler    ProcessSampler
	sysSampler SystemSampler
	control    ControlClient
	bus        *bus.Bus
	log        *slog.Logger
	cfg        MonitorConfig
	now        func() time.Time
}

// NewMonitor creates a process health monitor.
func NewMonitor(cfg MonitorConfig, sampler ProcessSampler, sysSampler SystemSampler, control ControlClient, b *bus.Bus, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	if sampler == nil {
		sampler = NewProcessSampler()
	}
	if sysSampler == nil {
		sysSampler = NewSystemSampler()
	}
	if control == nil {
		control = NewControlClient(cfg.ProbeTimeout)
	}
	return &Monitor{
		records:    make(map[string]*domain.ProcessRecord),
		alertTimes: make(map[string]time.Time),
		sampler:    sampler,
		sysSampler: sysSampler,
		control:    control,
		bus:        b,
		log:        log,
		cfg:        cfg.normalize(),
		now:        time.Now,
	}
}

// RegisterProcess starts monitoring a worker.
func (m *Monitor) RegisterProcess(workerID string, spec RegisterSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[workerID]; ok && !rec.Status.Terminal() {
		return fmt.Errorf("worker %s already registered", workerID)
	}
	m.records[workerID] = &domain.ProcessRecord{
		WorkerID:   workerID,
		PID:        spec.PID,
		ControlURL: spec.ControlURL,
		Metadata:   spec.Metadata,
		Status:     domain.ProcessStatusRunning,
		StartedAt:  m.now(),
	}
	metrics.WorkersRunning.Inc()
	m.log.Info("worker registered", "worker", workerID, "pid", spec.PID)
	return nil
}

// UnregisterProcess marks the worker stopped. The record is retained briefly
// for post-mortem inspection and purged by the cleanup sweep.
func (m *Monitor) UnregisterProcess(workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[workerID]
	if !ok {
		return fmt.Errorf("worker %s not registered", workerID)
	}
	if rec.Status.Terminal() {
		return nil
	}
	rec.Status = domain.ProcessStatusStopped
	rec.EndedAt = m.now()
	metrics.WorkersRunning.Dec()
	m.log.Info("worker unregistered", "worker", workerID, "uptime", rec.Uptime(rec.EndedAt))
	return nil
}

// GetProcess returns a copy of the worker's record.
func (m *Monitor) GetProcess(workerID string) (domain.ProcessRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[workerID]
	if !ok {
		return domain.ProcessRecord{}, fmt.Errorf("worker %s not registered", workerID)
	}
	out := *rec
	out.RecentAlerts = append([]domain.ResourceAlert(nil), rec.RecentAlerts...)
	return out, nil
}

// Stats returns counters over all tracked records.
func (m *Monitor) Stats() MonitorStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st MonitorStats
	st.Total = len(m.records)
	for _, rec := range m.records {
		switch rec.Status {
		case domain.ProcessStatusRunning:
			st.Running++
		case domain.ProcessStatusUnhealthy:
			st.Unhealthy++
		case domain.ProcessStatusCrashed:
			st.Crashed++
		case domain.ProcessStatusStopped:
			st.Stopped++
		}
	}
	return st
}

// Run drives the sampling, probing, system check, and cleanup loops until
// ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	go m.loop(ctx, m.cfg.SampleInterval, m.SampleOnce)
	go m.loop(ctx, m.cfg.ProbeInterval, m.ProbeOnce)
	go m.loop(ctx, m.cfg.SystemInterval, m.PerformSystemHealthCheck)
	go m.loop(ctx, m.cfg.CleanupInterval, func(context.Context) { m.cleanupOnce() })
	<-ctx.Done()
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// SampleOnce runs one monitoring tick over every live worker: crash
// detection, rolling metrics, control-endpoint metrics, threshold checks.
func (m *Monitor) SampleOnce(ctx context.Context) {
	for _, workerID := range m.liveWorkers() {
		m.sampleWorker(ctx, workerID)
	}
}

func (m *Monitor) liveWorkers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.records))
	for id, rec := range m.records {
		if !rec.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids
}

func (m *Monitor) sampleWorker(ctx context.Context, workerID string) {
	m.mu.Lock()
	rec, ok := m.records[workerID]
	if !ok || rec.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	pid := rec.PID
	controlURL := rec.ControlURL
	running := rec.Status == domain.ProcessStatusRunning
	m.mu.Unlock()

	if !m.sampler.Exists(ctx, pid) {
		m.markCrashed(workerID)
		return
	}
	if !running {
		// Metrics freeze while the worker is unhealthy; the probe loop
		// owns the way back to running.
		return
	}

	sample, sampleErr := m.sampler.Sample(ctx, pid)

	var pages WorkerMetrics
	var pagesErr error
	if controlURL != "" {
		pages, pagesErr = m.control.Metrics(ctx, controlURL)
	}

	m.mu.Lock()
	rec, ok = m.records[workerID]
	if !ok || rec.Status != domain.ProcessStatusRunning {
		m.mu.Unlock()
		return
	}
	now := m.now()
	rec.LastSampledAt = now
	if sampleErr != nil {
		rec.Metrics.ErrorCount++
		m.mu.Unlock()
		m.log.Debug("worker sample failed", "worker", workerID, "error", sampleErr)
		return
	}

	mm := &rec.Metrics
	n := float64(mm.SampleCount)
	mm.MemoryCurrent = sample.MemoryBytes
	if sample.MemoryBytes > mm.MemoryMax {
		mm.MemoryMax = sample.MemoryBytes
	}
	mm.MemoryAvg = (mm.MemoryAvg*n + float64(sample.MemoryBytes)) / (n + 1)
	mm.CPUCurrent = sample.CPUPercent
	if sample.CPUPercent > mm.CPUMax {
		mm.CPUMax = sample.CPUPercent
	}
	mm.CPUAvg = (mm.CPUAvg*n + sample.CPUPercent) / (n + 1)
	mm.SampleCount++
	if pagesErr != nil {
		mm.ErrorCount++
	} else if controlURL != "" {
		mm.OpenPages = pages.OpenPages
	}
	snapshot := *rec
	m.mu.Unlock()

	m.checkThresholds(snapshot)
}

func (m *Monitor) markCrashed(workerID string) {
	m.mu.Lock()
	rec, ok := m.records[workerID]
	if !ok || rec.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	rec.Status = domain.ProcessStatusCrashed
	rec.EndedAt = m.now()
	snapshot := *rec
	m.mu.Unlock()

	metrics.WorkersRunning.Dec()
	metrics.ProcessCrashes.Inc()
	m.log.Error("worker crashed", "worker", workerID, "pid", snapshot.PID,
		"uptime", snapshot.Uptime(snapshot.EndedAt))
	m.publishWorker(domain.EventProcessCrashed, snapshot, map[string]any{
		"pid":    snapshot.PID,
		"uptime": snapshot.Uptime(snapshot.EndedAt).String(),
	})
}

// ProbeOnce runs one health-check pass over workers that expose a control
// endpoint. A failed probe marks the worker unhealthy without killing it; a
// later successful probe brings it back.
func (m *Monitor) ProbeOnce(ctx context.Context) {
	for _, workerID := range m.liveWorkers() {
		m.probeWorker(ctx, workerID)
	}
}

func (m *Monitor) probeWorker(ctx context.Context, workerID string) {
	m.mu.Lock()
	rec, ok := m.records[workerID]
	if !ok || rec.Status.Terminal() || rec.ControlURL == "" {
		m.mu.Unlock()
		return
	}
	controlURL := rec.ControlURL
	m.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	err := m.control.Probe(probeCtx, controlURL)
	cancel()

	m.mu.Lock()
	rec, ok = m.records[workerID]
	if !ok || rec.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	rec.LastProbedAt = m.now()

	var transition domain.EventType
	switch {
	case err != nil && rec.Status == domain.ProcessStatusRunning:
		rec.Status = domain.ProcessStatusUnhealthy
		transition = domain.EventProcessUnhealthy
	case err == nil && rec.Status == domain.ProcessStatusUnhealthy:
		rec.Status = domain.ProcessStatusRunning
		transition = domain.EventProcessRecovered
	}
	snapshot := *rec
	m.mu.Unlock()

	switch transition {
	case domain.EventProcessUnhealthy:
		m.log.Warn("worker unhealthy", "worker", workerID, "error", err)
		m.publishWorker(transition, snapshot, map[string]any{"error": err.Error()})
	case domain.EventProcessRecovered:
		m.log.Info("worker recovered", "worker", workerID)
		m.publishWorker(transition, snapshot, nil)
	}
}

func (m *Monitor) checkThresholds(rec domain.ProcessRecord) {
	lim := m.cfg.Limits
	now := m.now()

	if lim.MemoryBytes > 0 && rec.Metrics.MemoryCurrent > lim.MemoryBytes {
		m.raiseAlert(rec, domain.AlertMemory,
			float64(rec.Metrics.MemoryCurrent), float64(lim.MemoryBytes),
			fmt.Sprintf("memory %d bytes over limit %d", rec.Metrics.MemoryCurrent, lim.MemoryBytes))
	}
	if lim.CPUPercent > 0 && rec.Metrics.CPUCurrent > lim.CPUPercent {
		m.raiseAlert(rec, domain.AlertCPU,
			rec.Metrics.CPUCurrent, lim.CPUPercent,
			fmt.Sprintf("cpu %.1f%% over limit %.1f%%", rec.Metrics.CPUCurrent, lim.CPUPercent))
	}
	if lim.OpenPages > 0 && rec.Metrics.OpenPages > lim.OpenPages {
		m.raiseAlert(rec, domain.AlertOpenPages,
			float64(rec.Metrics.OpenPages), float64(lim.OpenPages),
			fmt.Sprintf("%d open pages over limit %d", rec.Metrics.OpenPages, lim.OpenPages))
	}
	if lim.MaxAge > 0 && rec.Uptime(now) > lim.MaxAge {
		m.raiseAlert(rec, domain.AlertAge,
			rec.Uptime(now).Seconds(), lim.MaxAge.Seconds(),
			fmt.Sprintf("worker age %s over limit %s", rec.Uptime(now).Round(time.Second), lim.MaxAge))
	}
}

// raiseAlert emits a resource alert unless one of the same type fired for
// this worker inside the cooldown window.
func (m *Monitor) raiseAlert(rec domain.ProcessRecord, typ domain.AlertType, value, limit float64, msg string) {
	key := rec.WorkerID + "/" + string(typ)
	now := m.now()

	m.mu.Lock()
	if last, ok := m.alertTimes[key]; ok && now.Sub(last) < m.cfg.AlertCooldown {
		m.mu.Unlock()
		return
	}
	m.alertTimes[key] = now

	alert := domain.ResourceAlert{
		ID:       uuid.New().String(),
		WorkerID: rec.WorkerID,
		Type:     typ,
		Message:  msg,
		Value:    value,
		Limit:    limit,
		RaisedAt: now,
	}
	if live, ok := m.records[rec.WorkerID]; ok {
		live.RecentAlerts = append(live.RecentAlerts, alert)
		if len(live.RecentAlerts) > 5 {
			live.RecentAlerts = live.RecentAlerts[len(live.RecentAlerts)-5:]
		}
	}
	m.mu.Unlock()

	metrics.ResourceAlerts.WithLabelValues(string(typ)).Inc()
	m.log.Warn("resource alert", "worker", rec.WorkerID, "type", typ, "message", msg)
	m.publishWorker(domain.EventResourceAlert, rec, map[string]any{
		"alert_type": string(typ),
		"message":    msg,
		"value":      value,
		"limit":      limit,
	})
}

// PerformSystemHealthCheck compares aggregate host usage and total running
// workers against system limits, catching host-level exhaustion even when
// every individual worker looks fine.
func (m *Monitor) PerformSystemHealthCheck(ctx context.Context) {
	snap, err := m.sysSampler.Snapshot(ctx)
	if err != nil {
		m.log.Warn("system snapshot failed", "error", err)
		return
	}
	running := m.Stats().Running

	lim := m.cfg.System
	if lim.MemoryPercent > 0 && snap.MemoryUsedPercent > lim.MemoryPercent {
		m.raiseSystemAlert("system_memory", snap.MemoryUsedPercent, lim.MemoryPercent,
			fmt.Sprintf("host memory at %.1f%%", snap.MemoryUsedPercent))
	}
	if lim.CPUPercent > 0 && snap.CPUPercent > lim.CPUPercent {
		m.raiseSystemAlert("system_cpu", snap.CPUPercent, lim.CPUPercent,
			fmt.Sprintf("host cpu at %.1f%%", snap.CPUPercent))
	}
	if lim.MaxWorkers > 0 && running > lim.MaxWorkers {
		m.raiseSystemAlert("worker_count", float64(running), float64(lim.MaxWorkers),
			fmt.Sprintf("%d workers running, limit %d", running, lim.MaxWorkers))
	}
}

func (m *Monitor) raiseSystemAlert(kind string, value, limit float64, msg string) {
	key := "system/" + kind
	now := m.now()

	m.mu.Lock()
	if last, ok := m.alertTimes[key]; ok && now.Sub(last) < m.cfg.AlertCooldown {
		m.mu.Unlock()
		return
	}
	m.alertTimes[key] = now
	m.mu.Unlock()

	m.log.Warn("system alert", "kind", kind, "message", msg)
	if m.bus != nil {
		m.bus.Publish(domain.Event{
			Type: domain.EventSystemAlert,
			Fields: map[string]any{
				"kind":    kind,
				"message": msg,
				"value":   value,
				"limit":   limit,
			},
		})
	}
}

func (m *Monitor) cleanupOnce() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for id, rec := range m.records {
		if rec.Status.Terminal() && !rec.EndedAt.IsZero() &&
			now.Sub(rec.EndedAt) > m.cfg.TerminalRetention {
			delete(m.records, id)
			m.log.Debug("worker record purged", "worker", id, "status", rec.Status)
		}
	}
}

func (m *Monitor) publishWorker(t domain.EventType, rec domain.ProcessRecord, fields map[string]any) {
	if m.bus == nil {
		return
	}
	if fields == nil {
		fields = map[string]any{}
	}
	fields["worker_id"] = rec.WorkerID
	m.bus.Publish(domain.Event{
		Type:     t,
		RunID:    rec.Metadata["run_id"],
		Platform: rec.Metadata["platform"],
		Account:  rec.Metadata["account"],
		Fields:   fields,
	})
}
