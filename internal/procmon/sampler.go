package procmon

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// Sample is one resource usage reading for a worker process.
type Sample struct {
	MemoryBytes uint64
	CPUPercent  float64
}

// ProcessSampler reads OS-level liveness and resource usage for a PID.
type ProcessSampler interface {
	Exists(ctx context.Context, pid int32) bool
	Sample(ctx context.Context, pid int32) (Sample, error)
}

// SystemSample is one aggregate host resource reading.
type SystemSample struct {
	MemoryUsedPercent float64
	CPUPercent        float64
}

// SystemSampler reads aggregate host resource usage.
type SystemSampler interface {
	Snapshot(ctx context.Context) (SystemSample, error)
}

type osSampler struct{}

// NewProcessSampler returns the gopsutil-backed process sampler.
func NewProcessSampler() ProcessSampler { return osSampler{} }

// NewSystemSampler returns the gopsutil-backed host sampler.
func NewSystemSampler() SystemSampler { return osSampler{} }

func (osSampler) Exists(ctx context.Context, pid int32) bool {
	ok, err := process.PidExistsWithContext(ctx, pid)
	return err == nil && ok
}

func (osSampler) Sample(ctx context.Context, pid int32) (Sample, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return Sample{}, fmt.Errorf("open process %d: %w", pid, err)
	}

	var s Sample
	if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		s.MemoryBytes = mi.RSS
	}
	cpuPct, err := p.CPUPercentWithContext(ctx)
	if err != nil {
		return s, fmt.Errorf("cpu percent for %d: %w", pid, err)
	}
	s.CPUPercent = cpuPct
	return s, nil
}

func (osSampler) Snapshot(ctx context.Context) (SystemSample, error) {
	var out SystemSample

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return out, fmt.Errorf("virtual memory: %w", err)
	}
	out.MemoryUsedPercent = vm.UsedPercent

	// Non-blocking read: percentage since the previous call.
	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return out, fmt.Errorf("cpu percent: %w", err)
	}
	if len(pcts) > 0 {
		out.CPUPercent = pcts[0]
	}
	return out, nil
}
