package services

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// ResourceOptimizerConfig bounds the worker counts handed out.
type ResourceOptimizerConfig struct {
	MinWorkers      int     `default:"2"`
	MaxWorkers      int     `default:"16"`
	MemoryThreshold float64 `default:"85.0"` // percent used above which workers are halved
	CPUThreshold    float64 `default:"80.0"`
}

// ResourceSnapshot captures system load at a point in time.
type ResourceSnapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUCores    int       `json:"cpu_cores"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryGB    float64   `json:"memory_gb"`
	MemoryUsage float64   `json:"memory_usage"`
	Goroutines  int       `json:"goroutines"`
}

// ResourceOptimizer sizes the per-instrument worker pools from host resources.
type ResourceOptimizer struct {
	config ResourceOptimizerConfig
	logger *slog.Logger

	cpuPercent func(ctx context.Context) (float64, error)
	memory     func(ctx context.Context) (total uint64, usedPercent float64, err error)
}

// NewResourceOptimizer creates a new resource optimizer
func NewResourceOptimizer(config ResourceOptimizerConfig, logger *slog.Logger) *ResourceOptimizer {
	applyDefaults(&config)
	if config.MaxWorkers < config.MinWorkers {
		config.MaxWorkers = config.MinWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResourceOptimizer{
		config:     config,
		logger:     logger,
		cpuPercent: hostCPUPercent,
		memory:     hostMemory,
	}
}

func hostCPUPercent(ctx context.Context) (float64, error) {
	values, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(values) == 0 {
		return 0, err
	}
	return values[0], nil
}

func hostMemory(ctx context.Context) (uint64, float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	return vm.Total, vm.UsedPercent, nil
}

// Snapshot reads current host load. Probe failures leave fields at zero.
func (ro *ResourceOptimizer) Snapshot(ctx context.Context) ResourceSnapshot {
	snap := ResourceSnapshot{
		Timestamp:  time.Now(),
		CPUCores:   runtime.NumCPU(),
		Goroutines: runtime.NumGoroutine(),
	}
	if usage, err := ro.cpuPercent(ctx); err == nil {
		snap.CPUUsage = usage
	} else {
		ro.logger.Warn("Could not read CPU usage", "error", err)
	}
	if total, used, err := ro.memory(ctx); err == nil {
		snap.MemoryGB = float64(total) / (1024 * 1024 * 1024)
		snap.MemoryUsage = used
	} else {
		ro.logger.Warn("Could not read memory info", "error", err)
	}
	return snap
}

// Workers returns the worker count for CPU-bound fan-out. A positive
// override wins; otherwise one worker per core, halved under memory or CPU
// pressure, bounded by the config.
func (ro *ResourceOptimizer) Workers(ctx context.Context, override int) int {
	if override > 0 {
		return override
	}
	snap := ro.Snapshot(ctx)
	workers := snap.CPUCores
	if snap.MemoryUsage > ro.config.MemoryThreshold || snap.CPUUsage > ro.config.CPUThreshold {
		workers /= 2
	}
	if workers < ro.config.MinWorkers {
		workers = ro.config.MinWorkers
	}
	if workers > ro.config.MaxWorkers {
		workers = ro.config.MaxWorkers
	}
	ro.logger.Debug("Worker count sized",
		"workers", workers,
		"cpu_cores", snap.CPUCores,
		"cpu_usage", snap.CPUUsage,
		"memory_usage", snap.MemoryUsage)
	return workers
}
