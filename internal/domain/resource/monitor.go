package resource

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Usage is one sample of system/GPU/disk resource consumption.
type Usage struct {
	MemoryUsedBytes     uint64
	MemoryTotalBytes    uint64
	GPUMemoryUsedBytes  uint64
	GPUMemoryTotalBytes uint64
	GPUUtilization      float32
	GPUTemperatureC     uint32
	DiskUsedBytes       uint64
	DiskTotalBytes      uint64
}

// Sampler produces the latest Usage reading. Implementations talk to
// /proc, nvidia-smi, statfs, etc.; the monitor itself is transport-agnostic.
type Sampler interface {
	Sample(ctx context.Context) (Usage, error)
}

// Mitigator performs the side-effectful actions a pressure level demands.
// Implementations live outside this package (cache managers, model
// schedulers, task queues); the monitor only decides *when* to call them.
type Mitigator interface {
	FlushCaches(ctx context.Context)
	ReduceBatchSize(ctx context.Context)
	CompressContext(ctx context.Context, targetTokens int64)
	OffloadModels(ctx context.Context)
	PauseTasks(ctx context.Context, priorityThreshold int)
}

// Monitor periodically samples resource usage, derives pressure, adjusts
// quotas and triggers mitigations. Mirrors the teacher's ticker-driven
// collector, generalized from "snapshot history" to "drive quotas".
type Monitor struct {
	sampler    Sampler
	mitigator  Mitigator
	quotas     *AdaptiveQuotas
	thresholds Thresholds
	logger     *zap.Logger

	mu      sync.RWMutex
	usage   Usage
	history []Usage
	maxHist int

	memGauge  prometheus.Gauge
	gpuGauge  prometheus.Gauge
	diskGauge prometheus.Gauge
	pressure  prometheus.Gauge
}

// NewMonitor builds a Monitor. registerer may be nil to skip metrics
// registration (e.g. in tests).
func NewMonitor(sampler Sampler, mitigator Mitigator, quotas *AdaptiveQuotas, thresholds Thresholds, logger *zap.Logger, registerer prometheus.Registerer) *Monitor {
	m := &Monitor{
		sampler:    sampler,
		mitigator:  mitigator,
		quotas:     quotas,
		thresholds: thresholds,
		logger:     logger,
		history:    make([]Usage, 0, 100),
		maxHist:    100,
		memGauge:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "selfware_resource_memory_ratio", Help: "memory used/total ratio"}),
		gpuGauge:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "selfware_resource_gpu_memory_ratio", Help: "gpu memory used/total ratio"}),
		diskGauge:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "selfware_resource_disk_ratio", Help: "disk used/total ratio"}),
		pressure:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "selfware_resource_pressure_level", Help: "0=none 1=low 2=medium 3=high 4=critical"}),
	}
	if registerer != nil {
		registerer.MustRegister(m.memGauge, m.gpuGauge, m.diskGauge, m.pressure)
	}
	return m
}

// Run starts the sampling loop; it blocks until ctx is cancelled, wakes
// every interval, the way StartCollector does for the teacher's monitor.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	usage, err := m.sampler.Sample(ctx)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("resource sample failed", zap.Error(err))
		}
		return
	}

	m.mu.Lock()
	m.usage = usage
	m.history = append(m.history, usage)
	if len(m.history) > m.maxHist {
		m.history = m.history[1:]
	}
	m.mu.Unlock()

	memRatio := ratio(usage.MemoryUsedBytes, usage.MemoryTotalBytes)
	gpuRatio := ratio(usage.GPUMemoryUsedBytes, usage.GPUMemoryTotalBytes)
	diskRatio := ratio(usage.DiskUsedBytes, usage.DiskTotalBytes)

	m.memGauge.Set(memRatio)
	m.gpuGauge.Set(gpuRatio)
	m.diskGauge.Set(diskRatio)

	maxRatio := memRatio
	if gpuRatio > maxRatio {
		maxRatio = gpuRatio
	}
	pressure := Derive(maxRatio, m.thresholds)
	m.pressure.Set(float64(pressure))

	if pressure.RequiresAction() {
		if m.logger != nil {
			m.logger.Warn("resource pressure detected", zap.String("pressure", pressure.String()), zap.Float64("max_ratio", maxRatio))
		}
		m.handlePressure(ctx, pressure)
	}

	m.quotas.AdjustForPressure(pressure)
}

// handlePressure runs the mitigation ladder for the observed level.
func (m *Monitor) handlePressure(ctx context.Context, p Pressure) {
	if m.mitigator == nil {
		return
	}
	switch p {
	case PressureMedium:
		m.mitigator.FlushCaches(ctx)
	case PressureHigh:
		m.mitigator.FlushCaches(ctx)
		m.mitigator.ReduceBatchSize(ctx)
		m.mitigator.CompressContext(ctx, m.quotas.Base().MaxContextTokens/4)
	case PressureCritical:
		m.mitigator.FlushCaches(ctx)
		m.mitigator.CompressContext(ctx, 8192)
		m.mitigator.OffloadModels(ctx)
		m.mitigator.PauseTasks(ctx, 2)
	}
}

// Usage returns the most recent sample.
func (m *Monitor) Usage() Usage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usage
}

// History returns a copy of the retained usage samples.
func (m *Monitor) History() []Usage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Usage, len(m.history))
	copy(out, m.history)
	return out
}

func ratio(used, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(used) / float64(total)
}
