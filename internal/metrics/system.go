package metrics

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemSampler periodically samples host CPU and process RSS into the
// registry's system gauges.
type SystemSampler struct {
	registry *Registry
	interval time.Duration
}

// NewSystemSampler builds a sampler for the given registry.
func NewSystemSampler(registry *Registry, interval time.Duration) *SystemSampler {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &SystemSampler{registry: registry, interval: interval}
}

// Run samples until ctx is cancelled.
func (s *SystemSampler) Run(ctx context.Context) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		proc = nil
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample(proc)
		}
	}
}

func (s *SystemSampler) sample(proc *process.Process) {
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		s.registry.System.CPUPercent.Set(percents[0])
	}

	if proc == nil {
		return
	}
	if memInfo, err := proc.MemoryInfo(); err == nil {
		s.registry.System.MemoryRSS.Set(float64(memInfo.RSS))
	}
}
