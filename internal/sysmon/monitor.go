package sysmon

import (
	"context"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// Sample is a point-in-time resource reading.
type Sample struct {
	CPUPercent    float64
	Goroutines    int
	Allocation    float64
	Throttle      ThrottleStats
	ContainerMode bool
}

// Monitor samples process CPU usage on an interval, preferring
// cgroup-aware accounting and falling back to gopsutil's host-wide
// reading when no cgroup is detected (e.g. running outside a container).
// One Monitor belongs to one chardevd process.
type Monitor struct {
	cpu    *containerCPU
	logger zerolog.Logger
}

// New builds a Monitor, detecting the container CPU quota if available.
func New(logger zerolog.Logger) *Monitor {
	m := &Monitor{logger: logger.With().Str("component", "sysmon").Logger()}
	cc, err := newContainerCPU()
	if err != nil {
		m.logger.Info().Err(err).Msg("no cgroup detected, falling back to host CPU sampling")
		return m
	}
	m.cpu = cc
	return m
}

// Sample takes one reading. In container mode it is a delta since the
// previous call to Sample; call it on a steady interval.
func (m *Monitor) Sample() Sample {
	s := Sample{Goroutines: runtime.NumGoroutine()}
	if m.cpu != nil {
		percent, throttle, err := m.cpu.percent()
		if err == nil {
			s.CPUPercent = percent
			s.Throttle = throttle
			s.Allocation = m.cpu.allocatedCPUs
			s.ContainerMode = true
			return s
		}
		m.logger.Warn().Err(err).Msg("container CPU sample failed, falling back to host reading")
	}

	percents, err := cpu.Percent(0, false)
	if err == nil && len(percents) > 0 {
		s.CPUPercent = percents[0]
	}
	s.Allocation = float64(runtime.NumCPU())
	return s
}

// Run samples every interval until ctx is cancelled, invoking onSample
// with each reading.
func (m *Monitor) Run(ctx context.Context, interval time.Duration, onSample func(Sample)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			onSample(m.Sample())
		}
	}
}
