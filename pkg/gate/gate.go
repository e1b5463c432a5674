// Package gate admits heavy archive-building work. It is back
// pressure, not a queue: a denied request returns immediately with a
// reason and the caller decides whether to retry.
package gate

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/zap"
)

type LoadGate struct {
	slots   chan struct{}
	maxCPU  float64
	sampler func() (float64, error)
	logger  *zap.Logger
}

// New creates a gate allowing at most maxConcurrent concurrent slots,
// refusing new work outright while system CPU usage is above
// maxCPUPercent (0 disables the CPU check).
func New(maxConcurrent int, maxCPUPercent float64, logger *zap.Logger) *LoadGate {
	return NewWithSampler(maxConcurrent, maxCPUPercent, systemCPUPercent, logger)
}

// NewWithSampler is New with an explicit CPU sampler.
func NewWithSampler(maxConcurrent int, maxCPUPercent float64, sampler func() (float64, error), logger *zap.Logger) *LoadGate {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &LoadGate{
		slots:   make(chan struct{}, maxConcurrent),
		maxCPU:  maxCPUPercent,
		sampler: sampler,
		logger:  logger,
	}
}

// RequestSlot tries to admit one unit of heavy work. It never blocks:
// when the CPU is too busy or all slots are taken it denies with a
// reason the caller can show to the user.
func (g *LoadGate) RequestSlot() (bool, string) {
	pct, err := g.sampler()
	if err != nil {
		g.logger.Warn("CPU sampling failed, skipping load check", zap.Error(err))
	} else if g.maxCPU > 0 && pct > g.maxCPU {
		g.logger.Info("Pack denied by CPU load",
			zap.Float64("cpu_percent", pct),
			zap.Float64("threshold", g.maxCPU))
		return false, fmt.Sprintf("system is under heavy load (CPU %.0f%%), try again later", pct)
	}

	select {
	case g.slots <- struct{}{}:
		return true, ""
	default:
		return false, "another pack operation is already running, try again later"
	}
}

// ReleaseSlot frees a previously granted slot. Callers only invoke it
// after a successful grant, exactly once.
func (g *LoadGate) ReleaseSlot() {
	<-g.slots
}

// systemCPUPercent reports total CPU usage since the previous call.
// The very first call in a process has no prior sample and reads as
// near zero, which only makes the gate more permissive at startup.
func systemCPUPercent() (float64, error) {
	vals, err := cpu.Percent(0, false)
	if err != nil {
		return 0, err
	}
	if len(vals) == 0 {
		return 0, nil
	}
	return vals[0], nil
}
