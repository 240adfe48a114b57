package system

import (
	"context"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Resources describes what the edge device can offer the detector at boot
type Resources struct {
	Processor            string
	LogicalCores         int
	PhysicalCores        int
	CPUPercent           float64
	MemoryTotalBytes     uint64
	MemoryAvailableBytes uint64
	Load1m               float64
	UptimeSeconds        uint64
}

// SampleResources probes the host. Probes that fail leave their fields zero;
// load average is not available on every platform.
func SampleResources(ctx context.Context) Resources {
	var r Resources

	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		r.Processor = strings.TrimSpace(infos[0].ModelName)
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		r.LogicalCores = n
	}
	if n, err := cpu.CountsWithContext(ctx, false); err == nil {
		r.PhysicalCores = n
	}
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		r.CPUPercent = pct[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		r.MemoryTotalBytes = vm.Total
		r.MemoryAvailableBytes = vm.Available
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		r.Load1m = avg.Load1
	}

	if up, err := host.UptimeWithContext(ctx); err == nil {
		r.UptimeSeconds = up
	}

	return r
}

// SystemBlock is the numeric view carried in the fingerprint
func (r Resources) SystemBlock() map[string]float64 {
	return map[string]float64{
		"cpu_logical_cores":      float64(r.LogicalCores),
		"cpu_physical_cores":     float64(r.PhysicalCores),
		"cpu_percent":            r.CPUPercent,
		"memory_total_bytes":     float64(r.MemoryTotalBytes),
		"memory_available_bytes": float64(r.MemoryAvailableBytes),
		"load_1m":                r.Load1m,
		"uptime_seconds":         float64(r.UptimeSeconds),
	}
}
