// Package diagnostics reports process and host health for the metrics
// surface.
package diagnostics

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Snapshot is a point-in-time view of the orchestrator process.
type Snapshot struct {
	PID            int32   `json:"pid"`
	Goroutines     int     `json:"goroutines"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryRSSBytes uint64  `json:"memory_rss_bytes"`
	UptimeSeconds  float64 `json:"uptime_seconds"`

	HostMemoryTotal uint64  `json:"host_memory_total_bytes"`
	HostMemoryUsed  float64 `json:"host_memory_used_percent"`
}

var startedAt = time.Now()

// Collect gathers the snapshot. Collection failures degrade to partial data
// rather than erroring; the snapshot is informational.
func Collect() Snapshot {
	snap := Snapshot{
		PID:           int32(os.Getpid()), // #nosec G115 -- pid fits
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: time.Since(startedAt).Seconds(),
	}

	if proc, err := process.NewProcess(snap.PID); err == nil {
		if cpu, err := proc.CPUPercent(); err == nil {
			snap.CPUPercent = cpu
		}
		if mi, err := proc.MemoryInfo(); err == nil && mi != nil {
			snap.MemoryRSSBytes = mi.RSS
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		snap.HostMemoryTotal = vm.Total
		snap.HostMemoryUsed = vm.UsedPercent
	}
	return snap
}
