package observability

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats is a point-in-time view of the server process.
type ProcessStats struct {
	PID        int32   `json:"pid"`
	RSSBytes   uint64  `json:"rssBytes"`
	CPUPercent float64 `json:"cpuPercent"`
	Goroutines int     `json:"goroutines"`
	UptimeSec  float64 `json:"uptimeSec"`
}

// CurrentProcessStats samples memory and CPU usage of this process.
// started is the time the server came up.
func CurrentProcessStats(started time.Time) (ProcessStats, error) {
	stats := ProcessStats{
		PID:        int32(os.Getpid()),
		Goroutines: runtime.NumGoroutine(),
		UptimeSec:  time.Since(started).Seconds(),
	}

	p, err := process.NewProcess(stats.PID)
	if err != nil {
		return stats, fmt.Errorf("inspecting process %d: %w", stats.PID, err)
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return stats, fmt.Errorf("reading memory info: %w", err)
	}
	stats.RSSBytes = mem.RSS

	cpu, err := p.CPUPercent()
	if err != nil {
		return stats, fmt.Errorf("reading cpu usage: %w", err)
	}
	stats.CPUPercent = cpu

	return stats, nil
}
