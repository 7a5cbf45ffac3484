package gateway

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// ProcessStats holds process resource usage and push latency for /api/stats.
type ProcessStats struct {
	CPULoad1    float64 `json:"cpu_load_1"`
	CPULoad5    float64 `json:"cpu_load_5"`
	CPULoad15   float64 `json:"cpu_load_15"`
	CPUCores    int     `json:"cpu_cores"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	SysMB       float64 `json:"sys_mb"`
	GCRuns      uint32  `json:"gc_runs"`
	Goroutines  int     `json:"goroutines"`
	UptimeSec   int64   `json:"uptime_sec"`

	WSClients       int     `json:"ws_clients"`
	SnapshotVersion uint64  `json:"snapshot_version"`
	LatencyP50      float64 `json:"push_latency_p50_ms"`
	LatencyP95      float64 `json:"push_latency_p95_ms"`
	LatencyP99      float64 `json:"push_latency_p99_ms"`

	TS string `json:"ts"`
}

// CollectStats gathers process resource usage. Load averages are read from
// /proc/loadavg when available and left zero otherwise.
func CollectStats(start, now time.Time) ProcessStats {
	m := ProcessStats{
		Goroutines: runtime.NumGoroutine(),
		UptimeSec:  int64(now.Sub(start).Seconds()),
		TS:         now.UTC().Format(time.RFC3339Nano),
		CPUCores:   runtime.NumCPU(),
	}

	if f, err := os.Open("/proc/loadavg"); err == nil {
		scanner := bufio.NewScanner(f)
		if scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) >= 3 {
				m.CPULoad1, _ = strconv.ParseFloat(fields[0], 64)
				m.CPULoad5, _ = strconv.ParseFloat(fields[1], 64)
				m.CPULoad15, _ = strconv.ParseFloat(fields[2], 64)
			}
		}
		f.Close()
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.HeapAllocMB = float64(ms.HeapAlloc) / 1024 / 1024
	m.SysMB = float64(ms.Sys) / 1024 / 1024
	m.GCRuns = ms.NumGC

	return m
}
