package util

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemInfo holds static information about the host system.
type SystemInfo struct {
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	CPUModel     string `json:"cpu_model"`
	CPUCores     int    `json:"cpu_cores"`
	TotalMemory  uint64 `json:"total_memory_mb"`
	BootTime     uint64 `json:"boot_time"`
	GoVersion    string `json:"go_version"`
}

// GetSystemInfo gathers system information. Fields gopsutil cannot read
// on this platform are left empty.
func GetSystemInfo() SystemInfo {
	info := SystemInfo{
		Architecture: runtime.GOARCH,
		CPUCores:     runtime.NumCPU(),
		GoVersion:    runtime.Version(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}

	if hostInfo, err := host.Info(); err == nil {
		info.OS = fmt.Sprintf("%s %s", hostInfo.Platform, hostInfo.PlatformVersion)
		info.BootTime = hostInfo.BootTime
	} else {
		info.OS = runtime.GOOS
	}

	if cpuInfo, err := cpu.Info(); err == nil && len(cpuInfo) > 0 {
		info.CPUModel = cpuInfo[0].ModelName
	}

	if memInfo, err := mem.VirtualMemory(); err == nil {
		info.TotalMemory = memInfo.Total / (1024 * 1024)
	}

	return info
}

// GetLocalIP returns the first non-loopback IPv4 address, or 127.0.0.1.
func GetLocalIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}

	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String(), nil
			}
		}
	}
	return "127.0.0.1", nil
}

// Usage is a point-in-time sample of host resource usage.
type Usage struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryUsedMB  uint64    `json:"memory_used_mb"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskFreeGB    uint64    `json:"disk_free_gb"`
	DiskPercent   float64   `json:"disk_percent"`
	Goroutines    int       `json:"goroutines"`
	SampledAt     time.Time `json:"sampled_at"`
}

// GetUsage samples CPU, memory and the disk holding path. The first error
// is returned together with whatever could be sampled.
func GetUsage(path string) (Usage, error) {
	u := Usage{
		Goroutines: runtime.NumGoroutine(),
		SampledAt:  time.Now(),
	}
	var firstErr error

	if percentages, err := cpu.Percent(0, false); err != nil {
		firstErr = fmt.Errorf("cpu usage: %w", err)
	} else if len(percentages) > 0 {
		u.CPUPercent = percentages[0]
	}

	if memInfo, err := mem.VirtualMemory(); err != nil {
		if firstErr == nil {
			firstErr = fmt.Errorf("memory usage: %w", err)
		}
	} else {
		u.MemoryUsedMB = memInfo.Used / (1024 * 1024)
		u.MemoryPercent = memInfo.UsedPercent
	}

	if path != "" {
		if d, err := disk.Usage(path); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("disk usage of %s: %w", path, err)
			}
		} else {
			u.DiskFreeGB = d.Free / (1024 * 1024 * 1024)
			u.DiskPercent = d.UsedPercent
		}
	}

	return u, firstErr
}

// FileExists checks if a file or directory exists at the given path.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}
