package agent

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"tradepilot/logger"
)

// SystemStats 宿主机资源指标
type SystemStats struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryUsedMB  float64   `json:"memory_used_mb"`
	MemoryTotalMB float64   `json:"memory_total_mb"`
	DiskPercent   float64   `json:"disk_percent"`
	UptimeSeconds uint64    `json:"uptime_seconds"`
}

// memoryMB 当前内存占用与总量，采集失败按 0 上报
func memoryMB() (used, total float64) {
	m, err := mem.VirtualMemory()
	if err != nil {
		logger.Warn("⚠️ 采集内存指标失败: %v", err)
		return 0, 0
	}
	return float64(m.Used) / 1024 / 1024, float64(m.Total) / 1024 / 1024
}

// collectStats 采集系统资源指标，单项失败按 0 上报
func collectStats() *SystemStats {
	stats := &SystemStats{Timestamp: time.Now()}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		stats.CPUPercent = percents[0]
	} else if err != nil {
		logger.Warn("⚠️ 采集 CPU 指标失败: %v", err)
	}

	if memStat, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = memStat.UsedPercent
		stats.MemoryUsedMB = float64(memStat.Used) / 1024 / 1024
		stats.MemoryTotalMB = float64(memStat.Total) / 1024 / 1024
	} else {
		logger.Warn("⚠️ 采集内存指标失败: %v", err)
	}

	if diskStat, err := disk.Usage("/"); err == nil {
		stats.DiskPercent = diskStat.UsedPercent
	}

	if uptime, err := host.Uptime(); err == nil {
		stats.UptimeSeconds = uptime
	}

	return stats
}
