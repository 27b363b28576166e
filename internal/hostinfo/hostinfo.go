// Package hostinfo summarises the machine the supervisor runs on.
package hostinfo

import (
	"context"
	"log/slog"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

type MemoryInfo struct {
	Total int64 `json:"total"`
	Free  int64 `json:"free"`
	Used  int64 `json:"used"`
}

type Info struct {
	Hostname      string     `json:"hostname"`
	OS            string     `json:"os"`
	Platform      string     `json:"platform"`
	KernelVersion string     `json:"kernel_version"`
	CPUCount      int        `json:"cpu_count"`
	Memory        MemoryInfo `json:"memory"`
}

// Collect gathers host facts. Each probe that fails leaves its fields zero.
func Collect(ctx context.Context, logger *slog.Logger) Info {
	if logger == nil {
		logger = slog.Default()
	}
	var info Info

	if h, err := host.InfoWithContext(ctx); err == nil {
		info.Hostname = h.Hostname
		info.OS = h.OS
		info.Platform = h.Platform
		info.KernelVersion = h.KernelVersion
	} else {
		logger.Debug("host info unavailable", "error", err)
	}

	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		info.CPUCount = n
	} else {
		logger.Debug("cpu count unavailable", "error", err)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.Memory = MemoryInfo{
			Total: int64(vm.Total),
			Free:  int64(vm.Available),
			Used:  int64(vm.Used),
		}
	} else {
		logger.Debug("memory info unavailable", "error", err)
	}

	return info
}
