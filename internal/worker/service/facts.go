package service

import (
	"context"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostFacts describes the machine a host runs on. Every field is best effort.
type HostFacts struct {
	Hostname    string
	CPUCores    int
	MemoryBytes uint64
}

func CollectFacts(ctx context.Context) HostFacts {
	facts := HostFacts{CPUCores: runtime.NumCPU()}

	if info, err := host.InfoWithContext(ctx); err == nil {
		facts.Hostname = info.Hostname
	} else if name, err := os.Hostname(); err == nil {
		facts.Hostname = name
	}
	if cores, err := cpu.CountsWithContext(ctx, true); err == nil && cores > 0 {
		facts.CPUCores = cores
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		facts.MemoryBytes = vm.Total
	}
	return facts
}
