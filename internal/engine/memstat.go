package engine

import (
	"os"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// processMemoryPercent returns this process's resident set size as a
// percentage of total physical memory, read portably via gopsutil
// rather than per-OS syscalls.
func processMemoryPercent() (float64, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	if vm.Total == 0 {
		return 0, nil
	}
	return float64(info.RSS) / float64(vm.Total) * 100, nil
}
