// Package capacity derives concurrent execution slot counts from the
// hardware the process is running on.
package capacity

import (
	"math"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/voxlane/batchscribe/internal/logx"
)

// VRAMProbe reports GPU memory in megabytes. Implementations are expected
// to fail with an error rather than guess; the detector handles degradation.
type VRAMProbe interface {
	TotalMB() (float64, error)
	ReservedMB() (float64, error)
}

// DetectGPUCapacity computes how many model instances fit in VRAM:
// floor((total - reserved) / modelSizeGB), clamped to a minimum of one
// slot. It never fails: an unreadable reservation falls back to
// fallbackReservedMB, and an unreadable total degrades to a single slot.
func DetectGPUCapacity(probe VRAMProbe, modelSizeGB float64, fallbackReservedMB int) int {
	totalMB, err := probe.TotalMB()
	if err != nil {
		logx.Log.Warn().Err(err).Msg("total VRAM unreadable; degrading to one GPU slot")
		return 1
	}
	reservedMB, err := probe.ReservedMB()
	if err != nil {
		logx.Log.Warn().Err(err).Int("fallback_mb", fallbackReservedMB).Msg("reserved VRAM unreadable; using fallback")
		reservedMB = float64(fallbackReservedMB)
	}
	usableGB := (totalMB - reservedMB) / 1024
	n := int(math.Floor(usableGB / modelSizeGB))
	if n < 1 {
		n = 1
	}
	return n
}

// SuggestCPUCapacity proposes a CPU slot count tiered by available system
// RAM. It is a default only; configuration may override it freely.
func SuggestCPUCapacity() int {
	vm, err := mem.VirtualMemory()
	if err != nil {
		logx.Log.Warn().Err(err).Msg("system RAM unreadable; suggesting one CPU slot")
		return 1
	}
	return cpuTierForRAM(vm.Total)
}

func cpuTierForRAM(totalBytes uint64) int {
	const gb = 1 << 30
	switch {
	case totalBytes < 16*gb:
		return 1
	case totalBytes < 32*gb:
		return 2
	default:
		return 3
	}
}
