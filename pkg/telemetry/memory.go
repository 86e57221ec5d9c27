package telemetry

import (
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/process"
)

const bytesPerMB = 1024 * 1024

// MemorySampler reports current memory usage in megabytes
type MemorySampler interface {
	MemoryMB() (float64, error)
}

// MemorySamplerFunc adapts a function to MemorySampler
type MemorySamplerFunc func() (float64, error)

// MemoryMB calls f
func (f MemorySamplerFunc) MemoryMB() (float64, error) {
	return f()
}

// ProcessMemorySampler reads the resident set size of this process
type ProcessMemorySampler struct {
	proc *process.Process
}

// NewProcessMemorySampler binds to the current process. When the process
// handle cannot be opened the sampler falls back to Go heap statistics.
func NewProcessMemorySampler() *ProcessMemorySampler {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return &ProcessMemorySampler{}
	}
	return &ProcessMemorySampler{proc: proc}
}

// MemoryMB returns RSS in megabytes
func (s *ProcessMemorySampler) MemoryMB() (float64, error) {
	if s.proc != nil {
		info, err := s.proc.MemoryInfo()
		if err == nil {
			return float64(info.RSS) / bytesPerMB, nil
		}
	}
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return float64(stats.HeapAlloc) / bytesPerMB, nil
}
