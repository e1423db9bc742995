package executor

import (
	"fmt"
	"os"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

const bytesPerMB = 1024 * 1024

// ResourceUsage is a point-in-time resource reading
type ResourceUsage struct {
	CPUSeconds float64
	MemoryMB   float64
}

// Sampler reads the resources consumed on behalf of a worker
type Sampler interface {
	Sample() (ResourceUsage, error)
}

// ProcessSampler samples CPU time and resident memory of a single OS process
type ProcessSampler struct {
	logger *zap.Logger
	mu     sync.Mutex
	proc   *process.Process
	last   ResourceUsage
}

// NewProcessSampler creates a sampler for the current process
func NewProcessSampler(logger *zap.Logger) (*ProcessSampler, error) {
	return NewProcessSamplerForPID(int32(os.Getpid()), logger)
}

// NewProcessSamplerForPID creates a sampler for the process with the given pid
func NewProcessSamplerForPID(pid int32, logger *zap.Logger) (*ProcessSampler, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to open process %d: %w", pid, err)
	}
	return &ProcessSampler{
		logger: logger.Named("resource-sampler"),
		proc:   proc,
	}, nil
}

// Sample returns the process CPU seconds (user+system) and RSS in megabytes.
// On a read error the previous reading is returned alongside the error.
func (s *ProcessSampler) Sample() (ResourceUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	times, err := s.proc.Times()
	if err != nil {
		return s.last, fmt.Errorf("failed to get cpu times: %w", err)
	}

	memInfo, err := s.proc.MemoryInfo()
	if err != nil {
		return s.last, fmt.Errorf("failed to get memory info: %w", err)
	}

	s.last = ResourceUsage{
		CPUSeconds: times.User + times.System,
		MemoryMB:   float64(memInfo.RSS) / bytesPerMB,
	}

	s.logger.Debug("Resource usage sampled",
		zap.Float64("cpu_seconds", s.last.CPUSeconds),
		zap.Float64("memory_mb", s.last.MemoryMB))

	return s.last, nil
}

// SplitSampler divides a process-wide reading evenly between the workers that
// share the process, so that summing per-worker figures gives the process total.
type SplitSampler struct {
	next    Sampler
	workers func() int
}

// NewSplitSampler wraps next. workers reports how many workers currently share the reading.
func NewSplitSampler(next Sampler, workers func() int) *SplitSampler {
	return &SplitSampler{next: next, workers: workers}
}

// Sample returns next's reading divided by the current worker count
func (s *SplitSampler) Sample() (ResourceUsage, error) {
	usage, err := s.next.Sample()
	if n := s.workers(); n > 1 {
		usage.CPUSeconds /= float64(n)
		usage.MemoryMB /= float64(n)
	}
	return usage, err
}

type nopSampler struct{}

func (nopSampler) Sample() (ResourceUsage, error) { return ResourceUsage{}, nil }
