package resource

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Sampler reads live usage. Memory and TempFree must be cheap; CPUUsage
// blocks for the sampling window.
type Sampler interface {
	Memory() (MemoryInfo, error)
	CPUUsage(ctx context.Context, window time.Duration) (float64, error)
	TempFree(dir string) (uint64, error)
}

// ProcSampler samples a Linux host through procfs.
type ProcSampler struct {
	ProcRoot string // default "/proc"
}

// NewProcSampler returns a sampler reading from /proc.
func NewProcSampler() *ProcSampler {
	return &ProcSampler{ProcRoot: "/proc"}
}

func (s *ProcSampler) root() string {
	if s.ProcRoot == "" {
		return "/proc"
	}
	return s.ProcRoot
}

// Memory reads /proc/meminfo.
func (s *ProcSampler) Memory() (MemoryInfo, error) {
	return readMeminfo(filepath.Join(s.root(), "meminfo"))
}

// TempFree returns free bytes on the filesystem holding dir.
func (s *ProcSampler) TempFree(dir string) (uint64, error) {
	return diskFree(dir)
}

// CPUUsage returns system-wide utilization in [0, 1] measured over window.
func (s *ProcSampler) CPUUsage(ctx context.Context, window time.Duration) (float64, error) {
	path := filepath.Join(s.root(), "stat")

	start, err := readCPUTimes(path)
	if err != nil {
		return 0, err
	}

	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timer.C:
	}

	end, err := readCPUTimes(path)
	if err != nil {
		return 0, err
	}
	return usageBetween(start, end), nil
}

// cpuTimes holds the aggregate "cpu" line of /proc/stat, in jiffies.
type cpuTimes struct {
	idle  uint64
	total uint64
}

func readCPUTimes(path string) (cpuTimes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cpuTimes{}, err
	}
	return parseProcStat(data)
}

func parseProcStat(data []byte) (cpuTimes, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		var t cpuTimes
		for i, f := range fields[1:] {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				return cpuTimes{}, fmt.Errorf("parse /proc/stat field %d: %w", i+1, err)
			}
			t.total += v
			// idle and iowait
			if i == 3 || i == 4 {
				t.idle += v
			}
		}
		return t, nil
	}
	return cpuTimes{}, fmt.Errorf("aggregate cpu line missing from /proc/stat")
}

func usageBetween(start, end cpuTimes) float64 {
	if end.total <= start.total {
		return 0
	}
	totalDiff := float64(end.total - start.total)
	idleDiff := float64(end.idle - start.idle)
	usage := 1 - idleDiff/totalDiff
	return min(1, max(0, usage))
}
