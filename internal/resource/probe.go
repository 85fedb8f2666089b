package resource

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/keyforge/internal/errors"
	"github.com/Iron-Ham/keyforge/internal/logging"
)

// Prober reads one aspect of the host hardware. Detect calls every method
// concurrently and substitutes defaults for any that fail.
type Prober interface {
	CPU(ctx context.Context) (CPUInfo, error)
	Memory(ctx context.Context) (MemoryInfo, error)
	GPUs(ctx context.Context) ([]GPUDevice, error)
	NUMA(ctx context.Context) (NUMATopology, error)
	TempSpace(ctx context.Context) (dir string, free uint64, err error)
}

// CommandRunner runs an external command and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// SystemProber probes a Linux host through procfs, sysfs and external tools.
type SystemProber struct {
	Run      CommandRunner
	Timeout  time.Duration // per external command
	ProcRoot string        // default "/proc"
	SysRoot  string        // default "/sys"
	TempDir  string        // default os.TempDir()
	NoGPU    bool          // skip nvidia-smi
}

// NewSystemProber returns a prober for the running host.
func NewSystemProber(timeout time.Duration, noGPU bool) *SystemProber {
	return &SystemProber{
		Run:      execRunner,
		Timeout:  timeout,
		ProcRoot: "/proc",
		SysRoot:  "/sys",
		TempDir:  os.TempDir(),
		NoGPU:    noGPU,
	}
}

func (p *SystemProber) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	run := p.Run
	if run == nil {
		run = execRunner
	}
	return run(ctx, name, args...)
}

// CPU reads /proc/cpuinfo.
func (p *SystemProber) CPU(ctx context.Context) (CPUInfo, error) {
	data, err := os.ReadFile(filepath.Join(p.ProcRoot, "cpuinfo"))
	if err != nil {
		return defaultCPUInfo(), err
	}
	return parseCPUInfo(data), nil
}

// Memory reads /proc/meminfo.
func (p *SystemProber) Memory(ctx context.Context) (MemoryInfo, error) {
	return readMeminfo(filepath.Join(p.ProcRoot, "meminfo"))
}

var gpuQueryArgs = []string{
	"--query-gpu=index,name,memory.total,memory.free,memory.used,utilization.gpu,temperature.gpu",
	"--format=csv,noheader,nounits",
}

// GPUs queries nvidia-smi. A missing binary means no GPUs, not an error.
func (p *SystemProber) GPUs(ctx context.Context) ([]GPUDevice, error) {
	if p.NoGPU {
		return nil, nil
	}
	out, err := p.run(ctx, "nvidia-smi", gpuQueryArgs...)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return parseNvidiaSMI(out)
}

// NUMA runs numactl --hardware and falls back to sysfs node listings.
func (p *SystemProber) NUMA(ctx context.Context) (NUMATopology, error) {
	out, err := p.run(ctx, "numactl", "--hardware")
	if err == nil {
		if topo := parseNumactl(out); len(topo.Nodes) > 0 {
			return topo, nil
		}
	}
	topo, sysErr := readSysfsNodes(filepath.Join(p.SysRoot, "devices", "system", "node"))
	if sysErr != nil {
		return singleNodeTopology(runtime.NumCPU()), errors.Join(err, sysErr)
	}
	return topo, nil
}

// TempSpace returns the temp directory and its free bytes.
func (p *SystemProber) TempSpace(ctx context.Context) (string, uint64, error) {
	dir := p.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	free, err := diskFree(dir)
	return dir, free, err
}

func diskFree(dir string) (uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// Detect probes the host. Probe failures are logged and replaced with
// single-node, CPU-only defaults; Detect itself never fails.
func Detect(ctx context.Context, prober Prober, logger *logging.Logger) HardwareConfig {
	logger = logging.OrNop(logger).WithComponent("resource")

	hw := HardwareConfig{
		Platform:      runtime.GOOS,
		Arch:          runtime.GOARCH,
		CPU:           defaultCPUInfo(),
		NUMA:          singleNodeTopology(runtime.NumCPU()),
		TempDir:       os.TempDir(),
		TempFreeBytes: GiB,
	}

	var mu sync.Mutex
	var failures []error
	fail := func(probe string, err error) {
		mu.Lock()
		failures = append(failures, errors.NewResourceError("using defaults", fmt.Errorf("%w: %w", errors.ErrProbeFailed, err)).WithProbe(probe))
		mu.Unlock()
	}

	var g errgroup.Group
	g.Go(func() error {
		cpu, err := prober.CPU(ctx)
		if err != nil {
			fail("cpu", err)
			return nil
		}
		mu.Lock()
		hw.CPU = cpu
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		mem, err := prober.Memory(ctx)
		if err != nil {
			fail("memory", err)
			return nil
		}
		mu.Lock()
		hw.Memory = mem
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		gpus, err := prober.GPUs(ctx)
		if err != nil {
			fail("gpu", err)
			return nil
		}
		mu.Lock()
		hw.GPUs = gpus
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		topo, err := prober.NUMA(ctx)
		if err != nil {
			fail("numa", err)
			return nil
		}
		mu.Lock()
		hw.NUMA = topo
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		dir, free, err := prober.TempSpace(ctx)
		if err != nil {
			fail("disk", err)
			return nil
		}
		mu.Lock()
		hw.TempDir, hw.TempFreeBytes = dir, free
		mu.Unlock()
		return nil
	})
	_ = g.Wait()

	for _, err := range failures {
		logger.Failure("hardware probe degraded to defaults", err)
	}
	if len(hw.NUMA.Nodes) == 0 {
		hw.NUMA = singleNodeTopology(hw.CPU.Count)
	}

	logger.Info("hardware detected",
		"cpus", hw.CPU.Count,
		"memory_bytes", hw.Memory.Total,
		"gpus", len(hw.GPUs),
		"numa_nodes", len(hw.NUMA.Nodes))
	return hw
}

func defaultCPUInfo() CPUInfo {
	n := runtime.NumCPU()
	return CPUInfo{Count: n, Model: "Unknown", PhysicalCores: n, Sockets: 1}
}

func singleNodeTopology(cpus int) NUMATopology {
	cpus = max(1, cpus)
	ids := make([]int, cpus)
	for i := range ids {
		ids[i] = i
	}
	return NUMATopology{
		Nodes:  []NUMANode{{ID: 0, CPUs: ids, MemoryBanks: []string{"node0"}}},
		IsNUMA: false,
	}
}

// -----------------------------------------------------------------------------
// Parsers
// -----------------------------------------------------------------------------

// parseNvidiaSMI parses csv,noheader,nounits output of the gpuQueryArgs query.
// Memory is reported in MiB, utilization in percent.
func parseNvidiaSMI(out []byte) ([]GPUDevice, error) {
	var gpus []GPUDevice
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 7 {
			return gpus, fmt.Errorf("unexpected nvidia-smi line %q", line)
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}

		idx, err := strconv.Atoi(fields[0])
		if err != nil {
			return gpus, fmt.Errorf("gpu index %q: %w", fields[0], err)
		}
		nums := make([]float64, 5)
		for i, f := range fields[2:7] {
			// "[N/A]" shows up for unsupported counters
			if v, err := strconv.ParseFloat(f, 64); err == nil {
				nums[i] = v
			}
		}

		gpus = append(gpus, GPUDevice{
			Index:       idx,
			Name:        fields[1],
			MemoryTotal: uint64(nums[0]) * MiB,
			MemoryFree:  uint64(nums[1]) * MiB,
			MemoryUsed:  uint64(nums[2]) * MiB,
			Utilization: nums[3] / 100,
			Temperature: nums[4],
			Available:   true,
		})
	}
	return gpus, nil
}

var numactlNodeRe = regexp.MustCompile(`^node (\d+) cpus:((?:\s+\d+)*)\s*$`)

// parseNumactl extracts "node N cpus: ..." lines from numactl --hardware.
func parseNumactl(out []byte) NUMATopology {
	var topo NUMATopology
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		m := numactlNodeRe.FindStringSubmatch(strings.TrimSpace(scanner.Text()))
		if m == nil {
			continue
		}
		id, _ := strconv.Atoi(m[1])
		var cpus []int
		for _, f := range strings.Fields(m[2]) {
			if c, err := strconv.Atoi(f); err == nil {
				cpus = append(cpus, c)
			}
		}
		topo.Nodes = append(topo.Nodes, NUMANode{
			ID:          id,
			CPUs:        cpus,
			MemoryBanks: []string{fmt.Sprintf("node%d", id)},
		})
	}
	topo.IsNUMA = len(topo.Nodes) > 1
	return topo
}

// readSysfsNodes reads node*/cpulist under dir.
func readSysfsNodes(dir string) (NUMATopology, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "node[0-9]*"))
	if err != nil {
		return NUMATopology{}, err
	}
	if len(matches) == 0 {
		return NUMATopology{}, fmt.Errorf("no NUMA nodes under %s", dir)
	}

	var topo NUMATopology
	for _, m := range matches {
		id, err := strconv.Atoi(strings.TrimPrefix(filepath.Base(m), "node"))
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m, "cpulist"))
		if err != nil {
			return NUMATopology{}, err
		}
		cpus, err := parseCPUList(strings.TrimSpace(string(data)))
		if err != nil {
			return NUMATopology{}, err
		}
		topo.Nodes = append(topo.Nodes, NUMANode{
			ID:          id,
			CPUs:        cpus,
			MemoryBanks: []string{fmt.Sprintf("node%d", id)},
		})
	}
	sort.Slice(topo.Nodes, func(i, j int) bool { return topo.Nodes[i].ID < topo.Nodes[j].ID })
	topo.IsNUMA = len(topo.Nodes) > 1
	return topo, nil
}

// parseCPUList parses the kernel list format, e.g. "0-3,8,10-11".
func parseCPUList(s string) ([]int, error) {
	var cpus []int
	if s == "" {
		return cpus, nil
	}
	for _, part := range strings.Split(s, ",") {
		lo, hi, isRange := strings.Cut(part, "-")
		start, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("cpu list %q: %w", s, err)
		}
		end := start
		if isRange {
			if end, err = strconv.Atoi(hi); err != nil {
				return nil, fmt.Errorf("cpu list %q: %w", s, err)
			}
		}
		for c := start; c <= end; c++ {
			cpus = append(cpus, c)
		}
	}
	return cpus, nil
}

// parseCPUInfo summarizes /proc/cpuinfo.
func parseCPUInfo(data []byte) CPUInfo {
	info := CPUInfo{Model: "Unknown"}
	sockets := make(map[string]bool)
	cores := make(map[string]bool)

	var physID string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "processor":
			info.Count++
		case "model name":
			if info.Model == "Unknown" {
				info.Model = value
			}
		case "cpu MHz":
			if info.SpeedMHz == 0 {
				info.SpeedMHz, _ = strconv.ParseFloat(value, 64)
			}
		case "physical id":
			physID = value
			sockets[value] = true
		case "core id":
			cores[physID+"/"+value] = true
		case "flags":
			if info.Flags == nil {
				info.Flags = strings.Fields(value)
			}
		}
	}

	if info.Count == 0 {
		info.Count = runtime.NumCPU()
	}
	info.Sockets = max(1, len(sockets))
	info.PhysicalCores = len(cores)
	if info.PhysicalCores == 0 {
		info.PhysicalCores = info.Count
	}
	info.Hyperthreading = info.Count > info.PhysicalCores
	return info
}

// readMeminfo reads MemTotal and MemAvailable (falling back to MemFree).
func readMeminfo(path string) (MemoryInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return MemoryInfo{}, err
	}
	return parseMeminfo(data)
}

func parseMeminfo(data []byte) (MemoryInfo, error) {
	fields := make(map[string]uint64)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		parts := strings.Fields(value)
		if len(parts) == 0 {
			continue
		}
		n, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			continue
		}
		if len(parts) > 1 && parts[1] == "kB" {
			n *= KiB
		}
		fields[key] = n
	}

	total, ok := fields["MemTotal"]
	if !ok {
		return MemoryInfo{}, fmt.Errorf("MemTotal missing from meminfo")
	}
	free, ok := fields["MemAvailable"]
	if !ok {
		free = fields["MemFree"]
	}
	return MemoryInfo{Total: total, Free: free}, nil
}
