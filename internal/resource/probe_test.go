package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/keyforge/internal/logging"
)

func TestParseNvidiaSMI(t *testing.T) {
	out := []byte(`0, NVIDIA GeForce RTX 3080, 10240, 9000, 1240, 35, 52
1, Tesla T4, 15360, [N/A], 0, [N/A], 40
`)
	gpus, err := parseNvidiaSMI(out)
	require.NoError(t, err)
	require.Len(t, gpus, 2)

	assert.Equal(t, GPUDevice{
		Index:       0,
		Name:        "NVIDIA GeForce RTX 3080",
		MemoryTotal: 10240 * MiB,
		MemoryFree:  9000 * MiB,
		MemoryUsed:  1240 * MiB,
		Utilization: 0.35,
		Temperature: 52,
		Available:   true,
	}, gpus[0])

	assert.Equal(t, "Tesla T4", gpus[1].Name)
	assert.Zero(t, gpus[1].MemoryFree)
	assert.Zero(t, gpus[1].Utilization)
}

func TestParseNvidiaSMI_Malformed(t *testing.T) {
	_, err := parseNvidiaSMI([]byte("0, only, three"))
	assert.Error(t, err)

	gpus, err := parseNvidiaSMI([]byte("\n"))
	assert.NoError(t, err)
	assert.Empty(t, gpus)
}

func TestParseNumactl(t *testing.T) {
	out := []byte(`available: 2 nodes (0-1)
node 0 cpus: 0 1 2 3
node 0 size: 32000 MB
node 0 free: 12000 MB
node 1 cpus: 4 5 6 7
node 1 size: 32000 MB
node distances:
node   0   1
  0:  10  21
`)
	topo := parseNumactl(out)
	assert.True(t, topo.IsNUMA)
	require.Len(t, topo.Nodes, 2)
	assert.Equal(t, []int{0, 1, 2, 3}, topo.Nodes[0].CPUs)
	assert.Equal(t, 1, topo.Nodes[1].ID)
	assert.Equal(t, []string{"node1"}, topo.Nodes[1].MemoryBanks)

	single := parseNumactl([]byte("node 0 cpus: 0 1\n"))
	assert.False(t, single.IsNUMA)
}

func TestParseCPUList(t *testing.T) {
	tests := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{"0-3", []int{0, 1, 2, 3}, false},
		{"0-1,8,10-11", []int{0, 1, 8, 10, 11}, false},
		{"5", []int{5}, false},
		{"", nil, false},
		{"a-b", nil, true},
	}
	for _, tt := range tests {
		got, err := parseCPUList(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

const cpuinfoSample = `processor	: 0
model name	: Intel(R) Xeon(R) CPU E5-2680 v4 @ 2.40GHz
cpu MHz		: 2400.000
physical id	: 0
core id		: 0
flags		: fpu vme sse2 avx2

processor	: 1
model name	: Intel(R) Xeon(R) CPU E5-2680 v4 @ 2.40GHz
cpu MHz		: 2600.000
physical id	: 0
core id		: 0
flags		: fpu vme sse2 avx2

processor	: 2
model name	: Intel(R) Xeon(R) CPU E5-2680 v4 @ 2.40GHz
physical id	: 1
core id		: 0

processor	: 3
model name	: Intel(R) Xeon(R) CPU E5-2680 v4 @ 2.40GHz
physical id	: 1
core id		: 1
`

func TestParseCPUInfo(t *testing.T) {
	info := parseCPUInfo([]byte(cpuinfoSample))

	assert.Equal(t, 4, info.Count)
	assert.Equal(t, "Intel(R) Xeon(R) CPU E5-2680 v4 @ 2.40GHz", info.Model)
	assert.Equal(t, 2400.0, info.SpeedMHz)
	assert.Equal(t, 2, info.Sockets)
	assert.Equal(t, 3, info.PhysicalCores)
	assert.True(t, info.Hyperthreading)
	assert.Equal(t, []string{"fpu", "vme", "sse2", "avx2"}, info.Flags)
}

func TestParseMeminfo(t *testing.T) {
	mem, err := parseMeminfo([]byte("MemTotal:       16384000 kB\nMemFree:         1024000 kB\nMemAvailable:    8192000 kB\n"))
	require.NoError(t, err)
	assert.Equal(t, 16384000*KiB, mem.Total)
	assert.Equal(t, 8192000*KiB, mem.Free)

	mem, err = parseMeminfo([]byte("MemTotal: 2048 kB\nMemFree: 1024 kB\n"))
	require.NoError(t, err)
	assert.Equal(t, 1024*KiB, mem.Free, "falls back to MemFree")

	_, err = parseMeminfo([]byte("SwapTotal: 0 kB\n"))
	assert.Error(t, err)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestSystemProber_FromFakeRoots(t *testing.T) {
	root := t.TempDir()
	proc := filepath.Join(root, "proc")
	sys := filepath.Join(root, "sys")
	writeFile(t, filepath.Join(proc, "cpuinfo"), cpuinfoSample)
	writeFile(t, filepath.Join(proc, "meminfo"), "MemTotal: 4096 kB\nMemAvailable: 2048 kB\n")
	writeFile(t, filepath.Join(sys, "devices", "system", "node", "node1", "cpulist"), "2-3\n")
	writeFile(t, filepath.Join(sys, "devices", "system", "node", "node0", "cpulist"), "0-1\n")

	p := &SystemProber{
		Run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return nil, fmt.Errorf("run %s: %w", name, exec.ErrNotFound)
		},
		ProcRoot: proc,
		SysRoot:  sys,
		TempDir:  root,
	}
	ctx := context.Background()

	cpu, err := p.CPU(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, cpu.Count)

	mem, err := p.Memory(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4096*KiB, mem.Total)

	gpus, err := p.GPUs(ctx)
	assert.NoError(t, err, "missing nvidia-smi is not an error")
	assert.Empty(t, gpus)

	topo, err := p.NUMA(ctx)
	require.NoError(t, err)
	assert.True(t, topo.IsNUMA)
	require.Len(t, topo.Nodes, 2)
	assert.Equal(t, 0, topo.Nodes[0].ID)
	assert.Equal(t, []int{2, 3}, topo.Nodes[1].CPUs)

	dir, _, err := p.TempSpace(ctx)
	require.NoError(t, err)
	assert.Equal(t, root, dir)
}

func TestSystemProber_GPUCommandFailure(t *testing.T) {
	p := &SystemProber{
		Run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return nil, errors.New("driver mismatch")
		},
	}
	_, err := p.GPUs(context.Background())
	assert.Error(t, err)

	p.NoGPU = true
	gpus, err := p.GPUs(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, gpus)
}

type fakeProber struct {
	cpu     CPUInfo
	mem     MemoryInfo
	gpus    []GPUDevice
	gpuErr  error
	numa    NUMATopology
	numaErr error
	dir     string
	free    uint64
}

func (f *fakeProber) CPU(context.Context) (CPUInfo, error) { return f.cpu, nil }
func (f *fakeProber) Memory(context.Context) (MemoryInfo, error) { return f.mem, nil }
func (f *fakeProber) GPUs(context.Context) ([]GPUDevice, error) { return f.gpus, f.gpuErr }
func (f *fakeProber) NUMA(context.Context) (NUMATopology, error) { return f.numa, f.numaErr }
func (f *fakeProber) TempSpace(context.Context) (string, uint64, error) {
	return f.dir, f.free, nil
}

func TestDetect(t *testing.T) {
	p := &fakeProber{
		cpu:  CPUInfo{Count: 6, Model: "test"},
		mem:  MemoryInfo{Total: 8 * GiB, Free: 4 * GiB},
		gpus: []GPUDevice{{Index: 0, Name: "gpu", Available: true}},
		numa: NUMATopology{Nodes: []NUMANode{{ID: 0, CPUs: []int{0, 1, 2, 3, 4, 5}}}},
		dir:  "/scratch",
		free: 3 * GiB,
	}

	hw := Detect(context.Background(), p, nil)

	assert.Equal(t, 6, hw.CPU.Count)
	assert.Equal(t, 8*GiB, hw.Memory.Total)
	assert.True(t, hw.HasGPU())
	assert.Equal(t, "/scratch", hw.TempDir)
	assert.Equal(t, 3*GiB, hw.TempFreeBytes)
	assert.NotEmpty(t, hw.Platform)
}

func TestDetect_FailuresFallBackToDefaults(t *testing.T) {
	p := &fakeProber{
		cpu:     CPUInfo{Count: 4},
		mem:     MemoryInfo{Total: 8 * GiB},
		gpuErr:  errors.New("nvidia-smi exploded"),
		numaErr: errors.New("no numactl"),
		dir:     "/tmp",
		free:    GiB,
	}

	var logs strings.Builder
	hw := Detect(context.Background(), p, logging.NewWithHandler(slog.NewTextHandler(&logs, nil)))

	assert.False(t, hw.HasGPU())
	assert.False(t, hw.NUMA.IsNUMA)
	assert.Equal(t, 2, strings.Count(logs.String(), "level=WARN msg=\"hardware probe degraded to defaults\""))
	assert.Contains(t, logs.String(), "hardware probe failed: nvidia-smi exploded")
	require.NotEmpty(t, hw.NUMA.Nodes)
	assert.Equal(t, 4, hw.CPU.Count)
}
