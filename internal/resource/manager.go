// Package resource detects host hardware and hands out CPU, memory, GPU and
// scratch disk grants to task executions.
//
// A [Manager] is built from a [HardwareConfig] (see [Detect]). Each grant
// adds to running totals, expressed as fractions of the limits computed by
// [ComputeLimits]; totals are clamped to 1 and the amount actually applied is
// remembered so that [Manager.Release] subtracts exactly what was added.
package resource

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/keyforge/internal/logging"
)

const (
	minMemoryGrant  = 100 * MiB
	cpuSampleWindow = 100 * time.Millisecond
	gpuShare        = 0.5
)

type grant struct {
	alloc  Allocation
	deltas Totals // amounts actually added to the totals
}

// Manager tracks outstanding allocations against hardware limits.
// It is safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	hw       HardwareConfig
	limits   Limits
	profiles map[string]Profile
	grants   map[string]*grant
	totals   Totals

	sampler Sampler
	logger  *logging.Logger
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithSampler sets the live usage sampler (default: ProcSampler).
func WithSampler(s Sampler) Option {
	return func(m *Manager) {
		m.sampler = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		m.logger = logging.OrNop(l).WithComponent("resource")
	}
}

// WithLimits overrides the limits computed from hardware.
func WithLimits(l Limits) Option {
	return func(m *Manager) {
		m.limits = l
	}
}

// WithProfile registers or replaces a task type profile.
func WithProfile(p Profile) Option {
	return func(m *Manager) {
		m.profiles[p.Name] = p
	}
}

// NewManager creates a Manager for the given hardware.
func NewManager(hw HardwareConfig, opts ...Option) *Manager {
	m := &Manager{
		hw:       hw,
		limits:   ComputeLimits(hw),
		profiles: DefaultProfiles(),
		grants:   make(map[string]*grant),
		sampler:  NewProcSampler(),
		logger:   logging.NopLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Hardware returns the hardware configuration, including the latest GPU status.
func (m *Manager) Hardware() HardwareConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	hw := m.hw
	hw.GPUs = slices.Clone(m.hw.GPUs)
	return hw
}

// Limits returns the active limits.
func (m *Manager) Limits() Limits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits
}

// Totals returns the granted fractions.
func (m *Manager) Totals() Totals {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totals
}

// Allocations returns the outstanding allocations, oldest first.
func (m *Manager) Allocations() []Allocation {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Allocation, 0, len(m.grants))
	for _, g := range m.grants {
		out = append(out, g.alloc)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AllocatedAt.Before(out[j].AllocatedAt)
	})
	return out
}

// profile returns the profile for taskType, defaulting to batch processing.
func (m *Manager) profile(taskType string) Profile {
	if p, ok := m.profiles[taskType]; ok {
		return p
	}
	return m.profiles[TaskBatchProcessing]
}

// freeMemory returns live free memory, falling back to the detected value.
func (m *Manager) freeMemory() uint64 {
	if m.sampler != nil {
		if mem, err := m.sampler.Memory(); err == nil {
			return mem.Free
		}
	}
	return m.hw.Memory.Free
}

func (m *Manager) freeDisk() uint64 {
	if m.sampler != nil {
		if free, err := m.sampler.TempFree(m.hw.TempDir); err == nil {
			return free
		}
	}
	return m.hw.TempFreeBytes
}

// Allocate grants resources for one execution of taskType. Unknown task types
// use the batch_processing profile. An empty priority takes the profile's.
func (m *Manager) Allocate(taskType string, priority Priority, req Requirements) Allocation {
	freeMem := m.freeMemory()
	freeDisk := m.freeDisk()

	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.profile(taskType)
	if priority == "" {
		priority = p.Priority
	}

	alloc := Allocation{
		TaskID:      fmt.Sprintf("%s_%s", taskType, uuid.NewString()[:8]),
		TaskType:    taskType,
		Priority:    priority,
		AllocatedAt: m.now(),
	}
	alloc.CPU.Workers = m.cpuWorkers(p, req)
	alloc.CPU.Affinity = m.coreAffinity()
	alloc.Memory.LimitBytes = m.memoryLimit(p, req, freeMem)
	alloc.Memory.BatchSize = batchSize(p, freeMem)
	alloc.GPU = m.gpuGrant(p)
	alloc.Disk = DiskGrant{
		TempSpaceBytes: min(fraction(m.limits.Disk.TempSpaceLimit, 0.3), freeDisk),
		CacheEnabled:   freeMem > m.limits.Memory.CacheLimit,
	}

	g := &grant{alloc: alloc}
	g.deltas.CPU = m.apply(&m.totals.CPU, float64(alloc.CPU.Workers)/float64(max(1, m.limits.CPU.MaxWorkers)))
	if m.limits.Memory.MaxAllocation > 0 {
		g.deltas.Memory = m.apply(&m.totals.Memory, float64(alloc.Memory.LimitBytes)/float64(m.limits.Memory.MaxAllocation))
	}
	if alloc.GPU.Enabled {
		g.deltas.GPU = m.apply(&m.totals.GPU, gpuShare)
	}
	m.grants[alloc.TaskID] = g

	m.logger.Debug("resources allocated",
		"allocation_id", alloc.TaskID,
		"task_type", taskType,
		"workers", alloc.CPU.Workers,
		"memory_bytes", alloc.Memory.LimitBytes,
		"gpu", alloc.GPU.Enabled)
	return alloc
}

// apply adds delta to *total, clamped to 1, and returns the amount applied.
func (m *Manager) apply(total *float64, delta float64) float64 {
	applied := min(delta, 1-*total)
	if applied < 0 {
		applied = 0
	}
	*total += applied
	return applied
}

func (m *Manager) cpuWorkers(p Profile, req Requirements) int {
	maxW := max(1, m.limits.CPU.MaxWorkers)
	requested := req.CPUWorkers
	if requested <= 0 {
		requested = int(math.Floor(float64(maxW) * p.CPUWeight))
	}
	free := max(0, 1-m.totals.CPU)
	availableW := int(math.Floor(free * float64(maxW)))
	return max(1, min(requested, availableW, maxW))
}

func (m *Manager) coreAffinity() *CoreAffinity {
	if !m.hw.NUMA.IsNUMA || len(m.hw.NUMA.Nodes) == 0 {
		return nil
	}
	node := m.hw.NUMA.Nodes[0]
	for _, n := range m.hw.NUMA.Nodes {
		if n.AvailableCores() >= 2 {
			node = n
			break
		}
	}
	count := min(4, node.AvailableCores())
	return &CoreAffinity{NUMANode: node.ID, CPUs: slices.Clone(node.CPUs[:count])}
}

func (m *Manager) memoryLimit(p Profile, req Requirements, freeMem uint64) uint64 {
	maxAlloc := m.limits.Memory.MaxAllocation
	requested := req.MemoryBytes
	if requested == 0 {
		requested = fraction(maxAlloc, p.MemoryWeight)
	}
	limit := max(minMemoryGrant, min(requested, fraction(freeMem, 0.8), maxAlloc))
	if maxAlloc > 0 && limit > maxAlloc {
		limit = maxAlloc
	}
	return limit
}

func batchSize(p Profile, freeMem uint64) int {
	var size uint64
	if p.MemoryWeight > 0.6 {
		size = min(1000, freeMem/MiB) // ~1 MiB per item
	} else {
		size = min(10000, freeMem/(100*KiB)) // ~100 KiB per item
	}
	return int(max(10, size))
}

func (m *Manager) gpuGrant(p Profile) GPUGrant {
	if len(m.hw.GPUs) == 0 {
		return GPUGrant{DeviceIndex: -1}
	}
	gpu := m.hw.GPUs[0]

	out := GPUGrant{DeviceIndex: gpu.Index}
	out.Enabled = gpu.Available &&
		p.GPUWeight > 0.3 &&
		gpu.Utilization < m.limits.GPU.MaxUsage &&
		gpu.Temperature < m.limits.GPU.TemperatureLimit

	reserve := float64(gpu.MemoryTotal) * m.limits.GPU.MemoryReserve
	usable := float64(gpu.MemoryFree) - reserve
	if usable > 0 {
		out.MemoryLimitBytes = uint64(math.Floor(usable * p.GPUWeight))
	}
	return out
}

// Release returns an allocation's share. It reports false for unknown or
// already released IDs.
func (m *Manager) Release(allocationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.grants[allocationID]
	if !ok {
		return false
	}
	delete(m.grants, allocationID)

	m.totals.CPU = max(0, m.totals.CPU-g.deltas.CPU)
	m.totals.Memory = max(0, m.totals.Memory-g.deltas.Memory)
	m.totals.GPU = max(0, m.totals.GPU-g.deltas.GPU)

	m.logger.Debug("resources released", "allocation_id", allocationID)
	return true
}

// ReleaseAll drops every outstanding allocation.
func (m *Manager) ReleaseAll() int {
	m.mu.Lock()
	n := len(m.grants)
	m.grants = make(map[string]*grant)
	m.totals = Totals{}
	m.mu.Unlock()
	return n
}

// Acquire allocates for a search phase and returns the matching release
// function. It lets the coordinator hold a grant per task execution without
// knowing about profiles.
func (m *Manager) Acquire(phaseType string) func() {
	alloc := m.Allocate(TaskTypeForPhase(phaseType, m.Hardware().HasGPU()), "", Requirements{})
	return func() { m.Release(alloc.TaskID) }
}

// TaskTypeForPhase maps a search phase onto a resource profile.
func TaskTypeForPhase(phaseType string, hasGPU bool) string {
	switch phaseType {
	case "ai":
		return TaskAIGeneration
	case "short_brute", "mask", "hybrid", "bruteforce":
		if hasGPU {
			return TaskGPUCrack
		}
		return TaskCPUCrack
	case "cpu", "bkcrack":
		return TaskCPUCrack
	default:
		return TaskBatchProcessing
	}
}

// UpdateGPUStatus replaces the GPU devices with fresh telemetry. Later
// allocations use the new utilization and temperature.
func (m *Manager) UpdateGPUStatus(devices []GPUDevice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hw.GPUs = slices.Clone(devices)
}

// AvailableResources samples live CPU and memory usage and combines them
// with the outstanding totals. Sampling blocks for about 100ms.
func (m *Manager) AvailableResources(ctx context.Context) Available {
	var avail Available

	avail.CPU.Usage = -1
	if m.sampler != nil {
		if usage, err := m.sampler.CPUUsage(ctx, cpuSampleWindow); err == nil {
			avail.CPU.Usage = usage
		} else {
			m.logger.Debug("cpu usage sample failed", "error", err.Error())
		}
	}
	freeMem := m.freeMemory()
	freeDisk := m.freeDisk()

	m.mu.Lock()
	defer m.mu.Unlock()

	avail.CPU.Total = m.hw.CPU.Count
	avail.CPU.Granted = m.totals.CPU
	avail.CPU.Free = max(0, 1-m.totals.CPU)

	avail.Memory.Total = m.hw.Memory.Total
	avail.Memory.Free = freeMem
	avail.Memory.Used = MemoryInfo{Total: m.hw.Memory.Total, Free: freeMem}.Used()
	avail.Memory.Granted = m.totals.Memory

	avail.GPU.Available = len(m.hw.GPUs) > 0
	if avail.GPU.Available {
		avail.GPU.Free = max(0, 1-m.totals.GPU)
	}
	avail.GPU.Devices = slices.Clone(m.hw.GPUs)

	avail.Disk.Free = freeDisk
	avail.Disk.TempPath = m.hw.TempDir
	return avail
}
