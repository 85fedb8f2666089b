package resource

import "time"

// Byte size helpers.
const (
	KiB uint64 = 1024
	MiB        = 1024 * KiB
	GiB        = 1024 * MiB
)

// GPUDevice is one GPU as reported by nvidia-smi.
type GPUDevice struct {
	Index       int     `json:"index"`
	Name        string  `json:"name"`
	MemoryTotal uint64  `json:"memory_total"`
	MemoryFree  uint64  `json:"memory_free"`
	MemoryUsed  uint64  `json:"memory_used"`
	Utilization float64 `json:"utilization"` // 0..1
	Temperature float64 `json:"temperature"` // Celsius
	Available   bool    `json:"available"`
}

// CPUInfo describes the host processors.
type CPUInfo struct {
	Count          int      `json:"count"` // logical CPUs
	Model          string   `json:"model"`
	SpeedMHz       float64  `json:"speed_mhz"`
	PhysicalCores  int      `json:"physical_cores"`
	Sockets        int      `json:"sockets"`
	Hyperthreading bool     `json:"hyperthreading"`
	Flags          []string `json:"flags,omitempty"`
}

// MemoryInfo is a point-in-time view of system memory in bytes.
type MemoryInfo struct {
	Total uint64 `json:"total"`
	Free  uint64 `json:"free"`
}

// Used returns Total - Free.
func (m MemoryInfo) Used() uint64 {
	if m.Free > m.Total {
		return 0
	}
	return m.Total - m.Free
}

// NUMANode is one memory node and the CPUs local to it.
type NUMANode struct {
	ID          int      `json:"id"`
	CPUs        []int    `json:"cpus"`
	MemoryBanks []string `json:"memory_banks"`
}

// AvailableCores returns the number of CPUs on the node.
func (n NUMANode) AvailableCores() int {
	return len(n.CPUs)
}

// NUMATopology is the node layout. IsNUMA is true only with more than one node.
type NUMATopology struct {
	Nodes  []NUMANode `json:"nodes"`
	IsNUMA bool       `json:"is_numa"`
}

// HardwareConfig is the result of hardware detection.
type HardwareConfig struct {
	Platform      string       `json:"platform"`
	Arch          string       `json:"arch"`
	CPU           CPUInfo      `json:"cpu"`
	Memory        MemoryInfo   `json:"memory"`
	GPUs          []GPUDevice  `json:"gpus"`
	NUMA          NUMATopology `json:"numa"`
	TempDir       string       `json:"temp_dir"`
	TempFreeBytes uint64       `json:"temp_free_bytes"`
}

// HasGPU reports whether at least one available GPU was detected.
func (h HardwareConfig) HasGPU() bool {
	for _, g := range h.GPUs {
		if g.Available {
			return true
		}
	}
	return false
}

// Limits bound what the manager hands out.
type Limits struct {
	CPU    CPULimits    `json:"cpu"`
	Memory MemoryLimits `json:"memory"`
	GPU    GPULimits    `json:"gpu"`
	Disk   DiskLimits   `json:"disk"`
}

// CPULimits bound CPU use.
type CPULimits struct {
	MaxUsage          float64 `json:"max_usage"`
	MaxWorkers        int     `json:"max_workers"`
	ThrottleThreshold float64 `json:"throttle_threshold"`
}

// MemoryLimits bound memory use, in bytes except MaxUsage.
type MemoryLimits struct {
	MaxUsage       float64 `json:"max_usage"`
	MaxAllocation  uint64  `json:"max_allocation"`
	BatchSizeLimit uint64  `json:"batch_size_limit"`
	CacheLimit     uint64  `json:"cache_limit"`
}

// GPULimits bound GPU use.
type GPULimits struct {
	MaxUsage         float64 `json:"max_usage"`
	MemoryReserve    float64 `json:"memory_reserve"`
	TemperatureLimit float64 `json:"temperature_limit"`
}

// DiskLimits bound scratch disk use, in bytes.
type DiskLimits struct {
	TempSpaceLimit      uint64 `json:"temp_space_limit"`
	IOThrottleThreshold uint64 `json:"io_throttle_threshold"`
}

// Priority is the scheduling priority attached to an allocation.
type Priority string

// Priority values.
const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Profile weights a task type's share of each resource.
type Profile struct {
	Name         string   `json:"name"`
	Priority     Priority `json:"priority"`
	CPUWeight    float64  `json:"cpu_weight"`
	MemoryWeight float64  `json:"memory_weight"`
	GPUWeight    float64  `json:"gpu_weight"`
}

// Task types with built-in profiles.
const (
	TaskGPUCrack        = "gpu_crack"
	TaskCPUCrack        = "cpu_crack"
	TaskAIGeneration    = "ai_generation"
	TaskBatchProcessing = "batch_processing"
)

// DefaultProfiles returns the built-in resource profiles.
func DefaultProfiles() map[string]Profile {
	return map[string]Profile{
		TaskGPUCrack:        {Name: TaskGPUCrack, Priority: PriorityHigh, CPUWeight: 0.2, MemoryWeight: 0.3, GPUWeight: 0.9},
		TaskCPUCrack:        {Name: TaskCPUCrack, Priority: PriorityHigh, CPUWeight: 0.8, MemoryWeight: 0.6, GPUWeight: 0.1},
		TaskAIGeneration:    {Name: TaskAIGeneration, Priority: PriorityMedium, CPUWeight: 0.4, MemoryWeight: 0.7, GPUWeight: 0.3},
		TaskBatchProcessing: {Name: TaskBatchProcessing, Priority: PriorityLow, CPUWeight: 0.3, MemoryWeight: 0.4, GPUWeight: 0.1},
	}
}

// Requirements are explicit requests that override profile-derived amounts.
// Zero fields fall back to the profile.
type Requirements struct {
	CPUWorkers  int
	MemoryBytes uint64
}

// CoreAffinity pins an allocation to CPUs on one NUMA node.
type CoreAffinity struct {
	NUMANode int   `json:"numa_node"`
	CPUs     []int `json:"cpus"`
}

// Allocation is a grant of resources to one task execution.
type Allocation struct {
	TaskID      string    `json:"task_id"`
	TaskType    string    `json:"task_type"`
	Priority    Priority  `json:"priority"`
	CPU         CPUGrant  `json:"cpu"`
	Memory      MemGrant  `json:"memory"`
	GPU         GPUGrant  `json:"gpu"`
	Disk        DiskGrant `json:"disk"`
	AllocatedAt time.Time `json:"allocated_at"`
}

// CPUGrant is the CPU part of an Allocation.
type CPUGrant struct {
	Workers  int           `json:"workers"`
	Affinity *CoreAffinity `json:"affinity,omitempty"` // nil without NUMA
}

// MemGrant is the memory part of an Allocation.
type MemGrant struct {
	LimitBytes uint64 `json:"limit_bytes"`
	BatchSize  int    `json:"batch_size"`
}

// GPUGrant is the GPU part of an Allocation.
type GPUGrant struct {
	Enabled          bool   `json:"enabled"`
	MemoryLimitBytes uint64 `json:"memory_limit_bytes"`
	DeviceIndex      int    `json:"device_index"`
}

// DiskGrant is the scratch disk part of an Allocation.
type DiskGrant struct {
	TempSpaceBytes uint64 `json:"temp_space_bytes"`
	CacheEnabled   bool   `json:"cache_enabled"`
}

// Totals are the fractions of each resource currently granted, each in [0, 1].
type Totals struct {
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
	GPU    float64 `json:"gpu"`
}

// Available combines a live usage sample with outstanding grants.
type Available struct {
	CPU struct {
		Total   int     `json:"total"`
		Free    float64 `json:"free"`    // 1 - granted fraction
		Granted float64 `json:"granted"` // granted fraction
		Usage   float64 `json:"usage"`   // sampled system-wide utilization, -1 if unknown
	} `json:"cpu"`
	Memory struct {
		Total   uint64  `json:"total"`
		Free    uint64  `json:"free"`
		Used    uint64  `json:"used"`
		Granted float64 `json:"granted"`
	} `json:"memory"`
	GPU struct {
		Available bool        `json:"available"`
		Free      float64     `json:"free"`
		Devices   []GPUDevice `json:"devices"`
	} `json:"gpu"`
	Disk struct {
		Free     uint64 `json:"free"`
		TempPath string `json:"temp_path"`
	} `json:"disk"`
}

// NUMAAssignment places some threads on one NUMA node.
type NUMAAssignment struct {
	NodeID         int      `json:"node_id"`
	ThreadCount    int      `json:"thread_count"`
	CoreList       []int    `json:"core_list"`
	MemoryAffinity []string `json:"memory_affinity"`
}
