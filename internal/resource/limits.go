package resource

// ComputeLimits derives conservative resource limits from detected hardware.
func ComputeLimits(hw HardwareConfig) Limits {
	total := hw.Memory.Total
	cpus := max(1, hw.CPU.Count)

	limits := Limits{
		CPU: CPULimits{
			MaxUsage:          0.9,
			MaxWorkers:        max(1, cpus-1), // leave one core for the system
			ThrottleThreshold: 0.85,
		},
		Memory: MemoryLimits{
			MaxUsage:       0.8,
			MaxAllocation:  fraction(total, 0.8),
			BatchSizeLimit: fraction(total, 0.1),
			CacheLimit:     fraction(total, 0.2),
		},
		GPU: GPULimits{
			MaxUsage:         0.95,
			MemoryReserve:    0.1,
			TemperatureLimit: 85,
		},
		Disk: DiskLimits{
			TempSpaceLimit:      fraction(hw.TempFreeBytes, 0.5),
			IOThrottleThreshold: 100 * MiB,
		},
	}

	if total < 4*GiB {
		limits.Memory.MaxUsage = 0.7
		limits.CPU.MaxWorkers = max(1, cpus/2)
	}
	if cpus <= 2 {
		limits.CPU.MaxWorkers = 1
		limits.CPU.MaxUsage = 0.8
	}

	return limits
}

func fraction(v uint64, f float64) uint64 {
	return uint64(float64(v) * f)
}
