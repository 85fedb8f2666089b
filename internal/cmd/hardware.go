package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/keyforge/internal/resource"
)

var hardwareCmd = &cobra.Command{
	Use:   "hardware",
	Short: "Show detected hardware, resource limits and live usage",
	Long: `Probe the host the way a session does and print the result.

Reports processors, memory, NUMA nodes, GPUs and scratch space, the
limits the resource manager derives from them, and a live usage sample.`,
	Args: cobra.NoArgs,
	RunE: runHardware,
}

func init() {
	rootCmd.AddCommand(hardwareCmd)
}

type hardwareReport struct {
	Hardware resource.HardwareConfig `json:"hardware"`
	Limits   resource.Limits         `json:"limits"`
	Usage    resource.Available      `json:"usage"`
}

func runHardware(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	hw := a.detectHardware(ctx)
	mgr := resource.NewManager(hw, resource.WithLogger(a.logger))
	rep := hardwareReport{
		Hardware: hw,
		Limits:   mgr.Limits(),
		Usage:    mgr.AvailableResources(ctx),
	}
	if outputJSON {
		return writeJSON(cmd.OutOrStdout(), rep)
	}
	printHardware(newPrinter(cmd.OutOrStdout()), rep)
	return nil
}

func printHardware(p *printer, rep hardwareReport) {
	hw := rep.Hardware
	p.heading("Hardware")
	p.field("Platform", hw.Platform+"/"+hw.Arch)
	cpu := fmt.Sprintf("%d logical", hw.CPU.Count)
	if hw.CPU.PhysicalCores > 0 {
		cpu += fmt.Sprintf(", %d physical", hw.CPU.PhysicalCores)
	}
	if hw.CPU.Model != "" {
		cpu += " (" + hw.CPU.Model + ")"
	}
	p.field("CPU", cpu)
	p.field("Memory", fmt.Sprintf("%s total, %s free", formatBytes(hw.Memory.Total), formatBytes(hw.Memory.Free)))
	if hw.NUMA.IsNUMA {
		p.field("NUMA nodes", len(hw.NUMA.Nodes))
	} else {
		p.field("NUMA nodes", "single node")
	}
	if len(hw.GPUs) == 0 {
		p.field("GPUs", p.render(mutedStyle, "none"))
	}
	for _, g := range hw.GPUs {
		state := p.render(successStyle, "available")
		if !g.Available {
			state = p.render(warningStyle, "busy")
		}
		p.field(fmt.Sprintf("GPU %d", g.Index), fmt.Sprintf("%s, %s free, %.0f C, %s",
			g.Name, formatBytes(g.MemoryFree), g.Temperature, state))
	}
	p.field("Scratch space", fmt.Sprintf("%s (%s free)", hw.TempDir, formatBytes(hw.TempFreeBytes)))
	p.blank()

	p.heading("Limits")
	p.field("CPU workers", rep.Limits.CPU.MaxWorkers)
	p.field("CPU max usage", percent(rep.Limits.CPU.MaxUsage))
	p.field("Memory max usage", percent(rep.Limits.Memory.MaxUsage))
	if hw.HasGPU() {
		p.field("GPU temperature limit", fmt.Sprintf("%.0f C", rep.Limits.GPU.TemperatureLimit))
	}
	p.blank()

	p.heading("Usage")
	if rep.Usage.CPU.Usage >= 0 {
		p.field("CPU", percent(rep.Usage.CPU.Usage))
	} else {
		p.field("CPU", p.render(mutedStyle, "unknown"))
	}
	p.field("Memory used", fmt.Sprintf("%s of %s", formatBytes(rep.Usage.Memory.Used), formatBytes(rep.Usage.Memory.Total)))
}
