package resource

import (
	"cmp"
	"fmt"
	"slices"
)

// AllocateNUMAThreads spreads count threads over NUMA nodes in proportion to
// each node's available cores. The total is capped at the cores available
// system-wide and no node gets more threads than it has cores. Leftover
// threads after the proportional split go to the nodes with the largest
// fractional share, in node order on ties. Without NUMA it returns a single
// node-0 assignment capped at the CPU count.
func (m *Manager) AllocateNUMAThreads(count int) []NUMAAssignment {
	if count <= 0 {
		return nil
	}

	m.mu.Lock()
	topo := m.hw.NUMA
	cpus := m.hw.CPU.Count
	m.mu.Unlock()

	if !topo.IsNUMA {
		n := min(count, max(1, cpus))
		cores := make([]int, n)
		for i := range cores {
			cores[i] = i
		}
		return []NUMAAssignment{{
			NodeID:         0,
			ThreadCount:    n,
			CoreList:       cores,
			MemoryAffinity: []string{"node0"},
		}}
	}

	sum := 0
	for _, node := range topo.Nodes {
		sum += node.AvailableCores()
	}
	if sum == 0 {
		return nil
	}
	total := min(count, sum)

	shares := make([]int, len(topo.Nodes))
	rems := make([]int, len(topo.Nodes))
	placed := 0
	for i, node := range topo.Nodes {
		a := node.AvailableCores()
		shares[i] = total * a / sum
		rems[i] = total * a % sum
		placed += shares[i]
	}

	order := make([]int, len(topo.Nodes))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(rems[b], rems[a])
	})
	for _, i := range order {
		if placed >= total {
			break
		}
		if shares[i] < topo.Nodes[i].AvailableCores() {
			shares[i]++
			placed++
		}
	}

	var out []NUMAAssignment
	for i, node := range topo.Nodes {
		n := shares[i]
		if n <= 0 {
			continue
		}
		banks := node.MemoryBanks
		if len(banks) == 0 {
			banks = []string{fmt.Sprintf("node%d", node.ID)}
		}
		out = append(out, NUMAAssignment{
			NodeID:         node.ID,
			ThreadCount:    n,
			CoreList:       slices.Clone(node.CPUs[:n]),
			MemoryAffinity: slices.Clone(banks),
		})
	}
	return out
}
