package arena

// Metrics contains statistical information about an arena.
type Metrics struct {
	BlockSize   int     `json:"blockSize"`   // Bytes per block
	TotalBlocks int     `json:"totalBlocks"` // Blocks the arena can hand out
	UsedBlocks  int     `json:"usedBlocks"`  // Blocks currently handed out
	FreeBlocks  int     `json:"freeBlocks"`  // Blocks on the free list
	Allocations uint64  `json:"allocations"` // Successful Allocate calls
	Releases    uint64  `json:"releases"`    // Blocks returned to the free list
	Failures    uint64  `json:"failures"`    // Allocate calls that found no free block
	Utilization float64 `json:"utilization"` // UsedBlocks / TotalBlocks (0.0-1.0)
}

// Metrics returns a snapshot of arena statistics.
func (a *Arena) Metrics() Metrics {
	m := Metrics{
		BlockSize:   a.blockSize,
		TotalBlocks: len(a.blocks),
		UsedBlocks:  a.used,
		FreeBlocks:  len(a.free),
		Allocations: a.allocations,
		Releases:    a.releases,
		Failures:    a.failures,
	}
	if m.TotalBlocks > 0 {
		m.Utilization = float64(m.UsedBlocks) / float64(m.TotalBlocks)
	}
	return m
}

// Snapshot returns metrics for either arena flavour.
func Snapshot(p Pool) Metrics {
	switch v := p.(type) {
	case *Arena:
		return v.Metrics()
	case *SafeArena:
		return v.Metrics()
	}
	m := Metrics{
		BlockSize:   p.BlockSize(),
		TotalBlocks: p.TotalCapacityInBlocks(),
		UsedBlocks:  p.UsedBlockCount(),
	}
	m.FreeBlocks = m.TotalBlocks - m.UsedBlocks
	if m.TotalBlocks > 0 {
		m.Utilization = float64(m.UsedBlocks) / float64(m.TotalBlocks)
	}
	return m
}
