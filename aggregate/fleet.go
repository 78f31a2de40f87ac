package aggregate

import (
	"sync"

	"lena-shard-supervisor/types"
)

// Fleet holds the most recent collection cycle. Each Update replaces the
// previous cycle wholesale.
type Fleet struct {
	mu    sync.RWMutex
	cycle types.Cycle
	set   bool
}

func NewFleet() *Fleet {
	return &Fleet{}
}

func (f *Fleet) Update(cycle types.Cycle) {
	cycle = copyCycle(cycle)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.cycle = cycle
	f.set = true
}

// Latest returns a copy of the last cycle and whether any cycle completed yet.
func (f *Fleet) Latest() (types.Cycle, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.set {
		return types.Cycle{}, false
	}
	return copyCycle(f.cycle), true
}

func copyCycle(in types.Cycle) types.Cycle {
	out := in
	out.Snapshots = append([]types.MetricsSnapshot(nil), in.Snapshots...)
	out.Skipped = append([]int(nil), in.Skipped...)
	out.Clusters = append([]types.ClusterSummary(nil), in.Clusters...)
	for i := range out.Clusters {
		out.Clusters[i].Shards = append([]int(nil), in.Clusters[i].Shards...)
	}
	return out
}
