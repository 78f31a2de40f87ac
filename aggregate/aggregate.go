package aggregate

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"lena-shard-supervisor/routing"
	"lena-shard-supervisor/types"
)

// Summarize folds one cycle's snapshots into per-cluster summaries. Only
// the snapshots passed in contribute; nothing is carried over between
// calls, so a shard that failed this cycle is simply absent from its
// cluster's totals.
func Summarize(snapshots []types.MetricsSnapshot, shardsPerCluster uint32) []types.ClusterSummary {
	byCluster := make(map[int]*types.ClusterSummary)
	maxUptime := make(map[int]int64)

	for _, snap := range snapshots {
		clusterID := int(routing.ClusterFor(uint32(snap.ShardID), shardsPerCluster))
		summary, ok := byCluster[clusterID]
		if !ok {
			summary = &types.ClusterSummary{ID: clusterID, Status: types.StatusOnline}
			byCluster[clusterID] = summary
		}

		summary.Shards = append(summary.Shards, snap.ShardID)
		summary.Servers += snap.Servers
		summary.CachedUsers += snap.Users
		summary.MemUsageBytes += snap.HeapUsedBytes
		summary.LatencyMs = max(summary.LatencyMs, snap.LatencyMs)
		maxUptime[clusterID] = max(maxUptime[clusterID], snap.UptimeMs)
		if snap.CapturedAt.After(summary.LastUpdated) {
			summary.LastUpdated = snap.CapturedAt
		}
	}

	summaries := make([]types.ClusterSummary, 0, len(byCluster))
	for clusterID, summary := range byCluster {
		sort.Ints(summary.Shards)
		summary.Uptime = FormatUptime(time.Duration(maxUptime[clusterID]) * time.Millisecond)
		summaries = append(summaries, *summary)
	}
	sortClusters(summaries)
	return summaries
}

// FromRows rebuilds cluster summaries from durable rows, grouping on the
// stored cluster id. The uptime label of a cluster is taken from its lowest
// shard. A cluster whose newest row is older than staleAfter is reported as
// stale; staleAfter <= 0 disables that check.
func FromRows(rows []types.ShardRow, now time.Time, staleAfter time.Duration) []types.ClusterSummary {
	byCluster := make(map[int]*types.ClusterSummary)
	lowestShard := make(map[int]int)

	for _, row := range rows {
		summary, ok := byCluster[row.ClusterID]
		if !ok {
			summary = &types.ClusterSummary{ID: row.ClusterID, Status: types.StatusOnline}
			byCluster[row.ClusterID] = summary
			lowestShard[row.ClusterID] = row.ShardID
			summary.Uptime = row.Uptime
		}

		summary.Shards = append(summary.Shards, row.ShardID)
		summary.Servers += row.Servers
		summary.CachedUsers += row.CachedUsers
		summary.MemUsageBytes += row.MemUsageBytes
		summary.LatencyMs = max(summary.LatencyMs, row.LatencyMs)
		if row.LastUpdated.After(summary.LastUpdated) {
			summary.LastUpdated = row.LastUpdated
		}
		if row.ShardID < lowestShard[row.ClusterID] {
			lowestShard[row.ClusterID] = row.ShardID
			summary.Uptime = row.Uptime
		}
		if row.Status != types.StatusOnline {
			summary.Status = row.Status
		}
	}

	summaries := make([]types.ClusterSummary, 0, len(byCluster))
	for _, summary := range byCluster {
		sort.Ints(summary.Shards)
		if staleAfter > 0 && now.Sub(summary.LastUpdated) > staleAfter {
			summary.Status = types.StatusStale
		}
		summaries = append(summaries, *summary)
	}
	sortClusters(summaries)
	return summaries
}

// FormatUptime renders a duration as "3d 4h 12m", dropping leading zero
// units. Durations under a minute are shown in seconds.
func FormatUptime(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int64(d/time.Second))
	}

	days := int64(d / (24 * time.Hour))
	hours := int64(d/time.Hour) % 24
	minutes := int64(d/time.Minute) % 60

	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if days > 0 || hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	parts = append(parts, fmt.Sprintf("%dm", minutes))
	return strings.Join(parts, " ")
}

func sortClusters(summaries []types.ClusterSummary) {
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })
}
