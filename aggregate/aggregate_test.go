package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lena-shard-supervisor/types"
)

var cycleTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func snapshot(shard int, servers, users, latency int64) types.MetricsSnapshot {
	return types.MetricsSnapshot{
		ShardID:       shard,
		Servers:       servers,
		Users:         users,
		LatencyMs:     latency,
		UptimeMs:      int64(shard+1) * 60_000,
		HeapUsedBytes: 10 << 20,
		CapturedAt:    cycleTime.Add(time.Duration(shard) * time.Second),
	}
}

func TestSummarizeGroupsByCluster(t *testing.T) {
	snaps := []types.MetricsSnapshot{
		snapshot(5, 50, 500, 70),
		snapshot(0, 10, 100, 40),
		snapshot(1, 20, 200, 90),
		snapshot(4, 40, 400, 30),
	}

	clusters := Summarize(snaps, 4)
	require.Len(t, clusters, 2)

	first := clusters[0]
	assert.Equal(t, 0, first.ID)
	assert.Equal(t, []int{0, 1}, first.Shards)
	assert.Equal(t, int64(30), first.Servers)
	assert.Equal(t, int64(300), first.CachedUsers)
	assert.Equal(t, int64(90), first.LatencyMs)
	assert.Equal(t, int64(20<<20), first.MemUsageBytes)
	assert.Equal(t, "2m", first.Uptime)
	assert.Equal(t, cycleTime.Add(time.Second), first.LastUpdated)
	assert.Equal(t, types.StatusOnline, first.Status)

	second := clusters[1]
	assert.Equal(t, 1, second.ID)
	assert.Equal(t, []int{4, 5}, second.Shards)
	assert.Equal(t, int64(90), second.Servers)
	assert.Equal(t, "6m", second.Uptime)
}

func TestSummarizeDoesNotAccumulateAcrossCycles(t *testing.T) {
	cycle := []types.MetricsSnapshot{snapshot(0, 10, 100, 40), snapshot(1, 20, 200, 50)}

	for i := 0; i < 3; i++ {
		clusters := Summarize(cycle, 4)
		require.Len(t, clusters, 1)
		assert.Equal(t, int64(30), clusters[0].Servers)
		assert.Equal(t, int64(300), clusters[0].CachedUsers)
	}
}

func TestSummarizeSkippedShardIsAbsent(t *testing.T) {
	// Shard 1 failed this cycle.
	clusters := Summarize([]types.MetricsSnapshot{snapshot(0, 10, 100, 40), snapshot(2, 30, 300, 20)}, 4)
	require.Len(t, clusters, 1)
	assert.Equal(t, []int{0, 2}, clusters[0].Shards)
	assert.Equal(t, int64(40), clusters[0].Servers)
}

func TestSummarizeEmpty(t *testing.T) {
	assert.Empty(t, Summarize(nil, 4))
}

func TestFromRows(t *testing.T) {
	now := cycleTime.Add(time.Minute)
	rows := []types.ShardRow{
		{ShardID: 1, ClusterID: 0, Servers: 20, CachedUsers: 200, LatencyMs: 80, Uptime: "1h 2m", MemUsageBytes: 5, Status: types.StatusOnline, LastUpdated: cycleTime},
		{ShardID: 0, ClusterID: 0, Servers: 10, CachedUsers: 100, LatencyMs: 60, Uptime: "1h 3m", MemUsageBytes: 7, Status: types.StatusOnline, LastUpdated: cycleTime.Add(2 * time.Second)},
		{ShardID: 4, ClusterID: 1, Servers: 40, CachedUsers: 400, LatencyMs: 20, Uptime: "5m", MemUsageBytes: 1, Status: types.StatusOnline, LastUpdated: cycleTime.Add(-10 * time.Minute)},
	}

	clusters := FromRows(rows, now, 90*time.Second)
	require.Len(t, clusters, 2)

	assert.Equal(t, []int{0, 1}, clusters[0].Shards)
	assert.Equal(t, int64(30), clusters[0].Servers)
	assert.Equal(t, int64(300), clusters[0].CachedUsers)
	assert.Equal(t, int64(80), clusters[0].LatencyMs)
	assert.Equal(t, int64(12), clusters[0].MemUsageBytes)
	assert.Equal(t, "1h 3m", clusters[0].Uptime)
	assert.Equal(t, cycleTime.Add(2*time.Second), clusters[0].LastUpdated)
	assert.Equal(t, types.StatusOnline, clusters[0].Status)

	assert.Equal(t, types.StatusStale, clusters[1].Status)
}

func TestFromRowsIsRepeatable(t *testing.T) {
	rows := []types.ShardRow{
		{ShardID: 0, ClusterID: 0, Servers: 10, Status: types.StatusOnline, LastUpdated: cycleTime},
		{ShardID: 5, ClusterID: 1, Servers: 50, Status: types.StatusOnline, LastUpdated: cycleTime},
	}
	assert.Equal(t, FromRows(rows, cycleTime, 0), FromRows(rows, cycleTime, 0))
}

func TestFormatUptime(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{42 * time.Second, "42s"},
		{5 * time.Minute, "5m"},
		{time.Hour + 7*time.Minute, "1h 7m"},
		{3*24*time.Hour + 4*time.Hour + 12*time.Minute, "3d 4h 12m"},
		{2 * 24 * time.Hour, "2d 0h 0m"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, FormatUptime(c.d), c.d.String())
	}
}

func TestFleetLatestIsACopy(t *testing.T) {
	fleet := NewFleet()
	_, ok := fleet.Latest()
	assert.False(t, ok)

	snaps := []types.MetricsSnapshot{snapshot(0, 10, 100, 40)}
	fleet.Update(types.Cycle{At: cycleTime, Snapshots: snaps, Clusters: Summarize(snaps, 4)})

	latest, ok := fleet.Latest()
	require.True(t, ok)
	latest.Clusters[0].Shards[0] = 99
	latest.Snapshots[0].Servers = 0

	again, _ := fleet.Latest()
	assert.Equal(t, 0, again.Clusters[0].Shards[0])
	assert.Equal(t, int64(10), again.Snapshots[0].Servers)
}
