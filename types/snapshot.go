package types

import "time"

const (
	StatusOnline   = "online"
	StatusStale    = "stale"
	StatusStarting = "Starting..."
)

// MetricsSnapshot is what one shard reported in one collection cycle.
type MetricsSnapshot struct {
	ShardID       int       `json:"shard_id"`
	Servers       int64     `json:"servers"`
	Users         int64     `json:"users"`
	LatencyMs     int64     `json:"latency_ms"`
	UptimeMs      int64     `json:"uptime_ms"`
	HeapUsedBytes int64     `json:"heap_used_bytes"`
	CapturedAt    time.Time `json:"captured_at"`
}

// ShardRow mirrors one row of the shard_metrics table.
type ShardRow struct {
	ShardID       int       `json:"shard_id"`
	ClusterID     int       `json:"cluster_id"`
	Servers       int64     `json:"servers"`
	CachedUsers   int64     `json:"cached_users"`
	LatencyMs     int64     `json:"latency"`
	Uptime        string    `json:"uptime"`
	MemUsageBytes int64     `json:"mem_usage"`
	Status        string    `json:"status"`
	LastUpdated   time.Time `json:"last_updated"`
}

// Cycle is the result of one telemetry collection round.
type Cycle struct {
	At        time.Time         `json:"at"`
	Snapshots []MetricsSnapshot `json:"snapshots"`
	Clusters  []ClusterSummary  `json:"clusters"`
	Skipped   []int             `json:"skipped,omitempty"`
}

// BusinessCounters are read from tables written by the command layer.
type BusinessCounters struct {
	Tenants        int64 `json:"tenants"`
	ActiveUsers    int64 `json:"active_users"`
	RecentActivity int64 `json:"recent_activity"`
}
