package types

import "time"

// ClusterSummary is derived from the shards of one cluster. It is never
// stored; every reader recomputes it from per-shard data.
type ClusterSummary struct {
	ID            int       `json:"id"`
	Shards        []int     `json:"shards"`
	Servers       int64     `json:"servers"`
	CachedUsers   int64     `json:"cached_users"`
	LatencyMs     int64     `json:"latency_ms"`
	Uptime        string    `json:"uptime"`
	MemUsageBytes int64     `json:"mem_usage_bytes"`
	LastUpdated   time.Time `json:"last_updated"`
	Status        string    `json:"status"`
}
