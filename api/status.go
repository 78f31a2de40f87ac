package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"lena-shard-supervisor/aggregate"
	"lena-shard-supervisor/routing"
	"lena-shard-supervisor/types"
)

const activityWindow = 24 * time.Hour

type clusterView struct {
	ID          int    `json:"id"`
	Shards      []int  `json:"shards"`
	Servers     int64  `json:"servers"`
	CachedUsers int64  `json:"cachedUsers"`
	Latency     string `json:"latency"`
	Uptime      string `json:"uptime"`
	MemUsage    string `json:"memUsage"`
	LastUpdated int64  `json:"lastUpdated"`
	Status      string `json:"status"`
}

type statusResponse struct {
	Success             bool          `json:"success"`
	Clusters            []clusterView `json:"clusters"`
	TotalShards         int           `json:"totalShards"`
	TotalServers        int64         `json:"totalServers"`
	TotalUsers          int64         `json:"totalUsers"`
	ActiveConversations int64         `json:"activeConversations"`
	LastUpdated         int64         `json:"lastUpdated"`
}

type lookupRequest struct {
	ServerID json.RawMessage `json:"serverId"`
	TenantID json.RawMessage `json:"tenantId"`
}

type lookupResponse struct {
	Success   bool   `json:"success"`
	ServerID  string `json:"serverId"`
	ShardID   uint32 `json:"shardId"`
	ClusterID uint32 `json:"clusterId"`
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := s.status(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Error building status")
		s.writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// status rebuilds the cluster view from durable rows. With no rows yet it
// reports one placeholder cluster carrying the business counters.
func (s *Server) status(ctx context.Context) (statusResponse, error) {
	now := s.now()

	rows, err := s.opts.Store.Rows(ctx)
	if err != nil {
		return statusResponse{}, fmt.Errorf("failed to read shard rows: %w", err)
	}
	counters, err := s.opts.Store.Counters(ctx, now.Add(-activityWindow))
	if err != nil {
		return statusResponse{}, fmt.Errorf("failed to read business counters: %w", err)
	}

	resp := statusResponse{
		Success:             true,
		ActiveConversations: counters.RecentActivity,
	}

	if len(rows) == 0 {
		resp.Clusters = []clusterView{{
			ID:          0,
			Shards:      []int{},
			Servers:     counters.Tenants,
			CachedUsers: counters.ActiveUsers,
			Latency:     formatLatency(0),
			Uptime:      types.StatusStarting,
			MemUsage:    formatMemory(0),
			Status:      types.StatusStarting,
		}}
		resp.TotalServers = counters.Tenants
		resp.TotalUsers = counters.ActiveUsers
		resp.LastUpdated = now.UnixMilli()
		return resp, nil
	}

	var newest time.Time
	for _, summary := range aggregate.FromRows(rows, now, s.opts.StaleAfter) {
		resp.Clusters = append(resp.Clusters, clusterView{
			ID:          summary.ID,
			Shards:      summary.Shards,
			Servers:     summary.Servers,
			CachedUsers: summary.CachedUsers,
			Latency:     formatLatency(summary.LatencyMs),
			Uptime:      summary.Uptime,
			MemUsage:    formatMemory(summary.MemUsageBytes),
			LastUpdated: int64(now.Sub(summary.LastUpdated) / time.Second),
			Status:      summary.Status,
		})
		resp.TotalShards += len(summary.Shards)
		resp.TotalServers += summary.Servers
		resp.TotalUsers += summary.CachedUsers
		if summary.LastUpdated.After(newest) {
			newest = summary.LastUpdated
		}
	}
	resp.LastUpdated = newest.UnixMilli()
	return resp, nil
}

func (s *Server) postStatus(w http.ResponseWriter, r *http.Request) {
	var req lookupRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "request body must be a JSON object")
		return
	}

	raw := req.ServerID
	if len(raw) == 0 {
		raw = req.TenantID
	}
	serverID, tenantID, err := parseTenantID(raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	totalShards, err := s.opts.Store.ShardCount(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Error counting shards")
		s.writeError(w, http.StatusInternalServerError, "shard count unavailable")
		return
	}
	if totalShards < 1 {
		totalShards = 1
	}

	shardID, clusterID, err := routing.Route(tenantID, uint32(totalShards))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, lookupResponse{
		Success:   true,
		ServerID:  serverID,
		ShardID:   shardID,
		ClusterID: clusterID,
	})
}

// parseTenantID accepts the id as a JSON string or a bare JSON integer and
// requires plain decimal digits. Snowflakes exceed float64 precision, so
// numbers are taken from their literal text.
func parseTenantID(raw json.RawMessage) (string, uint64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", 0, fmt.Errorf("serverId is required")
	}

	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return "", 0, fmt.Errorf("serverId must be a string")
		}
	}
	if text == "" || strings.TrimLeft(text, "0123456789") != "" {
		return "", 0, fmt.Errorf("serverId must be a non-negative integer")
	}

	id, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("serverId is out of range")
	}
	return text, id, nil
}

func formatLatency(ms int64) string {
	return fmt.Sprintf("%dms", ms)
}

func formatMemory(n int64) string {
	return fmt.Sprintf("%d MB", n/(1<<20))
}
