package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lena-shard-supervisor/history"
	"lena-shard-supervisor/types"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	rows     []types.ShardRow
	counters types.BusinessCounters
	since    time.Time
	err      error
}

func (f *fakeStore) Rows(ctx context.Context) ([]types.ShardRow, error) {
	return f.rows, f.err
}

func (f *fakeStore) ShardCount(ctx context.Context) (int, error) {
	seen := make(map[int]bool)
	for _, row := range f.rows {
		seen[row.ShardID] = true
	}
	return len(seen), f.err
}

func (f *fakeStore) Counters(ctx context.Context, since time.Time) (types.BusinessCounters, error) {
	f.since = since
	return f.counters, f.err
}

func row(shard int, servers, users, latency int64, uptime string, age time.Duration) types.ShardRow {
	return types.ShardRow{
		ShardID:       shard,
		ClusterID:     shard / 4,
		Servers:       servers,
		CachedUsers:   users,
		LatencyMs:     latency,
		Uptime:        uptime,
		MemUsageBytes: 32 << 20,
		Status:        types.StatusOnline,
		LastUpdated:   testNow.Add(-age),
	}
}

func newTestServer(opts Options) *Server {
	logger := zerolog.Nop()
	s := New(opts, &logger)
	s.now = func() time.Time { return testNow }
	return s
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded), rec.Body.String())
	return rec.Code, decoded
}

func TestGetStatusEmptyFleet(t *testing.T) {
	store := &fakeStore{counters: types.BusinessCounters{Tenants: 42, ActiveUsers: 900, RecentActivity: 17}}
	s := newTestServer(Options{Store: store})

	code, body := doJSON(t, s.Handler(), http.MethodGet, "/status", "")

	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	clusters := body["clusters"].([]interface{})
	require.Len(t, clusters, 1)
	cluster := clusters[0].(map[string]interface{})
	assert.Equal(t, 42.0, cluster["servers"])
	assert.Equal(t, 900.0, cluster["cachedUsers"])
	assert.Equal(t, types.StatusStarting, cluster["status"])
	assert.Equal(t, types.StatusStarting, cluster["uptime"])
	assert.Equal(t, 17.0, body["activeConversations"])
	assert.Equal(t, testNow.Add(-24*time.Hour), store.since)
}

func TestGetStatusFromRows(t *testing.T) {
	store := &fakeStore{
		rows: []types.ShardRow{
			row(0, 10, 100, 40, "1h 2m", 10*time.Second),
			row(1, 20, 200, 90, "1h 1m", 20*time.Second),
			row(4, 5, 50, 30, "3m", 5*time.Second),
		},
		counters: types.BusinessCounters{RecentActivity: 3},
	}
	s := newTestServer(Options{Store: store, StaleAfter: 90 * time.Second})

	resp, err := s.status(context.Background())
	require.NoError(t, err)

	require.Len(t, resp.Clusters, 2)
	assert.Equal(t, clusterView{
		ID:          0,
		Shards:      []int{0, 1},
		Servers:     30,
		CachedUsers: 300,
		Latency:     "90ms",
		Uptime:      "1h 2m",
		MemUsage:    "64 MB",
		LastUpdated: 10,
		Status:      types.StatusOnline,
	}, resp.Clusters[0])
	assert.Equal(t, 3, resp.TotalShards)
	assert.Equal(t, int64(35), resp.TotalServers)
	assert.Equal(t, int64(350), resp.TotalUsers)
	assert.Equal(t, int64(3), resp.ActiveConversations)
	assert.Equal(t, testNow.Add(-5*time.Second).UnixMilli(), resp.LastUpdated)
}

func TestGetStatusIsIdempotent(t *testing.T) {
	store := &fakeStore{rows: []types.ShardRow{row(0, 10, 100, 40, "5m", time.Second)}}
	s := newTestServer(Options{Store: store})

	first, err := s.status(context.Background())
	require.NoError(t, err)
	second, err := s.status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestGetStatusMarksStaleClusters(t *testing.T) {
	store := &fakeStore{rows: []types.ShardRow{row(0, 10, 100, 40, "5m", 5*time.Minute)}}
	s := newTestServer(Options{Store: store, StaleAfter: 90 * time.Second})

	resp, err := s.status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StatusStale, resp.Clusters[0].Status)
	assert.Equal(t, int64(300), resp.Clusters[0].LastUpdated)
}

func TestGetStatusStoreError(t *testing.T) {
	s := newTestServer(Options{Store: &fakeStore{err: errors.New("locked")}})

	code, body := doJSON(t, s.Handler(), http.MethodGet, "/status", "")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, false, body["success"])
}

func TestPostStatusRoutesTenant(t *testing.T) {
	rows := make([]types.ShardRow, 0, 8)
	for shard := 0; shard < 8; shard++ {
		rows = append(rows, row(shard, 1, 1, 1, "1m", 0))
	}
	s := newTestServer(Options{Store: &fakeStore{rows: rows}})

	cases := []struct {
		name string
		body string
	}{
		{"string id", `{"serverId":"20971620"}`},
		{"numeric id", `{"serverId":20971620}`},
		{"tenant alias", `{"tenantId":"20971620"}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			code, body := doJSON(t, s.Handler(), http.MethodPost, "/status", c.body)
			require.Equal(t, http.StatusOK, code)
			assert.Equal(t, true, body["success"])
			assert.Equal(t, "20971620", body["serverId"])
			assert.Equal(t, 5.0, body["shardId"])
			assert.Equal(t, 1.0, body["clusterId"])
		})
	}
}

func TestPostStatusFallsBackToOneShard(t *testing.T) {
	s := newTestServer(Options{Store: &fakeStore{}})

	code, body := doJSON(t, s.Handler(), http.MethodPost, "/status", `{"serverId":"1152921504606846975"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0.0, body["shardId"])
	assert.Equal(t, 0.0, body["clusterId"])
	assert.Equal(t, "1152921504606846975", body["serverId"])
}

func TestPostStatusRejectsInvalidInput(t *testing.T) {
	s := newTestServer(Options{Store: &fakeStore{}})

	for _, body := range []string{
		`{"serverId":"not-a-number"}`,
		`{"serverId":"-1"}`,
		`{"serverId":"12abc"}`,
		`{"serverId":""}`,
		`{"serverId":null}`,
		`{"serverId":1.5}`,
		`{"serverId":"99999999999999999999999"}`,
		`{}`,
		`not json`,
	} {
		code, decoded := doJSON(t, s.Handler(), http.MethodPost, "/status", body)
		assert.Equal(t, http.StatusBadRequest, code, body)
		assert.Equal(t, false, decoded["success"], body)
	}
}

type fakeFleet struct{ cycle types.Cycle }

func (f fakeFleet) Latest() (types.Cycle, bool) { return f.cycle, true }

type fakeWorkers []types.ShardStatus

func (f fakeWorkers) Status() []types.ShardStatus { return f }

func TestGetFleet(t *testing.T) {
	s := newTestServer(Options{
		Store:   &fakeStore{},
		Fleet:   fakeFleet{cycle: types.Cycle{Skipped: []int{2}}},
		Workers: fakeWorkers{{ShardID: 0, State: types.WorkerReporting}},
	})

	code, body := doJSON(t, s.Handler(), http.MethodGet, "/fleet", "")
	require.Equal(t, http.StatusOK, code)
	workers := body["workers"].([]interface{})
	require.Len(t, workers, 1)
	assert.Equal(t, "reporting", workers[0].(map[string]interface{})["state"])
	assert.Equal(t, []interface{}{2.0}, body["cycle"].(map[string]interface{})["skipped"])
}

func TestGetFleetNotServedWithoutViews(t *testing.T) {
	s := newTestServer(Options{Store: &fakeStore{}})

	req := httptest.NewRequest(http.MethodGet, "/fleet", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type fakeHistory struct{ items []history.Item }

func (f fakeHistory) GetRange(ctx context.Context, start, end time.Time) ([]history.Item, error) {
	return f.items, nil
}

func TestWebsocketSendsInitialStateAndBroadcasts(t *testing.T) {
	broadcasts := make(chan types.Broadcast, 1)
	s := newTestServer(Options{
		Store:     &fakeStore{counters: types.BusinessCounters{Tenants: 3}},
		History:   fakeHistory{items: []history.Item{{Fleet: "prod", Timestamp: "2026-03-01T11:59:30.000000000Z"}}},
		Broadcast: broadcasts,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.run(ctx)

	server := httptest.NewServer(s.Handler())
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	readType := func() string {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg struct {
			MessageType string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg.MessageType
	}

	assert.Equal(t, "status", readType())
	assert.Equal(t, "snapshots", readType())

	// The client may not be registered yet; keep offering until one lands.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				select {
				case broadcasts <- types.Broadcast{MessageType: "clusters", Data: []types.ClusterSummary{}}:
				default:
				}
			}
		}
	}()
	assert.Equal(t, "clusters", readType())
}

func TestParseTenantID(t *testing.T) {
	text, id, err := parseTenantID(json.RawMessage(` "007" `))
	require.NoError(t, err)
	assert.Equal(t, "007", text)
	assert.Equal(t, uint64(7), id)

	_, _, err = parseTenantID(json.RawMessage(`"+7"`))
	assert.Error(t, err)
	_, _, err = parseTenantID(bytes.TrimSpace(nil))
	assert.Error(t, err)
}
