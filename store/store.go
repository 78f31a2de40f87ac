package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"lena-shard-supervisor/aggregate"
	"lena-shard-supervisor/routing"
	"lena-shard-supervisor/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS shard_metrics (
	shard_id     INTEGER NOT NULL,
	cluster_id   INTEGER NOT NULL,
	servers      INTEGER NOT NULL,
	cached_users INTEGER NOT NULL,
	latency      INTEGER NOT NULL,
	uptime       TEXT    NOT NULL,
	mem_usage    INTEGER NOT NULL,
	status       TEXT    NOT NULL,
	last_updated INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS shard_metrics_shard_id ON shard_metrics (shard_id);

CREATE TABLE IF NOT EXISTS activity_log (
	guild_id   INTEGER NOT NULL,
	user_id    INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS activity_log_created_at ON activity_log (created_at);
`

type Config struct {
	// URL is a SQLite path or URL; see databasePath.
	URL      string
	PoolSize int
}

// Store is the durable handoff between the supervisor, which writes one row
// per shard per cycle, and read-only consumers such as the status API.
// last_updated and created_at hold unix milliseconds.
type Store struct {
	pool   *pool
	logger *zerolog.Logger
	now    func() time.Time
}

func Open(config Config, logger *zerolog.Logger) (*Store, error) {
	p, err := openPool(databasePath(config.URL), config.PoolSize, logger, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, schema, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return &Store{pool: p, logger: logger, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.pool.close()
}

// Persist replaces the row for shardID with snap: any existing row is
// deleted and a fresh one inserted, so a shard never has more than one row.
func (s *Store) Persist(ctx context.Context, shardID int, snap types.MetricsSnapshot) (err error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn, `DELETE FROM shard_metrics WHERE shard_id = ?`, &sqlitex.ExecOptions{
		Args: []any{int64(shardID)},
	})
	if err != nil {
		return fmt.Errorf("failed to delete row for shard %d: %w", shardID, err)
	}

	clusterID := routing.ClusterFor(uint32(shardID), routing.ShardsPerCluster)
	err = sqlitex.Execute(conn, `
		INSERT INTO shard_metrics
			(shard_id, cluster_id, servers, cached_users, latency, uptime, mem_usage, status, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			int64(shardID),
			int64(clusterID),
			snap.Servers,
			snap.Users,
			snap.LatencyMs,
			aggregate.FormatUptime(time.Duration(snap.UptimeMs) * time.Millisecond),
			snap.HeapUsedBytes,
			types.StatusOnline,
			s.now().UnixMilli(),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to insert row for shard %d: %w", shardID, err)
	}
	return nil
}

// Rows returns every persisted shard row ordered by shard.
func (s *Store) Rows(ctx context.Context) ([]types.ShardRow, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.put(conn)

	var rows []types.ShardRow
	err = sqlitex.Execute(conn, `
		SELECT shard_id, cluster_id, servers, cached_users, latency, uptime, mem_usage, status, last_updated
		FROM shard_metrics
		ORDER BY shard_id`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rows = append(rows, types.ShardRow{
				ShardID:       stmt.ColumnInt(0),
				ClusterID:     stmt.ColumnInt(1),
				Servers:       stmt.ColumnInt64(2),
				CachedUsers:   stmt.ColumnInt64(3),
				LatencyMs:     stmt.ColumnInt64(4),
				Uptime:        stmt.ColumnText(5),
				MemUsageBytes: stmt.ColumnInt64(6),
				Status:        stmt.ColumnText(7),
				LastUpdated:   time.UnixMilli(stmt.ColumnInt64(8)).UTC(),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read shard rows: %w", err)
	}
	return rows, nil
}

// ShardCount returns the number of distinct shards that have a row.
func (s *Store) ShardCount(ctx context.Context) (int, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.put(conn)

	count, err := sqlitex.ResultInt(conn.Prep(`SELECT COUNT(DISTINCT shard_id) FROM shard_metrics`))
	if err != nil {
		return 0, fmt.Errorf("failed to count shards: %w", err)
	}
	return count, nil
}
