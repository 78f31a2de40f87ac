package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"lena-shard-supervisor/types"
)

// RecordActivity is the write interface the command layer uses to feed the
// business counters.
func (s *Store) RecordActivity(ctx context.Context, guildID, userID uint64, at time.Time) error {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO activity_log (guild_id, user_id, created_at) VALUES (?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{int64(guildID), int64(userID), at.UnixMilli()},
	})
	if err != nil {
		return fmt.Errorf("failed to record activity: %w", err)
	}
	return nil
}

// Counters reads the distinct tenant and user counts and the number of
// activity entries newer than since.
func (s *Store) Counters(ctx context.Context, since time.Time) (types.BusinessCounters, error) {
	conn, err := s.pool.take(ctx)
	if err != nil {
		return types.BusinessCounters{}, err
	}
	defer s.pool.put(conn)

	var counters types.BusinessCounters
	err = sqlitex.Execute(conn, `
		SELECT
			COUNT(DISTINCT guild_id),
			COUNT(DISTINCT user_id),
			COALESCE(SUM(CASE WHEN created_at >= ? THEN 1 ELSE 0 END), 0)
		FROM activity_log`, &sqlitex.ExecOptions{
		Args: []any{since.UnixMilli()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			counters.Tenants = stmt.ColumnInt64(0)
			counters.ActiveUsers = stmt.ColumnInt64(1)
			counters.RecentActivity = stmt.ColumnInt64(2)
			return nil
		},
	})
	if err != nil {
		return types.BusinessCounters{}, fmt.Errorf("failed to read business counters: %w", err)
	}
	return counters, nil
}
