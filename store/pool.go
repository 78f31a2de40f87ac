package store

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/rs/zerolog"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// pool wraps sqlitex.Pool and applies the same pragmas to every
// connection before the schema hook runs.
type pool struct {
	inner  *sqlitex.Pool
	logger *zerolog.Logger
	path   string
}

func openPool(path string, size int, logger *zerolog.Logger, onConnect func(conn *sqlite.Conn) error) (*pool, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if size <= 0 {
		size = max(runtime.NumCPU(), 4)
	}

	inner, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: size,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn, onConnect)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	logger.Info().Str("Path", path).Int("PoolSize", size).Msg("SQLite pool opened")
	return &pool{inner: inner, logger: logger, path: path}, nil
}

func (p *pool) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to take connection: %w", err)
	}
	return conn, nil
}

func (p *pool) put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

func (p *pool) close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Error().Err(err).Str("Path", p.path).Msg("SQLite pool close error")
		return fmt.Errorf("failed to close %s: %w", p.path, err)
	}
	p.logger.Info().Str("Path", p.path).Msg("SQLite pool closed")
	return nil
}

func prepareConnection(conn *sqlite.Conn, onConnect func(*sqlite.Conn) error) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if onConnect != nil {
		return onConnect(conn)
	}
	return nil
}

// databasePath accepts a bare filesystem path or a sqlite URL such as
// "sqlite:///var/lib/lena/metrics.db" or "file:metrics.db?cache=shared".
func databasePath(url string) string {
	if rest, ok := strings.CutPrefix(url, "sqlite://"); ok {
		return rest
	}
	return url
}
