package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"lena-shard-supervisor/ipc"
)

var (
	ErrUnknownShard  = errors.New("shard is not hosted by this worker")
	ErrUnknownMetric = errors.New("unknown metric")
)

type Config struct {
	ShardFirst  int
	ShardLast   int
	TotalShards int
}

// Worker hosts a contiguous range of shards inside one process and answers
// metric requests for them.
type Worker struct {
	config  Config
	gateway Gateway
	logger  *zerolog.Logger
	started time.Time
	now     func() time.Time
}

func New(config Config, gateway Gateway, logger *zerolog.Logger) (*Worker, error) {
	if config.TotalShards <= 0 {
		return nil, fmt.Errorf("invalid total shard count %d", config.TotalShards)
	}
	if config.ShardFirst < 0 || config.ShardLast < config.ShardFirst || config.ShardLast >= config.TotalShards {
		return nil, fmt.Errorf("invalid shard range %d-%d for %d shards", config.ShardFirst, config.ShardLast, config.TotalShards)
	}

	return &Worker{
		config:  config,
		gateway: gateway,
		logger:  logger,
		started: time.Now(),
		now:     time.Now,
	}, nil
}

func (w *Worker) Shards() []int {
	shards := make([]int, 0, w.config.ShardLast-w.config.ShardFirst+1)
	for id := w.config.ShardFirst; id <= w.config.ShardLast; id++ {
		shards = append(shards, id)
	}
	return shards
}

func (w *Worker) hosts(shardID int) bool {
	return shardID >= w.config.ShardFirst && shardID <= w.config.ShardLast
}

// Metric returns the current value of one metric for one hosted shard.
// Latency is in milliseconds, uptime in milliseconds, heap in bytes.
func (w *Worker) Metric(shardID int, metric ipc.Metric) (int64, error) {
	if !w.hosts(shardID) {
		return 0, fmt.Errorf("%w: %d", ErrUnknownShard, shardID)
	}

	switch metric {
	case ipc.MetricGuilds:
		return w.gateway.GuildCount(shardID)
	case ipc.MetricMembers:
		return w.gateway.MemberCount(shardID)
	case ipc.MetricLatency:
		latency, err := w.gateway.Latency(shardID)
		if err != nil {
			return 0, err
		}
		return latency.Milliseconds(), nil
	case ipc.MetricUptime:
		return w.now().Sub(w.started).Milliseconds(), nil
	case ipc.MetricHeap:
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		return int64(stats.HeapAlloc), nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownMetric, metric)
	}
}

// Run connects every hosted shard, reports lifecycle events and serves
// metric requests from in until it closes or ctx is cancelled.
func (w *Worker) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	server := ipc.NewServer(out)

	for _, shardID := range w.Shards() {
		if err := w.gateway.Connect(ctx, shardID, w.config.TotalShards); err != nil {
			w.logger.Error().Err(err).Int("ShardID", shardID).Msg("Shard failed to connect")
			if emitErr := server.Emit(ipc.Event{Type: ipc.EventError, Shard: shardID, Message: err.Error()}); emitErr != nil {
				return fmt.Errorf("failed to report shard error: %w", emitErr)
			}
			continue
		}

		w.logger.Info().Int("ShardID", shardID).Msg("Shard ready")
		if err := server.Emit(ipc.Event{Type: ipc.EventReady, Shard: shardID}); err != nil {
			return fmt.Errorf("failed to report shard ready: %w", err)
		}
	}

	err := server.Serve(ctx, in, func(ctx context.Context, req ipc.Request) (int64, error) {
		value, err := w.Metric(req.Shard, req.Metric)
		if err != nil {
			w.logger.Debug().Err(err).Int("ShardID", req.Shard).Str("Metric", string(req.Metric)).Msg("Metric request failed")
		}
		return value, err
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to serve metric requests: %w", err)
	}
	return nil
}
