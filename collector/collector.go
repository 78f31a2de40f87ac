package collector

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lena-shard-supervisor/aggregate"
	"lena-shard-supervisor/ipc"
	"lena-shard-supervisor/routing"
	"lena-shard-supervisor/types"
)

const (
	DefaultInterval        = 30 * time.Second
	DefaultRequestTimeout  = 5 * time.Second
	DefaultObserverTimeout = 10 * time.Second
)

// MetricSource is the fleet as seen by the collector: the shards that
// currently have a live worker and a way to ask each one for a metric.
type MetricSource interface {
	Shards() []int
	RequestMetric(ctx context.Context, shardID int, metric ipc.Metric) (int64, error)
}

type Sink interface {
	Persist(ctx context.Context, shardID int, snapshot types.MetricsSnapshot) error
}

// Observer receives every completed cycle after it has been persisted.
type Observer interface {
	ObserveCycle(ctx context.Context, cycle types.Cycle) error
}

type Config struct {
	Interval        time.Duration
	RequestTimeout  time.Duration
	ObserverTimeout time.Duration
}

type Collector struct {
	config    Config
	source    MetricSource
	sink      Sink
	fleet     *aggregate.Fleet
	observers []Observer
	logger    *zerolog.Logger
	now       func() time.Time
}

func New(config Config, source MetricSource, sink Sink, fleet *aggregate.Fleet, logger *zerolog.Logger, observers ...Observer) *Collector {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	if config.ObserverTimeout <= 0 {
		config.ObserverTimeout = DefaultObserverTimeout
	}
	if fleet == nil {
		fleet = aggregate.NewFleet()
	}

	return &Collector{
		config:    config,
		source:    source,
		sink:      sink,
		fleet:     fleet,
		observers: observers,
		logger:    logger,
		now:       time.Now,
	}
}

// Run collects once immediately and then on every tick until ctx is done.
// Errors never stop the loop.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	c.CollectCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("Collector stopped")
			return
		case <-ticker.C:
			c.CollectCycle(ctx)
		}
	}
}

// CollectCycle queries every live shard concurrently, persists what came
// back, rebuilds the fleet summary from this cycle alone and notifies the
// observers.
func (c *Collector) CollectCycle(ctx context.Context) types.Cycle {
	shards := c.source.Shards()

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		snapshots = make([]types.MetricsSnapshot, 0, len(shards))
		skipped   []int
	)
	for _, shardID := range shards {
		wg.Add(1)
		go func(shardID int) {
			defer wg.Done()

			snap, err := c.collectShard(ctx, shardID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.logger.Warn().Err(err).Int("ShardID", shardID).Msg("Skipping shard for this cycle")
				skipped = append(skipped, shardID)
				return
			}
			snapshots = append(snapshots, snap)
		}(shardID)
	}
	wg.Wait()

	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].ShardID < snapshots[j].ShardID })
	sort.Ints(skipped)

	for _, snap := range snapshots {
		if err := c.sink.Persist(ctx, snap.ShardID, snap); err != nil {
			c.logger.Error().Err(err).Int("ShardID", snap.ShardID).Msg("Error persisting shard metrics")
		}
	}

	cycle := types.Cycle{
		At:        c.now(),
		Snapshots: snapshots,
		Clusters:  aggregate.Summarize(snapshots, routing.ShardsPerCluster),
		Skipped:   skipped,
	}
	c.fleet.Update(cycle)

	c.logger.Info().
		Int("Shards", len(shards)).
		Int("Reported", len(snapshots)).
		Int("Skipped", len(skipped)).
		Int("Clusters", len(cycle.Clusters)).
		Msg("Collection cycle complete")

	for _, observer := range c.observers {
		observerCtx, cancel := context.WithTimeout(ctx, c.config.ObserverTimeout)
		if err := observer.ObserveCycle(observerCtx, cycle); err != nil {
			c.logger.Error().Err(err).Msg("Error notifying cycle observer")
		}
		cancel()
	}
	return cycle
}

// collectShard issues one bounded round trip per metric. The first failure
// abandons the shard for this cycle.
func (c *Collector) collectShard(ctx context.Context, shardID int) (types.MetricsSnapshot, error) {
	values := make(map[ipc.Metric]int64, len(ipc.Metrics))
	for _, metric := range ipc.Metrics {
		requestCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
		value, err := c.source.RequestMetric(requestCtx, shardID, metric)
		cancel()
		if err != nil {
			return types.MetricsSnapshot{}, err
		}
		values[metric] = value
	}

	return types.MetricsSnapshot{
		ShardID:       shardID,
		Servers:       values[ipc.MetricGuilds],
		Users:         values[ipc.MetricMembers],
		LatencyMs:     values[ipc.MetricLatency],
		UptimeMs:      values[ipc.MetricUptime],
		HeapUsedBytes: values[ipc.MetricHeap],
		CapturedAt:    c.now(),
	}, nil
}

// Fleet exposes the in-memory view of the latest cycle.
func (c *Collector) Fleet() *aggregate.Fleet {
	return c.fleet
}
