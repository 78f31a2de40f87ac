package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"lena-shard-supervisor/aggregate"
	"lena-shard-supervisor/api"
	"lena-shard-supervisor/collector"
	"lena-shard-supervisor/gateway"
	"lena-shard-supervisor/logging"
	"lena-shard-supervisor/procman"
	"lena-shard-supervisor/relay"
	"lena-shard-supervisor/store"
	"lena-shard-supervisor/supervisor"
	"lena-shard-supervisor/types"
	"lena-shard-supervisor/worker"
)

const (
	modeSupervisor = "supervisor"
	modeAPI        = "api"
	modeWorker     = "worker"
)

var conf = &types.Config{}

func init() {
	flag.StringVar(&conf.Mode, "mode", modeSupervisor, "Run mode: supervisor, api or worker")
	flag.StringVar(&conf.FleetName, "fleet", "default", "Fleet name used to tag exported metrics and history")
	flag.StringVar(&conf.Token, "token", os.Getenv("BOT_TOKEN"), "Fleet authentication token (env BOT_TOKEN)")
	flag.StringVar(&conf.DatabaseURL, "databaseURL", os.Getenv("DATABASE_URL"), "SQLite path or URL of the metrics store (env DATABASE_URL)")
	flag.UintVar(&conf.TotalShards, "totalShards", envUint("SHARD_COUNT"), "Explicit shard count; 0 asks the gateway (env SHARD_COUNT)")
	flag.UintVar(&conf.ShardsPerProcess, "shardsPerProcess", 1, "Shards hosted by each worker process")

	flag.DurationVar(&conf.CollectInterval, "collectInterval", collector.DefaultInterval, "Interval between telemetry collection cycles")
	flag.DurationVar(&conf.RequestTimeout, "requestTimeout", collector.DefaultRequestTimeout, "Timeout for a single metric request")
	flag.DurationVar(&conf.RespawnDelay, "respawnDelay", procman.DefaultRespawnDelay, "Delay before respawning an exited worker")
	flag.DurationVar(&conf.StaleAfter, "staleAfter", 90*time.Second, "Age after which a cluster is reported as stale")

	flag.UintVar(&conf.ServerPort, "serverPort", 8041, "Port for the status server")
	flag.StringVar(&conf.GatewayURL, "gatewayURL", gateway.DefaultBaseURL, "Base URL of the platform API used for the shard recommendation")

	flag.UintVar(&conf.ShardFirst, "shardFirst", 0, "First shard hosted by this worker (worker mode)")
	flag.UintVar(&conf.ShardLast, "shardLast", 0, "Last shard hosted by this worker (worker mode)")

	flag.StringVar(&conf.RedisAddr, "redisAddr", "", "Redis address(es) for the cluster relay, comma separated")
	flag.StringVar(&conf.RedisChannel, "redisChannel", relay.DefaultChannel, "Redis channel for the cluster relay")

	flag.StringVar(&conf.AwsRegion, "awsRegion", "", "AWS region; enables the history archive and CloudWatch export")
	flag.StringVar(&conf.HistoryTable, "historyTable", "", "DynamoDB table for the fleet history archive")
	flag.StringVar(&conf.CloudWatchNamespace, "cloudwatchNamespace", "", "CloudWatch namespace for cluster metrics")

	flag.StringVar(&conf.BigQueryProject, "bigqueryProject", "", "Google Cloud project for the analytics export")
	flag.StringVar(&conf.BigQueryDataset, "bigqueryDataset", "lena_shards", "BigQuery dataset for the analytics export")
	flag.StringVar(&conf.BigQueryTable, "bigqueryTable", "shard_snapshots", "BigQuery table for the analytics export")

	flag.StringVar(&conf.LogLevel, "logLevel", "info", "Log level: debug, info, warn or error")
	flag.StringVar(&conf.LogFormat, "logFormat", logging.FormatConsole, "Log format: console or json")
}

func envUint(name string) uint {
	value, err := strconv.ParseUint(os.Getenv(name), 10, 32)
	if err != nil {
		return 0
	}
	return uint(value)
}

func main() {
	flag.Parse()

	logFormat := conf.LogFormat
	if conf.Mode == modeWorker {
		logFormat = logging.FormatJSON
	}
	if err := logging.InitLogger(conf.LogLevel, logFormat); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.GetLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up a channel to capture termination signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("Received termination signal. Initiating graceful shutdown...")
		cancel()
	}()

	var err error
	switch conf.Mode {
	case modeSupervisor:
		err = runSupervisor(ctx, logger)
	case modeAPI:
		err = runAPI(ctx, logger)
	case modeWorker:
		err = runWorker(ctx)
	default:
		err = fmt.Errorf("unknown mode %q", conf.Mode)
	}
	if err != nil {
		logger.Error().Err(err).Str("Mode", conf.Mode).Msg("Exiting with error")
		os.Exit(1)
	}
	logger.Info().Msg("Shutdown complete. Exiting.")
}

// newSpawner builds the worker launcher for supervisor mode.
var newSpawner = func() (procman.Spawner, error) {
	return procman.NewSelfSpawner("--logLevel=" + conf.LogLevel)
}

func runSupervisor(ctx context.Context, logger *zerolog.Logger) error {
	// Cancelled before any deferred cleanup runs, so the collector and the
	// worker slots stop even when Serve fails on its own.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metricsStore, err := store.Open(store.Config{URL: conf.DatabaseURL}, logger)
	if err != nil {
		return err
	}
	defer metricsStore.Close()

	totalShards, err := resolveTotalShards(ctx, logger)
	if err != nil {
		return err
	}

	spawner, err := newSpawner()
	if err != nil {
		return err
	}

	sup, err := supervisor.New(supervisor.Config{
		TotalShards:      totalShards,
		ShardsPerProcess: int(conf.ShardsPerProcess),
		RespawnDelay:     conf.RespawnDelay,
	}, spawner, logging.Component("supervisor"))
	if err != nil {
		return fmt.Errorf("failed to create supervisor: %w", err)
	}
	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("failed to start supervisor: %w", err)
	}
	defer sup.Stop()

	broadcast := make(chan types.Broadcast, 8)
	observers, archive, closeObservers, err := buildObservers(ctx, broadcast, logger)
	if err != nil {
		return err
	}
	defer closeObservers()

	fleet := aggregate.NewFleet()
	telemetry := collector.New(collector.Config{
		Interval:       conf.CollectInterval,
		RequestTimeout: conf.RequestTimeout,
	}, sup, metricsStore, fleet, logging.Component("collector"), observers...)
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		telemetry.Run(ctx)
	}()
	defer func() { <-collectorDone }()

	apiServer := api.New(api.Options{
		Store:      metricsStore,
		Fleet:      fleet,
		Workers:    sup,
		History:    archive,
		Broadcast:  broadcast,
		StaleAfter: conf.StaleAfter,
	}, logging.Component("api"))
	err = apiServer.Serve(ctx, conf.ServerPort)
	cancel()
	return err
}

// resolveTotalShards fixes the fleet size once: the configured count wins,
// otherwise the gateway's recommendation is used.
func resolveTotalShards(ctx context.Context, logger *zerolog.Logger) (int, error) {
	if conf.TotalShards > 0 {
		logger.Info().Uint("TotalShards", conf.TotalShards).Msg("Using configured shard count")
		return int(conf.TotalShards), nil
	}

	requestCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	shards, err := gateway.RecommendedShards(requestCtx, conf.GatewayURL, conf.Token)
	if err != nil {
		return 0, fmt.Errorf("failed to get recommended shard count: %w", err)
	}
	logger.Info().Int("TotalShards", shards).Msg("Using recommended shard count")
	return shards, nil
}

func runAPI(ctx context.Context, logger *zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metricsStore, err := store.Open(store.Config{URL: conf.DatabaseURL}, logger)
	if err != nil {
		return err
	}
	defer metricsStore.Close()

	broadcast := make(chan types.Broadcast, 8)
	if conf.RedisAddr != "" {
		client, err := relay.NewClient(ctx, relay.Options{Addrs: conf.RedisAddr})
		if err != nil {
			return err
		}
		defer client.Close()

		go func() {
			if err := relay.Subscribe(ctx, client, conf.RedisChannel, broadcast, logger); err != nil {
				logger.Error().Err(err).Msg("Cluster relay stopped")
			}
		}()
	}

	apiServer := api.New(api.Options{
		Store:      metricsStore,
		History:    historyReader(ctx, logger),
		Broadcast:  broadcast,
		StaleAfter: conf.StaleAfter,
	}, logging.Component("api"))
	err = apiServer.Serve(ctx, conf.ServerPort)
	cancel()
	return err
}

func runWorker(ctx context.Context) error {
	logger := logging.GetLogger().With().
		Str("component", "worker").
		Uint("ShardFirst", conf.ShardFirst).
		Uint("ShardLast", conf.ShardLast).
		Logger()

	w, err := worker.New(worker.Config{
		ShardFirst:  int(conf.ShardFirst),
		ShardLast:   int(conf.ShardLast),
		TotalShards: int(conf.TotalShards),
	}, worker.NewStateGateway(), &logger)
	if err != nil {
		return err
	}

	logger.Info().Msg("Worker started")
	return w.Run(ctx, os.Stdin, os.Stdout)
}
