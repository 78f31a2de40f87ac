package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/rs/zerolog"

	"lena-shard-supervisor/analytics"
	"lena-shard-supervisor/api"
	"lena-shard-supervisor/collector"
	"lena-shard-supervisor/history"
	"lena-shard-supervisor/logging"
	"lena-shard-supervisor/metrics"
	"lena-shard-supervisor/relay"
	"lena-shard-supervisor/types"
)

// buildObservers wires every configured cycle consumer. The in-process
// broadcast is always present; the rest depend on flags. The history
// archive, when enabled, is also returned for websocket clients.
func buildObservers(ctx context.Context, broadcast chan<- types.Broadcast, logger *zerolog.Logger) ([]collector.Observer, api.HistoryReader, func(), error) {
	observers := []collector.Observer{relay.NewLocal(broadcast)}
	var archiveReader api.HistoryReader
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if conf.RedisAddr != "" {
		client, err := relay.NewClient(ctx, relay.Options{Addrs: conf.RedisAddr})
		if err != nil {
			return nil, nil, func() {}, err
		}
		closers = append(closers, func() { _ = client.Close() })
		observers = append(observers, relay.NewPublisher(client, conf.RedisChannel))
		logger.Info().Str("Channel", conf.RedisChannel).Msg("Publishing cycles to redis")
	}

	if conf.AwsRegion != "" {
		awsSession, err := newAwsSession()
		if err != nil {
			closeAll()
			return nil, nil, func() {}, err
		}

		if conf.HistoryTable != "" {
			archive, err := history.New(ctx, dynamodb.New(awsSession), conf.HistoryTable, conf.FleetName, logging.Component("history"))
			if err != nil {
				closeAll()
				return nil, nil, func() {}, fmt.Errorf("failed to create DynamoDB history: %w", err)
			}
			observers = append(observers, archive)
			archiveReader = archive
		}

		if conf.CloudWatchNamespace != "" {
			observers = append(observers, metrics.New(cloudwatch.New(awsSession), conf.CloudWatchNamespace, conf.FleetName, logging.Component("metrics")))
		}
	}

	if conf.BigQueryProject != "" {
		client, exporter, err := analytics.Open(ctx, conf.BigQueryProject, conf.BigQueryDataset, conf.BigQueryTable, conf.FleetName, logging.Component("analytics"))
		if err != nil {
			closeAll()
			return nil, nil, func() {}, err
		}
		closers = append(closers, func() { _ = client.Close() })
		observers = append(observers, exporter)
	}

	return observers, archiveReader, closeAll, nil
}

// historyReader returns the archive for websocket clients, or nil when it
// is not configured or cannot be reached.
func historyReader(ctx context.Context, logger *zerolog.Logger) api.HistoryReader {
	if conf.AwsRegion == "" || conf.HistoryTable == "" {
		return nil
	}

	awsSession, err := newAwsSession()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create AWS session")
		return nil
	}
	archive, err := history.New(ctx, dynamodb.New(awsSession), conf.HistoryTable, conf.FleetName, logging.Component("history"))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create DynamoDB history")
		return nil
	}
	return archive
}

func newAwsSession() (*session.Session, error) {
	awsSession, err := session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
		Config: aws.Config{
			Region: aws.String(conf.AwsRegion),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return awsSession, nil
}
