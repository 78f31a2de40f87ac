package metrics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/cloudwatch/cloudwatchiface"
	"github.com/rs/zerolog"

	"lena-shard-supervisor/types"
)

const (
	DefaultNamespace = "Lena/Shards"

	// PutMetricData accepts at most this many datums per call.
	maxDatumsPerCall = 20
)

type Metrics struct {
	namespace string
	fleet     string
	logger    *zerolog.Logger
	client    cloudwatchiface.CloudWatchAPI
}

func New(client cloudwatchiface.CloudWatchAPI, namespace, fleet string, logger *zerolog.Logger) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	return &Metrics{
		namespace: namespace,
		fleet:     fleet,
		client:    client,
		logger:    logger,
	}
}

// ObserveCycle publishes one datum per cluster and metric, plus fleet wide
// shard counts for the cycle.
func (m *Metrics) ObserveCycle(ctx context.Context, cycle types.Cycle) error {
	timestamp := aws.Time(cycle.At)
	var data []*cloudwatch.MetricDatum

	for _, cluster := range cycle.Clusters {
		dimensions := []*cloudwatch.Dimension{
			{Name: aws.String("Fleet"), Value: aws.String(m.fleet)},
			{Name: aws.String("ClusterID"), Value: aws.String(strconv.Itoa(cluster.ID))},
		}
		data = append(data,
			datum("Servers", float64(cluster.Servers), cloudwatch.StandardUnitCount, dimensions, timestamp),
			datum("CachedUsers", float64(cluster.CachedUsers), cloudwatch.StandardUnitCount, dimensions, timestamp),
			datum("Latency", float64(cluster.LatencyMs), cloudwatch.StandardUnitMilliseconds, dimensions, timestamp),
			datum("MemoryUsage", float64(cluster.MemUsageBytes), cloudwatch.StandardUnitBytes, dimensions, timestamp),
		)
	}

	fleetDimensions := []*cloudwatch.Dimension{{Name: aws.String("Fleet"), Value: aws.String(m.fleet)}}
	data = append(data,
		datum("ShardsReported", float64(len(cycle.Snapshots)), cloudwatch.StandardUnitCount, fleetDimensions, timestamp),
		datum("ShardsSkipped", float64(len(cycle.Skipped)), cloudwatch.StandardUnitCount, fleetDimensions, timestamp),
	)

	for start := 0; start < len(data); start += maxDatumsPerCall {
		end := min(start+maxDatumsPerCall, len(data))
		_, err := m.client.PutMetricDataWithContext(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(m.namespace),
			MetricData: data[start:end],
		})
		if err != nil {
			return fmt.Errorf("failed to put metric data: %w", err)
		}
	}

	m.logger.Debug().Int("Datums", len(data)).Str("Namespace", m.namespace).Msg("Published cycle metrics")
	return nil
}

func datum(name string, value float64, unit string, dimensions []*cloudwatch.Dimension, timestamp *time.Time) *cloudwatch.MetricDatum {
	return &cloudwatch.MetricDatum{
		MetricName: aws.String(name),
		Dimensions: dimensions,
		Timestamp:  timestamp,
		Unit:       aws.String(unit),
		Value:      aws.Float64(value),
	}
}
