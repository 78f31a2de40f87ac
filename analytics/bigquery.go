package analytics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"

	"lena-shard-supervisor/routing"
	"lena-shard-supervisor/types"
)

// ShardRecord is one row of the analytics table: a single shard's report
// in a single cycle.
type ShardRecord struct {
	Fleet         string    `bigquery:"fleet"`
	CycleAt       time.Time `bigquery:"cycle_at"`
	CapturedAt    time.Time `bigquery:"captured_at"`
	ShardID       int64     `bigquery:"shard_id"`
	ClusterID     int64     `bigquery:"cluster_id"`
	Servers       int64     `bigquery:"servers"`
	Users         int64     `bigquery:"users"`
	LatencyMs     int64     `bigquery:"latency_ms"`
	UptimeMs      int64     `bigquery:"uptime_ms"`
	HeapUsedBytes int64     `bigquery:"heap_used_bytes"`
}

// Inserter is satisfied by *bigquery.Inserter.
type Inserter interface {
	Put(ctx context.Context, src interface{}) error
}

type Exporter struct {
	inserter Inserter
	fleet    string
	logger   *zerolog.Logger
}

func NewExporter(inserter Inserter, fleet string, logger *zerolog.Logger) *Exporter {
	return &Exporter{inserter: inserter, fleet: fleet, logger: logger}
}

// Open connects to BigQuery and makes sure the dataset and table exist with
// the ShardRecord schema. The returned client must be closed by the caller.
func Open(ctx context.Context, projectID, datasetID, tableID, fleet string, logger *zerolog.Logger) (*bigquery.Client, *Exporter, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create BigQuery client: %w", err)
	}

	dataset := client.Dataset(datasetID)
	if err := dataset.Create(ctx, nil); err != nil && !alreadyExists(err) {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to create dataset %s: %w", datasetID, err)
	}

	schema, err := bigquery.InferSchema(ShardRecord{})
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to infer BigQuery schema: %w", err)
	}

	table := dataset.Table(tableID)
	err = table.Create(ctx, &bigquery.TableMetadata{
		Schema: schema,
		TimePartitioning: &bigquery.TimePartitioning{
			Field: "cycle_at",
		},
	})
	if err != nil && !alreadyExists(err) {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to create table %s: %w", tableID, err)
	}

	logger.Info().Str("Project", projectID).Str("Dataset", datasetID).Str("Table", tableID).Msg("BigQuery export ready")
	return client, NewExporter(table.Inserter(), fleet, logger), nil
}

func alreadyExists(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict
}

func (e *Exporter) ObserveCycle(ctx context.Context, cycle types.Cycle) error {
	if len(cycle.Snapshots) == 0 {
		return nil
	}

	records := make([]*ShardRecord, 0, len(cycle.Snapshots))
	for _, snap := range cycle.Snapshots {
		records = append(records, &ShardRecord{
			Fleet:         e.fleet,
			CycleAt:       cycle.At,
			CapturedAt:    snap.CapturedAt,
			ShardID:       int64(snap.ShardID),
			ClusterID:     int64(routing.ClusterFor(uint32(snap.ShardID), routing.ShardsPerCluster)),
			Servers:       snap.Servers,
			Users:         snap.Users,
			LatencyMs:     snap.LatencyMs,
			UptimeMs:      snap.UptimeMs,
			HeapUsedBytes: snap.HeapUsedBytes,
		})
	}

	if err := e.inserter.Put(ctx, records); err != nil {
		var multi bigquery.PutMultiError
		if errors.As(err, &multi) {
			e.logger.Warn().Int("FailedRows", len(multi)).Int("Rows", len(records)).Msg("Some analytics rows were rejected")
		}
		return fmt.Errorf("failed to insert analytics rows: %w", err)
	}
	return nil
}
