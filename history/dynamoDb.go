package history

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/rs/zerolog"

	"lena-shard-supervisor/types"
)

const (
	DefaultTable = "lena-fleet-history"

	retention = 8 * 24 * time.Hour

	// timestampLayout is the range key format. Fixed-width nanoseconds keep
	// cycles within the same second apart and sort lexicographically in time
	// order, which RFC3339Nano does not since it trims trailing zeros.
	timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

func New(ctx context.Context, client dynamodbiface.DynamoDBAPI, table, fleet string, logger *zerolog.Logger) (*History, error) {
	if table == "" {
		table = DefaultTable
	}

	// Check if the table exists and create if not
	if err := createTableIfNotExists(ctx, client, table, logger); err != nil {
		return nil, err
	}

	return &History{
		client: client,
		table:  table,
		fleet:  fleet,
		logger: logger,
	}, nil
}

// ObserveCycle archives the cycle's cluster summaries. Items expire after
// eight days through the table's TTL attribute.
func (h *History) ObserveCycle(ctx context.Context, cycle types.Cycle) error {
	item := Item{
		Fleet:          h.fleet,
		Timestamp:      cycle.At.UTC().Format(timestampLayout),
		ShardsReported: len(cycle.Snapshots),
		ShardsSkipped:  len(cycle.Skipped),
		Clusters:       cycle.Clusters,
		TTL:            cycle.At.Add(retention).Unix(),
	}
	for _, cluster := range cycle.Clusters {
		item.Servers += cluster.Servers
		item.CachedUsers += cluster.CachedUsers
	}

	av, err := dynamodbattribute.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("failed to marshal DynamoDB item: %w", err)
	}

	_, err = h.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(h.table),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("failed to put item into DynamoDB: %w", err)
	}
	return nil
}

// GetRange returns the archived cycles with start <= timestamp <= end,
// oldest first.
func (h *History) GetRange(ctx context.Context, start, end time.Time) ([]Item, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(h.table),
		KeyConditionExpression: aws.String("fleet = :fleet AND #ts BETWEEN :start AND :end"),
		ExpressionAttributeNames: map[string]*string{
			"#ts": aws.String("timestamp"),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":fleet": {S: aws.String(h.fleet)},
			":start": {S: aws.String(start.UTC().Format(timestampLayout))},
			":end":   {S: aws.String(end.UTC().Format(timestampLayout))},
		},
		ScanIndexForward: aws.Bool(true),
	}

	var (
		items     []Item
		decodeErr error
	)
	err := h.client.QueryPagesWithContext(ctx, input, func(page *dynamodb.QueryOutput, lastPage bool) bool {
		var pageItems []Item
		if decodeErr = dynamodbattribute.UnmarshalListOfMaps(page.Items, &pageItems); decodeErr != nil {
			return false
		}
		items = append(items, pageItems...)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query DynamoDB: %w", err)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to unmarshal DynamoDB items: %w", decodeErr)
	}
	return items, nil
}

func createTableIfNotExists(ctx context.Context, client dynamodbiface.DynamoDBAPI, table string, logger *zerolog.Logger) error {
	tableName := aws.String(table)

	var tableExists bool
	err := client.ListTablesPagesWithContext(ctx, &dynamodb.ListTablesInput{}, func(page *dynamodb.ListTablesOutput, lastPage bool) bool {
		for _, t := range page.TableNames {
			if aws.StringValue(t) == table {
				tableExists = true
				return false
			}
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("failed to list DynamoDB tables: %w", err)
	}
	if tableExists {
		return nil
	}

	logger.Info().Str("TableName", table).Msg("Creating DynamoDB table")

	_, err = client.CreateTableWithContext(ctx, &dynamodb.CreateTableInput{
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{
				AttributeName: aws.String("fleet"),
				AttributeType: aws.String("S"),
			},
			{
				AttributeName: aws.String("timestamp"),
				AttributeType: aws.String("S"),
			},
		},
		KeySchema: []*dynamodb.KeySchemaElement{
			{
				AttributeName: aws.String("fleet"),
				KeyType:       aws.String("HASH"),
			},
			{
				AttributeName: aws.String("timestamp"),
				KeyType:       aws.String("RANGE"),
			},
		},
		BillingMode: aws.String(dynamodb.BillingModePayPerRequest),
		TableName:   tableName,
	})
	if err != nil {
		return fmt.Errorf("failed to create DynamoDB table: %w", err)
	}

	logger.Info().Str("TableName", table).Msg("Waiting for the table to be created...")
	if err := client.WaitUntilTableExistsWithContext(ctx, &dynamodb.DescribeTableInput{TableName: tableName}); err != nil {
		return fmt.Errorf("failed to wait for table creation: %w", err)
	}

	_, err = client.UpdateTimeToLiveWithContext(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: tableName,
		TimeToLiveSpecification: &dynamodb.TimeToLiveSpecification{
			AttributeName: aws.String("ttl"),
			Enabled:       aws.Bool(true),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to enable TTL for the table: %w", err)
	}

	logger.Info().Str("TableName", table).Msg("Table created with TTL enabled")
	return nil
}
