package history

import (
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/rs/zerolog"

	"lena-shard-supervisor/types"
)

// Item is one archived collection cycle.
type Item struct {
	Fleet          string                 `json:"fleet"`
	Timestamp      string                 `json:"timestamp"`
	Servers        int64                  `json:"servers"`
	CachedUsers    int64                  `json:"cached_users"`
	ShardsReported int                    `json:"shards_reported"`
	ShardsSkipped  int                    `json:"shards_skipped"`
	Clusters       []types.ClusterSummary `json:"clusters"`
	TTL            int64                  `json:"ttl"`
}

type History struct {
	client dynamodbiface.DynamoDBAPI
	table  string
	fleet  string
	logger *zerolog.Logger
}
