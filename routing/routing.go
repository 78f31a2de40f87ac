package routing

import "errors"

// ShardsPerCluster is the fixed number of shards reported together as one cluster.
const ShardsPerCluster uint32 = 4

// snowflakeTimestampShift drops the worker, process and increment bits of a
// snowflake so only the creation time feeds the modulo.
const snowflakeTimestampShift = 22

var ErrZeroShards = errors.New("total shard count must be at least 1")

// ShardFor maps a tenant to the shard that owns it. totalShards must be the
// value the running fleet was spawned with; a stale value yields a valid but
// wrong shard and cannot be detected here.
func ShardFor(tenantID uint64, totalShards uint32) (uint32, error) {
	if totalShards == 0 {
		return 0, ErrZeroShards
	}
	return uint32((tenantID >> snowflakeTimestampShift) % uint64(totalShards)), nil
}

// ClusterFor maps a shard to its reporting cluster.
func ClusterFor(shardID uint32, shardsPerCluster uint32) uint32 {
	if shardsPerCluster == 0 {
		shardsPerCluster = ShardsPerCluster
	}
	return shardID / shardsPerCluster
}

// Route resolves both indices for a tenant using the default cluster size.
func Route(tenantID uint64, totalShards uint32) (shardID uint32, clusterID uint32, err error) {
	shardID, err = ShardFor(tenantID, totalShards)
	if err != nil {
		return 0, 0, err
	}
	return shardID, ClusterFor(shardID, ShardsPerCluster), nil
}
