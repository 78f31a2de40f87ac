package types

import "time"

type Config struct {
	Mode             string        `json:"mode"`
	FleetName        string        `json:"fleet_name"`
	Token            string        `json:"-"`
	DatabaseURL      string        `json:"-"`
	TotalShards      uint          `json:"total_shards"`
	ShardsPerProcess uint          `json:"shards_per_process"`
	CollectInterval  time.Duration `json:"collect_interval"`
	RequestTimeout   time.Duration `json:"request_timeout"`
	RespawnDelay     time.Duration `json:"respawn_delay"`
	StaleAfter       time.Duration `json:"stale_after"`
	ServerPort       uint          `json:"server_port"`
	GatewayURL       string        `json:"gateway_url"`

	// Worker mode only.
	ShardFirst uint `json:"-"`
	ShardLast  uint `json:"-"`

	RedisAddr    string `json:"redis_addr"`
	RedisChannel string `json:"redis_channel"`

	AwsRegion           string `json:"aws_region"`
	HistoryTable        string `json:"history_table"`
	CloudWatchNamespace string `json:"cloudwatch_namespace"`

	BigQueryProject string `json:"bigquery_project"`
	BigQueryDataset string `json:"bigquery_dataset"`
	BigQueryTable   string `json:"bigquery_table"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
}
