package ipc

import "fmt"

// Metric names one scalar a worker can report for a shard.
type Metric string

const (
	MetricGuilds  Metric = "guilds"
	MetricMembers Metric = "members"
	MetricLatency Metric = "latency"
	MetricUptime  Metric = "uptime"
	MetricHeap    Metric = "heap"
)

// Metrics is the fixed set requested for every shard in every cycle.
var Metrics = []Metric{MetricGuilds, MetricMembers, MetricLatency, MetricUptime, MetricHeap}

func ParseMetric(name string) (Metric, error) {
	for _, m := range Metrics {
		if string(m) == name {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown metric %q", name)
}

type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindEvent    Kind = "event"
)

type EventType string

const (
	EventReady EventType = "ready"
	EventError EventType = "error"
)

// Envelope is the single frame type on the channel. Which fields are set
// depends on Kind.
type Envelope struct {
	Kind   Kind      `cbor:"kind"`
	ID     uint64    `cbor:"id,omitempty"`
	Shard  int       `cbor:"shard"`
	Metric Metric    `cbor:"metric,omitempty"`
	Value  int64     `cbor:"value,omitempty"`
	Error  string    `cbor:"error,omitempty"`
	Event  EventType `cbor:"event,omitempty"`
}

// Event is a lifecycle notification from a worker.
type Event struct {
	Type    EventType
	Shard   int
	Message string
}

// Request is a metric request as seen by the worker.
type Request struct {
	ID     uint64
	Shard  int
	Metric Metric
}
