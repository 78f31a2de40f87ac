package types

import "time"

type WorkerState string

const (
	WorkerSpawning  WorkerState = "spawning"
	WorkerReady     WorkerState = "ready"
	WorkerReporting WorkerState = "reporting"
	WorkerErroring  WorkerState = "erroring"
)

type ShardStatus struct {
	ShardID   int         `json:"shard_id"`
	Slot      int         `json:"slot"`
	Pid       int         `json:"pid"`
	State     WorkerState `json:"state"`
	Restarts  int         `json:"restarts"`
	LastError string      `json:"last_error,omitempty"`
	Since     time.Time   `json:"since"`
}
