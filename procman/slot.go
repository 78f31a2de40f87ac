package procman

import "fmt"

// Slot is one worker process position. It always hosts the same contiguous
// shard range; a respawned process takes over the same slot.
type Slot struct {
	Index       int
	ShardFirst  int
	ShardLast   int
	TotalShards int
}

func (s Slot) Shards() []int {
	shards := make([]int, 0, s.ShardLast-s.ShardFirst+1)
	for id := s.ShardFirst; id <= s.ShardLast; id++ {
		shards = append(shards, id)
	}
	return shards
}

func (s Slot) String() string {
	return fmt.Sprintf("slot %d (shards %d-%d of %d)", s.Index, s.ShardFirst, s.ShardLast, s.TotalShards)
}

// Partition splits [0, totalShards) into contiguous slots of at most
// shardsPerProcess shards each.
func Partition(totalShards, shardsPerProcess int) ([]Slot, error) {
	if totalShards <= 0 {
		return nil, fmt.Errorf("invalid total shard count %d", totalShards)
	}
	if shardsPerProcess <= 0 {
		shardsPerProcess = 1
	}

	slots := make([]Slot, 0, (totalShards+shardsPerProcess-1)/shardsPerProcess)
	for first := 0; first < totalShards; first += shardsPerProcess {
		last := min(first+shardsPerProcess, totalShards) - 1
		slots = append(slots, Slot{
			Index:       len(slots),
			ShardFirst:  first,
			ShardLast:   last,
			TotalShards: totalShards,
		})
	}
	return slots, nil
}
