package worker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Gateway is the boundary to the real-time chat client library. The worker
// only reads per-shard state through it and never speaks the protocol
// itself. This module ships no protocol client: whatever library holds the
// shard sessions must feed the implementation, otherwise every connected
// shard reports only zeros.
type Gateway interface {
	Connect(ctx context.Context, shardID, totalShards int) error
	GuildCount(shardID int) (int64, error)
	MemberCount(shardID int) (int64, error)
	Latency(shardID int) (time.Duration, error)
}

type shardState struct {
	connected bool
	guilds    int64
	members   int64
	latency   time.Duration
}

// StateGateway keeps per-shard connection state in memory. Connect only marks
// a shard as connected; the counters stay at zero until the external client's
// event handlers call SetGuilds (guild create/delete, member chunks) and
// SetLatency (heartbeat acks). Disconnect must be called when the client
// drops a session so reads fail instead of returning stale values.
type StateGateway struct {
	mu     sync.RWMutex
	shards map[int]*shardState
}

func NewStateGateway() *StateGateway {
	return &StateGateway{shards: make(map[int]*shardState)}
}

func (g *StateGateway) Connect(ctx context.Context, shardID, totalShards int) error {
	if shardID < 0 || shardID >= totalShards {
		return fmt.Errorf("shard %d outside [0, %d)", shardID, totalShards)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.shards[shardID]; !ok {
		g.shards[shardID] = &shardState{}
	}
	g.shards[shardID].connected = true
	return nil
}

// SetGuilds replaces the guild and member totals of a shard.
func (g *StateGateway) SetGuilds(shardID int, guilds, members int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.state(shardID)
	s.guilds = guilds
	s.members = members
}

func (g *StateGateway) SetLatency(shardID int, latency time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state(shardID).latency = latency
}

func (g *StateGateway) Disconnect(shardID int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state(shardID).connected = false
}

func (g *StateGateway) GuildCount(shardID int) (int64, error) {
	s, err := g.connected(shardID)
	if err != nil {
		return 0, err
	}
	return s.guilds, nil
}

func (g *StateGateway) MemberCount(shardID int) (int64, error) {
	s, err := g.connected(shardID)
	if err != nil {
		return 0, err
	}
	return s.members, nil
}

func (g *StateGateway) Latency(shardID int) (time.Duration, error) {
	s, err := g.connected(shardID)
	if err != nil {
		return 0, err
	}
	return s.latency, nil
}

// state must be called with g.mu held for writing.
func (g *StateGateway) state(shardID int) *shardState {
	s, ok := g.shards[shardID]
	if !ok {
		s = &shardState{}
		g.shards[shardID] = s
	}
	return s
}

func (g *StateGateway) connected(shardID int) (shardState, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.shards[shardID]
	if !ok || !s.connected {
		return shardState{}, fmt.Errorf("shard %d is not connected", shardID)
	}
	return *s, nil
}
