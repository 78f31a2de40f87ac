package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lena-shard-supervisor/ipc"
	"lena-shard-supervisor/procman"
	"lena-shard-supervisor/types"
)

var ErrNoWorker = errors.New("no live worker for shard")

type Config struct {
	TotalShards      int
	ShardsPerProcess int
	RespawnDelay     time.Duration
}

// handle is the supervisor's view of one shard. Handles are only touched
// under Supervisor.mu; other packages see copies through Status.
type handle struct {
	shardID    int
	slot       int
	generation uint64
	conn       *ipc.Conn
	pid        int
	state      types.WorkerState
	restarts   int
	lastError  string
	since      time.Time
}

// Supervisor spawns one worker process per slot and keeps a registry from
// shard index to the worker currently hosting it.
type Supervisor struct {
	config  Config
	spawner procman.Spawner
	logger  *zerolog.Logger

	mu          sync.RWMutex
	handles     map[int]*handle
	generations map[int]uint64

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(config Config, spawner procman.Spawner, logger *zerolog.Logger) (*Supervisor, error) {
	if config.TotalShards <= 0 {
		return nil, fmt.Errorf("invalid total shard count %d", config.TotalShards)
	}
	if config.ShardsPerProcess <= 0 {
		config.ShardsPerProcess = 1
	}

	return &Supervisor{
		config:      config,
		spawner:     spawner,
		logger:      logger,
		handles:     make(map[int]*handle),
		generations: make(map[int]uint64),
	}, nil
}

func (s *Supervisor) TotalShards() int {
	return s.config.TotalShards
}

// Start spawns every slot and returns immediately; the slots are kept
// alive in the background until Stop or ctx cancellation.
func (s *Supervisor) Start(ctx context.Context) error {
	slots, err := procman.Partition(s.config.TotalShards, s.config.ShardsPerProcess)
	if err != nil {
		return err
	}

	ctx, s.cancel = context.WithCancel(ctx)

	now := time.Now()
	s.mu.Lock()
	for _, slot := range slots {
		for _, shardID := range slot.Shards() {
			s.handles[shardID] = &handle{shardID: shardID, slot: slot.Index, state: types.WorkerSpawning, since: now}
		}
	}
	s.mu.Unlock()

	s.logger.Info().
		Int("TotalShards", s.config.TotalShards).
		Int("Processes", len(slots)).
		Msg("Starting worker fleet")

	for _, slot := range slots {
		slot := slot
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			procman.Run(ctx, procman.Spec{
				Slot:         slot,
				Spawner:      s.spawner,
				Logger:       s.logger,
				RespawnDelay: s.config.RespawnDelay,
				OnStart: func(proc procman.Process, restarts int) {
					s.attach(slot, proc, restarts)
				},
				OnExit: func(err error) {
					s.detach(slot, err)
				},
			})
		}()
	}
	return nil
}

// Stop kills every worker and waits for the slot loops to finish.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info().Msg("Worker fleet stopped")
}

func (s *Supervisor) attach(slot procman.Slot, proc procman.Process, restarts int) {
	now := time.Now()

	// The generation is recorded before the channel starts reading so a
	// ready event racing with this function is not mistaken for a stale one.
	s.mu.Lock()
	s.generations[slot.Index]++
	generation := s.generations[slot.Index]
	for _, shardID := range slot.Shards() {
		h := s.handles[shardID]
		h.generation = generation
		h.pid = proc.Pid()
		h.restarts = restarts
		h.state = types.WorkerSpawning
		h.since = now
	}
	s.mu.Unlock()

	conn := ipc.NewConn(proc.Stdout(), proc.Stdin(), func(event ipc.Event) {
		s.handleEvent(slot.Index, generation, event)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, shardID := range slot.Shards() {
		if h := s.handles[shardID]; h.generation == generation {
			h.conn = conn
		}
	}
}

func (s *Supervisor) detach(slot procman.Slot, err error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, shardID := range slot.Shards() {
		h := s.handles[shardID]
		h.conn = nil
		h.pid = 0
		h.state = types.WorkerSpawning
		h.since = now
		if err != nil {
			h.lastError = err.Error()
		}
	}
}

func (s *Supervisor) handleEvent(slot int, generation uint64, event ipc.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[event.Shard]
	if !ok || h.slot != slot || h.generation != generation {
		// Late event from a process that has already been replaced.
		return
	}

	switch event.Type {
	case ipc.EventReady:
		s.logger.Info().Int("ShardID", event.Shard).Int("Pid", h.pid).Msg("Shard ready")
		h.state = types.WorkerReady
		h.since = time.Now()
	case ipc.EventError:
		s.logger.Error().Str("Error", event.Message).Int("ShardID", event.Shard).Int("Pid", h.pid).Msg("Shard reported an error")
		h.state = types.WorkerErroring
		h.lastError = event.Message
		h.since = time.Now()
	default:
		s.logger.Warn().Str("Event", string(event.Type)).Int("ShardID", event.Shard).Msg("Unknown worker event")
	}
}

// Shards returns the shards that currently have a live worker process.
func (s *Supervisor) Shards() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shards := make([]int, 0, len(s.handles))
	for id, h := range s.handles {
		if h.conn != nil {
			shards = append(shards, id)
		}
	}
	sort.Ints(shards)
	return shards
}

// RequestMetric asks the worker hosting shardID for one metric. The call
// is bounded by ctx; the outcome moves the shard between reporting and
// erroring.
func (s *Supervisor) RequestMetric(ctx context.Context, shardID int, metric ipc.Metric) (int64, error) {
	s.mu.RLock()
	h, ok := s.handles[shardID]
	var conn *ipc.Conn
	var generation uint64
	if ok {
		conn = h.conn
		generation = h.generation
	}
	s.mu.RUnlock()

	if conn == nil {
		return 0, fmt.Errorf("%w: %d", ErrNoWorker, shardID)
	}

	value, err := conn.Request(ctx, shardID, metric)
	s.recordOutcome(shardID, generation, err)
	return value, err
}

func (s *Supervisor) recordOutcome(shardID int, generation uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.handles[shardID]
	if h.generation != generation || h.conn == nil {
		return
	}

	next := types.WorkerReporting
	if err != nil {
		next = types.WorkerErroring
		h.lastError = err.Error()
	}
	if h.state != next {
		h.state = next
		h.since = time.Now()
	}
}

// Status returns a copy of every shard's bookkeeping, ordered by shard.
func (s *Supervisor) Status() []types.ShardStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := make([]types.ShardStatus, 0, len(s.handles))
	for _, h := range s.handles {
		statuses = append(statuses, types.ShardStatus{
			ShardID:   h.shardID,
			Slot:      h.slot,
			Pid:       h.pid,
			State:     h.state,
			Restarts:  h.restarts,
			LastError: h.lastError,
			Since:     h.since,
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ShardID < statuses[j].ShardID })
	return statuses
}
