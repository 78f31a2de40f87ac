package procman

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultRespawnDelay    = 5 * time.Second
	defaultMaxRespawnDelay = 2 * time.Minute
	defaultStableAfter     = time.Minute
)

// Spec describes how one slot is kept alive.
type Spec struct {
	Slot    Slot
	Spawner Spawner
	Logger  *zerolog.Logger

	// RespawnDelay is the wait before the first respawn. It doubles, up to
	// MaxRespawnDelay, while processes keep exiting within StableAfter.
	RespawnDelay    time.Duration
	MaxRespawnDelay time.Duration
	StableAfter     time.Duration

	// OnStart runs after a process was spawned, before Run waits on it.
	OnStart func(proc Process, restarts int)
	// OnExit runs once the process has exited, with its wait error.
	OnExit func(err error)
}

// Run keeps the slot's process alive until ctx is cancelled. It never
// returns early on process failure: a crash, a non-zero exit or a failed
// spawn all lead to another attempt after the backoff delay.
func Run(ctx context.Context, spec Spec) {
	delay := spec.RespawnDelay
	if delay <= 0 {
		delay = DefaultRespawnDelay
	}
	maxDelay := spec.MaxRespawnDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxRespawnDelay
	}
	stableAfter := spec.StableAfter
	if stableAfter <= 0 {
		stableAfter = defaultStableAfter
	}

	backoff := delay
	restarts := 0
	for {
		if ctx.Err() != nil {
			return
		}

		started := time.Now()
		proc, err := spec.Spawner.Spawn(ctx, spec.Slot)
		if err != nil {
			spec.Logger.Error().Err(err).Int("Slot", spec.Slot.Index).Msg("Failed to spawn worker")
			if spec.OnExit != nil {
				spec.OnExit(err)
			}
		} else {
			spec.Logger.Info().
				Int("Slot", spec.Slot.Index).
				Int("Pid", proc.Pid()).
				Int("ShardFirst", spec.Slot.ShardFirst).
				Int("ShardLast", spec.Slot.ShardLast).
				Int("Restarts", restarts).
				Msg("Worker spawned")
			if spec.OnStart != nil {
				spec.OnStart(proc, restarts)
			}

			waitErr := waitOrKill(ctx, proc)
			if spec.OnExit != nil {
				spec.OnExit(waitErr)
			}
			if ctx.Err() != nil {
				return
			}
			spec.Logger.Warn().Err(waitErr).Int("Slot", spec.Slot.Index).Int("Pid", proc.Pid()).Msg("Worker exited unexpectedly")
		}

		if time.Since(started) >= stableAfter {
			backoff = delay
		}

		spec.Logger.Info().Int("Slot", spec.Slot.Index).Dur("Delay", backoff).Msg("Respawning worker")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		restarts++
		backoff = min(backoff*2, maxDelay)
	}
}

func waitOrKill(ctx context.Context, proc Process) error {
	exited := make(chan error, 1)
	go func() { exited <- proc.Wait() }()

	select {
	case err := <-exited:
		return err
	case <-ctx.Done():
		_ = proc.Stdin().Close()
		_ = proc.Kill()
		return <-exited
	}
}
