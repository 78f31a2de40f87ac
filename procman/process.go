package procman

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
)

// Process is a running worker with its message channel attached.
type Process interface {
	Pid() int
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Wait() error
	Kill() error
}

type Spawner interface {
	Spawn(ctx context.Context, slot Slot) (Process, error)
}

// ExecSpawner starts workers by re-executing a binary in worker mode. The
// child's stdin/stdout carry the message channel; stderr is passed through
// so worker logs land next to the supervisor's.
type ExecSpawner struct {
	Executable string
	ExtraArgs  []string
	Env        []string
	Stderr     io.Writer
}

// NewSelfSpawner re-executes the running binary.
func NewSelfSpawner(extraArgs ...string) (*ExecSpawner, error) {
	executable, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve own executable: %w", err)
	}
	return &ExecSpawner{Executable: executable, ExtraArgs: extraArgs, Stderr: os.Stderr}, nil
}

func (s *ExecSpawner) Spawn(ctx context.Context, slot Slot) (Process, error) {
	// Extra arguments go first so a wrapper can end its own flags with "--".
	args := append(append([]string{}, s.ExtraArgs...),
		"--mode=worker",
		"--shardFirst="+strconv.Itoa(slot.ShardFirst),
		"--shardLast="+strconv.Itoa(slot.ShardLast),
		"--totalShards="+strconv.Itoa(slot.TotalShards),
	)

	cmd := exec.CommandContext(ctx, s.Executable, args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stderr = s.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker for %s: %w", slot, err)
	}

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Wait() error           { return p.cmd.Wait() }
func (p *execProcess) Kill() error           { return p.cmd.Process.Kill() }
