package procman

import (
	"bufio"
	"context"
	"io"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess is not a real test. It stands in for a worker binary when
// the test executable re-executes itself through ExecSpawner.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}
	os.Stdout.WriteString(strings.Join(args, " ") + "\n")

	if code := os.Getenv("HELPER_EXIT_CODE"); code != "" {
		n, _ := strconv.Atoi(code)
		os.Exit(n)
	}
	time.Sleep(time.Hour)
	os.Exit(0)
}

func helperSpawner(env ...string) *ExecSpawner {
	return &ExecSpawner{
		Executable: os.Args[0],
		ExtraArgs:  []string{"-test.run=^TestHelperProcess$", "--"},
		Env:        append([]string{"GO_WANT_HELPER_PROCESS=1"}, env...),
		Stderr:     io.Discard,
	}
}

func readLine(t *testing.T, proc Process) string {
	t.Helper()
	line, err := bufio.NewReader(proc.Stdout()).ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSuffix(line, "\n")
}

func TestExecSpawnerPassesSlotFlags(t *testing.T) {
	spawner := helperSpawner()
	proc, err := spawner.Spawn(context.Background(), Slot{Index: 1, ShardFirst: 2, ShardLast: 3, TotalShards: 8})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = proc.Kill()
		_ = proc.Wait()
	})

	assert.Positive(t, proc.Pid())
	assert.Equal(t, "--mode=worker --shardFirst=2 --shardLast=3 --totalShards=8", readLine(t, proc))
}

func TestWaitOrKillStopsChildOnCancel(t *testing.T) {
	spawner := helperSpawner()
	proc, err := spawner.Spawn(context.Background(), Slot{ShardFirst: 0, ShardLast: 0, TotalShards: 1})
	require.NoError(t, err)
	readLine(t, proc)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	exited := make(chan error, 1)
	go func() { exited <- waitOrKill(ctx, proc) }()

	select {
	case err := <-exited:
		require.Error(t, err)
		state := proc.(*execProcess).cmd.ProcessState
		require.NotNil(t, state)
		assert.False(t, state.Success())
	case <-time.After(5 * time.Second):
		t.Fatal("child was not killed after cancel")
	}
}

func TestRunRespawnsExitedChild(t *testing.T) {
	logger := zerolog.Nop()
	spawner := helperSpawner("HELPER_EXIT_CODE=3")

	starts := make(chan int, 8)
	exits := make(chan error, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Run(ctx, Spec{
			Slot:         Slot{Index: 0, ShardFirst: 0, ShardLast: 1, TotalShards: 2},
			Spawner:      spawner,
			Logger:       &logger,
			RespawnDelay: 10 * time.Millisecond,
			OnStart:      func(proc Process, restarts int) { starts <- restarts },
			OnExit:       func(err error) { exits <- err },
		})
	}()

	for want := 0; want < 2; want++ {
		select {
		case restarts := <-starts:
			assert.Equal(t, want, restarts)
		case <-time.After(5 * time.Second):
			t.Fatalf("start %d never happened", want)
		}
	}
	assert.ErrorContains(t, <-exits, "exit status 3")

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
