package supervisor_test

import (
	"context"
	"os/exec"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warden-dev/warden/internal/supervisor"
)

func TestRunner(t *testing.T) {
	t.Parallel()
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skipf("skipped, binary sleep not available: %v", err)
	}

	runner := supervisor.NewRunner()
	cmd := supervisor.Command{
		Path: sleep,
		Args: []string{"60"},
	}
	ctx := t.Context()

	var exited <-chan supervisor.ExitStatus
	t.Run("start", func(t *testing.T) {
		var pid int
		pid, exited, err = runner.Start(ctx, cmd, nil)
		require.NoError(t, err)
		require.Greater(t, pid, 0)
		require.True(t, runner.Active())
	})
	t.Run("second start refused", func(t *testing.T) {
		_, _, err := runner.Start(ctx, cmd, nil)
		require.ErrorIs(t, err, supervisor.ErrProcessActive)
	})
	t.Run("kill and wait", func(t *testing.T) {
		require.NoError(t, runner.Kill())
		select {
		case res := <-exited:
			require.Error(t, res.Err)
			require.NotZero(t, res.Started)
			require.NotZero(t, res.Stopped)
			require.False(t, res.State.Success())
		case <-time.After(5 * time.Second):
			t.Fatal("process did not exit after kill")
		}
		require.False(t, runner.Active())
	})
	t.Run("signal after exit", func(t *testing.T) {
		require.ErrorIs(t, runner.Signal(syscall.SIGTERM), supervisor.ErrProcessStopped)
	})
	t.Run("kill after exit is no-op", func(t *testing.T) {
		require.NoError(t, runner.Kill())
	})
	t.Run("exec error", func(t *testing.T) {
		noCmd := supervisor.Command{Path: "/does/not/exist"}
		_, _, err := runner.Start(ctx, noCmd, nil)
		require.Error(t, err)
		require.False(t, runner.Active())
	})
}

func TestRunnerSignal(t *testing.T) {
	t.Parallel()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	runner := supervisor.NewRunner()
	cmd := supervisor.Command{
		Path: sh,
		Args: []string{"-c", "sleep 60"},
	}

	_, exited, err := runner.Start(t.Context(), cmd, nil)
	require.NoError(t, err)
	require.NoError(t, runner.Signal(syscall.SIGTERM))

	select {
	case res := <-exited:
		require.Error(t, res.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after SIGTERM")
	}
}

func TestRunnerStderr(t *testing.T) {
	t.Parallel()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	cmd := supervisor.Command{
		Path: sh,
		Args: []string{"-c", "echo 1>&2 boot; echo 1>&2 ready"},
	}

	var mx sync.Mutex
	var stderr []string
	handle := func(_ context.Context, line string) {
		mx.Lock()
		defer mx.Unlock()
		stderr = append(stderr, line)
	}

	runner := supervisor.NewRunner()
	_, exited, err := runner.Start(t.Context(), cmd, handle)
	require.NoError(t, err)

	res := <-exited
	require.NoError(t, res.Err)
	// the stderr scanner goroutine drains independently of Wait
	require.Eventually(t, func() bool {
		mx.Lock()
		defer mx.Unlock()
		return len(stderr) == 2
	}, 2*time.Second, 10*time.Millisecond)
	mx.Lock()
	defer mx.Unlock()
	require.Equal(t, []string{"boot", "ready"}, stderr)
}

func TestRunnerEnv(t *testing.T) {
	t.Parallel()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}

	cmd := supervisor.Command{
		Path: sh,
		Args: []string{"-c", `test "$WARDEN_PORT" = 9000 || exit 7`},
		Env:  []string{"WARDEN_PORT=9000"},
	}

	runner := supervisor.NewRunner()
	_, exited, err := runner.Start(t.Context(), cmd, nil)
	require.NoError(t, err)

	res := <-exited
	require.NoError(t, res.Err, "worker env must reach the process")
}
