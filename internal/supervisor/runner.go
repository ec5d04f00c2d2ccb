package supervisor

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var (
	ErrProcessActive  = errors.New("process already active")
	ErrProcessStopped = errors.New("no active process")
)

// StderrFunc receives the worker's stderr line by line.
type StderrFunc func(ctx context.Context, line string)

// Command is the resolved launch prototype for one worker process.
type Command struct {
	Path string
	Args []string
	Env  []string
}

// ExitStatus describes one finished process run.
type ExitStatus struct {
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Err     error
}

// Runner owns at most one child process at a time. It spawns, signals and
// kills; it never decides lifecycle policy, that is the supervisor's job.
type Runner struct {
	mx  sync.Mutex
	cmd *exec.Cmd
}

func NewRunner() *Runner {
	return &Runner{}
}

// Start spawns the process and returns its pid together with a channel
// delivering the single ExitStatus once the process ends. It fails with
// ErrProcessActive when a previous run has not finished yet.
// The worker's environment is the hub's environment plus proto.Env.
func (r *Runner) Start(ctx context.Context, proto Command, stderrFunc StderrFunc) (int, <-chan ExitStatus, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return 0, nil, ErrProcessActive
	}

	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Env = append(os.Environ(), proto.Env...)

	var stderr io.ReadCloser
	if stderrFunc != nil {
		var err error
		stderr, err = cmd.StderrPipe()
		if err != nil {
			return 0, nil, err
		}
	}

	started := time.Now().UTC()
	if err := cmd.Start(); err != nil {
		return 0, nil, err
	}
	r.cmd = cmd

	if stderr != nil {
		go r.processStderr(ctx, stderr, stderrFunc)
	}

	exited := make(chan ExitStatus, 1)
	go r.wait(cmd, started, exited)
	return cmd.Process.Pid, exited, nil
}

func (r *Runner) processStderr(ctx context.Context, stderr io.Reader, stderrFunc StderrFunc) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		stderrFunc(ctx, scanner.Text())
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) {
		slog.ErrorContext(ctx, "processing stderr", "error", err)
	}
}

func (r *Runner) wait(cmd *exec.Cmd, started time.Time, exited chan<- ExitStatus) {
	err := cmd.Wait()
	stopped := time.Now().UTC()

	r.mx.Lock()
	r.cmd = nil
	r.mx.Unlock()

	exited <- ExitStatus{
		Started: started,
		Stopped: stopped,
		State:   cmd.ProcessState,
		Err:     err,
	}
	close(exited)
}

// Signal delivers sig to the active process.
func (r *Runner) Signal(sig os.Signal) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd == nil || r.cmd.Process == nil {
		return ErrProcessStopped
	}
	return r.cmd.Process.Signal(sig)
}

// Kill terminates the active process without warning. Killing an already
// finished process is not an error.
func (r *Runner) Kill() error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd == nil || r.cmd.Process == nil {
		return nil
	}
	return r.cmd.Process.Kill()
}

// Active reports whether a process run is in flight.
func (r *Runner) Active() bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.cmd != nil
}
