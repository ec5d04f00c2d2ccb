package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/warden-dev/warden/internal/model"
	"github.com/warden-dev/warden/internal/registry"
	"github.com/warden-dev/warden/internal/state"
)

type Supervisor struct {
	cfg      model.SupervisorConfig
	store    *state.Store
	registry *registry.Registry

	mu      sync.RWMutex
	workers map[string]*worker
}

// worker pairs one config with its runner and the bookkeeping the
// supervisor needs: the in-flight operation guard, the crash window and
// the exit channel of the current process.
type worker struct {
	cfg    model.WorkerConfig
	runner *Runner

	inflight atomic.Bool

	mu      sync.Mutex
	crashes []time.Time
	exited  chan struct{}
}

func (w *worker) tryAcquire() bool { return w.inflight.CompareAndSwap(false, true) }
func (w *worker) release()         { w.inflight.Store(false) }

func (w *worker) setExited(ch chan struct{}) {
	w.mu.Lock()
	w.exited = ch
	w.mu.Unlock()
}

// exitedChan returns the exit signal of the current process run, or a
// closed channel when nothing was ever spawned.
func (w *worker) exitedChan() chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.exited == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return w.exited
}

// recordCrash prunes the rolling window and appends now, returning how
// many crashes the window currently holds.
func (w *worker) recordCrash(now time.Time, window time.Duration) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	kept := w.crashes[:0]
	for _, t := range w.crashes {
		if now.Sub(t) < window {
			kept = append(kept, t)
		}
	}
	w.crashes = append(kept, now)
	return len(w.crashes)
}

func (w *worker) clearCrashes() {
	w.mu.Lock()
	w.crashes = nil
	w.mu.Unlock()
}

func New(cfg model.SupervisorConfig, store *state.Store, reg *registry.Registry) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		store:    store,
		registry: reg,
		workers:  make(map[string]*worker),
	}
}

// Add registers a worker config: the type is resolved through the
// registry, the instance is created in STOPPED state. Add never starts a
// process.
func (s *Supervisor) Add(ctx context.Context, cfg model.WorkerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	factory, err := s.registry.Resolve(cfg.Type)
	if err != nil {
		return err
	}
	spec, err := factory(cfg)
	if err != nil {
		return fmt.Errorf("building launch spec for %q: %w", cfg.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Register(cfg, spec.HealthPath); err != nil {
		return err
	}
	s.workers[cfg.Name] = &worker{cfg: cfg, runner: NewRunner()}
	slog.InfoContext(ctx, "worker registered", "worker", cfg.Name, "type", cfg.Type, "port", cfg.Port)
	return nil
}

// Remove deletes a stopped worker from the hub.
func (s *Supervisor) Remove(ctx context.Context, name string) error {
	w, err := s.worker(name)
	if err != nil {
		return err
	}
	if !w.tryAcquire() {
		return fmt.Errorf("worker %q: %w", name, model.ErrOperationInProgress)
	}
	defer w.release()

	if err := s.store.Remove(name); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.workers, name)
	s.mu.Unlock()
	slog.InfoContext(ctx, "worker removed", "worker", name)
	return nil
}

func (s *Supervisor) worker(name string) (*worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[name]
	if !ok {
		return nil, fmt.Errorf("worker %q: %w", name, model.ErrNotFound)
	}
	return w, nil
}

// Start launches a worker. Starting a worker that is already live is
// idempotent and returns the current snapshot. An explicit start clears
// the crash window, unfreezing a worker that exhausted its restarts.
func (s *Supervisor) Start(ctx context.Context, name string) (model.Instance, error) {
	w, err := s.worker(name)
	if err != nil {
		return model.Instance{}, err
	}
	if !w.tryAcquire() {
		return model.Instance{}, fmt.Errorf("worker %q: %w", name, model.ErrOperationInProgress)
	}
	defer w.release()

	inst, err := s.store.Get(name)
	if err != nil {
		return model.Instance{}, err
	}
	switch inst.Status {
	case model.StatusStarting, model.StatusRunning, model.StatusUnhealthy:
		return inst, nil
	case model.StatusStopping:
		return inst, fmt.Errorf("worker %q is stopping: %w", name, model.ErrOperationInProgress)
	}

	w.clearCrashes()
	return s.spawn(ctx, w, "start requested")
}

// spawn runs the process and applies the STARTING transition. The caller
// must hold the worker's in-flight guard.
func (s *Supervisor) spawn(ctx context.Context, w *worker, detail string) (model.Instance, error) {
	name := w.cfg.Name
	factory, err := s.registry.Resolve(w.cfg.Type)
	if err != nil {
		return model.Instance{}, err
	}
	spec, err := factory(w.cfg)
	if err != nil {
		return model.Instance{}, fmt.Errorf("building launch spec for %q: %w", name, err)
	}

	stderrLog := func(ctx context.Context, line string) {
		slog.DebugContext(ctx, "worker stderr", "worker", name, "line", line)
	}
	cmd := Command{Path: spec.Path, Args: spec.Args, Env: spec.Env}
	pid, exitCh, err := w.runner.Start(ctx, cmd, stderrLog)
	if err != nil {
		// Spawn failure: no process ever came up. From STOPPED this is
		// the CRASHED transition; a failing automatic restart stays
		// CRASHED and only the window bookkeeping moves.
		if _, applyErr := s.store.Apply(name, state.Transition{
			To:     model.StatusCrashed,
			Detail: "spawn: " + err.Error(),
		}); applyErr != nil && !errors.Is(applyErr, model.ErrInvalidTransition) {
			slog.ErrorContext(ctx, "recording spawn failure", "worker", name, "error", applyErr)
		}
		slog.ErrorContext(ctx, "spawn failed", "worker", name, "path", spec.Path, "error", err)
		return model.Instance{}, fmt.Errorf("spawning worker %q: %w", name, err)
	}

	done := make(chan struct{})
	w.setExited(done)

	if _, err := s.store.Apply(name, state.Transition{
		To:     model.StatusStarting,
		Detail: detail,
		PID:    pid,
	}); err != nil {
		// The instance refused STARTING, do not leave the process behind.
		_ = w.runner.Kill()
		return model.Instance{}, err
	}
	slog.InfoContext(ctx, "worker starting", "worker", name, "pid", pid)

	go s.watch(ctx, w, exitCh, done)
	return s.store.Get(name)
}

// watch consumes the process exit and applies the terminal transition.
func (s *Supervisor) watch(ctx context.Context, w *worker, exitCh <-chan ExitStatus, done chan struct{}) {
	res := <-exitCh
	defer close(done)

	name := w.cfg.Name
	detail := exitDetail(res)

	inst, err := s.store.Get(name)
	if err != nil {
		return
	}
	if inst.Status == model.StatusStopping {
		if _, err := s.store.Apply(name, state.Transition{To: model.StatusStopped, Detail: detail}); err != nil {
			slog.ErrorContext(ctx, "recording stop", "worker", name, "error", err)
		}
		slog.InfoContext(ctx, "worker stopped", "worker", name, "detail", detail)
		return
	}

	if _, err := s.store.Apply(name, state.Transition{To: model.StatusCrashed, Detail: detail}); err != nil {
		slog.ErrorContext(ctx, "recording crash", "worker", name, "error", err)
		return
	}
	slog.WarnContext(ctx, "worker crashed", "worker", name, "detail", detail)
	s.maybeRestart(ctx, w)
}

// maybeRestart attempts the automatic restart after a crash, bounded by
// the rolling crash window.
func (s *Supervisor) maybeRestart(ctx context.Context, w *worker) {
	name := w.cfg.Name
	if s.cfg.RestartLimit == 0 {
		slog.InfoContext(ctx, "automatic restart disabled", "worker", name)
		return
	}

	n := w.recordCrash(time.Now(), s.cfg.RestartWindow)
	if n > s.cfg.RestartLimit {
		slog.WarnContext(ctx, "restart limit reached, worker frozen until explicit start",
			"worker", name, "crashes", n, "window", s.cfg.RestartWindow.String())
		return
	}

	if !w.tryAcquire() {
		// An operator stop or restart owns the worker right now; it
		// decides what happens next.
		slog.DebugContext(ctx, "skipping automatic restart, operation in flight", "worker", name)
		return
	}
	defer w.release()

	for {
		inst, err := s.store.Get(name)
		if err != nil || inst.Status != model.StatusCrashed {
			return
		}
		detail := "automatic restart " + strconv.Itoa(n) + "/" + strconv.Itoa(s.cfg.RestartLimit)
		if _, err := s.spawn(ctx, w, detail); err == nil {
			return
		}
		// A failed spawn attempt counts against the window like any
		// other crash, so a persistent environment error freezes the
		// worker instead of spinning.
		n = w.recordCrash(time.Now(), s.cfg.RestartWindow)
		if n > s.cfg.RestartLimit {
			slog.WarnContext(ctx, "restart limit reached, worker frozen until explicit start",
				"worker", name, "crashes", n, "window", s.cfg.RestartWindow.String())
			return
		}
	}
}

// Stop requests a graceful shutdown of a worker. It returns once the stop
// is accepted; the grace timer and the eventual SIGKILL run in the
// background. Stopping a stopped worker is idempotent. Stopping a crashed
// worker acknowledges the crash and settles it in STOPPED.
func (s *Supervisor) Stop(ctx context.Context, name string) (model.Instance, error) {
	w, err := s.worker(name)
	if err != nil {
		return model.Instance{}, err
	}
	if !w.tryAcquire() {
		return model.Instance{}, fmt.Errorf("worker %q: %w", name, model.ErrOperationInProgress)
	}
	defer w.release()

	inst, err := s.store.Get(name)
	if err != nil {
		return model.Instance{}, err
	}
	switch inst.Status {
	case model.StatusStopped, model.StatusStopping:
		return inst, nil
	case model.StatusCrashed:
		if _, err := s.store.Apply(name, state.Transition{To: model.StatusStopped, Detail: "stop requested"}); err != nil {
			return model.Instance{}, err
		}
		return s.store.Get(name)
	}

	return s.beginStop(ctx, w, "stop requested")
}

// beginStop applies STOPPING, signals the process and arms the grace
// timer. The caller must hold the worker's in-flight guard.
func (s *Supervisor) beginStop(ctx context.Context, w *worker, detail string) (model.Instance, error) {
	name := w.cfg.Name
	if _, err := s.store.Apply(name, state.Transition{To: model.StatusStopping, Detail: detail}); err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			// The process exited in the meantime and the watch goroutine
			// already settled the status.
			return s.store.Get(name)
		}
		return model.Instance{}, err
	}
	slog.InfoContext(ctx, "worker stopping", "worker", name, "grace", s.cfg.GracePeriod.String())

	if err := w.runner.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, ErrProcessStopped) {
		slog.WarnContext(ctx, "sending term signal", "worker", name, "error", err)
	}
	go s.escalate(ctx, w, w.exitedChan())
	return s.store.Get(name)
}

// escalate kills the process when it outlives the grace window.
func (s *Supervisor) escalate(ctx context.Context, w *worker, done chan struct{}) {
	timer := time.NewTimer(s.cfg.GracePeriod)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		slog.WarnContext(ctx, "grace window exceeded, killing worker",
			"worker", w.cfg.Name, "grace", s.cfg.GracePeriod.String())
		if err := w.runner.Kill(); err != nil {
			slog.ErrorContext(ctx, "killing worker", "worker", w.cfg.Name, "error", err)
		}
		<-done
	}
}

// Restart stops and then starts a worker as one accepted command. The
// in-flight guard is held for the whole sequence, concurrent operations
// on the same name fail fast until the new process is spawned.
func (s *Supervisor) Restart(ctx context.Context, name string) (model.Instance, error) {
	w, err := s.worker(name)
	if err != nil {
		return model.Instance{}, err
	}
	if !w.tryAcquire() {
		return model.Instance{}, fmt.Errorf("worker %q: %w", name, model.ErrOperationInProgress)
	}

	inst, err := s.store.Get(name)
	if err != nil {
		w.release()
		return model.Instance{}, err
	}

	switch inst.Status {
	case model.StatusStopped, model.StatusCrashed:
		defer w.release()
		w.clearCrashes()
		return s.spawn(ctx, w, "restart requested")
	case model.StatusStopping:
		w.release()
		return inst, fmt.Errorf("worker %q is stopping: %w", name, model.ErrOperationInProgress)
	}

	snapshot, err := s.beginStop(ctx, w, "restart requested")
	if err != nil {
		w.release()
		return model.Instance{}, err
	}

	done := w.exitedChan()
	go func() {
		defer w.release()
		<-done
		w.clearCrashes()
		if _, err := s.spawn(ctx, w, "restart"); err != nil {
			slog.ErrorContext(ctx, "restart failed", "worker", name, "error", err)
		}
	}()
	return snapshot, nil
}

// Reset clears the restart counter and the crash window.
func (s *Supervisor) Reset(ctx context.Context, name string) (model.Instance, error) {
	w, err := s.worker(name)
	if err != nil {
		return model.Instance{}, err
	}
	if err := s.store.ResetRestarts(name); err != nil {
		return model.Instance{}, err
	}
	w.clearCrashes()
	slog.InfoContext(ctx, "restart counter reset", "worker", name)
	return s.store.Get(name)
}

// ReportHealthy is the health monitor's transition request after a
// successful probe. The state machine decides whether it takes effect:
// STARTING and UNHEALTHY move to RUNNING, everything else is a no-op.
func (s *Supervisor) ReportHealthy(ctx context.Context, name string) {
	inst, err := s.store.Get(name)
	if err != nil {
		return
	}
	switch inst.Status {
	case model.StatusStarting, model.StatusUnhealthy:
	default:
		return
	}
	if _, err := s.store.Apply(name, state.Transition{
		To:     model.StatusRunning,
		Detail: "health probe succeeded",
	}); err != nil && !errors.Is(err, model.ErrInvalidTransition) {
		slog.DebugContext(ctx, "healthy transition rejected", "worker", name, "error", err)
	}
}

// ReportUnhealthy is the monitor's transition request after the failure
// threshold was crossed. Only a RUNNING worker moves to UNHEALTHY; a
// STARTING worker keeps waiting for its first success.
func (s *Supervisor) ReportUnhealthy(ctx context.Context, name, reason string) {
	inst, err := s.store.Get(name)
	if err != nil || inst.Status != model.StatusRunning {
		return
	}
	if _, err := s.store.Apply(name, state.Transition{
		To:     model.StatusUnhealthy,
		Detail: reason,
	}); err != nil && !errors.Is(err, model.ErrInvalidTransition) {
		slog.DebugContext(ctx, "unhealthy transition rejected", "worker", name, "error", err)
	}
}

// StopAll stops every non-terminal worker in parallel and waits until
// each reaches STOPPED or the shutdown timeout expires, whichever comes
// first. Workers past the deadline are killed.
func (s *Supervisor) StopAll(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.ShutdownTimeout)

	var g errgroup.Group
	for _, inst := range s.store.List() {
		g.Go(func() error {
			return s.stopAndWait(ctx, inst.Config.Name, deadline)
		})
	}
	return g.Wait()
}

func (s *Supervisor) stopAndWait(ctx context.Context, name string, deadline time.Time) error {
	for {
		_, err := s.Stop(ctx, name)
		if err == nil {
			break
		}
		if !errors.Is(err, model.ErrOperationInProgress) {
			if errors.Is(err, model.ErrNotFound) {
				return nil
			}
			return err
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		inst, err := s.store.Get(name)
		if err != nil {
			return nil
		}
		if inst.Status == model.StatusStopped {
			return nil
		}
		if time.Now().After(deadline) {
			w, werr := s.worker(name)
			if werr == nil {
				_ = w.runner.Kill()
			}
			return fmt.Errorf("worker %q did not stop before the shutdown deadline", name)
		}
		<-ticker.C
	}
}

func exitDetail(res ExitStatus) string {
	switch {
	case res.Err != nil && res.State == nil:
		return "exited: " + res.Err.Error()
	case res.State != nil && !res.State.Success():
		return "exit code " + strconv.Itoa(res.State.ExitCode())
	case res.State != nil:
		return "exited cleanly"
	default:
		return "exited"
	}
}
