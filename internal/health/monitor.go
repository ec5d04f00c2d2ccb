// Package health probes the HTTP health surface of every live worker and
// turns the results into transition requests towards the supervisor. The
// monitor never writes a status itself, the supervisor and the state
// machine stay the single authority over legal transitions.
package health

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/warden-dev/warden/internal/model"
	"github.com/warden-dev/warden/internal/state"
)

// Supervisor is the transition-request surface the monitor talks to.
type Supervisor interface {
	ReportHealthy(ctx context.Context, name string)
	ReportUnhealthy(ctx context.Context, name, reason string)
}

type Monitor struct {
	cfg    model.HealthConfig
	store  *state.Store
	sup    Supervisor
	client *http.Client

	mu    sync.Mutex
	fails map[string]int
}

func New(cfg model.HealthConfig, store *state.Store, sup Supervisor) *Monitor {
	return &Monitor{
		cfg:    cfg,
		store:  store,
		sup:    sup,
		client: &http.Client{},
		fails:  make(map[string]int),
	}
}

// Run probes on the configured interval until ctx is cancelled. When a
// cron schedule is configured it replaces the fixed interval.
func (m *Monitor) Run(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("initializing gocron scheduler: %w", err)
	}

	var def gocron.JobDefinition
	if m.cfg.Schedule != "" {
		def = gocron.CronJob(m.cfg.Schedule, false)
	} else {
		def = gocron.DurationJob(m.cfg.Interval)
	}
	_, err = scheduler.NewJob(def, gocron.NewTask(func() { m.Sweep(ctx) }))
	if err != nil {
		return fmt.Errorf("initializing gocron job: %w", err)
	}

	slog.DebugContext(ctx, "health monitor started",
		"interval", m.cfg.Interval.String(), "timeout", m.cfg.Timeout.String(),
		"threshold", m.cfg.FailureThreshold)
	scheduler.Start()
	<-ctx.Done()
	return scheduler.Shutdown()
}

// Sweep probes every live worker once. Probes run concurrently, a slow
// worker delays nothing but its own verdict; each probe is bounded by the
// per-probe timeout, which keeps the sweep itself bounded as well.
func (m *Monitor) Sweep(ctx context.Context) {
	instances := m.store.List()
	m.prune(instances)

	var wg sync.WaitGroup
	for _, inst := range instances {
		if !inst.Status.Probeable() {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.probe(ctx, inst)
		}()
	}
	wg.Wait()
}

func (m *Monitor) probe(ctx context.Context, inst model.Instance) {
	name := inst.Config.Name
	url := fmt.Sprintf("http://localhost:%d%s", inst.Config.Port, inst.HealthPath)

	err := m.check(ctx, url)
	m.store.MarkProbed(name)

	if err == nil {
		m.resetFails(name)
		m.sup.ReportHealthy(ctx, name)
		return
	}

	n := m.recordFail(name)
	slog.DebugContext(ctx, "health probe failed",
		"worker", name, "url", url, "consecutive", n, "error", err)
	if n >= m.cfg.FailureThreshold {
		m.sup.ReportUnhealthy(ctx, name, fmt.Sprintf("%d consecutive probe failures, last: %v", n, err))
	}
}

// check issues one GET against url. Anything but a 2xx response within
// the probe timeout is a failure.
func (m *Monitor) check(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func (m *Monitor) resetFails(name string) {
	m.mu.Lock()
	delete(m.fails, name)
	m.mu.Unlock()
}

func (m *Monitor) recordFail(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fails[name]++
	return m.fails[name]
}

// prune drops failure counters of workers that no longer exist.
func (m *Monitor) prune(instances []model.Instance) {
	known := make(map[string]struct{}, len(instances))
	for _, inst := range instances {
		known[inst.Config.Name] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for name := range m.fails {
		if _, ok := known[name]; !ok {
			delete(m.fails, name)
		}
	}
}
