// Package state keeps the authoritative table of worker instance state.
//
// Apply is the single mutation entry point for the status field: both the
// supervisor's own transitions and the health monitor's transition
// requests funnel through it, so the legality of every transition is
// checked in exactly one place. All reads return copies, a caller can
// never observe a transition mid-flight.
package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warden-dev/warden/internal/model"
)

// transitions is the state machine: for each status the set of statuses
// reachable from it. STOPPED -> CRASHED covers spawn failures where no
// process ever came up.
var transitions = map[model.Status][]model.Status{
	model.StatusStopped:   {model.StatusStarting, model.StatusCrashed},
	model.StatusStarting:  {model.StatusRunning, model.StatusCrashed, model.StatusStopping},
	model.StatusRunning:   {model.StatusUnhealthy, model.StatusCrashed, model.StatusStopping},
	model.StatusUnhealthy: {model.StatusRunning, model.StatusCrashed, model.StatusStopping},
	model.StatusStopping:  {model.StatusStopped},
	model.StatusCrashed:   {model.StatusStarting, model.StatusStopped},
}

func allowed(from, to model.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition describes one requested status change. PID is consulted only
// when To is STARTING, the store clears or keeps the pid for every other
// status on its own.
type Transition struct {
	To     model.Status
	Detail string
	PID    int
}

const subscriberBuffer = 32

type Store struct {
	mu        sync.RWMutex
	instances map[string]*model.Instance

	subMu sync.Mutex
	subs  map[chan model.Event]struct{}
}

func New() *Store {
	return &Store{
		instances: make(map[string]*model.Instance),
		subs:      make(map[chan model.Event]struct{}),
	}
}

// Register creates the instance for a worker config in STOPPED state.
func (s *Store) Register(cfg model.WorkerConfig, healthPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[cfg.Name]; ok {
		return fmt.Errorf("worker %q: %w", cfg.Name, model.ErrWorkerExists)
	}
	s.instances[cfg.Name] = &model.Instance{
		Config:     cfg,
		Status:     model.StatusStopped,
		HealthPath: healthPath,
	}
	s.publish(model.Event{
		ID:     uuid.NewString(),
		Name:   cfg.Name,
		To:     model.StatusStopped,
		Detail: "worker registered",
		At:     time.Now().UTC(),
	})
	return nil
}

// Remove deletes a worker instance. Only stopped workers may be removed.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[name]
	if !ok {
		return fmt.Errorf("worker %q: %w", name, model.ErrNotFound)
	}
	if inst.Status != model.StatusStopped {
		return fmt.Errorf("worker %q is %s: %w", name, inst.Status, model.ErrNotStopped)
	}
	delete(s.instances, name)
	s.publish(model.Event{
		ID:     uuid.NewString(),
		Name:   name,
		From:   model.StatusStopped,
		Detail: "worker removed",
		At:     time.Now().UTC(),
	})
	return nil
}

func (s *Store) Get(name string) (model.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[name]
	if !ok {
		return model.Instance{}, fmt.Errorf("worker %q: %w", name, model.ErrNotFound)
	}
	return *inst, nil
}

// List returns snapshots of all instances sorted by name.
func (s *Store) List() []model.Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Config.Name < out[j].Config.Name
	})
	return out
}

// Apply performs one status transition and publishes the resulting event.
// Illegal transitions fail with model.ErrInvalidTransition and mutate
// nothing.
func (s *Store) Apply(name string, t Transition) (model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[name]
	if !ok {
		return model.Event{}, fmt.Errorf("worker %q: %w", name, model.ErrNotFound)
	}
	if !t.To.Valid() {
		return model.Event{}, fmt.Errorf("worker %q: status %q: %w", name, t.To, model.ErrInvalidTransition)
	}
	from := inst.Status
	if !allowed(from, t.To) {
		return model.Event{}, fmt.Errorf("worker %q: %s -> %s: %w", name, from, t.To, model.ErrInvalidTransition)
	}

	now := time.Now().UTC()
	inst.Status = t.To
	inst.LastStatusChangeAt = now

	switch {
	case t.To == model.StatusStarting:
		inst.StartedAt = now
		inst.PID = t.PID
		if from == model.StatusCrashed {
			inst.RestartCount++
		}
	case !t.To.Live():
		inst.PID = 0
	}

	switch t.To {
	case model.StatusRunning:
		inst.LastError = ""
	case model.StatusCrashed, model.StatusUnhealthy:
		inst.LastError = t.Detail
	}

	ev := model.Event{
		ID:     uuid.NewString(),
		Name:   name,
		From:   from,
		To:     t.To,
		PID:    inst.PID,
		Detail: t.Detail,
		At:     now,
	}
	s.publish(ev)
	return ev, nil
}

// MarkProbed records that a health probe reached a verdict for a worker,
// regardless of the outcome.
func (s *Store) MarkProbed(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.instances[name]; ok {
		inst.LastHealthCheckAt = time.Now().UTC()
	}
}

// ResetRestarts clears the restart counter, an explicit operator action.
func (s *Store) ResetRestarts(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[name]
	if !ok {
		return fmt.Errorf("worker %q: %w", name, model.ErrNotFound)
	}
	inst.RestartCount = 0
	return nil
}

// Subscribe returns a channel of transition events. The subscription ends
// when ctx is cancelled, the channel is closed afterwards. A subscriber
// that does not keep up loses events rather than blocking the store.
func (s *Store) Subscribe(ctx context.Context) <-chan model.Event {
	ch := make(chan model.Event, subscriberBuffer)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subMu.Lock()
		delete(s.subs, ch)
		s.subMu.Unlock()
		close(ch)
	}()
	return ch
}

func (s *Store) publish(ev model.Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
