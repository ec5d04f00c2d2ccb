// Package registry maps worker type names to factories producing launch
// specifications. It is the single extension point for new worker kinds:
// register a factory at startup, reference its type from a worker config.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/warden-dev/warden/internal/model"
)

// LaunchSpec tells the supervisor how to run one worker process and where
// its health surface lives.
type LaunchSpec struct {
	Path       string
	Args       []string
	Env        []string
	HealthPath string
}

// Factory builds a LaunchSpec from a worker configuration. A factory must
// not keep state, it may be called repeatedly for the same config.
type Factory func(cfg model.WorkerConfig) (LaunchSpec, error)

// Registry holds the type to factory mapping. Registration happens at
// startup, lookups afterwards are read-locked only.
//
// Re-registering an existing type overwrites the previous factory unless
// the registry was created strict, in which case it fails. The policy is
// fixed per registry instance.
type Registry struct {
	strict bool

	mu        sync.RWMutex
	factories map[string]Factory
}

func New(strict bool) *Registry {
	return &Registry{
		strict:    strict,
		factories: make(map[string]Factory),
	}
}

func (r *Registry) Register(workerType string, factory Factory) error {
	if workerType == "" {
		return fmt.Errorf("worker type must not be empty")
	}
	if factory == nil {
		return fmt.Errorf("factory for type %q is nil", workerType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[workerType]; ok && r.strict {
		return fmt.Errorf("type %q: %w", workerType, model.ErrWorkerExists)
	}
	r.factories[workerType] = factory
	return nil
}

func (r *Registry) Resolve(workerType string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[workerType]
	if !ok {
		return nil, fmt.Errorf("type %q: %w", workerType, model.ErrUnknownWorkerType)
	}
	return factory, nil
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
