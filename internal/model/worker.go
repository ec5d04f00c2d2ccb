package model

import (
	"fmt"
	"time"
)

const (
	// MinPort is the lowest worker port accepted by validation, the
	// range below is reserved for privileged services.
	MinPort = 1024
	MaxPort = 65535
)

// WorkerConfig describes one supervised worker. It is immutable once
// registered, changing a worker means removing and re-adding it.
type WorkerConfig struct {
	Name     string            `mapstructure:"name" json:"name" yaml:"name"`
	Type     string            `mapstructure:"type" json:"type" yaml:"type"`
	Port     int               `mapstructure:"port" json:"port" yaml:"port"`
	Enabled  bool              `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Metadata map[string]string `mapstructure:"metadata" json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

func (c WorkerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("worker name must not be empty: %w", ErrInvalidConfig)
	}
	if c.Type == "" {
		return fmt.Errorf("worker %q has no type: %w", c.Name, ErrInvalidConfig)
	}
	if c.Port < MinPort || c.Port > MaxPort {
		return fmt.Errorf("worker %q port %d out of range [%d, %d]: %w",
			c.Name, c.Port, MinPort, MaxPort, ErrInvalidConfig)
	}
	return nil
}

// Instance is a point-in-time snapshot of a worker's runtime state as kept
// by the state store. Readers always get a copy, never shared memory.
type Instance struct {
	Config             WorkerConfig `json:"config"`
	Status             Status       `json:"status"`
	PID                int          `json:"pid,omitempty"`
	HealthPath         string       `json:"health_path"`
	StartedAt          time.Time    `json:"started_at,omitzero"`
	LastHealthCheckAt  time.Time    `json:"last_health_check_at,omitzero"`
	LastStatusChangeAt time.Time    `json:"last_status_change_at,omitzero"`
	RestartCount       int          `json:"restart_count"`
	LastError          string       `json:"last_error,omitempty"`
}

// Event is one status transition, published to stream subscribers.
type Event struct {
	ID     string    `json:"id"`
	Name   string    `json:"name"`
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	PID    int       `json:"pid,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}
