package model

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the hub configuration, read from warden.yaml. Every knob the
// state machine depends on lives here so that none of the defaults from
// the documentation are hard-coded.
type Config struct {
	Verbose    bool             `mapstructure:"verbose" yaml:"verbose"`
	API        APIConfig        `mapstructure:"api" yaml:"api"`
	Health     HealthConfig     `mapstructure:"health" yaml:"health"`
	Supervisor SupervisorConfig `mapstructure:"supervisor" yaml:"supervisor"`
	Registry   RegistryConfig   `mapstructure:"registry" yaml:"registry"`
	Workers    []WorkerConfig   `mapstructure:"workers" yaml:"workers,omitempty"`
}

type APIConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

type HealthConfig struct {
	// Interval between probe sweeps. Schedule, when set, is a cron
	// expression overriding the fixed interval.
	Interval         time.Duration `mapstructure:"interval" yaml:"interval"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	Schedule         string        `mapstructure:"schedule" yaml:"schedule,omitempty"`
}

type SupervisorConfig struct {
	GracePeriod     time.Duration `mapstructure:"grace_period" yaml:"grace_period"`
	RestartLimit    int           `mapstructure:"restart_limit" yaml:"restart_limit"`
	RestartWindow   time.Duration `mapstructure:"restart_window" yaml:"restart_window"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type RegistryConfig struct {
	// Strict makes re-registering an existing worker type an error.
	// The default allows overwrite, which is treated as operator intent.
	Strict bool `mapstructure:"strict" yaml:"strict"`
}

// DefaultConfig returns the configuration used when no file is found.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Listen: ":7070",
		},
		Health: HealthConfig{
			Interval:         5 * time.Second,
			Timeout:          2 * time.Second,
			FailureThreshold: 3,
		},
		Supervisor: SupervisorConfig{
			GracePeriod:     10 * time.Second,
			RestartLimit:    5,
			RestartWindow:   10 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
	}
}

// LoadConfig reads path and decodes it on top of the defaults.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validating config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the hub-level settings. Worker entries are validated
// one by one at registration time so a bad entry never aborts startup.
func (c Config) Validate() error {
	if c.API.Listen == "" {
		return fmt.Errorf("api.listen must not be empty")
	}
	if c.Health.Interval <= 0 {
		return fmt.Errorf("health.interval must be positive, got %s", c.Health.Interval)
	}
	if c.Health.Timeout <= 0 {
		return fmt.Errorf("health.timeout must be positive, got %s", c.Health.Timeout)
	}
	if c.Health.FailureThreshold < 1 {
		return fmt.Errorf("health.failure_threshold must be at least 1, got %d", c.Health.FailureThreshold)
	}
	if c.Health.Schedule != "" {
		if err := ParseCron(c.Health.Schedule); err != nil {
			return fmt.Errorf("parsing health.schedule: %w", err)
		}
	}
	if c.Supervisor.GracePeriod <= 0 {
		return fmt.Errorf("supervisor.grace_period must be positive, got %s", c.Supervisor.GracePeriod)
	}
	if c.Supervisor.RestartLimit < 0 {
		return fmt.Errorf("supervisor.restart_limit must not be negative, got %d", c.Supervisor.RestartLimit)
	}
	if c.Supervisor.RestartWindow <= 0 {
		return fmt.Errorf("supervisor.restart_window must be positive, got %s", c.Supervisor.RestartWindow)
	}
	if c.Supervisor.ShutdownTimeout <= 0 {
		return fmt.Errorf("supervisor.shutdown_timeout must be positive, got %s", c.Supervisor.ShutdownTimeout)
	}
	return nil
}

// Write encodes the configuration as YAML, used to store the defaults on
// a first run.
func (c Config) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encoding configuration: %w", err)
	}
	return enc.Close()
}
