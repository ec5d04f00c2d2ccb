package registry

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/warden-dev/warden/internal/model"
)

// Metadata keys understood by the built-in exec factory.
const (
	MetaCommand    = "command"
	MetaArgs       = "args"
	MetaHealthPath = "health_path"

	defaultHealthPath = "/healthz"
)

// Exec is the generic worker factory: the command, its arguments and the
// health path come from the worker's metadata. All metadata is handed to
// the process environment, upper-cased, together with WARDEN_WORKER_NAME
// and WARDEN_PORT.
func Exec(cfg model.WorkerConfig) (LaunchSpec, error) {
	command := cfg.Metadata[MetaCommand]
	if command == "" {
		return LaunchSpec{}, fmt.Errorf("worker %q metadata has no %q key: %w",
			cfg.Name, MetaCommand, model.ErrInvalidConfig)
	}

	var args []string
	if raw := cfg.Metadata[MetaArgs]; raw != "" {
		args = strings.Fields(raw)
	}

	healthPath := cfg.Metadata[MetaHealthPath]
	if healthPath == "" {
		healthPath = defaultHealthPath
	}

	return LaunchSpec{
		Path:       command,
		Args:       args,
		Env:        workerEnv(cfg),
		HealthPath: healthPath,
	}, nil
}

// Echo builds a worker served by the warden binary itself: it spawns
// selfPath with the hidden _echo command listening on the configured
// port. Used for smoke tests and as a reference worker type.
func Echo(selfPath string) Factory {
	return func(cfg model.WorkerConfig) (LaunchSpec, error) {
		if selfPath == "" {
			return LaunchSpec{}, fmt.Errorf("echo worker %q: path to warden binary unknown", cfg.Name)
		}
		return LaunchSpec{
			Path:       selfPath,
			Args:       []string{"_echo", "--port", strconv.Itoa(cfg.Port)},
			Env:        workerEnv(cfg),
			HealthPath: defaultHealthPath,
		}, nil
	}
}

func workerEnv(cfg model.WorkerConfig) []string {
	env := make([]string, 0, len(cfg.Metadata)+2)
	for k, v := range cfg.Metadata {
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	env = append(env,
		"WARDEN_WORKER_NAME="+cfg.Name,
		"WARDEN_PORT="+strconv.Itoa(cfg.Port),
	)
	return env
}
