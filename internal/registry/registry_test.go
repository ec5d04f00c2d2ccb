package registry_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/warden-dev/warden/internal/model"
	"github.com/warden-dev/warden/internal/registry"
)

func nopFactory(spec registry.LaunchSpec) registry.Factory {
	return func(cfg model.WorkerConfig) (registry.LaunchSpec, error) {
		return spec, nil
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	reg := registry.New(false)

	err := reg.Register("alpha", nopFactory(registry.LaunchSpec{Path: "alpha"}))
	require.NoError(t, err)

	t.Run("resolve", func(t *testing.T) {
		factory, err := reg.Resolve("alpha")
		require.NoError(t, err)
		spec, err := factory(model.WorkerConfig{})
		require.NoError(t, err)
		require.Equal(t, "alpha", spec.Path)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := reg.Resolve("beta")
		require.ErrorIs(t, err, model.ErrUnknownWorkerType)
	})

	t.Run("overwrite allowed by default", func(t *testing.T) {
		err := reg.Register("alpha", nopFactory(registry.LaunchSpec{Path: "alpha2"}))
		require.NoError(t, err)
		factory, err := reg.Resolve("alpha")
		require.NoError(t, err)
		spec, err := factory(model.WorkerConfig{})
		require.NoError(t, err)
		require.Equal(t, "alpha2", spec.Path)
	})

	t.Run("empty type rejected", func(t *testing.T) {
		require.Error(t, reg.Register("", nopFactory(registry.LaunchSpec{})))
	})

	t.Run("nil factory rejected", func(t *testing.T) {
		require.Error(t, reg.Register("gamma", nil))
	})

	t.Run("types sorted", func(t *testing.T) {
		require.NoError(t, reg.Register("zeta", nopFactory(registry.LaunchSpec{})))
		require.Equal(t, []string{"alpha", "zeta"}, reg.Types())
	})
}

func TestRegistryStrict(t *testing.T) {
	t.Parallel()
	reg := registry.New(true)
	require.NoError(t, reg.Register("alpha", nopFactory(registry.LaunchSpec{})))
	err := reg.Register("alpha", nopFactory(registry.LaunchSpec{}))
	require.ErrorIs(t, err, model.ErrWorkerExists)
}

func TestExecFactory(t *testing.T) {
	t.Parallel()
	cfg := model.WorkerConfig{
		Name: "batch",
		Type: "exec",
		Port: 9100,
		Metadata: map[string]string{
			"command":     "/usr/bin/env",
			"args":        "sleep 60",
			"health_path": "/status",
			"mode":        "fast",
		},
	}

	spec, err := registry.Exec(cfg)
	require.NoError(t, err)
	require.Equal(t, "/usr/bin/env", spec.Path)
	require.Equal(t, []string{"sleep", "60"}, spec.Args)
	require.Equal(t, "/status", spec.HealthPath)
	require.Contains(t, spec.Env, "MODE=fast")
	require.Contains(t, spec.Env, "WARDEN_WORKER_NAME=batch")
	require.Contains(t, spec.Env, "WARDEN_PORT=9100")

	t.Run("missing command", func(t *testing.T) {
		_, err := registry.Exec(model.WorkerConfig{Name: "x", Type: "exec", Port: 9000})
		require.ErrorIs(t, err, model.ErrInvalidConfig)
	})

	t.Run("default health path", func(t *testing.T) {
		spec, err := registry.Exec(model.WorkerConfig{
			Name: "y", Type: "exec", Port: 9000,
			Metadata: map[string]string{"command": "true"},
		})
		require.NoError(t, err)
		require.Equal(t, "/healthz", spec.HealthPath)
	})
}

func TestEchoFactory(t *testing.T) {
	t.Parallel()
	factory := registry.Echo("/usr/local/bin/warden")
	spec, err := factory(model.WorkerConfig{Name: "echo-svc", Type: "echo", Port: 9001})
	require.NoError(t, err)
	require.Equal(t, "/usr/local/bin/warden", spec.Path)
	require.Equal(t, []string{"_echo", "--port", "9001"}, spec.Args)
	require.Equal(t, "/healthz", spec.HealthPath)

	t.Run("unknown self path", func(t *testing.T) {
		_, err := registry.Echo("")(model.WorkerConfig{Name: "echo-svc", Type: "echo", Port: 9001})
		require.Error(t, err)
	})
}
