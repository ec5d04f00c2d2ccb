package state_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warden-dev/warden/internal/model"
	"github.com/warden-dev/warden/internal/state"
)

func testConfig(name string) model.WorkerConfig {
	return model.WorkerConfig{Name: name, Type: "exec", Port: 9000}
}

func TestStoreRegister(t *testing.T) {
	t.Parallel()
	store := state.New()

	require.NoError(t, store.Register(testConfig("api"), "/healthz"))

	inst, err := store.Get("api")
	require.NoError(t, err)
	require.Equal(t, model.StatusStopped, inst.Status)
	require.Equal(t, "/healthz", inst.HealthPath)
	require.Zero(t, inst.PID)

	t.Run("duplicate name", func(t *testing.T) {
		err := store.Register(testConfig("api"), "/healthz")
		require.ErrorIs(t, err, model.ErrWorkerExists)
	})

	t.Run("unknown worker", func(t *testing.T) {
		_, err := store.Get("nope")
		require.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestStoreRemove(t *testing.T) {
	t.Parallel()
	store := state.New()
	require.NoError(t, store.Register(testConfig("api"), "/healthz"))

	t.Run("running worker refused", func(t *testing.T) {
		_, err := store.Apply("api", state.Transition{To: model.StatusStarting, PID: 42})
		require.NoError(t, err)
		require.ErrorIs(t, store.Remove("api"), model.ErrNotStopped)
	})

	t.Run("stopped worker removed", func(t *testing.T) {
		_, err := store.Apply("api", state.Transition{To: model.StatusStopping})
		require.NoError(t, err)
		_, err = store.Apply("api", state.Transition{To: model.StatusStopped})
		require.NoError(t, err)

		require.NoError(t, store.Remove("api"))
		_, err = store.Get("api")
		require.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("unknown worker", func(t *testing.T) {
		require.ErrorIs(t, store.Remove("api"), model.ErrNotFound)
	})
}

func TestStoreList(t *testing.T) {
	t.Parallel()
	store := state.New()
	for _, name := range []string{"charlie", "alpha", "bravo"} {
		require.NoError(t, store.Register(testConfig(name), "/healthz"))
	}

	list := store.List()
	require.Len(t, list, 3)
	require.Equal(t, "alpha", list[0].Config.Name)
	require.Equal(t, "bravo", list[1].Config.Name)
	require.Equal(t, "charlie", list[2].Config.Name)
}

func TestStoreApply(t *testing.T) {
	t.Parallel()
	store := state.New()
	require.NoError(t, store.Register(testConfig("api"), "/healthz"))

	ev, err := store.Apply("api", state.Transition{To: model.StatusStarting, PID: 42})
	require.NoError(t, err)
	require.Equal(t, model.StatusStopped, ev.From)
	require.Equal(t, model.StatusStarting, ev.To)
	require.Equal(t, 42, ev.PID)
	require.NotEmpty(t, ev.ID)

	inst, err := store.Get("api")
	require.NoError(t, err)
	require.Equal(t, 42, inst.PID)
	require.False(t, inst.StartedAt.IsZero())

	t.Run("illegal transition mutates nothing", func(t *testing.T) {
		_, err := store.Apply("api", state.Transition{To: model.StatusStopped})
		require.ErrorIs(t, err, model.ErrInvalidTransition)

		inst, err := store.Get("api")
		require.NoError(t, err)
		require.Equal(t, model.StatusStarting, inst.Status)
		require.Equal(t, 42, inst.PID)
	})

	t.Run("invalid status rejected", func(t *testing.T) {
		_, err := store.Apply("api", state.Transition{To: model.Status("BROKEN")})
		require.ErrorIs(t, err, model.ErrInvalidTransition)
	})

	t.Run("unknown worker", func(t *testing.T) {
		_, err := store.Apply("nope", state.Transition{To: model.StatusStarting})
		require.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestStorePIDLifecycle(t *testing.T) {
	t.Parallel()
	store := state.New()
	require.NoError(t, store.Register(testConfig("api"), "/healthz"))

	apply := func(tr state.Transition) model.Instance {
		t.Helper()
		_, err := store.Apply("api", tr)
		require.NoError(t, err)
		inst, err := store.Get("api")
		require.NoError(t, err)
		return inst
	}

	inst := apply(state.Transition{To: model.StatusStarting, PID: 42})
	require.Equal(t, 42, inst.PID)

	inst = apply(state.Transition{To: model.StatusRunning})
	require.Equal(t, 42, inst.PID)

	inst = apply(state.Transition{To: model.StatusUnhealthy, Detail: "3 consecutive probe failures"})
	require.Equal(t, 42, inst.PID)
	require.NotEmpty(t, inst.LastError)

	inst = apply(state.Transition{To: model.StatusRunning})
	require.Empty(t, inst.LastError, "recovery clears the last error")

	inst = apply(state.Transition{To: model.StatusCrashed, Detail: "exit status 1"})
	require.Zero(t, inst.PID, "crash clears the pid")
	require.Equal(t, "exit status 1", inst.LastError)
}

func TestStoreRestartCount(t *testing.T) {
	t.Parallel()
	store := state.New()
	require.NoError(t, store.Register(testConfig("api"), "/healthz"))

	crashOnce := func(pid int) {
		t.Helper()
		_, err := store.Apply("api", state.Transition{To: model.StatusStarting, PID: pid})
		require.NoError(t, err)
		_, err = store.Apply("api", state.Transition{To: model.StatusCrashed, Detail: "exit status 1"})
		require.NoError(t, err)
	}

	crashOnce(41)
	inst, err := store.Get("api")
	require.NoError(t, err)
	require.Zero(t, inst.RestartCount, "first start is not a restart")

	crashOnce(42)
	crashOnce(43)
	inst, err = store.Get("api")
	require.NoError(t, err)
	require.Equal(t, 2, inst.RestartCount)

	require.NoError(t, store.ResetRestarts("api"))
	inst, err = store.Get("api")
	require.NoError(t, err)
	require.Zero(t, inst.RestartCount)

	require.ErrorIs(t, store.ResetRestarts("nope"), model.ErrNotFound)
}

func TestStoreMarkProbed(t *testing.T) {
	t.Parallel()
	store := state.New()
	require.NoError(t, store.Register(testConfig("api"), "/healthz"))

	inst, err := store.Get("api")
	require.NoError(t, err)
	require.True(t, inst.LastHealthCheckAt.IsZero())

	store.MarkProbed("api")
	inst, err = store.Get("api")
	require.NoError(t, err)
	require.False(t, inst.LastHealthCheckAt.IsZero())

	store.MarkProbed("nope") // must not panic
}

func TestStoreSubscribe(t *testing.T) {
	t.Parallel()
	store := state.New()
	events := store.Subscribe(t.Context())

	require.NoError(t, store.Register(testConfig("api"), "/healthz"))
	_, err := store.Apply("api", state.Transition{To: model.StatusStarting, PID: 42})
	require.NoError(t, err)

	next := func() model.Event {
		t.Helper()
		select {
		case ev := <-events:
			return ev
		case <-time.After(time.Second):
			t.Fatal("no event received")
			return model.Event{}
		}
	}

	ev := next()
	require.Equal(t, "api", ev.Name)
	require.Equal(t, model.StatusStopped, ev.To)

	ev = next()
	require.Equal(t, model.StatusStarting, ev.To)
	require.Equal(t, 42, ev.PID)
}

func TestStoreSubscribeCancel(t *testing.T) {
	t.Parallel()
	store := state.New()
	ctx, cancel := context.WithCancel(t.Context())
	events := store.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-events:
		require.False(t, ok, "channel must be closed after cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
