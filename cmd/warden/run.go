package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/warden-dev/warden/internal/api"
	"github.com/warden-dev/warden/internal/health"
	"github.com/warden-dev/warden/internal/log"
	"github.com/warden-dev/warden/internal/registry"
	"github.com/warden-dev/warden/internal/state"
	"github.com/warden-dev/warden/internal/supervisor"
)

func doRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("warden",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := registry.New(config.Registry.Strict)
	if err := reg.Register("exec", registry.Exec); err != nil {
		return err
	}
	self, err := os.Executable()
	if err != nil {
		slog.WarnContext(ctx, "cannot locate own binary, echo workers unavailable", "error", err)
	}
	if err := reg.Register("echo", registry.Echo(self)); err != nil {
		return err
	}

	store := state.New()
	sup := supervisor.New(config.Supervisor, store, reg)

	// Manifest entries are validated one by one: a bad entry is rejected
	// with its reason, the remaining workers still come up.
	for _, wc := range config.Workers {
		if err := sup.Add(ctx, wc); err != nil {
			slog.ErrorContext(ctx, "rejecting worker config", "worker", wc.Name, "error", err)
		}
	}
	for _, inst := range store.List() {
		if !inst.Config.Enabled {
			continue
		}
		if _, err := sup.Start(ctx, inst.Config.Name); err != nil {
			slog.ErrorContext(ctx, "starting worker", "worker", inst.Config.Name, "error", err)
		}
	}

	monitor := health.New(config.Health, store, sup)
	server := api.New(config.API.Listen, store, sup)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		return monitor.Run(gctx)
	})
	runErr := g.Wait()

	// The run context is gone, shut the workers down on a fresh one.
	slog.InfoContext(ctx, "shutting down, stopping all workers")
	stopErr := sup.StopAll(context.WithoutCancel(ctx))

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return errors.Join(runErr, stopErr)
	}
	return stopErr
}
