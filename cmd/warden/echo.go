package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warden-dev/warden/internal/log"
)

var flagEchoPort int

// doEcho implements the built-in echo worker type: a tiny HTTP service
// answering /healthz with 200 and echoing request bodies on /. The hub
// spawns it as `warden _echo --port N` and supervises it like any other
// worker.
func doEcho(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("warden",
		slog.String("cmd", "_echo"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	port := flagEchoPort
	if port == 0 {
		if v, ok := os.LookupEnv("WARDEN_PORT"); ok {
			var err error
			port, err = strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parsing WARDEN_PORT: %w", err)
			}
		}
	}
	if port == 0 {
		return errors.New("echo worker needs --port or WARDEN_PORT")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(w, r.Body)
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf("localhost:%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	slog.InfoContext(ctx, "echo worker listening", "addr", srv.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}
