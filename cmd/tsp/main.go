// Command tsp runs the transport stream processing core (spec.md §1):
// parse the command line into a plugin chain, build a Supervisor, and
// run it until the pipeline terminates.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gotsp/tsp/internal/supervisor"
	"github.com/gotsp/tsp/internal/termination"
	"github.com/gotsp/tsp/internal/tsconfig"
)

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	opts, err := tsconfig.ParseArgs(os.Args[1:])
	if err != nil {
		slog.Error("failed to parse arguments", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	sup := supervisor.New(opts, slog.Default())

	reason, runErr := sup.Run(ctx)
	slog.Info("pipeline terminated", "reason", reason)
	if runErr != nil {
		slog.Error("pipeline error", "error", runErr)
	}
	if reason == termination.Aborted || runErr != nil {
		os.Exit(1)
	}
}
