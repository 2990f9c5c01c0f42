// Command relaizectl is the admin CLI for relaize deployments: schema
// migrations, mirroring Redis task records into a relational database,
// re-queueing tasks and inspecting the model catalog.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(newCLI(os.Stdout)).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
