package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"wasp/internal/utils/id"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = id.WithCorrelationID(ctx, "waspctl-"+id.NewIdempotencyKey())

	root := NewRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
