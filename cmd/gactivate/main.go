package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gordian-engine/gactivate/cmd/gactivate/internal/gacmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := gacmd.NewRootCmd().ExecuteContext(ctx)
	cancel()
	if err != nil {
		// Cobra already printed the error.
		os.Exit(1)
	}
}
