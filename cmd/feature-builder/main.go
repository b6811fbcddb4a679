package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/keiba-yosoku/feature-builder/cmd/feature-builder/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	commands.ExecuteContext(ctx)
}
