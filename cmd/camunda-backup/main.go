package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitia-ru/camunda-k8s-backup/pkg/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := config.NewLogger(os.Stderr)
	if err := newRootCmd(logger).ExecuteContext(ctx); err != nil {
		logger.WithError(err).Error("Command failed")
		return 1
	}
	return 0
}
