package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Run loads config, wires the coordinator, and serves until SIGINT or
// SIGTERM. It returns the fatal error (if any) instead of exiting so main
// stays a one-liner and defers run.
func Run() error {
	cfg := LoadConfig()
	log := NewLogger(cfg.LogLevel)

	a, err := New(cfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return a.Run(ctx)
}
