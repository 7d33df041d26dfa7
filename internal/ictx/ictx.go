// Package ictx provides a context canceled on SIGINT/SIGTERM, for the
// long-running subscriber watch loop. Adapted from distri's top-level
// InterruptibleContext.
package ictx

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Interruptible returns a context canceled when the process receives
// SIGINT or SIGTERM.
func Interruptible() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		signal.Stop(sig)
		cancel()
	}()
	return ctx, cancel
}
