// Package cli holds helpers shared by the sentinel commands.
package cli

import (
	"os"
	"os/signal"
	"syscall"
)

// WaitForShutdown blocks until a shutdown signal is received.
func WaitForShutdown() <-chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	return sigChan
}

// NotifyReload returns a channel receiving SIGHUP, the conventional
// trigger for a configuration reload.
func NotifyReload() <-chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGHUP)
	return sigChan
}
