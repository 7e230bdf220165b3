package signalhandler

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"nftguard/logging"
)

// SetupHandler returns a context that is cancelled on SIGINT or SIGTERM so
// in-flight work can stop cleanly. A second signal exits immediately.
func SetupHandler(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	// Create a channel to receive OS signals
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		// Restoring default handling lets a second signal terminate the process
		defer signal.Stop(sigChan)

		select {
		case sig := <-sigChan:
			logging.LogWarning("Received %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// GetOptimalProcs returns the optimal number of worker goroutines for the system
func GetOptimalProcs() int {
	// Get the number of CPUs available
	numCPU := runtime.NumCPU()

	// For image processing with CGo, using too many goroutines can cause issues
	maxProcs := (numCPU * 3) / 4
	if maxProcs < 1 {
		maxProcs = 1
	}

	return maxProcs
}
