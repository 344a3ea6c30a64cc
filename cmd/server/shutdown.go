package main

import (
	"context"
	"log/slog"
	"time"
)

type shutdownStep struct {
	name string
	run  func(context.Context) error
}

// runShutdown executes the steps in order under a single hard deadline. A
// step error is logged but does not block the following steps; a value on
// force aborts the sequence immediately. Reports whether every step finished
// before the deadline.
func runShutdown(logger *slog.Logger, deadline time.Duration, force <-chan struct{}, steps []shutdownStep) bool {
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	done := make(chan bool, 1)
	go func() {
		for _, step := range steps {
			if ctx.Err() != nil {
				done <- false
				return
			}
			started := time.Now()
			if err := step.run(ctx); err != nil {
				logger.Error("shutdown step failed", "step", step.name, "error", err)
			}
			logger.Info("shutdown step finished", "step", step.name, "duration", time.Since(started))
		}
		done <- true
	}()

	select {
	case ok := <-done:
		return ok
	case <-ctx.Done():
		logger.Error("shutdown deadline exceeded", "deadline", deadline)
		return false
	case <-force:
		logger.Warn("second signal received, aborting shutdown")
		return false
	}
}
