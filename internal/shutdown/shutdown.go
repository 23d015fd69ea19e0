// Package shutdown funnels process termination signals into a single
// cleanup pass. Cleanup actions registered by live managers run exactly
// once, then the process exits with 128 plus the signal number.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

type cleanup struct {
	name string
	fn   func(context.Context)
}

// Coordinator owns the process-wide signal handlers. Create one per
// process, register cleanups, then Install.
type Coordinator struct {
	mu       sync.Mutex
	cleanups []cleanup

	once    sync.Once
	signals chan os.Signal
	exit    func(int)
}

// New creates a Coordinator that exits via os.Exit.
func New() *Coordinator {
	return NewWithExit(os.Exit)
}

// NewWithExit creates a Coordinator with an injected exit function, so
// tests can observe the exit code instead of dying.
func NewWithExit(exit func(int)) *Coordinator {
	return &Coordinator{exit: exit}
}

// Register adds a named cleanup action. Actions run in registration
// order during the single shutdown pass.
func (c *Coordinator) Register(name string, fn func(context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanups = append(c.cleanups, cleanup{name: name, fn: fn})
}

// Install starts handling SIGINT and SIGTERM. The first signal drives
// the cleanup pass and terminates the process.
func (c *Coordinator) Install() {
	c.signals = make(chan os.Signal, 1)
	signal.Notify(c.signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		if sig, ok := <-c.signals; ok {
			c.Trigger(sig)
		}
	}()
}

// Trigger runs the shutdown pass for the given signal. Only the first
// call has any effect; the handler is deregistered before cleanups run
// so a repeated signal cannot reenter teardown.
func (c *Coordinator) Trigger(sig os.Signal) {
	c.once.Do(func() {
		if c.signals != nil {
			signal.Stop(c.signals)
		}
		slog.Info("shutting down", "signal", sig)

		ctx := context.Background()
		c.mu.Lock()
		cleanups := make([]cleanup, len(c.cleanups))
		copy(cleanups, c.cleanups)
		c.mu.Unlock()

		for _, cl := range cleanups {
			slog.Debug("running cleanup", "name", cl.name)
			cl.fn(ctx)
		}

		c.exit(exitCode(sig))
	})
}

// exitCode maps a termination signal onto the conventional shell exit
// status of 128 plus the signal number.
func exitCode(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return 128 + int(s)
	}
	return 1
}
