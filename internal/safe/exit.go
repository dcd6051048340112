package safe

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// ExitCleanup collects files that could not be removed right away and must be
// deleted before the process exits. The owner of the process (usually main)
// calls Run on the way out, including on SIGINT/SIGTERM.
type ExitCleanup struct {
	logger zerolog.Logger

	mu    sync.Mutex
	paths []string
}

// NewExitCleanup creates an empty registry.
func NewExitCleanup(logger zerolog.Logger) *ExitCleanup {
	return &ExitCleanup{
		logger: logger.With().Str("component", "exit_cleanup").Logger(),
	}
}

// DeleteOnExit schedules path for removal when Run is called.
// Registering the same path twice is harmless.
func (c *ExitCleanup) DeleteOnExit(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range c.paths {
		if p == path {
			return
		}
	}
	c.paths = append(c.paths, path)
	c.logger.Debug().Str("path", path).Msg("Scheduled file for deletion at exit")
}

// Pending returns the paths still scheduled for deletion.
func (c *ExitCleanup) Pending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, len(c.paths))
	copy(out, c.paths)
	return out
}

// Run removes every scheduled file in reverse registration order and clears
// the registry. Files that are already gone are not an error. Failures are
// logged and returned joined; Run never stops early.
func (c *ExitCleanup) Run() error {
	c.mu.Lock()
	paths := c.paths
	c.paths = nil
	c.mu.Unlock()

	var errs []error
	for i := len(paths) - 1; i >= 0; i-- {
		if err := os.Remove(paths[i]); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn().Err(err).Str("path", paths[i]).Msg("Failed to delete file at exit")
			errs = append(errs, fmt.Errorf("remove %s: %w", paths[i], err))
		}
	}
	return errors.Join(errs...)
}

var defaultExitCleanup = NewExitCleanup(zerolog.Nop())

// DefaultExitCleanup returns the process-wide registry. Components that are
// not handed a registry schedule deletions here; main drains it with
// RunExitCleanup.
func DefaultExitCleanup() *ExitCleanup {
	return defaultExitCleanup
}

// RunExitCleanup runs the process-wide registry.
func RunExitCleanup() error {
	return defaultExitCleanup.Run()
}
