// Package testutil holds small helpers shared by tests across packages.
package testutil

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// Logger returns a debug-level logger that writes through t, so parser and
// client log output shows up under -v attributed to the right test.
func Logger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// Context returns a context that expires well before the test binary's own
// deadline, so a hung fetch fails one test instead of the whole run. The
// context is cancelled when the test finishes.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}
