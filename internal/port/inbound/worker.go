// Package inbound defines the inbound port interfaces for the session core.
// Hosts (the CLI and the local web shell) drive these interfaces.
package inbound

import (
	"context"
)

// Worker is a long-running session component such as the heartbeat
// reporter or the cross-context synchronizer.
type Worker interface {
	// Start begins the worker's background activity.
	// Returns an error if the worker cannot start; does not block.
	Start(ctx context.Context) error

	// Close stops the worker and waits for its goroutines to exit.
	// Safe to call multiple times.
	Close() error
}
