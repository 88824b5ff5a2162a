// Package sync drains the local mutation queue against the remote store.
package sync

import (
	"context"
	"time"
)

// SyncEngineInterface defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// Start returns interrupted work to the queue. Call it once before the
	// first Drain.
	Start(ctx context.Context) error

	// Drain performs one or more passes over the queue.
	// Returns ErrSyncInProgress when a drain is already running; that drain
	// then runs one more pass before it returns.
	Drain(ctx context.Context) (*DrainResult, error)

	// SetEventHandler sets the event handler for sync notifications.
	SetEventHandler(handler SyncEventHandler)

	// Status returns the current sync status.
	Status() SyncStatus

	// Draining reports whether a drain is running.
	Draining() bool

	// LastSync returns the end time of the last pass that left no failed or
	// conflicted mutations.
	LastSync() *time.Time

	// LastError returns the last error that aborted a pass.
	LastError() error

	// NextAttemptAt returns the earliest scheduled retry, if any.
	NextAttemptAt(ctx context.Context) (time.Time, bool)
}

var _ SyncEngineInterface = (*SyncEngine)(nil)
