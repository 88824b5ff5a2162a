package db

import (
	"context"

	"github.com/coachcoreai/coachcore/backend/internal/models"
)

// MutationRepository defines persistence for the mutation queue.
type MutationRepository interface {
	// InsertMutation assigns the next sequence number and persists m.
	InsertMutation(ctx context.Context, m *models.QueuedMutation, limit int) error

	// GetMutation retrieves a mutation by ID.
	GetMutation(ctx context.Context, id string) (*models.QueuedMutation, error)

	// ListMutations returns mutations matching the filter in enqueue order.
	ListMutations(ctx context.Context, f MutationFilter) ([]*models.QueuedMutation, error)

	// UpdateMutation writes the mutable fields of a mutation.
	UpdateMutation(ctx context.Context, m *models.QueuedMutation) error

	// DeleteMutation removes a mutation; unknown ids are ignored.
	DeleteMutation(ctx context.Context, id string) error

	// DeleteMutations removes mutations by status, or all of them.
	DeleteMutations(ctx context.Context, statuses ...models.MutationStatus) (int64, error)

	// CompleteMutation dequeues a synced mutation and records its effects.
	CompleteMutation(ctx context.Context, m *models.QueuedMutation, version int64, doc *models.Document, change *models.ChangeLog) error
	// DiscardMutation dequeues a mutation superseded by the remote document.
	DiscardMutation(ctx context.Context, m *models.QueuedMutation, doc *models.Document) error

	// ResetInFlight moves in_flight mutations back to pending.
	ResetInFlight(ctx context.Context, now int64) (int64, error)

	// PromoteDue moves due transient failures back to pending.
	PromoteDue(ctx context.Context, now int64) (int64, error)

	// QueueStats aggregates the queue.
	QueueStats(ctx context.Context) (*models.QueueStats, error)
}

// DocumentRepository defines operations on the local document cache.
type DocumentRepository interface {
	UpsertDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, collection, id string) (*models.Document, error)
	ListDocuments(ctx context.Context, collection string) ([]*models.Document, error)
}

// ConflictRepository defines persistence for conflict records.
type ConflictRepository interface {
	InsertConflict(ctx context.Context, c *models.ConflictRecord) error
	GetConflict(ctx context.Context, id string) (*models.ConflictRecord, error)
	ListConflicts(ctx context.Context, unresolvedOnly bool) ([]*models.ConflictRecord, error)

	// MarkConflictResolved fails with ErrAlreadyResolved when the record
	// was resolved before.
	MarkConflictResolved(ctx context.Context, c *models.ConflictRecord) error

	DeleteConflict(ctx context.Context, id string) error
}

// ChangeLogRepository defines operations for change log persistence.
type ChangeLogRepository interface {
	// CreateChangeLog creates a new change log entry.
	CreateChangeLog(ctx context.Context, log *models.ChangeLog) error

	// ListChangeLogs returns recent entries, newest first.
	ListChangeLogs(ctx context.Context, limit int) ([]*models.ChangeLog, error)
}

// ConflictLogRepository defines operations for conflict log persistence.
type ConflictLogRepository interface {
	// CreateConflictLog creates a new conflict log entry.
	CreateConflictLog(ctx context.Context, log *models.ConflictLog) error

	// ListConflictLogs returns recent entries, newest first.
	ListConflictLogs(ctx context.Context, limit int) ([]*models.ConflictLog, error)
}

// SyncRepository combines repositories needed for sync operations.
type SyncRepository interface {
	MutationRepository
	DocumentRepository
	ConflictRepository
	ChangeLogRepository
	ConflictLogRepository
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ MutationRepository    = (*Repository)(nil)
	_ DocumentRepository    = (*Repository)(nil)
	_ ConflictRepository    = (*Repository)(nil)
	_ ChangeLogRepository   = (*Repository)(nil)
	_ ConflictLogRepository = (*Repository)(nil)
	_ SyncRepository        = (*Repository)(nil)
)
