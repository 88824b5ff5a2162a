package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"

	apperrors "github.com/coachcoreai/coachcore/backend/internal/errors"
	"github.com/coachcoreai/coachcore/backend/internal/models"
)

// Repository provides persistence for the sync core models.
type Repository struct {
	db *sql.DB

	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// If another goroutine stored one first, use it and close ours.
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// inTx runs fn in a transaction and commits when fn returns nil.
func (r *Repository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit transaction", err)
	}
	return nil
}

// storageErr wraps err as ErrStorage unless it already carries a code.
func storageErr(op string, err error) error {
	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) {
		return err
	}
	return apperrors.Wrap(apperrors.ErrStorage, op, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// =====================================================
// Mutation Queue Operations
// =====================================================

const mutationColumns = `id, seq, collection, entity_id, operation, payload, base_version, field_times,
	priority, user_id, team_id, description, conflict_strategy, status, attempts, max_attempts,
	last_error, error_kind, next_attempt_at, enqueued_at, updated_at`

// MutationFilter narrows ListMutations. Zero fields match everything.
type MutationFilter struct {
	Statuses   []models.MutationStatus
	Collection string
	EntityID   string
	UserID     string
	Priority   models.Priority
	Limit      int
}

func scanMutation(row rowScanner) (*models.QueuedMutation, error) {
	var (
		m          models.QueuedMutation
		payload    []byte
		base       sql.NullInt64
		fieldTimes sql.NullString
	)
	err := row.Scan(
		&m.ID, &m.Seq, &m.Collection, &m.EntityID, &m.Operation, &payload, &base, &fieldTimes,
		&m.Priority, &m.UserID, &m.TeamID, &m.Description, &m.ConflictStrategy, &m.Status,
		&m.Attempts, &m.MaxAttempts, &m.LastError, &m.ErrorKind, &m.NextAttemptAt,
		&m.EnqueuedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := decodeBlob(payload, &m.Payload); err != nil {
		return nil, err
	}
	if m.FieldTimes, err = decodeTimes(fieldTimes); err != nil {
		return nil, err
	}
	m.BaseVersion = int64Ptr(base)
	return &m, nil
}

// InsertMutation assigns the next sequence number to m and persists it.
// When limit is positive and the queue already holds limit mutations the
// insert fails with ErrStorage.
func (r *Repository) InsertMutation(ctx context.Context, m *models.QueuedMutation, limit int) error {
	payload, err := encodeBlob(m.Payload)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "encode payload", err)
	}
	fieldTimes, err := encodeTimes(m.FieldTimes)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "encode field times", err)
	}

	return r.inTx(ctx, func(tx *sql.Tx) error {
		var count int
		var maxSeq int64
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*), COALESCE(MAX(seq), 0) FROM mutation_queue").Scan(&count, &maxSeq); err != nil {
			return storageErr("read queue size", err)
		}
		if limit > 0 && count >= limit {
			return apperrors.Newf(apperrors.ErrStorage, "queue full: %d mutations pending", count)
		}
		m.Seq = maxSeq + 1

		query := `INSERT INTO mutation_queue (` + mutationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		_, err := tx.ExecContext(ctx, query,
			m.ID, m.Seq, m.Collection, m.EntityID, m.Operation, payload, nullInt64(m.BaseVersion), fieldTimes,
			m.Priority, m.UserID, m.TeamID, m.Description, m.ConflictStrategy, m.Status,
			m.Attempts, m.MaxAttempts, m.LastError, m.ErrorKind, m.NextAttemptAt,
			m.EnqueuedAt, m.UpdatedAt,
		)
		if err != nil {
			return storageErr("insert mutation", err)
		}
		return nil
	})
}

// GetMutation retrieves a mutation by ID.
func (r *Repository) GetMutation(ctx context.Context, id string) (*models.QueuedMutation, error) {
	stmt, err := r.PrepareStmt(ctx, "SELECT "+mutationColumns+" FROM mutation_queue WHERE id = ?")
	if err != nil {
		return nil, storageErr("prepare get mutation", err)
	}
	m, err := scanMutation(stmt.QueryRowContext(ctx, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "mutation %s not found", id)
	}
	if err != nil {
		return nil, storageErr("get mutation", err)
	}
	return m, nil
}

// ListMutations returns mutations matching f in enqueue order.
func (r *Repository) ListMutations(ctx context.Context, f MutationFilter) ([]*models.QueuedMutation, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, s)
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.Collection != "" {
		where = append(where, "collection = ?")
		args = append(args, f.Collection)
	}
	if f.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Priority != "" {
		where = append(where, "priority = ?")
		args = append(args, f.Priority)
	}

	query := "SELECT " + mutationColumns + " FROM mutation_queue"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list mutations", err)
	}
	defer rows.Close()

	var out []*models.QueuedMutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, storageErr("scan mutation", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list mutations", err)
	}
	return out, nil
}

// UpdateMutation writes the mutable fields of m. Identity fields (id, seq,
// collection, entity, operation, enqueued_at) never change.
func (r *Repository) UpdateMutation(ctx context.Context, m *models.QueuedMutation) error {
	payload, err := encodeBlob(m.Payload)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "encode payload", err)
	}
	fieldTimes, err := encodeTimes(m.FieldTimes)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "encode field times", err)
	}

	query := `
	UPDATE mutation_queue SET operation = ?, payload = ?, base_version = ?, field_times = ?, conflict_strategy = ?,
		status = ?, attempts = ?, max_attempts = ?, last_error = ?, error_kind = ?,
		next_attempt_at = ?, updated_at = ?
	WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query,
		m.Operation, payload, nullInt64(m.BaseVersion), fieldTimes, m.ConflictStrategy,
		m.Status, m.Attempts, m.MaxAttempts, m.LastError, m.ErrorKind,
		m.NextAttemptAt, m.UpdatedAt, m.ID)
	if err != nil {
		return storageErr("update mutation", err)
	}
	return requireRow(res, "mutation", string(m.ID))
}

// DeleteMutation removes a mutation. Removing an unknown id is not an error.
func (r *Repository) DeleteMutation(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM mutation_queue WHERE id = ?", id); err != nil {
		return storageErr("delete mutation", err)
	}
	return nil
}

// DeleteMutations removes every mutation in one of statuses, or all
// mutations when statuses is empty. It returns the number removed.
func (r *Repository) DeleteMutations(ctx context.Context, statuses ...models.MutationStatus) (int64, error) {
	query := "DELETE FROM mutation_queue"
	var args []any
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, s := range statuses {
			marks[i] = "?"
			args = append(args, s)
		}
		query += " WHERE status IN (" + strings.Join(marks, ", ") + ")"
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, storageErr("clear mutations", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CompleteMutation records a successful remote write in one transaction:
// the mutation is removed, the next mutation queued for the same entity is
// rebased onto version, and doc and change are stored when non-nil.
func (r *Repository) CompleteMutation(ctx context.Context, m *models.QueuedMutation, version int64, doc *models.Document, change *models.ChangeLog) error {
	return r.finishMutation(ctx, m, &version, doc, change)
}

// DiscardMutation removes a mutation whose change was dropped in favour of
// doc. Later mutations for the entity keep their base version, so they
// conflict with the remote state instead of overwriting it.
func (r *Repository) DiscardMutation(ctx context.Context, m *models.QueuedMutation, doc *models.Document) error {
	return r.finishMutation(ctx, m, nil, doc, nil)
}

func (r *Repository) finishMutation(ctx context.Context, m *models.QueuedMutation, rebase *int64, doc *models.Document, change *models.ChangeLog) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM mutation_queue WHERE id = ?", m.ID); err != nil {
			return storageErr("dequeue mutation", err)
		}
		if rebase != nil {
			if err := rebaseSuccessor(ctx, tx, m, *rebase); err != nil {
				return err
			}
		}

		if doc != nil {
			if err := upsertDocument(ctx, tx, doc); err != nil {
				return err
			}
		}
		if change != nil {
			if err := insertChangeLog(ctx, tx, change); err != nil {
				return err
			}
		}
		return nil
	})
}

// rebaseSuccessor moves the next mutation for m's entity onto version when it
// was queued against the same base as m. A successor of a create carries
// base 0 until the create is written.
func rebaseSuccessor(ctx context.Context, tx *sql.Tx, m *models.QueuedMutation, version int64) error {
	var (
		nextID   string
		nextBase sql.NullInt64
	)
	err := tx.QueryRowContext(ctx, `
		SELECT id, base_version FROM mutation_queue
		WHERE collection = ? AND entity_id = ? AND seq > ?
		ORDER BY seq LIMIT 1`, m.Collection, m.EntityID, m.Seq).Scan(&nextID, &nextBase)
	switch {
	case stderrors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return storageErr("find successor", err)
	}

	var base int64
	if m.BaseVersion != nil {
		base = *m.BaseVersion
	}
	if !nextBase.Valid || nextBase.Int64 > base {
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE mutation_queue SET base_version = ? WHERE id = ?", version, nextID); err != nil {
		return storageErr("rebase successor", err)
	}
	return nil
}

// ResetInFlight moves every in_flight mutation back to pending.
func (r *Repository) ResetInFlight(ctx context.Context, now int64) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"UPDATE mutation_queue SET status = ?, updated_at = ? WHERE status = ?",
		models.StatusPending, now, models.StatusInFlight)
	if err != nil {
		return 0, storageErr("reset in-flight mutations", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PromoteDue moves transient failures whose retry time has passed back to pending.
func (r *Repository) PromoteDue(ctx context.Context, now int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE mutation_queue SET status = ?, updated_at = ?
		WHERE status = ? AND error_kind = ? AND next_attempt_at <= ?`,
		models.StatusPending, now, models.StatusFailed, models.ErrorKindTransient, now)
	if err != nil {
		return 0, storageErr("promote due mutations", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// QueueStats aggregates the queue by status.
func (r *Repository) QueueStats(ctx context.Context) (*models.QueueStats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, error_kind, COUNT(*), MIN(enqueued_at), MAX(enqueued_at), MIN(next_attempt_at)
		FROM mutation_queue GROUP BY status, error_kind`)
	if err != nil {
		return nil, storageErr("queue stats", err)
	}
	defer rows.Close()

	stats := &models.QueueStats{}
	for rows.Next() {
		var (
			status           models.MutationStatus
			kind             models.ErrorKind
			count            int
			oldest, newest   int64
			nextAttemptAtMin int64
		)
		if err := rows.Scan(&status, &kind, &count, &oldest, &newest, &nextAttemptAtMin); err != nil {
			return nil, storageErr("scan queue stats", err)
		}
		stats.Total += count
		if newest > stats.NewestAt {
			stats.NewestAt = newest
		}
		switch status {
		case models.StatusPending:
			stats.Pending += count
			if stats.OldestPendingAt == 0 || oldest < stats.OldestPendingAt {
				stats.OldestPendingAt = oldest
			}
		case models.StatusInFlight:
			stats.InFlight += count
		case models.StatusSynced:
			stats.Synced += count
		case models.StatusConflicted:
			stats.Conflicted += count
		case models.StatusFailed:
			stats.Failed += count
			if kind == models.ErrorKindPermanent {
				stats.PermanentFailed += count
			} else if stats.NextAttemptAt == 0 || nextAttemptAtMin < stats.NextAttemptAt {
				stats.NextAttemptAt = nextAttemptAtMin
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("queue stats", err)
	}
	return stats, nil
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("rows affected", err)
	}
	if n == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "%s %s not found", kind, id)
	}
	return nil
}

// =====================================================
// Document Cache Operations
// =====================================================

const documentColumns = "collection, id, version, data, field_times, updated_at, deleted"

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertDocument(ctx context.Context, ex execer, doc *models.Document) error {
	data, err := encodeBlob(doc.Data)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "encode document", err)
	}
	fieldTimes, err := encodeTimes(doc.FieldTimes)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "encode document field times", err)
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			version = excluded.version, data = excluded.data, field_times = excluded.field_times,
			updated_at = excluded.updated_at, deleted = excluded.deleted`,
		doc.Collection, doc.ID, doc.Version, data, fieldTimes, doc.UpdatedAt, doc.Deleted)
	if err != nil {
		return storageErr("upsert document", err)
	}
	return nil
}

// UpsertDocument stores doc in the local document cache.
func (r *Repository) UpsertDocument(ctx context.Context, doc *models.Document) error {
	return upsertDocument(ctx, r.db, doc)
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var (
		d          models.Document
		data       []byte
		fieldTimes sql.NullString
	)
	if err := row.Scan(&d.Collection, &d.ID, &d.Version, &data, &fieldTimes, &d.UpdatedAt, &d.Deleted); err != nil {
		return nil, err
	}
	if err := decodeBlob(data, &d.Data); err != nil {
		return nil, err
	}
	var err error
	if d.FieldTimes, err = decodeTimes(fieldTimes); err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDocument retrieves a cached document.
func (r *Repository) GetDocument(ctx context.Context, collection, id string) (*models.Document, error) {
	stmt, err := r.PrepareStmt(ctx, "SELECT "+documentColumns+" FROM documents WHERE collection = ? AND id = ?")
	if err != nil {
		return nil, storageErr("prepare get document", err)
	}
	d, err := scanDocument(stmt.QueryRowContext(ctx, collection, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "document %s/%s not found", collection, id)
	}
	if err != nil {
		return nil, storageErr("get document", err)
	}
	return d, nil
}

// ListDocuments returns the cached documents of a collection ordered by id.
func (r *Repository) ListDocuments(ctx context.Context, collection string) ([]*models.Document, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE collection = ? ORDER BY id", collection)
	if err != nil {
		return nil, storageErr("list documents", err)
	}
	defer rows.Close()

	var out []*models.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, storageErr("scan document", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list documents", err)
	}
	return out, nil
}

// =====================================================
// Conflict Record Operations
// =====================================================

const conflictColumns = `id, mutation_id, collection, entity_id, mutation, remote_snapshot, strategy,
	detected_at, resolved_at, resolved_payload, resolved_by, acknowledged`

// InsertConflict persists a new conflict record.
func (r *Repository) InsertConflict(ctx context.Context, c *models.ConflictRecord) error {
	mutation, err := encodeBlob(c.Mutation)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "encode conflict mutation", err)
	}
	snapshot, err := encodeBlob(c.RemoteSnapshot)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "encode remote snapshot", err)
	}
	resolved, err := encodeBlob(c.ResolvedPayload)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "encode resolved payload", err)
	}

	_, err = r.db.ExecContext(ctx, `INSERT INTO conflict_records (`+conflictColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.MutationID, c.Collection, c.EntityID, mutation, snapshot, c.Strategy,
		c.DetectedAt, nullInt64(c.ResolvedAt), resolved, c.ResolvedBy, c.Acknowledged)
	if err != nil {
		return storageErr("insert conflict", err)
	}
	return nil
}

func scanConflict(row rowScanner) (*models.ConflictRecord, error) {
	var (
		c                            models.ConflictRecord
		mutation, snapshot, resolved []byte
		resolvedAt                   sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.MutationID, &c.Collection, &c.EntityID, &mutation, &snapshot, &c.Strategy,
		&c.DetectedAt, &resolvedAt, &resolved, &c.ResolvedBy, &c.Acknowledged)
	if err != nil {
		return nil, err
	}
	if err := decodeBlob(mutation, &c.Mutation); err != nil {
		return nil, err
	}
	if err := decodeBlob(snapshot, &c.RemoteSnapshot); err != nil {
		return nil, err
	}
	if err := decodeBlob(resolved, &c.ResolvedPayload); err != nil {
		return nil, err
	}
	c.ResolvedAt = int64Ptr(resolvedAt)
	return &c, nil
}

// GetConflict retrieves a conflict record by ID.
func (r *Repository) GetConflict(ctx context.Context, id string) (*models.ConflictRecord, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+conflictColumns+" FROM conflict_records WHERE id = ?", id)
	c, err := scanConflict(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "conflict %s not found", id)
	}
	if err != nil {
		return nil, storageErr("get conflict", err)
	}
	return c, nil
}

// ListConflicts returns conflict records in detection order.
func (r *Repository) ListConflicts(ctx context.Context, unresolvedOnly bool) ([]*models.ConflictRecord, error) {
	query := "SELECT " + conflictColumns + " FROM conflict_records"
	if unresolvedOnly {
		query += " WHERE resolved_at IS NULL"
	}
	query += " ORDER BY detected_at, id"

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storageErr("list conflicts", err)
	}
	defer rows.Close()

	var out []*models.ConflictRecord
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, storageErr("scan conflict", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list conflicts", err)
	}
	return out, nil
}

// MarkConflictResolved stores the resolution of c. The write only applies to
// an unresolved record; a record resolved earlier yields ErrAlreadyResolved.
func (r *Repository) MarkConflictResolved(ctx context.Context, c *models.ConflictRecord) error {
	if c.ResolvedAt == nil {
		return apperrors.New(apperrors.ErrInvalid, "resolution time required")
	}
	resolved, err := encodeBlob(c.ResolvedPayload)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "encode resolved payload", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE conflict_records SET resolved_at = ?, resolved_payload = ?, resolved_by = ?, strategy = ?
		WHERE id = ? AND resolved_at IS NULL`,
		*c.ResolvedAt, resolved, c.ResolvedBy, c.Strategy, c.ID)
	if err != nil {
		return storageErr("resolve conflict", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("rows affected", err)
	}
	if n == 0 {
		if _, err := r.GetConflict(ctx, string(c.ID)); err != nil {
			return err
		}
		return apperrors.Newf(apperrors.ErrAlreadyResolved, "conflict %s already resolved", c.ID)
	}
	return nil
}

// DeleteConflict removes a conflict record.
func (r *Repository) DeleteConflict(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM conflict_records WHERE id = ?", id)
	if err != nil {
		return storageErr("delete conflict", err)
	}
	return requireRow(res, "conflict", id)
}

// =====================================================
// ChangeLog Operations
// =====================================================

func insertChangeLog(ctx context.Context, ex execer, log *models.ChangeLog) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO change_log (id, mutation_id, collection, entity_id, operation, version, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.MutationID, log.Collection, log.EntityID, log.Operation, log.Version, log.Timestamp)
	if err != nil {
		return storageErr("insert change log", err)
	}
	return nil
}

// CreateChangeLog creates a new change log entry.
func (r *Repository) CreateChangeLog(ctx context.Context, log *models.ChangeLog) error {
	return insertChangeLog(ctx, r.db, log)
}

// ListChangeLogs returns the most recent change log entries, newest first.
func (r *Repository) ListChangeLogs(ctx context.Context, limit int) ([]*models.ChangeLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, mutation_id, collection, entity_id, operation, version, timestamp
		FROM change_log ORDER BY timestamp DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("list change log", err)
	}
	defer rows.Close()

	var out []*models.ChangeLog
	for rows.Next() {
		var l models.ChangeLog
		if err := rows.Scan(&l.ID, &l.MutationID, &l.Collection, &l.EntityID, &l.Operation, &l.Version, &l.Timestamp); err != nil {
			return nil, storageErr("scan change log", err)
		}
		out = append(out, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list change log", err)
	}
	return out, nil
}

// =====================================================
// ConflictLog Operations
// =====================================================

// CreateConflictLog creates a new conflict log entry.
func (r *Repository) CreateConflictLog(ctx context.Context, log *models.ConflictLog) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO conflict_log (id, conflict_id, mutation_id, collection, entity_id,
			local_version, remote_version, resolution, resolved_by, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.ConflictID, log.MutationID, log.Collection, log.EntityID,
		log.LocalVersion, log.RemoteVersion, log.Resolution, log.ResolvedBy, log.DetectedAt)
	if err != nil {
		return storageErr("insert conflict log", err)
	}
	return nil
}

// ListConflictLogs returns the most recent conflict log entries, newest first.
func (r *Repository) ListConflictLogs(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, conflict_id, mutation_id, collection, entity_id, local_version, remote_version,
			resolution, resolved_by, detected_at
		FROM conflict_log ORDER BY detected_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("list conflict log", err)
	}
	defer rows.Close()

	var out []*models.ConflictLog
	for rows.Next() {
		var l models.ConflictLog
		if err := rows.Scan(&l.ID, &l.ConflictID, &l.MutationID, &l.Collection, &l.EntityID,
			&l.LocalVersion, &l.RemoteVersion, &l.Resolution, &l.ResolvedBy, &l.DetectedAt); err != nil {
			return nil, storageErr("scan conflict log", err)
		}
		out = append(out, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list conflict log", err)
	}
	return out, nil
}
