// Package conflict settles version conflicts between queued mutations and the
// remote store, automatically by policy or on request from the UI.
package conflict

import (
	"context"
	"sync"
	"time"

	"github.com/coachcoreai/coachcore/backend/internal/db"
	apperrors "github.com/coachcoreai/coachcore/backend/internal/errors"
	"github.com/coachcoreai/coachcore/backend/internal/logging"
	"github.com/coachcoreai/coachcore/backend/internal/models"
	"github.com/coachcoreai/coachcore/backend/internal/sync/queue"
	"github.com/coachcoreai/coachcore/backend/internal/uuid"
)

// ResolvedByAuto marks resolutions applied by policy.
const ResolvedByAuto = "auto"

// Queue is the part of the mutation queue the resolver drives.
type Queue interface {
	Get(ctx context.Context, id string) (*models.QueuedMutation, error)
	List(ctx context.Context, f queue.Filter) ([]*models.QueuedMutation, error)
	MarkStatus(ctx context.Context, id string, status models.MutationStatus, attempts *int) error
	Requeue(ctx context.Context, id string, r queue.Reissue) (*models.QueuedMutation, error)
	Discard(ctx context.Context, m *models.QueuedMutation, doc *models.Document) error
	Dequeue(ctx context.Context, id string) error
}

// Repository persists conflict records and their audit trail.
type Repository interface {
	db.ConflictRepository
	db.ConflictLogRepository
	UpsertDocument(ctx context.Context, doc *models.Document) error
}

// Hooks are notified after conflict state changes. Hooks run synchronously
// and must not call back into the Resolver.
type Hooks struct {
	OnDetected func(*models.ConflictRecord)
	OnResolved func(*models.ConflictRecord)
	// OnRequeue fires when a resolution made a mutation pending again.
	OnRequeue func()
}

// Options configures a Resolver.
type Options struct {
	Policy Policy
	Now    func() time.Time
}

// Resolution is a user decision for a manual conflict. A nil Payload means
// "use the side named by Strategy"; an explicit Payload is re-issued as is.
type Resolution struct {
	Strategy   models.ConflictStrategy `json:"strategy"`
	Payload    map[string]any          `json:"payload,omitempty"`
	ResolvedBy string                  `json:"resolved_by,omitempty"`
}

// Outcome reports what happened to a conflicted mutation.
type Outcome struct {
	Record   *models.ConflictRecord
	Mutation *models.QueuedMutation
	Strategy models.ConflictStrategy
	// Requeued is set when the mutation is pending again with a new base.
	Requeued bool
	// Settled is false while the conflict waits for the user.
	Settled bool
}

type recordLock struct {
	mu   sync.Mutex
	refs int
}

// Resolver handles conflicts reported by the sync engine.
type Resolver struct {
	repo   Repository
	queue  Queue
	policy Policy
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*recordLock

	hooksMu sync.RWMutex
	hooks   Hooks
}

// NewResolver creates a Resolver. A zero Policy is replaced by DefaultPolicy.
func NewResolver(repo Repository, q Queue, opts Options) *Resolver {
	if opts.Policy.Default == "" {
		opts.Policy.Default = models.StrategyManualPending
	}
	if opts.Policy.MergeFallback == "" {
		opts.Policy.MergeFallback = models.StrategyServerWins
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Resolver{
		repo:   repo,
		queue:  q,
		policy: opts.Policy,
		now:    opts.Now,
		locks:  make(map[string]*recordLock),
	}
}

// SetHooks replaces the notification hooks.
func (r *Resolver) SetHooks(h Hooks) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = h
}

func (r *Resolver) getHooks() Hooks {
	r.hooksMu.RLock()
	defer r.hooksMu.RUnlock()
	return r.hooks
}

// Policy returns the active policy.
func (r *Resolver) Policy() Policy {
	return r.policy
}

func (r *Resolver) nowMillis() int64 {
	return r.now().UnixMilli()
}

// lock serializes work on one conflict record.
func (r *Resolver) lock(id string) func() {
	r.mu.Lock()
	l, ok := r.locks[id]
	if !ok {
		l = &recordLock{}
		r.locks[id] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, id)
		}
		r.mu.Unlock()
	}
}

// DetectConflict reports whether remote no longer matches the version m was
// based on.
func DetectConflict(m *models.QueuedMutation, remote *models.Document) bool {
	if m == nil || remote == nil {
		return false
	}
	if m.Operation == models.OpCreate {
		return !remote.Deleted
	}
	if remote.Deleted {
		return m.Operation != models.OpDelete
	}
	return m.BaseVersion != nil && *m.BaseVersion != remote.Version
}

// HandleConflict records a conflict for m against snapshot and applies the
// policy strategy. snapshot may be nil when the remote state could not be
// read; such conflicts always wait for the user.
func (r *Resolver) HandleConflict(ctx context.Context, m *models.QueuedMutation, snapshot *models.Document) (*Outcome, error) {
	strategy := r.policy.StrategyFor(m)
	if strategy == models.StrategyMerge && !canMerge(snapshot) {
		logging.Info("Merge degraded to fallback strategy", map[string]interface{}{
			"mutation_id": m.ID,
			"collection":  m.Collection,
			"fallback":    r.policy.MergeFallback,
		})
		strategy = r.policy.MergeFallback
	}
	if snapshot == nil && strategy != models.StrategyManualPending {
		strategy = models.StrategyManualPending
	}

	if err := r.queue.MarkStatus(ctx, string(m.ID), models.StatusConflicted, nil); err != nil {
		return nil, err
	}

	rec := &models.ConflictRecord{
		ID:             models.UUID(uuid.New()),
		MutationID:     m.ID,
		Collection:     m.Collection,
		EntityID:       m.EntityID,
		Mutation:       m.Clone(),
		RemoteSnapshot: snapshot.Clone(),
		Strategy:       strategy,
		DetectedAt:     r.nowMillis(),
	}
	if err := r.repo.InsertConflict(ctx, rec); err != nil {
		return nil, err
	}

	fields := map[string]interface{}{
		"conflict_id":      rec.ID,
		"mutation_id":      m.ID,
		"collection":       m.Collection,
		"entity_id":        m.EntityID,
		"strategy":         strategy,
		"version_mismatch": DetectConflict(m, snapshot),
	}
	if m.BaseVersion != nil {
		fields["local_version"] = *m.BaseVersion
	}
	if snapshot != nil {
		fields["remote_version"] = snapshot.Version
	}
	logging.Warn("Concurrent edit conflict detected", fields)

	if h := r.getHooks(); h.OnDetected != nil {
		h.OnDetected(rec.Clone())
	}

	if strategy == models.StrategyManualPending {
		m = m.Clone()
		m.Status = models.StatusConflicted
		return &Outcome{Record: rec, Mutation: m, Strategy: strategy}, nil
	}

	unlock := r.lock(string(rec.ID))
	defer unlock()
	return r.apply(ctx, rec, m, strategy, nil, ResolvedByAuto)
}

// Resolve applies a user decision to an unresolved conflict. It succeeds at
// most once per record; later calls fail with ALREADY_RESOLVED and change
// nothing.
func (r *Resolver) Resolve(ctx context.Context, conflictID string, res Resolution) (*Outcome, error) {
	if !res.Strategy.Valid() || res.Strategy == models.StrategyManualPending {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "cannot resolve with strategy %q", res.Strategy)
	}
	if res.ResolvedBy == "" {
		res.ResolvedBy = "user"
	}

	unlock := r.lock(conflictID)
	defer unlock()

	rec, err := r.repo.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if rec.Resolved() {
		return nil, apperrors.Newf(apperrors.ErrAlreadyResolved, "conflict %s already resolved", conflictID)
	}

	m, err := r.queue.Get(ctx, string(rec.MutationID))
	if err != nil {
		if !apperrors.IsNotFound(err) {
			return nil, err
		}
		// The mutation was cleared; only adopting the remote state is left.
		if res.Strategy != models.StrategyServerWins || res.Payload != nil {
			return nil, apperrors.Wrap(apperrors.ErrNotFound, "mutation no longer queued", err)
		}
		m = nil
	}
	return r.apply(ctx, rec, m, res.Strategy, res.Payload, res.ResolvedBy)
}

// apply carries out strategy for rec and marks it resolved. Callers hold the
// record lock.
func (r *Resolver) apply(ctx context.Context, rec *models.ConflictRecord, m *models.QueuedMutation, strategy models.ConflictStrategy, payload map[string]any, by string) (*Outcome, error) {
	snapshot := rec.RemoteSnapshot
	var (
		requeued *models.QueuedMutation
		resolved map[string]any
		err      error
	)
	switch {
	case payload != nil:
		times := make(map[string]int64, len(payload))
		now := r.nowMillis()
		for k := range payload {
			times[k] = now
		}
		requeued, err = r.reissue(ctx, m, snapshot, payload, times)
	case strategy == models.StrategyServerWins:
		err = r.adoptRemote(ctx, m, snapshot)
		if snapshot != nil {
			resolved = models.CloneMap(snapshot.Data)
		}
	case strategy == models.StrategyClientWins:
		requeued, err = r.reissue(ctx, m, snapshot, m.Payload, m.FieldTimes)
	case strategy == models.StrategyMerge:
		merged, times := MergeFields(m.Payload, m.FieldTimes, snapshot)
		requeued, err = r.reissue(ctx, m, snapshot, merged, times)
	default:
		err = apperrors.Newf(apperrors.ErrInvalid, "cannot apply strategy %q", strategy)
	}
	if err != nil {
		return nil, err
	}
	if requeued != nil {
		resolved = models.CloneMap(requeued.Payload)
	}

	now := r.nowMillis()
	rec.Strategy = strategy
	rec.ResolvedAt = &now
	rec.ResolvedBy = by
	rec.ResolvedPayload = resolved
	if err := r.repo.MarkConflictResolved(ctx, rec); err != nil {
		return nil, err
	}
	r.audit(ctx, rec)

	h := r.getHooks()
	if h.OnResolved != nil {
		h.OnResolved(rec.Clone())
	}
	if requeued != nil && h.OnRequeue != nil {
		h.OnRequeue()
	}

	out := &Outcome{Record: rec, Strategy: strategy, Requeued: requeued != nil, Settled: true}
	switch {
	case requeued != nil:
		out.Mutation = requeued
	case m != nil:
		out.Mutation = m.Clone()
		out.Mutation.Status = models.StatusSynced
	}
	return out, nil
}

// adoptRemote makes the remote snapshot the local state and drops m.
func (r *Resolver) adoptRemote(ctx context.Context, m *models.QueuedMutation, snapshot *models.Document) error {
	switch {
	case m == nil && snapshot == nil:
		return nil
	case m == nil:
		return r.repo.UpsertDocument(ctx, snapshot)
	case snapshot == nil:
		return r.queue.Dequeue(ctx, string(m.ID))
	}
	return r.queue.Discard(ctx, m, snapshot.Clone())
}

// reissue makes m pending again against snapshot.
func (r *Resolver) reissue(ctx context.Context, m *models.QueuedMutation, snapshot *models.Document, payload map[string]any, times map[string]int64) (*models.QueuedMutation, error) {
	if m == nil {
		return nil, apperrors.New(apperrors.ErrNotFound, "mutation no longer queued")
	}
	var base *int64
	if snapshot != nil {
		base = models.Int64(snapshot.Version)
	}
	return r.queue.Requeue(ctx, string(m.ID), queue.Reissue{
		Operation:   reissueOperation(m.Operation, snapshot),
		Payload:     payload,
		FieldTimes:  times,
		BaseVersion: base,
	})
}

func (r *Resolver) audit(ctx context.Context, rec *models.ConflictRecord) {
	entry := &models.ConflictLog{
		ID:         models.UUID(uuid.New()),
		ConflictID: rec.ID,
		MutationID: rec.MutationID,
		Collection: rec.Collection,
		EntityID:   rec.EntityID,
		Resolution: rec.Strategy,
		ResolvedBy: rec.ResolvedBy,
		DetectedAt: rec.DetectedAt,
	}
	if rec.Mutation != nil && rec.Mutation.BaseVersion != nil {
		entry.LocalVersion = *rec.Mutation.BaseVersion
	}
	if rec.RemoteSnapshot != nil {
		entry.RemoteVersion = rec.RemoteSnapshot.Version
	}
	if err := r.repo.CreateConflictLog(ctx, entry); err != nil {
		logging.Error("Failed to write conflict log", err, map[string]interface{}{"conflict_id": rec.ID})
	}

	logging.Info("Conflict resolved", map[string]interface{}{
		"conflict_id":    rec.ID,
		"mutation_id":    rec.MutationID,
		"collection":     rec.Collection,
		"entity_id":      rec.EntityID,
		"resolution":     rec.Strategy,
		"resolved_by":    rec.ResolvedBy,
		"local_version":  entry.LocalVersion,
		"remote_version": entry.RemoteVersion,
	})
}

// List returns conflict records, newest first.
func (r *Resolver) List(ctx context.Context, unresolvedOnly bool) ([]*models.ConflictRecord, error) {
	return r.repo.ListConflicts(ctx, unresolvedOnly)
}

// Get returns one conflict record.
func (r *Resolver) Get(ctx context.Context, id string) (*models.ConflictRecord, error) {
	return r.repo.GetConflict(ctx, id)
}

// Acknowledge removes a resolved record once the user has seen it.
func (r *Resolver) Acknowledge(ctx context.Context, id string) error {
	unlock := r.lock(id)
	defer unlock()

	rec, err := r.repo.GetConflict(ctx, id)
	if err != nil {
		return err
	}
	if !rec.Resolved() {
		return apperrors.Newf(apperrors.ErrInvalid, "conflict %s is unresolved", id)
	}
	return r.repo.DeleteConflict(ctx, id)
}

// Recover repairs state left by an interrupted resolution: unresolved records
// whose mutation is gone or no longer conflicted are closed, and conflicted
// mutations without an open record are made pending so the next drain
// detects the conflict again.
func (r *Resolver) Recover(ctx context.Context) (int, error) {
	open, err := r.repo.ListConflicts(ctx, true)
	if err != nil {
		return 0, err
	}
	conflicted, err := r.queue.List(ctx, queue.Filter{Statuses: []models.MutationStatus{models.StatusConflicted}})
	if err != nil {
		return 0, err
	}

	byMutation := make(map[models.UUID]bool, len(conflicted))
	for _, m := range conflicted {
		byMutation[m.ID] = true
	}

	repaired := 0
	covered := make(map[models.UUID]bool, len(open))
	for _, rec := range open {
		if byMutation[rec.MutationID] {
			covered[rec.MutationID] = true
			continue
		}
		unlock := r.lock(string(rec.ID))
		now := r.nowMillis()
		rec.ResolvedAt = &now
		rec.ResolvedBy = "recovery"
		err := r.repo.MarkConflictResolved(ctx, rec)
		unlock()
		if err != nil && !apperrors.IsAlreadyResolved(err) {
			return repaired, err
		}
		repaired++
	}

	for _, m := range conflicted {
		if covered[m.ID] {
			continue
		}
		if err := r.queue.MarkStatus(ctx, string(m.ID), models.StatusPending, nil); err != nil {
			return repaired, err
		}
		repaired++
	}
	if repaired > 0 {
		logging.Warn("Repaired interrupted conflict state", map[string]interface{}{"count": repaired})
	}
	return repaired, nil
}
