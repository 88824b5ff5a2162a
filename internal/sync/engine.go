package sync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/coachcoreai/coachcore/backend/internal/errors"
	"github.com/coachcoreai/coachcore/backend/internal/logging"
	"github.com/coachcoreai/coachcore/backend/internal/models"
	"github.com/coachcoreai/coachcore/backend/internal/sync/conflict"
	"github.com/coachcoreai/coachcore/backend/internal/sync/queue"
	"github.com/coachcoreai/coachcore/backend/internal/sync/remote"
	"github.com/coachcoreai/coachcore/backend/internal/uuid"
)

const (
	// DefaultConcurrency is the number of entities drained in parallel.
	DefaultConcurrency = 4
	// DefaultCallTimeout bounds a single remote call.
	DefaultCallTimeout = 10 * time.Second
)

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// Queue is the mutation queue surface the engine drives.
type Queue interface {
	Get(ctx context.Context, id string) (*models.QueuedMutation, error)
	List(ctx context.Context, f queue.Filter) ([]*models.QueuedMutation, error)
	Stats(ctx context.Context) (*models.QueueStats, error)
	MarkStatus(ctx context.Context, id string, status models.MutationStatus, attempts *int) error
	ScheduleRetry(ctx context.Context, id string, cause error) (*models.QueuedMutation, error)
	MarkFailed(ctx context.Context, id string, cause error) (*models.QueuedMutation, error)
	Complete(ctx context.Context, m *models.QueuedMutation, version int64, doc *models.Document, change *models.ChangeLog) error
	PromoteDue(ctx context.Context) (int64, error)
	RecoverInFlight(ctx context.Context) (int64, error)
}

// ConflictHandler settles conflicts reported by the remote store.
type ConflictHandler interface {
	HandleConflict(ctx context.Context, m *models.QueuedMutation, snapshot *models.Document) (*conflict.Outcome, error)
	Recover(ctx context.Context) (int, error)
}

// Connectivity reports whether the network is usable.
type Connectivity interface {
	IsOnline() bool
}

// Options configures a SyncEngine.
type Options struct {
	Concurrency int
	CallTimeout time.Duration
	Now         func() time.Time
}

// DrainResult summarises a drain.
type DrainResult struct {
	StartTime  time.Time     `json:"start_time"`
	EndTime    time.Time     `json:"end_time"`
	Duration   time.Duration `json:"duration"`
	Passes     int           `json:"passes"`
	Attempted  int           `json:"attempted"`
	Synced     int           `json:"synced"`
	Conflicted int           `json:"conflicted"`
	Retrying   int           `json:"retrying"`
	Failed     int           `json:"failed"`

	// Blocked counts mutations held back behind an unsettled predecessor.
	Blocked int `json:"blocked"`

	// Offline is set when the drain was skipped because the device is offline.
	Offline bool `json:"offline"`

	// Interrupted is set when connectivity dropped during the drain.
	Interrupted bool `json:"interrupted"`

	Error string `json:"error,omitempty"`
}

// SyncEngine applies queued mutations to the remote store in enqueue order
// per entity.
type SyncEngine struct {
	queue    Queue
	remote   remote.Store
	resolver ConflictHandler
	conn     Connectivity
	opts     Options

	mu         sync.Mutex
	draining   bool
	rerun      bool
	status     SyncStatus
	lastSync   *time.Time
	lastErr    error
	lastResult *DrainResult

	handlerMu sync.RWMutex
	handler   SyncEventHandler
}

// NewSyncEngine creates a new SyncEngine.
func NewSyncEngine(q Queue, store remote.Store, resolver ConflictHandler, conn Connectivity, opts Options) *SyncEngine {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &SyncEngine{
		queue:    q,
		remote:   store,
		resolver: resolver,
		conn:     conn,
		opts:     opts,
		status:   SyncStatusIdle,
	}
}

// Start repairs state left by a previous run: in-flight mutations go back to
// pending and interrupted conflict resolutions are completed.
func (e *SyncEngine) Start(ctx context.Context) error {
	n, err := e.queue.RecoverInFlight(ctx)
	if err != nil {
		return err
	}
	if _, err := e.resolver.Recover(ctx); err != nil {
		return err
	}
	logging.Info("Sync engine started", map[string]interface{}{
		"recovered_in_flight": n,
		"concurrency":         e.opts.Concurrency,
		"call_timeout_ms":     e.opts.CallTimeout.Milliseconds(),
	})
	return nil
}

// Status returns the current sync status.
func (e *SyncEngine) Status() SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Draining reports whether a drain is running.
func (e *SyncEngine) Draining() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.draining
}

// LastSync returns the timestamp of the last successful sync.
func (e *SyncEngine) LastSync() *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastSync == nil {
		return nil
	}
	t := *e.lastSync
	return &t
}

// LastError returns the last sync error.
func (e *SyncEngine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// LastResult returns the result of the last completed drain.
func (e *SyncEngine) LastResult() *DrainResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastResult == nil {
		return nil
	}
	r := *e.lastResult
	return &r
}

// NextAttemptAt returns the earliest retry time of a transient failure.
func (e *SyncEngine) NextAttemptAt(ctx context.Context) (time.Time, bool) {
	stats, err := e.queue.Stats(ctx)
	if err != nil || stats.NextAttemptAt == 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(stats.NextAttemptAt), true
}

// Drain syncs the queue. A call made while another drain runs returns
// ErrSyncInProgress and makes the running drain do one more pass, so any
// number of overlapping requests costs at most one extra pass.
func (e *SyncEngine) Drain(ctx context.Context) (*DrainResult, error) {
	e.mu.Lock()
	if e.draining {
		e.rerun = true
		e.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrSyncInProgress, "sync already in progress")
	}
	e.draining = true
	e.status = SyncStatusSyncing
	e.mu.Unlock()

	result := &DrainResult{StartTime: e.opts.Now()}
	e.emitEvent(SyncEvent{Type: SyncEventStarted, Timestamp: result.StartTime})

	var err error
	for {
		result.Passes++
		var clean bool
		clean, err = e.pass(ctx, result)

		e.mu.Lock()
		if err == nil && clean {
			t := e.opts.Now()
			e.lastSync = &t
		}
		again := e.rerun && err == nil && ctx.Err() == nil && !result.Offline
		e.rerun = false
		if !again {
			result.EndTime = e.opts.Now()
			result.Duration = result.EndTime.Sub(result.StartTime)
			e.lastErr = err
			if err != nil {
				result.Error = err.Error()
				e.status = SyncStatusFailed
			} else {
				e.status = SyncStatusIdle
			}
			e.draining = false
			r := *result
			e.lastResult = &r
			e.mu.Unlock()
			break
		}
		e.mu.Unlock()
	}

	logging.Info("Sync drain finished", map[string]interface{}{
		"passes":      result.Passes,
		"attempted":   result.Attempted,
		"synced":      result.Synced,
		"conflicted":  result.Conflicted,
		"retrying":    result.Retrying,
		"failed":      result.Failed,
		"blocked":     result.Blocked,
		"offline":     result.Offline,
		"interrupted": result.Interrupted,
		"duration_ms": result.Duration.Milliseconds(),
	})
	e.emitEvent(SyncEvent{Type: SyncEventCompleted, Timestamp: result.EndTime, Result: result})
	return result, err
}

// outcome is the fate of one mutation within a pass.
type outcome int

const (
	outcomeSynced   outcome = iota // dequeued; the entity group continues
	outcomeRequeued                // pending again after conflict resolution
	outcomeBlocked                 // waits; the entity group stops
	outcomeStopped                 // offline or cancelled; the pass stops issuing calls
)

// pass runs one sweep over the queue. clean reports that the sweep ran to
// the end and left nothing queued.
func (e *SyncEngine) pass(ctx context.Context, result *DrainResult) (clean bool, err error) {
	if !e.conn.IsOnline() {
		if result.Passes == 1 {
			result.Offline = true
		}
		logging.Debug("Drain skipped while offline", nil)
		return false, nil
	}

	if _, err := e.queue.PromoteDue(ctx); err != nil {
		return false, err
	}
	all, err := e.queue.List(ctx, queue.Filter{Statuses: []models.MutationStatus{
		models.StatusPending, models.StatusInFlight, models.StatusFailed, models.StatusConflicted,
	}})
	if err != nil {
		return false, err
	}

	var resMu sync.Mutex
	record := func(fn func(r *DrainResult)) {
		resMu.Lock()
		fn(result)
		resMu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for _, group := range groupByEntity(all) {
		group := group
		g.Go(func() error {
			return e.drainEntity(gctx, group, record)
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	stats, err := e.queue.Stats(ctx)
	if err != nil {
		return false, err
	}
	if result.Interrupted {
		return false, nil
	}
	return stats.Pending == 0 && stats.InFlight == 0 && stats.Failed == 0 && stats.Conflicted == 0, nil
}

// groupByEntity splits mutations by entity, keeping enqueue order inside each
// group. Groups are ordered by the priority of their head, then by sequence.
func groupByEntity(all []*models.QueuedMutation) [][]*models.QueuedMutation {
	index := make(map[models.EntityKey]int)
	var groups [][]*models.QueuedMutation
	for _, m := range all {
		k := m.Key()
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], m)
	}
	for _, g := range groups {
		sort.SliceStable(g, func(a, b int) bool { return g[a].Seq < g[b].Seq })
	}
	sort.SliceStable(groups, func(a, b int) bool {
		ha, hb := groups[a][0], groups[b][0]
		if ha.Priority.Rank() != hb.Priority.Rank() {
			return ha.Priority.Rank() > hb.Priority.Rank()
		}
		return ha.Seq < hb.Seq
	})
	return groups
}

// drainEntity sends one entity's mutations strictly in order and stops at the
// first one that does not sync. A mutation made pending again by conflict
// resolution is re-sent once per pass.
func (e *SyncEngine) drainEntity(ctx context.Context, group []*models.QueuedMutation, record func(func(*DrainResult))) error {
	reissued := false
	for i := 0; i < len(group); i++ {
		out, err := e.process(ctx, group[i], record)
		if err != nil {
			return err
		}
		switch out {
		case outcomeSynced:
			continue
		case outcomeRequeued:
			if !reissued {
				reissued = true
				i--
				continue
			}
		}
		record(func(r *DrainResult) { r.Blocked += len(group) - i - 1 })
		return nil
	}
	return nil
}

// process sends a single mutation. Only storage failures are returned as
// errors; remote failures are recorded on the mutation.
func (e *SyncEngine) process(ctx context.Context, m *models.QueuedMutation, record func(func(*DrainResult))) (outcome, error) {
	if ctx.Err() != nil {
		return outcomeStopped, nil
	}
	if !e.conn.IsOnline() {
		record(func(r *DrainResult) { r.Interrupted = true })
		return outcomeStopped, nil
	}

	cur, err := e.queue.Get(ctx, string(m.ID))
	if err != nil {
		if apperrors.IsNotFound(err) {
			// Removed by the user since the pass started.
			return outcomeSynced, nil
		}
		return outcomeStopped, err
	}
	if cur.Status != models.StatusPending {
		return outcomeBlocked, nil
	}

	if err := e.queue.MarkStatus(ctx, string(cur.ID), models.StatusInFlight, nil); err != nil {
		return outcomeStopped, err
	}
	record(func(r *DrainResult) { r.Attempted++ })

	callCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	res, callErr := e.remote.Write(callCtx, remote.FromMutation(cur))
	cancel()

	// Results of an issued call are recorded even if the drain is being
	// cancelled.
	rctx := context.WithoutCancel(ctx)

	if callErr == nil {
		return e.onSynced(rctx, cur, res, record)
	}

	if ctx.Err() != nil && errors.Is(callErr, ctx.Err()) {
		// Cancelled by the caller, not failed: try again next drain.
		if err := e.queue.MarkStatus(rctx, string(cur.ID), models.StatusPending, nil); err != nil {
			return outcomeStopped, err
		}
		return outcomeStopped, nil
	}

	switch kind := remote.Classify(callErr); kind {
	case remote.KindConflict:
		return e.onConflict(ctx, rctx, cur, callErr, record)
	case remote.KindPermanent:
		failed, err := e.queue.MarkFailed(rctx, string(cur.ID), apperrors.Wrap(apperrors.ErrPermanent, "remote rejected mutation", callErr))
		if err != nil {
			return outcomeStopped, err
		}
		record(func(r *DrainResult) { r.Failed++ })
		e.emitFailed(failed)
		return outcomeBlocked, nil
	default:
		code := apperrors.ErrTransient
		if kind == remote.KindTimeout {
			code = apperrors.ErrSyncTimeout
		}
		retried, err := e.queue.ScheduleRetry(rctx, string(cur.ID), apperrors.Wrap(code, "remote write failed", callErr))
		if err != nil {
			return outcomeStopped, err
		}
		if retried.PermanentlyFailed() {
			record(func(r *DrainResult) { r.Failed++ })
			e.emitFailed(retried)
		} else {
			record(func(r *DrainResult) { r.Retrying++ })
		}
		return outcomeBlocked, nil
	}
}

func (e *SyncEngine) onSynced(ctx context.Context, m *models.QueuedMutation, res *remote.WriteResult, record func(func(*DrainResult))) (outcome, error) {
	now := e.opts.Now().UnixMilli()
	doc := res.Document
	if doc == nil && m.Operation == models.OpDelete && res.Version > 0 {
		doc = &models.Document{Collection: m.Collection, ID: m.EntityID, Version: res.Version, Deleted: true, UpdatedAt: now}
	}
	change := &models.ChangeLog{
		ID:         models.UUID(uuid.New()),
		MutationID: m.ID,
		Collection: m.Collection,
		EntityID:   m.EntityID,
		Operation:  m.Operation,
		Version:    res.Version,
		Timestamp:  now,
	}
	if err := e.queue.Complete(ctx, m, res.Version, doc, change); err != nil {
		return outcomeStopped, err
	}
	record(func(r *DrainResult) { r.Synced++ })
	logging.Debug("Mutation synced", map[string]interface{}{
		"id":         m.ID,
		"collection": m.Collection,
		"entity_id":  m.EntityID,
		"version":    res.Version,
	})
	e.emitEvent(SyncEvent{Type: SyncEventMutationSynced, MutationID: string(m.ID), Collection: m.Collection, EntityID: m.EntityID, Timestamp: e.opts.Now()})
	return outcomeSynced, nil
}

func (e *SyncEngine) onConflict(ctx, rctx context.Context, m *models.QueuedMutation, callErr error, record func(func(*DrainResult))) (outcome, error) {
	var snapshot *models.Document
	if ce, ok := remote.AsConflict(callErr); ok && ce.Current != nil {
		snapshot = ce.Current
	} else if e.conn.IsOnline() && ctx.Err() == nil {
		getCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
		doc, err := e.remote.Get(getCtx, m.Collection, m.EntityID)
		cancel()
		if err == nil {
			snapshot = doc
		} else if !errors.Is(err, remote.ErrNotFound) {
			logging.Warn("Could not read remote snapshot for conflict", map[string]interface{}{
				"id":    m.ID,
				"error": err.Error(),
			})
		}
	}

	out, err := e.resolver.HandleConflict(rctx, m, snapshot)
	if err != nil {
		return outcomeStopped, err
	}
	e.emitEvent(SyncEvent{
		Type:       SyncEventConflictDetected,
		MutationID: string(m.ID),
		Collection: m.Collection,
		EntityID:   m.EntityID,
		ConflictID: string(out.Record.ID),
		Strategy:   string(out.Strategy),
		Timestamp:  e.opts.Now(),
	})

	switch {
	case out.Requeued:
		return outcomeRequeued, nil
	case out.Settled:
		record(func(r *DrainResult) { r.Synced++ })
		return outcomeSynced, nil
	}
	record(func(r *DrainResult) { r.Conflicted++ })
	return outcomeBlocked, nil
}

func (e *SyncEngine) emitFailed(m *models.QueuedMutation) {
	if !m.PermanentlyFailed() {
		return
	}
	logging.Warn("Mutation failed permanently", map[string]interface{}{
		"id":         m.ID,
		"collection": m.Collection,
		"entity_id":  m.EntityID,
		"attempts":   m.Attempts,
		"error":      m.LastError,
	})
	e.emitEvent(SyncEvent{
		Type:       SyncEventMutationFailed,
		MutationID: string(m.ID),
		Collection: m.Collection,
		EntityID:   m.EntityID,
		Error:      m.LastError,
		Timestamp:  e.opts.Now(),
	})
}
