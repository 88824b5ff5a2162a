// Package services composes the sync core into the operations the UI bridge
// and the CLI call.
package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/coachcoreai/coachcore/backend/internal/config"
	"github.com/coachcoreai/coachcore/backend/internal/db"
	apperrors "github.com/coachcoreai/coachcore/backend/internal/errors"
	"github.com/coachcoreai/coachcore/backend/internal/logging"
	"github.com/coachcoreai/coachcore/backend/internal/models"
	syncpkg "github.com/coachcoreai/coachcore/backend/internal/sync"
	"github.com/coachcoreai/coachcore/backend/internal/sync/conflict"
	"github.com/coachcoreai/coachcore/backend/internal/sync/connectivity"
	"github.com/coachcoreai/coachcore/backend/internal/sync/queue"
	"github.com/coachcoreai/coachcore/backend/internal/sync/remote"
	"github.com/coachcoreai/coachcore/backend/internal/sync/scheduler"
	"github.com/coachcoreai/coachcore/backend/internal/sync/status"
	"github.com/coachcoreai/coachcore/backend/internal/validation"
)

// SyncService owns the local database, the mutation queue and everything
// that drains it.
type SyncService struct {
	cfg *config.Config

	database    *db.DB
	repo        *db.Repository
	remote      remote.Store
	closeRemote func()

	queue     *queue.Store
	resolver  *conflict.Resolver
	engine    syncpkg.SyncEngineInterface
	monitor   *connectivity.Monitor
	indicator *connectivity.FileIndicator
	reporter  *status.Reporter
	scheduler *scheduler.Scheduler

	listenersMu  sync.RWMutex
	listeners    map[int]func(syncpkg.SyncEvent)
	nextListener int

	closeOnce sync.Once
}

// Option customises NewSyncService.
type Option func(*serviceOptions)

type serviceOptions struct {
	remote   remote.Store
	database *db.DB
}

// WithRemote uses store instead of the one named by the configuration.
func WithRemote(store remote.Store) Option {
	return func(o *serviceOptions) { o.remote = store }
}

// WithDatabase uses an already opened local database.
func WithDatabase(database *db.DB) Option {
	return func(o *serviceOptions) { o.database = database }
}

// NewSyncService opens the local database and builds the sync pipeline.
// Nothing runs in the background until Start.
func NewSyncService(ctx context.Context, cfg *config.Config, opts ...Option) (*SyncService, error) {
	var o serviceOptions
	for _, opt := range opts {
		opt(&o)
	}

	policy, err := cfg.ConflictPolicy()
	if err != nil {
		return nil, err
	}
	validator, err := validation.New()
	if err != nil {
		return nil, fmt.Errorf("failed to compile payload schemas: %w", err)
	}

	database := o.database
	if database == nil {
		database, err = db.Open(cfg.DataDir)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to open local database", err)
		}
	}

	s := &SyncService{
		cfg:         cfg,
		database:    database,
		repo:        db.NewRepository(database.DB),
		remote:      o.remote,
		closeRemote: func() {},
		listeners:   make(map[int]func(syncpkg.SyncEvent)),
	}
	if s.remote == nil {
		if err := s.openRemote(ctx); err != nil {
			s.repo.Close()
			database.Close()
			return nil, err
		}
	}

	s.queue = queue.New(s.repo, validator, queue.Options{
		MaxSize:     cfg.Sync.MaxQueueSize,
		MaxAttempts: cfg.Sync.MaxAttempts,
		BaseDelay:   cfg.Sync.BaseDelay,
		MaxDelay:    cfg.Sync.MaxDelay,
	})
	s.resolver = conflict.NewResolver(s.repo, s.queue, conflict.Options{Policy: policy})

	initial := cfg.Connectivity.InitialOnline
	if cfg.Connectivity.FlagFile != "" {
		initial = connectivity.ReadFlag(cfg.Connectivity.FlagFile)
	}
	s.monitor = connectivity.NewMonitor(initial)
	if cfg.Connectivity.FlagFile != "" {
		s.indicator = connectivity.NewFileIndicator(cfg.Connectivity.FlagFile, s.monitor)
	}

	s.engine = syncpkg.NewSyncEngine(s.queue, s.remote, s.resolver, s.monitor, syncpkg.Options{
		Concurrency: cfg.Sync.Concurrency,
		CallTimeout: cfg.Sync.CallTimeout,
	})
	s.engine.SetEventHandler(s)
	s.reporter = status.New(s.queue, s.engine, s.monitor)
	s.scheduler = scheduler.NewScheduler(s.engine, s.monitor, &scheduler.SchedulerConfig{
		SweepInterval: cfg.Sync.SweepInterval,
	})
	s.resolver.SetHooks(conflict.Hooks{
		OnDetected: func(*models.ConflictRecord) { s.reporter.Notify() },
		OnResolved: func(rec *models.ConflictRecord) {
			s.reporter.Notify()
			s.OnSyncEvent(syncpkg.SyncEvent{
				Type:       syncpkg.SyncEventConflictResolved,
				MutationID: string(rec.MutationID),
				Collection: rec.Collection,
				EntityID:   rec.EntityID,
				ConflictID: string(rec.ID),
				Strategy:   string(rec.Strategy),
			})
		},
	})
	return s, nil
}

func (s *SyncService) openRemote(ctx context.Context) error {
	switch s.cfg.Remote.Kind {
	case config.RemoteMemory:
		s.remote = remote.NewMemoryStore()
	case config.RemotePostgres:
		if err := remote.MigratePostgres(s.cfg.Remote.PostgresDSN); err != nil {
			return apperrors.Wrap(apperrors.ErrMigration, "failed to migrate remote schema", err)
		}
		pg, err := remote.OpenPostgres(ctx, s.cfg.Remote.PostgresDSN)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrSyncNotConfigured, "failed to connect to remote store", err)
		}
		s.remote = pg
		s.closeRemote = pg.Close
	case config.RemoteS3:
		st, err := remote.NewS3Store(ctx, s.cfg.Remote.S3)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrSyncNotConfigured, "failed to configure remote store", err)
		}
		s.remote = st
	default:
		return apperrors.Newf(apperrors.ErrSyncNotConfigured, "unknown remote kind %q", s.cfg.Remote.Kind)
	}
	logging.Info("Remote store configured", map[string]interface{}{"kind": s.cfg.Remote.Kind})
	return nil
}

// Recover returns mutations left in flight by a previous process to the
// queue and repairs interrupted conflict resolutions. Start calls it.
func (s *SyncService) Recover(ctx context.Context) error {
	return s.engine.Start(ctx)
}

// Start recovers interrupted work and starts background draining.
func (s *SyncService) Start(ctx context.Context) error {
	if err := s.Recover(ctx); err != nil {
		return err
	}
	if s.indicator != nil {
		if err := s.indicator.Start(ctx); err != nil {
			return err
		}
	}
	s.scheduler.Start(ctx)
	return nil
}

// Close stops background work and releases the database and remote store.
func (s *SyncService) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.scheduler.Stop()
		if s.indicator != nil {
			s.indicator.Stop()
		}
		s.reporter.Close()
		s.closeRemote()
		s.repo.Close()
		err = s.database.Close()
	})
	return err
}

// OnSyncEvent fans engine events out to listeners.
func (s *SyncService) OnSyncEvent(event syncpkg.SyncEvent) {
	if event.Type == syncpkg.SyncEventStarted || event.Type == syncpkg.SyncEventCompleted {
		s.reporter.Notify()
	}

	s.listenersMu.RLock()
	fns := make([]func(syncpkg.SyncEvent), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.RUnlock()

	for _, fn := range fns {
		fn(event)
	}
}

// AddEventListener registers fn for sync events. fn must not block.
func (s *SyncService) AddEventListener(fn func(syncpkg.SyncEvent)) (remove func()) {
	s.listenersMu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

// =====================================================
// Mutations
// =====================================================

// Enqueue durably queues a local change and asks for a drain when online.
func (s *SyncService) Enqueue(ctx context.Context, in queue.MutationInput) (*models.QueuedMutation, error) {
	m, err := s.queue.Enqueue(ctx, in)
	if err != nil {
		return nil, err
	}
	if s.monitor.IsOnline() {
		s.scheduler.TriggerSync(ctx)
	}
	return m, nil
}

// Mutations lists queued mutations in enqueue order.
func (s *SyncService) Mutations(ctx context.Context, f queue.Filter) ([]*models.QueuedMutation, error) {
	return s.queue.List(ctx, f)
}

// Mutation returns one queued mutation.
func (s *SyncService) Mutation(ctx context.Context, id string) (*models.QueuedMutation, error) {
	return s.queue.Get(ctx, id)
}

// RemoveMutation discards a queued mutation. A mutation being sent cannot
// be removed.
func (s *SyncService) RemoveMutation(ctx context.Context, id string) error {
	m, err := s.queue.Get(ctx, id)
	if err != nil {
		return err
	}
	if m.Status == models.StatusInFlight {
		return apperrors.Newf(apperrors.ErrInvalid, "mutation %s is being sent", id)
	}
	if err := s.queue.Dequeue(ctx, id); err != nil {
		return err
	}
	logging.Info("Mutation removed by user", map[string]interface{}{"id": id, "status": m.Status})
	return nil
}

// RetryMutation resets a failed mutation and asks for a drain.
func (s *SyncService) RetryMutation(ctx context.Context, id string) error {
	if err := s.queue.Retry(ctx, id); err != nil {
		return err
	}
	s.scheduler.TriggerSync(ctx)
	return nil
}

// RetryAll resets every failed mutation and asks for a drain.
func (s *SyncService) RetryAll(ctx context.Context) (int, error) {
	n, err := s.queue.RetryAll(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.scheduler.TriggerSync(ctx)
	}
	return n, nil
}

// ClearQueue removes every mutation that is not in flight.
func (s *SyncService) ClearQueue(ctx context.Context) (int64, error) {
	return s.queue.Clear(ctx)
}

// =====================================================
// Status
// =====================================================

// Status returns the current sync status.
func (s *SyncService) Status(ctx context.Context) (status.SyncStatus, error) {
	return s.reporter.GetStatus(ctx)
}

// SubscribeStatus registers fn for status changes.
func (s *SyncService) SubscribeStatus(fn func(status.SyncStatus)) (unsubscribe func()) {
	return s.reporter.Subscribe(fn)
}

// Failures lists permanently failed mutations.
func (s *SyncService) Failures(ctx context.Context) ([]status.Failure, error) {
	return s.reporter.Failures(ctx)
}

// SchedulerStatus describes background draining.
func (s *SyncService) SchedulerStatus() scheduler.SchedulerStatus {
	return s.scheduler.GetStatus()
}

// =====================================================
// Conflicts
// =====================================================

// Conflicts lists conflict records.
func (s *SyncService) Conflicts(ctx context.Context, unresolvedOnly bool) ([]*models.ConflictRecord, error) {
	return s.resolver.List(ctx, unresolvedOnly)
}

// Conflict returns one conflict record.
func (s *SyncService) Conflict(ctx context.Context, id string) (*models.ConflictRecord, error) {
	return s.resolver.Get(ctx, id)
}

// ResolveConflict applies a user decision. A re-issued mutation is drained
// right away.
func (s *SyncService) ResolveConflict(ctx context.Context, id string, res conflict.Resolution) (*conflict.Outcome, error) {
	out, err := s.resolver.Resolve(ctx, id, res)
	if err != nil {
		return nil, err
	}
	if out.Requeued || out.Settled {
		s.scheduler.TriggerSync(ctx)
	}
	return out, nil
}

// AcknowledgeConflict deletes a resolved conflict record.
func (s *SyncService) AcknowledgeConflict(ctx context.Context, id string) error {
	return s.resolver.Acknowledge(ctx, id)
}

// =====================================================
// Connectivity and draining
// =====================================================

// SetOnline applies a connectivity report from the host platform.
func (s *SyncService) SetOnline(online bool) bool {
	return s.monitor.Set(online)
}

// IsOnline reports the current connectivity state.
func (s *SyncService) IsOnline() bool {
	return s.monitor.IsOnline()
}

// SyncNow drains immediately and waits for the result.
func (s *SyncService) SyncNow(ctx context.Context) (*syncpkg.DrainResult, error) {
	return s.scheduler.SyncNow(ctx)
}

// TriggerSync requests a background drain.
func (s *SyncService) TriggerSync(ctx context.Context) bool {
	return s.scheduler.TriggerSync(ctx)
}

// =====================================================
// Local cache and history
// =====================================================

// Document returns the locally cached copy of a remote document.
func (s *SyncService) Document(ctx context.Context, collection, id string) (*models.Document, error) {
	return s.repo.GetDocument(ctx, collection, id)
}

// Documents lists the cached documents of a collection.
func (s *SyncService) Documents(ctx context.Context, collection string) ([]*models.Document, error) {
	return s.repo.ListDocuments(ctx, collection)
}

// ChangeLog returns the most recent applied mutations.
func (s *SyncService) ChangeLog(ctx context.Context, limit int) ([]*models.ChangeLog, error) {
	return s.repo.ListChangeLogs(ctx, limit)
}

// ConflictLog returns the most recent automatic resolutions.
func (s *SyncService) ConflictLog(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	return s.repo.ListConflictLogs(ctx, limit)
}
