// Package scheduler decides when the sync engine drains the queue.
//
// Drains are requested by a connectivity transition to online, by a periodic
// sweep while online, by the retry timer armed for the earliest backoff
// deadline, and by explicit TriggerSync calls. Requests are coalesced: while a
// drain runs, any number of requests collapse into one follow-up drain.
package scheduler

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/coachcoreai/coachcore/backend/internal/errors"
	"github.com/coachcoreai/coachcore/backend/internal/logging"
	syncpkg "github.com/coachcoreai/coachcore/backend/internal/sync"
)

// Engine is the part of the sync engine the scheduler drives.
type Engine interface {
	Drain(ctx context.Context) (*syncpkg.DrainResult, error)
	NextAttemptAt(ctx context.Context) (time.Time, bool)
}

// Connectivity reports online state and runs a hook on each reconnect.
type Connectivity interface {
	IsOnline() bool
	OnOnline(fn func())
}

// Scheduler manages background sync operations.
type Scheduler struct {
	engine        Engine
	monitor       Connectivity
	sweepInterval time.Duration
	drainTimeout  time.Duration

	trigger chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu           sync.RWMutex
	isRunning    bool
	draining     bool
	lastSyncTime time.Time
	lastResult   *syncpkg.DrainResult
	lastErr      error
	nextRetry    time.Time
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SweepInterval time.Duration // How often to drain while online (default: 1 minute)
	DrainTimeout  time.Duration // Upper bound for one drain (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SweepInterval: time.Minute,
		DrainTimeout:  5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine Engine, monitor Connectivity, config *SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = defaults.DrainTimeout
	}

	return &Scheduler{
		engine:        engine,
		monitor:       monitor,
		sweepInterval: config.SweepInterval,
		drainTimeout:  config.DrainTimeout,
		trigger:       make(chan struct{}, 1),
	}
}

// Start starts the background scheduler. If the device is online an initial
// drain is requested.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.monitor.OnOnline(func() { s.request("online") })
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx, stopCh)

	if s.monitor.IsOnline() {
		s.request("startup")
	}
	logging.Info("Background sync scheduler started", map[string]interface{}{
		"sweep_interval_ms": s.sweepInterval.Milliseconds(),
	})
}

// Stop stops the scheduler and waits for a running drain to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.monitor.OnOnline(nil)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

func (s *Scheduler) loop(ctx context.Context, stopCh chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	retry := time.NewTimer(time.Hour)
	retry.Stop()
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if !s.monitor.IsOnline() {
				continue
			}
		case <-retry.C:
			logging.Debug("Retry timer fired", nil)
		case <-s.trigger:
		}

		s.runDrain(ctx)
		s.armRetry(ctx, retry)
	}
}

// armRetry resets timer to the earliest backoff deadline, if any.
func (s *Scheduler) armRetry(ctx context.Context, timer *time.Timer) {
	timer.Stop()
	at, ok := s.engine.NextAttemptAt(ctx)

	s.mu.Lock()
	if ok {
		s.nextRetry = at
	} else {
		s.nextRetry = time.Time{}
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	timer.Reset(delay)
}

// request queues a drain unless one is already queued.
func (s *Scheduler) request(reason string) bool {
	select {
	case s.trigger <- struct{}{}:
		logging.Debug("Drain requested", map[string]interface{}{"reason": reason})
		return true
	default:
		return false
	}
}

func (s *Scheduler) runDrain(ctx context.Context) {
	if !s.monitor.IsOnline() {
		logging.Debug("Skipping drain - offline", nil)
		return
	}

	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	drainCtx, cancel := context.WithTimeout(ctx, s.drainTimeout)
	result, err := s.engine.Drain(drainCtx)
	cancel()

	s.mu.Lock()
	s.draining = false
	s.record(result, err)
	s.mu.Unlock()

	if err != nil && !apperrors.Is(err, apperrors.ErrSyncInProgress) {
		logging.ErrorWithCode("Background drain failed", apperrors.CodeOf(err), err, nil)
	}
}

// record stores the outcome of a drain. Callers hold s.mu.
func (s *Scheduler) record(result *syncpkg.DrainResult, err error) {
	if apperrors.Is(err, apperrors.ErrSyncInProgress) {
		return
	}
	s.lastErr = err
	if result != nil {
		s.lastResult = result
		if err == nil && !result.Offline {
			s.lastSyncTime = result.EndTime
		}
	}
}

// TriggerSync requests an asynchronous drain. It returns false when the
// scheduler is stopped or a drain request is already queued.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	if !s.IsRunning() {
		return false
	}
	return s.request("manual")
}

// SchedulerStatus describes the scheduler.
type SchedulerStatus struct {
	IsRunning    bool                 `json:"is_running"`
	IsOnline     bool                 `json:"is_online"`
	Draining     bool                 `json:"draining"`
	LastSyncTime *time.Time           `json:"last_sync_time,omitempty"`
	NextRetry    *time.Time           `json:"next_retry,omitempty"`
	LastResult   *syncpkg.DrainResult `json:"last_result,omitempty"`
	LastError    string               `json:"last_error,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:  s.isRunning,
		IsOnline:   s.monitor.IsOnline(),
		Draining:   s.draining,
		LastResult: s.lastResult,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	if !s.nextRetry.IsZero() {
		t := s.nextRetry
		status.NextRetry = &t
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	return status
}

// SyncNow drains immediately and waits for completion. It fails with
// SYNC_OFFLINE while offline and SYNC_IN_PROGRESS while another drain runs;
// in the latter case the running drain makes one more pass.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.DrainResult, error) {
	if !s.monitor.IsOnline() {
		return nil, apperrors.New(apperrors.ErrSyncOffline, "device is offline")
	}

	syncCtx, cancel := context.WithTimeout(ctx, s.drainTimeout)
	defer cancel()

	result, err := s.engine.Drain(syncCtx)

	s.mu.Lock()
	s.record(result, err)
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	logging.Info("Manual sync completed", map[string]interface{}{
		"synced":     result.Synced,
		"conflicted": result.Conflicted,
		"failed":     result.Failed,
	})
	return result, nil
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
