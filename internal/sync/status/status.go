// Package status reports the sync state to the UI layer.
package status

import (
	"context"
	"sync"
	"time"

	"github.com/coachcoreai/coachcore/backend/internal/logging"
	"github.com/coachcoreai/coachcore/backend/internal/models"
)

// statusTimeout bounds the stats query made for each notification.
const statusTimeout = 5 * time.Second

// retryDelay is how long the notifier waits before recomputing a status it
// could not read.
var retryDelay = 500 * time.Millisecond

// Queue is the queue surface the reporter reads.
type Queue interface {
	Stats(ctx context.Context) (*models.QueueStats, error)
	Failures(ctx context.Context) ([]*models.QueuedMutation, error)
	Subscribe() (<-chan struct{}, func())
}

// Engine exposes drain state.
type Engine interface {
	LastSync() *time.Time
	Draining() bool
}

// Connectivity reports and publishes online state.
type Connectivity interface {
	IsOnline() bool
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// SyncStatus is the state shown to the user.
type SyncStatus struct {
	IsOnline             bool       `json:"is_online"`
	Draining             bool       `json:"draining"`
	PendingCount         int        `json:"pending_count"`
	InFlightCount        int        `json:"in_flight_count"`
	FailedCount          int        `json:"failed_count"`
	PermanentFailedCount int        `json:"permanent_failed_count"`
	ConflictedCount      int        `json:"conflicted_count"`
	LastSyncAt           *time.Time `json:"last_sync_at,omitempty"`
	OldestPendingAt      *time.Time `json:"oldest_pending_at,omitempty"`
	NextAttemptAt        *time.Time `json:"next_attempt_at,omitempty"`
}

// signature holds the fields whose change is worth a notification.
type signature struct {
	online     bool
	draining   bool
	pending    int
	inFlight   int
	failed     int
	conflicted int
	lastSync   int64
}

func (s SyncStatus) signature() signature {
	sig := signature{
		online:     s.IsOnline,
		draining:   s.Draining,
		pending:    s.PendingCount,
		inFlight:   s.InFlightCount,
		failed:     s.FailedCount,
		conflicted: s.ConflictedCount,
	}
	if s.LastSyncAt != nil {
		sig.lastSync = s.LastSyncAt.UnixNano()
	}
	return sig
}

// Failure is a permanently failed mutation awaiting user action.
type Failure struct {
	ID          string           `json:"id"`
	Collection  string           `json:"collection"`
	EntityID    string           `json:"entity_id"`
	Operation   models.Operation `json:"operation"`
	Description string           `json:"description,omitempty"`
	Attempts    int              `json:"attempts"`
	Error       string           `json:"error"`
	FailedAt    time.Time        `json:"failed_at"`
}

// Reporter computes SyncStatus and pushes changes to subscribers. Bursts of
// changes are coalesced; subscribers always receive the latest state.
type Reporter struct {
	queue   Queue
	engine  Engine
	monitor Connectivity

	wake    chan struct{}
	closeCh chan struct{}
	done    chan struct{}
	once    sync.Once

	mu    sync.Mutex
	subs  map[int]func(SyncStatus)
	next  int
	last  *signature
	force bool
}

// New creates a Reporter and starts its notifier.
func New(q Queue, engine Engine, monitor Connectivity) *Reporter {
	r := &Reporter{
		queue:   q,
		engine:  engine,
		monitor: monitor,
		wake:    make(chan struct{}, 1),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
		subs:    make(map[int]func(SyncStatus)),
	}

	changes, unsubQueue := q.Subscribe()
	unsubMonitor := monitor.Subscribe(func(bool) { r.Notify() })
	go r.run(changes, func() {
		unsubQueue()
		unsubMonitor()
	})
	return r
}

// GetStatus computes the current status.
func (r *Reporter) GetStatus(ctx context.Context) (SyncStatus, error) {
	stats, err := r.queue.Stats(ctx)
	if err != nil {
		return SyncStatus{}, err
	}
	st := SyncStatus{
		IsOnline:             r.monitor.IsOnline(),
		Draining:             r.engine.Draining(),
		PendingCount:         stats.Pending,
		InFlightCount:        stats.InFlight,
		FailedCount:          stats.Failed,
		PermanentFailedCount: stats.PermanentFailed,
		ConflictedCount:      stats.Conflicted,
		LastSyncAt:           r.engine.LastSync(),
		OldestPendingAt:      millisTime(stats.OldestPendingAt),
		NextAttemptAt:        millisTime(stats.NextAttemptAt),
	}
	return st, nil
}

// Subscribe registers fn for status changes. fn runs on the notifier
// goroutine and receives the current status shortly after subscribing.
func (r *Reporter) Subscribe(fn func(SyncStatus)) (unsubscribe func()) {
	r.mu.Lock()
	id := r.next
	r.next++
	r.subs[id] = fn
	r.force = true
	r.mu.Unlock()
	r.Notify()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
		})
	}
}

// Notify asks the notifier to recompute the status. Drain start and end
// are reported this way since they do not touch the queue.
func (r *Reporter) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Close stops the notifier. It is safe to call more than once.
func (r *Reporter) Close() {
	r.once.Do(func() { close(r.closeCh) })
	<-r.done
}

// Failures lists permanent failures for individual inspection.
func (r *Reporter) Failures(ctx context.Context) ([]Failure, error) {
	failed, err := r.queue.Failures(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Failure, 0, len(failed))
	for _, m := range failed {
		out = append(out, Failure{
			ID:          string(m.ID),
			Collection:  m.Collection,
			EntityID:    m.EntityID,
			Operation:   m.Operation,
			Description: m.Description,
			Attempts:    m.Attempts,
			Error:       m.LastError,
			FailedAt:    time.UnixMilli(m.UpdatedAt),
		})
	}
	return out, nil
}

func (r *Reporter) run(changes <-chan struct{}, unsubscribe func()) {
	defer close(r.done)
	defer unsubscribe()

	retry := time.NewTimer(retryDelay)
	retry.Stop()
	defer retry.Stop()

	for {
		select {
		case <-r.closeCh:
			return
		case <-changes:
		case <-r.wake:
		case <-retry.C:
		}
		if !r.publish() {
			// A state that could not be read must still be delivered.
			retry.Reset(retryDelay)
		}
	}
}

// publish delivers the current status if it changed. It reports false when
// the status could not be computed.
func (r *Reporter) publish() bool {
	ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
	st, err := r.GetStatus(ctx)
	cancel()
	if err != nil {
		logging.Warn("Could not compute sync status", map[string]interface{}{"error": err.Error()})
		return false
	}

	sig := st.signature()
	r.mu.Lock()
	if !r.force && r.last != nil && *r.last == sig {
		r.mu.Unlock()
		return true
	}
	r.force = false
	r.last = &sig
	subs := make([]func(SyncStatus), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()

	for _, fn := range subs {
		fn(st)
	}
	return true
}

func millisTime(ms int64) *time.Time {
	if ms == 0 {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}
