// Package queue provides the durable local mutation queue.
//
// Every mutating operation is serialised by the store mutex and committed in
// a SQLite transaction before it returns, so an acknowledged Enqueue survives
// a crash and interleaved enqueue/dequeue calls cannot lose updates.
package queue

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/coachcoreai/coachcore/backend/internal/db"
	apperrors "github.com/coachcoreai/coachcore/backend/internal/errors"
	"github.com/coachcoreai/coachcore/backend/internal/logging"
	"github.com/coachcoreai/coachcore/backend/internal/models"
	"github.com/coachcoreai/coachcore/backend/internal/uuid"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultMaxSize     = 10000
)

// Repository is the persistence the store needs.
type Repository interface {
	db.MutationRepository
	GetDocument(ctx context.Context, collection, id string) (*models.Document, error)
}

// Validator checks a payload before it is queued.
type Validator interface {
	Validate(collection string, op models.Operation, payload map[string]any) error
}

// Options configures a Store.
type Options struct {
	MaxSize     int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Now         func() time.Time
}

func (o *Options) setDefaults() {
	if o.MaxSize == 0 {
		o.MaxSize = DefaultMaxSize
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// MutationInput is what the UI layer supplies for a local change.
type MutationInput struct {
	Collection       string                  `json:"collection"`
	EntityID         string                  `json:"entity_id,omitempty"`
	Operation        models.Operation        `json:"operation"`
	Payload          map[string]any          `json:"payload,omitempty"`
	BaseVersion      *int64                  `json:"base_version,omitempty"`
	FieldTimes       map[string]int64        `json:"field_times,omitempty"`
	Priority         models.Priority         `json:"priority,omitempty"`
	UserID           string                  `json:"user_id,omitempty"`
	TeamID           string                  `json:"team_id,omitempty"`
	Description      string                  `json:"description,omitempty"`
	ConflictStrategy models.ConflictStrategy `json:"conflict_strategy,omitempty"`
	MaxAttempts      int                     `json:"max_attempts,omitempty"`
}

// Filter narrows List.
type Filter = db.MutationFilter

// Store is the durable, ordered record of local mutations.
type Store struct {
	repo      Repository
	validator Validator
	opts      Options

	mu sync.Mutex

	subMu sync.Mutex
	subs  map[int]chan struct{}
	next  int
}

// New creates a Store. validator may be nil.
func New(repo Repository, validator Validator, opts Options) *Store {
	opts.setDefaults()
	return &Store{
		repo:      repo,
		validator: validator,
		opts:      opts,
		subs:      make(map[int]chan struct{}),
	}
}

func (s *Store) now() int64 {
	return s.opts.Now().UnixMilli()
}

// Backoff returns the retry delay after a failure with attempts prior
// attempts: min(base * 2^attempts, max).
func Backoff(attempts int, base, max time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= 30 {
		return max
	}
	d := base << uint(attempts)
	if d > max || d <= 0 {
		return max
	}
	return d
}

// Subscribe returns a channel that receives a value after queue changes.
// Signals coalesce: a slow reader sees one pending signal, never a backlog.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.subMu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Enqueue validates in, assigns id, sequence and timestamps, and persists
// the mutation before returning it.
func (s *Store) Enqueue(ctx context.Context, in MutationInput) (*models.QueuedMutation, error) {
	m, err := s.build(in)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.resolveBase(ctx, m); err != nil {
		return nil, err
	}
	if err := s.repo.InsertMutation(ctx, m, s.opts.MaxSize); err != nil {
		logging.ErrorWithCode("Failed to enqueue mutation", apperrors.CodeOf(err), err, map[string]interface{}{
			"collection": m.Collection,
			"entity_id":  m.EntityID,
			"operation":  m.Operation,
		})
		return nil, err
	}

	logging.Info("Mutation enqueued", map[string]interface{}{
		"id":         m.ID,
		"seq":        m.Seq,
		"collection": m.Collection,
		"entity_id":  m.EntityID,
		"operation":  m.Operation,
	})
	s.notify()
	return m.Clone(), nil
}

// build turns input into a pending mutation without touching storage.
func (s *Store) build(in MutationInput) (*models.QueuedMutation, error) {
	collection := strings.TrimSpace(in.Collection)
	if collection == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "collection is required")
	}
	if !in.Operation.Valid() {
		return nil, apperrors.Newf(apperrors.ErrValidation, "unknown operation %q", in.Operation)
	}
	priority := in.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	if !priority.Valid() {
		return nil, apperrors.Newf(apperrors.ErrValidation, "unknown priority %q", in.Priority)
	}
	if in.ConflictStrategy != "" && !in.ConflictStrategy.Valid() {
		return nil, apperrors.Newf(apperrors.ErrValidation, "unknown conflict strategy %q", in.ConflictStrategy)
	}

	now := s.now()
	m := &models.QueuedMutation{
		ID:               models.UUID(uuid.New()),
		Collection:       collection,
		EntityID:         strings.TrimSpace(in.EntityID),
		Operation:        in.Operation,
		Payload:          models.CloneMap(in.Payload),
		Priority:         priority,
		UserID:           in.UserID,
		TeamID:           in.TeamID,
		Description:      in.Description,
		ConflictStrategy: in.ConflictStrategy,
		Status:           models.StatusPending,
		MaxAttempts:      in.MaxAttempts,
		EnqueuedAt:       now,
		UpdatedAt:        now,
	}
	if m.MaxAttempts <= 0 {
		m.MaxAttempts = s.opts.MaxAttempts
	}

	switch m.Operation {
	case models.OpCreate:
		if m.EntityID == "" {
			m.EntityID = uuid.New()
		}
	case models.OpUpdate, models.OpDelete:
		if m.EntityID == "" {
			return nil, apperrors.Newf(apperrors.ErrValidation, "%s requires an entity id", m.Operation)
		}
		if in.BaseVersion != nil {
			m.BaseVersion = models.Int64(*in.BaseVersion)
		}
	}
	if m.Operation == models.OpDelete {
		m.Payload = nil
	}

	if s.validator != nil {
		if err := s.validator.Validate(m.Collection, m.Operation, m.Payload); err != nil {
			return nil, err
		}
	}

	if len(m.Payload) > 0 {
		m.FieldTimes = make(map[string]int64, len(m.Payload))
		for k := range m.Payload {
			m.FieldTimes[k] = now
		}
		for k, t := range in.FieldTimes {
			if _, ok := m.Payload[k]; ok {
				m.FieldTimes[k] = t
			}
		}
	}
	return m, nil
}

// resolveBase fills a missing base version for update and delete. A mutation
// queued behind an earlier one for the same entity takes that one's base, or
// 0 behind a create, and is rebased when the earlier write succeeds;
// otherwise the cached document version is used.
func (s *Store) resolveBase(ctx context.Context, m *models.QueuedMutation) error {
	if m.Operation == models.OpCreate || m.BaseVersion != nil {
		return nil
	}

	earlier, err := s.repo.ListMutations(ctx, db.MutationFilter{
		Collection: m.Collection,
		EntityID:   m.EntityID,
	})
	if err != nil {
		return err
	}
	if n := len(earlier); n > 0 {
		var base int64
		if prev := earlier[n-1]; prev.BaseVersion != nil {
			base = *prev.BaseVersion
		}
		m.BaseVersion = models.Int64(base)
		return nil
	}

	doc, err := s.repo.GetDocument(ctx, m.Collection, m.EntityID)
	switch {
	case apperrors.IsNotFound(err):
		return apperrors.Newf(apperrors.ErrValidation, "%s of %s requires a base version", m.Operation, m.Key())
	case err != nil:
		return err
	}
	m.BaseVersion = models.Int64(doc.Version)
	return nil
}

// Dequeue removes a mutation. Removing an unknown id is a no-op.
func (s *Store) Dequeue(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.DeleteMutation(ctx, id); err != nil {
		return err
	}
	s.notify()
	return nil
}

// ListPending returns pending and failed mutations in enqueue order.
func (s *Store) ListPending(ctx context.Context) ([]*models.QueuedMutation, error) {
	return s.repo.ListMutations(ctx, db.MutationFilter{
		Statuses: []models.MutationStatus{models.StatusPending, models.StatusFailed},
	})
}

// MarkStatus updates the status, and the attempt counter when attempts is non-nil.
func (s *Store) MarkStatus(ctx context.Context, id string, status models.MutationStatus, attempts *int) error {
	if !status.Valid() {
		return apperrors.Newf(apperrors.ErrInvalid, "unknown status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.repo.GetMutation(ctx, id)
	if err != nil {
		return err
	}
	m.Status = status
	if attempts != nil {
		m.Attempts = *attempts
	}
	if status == models.StatusPending || status == models.StatusInFlight {
		m.ErrorKind = models.ErrorKindNone
	}
	m.UpdatedAt = s.now()
	if err := s.repo.UpdateMutation(ctx, m); err != nil {
		return err
	}
	s.notify()
	return nil
}

// Get returns a mutation by id.
func (s *Store) Get(ctx context.Context, id string) (*models.QueuedMutation, error) {
	return s.repo.GetMutation(ctx, id)
}

// List returns mutations matching f in enqueue order.
func (s *Store) List(ctx context.Context, f Filter) ([]*models.QueuedMutation, error) {
	return s.repo.ListMutations(ctx, f)
}

// Stats aggregates the queue.
func (s *Store) Stats(ctx context.Context) (*models.QueueStats, error) {
	return s.repo.QueueStats(ctx)
}

// Failures returns the permanently failed mutations.
func (s *Store) Failures(ctx context.Context) ([]*models.QueuedMutation, error) {
	failed, err := s.repo.ListMutations(ctx, db.MutationFilter{
		Statuses: []models.MutationStatus{models.StatusFailed},
	})
	if err != nil {
		return nil, err
	}
	out := failed[:0]
	for _, m := range failed {
		if m.PermanentlyFailed() {
			out = append(out, m)
		}
	}
	return out, nil
}

// ScheduleRetry records a transient failure. The mutation is retried after
// Backoff, or becomes a permanent failure once its attempt limit is reached.
func (s *Store) ScheduleRetry(ctx context.Context, id string, cause error) (*models.QueuedMutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.repo.GetMutation(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	prior := m.Attempts
	m.Attempts++
	m.Status = models.StatusFailed
	m.LastError = errorText(cause)
	m.UpdatedAt = now

	limit := m.MaxAttempts
	if limit <= 0 {
		limit = s.opts.MaxAttempts
	}
	if m.Attempts >= limit {
		m.ErrorKind = models.ErrorKindPermanent
		m.NextAttemptAt = 0
		logging.Warn("Mutation exhausted retries", map[string]interface{}{
			"id":       m.ID,
			"attempts": m.Attempts,
			"error":    m.LastError,
		})
	} else {
		delay := Backoff(prior, s.opts.BaseDelay, s.opts.MaxDelay)
		m.ErrorKind = models.ErrorKindTransient
		m.NextAttemptAt = now + delay.Milliseconds()
		logging.Info("Mutation scheduled for retry", map[string]interface{}{
			"id":       m.ID,
			"attempts": m.Attempts,
			"delay_ms": delay.Milliseconds(),
			"error":    m.LastError,
		})
	}

	if err := s.repo.UpdateMutation(ctx, m); err != nil {
		return nil, err
	}
	s.notify()
	return m, nil
}

// MarkFailed records a permanent failure that needs user correction.
func (s *Store) MarkFailed(ctx context.Context, id string, cause error) (*models.QueuedMutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.repo.GetMutation(ctx, id)
	if err != nil {
		return nil, err
	}
	m.Attempts++
	m.Status = models.StatusFailed
	m.ErrorKind = models.ErrorKindPermanent
	m.LastError = errorText(cause)
	m.NextAttemptAt = 0
	m.UpdatedAt = s.now()
	if err := s.repo.UpdateMutation(ctx, m); err != nil {
		return nil, err
	}
	s.notify()
	return m, nil
}

// Reissue describes how a conflicted mutation is sent again. An empty
// Operation keeps the original one.
type Reissue struct {
	Operation   models.Operation
	Payload     map[string]any
	FieldTimes  map[string]int64
	BaseVersion *int64
}

// Requeue applies r to a mutation and makes it pending again. Conflict
// resolution uses it to re-issue a write.
func (s *Store) Requeue(ctx context.Context, id string, r Reissue) (*models.QueuedMutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.repo.GetMutation(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Operation != "" {
		if !r.Operation.Valid() {
			return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown operation %q", r.Operation)
		}
		m.Operation = r.Operation
	}
	if m.Operation == models.OpDelete {
		m.Payload = nil
	} else {
		m.Payload = models.CloneMap(r.Payload)
		if r.FieldTimes != nil {
			m.FieldTimes = r.FieldTimes
		}
	}
	m.BaseVersion = r.BaseVersion
	m.Status = models.StatusPending
	m.ErrorKind = models.ErrorKindNone
	m.LastError = ""
	m.NextAttemptAt = 0
	m.UpdatedAt = s.now()
	if err := s.repo.UpdateMutation(ctx, m); err != nil {
		return nil, err
	}
	s.notify()
	return m, nil
}

// Complete dequeues a mutation the remote store accepted at version and
// records the resulting document and change log entry.
func (s *Store) Complete(ctx context.Context, m *models.QueuedMutation, version int64, doc *models.Document, change *models.ChangeLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.CompleteMutation(ctx, m, version, doc, change); err != nil {
		return err
	}
	s.notify()
	return nil
}

// Discard dequeues a mutation whose change lost to the remote document doc.
// Later mutations for the entity are not rebased.
func (s *Store) Discard(ctx context.Context, m *models.QueuedMutation, doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.repo.DiscardMutation(ctx, m, doc); err != nil {
		return err
	}
	s.notify()
	return nil
}

// Retry resets a failed mutation to pending with a fresh attempt budget.
func (s *Store) Retry(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.repo.GetMutation(ctx, id)
	if err != nil {
		return err
	}
	if m.Status != models.StatusFailed {
		return apperrors.Newf(apperrors.ErrInvalid, "mutation %s is %s, not failed", id, m.Status)
	}
	s.reset(m)
	if err := s.repo.UpdateMutation(ctx, m); err != nil {
		return err
	}
	logging.Info("Mutation reset for retry", map[string]interface{}{"id": id})
	s.notify()
	return nil
}

// RetryAll resets every failed mutation to pending.
func (s *Store) RetryAll(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	failed, err := s.repo.ListMutations(ctx, db.MutationFilter{
		Statuses: []models.MutationStatus{models.StatusFailed},
	})
	if err != nil {
		return 0, err
	}
	for _, m := range failed {
		s.reset(m)
		if err := s.repo.UpdateMutation(ctx, m); err != nil {
			return 0, err
		}
	}
	if len(failed) > 0 {
		logging.Info("Reset failed mutations for retry", map[string]interface{}{"count": len(failed)})
		s.notify()
	}
	return len(failed), nil
}

func (s *Store) reset(m *models.QueuedMutation) {
	m.Status = models.StatusPending
	m.Attempts = 0
	m.ErrorKind = models.ErrorKindNone
	m.LastError = ""
	m.NextAttemptAt = 0
	m.UpdatedAt = s.now()
}

// Clear removes every mutation that is not currently in flight.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.repo.DeleteMutations(ctx,
		models.StatusPending, models.StatusFailed, models.StatusConflicted, models.StatusSynced)
	if err != nil {
		return 0, err
	}
	logging.Warn("Mutation queue cleared", map[string]interface{}{"removed": n})
	s.notify()
	return n, nil
}

// RecoverInFlight returns mutations left in flight by a previous process to
// pending. It runs once at startup, before the first drain.
func (s *Store) RecoverInFlight(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.repo.ResetInFlight(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("Recovered in-flight mutations", map[string]interface{}{"count": n})
		s.notify()
	}
	return n, nil
}

// PromoteDue returns transient failures whose backoff elapsed to pending.
func (s *Store) PromoteDue(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.repo.PromoteDue(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.notify()
	}
	return n, nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
