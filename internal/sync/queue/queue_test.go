package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachcoreai/coachcore/backend/internal/db"
	apperrors "github.com/coachcoreai/coachcore/backend/internal/errors"
	"github.com/coachcoreai/coachcore/backend/internal/models"
	"github.com/coachcoreai/coachcore/backend/internal/validation"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, opts Options) (*Store, *db.Repository, *fakeClock) {
	t.Helper()
	database, err := db.OpenPath(":memory:")
	require.NoError(t, err)
	repo := db.NewRepository(database.DB)
	t.Cleanup(func() {
		repo.Close()
		database.Close()
	})

	v, err := validation.New()
	require.NoError(t, err)

	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	opts.Now = clock.Now
	return New(repo, v, opts), repo, clock
}

func update(entity string, base int64, payload map[string]any) MutationInput {
	return MutationInput{
		Collection:  "plays",
		EntityID:    entity,
		Operation:   models.OpUpdate,
		Payload:     payload,
		BaseVersion: models.Int64(base),
	}
}

func TestEnqueue_assignsIdentity(t *testing.T) {
	ctx := context.Background()
	s, _, clock := newTestStore(t, Options{})

	m, err := s.Enqueue(ctx, update("p1", 5, map[string]any{"description": "X"}))
	require.NoError(t, err)

	assert.NotEmpty(t, m.ID)
	assert.Equal(t, int64(1), m.Seq)
	assert.Equal(t, models.StatusPending, m.Status)
	assert.Equal(t, clock.Now().UnixMilli(), m.EnqueuedAt)
	assert.Equal(t, models.PriorityNormal, m.Priority)
	assert.Equal(t, DefaultMaxAttempts, m.MaxAttempts)
	assert.Equal(t, map[string]int64{"description": clock.Now().UnixMilli()}, m.FieldTimes)

	stored, err := s.Get(ctx, string(m.ID))
	require.NoError(t, err)
	assert.Equal(t, "X", stored.Payload["description"])
}

func TestEnqueue_createAssignsEntityAndDropsBase(t *testing.T) {
	s, _, _ := newTestStore(t, Options{})

	m, err := s.Enqueue(context.Background(), MutationInput{
		Collection:  "plays",
		Operation:   models.OpCreate,
		Payload:     map[string]any{"name": "Flex"},
		BaseVersion: models.Int64(3),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, m.EntityID)
	assert.Nil(t, m.BaseVersion)
}

func TestEnqueue_fieldTimesOverride(t *testing.T) {
	s, _, clock := newTestStore(t, Options{})

	in := update("p1", 1, map[string]any{"description": "X", "name": "Y"})
	in.FieldTimes = map[string]int64{"description": 42, "ignored": 7}
	m, err := s.Enqueue(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"description": 42, "name": clock.Now().UnixMilli()}, m.FieldTimes)
}

func TestEnqueue_validation(t *testing.T) {
	s, _, _ := newTestStore(t, Options{})

	tests := []struct {
		name string
		in   MutationInput
	}{
		{"missing collection", MutationInput{Operation: models.OpCreate}},
		{"bad operation", MutationInput{Collection: "plays", Operation: "batch"}},
		{"update without entity", MutationInput{Collection: "plays", Operation: models.OpUpdate, BaseVersion: models.Int64(1)}},
		{"bad priority", MutationInput{Collection: "plays", Operation: models.OpCreate, Payload: map[string]any{"name": "x"}, Priority: "urgent"}},
		{"bad strategy", MutationInput{Collection: "plays", Operation: models.OpCreate, Payload: map[string]any{"name": "x"}, ConflictStrategy: "newest"}},
		{"schema violation", MutationInput{Collection: "plays", Operation: models.OpCreate, Payload: map[string]any{"description": "no name"}}},
		{"update without base", MutationInput{Collection: "plays", EntityID: "p9", Operation: models.OpUpdate, Payload: map[string]any{"name": "x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Enqueue(context.Background(), tt.in)
			require.Error(t, err)
			assert.Equal(t, apperrors.ErrValidation, apperrors.CodeOf(err))
		})
	}

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Total, "rejected input must not be queued")
}

func TestEnqueue_baseFromQueueOrCache(t *testing.T) {
	ctx := context.Background()
	s, repo, _ := newTestStore(t, Options{})

	create, err := s.Enqueue(ctx, MutationInput{Collection: "plays", EntityID: "p1", Operation: models.OpCreate, Payload: map[string]any{"name": "Flex"}})
	require.NoError(t, err)
	behindCreate, err := s.Enqueue(ctx, MutationInput{Collection: "plays", EntityID: create.EntityID, Operation: models.OpUpdate, Payload: map[string]any{"name": "Stack"}})
	require.NoError(t, err, "an update behind a queued create needs no base")
	require.NotNil(t, behindCreate.BaseVersion)
	assert.Equal(t, int64(0), *behindCreate.BaseVersion)

	head, err := s.Enqueue(ctx, update("p3", 4, map[string]any{"name": "Trap"}))
	require.NoError(t, err)
	behindUpdate, err := s.Enqueue(ctx, MutationInput{Collection: "plays", EntityID: head.EntityID, Operation: models.OpUpdate, Payload: map[string]any{"name": "Trap 2"}})
	require.NoError(t, err)
	require.NotNil(t, behindUpdate.BaseVersion)
	assert.Equal(t, int64(4), *behindUpdate.BaseVersion)

	require.NoError(t, repo.UpsertDocument(ctx, &models.Document{Collection: "plays", ID: "p2", Version: 9, UpdatedAt: 1}))
	m, err := s.Enqueue(ctx, MutationInput{Collection: "plays", EntityID: "p2", Operation: models.OpDelete})
	require.NoError(t, err)
	require.NotNil(t, m.BaseVersion)
	assert.Equal(t, int64(9), *m.BaseVersion)
	assert.Nil(t, m.Payload)
}

func TestEnqueue_queueFull(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, Options{MaxSize: 2})

	for i := 0; i < 2; i++ {
		_, err := s.Enqueue(ctx, update(fmt.Sprintf("p%d", i), 1, map[string]any{"name": "x"}))
		require.NoError(t, err)
	}
	_, err := s.Enqueue(ctx, update("p9", 1, map[string]any{"name": "x"}))
	assert.True(t, apperrors.IsStorage(err), "err = %v", err)
}

func TestEnqueue_storageFailurePropagates(t *testing.T) {
	database, err := db.OpenPath(":memory:")
	require.NoError(t, err)
	repo := db.NewRepository(database.DB)
	s := New(repo, nil, Options{})
	require.NoError(t, database.Close())

	_, err = s.Enqueue(context.Background(), update("p1", 1, map[string]any{"name": "x"}))
	assert.True(t, apperrors.IsStorage(err), "err = %v", err)
}

func TestEnqueue_concurrentSeqUnique(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Enqueue(ctx, update(fmt.Sprintf("p%d", i%4), 1, map[string]any{"name": "x"}))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 20)
	for i, m := range all {
		assert.Equal(t, int64(i+1), m.Seq)
	}
}

func TestDequeue_idempotent(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, Options{})

	m, err := s.Enqueue(ctx, update("p1", 1, map[string]any{"name": "x"}))
	require.NoError(t, err)
	require.NoError(t, s.Dequeue(ctx, string(m.ID)))
	require.NoError(t, s.Dequeue(ctx, string(m.ID)))
	require.NoError(t, s.Dequeue(ctx, "never-existed"))
}

func TestListPending_orderAndStatuses(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, Options{})

	var ids []string
	for i := 0; i < 4; i++ {
		m, err := s.Enqueue(ctx, update(fmt.Sprintf("p%d", i), 1, map[string]any{"name": "x"}))
		require.NoError(t, err)
		ids = append(ids, string(m.ID))
	}
	require.NoError(t, s.MarkStatus(ctx, ids[1], models.StatusConflicted, nil))
	require.NoError(t, s.MarkStatus(ctx, ids[2], models.StatusFailed, nil))
	require.NoError(t, s.MarkStatus(ctx, ids[3], models.StatusInFlight, nil))

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ids[0], string(pending[0].ID))
	assert.Equal(t, ids[2], string(pending[1].ID))
}

func TestMarkStatus(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, Options{})

	m, err := s.Enqueue(ctx, update("p1", 1, map[string]any{"name": "x"}))
	require.NoError(t, err)

	attempts := 3
	require.NoError(t, s.MarkStatus(ctx, string(m.ID), models.StatusInFlight, &attempts))
	got, err := s.Get(ctx, string(m.ID))
	require.NoError(t, err)
	assert.Equal(t, models.StatusInFlight, got.Status)
	assert.Equal(t, 3, got.Attempts)

	err = s.MarkStatus(ctx, "missing", models.StatusSynced, nil)
	assert.True(t, apperrors.IsNotFound(err))
	err = s.MarkStatus(ctx, string(m.ID), "done", nil)
	assert.Equal(t, apperrors.ErrInvalid, apperrors.CodeOf(err))
}

func TestBackoff(t *testing.T) {
	base, max := time.Second, 30*time.Second
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{40, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempts, base, max), "attempts=%d", tt.attempts)
	}
}

func TestScheduleRetry_backoffThenPermanent(t *testing.T) {
	ctx := context.Background()
	s, _, clock := newTestStore(t, Options{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second})

	m, err := s.Enqueue(ctx, update("p1", 1, map[string]any{"name": "x"}))
	require.NoError(t, err)
	id := string(m.ID)
	cause := errors.New("503 service unavailable")

	got, err := s.ScheduleRetry(ctx, id, cause)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, models.ErrorKindTransient, got.ErrorKind)
	assert.Equal(t, clock.Now().UnixMilli()+1000, got.NextAttemptAt)
	assert.Equal(t, "503 service unavailable", got.LastError)

	// Not due yet.
	n, err := s.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(time.Second)
	n, err = s.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err = s.ScheduleRetry(ctx, id, cause)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().UnixMilli()+2000, got.NextAttemptAt)

	got, err = s.ScheduleRetry(ctx, id, cause)
	require.NoError(t, err)
	assert.True(t, got.PermanentlyFailed(), "third attempt reaches the limit")

	failures, err := s.Failures(ctx)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, id, string(failures[0].ID))
}

func TestMarkFailedAndRetry(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, Options{})

	m, err := s.Enqueue(ctx, update("p1", 1, map[string]any{"name": "x"}))
	require.NoError(t, err)
	id := string(m.ID)

	assert.Equal(t, apperrors.ErrInvalid, apperrors.CodeOf(s.Retry(ctx, id)), "pending mutations cannot be retried")

	got, err := s.MarkFailed(ctx, id, errors.New("permission denied"))
	require.NoError(t, err)
	assert.True(t, got.PermanentlyFailed())

	require.NoError(t, s.Retry(ctx, id))
	got, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Empty(t, got.LastError)
	assert.Equal(t, models.ErrorKindNone, got.ErrorKind)
}

func TestRetryAll(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, Options{})

	for i := 0; i < 3; i++ {
		m, err := s.Enqueue(ctx, update(fmt.Sprintf("p%d", i), 1, map[string]any{"name": "x"}))
		require.NoError(t, err)
		if i > 0 {
			_, err = s.MarkFailed(ctx, string(m.ID), errors.New("denied"))
			require.NoError(t, err)
		}
	}
	n, err := s.RetryAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Pending)
}

func TestRequeue(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, Options{})

	m, err := s.Enqueue(ctx, update("p1", 5, map[string]any{"description": "X"}))
	require.NoError(t, err)
	require.NoError(t, s.MarkStatus(ctx, string(m.ID), models.StatusConflicted, nil))

	got, err := s.Requeue(ctx, string(m.ID), Reissue{
		Payload:     map[string]any{"description": "merged"},
		FieldTimes:  map[string]int64{"description": 9},
		BaseVersion: models.Int64(6),
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, models.OpUpdate, got.Operation)
	assert.Equal(t, int64(6), *got.BaseVersion)
	assert.Equal(t, "merged", got.Payload["description"])
	assert.Equal(t, int64(9), got.FieldTimes["description"])

	got, err = s.Requeue(ctx, string(m.ID), Reissue{Operation: models.OpCreate, Payload: got.Payload, BaseVersion: models.Int64(7)})
	require.NoError(t, err)
	stored, err := s.Get(ctx, string(m.ID))
	require.NoError(t, err)
	assert.Equal(t, models.OpCreate, stored.Operation, "operation change is persisted")
	assert.Equal(t, got.Seq, stored.Seq)

	_, err = s.Requeue(ctx, string(m.ID), Reissue{Operation: "BATCH"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestClearKeepsInFlight(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, Options{})

	a, err := s.Enqueue(ctx, update("p1", 1, map[string]any{"name": "x"}))
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, update("p2", 1, map[string]any{"name": "x"}))
	require.NoError(t, err)
	require.NoError(t, s.MarkStatus(ctx, string(a.ID), models.StatusInFlight, nil))

	n, err := s.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.InFlight)
}

func TestRecoverInFlight(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, Options{})

	m, err := s.Enqueue(ctx, update("p1", 1, map[string]any{"name": "x"}))
	require.NoError(t, err)
	require.NoError(t, s.MarkStatus(ctx, string(m.ID), models.StatusInFlight, nil))

	n, err := s.RecoverInFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, m.ID, pending[0].ID)
}

func TestComplete_rebasesNext(t *testing.T) {
	ctx := context.Background()
	s, repo, _ := newTestStore(t, Options{})

	first, err := s.Enqueue(ctx, update("p1", 5, map[string]any{"description": "A"}))
	require.NoError(t, err)
	second, err := s.Enqueue(ctx, update("p1", 5, map[string]any{"description": "B"}))
	require.NoError(t, err)

	doc := &models.Document{Collection: "plays", ID: "p1", Version: 6, Data: map[string]any{"description": "A"}}
	require.NoError(t, s.Complete(ctx, first, 6, doc, nil))

	got, err := s.Get(ctx, string(second.ID))
	require.NoError(t, err)
	assert.Equal(t, int64(6), *got.BaseVersion)

	cached, err := repo.GetDocument(ctx, "plays", "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), cached.Version)
}

func TestDiscard_keepsNextBase(t *testing.T) {
	ctx := context.Background()
	s, repo, _ := newTestStore(t, Options{})

	first, err := s.Enqueue(ctx, update("p1", 5, map[string]any{"description": "A"}))
	require.NoError(t, err)
	second, err := s.Enqueue(ctx, MutationInput{Collection: "plays", EntityID: "p1", Operation: models.OpUpdate, Payload: map[string]any{"description": "B"}})
	require.NoError(t, err)

	doc := &models.Document{Collection: "plays", ID: "p1", Version: 6, Data: map[string]any{"description": "Remote"}}
	require.NoError(t, s.Discard(ctx, first, doc))

	got, err := s.Get(ctx, string(second.ID))
	require.NoError(t, err)
	assert.Equal(t, int64(5), *got.BaseVersion)

	cached, err := repo.GetDocument(ctx, "plays", "p1")
	require.NoError(t, err)
	assert.Equal(t, "Remote", cached.Data["description"])
}

func TestSubscribe_coalesces(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, Options{})

	ch, cancel := s.Subscribe()
	for i := 0; i < 5; i++ {
		_, err := s.Enqueue(ctx, update("p1", 1, map[string]any{"name": "x"}))
		require.NoError(t, err)
	}

	select {
	case <-ch:
	default:
		t.Fatal("expected a change signal")
	}
	select {
	case <-ch:
		t.Fatal("signals should coalesce")
	default:
	}

	cancel()
	cancel()
	_, err := s.Enqueue(ctx, update("p2", 1, map[string]any{"name": "x"}))
	require.NoError(t, err)
	select {
	case <-ch:
		t.Fatal("unsubscribed channel received a signal")
	default:
	}
}
