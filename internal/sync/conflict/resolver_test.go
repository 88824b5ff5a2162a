package conflict

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachcoreai/coachcore/backend/internal/db"
	apperrors "github.com/coachcoreai/coachcore/backend/internal/errors"
	"github.com/coachcoreai/coachcore/backend/internal/models"
	"github.com/coachcoreai/coachcore/backend/internal/sync/queue"
)

const testNow = int64(1_700_000_000_000)

type harness struct {
	resolver *Resolver
	queue    *queue.Store
	repo     *db.Repository
}

func newHarness(t *testing.T, policy Policy) *harness {
	t.Helper()
	database, err := db.OpenPath(":memory:")
	require.NoError(t, err)
	repo := db.NewRepository(database.DB)
	t.Cleanup(func() {
		repo.Close()
		database.Close()
	})

	now := func() time.Time { return time.UnixMilli(testNow) }
	q := queue.New(repo, nil, queue.Options{Now: now})
	return &harness{
		resolver: NewResolver(repo, q, Options{Policy: policy, Now: now}),
		queue:    q,
		repo:     repo,
	}
}

// enqueueInFlight queues an update of plays/<entity> and marks it in flight,
// as the engine does before calling the remote store.
func (h *harness) enqueueInFlight(t *testing.T, entity string, base int64, payload map[string]any, times map[string]int64) *models.QueuedMutation {
	t.Helper()
	ctx := context.Background()
	m, err := h.queue.Enqueue(ctx, queue.MutationInput{
		Collection:  "plays",
		EntityID:    entity,
		Operation:   models.OpUpdate,
		Payload:     payload,
		BaseVersion: models.Int64(base),
		FieldTimes:  times,
	})
	require.NoError(t, err)
	require.NoError(t, h.queue.MarkStatus(ctx, string(m.ID), models.StatusInFlight, nil))
	m.Status = models.StatusInFlight
	return m
}

func remoteDoc(version int64, data map[string]any, times map[string]int64) *models.Document {
	return &models.Document{
		Collection: "plays",
		ID:         "p1",
		Version:    version,
		Data:       data,
		FieldTimes: times,
		UpdatedAt:  testNow - 1000,
	}
}

// TestOfflineEditThenReconnect covers a manual conflict: the record is
// persisted and the mutation stays conflicted.
func TestOfflineEditThenReconnect(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultPolicy())

	m := h.enqueueInFlight(t, "p1", 5, map[string]any{"description": "X"}, nil)
	snapshot := remoteDoc(6, map[string]any{"name": "Zone", "description": "Y"}, nil)

	var detected []*models.ConflictRecord
	h.resolver.SetHooks(Hooks{OnDetected: func(rec *models.ConflictRecord) { detected = append(detected, rec) }})

	out, err := h.resolver.HandleConflict(ctx, m, snapshot)
	require.NoError(t, err)
	assert.False(t, out.Settled)
	assert.Equal(t, models.StrategyManualPending, out.Strategy)
	require.Len(t, detected, 1)

	stored, err := h.queue.Get(ctx, string(m.ID))
	require.NoError(t, err)
	assert.Equal(t, models.StatusConflicted, stored.Status)

	rec, err := h.resolver.Get(ctx, string(out.Record.ID))
	require.NoError(t, err)
	assert.False(t, rec.Resolved())
	assert.Equal(t, m.ID, rec.MutationID)
	assert.Equal(t, int64(6), rec.RemoteSnapshot.Version)
	assert.Equal(t, "X", rec.Mutation.Payload["description"])

	open, err := h.resolver.List(ctx, true)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

// TestResolveServerWins adopts the remote document without a remote write.
func TestResolveServerWins(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultPolicy())

	m := h.enqueueInFlight(t, "p1", 5, map[string]any{"description": "X"}, nil)
	out, err := h.resolver.HandleConflict(ctx, m, remoteDoc(6, map[string]any{"name": "Zone", "description": "Y"}, nil))
	require.NoError(t, err)

	res, err := h.resolver.Resolve(ctx, string(out.Record.ID), Resolution{Strategy: models.StrategyServerWins})
	require.NoError(t, err)
	assert.True(t, res.Settled)
	assert.False(t, res.Requeued)
	assert.Equal(t, models.StatusSynced, res.Mutation.Status)

	_, err = h.queue.Get(ctx, string(m.ID))
	assert.True(t, apperrors.IsNotFound(err), "synced mutation leaves the queue")

	doc, err := h.repo.GetDocument(ctx, "plays", "p1")
	require.NoError(t, err)
	assert.Equal(t, "Y", doc.Data["description"])
	assert.Equal(t, int64(6), doc.Version)

	logs, err := h.repo.ListConflictLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.StrategyServerWins, logs[0].Resolution)
	assert.Equal(t, "user", logs[0].ResolvedBy)
	assert.Equal(t, int64(5), logs[0].LocalVersion)
	assert.Equal(t, int64(6), logs[0].RemoteVersion)
}

func TestResolveIsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultPolicy())

	m := h.enqueueInFlight(t, "p1", 5, map[string]any{"description": "X"}, nil)
	out, err := h.resolver.HandleConflict(ctx, m, remoteDoc(6, map[string]any{"description": "Y"}, nil))
	require.NoError(t, err)
	id := string(out.Record.ID)

	_, err = h.resolver.Resolve(ctx, id, Resolution{Strategy: models.StrategyClientWins})
	require.NoError(t, err)
	first, err := h.resolver.Get(ctx, id)
	require.NoError(t, err)

	_, err = h.resolver.Resolve(ctx, id, Resolution{Strategy: models.StrategyServerWins})
	assert.True(t, apperrors.IsAlreadyResolved(err), "err = %v", err)

	second, err := h.resolver.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first.Strategy, second.Strategy)
	assert.Equal(t, *first.ResolvedAt, *second.ResolvedAt)

	stored, err := h.queue.Get(ctx, string(m.ID))
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status, "the losing call must not touch the mutation")
}

func TestResolveConcurrentCallsSucceedOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultPolicy())

	m := h.enqueueInFlight(t, "p1", 5, map[string]any{"description": "X"}, nil)
	out, err := h.resolver.HandleConflict(ctx, m, remoteDoc(6, map[string]any{"description": "Y"}, nil))
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		ok, dupe atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.resolver.Resolve(ctx, string(out.Record.ID), Resolution{Strategy: models.StrategyClientWins})
			switch {
			case err == nil:
				ok.Add(1)
			case apperrors.IsAlreadyResolved(err):
				dupe.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(7), dupe.Load())
}

func TestClientWinsRequeuesWithRemoteBase(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Policy{Default: models.StrategyClientWins})

	var requeues int
	h.resolver.SetHooks(Hooks{OnRequeue: func() { requeues++ }})

	m := h.enqueueInFlight(t, "p1", 5, map[string]any{"description": "X"}, nil)
	out, err := h.resolver.HandleConflict(ctx, m, remoteDoc(6, map[string]any{"description": "Y"}, nil))
	require.NoError(t, err)
	assert.True(t, out.Settled)
	assert.True(t, out.Requeued)
	assert.Equal(t, 1, requeues)

	stored, err := h.queue.Get(ctx, string(m.ID))
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Equal(t, int64(6), *stored.BaseVersion)
	assert.Equal(t, "X", stored.Payload["description"])
	assert.Equal(t, stored.Seq, m.Seq, "re-issue keeps the entity order")

	rec, err := h.resolver.Get(ctx, string(out.Record.ID))
	require.NoError(t, err)
	assert.True(t, rec.Resolved())
	assert.Equal(t, ResolvedByAuto, rec.ResolvedBy)
}

func TestMergeStrategy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Policy{Default: models.StrategyManualPending, Collections: map[string]models.ConflictStrategy{"plays": models.StrategyMerge}})

	m := h.enqueueInFlight(t, "p1", 5,
		map[string]any{"description": "local", "formation": "4-3"},
		map[string]int64{"description": testNow - 100, "formation": testNow - 5000})
	snapshot := remoteDoc(6,
		map[string]any{"name": "Zone", "description": "remote", "formation": "3-4"},
		map[string]int64{"name": testNow - 9000, "description": testNow - 500, "formation": testNow - 200})

	out, err := h.resolver.HandleConflict(ctx, m, snapshot)
	require.NoError(t, err)
	assert.Equal(t, models.StrategyMerge, out.Strategy)
	require.True(t, out.Requeued)

	stored, err := h.queue.Get(ctx, string(m.ID))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Zone", "description": "local", "formation": "3-4"}, stored.Payload)
	assert.Equal(t, int64(6), *stored.BaseVersion)
}

func TestMergeWithoutFieldTimesUsesFallback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Policy{Default: models.StrategyMerge})

	m := h.enqueueInFlight(t, "p1", 5, map[string]any{"description": "X"}, nil)
	out, err := h.resolver.HandleConflict(ctx, m, remoteDoc(6, map[string]any{"description": "Y"}, nil))
	require.NoError(t, err)
	assert.Equal(t, models.StrategyServerWins, out.Strategy)
	assert.False(t, out.Requeued)

	doc, err := h.repo.GetDocument(ctx, "plays", "p1")
	require.NoError(t, err)
	assert.Equal(t, "Y", doc.Data["description"])
}

func TestMutationOverrideWinsOverPolicy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Policy{Default: models.StrategyServerWins})

	m, err := h.queue.Enqueue(ctx, queue.MutationInput{
		Collection: "plays", EntityID: "p1", Operation: models.OpUpdate,
		Payload: map[string]any{"description": "X"}, BaseVersion: models.Int64(5),
		ConflictStrategy: models.StrategyManualPending,
	})
	require.NoError(t, err)

	out, err := h.resolver.HandleConflict(ctx, m, remoteDoc(6, map[string]any{"description": "Y"}, nil))
	require.NoError(t, err)
	assert.Equal(t, models.StrategyManualPending, out.Strategy)
}

func TestServerWinsKeepsSuccessorBase(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Policy{Default: models.StrategyServerWins})

	m := h.enqueueInFlight(t, "p1", 5, map[string]any{"description": "X"}, nil)
	next, err := h.queue.Enqueue(ctx, queue.MutationInput{
		Collection: "plays", EntityID: "p1", Operation: models.OpUpdate,
		Payload: map[string]any{"name": "Later"},
	})
	require.NoError(t, err)
	require.NotNil(t, next.BaseVersion)
	assert.Equal(t, int64(5), *next.BaseVersion)

	_, err = h.resolver.HandleConflict(ctx, m, remoteDoc(6, map[string]any{"description": "Y"}, nil))
	require.NoError(t, err)

	// The successor was built on the discarded edit and must still
	// conflict with version 6.
	stored, err := h.queue.Get(ctx, string(next.ID))
	require.NoError(t, err)
	require.NotNil(t, stored.BaseVersion)
	assert.Equal(t, int64(5), *stored.BaseVersion)

	cached, err := h.repo.GetDocument(ctx, "plays", "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), cached.Version)
}

func TestCreateConflictReissuedAsUpdate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Policy{Default: models.StrategyClientWins})

	m, err := h.queue.Enqueue(ctx, queue.MutationInput{
		Collection: "plays", EntityID: "p1", Operation: models.OpCreate,
		Payload: map[string]any{"name": "Mine"},
	})
	require.NoError(t, err)

	_, err = h.resolver.HandleConflict(ctx, m, remoteDoc(1, map[string]any{"name": "Theirs"}, nil))
	require.NoError(t, err)

	stored, err := h.queue.Get(ctx, string(m.ID))
	require.NoError(t, err)
	assert.Equal(t, models.OpUpdate, stored.Operation)
	assert.Equal(t, int64(1), *stored.BaseVersion)
}

func TestResolveWithExplicitPayload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultPolicy())

	m := h.enqueueInFlight(t, "p1", 5, map[string]any{"description": "X"}, nil)
	out, err := h.resolver.HandleConflict(ctx, m, remoteDoc(6, map[string]any{"description": "Y"}, nil))
	require.NoError(t, err)

	res, err := h.resolver.Resolve(ctx, string(out.Record.ID), Resolution{
		Strategy:   models.StrategyMerge,
		Payload:    map[string]any{"description": "X and Y"},
		ResolvedBy: "coach@example.com",
	})
	require.NoError(t, err)
	assert.True(t, res.Requeued)
	assert.Equal(t, "X and Y", res.Mutation.Payload["description"])
	assert.Equal(t, testNow, res.Mutation.FieldTimes["description"])

	rec, err := h.resolver.Get(ctx, string(out.Record.ID))
	require.NoError(t, err)
	assert.Equal(t, "coach@example.com", rec.ResolvedBy)
	assert.Equal(t, "X and Y", rec.ResolvedPayload["description"])
}

func TestResolveRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultPolicy())

	_, err := h.resolver.Resolve(ctx, "missing", Resolution{Strategy: models.StrategyManualPending})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	_, err = h.resolver.Resolve(ctx, "missing", Resolution{Strategy: models.StrategyServerWins})
	assert.True(t, apperrors.IsNotFound(err))
}

func TestAcknowledge(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultPolicy())

	m := h.enqueueInFlight(t, "p1", 5, map[string]any{"description": "X"}, nil)
	out, err := h.resolver.HandleConflict(ctx, m, remoteDoc(6, map[string]any{"description": "Y"}, nil))
	require.NoError(t, err)
	id := string(out.Record.ID)

	err = h.resolver.Acknowledge(ctx, id)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid), "unresolved records cannot be acknowledged")

	_, err = h.resolver.Resolve(ctx, id, Resolution{Strategy: models.StrategyServerWins})
	require.NoError(t, err)
	require.NoError(t, h.resolver.Acknowledge(ctx, id))

	_, err = h.resolver.Get(ctx, id)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, DefaultPolicy())

	// Open record whose mutation was cleared.
	m := h.enqueueInFlight(t, "p1", 5, map[string]any{"description": "X"}, nil)
	out, err := h.resolver.HandleConflict(ctx, m, remoteDoc(6, map[string]any{"description": "Y"}, nil))
	require.NoError(t, err)
	require.NoError(t, h.queue.Dequeue(ctx, string(m.ID)))

	// Conflicted mutation without a record.
	orphan := h.enqueueInFlight(t, "p2", 1, map[string]any{"description": "Z"}, nil)
	require.NoError(t, h.queue.MarkStatus(ctx, string(orphan.ID), models.StatusConflicted, nil))

	n, err := h.resolver.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec, err := h.resolver.Get(ctx, string(out.Record.ID))
	require.NoError(t, err)
	assert.True(t, rec.Resolved())
	assert.Equal(t, "recovery", rec.ResolvedBy)

	stored, err := h.queue.Get(ctx, string(orphan.ID))
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
}

func TestDetectConflict(t *testing.T) {
	base := models.Int64(3)
	tests := []struct {
		name   string
		m      *models.QueuedMutation
		remote *models.Document
		want   bool
	}{
		{"same version", &models.QueuedMutation{Operation: models.OpUpdate, BaseVersion: base}, &models.Document{Version: 3}, false},
		{"newer remote", &models.QueuedMutation{Operation: models.OpUpdate, BaseVersion: base}, &models.Document{Version: 4}, true},
		{"create over live", &models.QueuedMutation{Operation: models.OpCreate}, &models.Document{Version: 1}, true},
		{"create over tombstone", &models.QueuedMutation{Operation: models.OpCreate}, &models.Document{Version: 2, Deleted: true}, false},
		{"update over tombstone", &models.QueuedMutation{Operation: models.OpUpdate, BaseVersion: base}, &models.Document{Version: 4, Deleted: true}, true},
		{"no remote", &models.QueuedMutation{Operation: models.OpUpdate, BaseVersion: base}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectConflict(tt.m, tt.remote))
		})
	}
}
