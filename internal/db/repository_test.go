package db

import (
	"context"
	"fmt"
	"testing"

	apperrors "github.com/coachcoreai/coachcore/backend/internal/errors"
	"github.com/coachcoreai/coachcore/backend/internal/models"
)

// setupTestRepo opens a migrated in-memory database.
func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := OpenPath(":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	repo := NewRepository(db.DB)
	t.Cleanup(func() {
		repo.Close()
		db.Close()
	})
	return repo
}

func newMutation(id, collection, entity string, op models.Operation, base *int64) *models.QueuedMutation {
	return &models.QueuedMutation{
		ID:          models.UUID(id),
		Collection:  collection,
		EntityID:    entity,
		Operation:   op,
		Payload:     map[string]any{"name": "Flex " + id},
		BaseVersion: base,
		FieldTimes:  map[string]int64{"name": 100},
		Priority:    models.PriorityNormal,
		Status:      models.StatusPending,
		EnqueuedAt:  1000,
		UpdatedAt:   1000,
	}
}

// =====================================================
// Mutation Queue Tests
// =====================================================

func TestInsertMutation_assignsSeq(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)

	for i := 1; i <= 3; i++ {
		m := newMutation(fmt.Sprintf("m-%d", i), "plays", "p1", models.OpUpdate, models.Int64(1))
		if err := repo.InsertMutation(ctx, m, 0); err != nil {
			t.Fatalf("InsertMutation failed: %v", err)
		}
		if m.Seq != int64(i) {
			t.Errorf("Seq = %d, want %d", m.Seq, i)
		}
	}

	got, err := repo.GetMutation(ctx, "m-2")
	if err != nil {
		t.Fatalf("GetMutation failed: %v", err)
	}
	if got.Payload["name"] != "Flex m-2" {
		t.Errorf("Payload = %v", got.Payload)
	}
	if got.BaseVersion == nil || *got.BaseVersion != 1 {
		t.Errorf("BaseVersion = %v, want 1", got.BaseVersion)
	}
	if got.FieldTimes["name"] != 100 {
		t.Errorf("FieldTimes = %v", got.FieldTimes)
	}
	if got.Operation != models.OpUpdate || got.Status != models.StatusPending {
		t.Errorf("Operation/Status = %s/%s", got.Operation, got.Status)
	}
}

func TestInsertMutation_limit(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)

	if err := repo.InsertMutation(ctx, newMutation("m-1", "plays", "p1", models.OpCreate, nil), 1); err != nil {
		t.Fatalf("InsertMutation failed: %v", err)
	}
	err := repo.InsertMutation(ctx, newMutation("m-2", "plays", "p2", models.OpCreate, nil), 1)
	if !apperrors.IsStorage(err) {
		t.Fatalf("InsertMutation error = %v, want STORAGE_ERROR", err)
	}
}

func TestInsertMutation_duplicateID(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)

	m := newMutation("m-1", "plays", "p1", models.OpCreate, nil)
	if err := repo.InsertMutation(ctx, m, 0); err != nil {
		t.Fatalf("InsertMutation failed: %v", err)
	}
	if err := repo.InsertMutation(ctx, newMutation("m-1", "plays", "p1", models.OpCreate, nil), 0); !apperrors.IsStorage(err) {
		t.Fatalf("duplicate insert error = %v, want STORAGE_ERROR", err)
	}
}

func TestGetMutationNotFound(t *testing.T) {
	repo := setupTestRepo(t)
	_, err := repo.GetMutation(context.Background(), "missing")
	if !apperrors.IsNotFound(err) {
		t.Fatalf("GetMutation error = %v, want NOT_FOUND", err)
	}
}

func TestListMutations_filters(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)

	a := newMutation("m-a", "plays", "p1", models.OpCreate, nil)
	b := newMutation("m-b", "practicePlans", "pp1", models.OpCreate, nil)
	b.UserID = "coach-1"
	b.Priority = models.PriorityHigh
	c := newMutation("m-c", "plays", "p2", models.OpCreate, nil)
	c.Status = models.StatusFailed
	for _, m := range []*models.QueuedMutation{a, b, c} {
		if err := repo.InsertMutation(ctx, m, 0); err != nil {
			t.Fatalf("InsertMutation failed: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter MutationFilter
		want   []string
	}{
		{"all in seq order", MutationFilter{}, []string{"m-a", "m-b", "m-c"}},
		{"by collection", MutationFilter{Collection: "plays"}, []string{"m-a", "m-c"}},
		{"by status", MutationFilter{Statuses: []models.MutationStatus{models.StatusFailed}}, []string{"m-c"}},
		{"by statuses", MutationFilter{Statuses: []models.MutationStatus{models.StatusPending, models.StatusFailed}}, []string{"m-a", "m-b", "m-c"}},
		{"by user", MutationFilter{UserID: "coach-1"}, []string{"m-b"}},
		{"by priority", MutationFilter{Priority: models.PriorityHigh}, []string{"m-b"}},
		{"by entity", MutationFilter{Collection: "plays", EntityID: "p2"}, []string{"m-c"}},
		{"limit", MutationFilter{Limit: 2}, []string{"m-a", "m-b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.ListMutations(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListMutations failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d mutations, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if string(got[i].ID) != tt.want[i] {
					t.Errorf("got[%d] = %s, want %s", i, got[i].ID, tt.want[i])
				}
			}
		})
	}
}

func TestUpdateMutation(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)

	m := newMutation("m-1", "plays", "p1", models.OpUpdate, models.Int64(5))
	if err := repo.InsertMutation(ctx, m, 0); err != nil {
		t.Fatalf("InsertMutation failed: %v", err)
	}

	m.Status = models.StatusFailed
	m.Attempts = 2
	m.LastError = "timeout"
	m.ErrorKind = models.ErrorKindTransient
	m.NextAttemptAt = 5000
	m.BaseVersion = models.Int64(6)
	m.Payload = map[string]any{"name": "Stack"}
	if err := repo.UpdateMutation(ctx, m); err != nil {
		t.Fatalf("UpdateMutation failed: %v", err)
	}

	got, err := repo.GetMutation(ctx, "m-1")
	if err != nil {
		t.Fatalf("GetMutation failed: %v", err)
	}
	if got.Status != models.StatusFailed || got.Attempts != 2 || got.LastError != "timeout" ||
		got.ErrorKind != models.ErrorKindTransient || got.NextAttemptAt != 5000 || *got.BaseVersion != 6 ||
		got.Payload["name"] != "Stack" {
		t.Errorf("UpdateMutation did not persist fields: %+v", got)
	}

	missing := newMutation("missing", "plays", "p1", models.OpUpdate, nil)
	if err := repo.UpdateMutation(ctx, missing); !apperrors.IsNotFound(err) {
		t.Errorf("UpdateMutation(missing) error = %v, want NOT_FOUND", err)
	}
}

func TestDeleteMutation_idempotent(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)

	if err := repo.InsertMutation(ctx, newMutation("m-1", "plays", "p1", models.OpCreate, nil), 0); err != nil {
		t.Fatalf("InsertMutation failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := repo.DeleteMutation(ctx, "m-1"); err != nil {
			t.Fatalf("DeleteMutation #%d failed: %v", i+1, err)
		}
	}
	if _, err := repo.GetMutation(ctx, "m-1"); !apperrors.IsNotFound(err) {
		t.Errorf("mutation still present: %v", err)
	}
}

func TestDeleteMutations_byStatus(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)

	a := newMutation("m-a", "plays", "p1", models.OpCreate, nil)
	b := newMutation("m-b", "plays", "p2", models.OpCreate, nil)
	b.Status = models.StatusFailed
	for _, m := range []*models.QueuedMutation{a, b} {
		if err := repo.InsertMutation(ctx, m, 0); err != nil {
			t.Fatalf("InsertMutation failed: %v", err)
		}
	}

	n, err := repo.DeleteMutations(ctx, models.StatusFailed)
	if err != nil || n != 1 {
		t.Fatalf("DeleteMutations = %d, %v; want 1, nil", n, err)
	}
	n, err = repo.DeleteMutations(ctx)
	if err != nil || n != 1 {
		t.Fatalf("DeleteMutations(all) = %d, %v; want 1, nil", n, err)
	}
}

func TestCompleteMutation_rebasesSuccessor(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)

	first := newMutation("m-1", "plays", "p1", models.OpUpdate, models.Int64(5))
	second := newMutation("m-2", "plays", "p1", models.OpUpdate, models.Int64(5))
	third := newMutation("m-3", "plays", "p1", models.OpUpdate, models.Int64(5))
	other := newMutation("m-4", "plays", "p2", models.OpUpdate, models.Int64(5))
	for _, m := range []*models.QueuedMutation{first, second, third, other} {
		if err := repo.InsertMutation(ctx, m, 0); err != nil {
			t.Fatalf("InsertMutation failed: %v", err)
		}
	}

	doc := &models.Document{Collection: "plays", ID: "p1", Version: 6, Data: map[string]any{"name": "Flex m-1"}, UpdatedAt: 2000}
	change := &models.ChangeLog{ID: "c-1", MutationID: first.ID, Collection: "plays", EntityID: "p1", Operation: models.OpUpdate, Version: 6, Timestamp: 2000}
	if err := repo.CompleteMutation(ctx, first, 6, doc, change); err != nil {
		t.Fatalf("CompleteMutation failed: %v", err)
	}

	if _, err := repo.GetMutation(ctx, "m-1"); !apperrors.IsNotFound(err) {
		t.Error("completed mutation still queued")
	}
	got2, _ := repo.GetMutation(ctx, "m-2")
	if *got2.BaseVersion != 6 {
		t.Errorf("successor BaseVersion = %d, want 6", *got2.BaseVersion)
	}
	got3, _ := repo.GetMutation(ctx, "m-3")
	if *got3.BaseVersion != 5 {
		t.Errorf("second successor BaseVersion = %d, want 5 until its turn", *got3.BaseVersion)
	}
	got4, _ := repo.GetMutation(ctx, "m-4")
	if *got4.BaseVersion != 5 {
		t.Errorf("other entity BaseVersion = %d, want 5", *got4.BaseVersion)
	}

	cached, err := repo.GetDocument(ctx, "plays", "p1")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if cached.Version != 6 {
		t.Errorf("cached Version = %d, want 6", cached.Version)
	}
	logs, err := repo.ListChangeLogs(ctx, 10)
	if err != nil || len(logs) != 1 {
		t.Fatalf("ListChangeLogs = %d, %v", len(logs), err)
	}
}

func TestCompleteMutation_createThenUpdate(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)

	create := newMutation("m-1", "plays", "p1", models.OpCreate, nil)
	update := newMutation("m-2", "plays", "p1", models.OpUpdate, models.Int64(0))
	for _, m := range []*models.QueuedMutation{create, update} {
		if err := repo.InsertMutation(ctx, m, 0); err != nil {
			t.Fatalf("InsertMutation failed: %v", err)
		}
	}

	if err := repo.CompleteMutation(ctx, create, 1, nil, nil); err != nil {
		t.Fatalf("CompleteMutation failed: %v", err)
	}
	got, _ := repo.GetMutation(ctx, "m-2")
	if got.BaseVersion == nil || *got.BaseVersion != 1 {
		t.Errorf("update BaseVersion = %v, want 1", got.BaseVersion)
	}
}

func TestDiscardMutation_keepsSuccessorBase(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)

	first := newMutation("m-1", "plays", "p1", models.OpUpdate, models.Int64(5))
	second := newMutation("m-2", "plays", "p1", models.OpUpdate, models.Int64(5))
	for _, m := range []*models.QueuedMutation{first, second} {
		if err := repo.InsertMutation(ctx, m, 0); err != nil {
			t.Fatalf("InsertMutation failed: %v", err)
		}
	}

	remote := &models.Document{Collection: "plays", ID: "p1", Version: 6, Data: map[string]any{"name": "Remote"}, UpdatedAt: 2000}
	if err := repo.DiscardMutation(ctx, first, remote); err != nil {
		t.Fatalf("DiscardMutation failed: %v", err)
	}

	if _, err := repo.GetMutation(ctx, "m-1"); !apperrors.IsNotFound(err) {
		t.Error("discarded mutation still queued")
	}
	got, _ := repo.GetMutation(ctx, "m-2")
	if got.BaseVersion == nil || *got.BaseVersion != 5 {
		t.Errorf("successor BaseVersion = %v, want 5", got.BaseVersion)
	}
	cached, err := repo.GetDocument(ctx, "plays", "p1")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if cached.Version != 6 {
		t.Errorf("cached Version = %d, want 6", cached.Version)
	}
	logs, _ := repo.ListChangeLogs(ctx, 10)
	if len(logs) != 0 {
		t.Errorf("ListChangeLogs = %d entries, want 0", len(logs))
	}
}

func TestResetInFlightAndPromoteDue(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)

	inflight := newMutation("m-1", "plays", "p1", models.OpCreate, nil)
	inflight.Status = models.StatusInFlight
	due := newMutation("m-2", "plays", "p2", models.OpCreate, nil)
	due.Status, due.ErrorKind, due.NextAttemptAt = models.StatusFailed, models.ErrorKindTransient, 500
	later := newMutation("m-3", "plays", "p3", models.OpCreate, nil)
	later.Status, later.ErrorKind, later.NextAttemptAt = models.StatusFailed, models.ErrorKindTransient, 5000
	dead := newMutation("m-4", "plays", "p4", models.OpCreate, nil)
	dead.Status, dead.ErrorKind = models.StatusFailed, models.ErrorKindPermanent
	for _, m := range []*models.QueuedMutation{inflight, due, later, dead} {
		if err := repo.InsertMutation(ctx, m, 0); err != nil {
			t.Fatalf("InsertMutation failed: %v", err)
		}
	}

	if n, err := repo.ResetInFlight(ctx, 1000); err != nil || n != 1 {
		t.Fatalf("ResetInFlight = %d, %v; want 1", n, err)
	}
	if n, err := repo.PromoteDue(ctx, 1000); err != nil || n != 1 {
		t.Fatalf("PromoteDue = %d, %v; want 1", n, err)
	}

	stats, err := repo.QueueStats(ctx)
	if err != nil {
		t.Fatalf("QueueStats failed: %v", err)
	}
	if stats.Total != 4 || stats.Pending != 2 || stats.Failed != 2 || stats.PermanentFailed != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.NextAttemptAt != 5000 {
		t.Errorf("NextAttemptAt = %d, want 5000", stats.NextAttemptAt)
	}
	if stats.OldestPendingAt != 1000 {
		t.Errorf("OldestPendingAt = %d, want 1000", stats.OldestPendingAt)
	}
}

// =====================================================
// Document Cache Tests
// =====================================================

func TestUpsertDocument(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)

	doc := &models.Document{Collection: "plays", ID: "p1", Version: 1, Data: map[string]any{"description": "X"}, FieldTimes: map[string]int64{"description": 10}, UpdatedAt: 1}
	if err := repo.UpsertDocument(ctx, doc); err != nil {
		t.Fatalf("UpsertDocument failed: %v", err)
	}
	doc.Version = 2
	doc.Data["description"] = "Y"
	doc.Deleted = true
	if err := repo.UpsertDocument(ctx, doc); err != nil {
		t.Fatalf("UpsertDocument (update) failed: %v", err)
	}

	got, err := repo.GetDocument(ctx, "plays", "p1")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if got.Version != 2 || got.Data["description"] != "Y" || !got.Deleted || got.FieldTimes["description"] != 10 {
		t.Errorf("document = %+v", got)
	}

	docs, err := repo.ListDocuments(ctx, "plays")
	if err != nil || len(docs) != 1 {
		t.Fatalf("ListDocuments = %d, %v", len(docs), err)
	}
	if _, err := repo.GetDocument(ctx, "plays", "missing"); !apperrors.IsNotFound(err) {
		t.Errorf("GetDocument(missing) error = %v", err)
	}
}

// =====================================================
// Conflict Record Tests
// =====================================================

func newConflict(id string) *models.ConflictRecord {
	return &models.ConflictRecord{
		ID:             models.UUID(id),
		MutationID:     "m-1",
		Collection:     "plays",
		EntityID:       "p1",
		Mutation:       newMutation("m-1", "plays", "p1", models.OpUpdate, models.Int64(5)),
		RemoteSnapshot: &models.Document{Collection: "plays", ID: "p1", Version: 6, Data: map[string]any{"description": "Y"}},
		Strategy:       models.StrategyManualPending,
		DetectedAt:     1000,
	}
}

func TestConflictRecordLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)

	if err := repo.InsertConflict(ctx, newConflict("c-1")); err != nil {
		t.Fatalf("InsertConflict failed: %v", err)
	}

	got, err := repo.GetConflict(ctx, "c-1")
	if err != nil {
		t.Fatalf("GetConflict failed: %v", err)
	}
	if got.Resolved() || got.RemoteSnapshot.Version != 6 || got.Mutation.Payload["name"] != "Flex m-1" {
		t.Errorf("conflict = %+v", got)
	}

	unresolved, _ := repo.ListConflicts(ctx, true)
	if len(unresolved) != 1 {
		t.Fatalf("unresolved = %d, want 1", len(unresolved))
	}

	got.ResolvedAt = models.Int64(2000)
	got.ResolvedPayload = map[string]any{"description": "Y"}
	got.ResolvedBy = "coach"
	got.Strategy = models.StrategyServerWins
	if err := repo.MarkConflictResolved(ctx, got); err != nil {
		t.Fatalf("MarkConflictResolved failed: %v", err)
	}

	// The second resolution must not overwrite the first.
	again := *got
	again.ResolvedAt = models.Int64(3000)
	again.Strategy = models.StrategyClientWins
	if err := repo.MarkConflictResolved(ctx, &again); !apperrors.IsAlreadyResolved(err) {
		t.Fatalf("second MarkConflictResolved error = %v, want ALREADY_RESOLVED", err)
	}
	stored, _ := repo.GetConflict(ctx, "c-1")
	if *stored.ResolvedAt != 2000 || stored.Strategy != models.StrategyServerWins || stored.ResolvedBy != "coach" {
		t.Errorf("resolution changed by second call: %+v", stored)
	}

	unresolved, _ = repo.ListConflicts(ctx, true)
	if len(unresolved) != 0 {
		t.Errorf("unresolved = %d, want 0", len(unresolved))
	}
	all, _ := repo.ListConflicts(ctx, false)
	if len(all) != 1 {
		t.Errorf("all = %d, want 1", len(all))
	}

	if err := repo.DeleteConflict(ctx, "c-1"); err != nil {
		t.Fatalf("DeleteConflict failed: %v", err)
	}
	if err := repo.DeleteConflict(ctx, "c-1"); !apperrors.IsNotFound(err) {
		t.Errorf("DeleteConflict(again) error = %v, want NOT_FOUND", err)
	}
}

func TestMarkConflictResolved_missing(t *testing.T) {
	repo := setupTestRepo(t)
	c := newConflict("nope")
	c.ResolvedAt = models.Int64(1)
	if err := repo.MarkConflictResolved(context.Background(), c); !apperrors.IsNotFound(err) {
		t.Fatalf("error = %v, want NOT_FOUND", err)
	}
}

// =====================================================
// Audit Log Tests
// =====================================================

func TestCreateConflictLog(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)

	for i := 1; i <= 3; i++ {
		log := &models.ConflictLog{
			ID:            models.UUID(fmt.Sprintf("l-%d", i)),
			ConflictID:    "c-1",
			MutationID:    "m-1",
			Collection:    "plays",
			EntityID:      "p1",
			LocalVersion:  5,
			RemoteVersion: 6,
			Resolution:    models.StrategyServerWins,
			ResolvedBy:    "auto",
			DetectedAt:    int64(i * 1000),
		}
		if err := repo.CreateConflictLog(ctx, log); err != nil {
			t.Fatalf("CreateConflictLog failed: %v", err)
		}
	}

	logs, err := repo.ListConflictLogs(ctx, 2)
	if err != nil {
		t.Fatalf("ListConflictLogs failed: %v", err)
	}
	if len(logs) != 2 || logs[0].ID != "l-3" {
		t.Errorf("logs = %+v", logs)
	}
}

func TestCreateChangeLog(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)

	log := &models.ChangeLog{ID: "c-1", MutationID: "m-1", Collection: "plays", EntityID: "p1", Operation: models.OpCreate, Version: 1, Timestamp: 1000}
	if err := repo.CreateChangeLog(ctx, log); err != nil {
		t.Fatalf("CreateChangeLog failed: %v", err)
	}
	logs, err := repo.ListChangeLogs(ctx, 0)
	if err != nil || len(logs) != 1 || logs[0].Operation != models.OpCreate {
		t.Fatalf("ListChangeLogs = %+v, %v", logs, err)
	}
}

func TestPrepareStmt_cached(t *testing.T) {
	ctx := context.Background()
	repo := setupTestRepo(t)

	a, err := repo.PrepareStmt(ctx, "SELECT 1")
	if err != nil {
		t.Fatalf("PrepareStmt failed: %v", err)
	}
	b, err := repo.PrepareStmt(ctx, "SELECT 1")
	if err != nil {
		t.Fatalf("PrepareStmt failed: %v", err)
	}
	if a != b {
		t.Error("PrepareStmt did not reuse the cached statement")
	}
	if _, err := repo.PrepareStmt(ctx, "NOT SQL"); err == nil {
		t.Error("PrepareStmt accepted invalid SQL")
	}
}
