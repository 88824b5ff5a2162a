// Package handlers provides the REST and WebSocket bridge between the UI and
// the sync core.
package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/coachcoreai/coachcore/backend/internal/errors"
	"github.com/coachcoreai/coachcore/backend/internal/models"
	"github.com/coachcoreai/coachcore/backend/internal/services"
	"github.com/coachcoreai/coachcore/backend/internal/sync/conflict"
	"github.com/coachcoreai/coachcore/backend/internal/sync/queue"
)

const defaultLogLimit = 50

// SyncHandler handles queue, conflict and sync operations.
type SyncHandler struct {
	svc *services.SyncService
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(svc *services.SyncService) *SyncHandler {
	return &SyncHandler{svc: svc}
}

// =====================================================
// Sync Status and Trigger Endpoints
// =====================================================

// GetStatus handles GET /api/sync/status
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    st,
		"scheduler": h.svc.SchedulerStatus(),
	})
}

// GetFailures handles GET /api/sync/failures
func (h *SyncHandler) GetFailures(w http.ResponseWriter, r *http.Request) {
	failures, err := h.svc.Failures(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"failures": failures})
}

// TriggerSync handles POST /api/sync. With ?wait=true the drain runs in the
// request and its result is returned; otherwise a background drain is queued.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		result, err := h.svc.SyncNow(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if !h.svc.IsOnline() {
		writeError(w, apperrors.New(apperrors.ErrSyncOffline, "device is offline"))
		return
	}
	queued := h.svc.TriggerSync(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"queued": queued})
}

// SetConnectivity handles POST /api/connectivity
func (h *SyncHandler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Online *bool `json:"online"`
	}
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, err)
		return
	}
	if request.Online == nil {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "online is required"))
		return
	}

	changed := h.svc.SetOnline(*request.Online)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"online":  h.svc.IsOnline(),
		"changed": changed,
	})
}

// =====================================================
// Mutation Endpoints
// =====================================================

// CreateMutation handles POST /api/mutations
func (h *SyncHandler) CreateMutation(w http.ResponseWriter, r *http.Request) {
	var in queue.MutationInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, err)
		return
	}
	m, err := h.svc.Enqueue(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// ListMutations handles GET /api/mutations?status=&collection=&entity_id=&limit=
func (h *SyncHandler) ListMutations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := queue.Filter{
		Collection: q.Get("collection"),
		EntityID:   q.Get("entity_id"),
	}
	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := models.MutationStatus(strings.TrimSpace(s))
			if !st.Valid() {
				writeError(w, apperrors.Newf(apperrors.ErrInvalid, "unknown status %q", s))
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, apperrors.Newf(apperrors.ErrInvalid, "invalid limit %q", raw))
			return
		}
		filter.Limit = limit
	}

	items, err := h.svc.Mutations(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []*models.QueuedMutation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"total": len(items),
	})
}

// GetMutation handles GET /api/mutations/{id}
func (h *SyncHandler) GetMutation(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.Mutation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// DeleteMutation handles DELETE /api/mutations/{id}
func (h *SyncHandler) DeleteMutation(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RemoveMutation(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RetryMutation handles POST /api/mutations/{id}/retry
func (h *SyncHandler) RetryMutation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.RetryMutation(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	m, err := h.svc.Mutation(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, m)
}

// RetryAll handles POST /api/mutations/retry
func (h *SyncHandler) RetryAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.RetryAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"retried": n})
}

// ClearQueue handles DELETE /api/mutations
func (h *SyncHandler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.ClearQueue(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"removed": n})
}

// =====================================================
// Conflict Endpoints
// =====================================================

// ListConflicts handles GET /api/conflicts?all=true
func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	recs, err := h.svc.Conflicts(r.Context(), !all)
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []*models.ConflictRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": recs,
		"total": len(recs),
	})
}

// GetConflict handles GET /api/conflicts/{id}
func (h *SyncHandler) GetConflict(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Conflict(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ResolveResponse reports a conflict resolution.
type ResolveResponse struct {
	Conflict *models.ConflictRecord  `json:"conflict"`
	Mutation *models.QueuedMutation  `json:"mutation,omitempty"`
	Strategy models.ConflictStrategy `json:"strategy"`
	Requeued bool                    `json:"requeued"`
	Settled  bool                    `json:"settled"`
}

// ResolveConflict handles POST /api/conflicts/{id}/resolve
func (h *SyncHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var res conflict.Resolution
	if err := decodeJSON(r, &res); err != nil {
		writeError(w, err)
		return
	}
	out, err := h.svc.ResolveConflict(r.Context(), chi.URLParam(r, "id"), res)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ResolveResponse{
		Conflict: out.Record,
		Mutation: out.Mutation,
		Strategy: out.Strategy,
		Requeued: out.Requeued,
		Settled:  out.Settled,
	})
}

// AcknowledgeConflict handles POST /api/conflicts/{id}/ack
func (h *SyncHandler) AcknowledgeConflict(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.AcknowledgeConflict(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =====================================================
// Local Cache and History Endpoints
// =====================================================

// ListDocuments handles GET /api/documents/{collection}
func (h *SyncHandler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.svc.Documents(r.Context(), chi.URLParam(r, "collection"))
	if err != nil {
		writeError(w, err)
		return
	}
	if docs == nil {
		docs = []*models.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": docs})
}

// GetDocument handles GET /api/documents/{collection}/{id}
func (h *SyncHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.Document(r.Context(), chi.URLParam(r, "collection"), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// ListChanges handles GET /api/changes?limit=
func (h *SyncHandler) ListChanges(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r)
	logs, err := h.svc.ChangeLog(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if logs == nil {
		logs = []*models.ChangeLog{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": logs})
}

// ListConflictLog handles GET /api/conflicts/log?limit=
func (h *SyncHandler) ListConflictLog(w http.ResponseWriter, r *http.Request) {
	logs, err := h.svc.ConflictLog(r.Context(), parseLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if logs == nil {
		logs = []*models.ConflictLog{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": logs})
}

func parseLimit(r *http.Request) int {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 500 {
		limit = defaultLogLimit
	}
	return limit
}
