package conflict

import (
	"github.com/coachcoreai/coachcore/backend/internal/models"
)

// MergeFields combines a local payload with a remote document field by field.
// For a field present on both sides the later modification time wins, and the
// local value wins ties or a missing remote time. Fields present on one side
// only are carried through. The returned times describe the merged payload.
func MergeFields(local map[string]any, localTimes map[string]int64, remote *models.Document) (map[string]any, map[string]int64) {
	merged := make(map[string]any, len(local))
	times := make(map[string]int64, len(local))

	if remote != nil && !remote.Deleted {
		for k, v := range remote.Data {
			merged[k] = v
			if t, ok := remote.FieldTimes[k]; ok {
				times[k] = t
			}
		}
	}

	for k, v := range local {
		lt := localTimes[k]
		if remote != nil && !remote.Deleted {
			if _, both := remote.Data[k]; both {
				if rt, ok := remote.FieldTimes[k]; ok && rt > lt {
					continue
				}
			}
		}
		merged[k] = v
		if lt > 0 {
			times[k] = lt
		} else {
			delete(times, k)
		}
	}
	return models.CloneMap(merged), times
}

// canMerge reports whether snapshot carries per-field times.
func canMerge(snapshot *models.Document) bool {
	return snapshot != nil && len(snapshot.FieldTimes) > 0
}

// reissueOperation picks the operation used to send m again against snapshot:
// a create that met a live document becomes an update, an update that met a
// tombstone becomes a create.
func reissueOperation(op models.Operation, snapshot *models.Document) models.Operation {
	if snapshot == nil {
		return op
	}
	switch {
	case op == models.OpCreate && !snapshot.Deleted:
		return models.OpUpdate
	case op == models.OpUpdate && snapshot.Deleted:
		return models.OpCreate
	}
	return op
}
