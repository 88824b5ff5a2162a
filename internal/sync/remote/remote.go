// Package remote defines the contract between the sync engine and the remote
// document store, plus the backends that implement it.
package remote

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/coachcoreai/coachcore/backend/internal/errors"
	"github.com/coachcoreai/coachcore/backend/internal/models"
)

// ErrNotFound is returned by Store.Get when the document has never existed.
var ErrNotFound = errors.New("remote: document not found")

// WriteRequest is a single mutation as sent to the remote store.
type WriteRequest struct {
	MutationID      string
	Collection      string
	EntityID        string
	Operation       models.Operation
	Payload         map[string]any
	FieldTimes      map[string]int64
	ExpectedVersion *int64
	// Timestamp is the client enqueue time in unix milliseconds.
	Timestamp int64
}

// WriteResult carries the version assigned by the remote store.
type WriteResult struct {
	Version  int64
	Document *models.Document
}

// Store is a remote document store with optimistic concurrency. Writes must
// be idempotent by MutationID: replaying an applied mutation returns the
// recorded result without applying it twice.
type Store interface {
	Write(ctx context.Context, req WriteRequest) (*WriteResult, error)
	Get(ctx context.Context, collection, id string) (*models.Document, error)
}

// ConflictError reports that the remote version no longer matches the
// version the mutation was based on.
type ConflictError struct {
	Collection string
	EntityID   string
	Expected   *int64
	// Current is the remote snapshot when the backend could read it.
	Current *models.Document
}

func (e *ConflictError) Error() string {
	expected := "none"
	if e.Expected != nil {
		expected = fmt.Sprintf("%d", *e.Expected)
	}
	current := "unknown"
	if e.Current != nil {
		current = fmt.Sprintf("%d", e.Current.Version)
	}
	return fmt.Sprintf("remote: version conflict on %s/%s (expected %s, current %s)",
		e.Collection, e.EntityID, expected, current)
}

// TransientError marks a failure worth retrying.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("remote: %s: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that will not succeed on retry.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("remote: %s: %v", e.Op, e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(op string, err error) error { return &TransientError{Op: op, Err: err} }

// Permanent wraps err as a PermanentError.
func Permanent(op string, err error) error { return &PermanentError{Op: op, Err: err} }

// Kind is the engine-facing classification of a remote failure.
type Kind int

const (
	KindNone Kind = iota
	KindConflict
	KindTransient
	KindPermanent
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindTimeout:
		return "timeout"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Classify maps a remote error to a Kind. Unknown errors are transient.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return KindConflict
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return KindPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return KindTransient
	}
	switch apperrors.CodeOf(err) {
	case apperrors.ErrPermission, apperrors.ErrValidation, apperrors.ErrPermanent:
		return KindPermanent
	case apperrors.ErrSyncConflict:
		return KindConflict
	}
	return KindTransient
}

// AsConflict returns the ConflictError in err's chain, if any.
func AsConflict(err error) (*ConflictError, bool) {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return conflict, true
	}
	return nil, false
}

// Apply computes the next state of a document for req. current is nil when
// the document has never existed. Backends call it while holding whatever lock
// or transaction guards the document so that all of them share one set of
// concurrency semantics.
//
// Creates conflict with a live document. Updates and deletes conflict when
// ExpectedVersion is set and differs from the current version; an update of a
// deleted document conflicts with the tombstone. Deleting an absent or deleted
// document succeeds without a new version.
func Apply(current *models.Document, req WriteRequest, now int64) (*models.Document, error) {
	conflict := func() error {
		return &ConflictError{
			Collection: req.Collection,
			EntityID:   req.EntityID,
			Expected:   req.ExpectedVersion,
			Current:    current.Clone(),
		}
	}

	switch req.Operation {
	case models.OpCreate:
		if current != nil && !current.Deleted {
			return nil, conflict()
		}
		next := &models.Document{
			Collection: req.Collection,
			ID:         req.EntityID,
			Version:    1,
			Data:       models.CloneMap(req.Payload),
			FieldTimes: stampFields(nil, req.Payload, req.FieldTimes, now),
			UpdatedAt:  now,
		}
		if current != nil {
			next.Version = current.Version + 1
		}
		return next, nil

	case models.OpUpdate:
		if current == nil {
			return nil, Permanent("update", fmt.Errorf("%s/%s: %w", req.Collection, req.EntityID, ErrNotFound))
		}
		if current.Deleted {
			return nil, conflict()
		}
		if req.ExpectedVersion != nil && *req.ExpectedVersion != current.Version {
			return nil, conflict()
		}
		next := current.Clone()
		if next.Data == nil {
			next.Data = make(map[string]any, len(req.Payload))
		}
		for k, v := range req.Payload {
			next.Data[k] = v
		}
		next.FieldTimes = stampFields(next.FieldTimes, req.Payload, req.FieldTimes, now)
		next.Version = current.Version + 1
		next.UpdatedAt = now
		return next, nil

	case models.OpDelete:
		if current == nil || current.Deleted {
			return current.Clone(), nil
		}
		if req.ExpectedVersion != nil && *req.ExpectedVersion != current.Version {
			return nil, conflict()
		}
		next := current.Clone()
		next.Data = nil
		next.Deleted = true
		next.Version = current.Version + 1
		next.UpdatedAt = now
		return next, nil
	}
	return nil, Permanent("write", fmt.Errorf("unsupported operation %q", req.Operation))
}

func stampFields(times map[string]int64, payload map[string]any, requested map[string]int64, now int64) map[string]int64 {
	if len(payload) == 0 {
		return times
	}
	out := make(map[string]int64, len(times)+len(payload))
	for k, v := range times {
		out[k] = v
	}
	for k := range payload {
		if t, ok := requested[k]; ok && t > 0 {
			out[k] = t
		} else {
			out[k] = now
		}
	}
	return out
}

// FromMutation builds the WriteRequest for m.
func FromMutation(m *models.QueuedMutation) WriteRequest {
	return WriteRequest{
		MutationID:      m.ID.String(),
		Collection:      m.Collection,
		EntityID:        m.EntityID,
		Operation:       m.Operation,
		Payload:         m.Payload,
		FieldTimes:      m.FieldTimes,
		ExpectedVersion: m.BaseVersion,
		Timestamp:       m.EnqueuedAt,
	}
}
