package remote

import (
	"context"
	"sync"
	"time"

	"github.com/coachcoreai/coachcore/backend/internal/models"
)

// Call is one Write as observed by MemoryStore.
type Call struct {
	MutationID      string
	Collection      string
	EntityID        string
	Operation       models.Operation
	ExpectedVersion *int64
	Replayed        bool
}

type appliedWrite struct {
	version int64
	doc     *models.Document
}

// MemoryStore is an in-process Store. It backs the development server and
// the sync tests: it records every call and can be told to fail.
type MemoryStore struct {
	mu       sync.Mutex
	docs     map[models.EntityKey]*models.Document
	applied  map[string]appliedWrite
	calls    []Call
	gets     int
	failures []error
	onWrite  func(WriteRequest)
	now      func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:    make(map[models.EntityKey]*models.Document),
		applied: make(map[string]appliedWrite),
		now:     time.Now,
	}
}

// SetClock replaces the time source used for UpdatedAt and field times.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// OnWrite installs a hook that runs at the start of every Write, before the
// store lock is taken.
func (s *MemoryStore) OnWrite(fn func(WriteRequest)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onWrite = fn
}

// FailNext queues errors returned by the next Write calls, in order.
func (s *MemoryStore) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

// Put seeds or overwrites a document, simulating a write by another client.
func (s *MemoryStore) Put(doc *models.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.Key()] = doc.Clone()
}

// Write applies req unless its mutation id was applied before.
func (s *MemoryStore) Write(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	s.mu.Lock()
	hook := s.onWrite
	s.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	call := Call{
		MutationID:      req.MutationID,
		Collection:      req.Collection,
		EntityID:        req.EntityID,
		Operation:       req.Operation,
		ExpectedVersion: copyVersion(req.ExpectedVersion),
	}
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		s.calls = append(s.calls, call)
		return nil, err
	}
	if prev, ok := s.applied[req.MutationID]; ok {
		call.Replayed = true
		s.calls = append(s.calls, call)
		return &WriteResult{Version: prev.version, Document: prev.doc.Clone()}, nil
	}
	s.calls = append(s.calls, call)

	key := models.EntityKey{Collection: req.Collection, EntityID: req.EntityID}
	next, err := Apply(s.docs[key], req, s.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	var version int64
	if next != nil {
		s.docs[key] = next
		version = next.Version
	}
	s.applied[req.MutationID] = appliedWrite{version: version, doc: next.Clone()}
	return &WriteResult{Version: version, Document: next.Clone()}, nil
}

// Get returns the current document, including tombstones.
func (s *MemoryStore) Get(ctx context.Context, collection, id string) (*models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	doc, ok := s.docs[models.EntityKey{Collection: collection, EntityID: id}]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

// Calls returns a copy of the Write call log.
func (s *MemoryStore) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// GetCount returns how many Get calls were served.
func (s *MemoryStore) GetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

// Documents returns a snapshot of all stored documents.
func (s *MemoryStore) Documents() []*models.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Document, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, d.Clone())
	}
	return out
}

func copyVersion(v *int64) *int64 {
	if v == nil {
		return nil
	}
	return models.Int64(*v)
}

var _ Store = (*MemoryStore)(nil)
