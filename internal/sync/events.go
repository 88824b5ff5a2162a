package sync

import "time"

// SyncEventType identifies a sync notification.
type SyncEventType string

const (
	SyncEventStarted          SyncEventType = "sync.started"
	SyncEventCompleted        SyncEventType = "sync.completed"
	SyncEventMutationSynced   SyncEventType = "sync.mutation_synced"
	SyncEventMutationFailed   SyncEventType = "sync.failed"
	SyncEventConflictDetected SyncEventType = "sync.conflict_detected"
	SyncEventConflictResolved SyncEventType = "sync.conflict_resolved"
)

// SyncEvent is delivered to the registered SyncEventHandler.
type SyncEvent struct {
	Type       SyncEventType `json:"type"`
	Message    string        `json:"message,omitempty"`
	MutationID string        `json:"mutation_id,omitempty"`
	Collection string        `json:"collection,omitempty"`
	EntityID   string        `json:"entity_id,omitempty"`
	ConflictID string        `json:"conflict_id,omitempty"`
	Strategy   string        `json:"strategy,omitempty"`
	Error      string        `json:"error,omitempty"`
	Result     *DrainResult  `json:"result,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// SyncEventHandler receives sync events. OnSyncEvent is called synchronously
// from the draining goroutine and must not block.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncEventHandlerFunc adapts a function to SyncEventHandler.
type SyncEventHandlerFunc func(event SyncEvent)

// OnSyncEvent calls f(event).
func (f SyncEventHandlerFunc) OnSyncEvent(event SyncEvent) { f(event) }

// SetEventHandler sets the event handler for sync notifications.
func (e *SyncEngine) SetEventHandler(handler SyncEventHandler) {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	e.handler = handler
}

func (e *SyncEngine) emitEvent(event SyncEvent) {
	e.handlerMu.RLock()
	h := e.handler
	e.handlerMu.RUnlock()
	if h == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.opts.Now()
	}
	h.OnSyncEvent(event)
}
