package models

import (
	"fmt"
	"time"
)

// Operation is the kind of change a mutation carries.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// MutationStatus is the lifecycle state of a queued mutation.
type MutationStatus string

const (
	StatusPending    MutationStatus = "pending"
	StatusInFlight   MutationStatus = "in_flight"
	StatusSynced     MutationStatus = "synced"
	StatusConflicted MutationStatus = "conflicted"
	StatusFailed     MutationStatus = "failed"
)

// Valid reports whether s is a known status.
func (s MutationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInFlight, StatusSynced, StatusConflicted, StatusFailed:
		return true
	}
	return false
}

// Priority orders entity groups within a drain pass.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns a sort key, higher first. Unknown priorities rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// ErrorKind classifies the last failure of a mutation.
type ErrorKind string

const (
	ErrorKindNone      ErrorKind = ""
	ErrorKindTransient ErrorKind = "transient"
	ErrorKindPermanent ErrorKind = "permanent"
)

// ConflictStrategy selects how a version conflict is reconciled.
type ConflictStrategy string

const (
	StrategyServerWins    ConflictStrategy = "server_wins"
	StrategyClientWins    ConflictStrategy = "client_wins"
	StrategyMerge         ConflictStrategy = "merge"
	StrategyManualPending ConflictStrategy = "manual_pending"
)

// Valid reports whether s is a known strategy.
func (s ConflictStrategy) Valid() bool {
	switch s {
	case StrategyServerWins, StrategyClientWins, StrategyMerge, StrategyManualPending:
		return true
	}
	return false
}

// EntityKey identifies a remote document.
type EntityKey struct {
	Collection string
	EntityID   string
}

func (k EntityKey) String() string {
	return k.Collection + "/" + k.EntityID
}

// QueuedMutation is a local change waiting to be applied to the remote store.
// Timestamps are unix milliseconds.
type QueuedMutation struct {
	ID               UUID             `db:"id" json:"id"`
	Seq              int64            `db:"seq" json:"seq"`
	Collection       string           `db:"collection" json:"collection"`
	EntityID         string           `db:"entity_id" json:"entity_id,omitempty"`
	Operation        Operation        `db:"operation" json:"operation"`
	Payload          map[string]any   `db:"payload" json:"payload,omitempty"`
	BaseVersion      *int64           `db:"base_version" json:"base_version"`
	FieldTimes       map[string]int64 `db:"field_times" json:"field_times,omitempty"`
	Priority         Priority         `db:"priority" json:"priority"`
	UserID           string           `db:"user_id" json:"user_id,omitempty"`
	TeamID           string           `db:"team_id" json:"team_id,omitempty"`
	Description      string           `db:"description" json:"description,omitempty"`
	ConflictStrategy ConflictStrategy `db:"conflict_strategy" json:"conflict_strategy,omitempty"`
	Status           MutationStatus   `db:"status" json:"status"`
	Attempts         int              `db:"attempts" json:"attempts"`
	MaxAttempts      int              `db:"max_attempts" json:"max_attempts"`
	LastError        string           `db:"last_error" json:"last_error,omitempty"`
	ErrorKind        ErrorKind        `db:"error_kind" json:"error_kind,omitempty"`
	NextAttemptAt    int64            `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
	EnqueuedAt       int64            `db:"enqueued_at" json:"enqueued_at"`
	UpdatedAt        int64            `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for QueuedMutation.
func (QueuedMutation) TableName() string {
	return "mutation_queue"
}

// Key returns the entity the mutation targets.
func (m *QueuedMutation) Key() EntityKey {
	return EntityKey{Collection: m.Collection, EntityID: m.EntityID}
}

// EnqueuedAtTime returns EnqueuedAt as time.Time.
func (m *QueuedMutation) EnqueuedAtTime() time.Time {
	return time.UnixMilli(m.EnqueuedAt)
}

// PermanentlyFailed reports whether the mutation needs manual intervention.
func (m *QueuedMutation) PermanentlyFailed() bool {
	return m.Status == StatusFailed && m.ErrorKind == ErrorKindPermanent
}

// Due reports whether a failed mutation may be retried at now (unix millis).
func (m *QueuedMutation) Due(now int64) bool {
	return m.NextAttemptAt <= now
}

// Clone returns a deep copy of m.
func (m *QueuedMutation) Clone() *QueuedMutation {
	if m == nil {
		return nil
	}
	c := *m
	c.Payload = CloneMap(m.Payload)
	c.FieldTimes = cloneTimes(m.FieldTimes)
	if m.BaseVersion != nil {
		v := *m.BaseVersion
		c.BaseVersion = &v
	}
	return &c
}

func (m *QueuedMutation) String() string {
	return fmt.Sprintf("%s %s %s#%d", m.Operation, m.Key(), m.ID, m.Seq)
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 {
	return &v
}

// CloneMap deep copies a JSON-shaped map.
func CloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = cloneValue(v)
	}
	return dst
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

func cloneTimes(src map[string]int64) map[string]int64 {
	if src == nil {
		return nil
	}
	dst := make(map[string]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
