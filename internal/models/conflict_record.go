package models

import "time"

// ConflictRecord captures a version mismatch between a queued mutation and
// the remote document, and how it was settled.
type ConflictRecord struct {
	ID              UUID             `db:"id" json:"id"`
	MutationID      UUID             `db:"mutation_id" json:"mutation_id"`
	Collection      string           `db:"collection" json:"collection"`
	EntityID        string           `db:"entity_id" json:"entity_id"`
	Mutation        *QueuedMutation  `db:"mutation" json:"mutation"`
	RemoteSnapshot  *Document        `db:"remote_snapshot" json:"remote_snapshot"`
	Strategy        ConflictStrategy `db:"strategy" json:"strategy"`
	DetectedAt      int64            `db:"detected_at" json:"detected_at"`
	ResolvedAt      *int64           `db:"resolved_at" json:"resolved_at,omitempty"`
	ResolvedPayload map[string]any   `db:"resolved_payload" json:"resolved_payload,omitempty"`
	ResolvedBy      string           `db:"resolved_by" json:"resolved_by,omitempty"`
	Acknowledged    bool             `db:"acknowledged" json:"acknowledged"`
}

// TableName returns the table name for ConflictRecord.
func (ConflictRecord) TableName() string {
	return "conflict_records"
}

// Resolved reports whether a resolution has been applied.
func (c *ConflictRecord) Resolved() bool {
	return c.ResolvedAt != nil
}

// DetectedAtTime returns DetectedAt as time.Time.
func (c *ConflictRecord) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}

// Clone returns a deep copy of c.
func (c *ConflictRecord) Clone() *ConflictRecord {
	if c == nil {
		return nil
	}
	out := *c
	out.Mutation = c.Mutation.Clone()
	out.RemoteSnapshot = c.RemoteSnapshot.Clone()
	out.ResolvedPayload = CloneMap(c.ResolvedPayload)
	if c.ResolvedAt != nil {
		out.ResolvedAt = Int64(*c.ResolvedAt)
	}
	return &out
}
