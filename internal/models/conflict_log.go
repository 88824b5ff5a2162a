package models

import "time"

// ConflictLog is an audit entry for a conflict settled by a strategy.
type ConflictLog struct {
	ID            UUID             `db:"id" json:"id"`
	ConflictID    UUID             `db:"conflict_id" json:"conflict_id"`
	MutationID    UUID             `db:"mutation_id" json:"mutation_id"`
	Collection    string           `db:"collection" json:"collection"`
	EntityID      string           `db:"entity_id" json:"entity_id"`
	LocalVersion  int64            `db:"local_version" json:"local_version"`
	RemoteVersion int64            `db:"remote_version" json:"remote_version"`
	Resolution    ConflictStrategy `db:"resolution" json:"resolution"`
	ResolvedBy    string           `db:"resolved_by" json:"resolved_by"` // "auto" or the UI user
	DetectedAt    int64            `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
