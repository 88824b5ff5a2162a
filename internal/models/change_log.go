package models

import "time"

// ChangeLog records a mutation the remote store accepted.
type ChangeLog struct {
	ID         UUID      `db:"id" json:"id"`
	MutationID UUID      `db:"mutation_id" json:"mutation_id"`
	Collection string    `db:"collection" json:"collection"`
	EntityID   string    `db:"entity_id" json:"entity_id"`
	Operation  Operation `db:"operation" json:"operation"`
	Version    int64     `db:"version" json:"version"`
	Timestamp  int64     `db:"timestamp" json:"timestamp"`
}

// TableName returns the table name for ChangeLog.
func (ChangeLog) TableName() string {
	return "change_log"
}

// Time returns the Timestamp as time.Time.
func (c *ChangeLog) Time() time.Time {
	return time.UnixMilli(c.Timestamp)
}
