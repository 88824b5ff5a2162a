package models

import "time"

// Document is the local cache of a remote document. FieldTimes holds the
// last modification time of each field in unix milliseconds when the remote
// store tracks it.
type Document struct {
	Collection string           `db:"collection" json:"collection"`
	ID         string           `db:"id" json:"id"`
	Version    int64            `db:"version" json:"version"`
	Data       map[string]any   `db:"data" json:"data"`
	FieldTimes map[string]int64 `db:"field_times" json:"field_times,omitempty"`
	UpdatedAt  int64            `db:"updated_at" json:"updated_at"`
	Deleted    bool             `db:"deleted" json:"deleted"`
}

// TableName returns the table name for Document.
func (Document) TableName() string {
	return "documents"
}

// Key returns the entity key of the document.
func (d *Document) Key() EntityKey {
	return EntityKey{Collection: d.Collection, EntityID: d.ID}
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (d *Document) UpdatedAtTime() time.Time {
	return time.UnixMilli(d.UpdatedAt)
}

// Clone returns a deep copy of d.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.Data = CloneMap(d.Data)
	c.FieldTimes = cloneTimes(d.FieldTimes)
	return &c
}
