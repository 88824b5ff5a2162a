package models

// QueueStats summarises the mutation queue. Timestamps are unix milliseconds
// and zero when the queue holds no matching mutation.
type QueueStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	InFlight        int   `json:"in_flight"`
	Failed          int   `json:"failed"`
	PermanentFailed int   `json:"permanent_failed"`
	Conflicted      int   `json:"conflicted"`
	Synced          int   `json:"synced"`
	OldestPendingAt int64 `json:"oldest_pending_at,omitempty"`
	NewestAt        int64 `json:"newest_at,omitempty"`
	NextAttemptAt   int64 `json:"next_attempt_at,omitempty"`
}
