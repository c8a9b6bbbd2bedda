package domain

import "time"

// Attempt is the history record of one action invocation. Status is
// COMPLETED when the action succeeded and RUN_WITH_ERROR when it failed,
// whatever the entry moved to afterwards.
type Attempt struct {
	ID         string    `json:"id"`
	EntryID    string    `json:"entry_id"`
	ActionID   string    `json:"action_id"`
	Number     int       `json:"attempt"`
	Status     Status    `json:"status"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
}
