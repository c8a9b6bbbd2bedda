package domain

import "time"

// EventKind names a lifecycle change of an entry.
type EventKind string

const (
	EventScheduled     EventKind = "scheduled"
	EventStatusChanged EventKind = "status_changed"
	EventRescheduled   EventKind = "rescheduled"
	EventDeleted       EventKind = "deleted"
)

// EntryEvent is emitted on every lifecycle change of an entry.
type EntryEvent struct {
	Kind       EventKind  `json:"kind"`
	EntryID    string     `json:"entry_id"`
	Identifier string     `json:"identifier,omitempty"`
	ActionID   string     `json:"action_id"`
	Type       EntryType  `json:"type"`
	From       Status     `json:"from,omitempty"`
	To         Status     `json:"to"`
	RetryCount int        `json:"retry_count"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	Error      string     `json:"error,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// NewEntryEvent snapshots e into an event of the given kind.
func NewEntryEvent(kind EventKind, e *Entry, from Status, at time.Time) EntryEvent {
	return EntryEvent{
		Kind:       kind,
		EntryID:    e.ID,
		Identifier: e.Identifier,
		ActionID:   e.ActionID,
		Type:       e.Config.Type,
		From:       from,
		To:         e.Status(),
		RetryCount: e.Config.RetryCount,
		NextRunAt:  cloneTime(e.NextRunAt),
		Error:      e.LastError,
		OccurredAt: at,
	}
}

// TriggerMessage asks the scheduler to run EVENT entries, either one entry
// by ID or every entry registered under Trigger.
type TriggerMessage struct {
	EntryID string `json:"entry_id,omitempty"`
	Trigger string `json:"trigger,omitempty"`
}
