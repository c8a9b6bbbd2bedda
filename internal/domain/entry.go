package domain

import (
	"encoding/json"
	"time"
)

// EntryType selects how an entry decides its next due time.
type EntryType string

const (
	TypeTimed EntryType = "TIMED"
	TypeCron  EntryType = "CRON"
	TypeEvent EntryType = "EVENT"
	// TypeImmediate is accepted on input only and is normalised to TIMED or CRON.
	TypeImmediate EntryType = "IMMEDIATE"
)

// Status represents the states a scheduler entry can be in.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusRunning      Status = "RUNNING"
	StatusCompleted    Status = "COMPLETED"
	StatusRunWithError Status = "RUN_WITH_ERROR"
	StatusFailed       Status = "FAILED"
	StatusInvalid      Status = "INVALID"
)

var transitions = map[Status][]Status{
	StatusPending:      {StatusRunning, StatusInvalid},
	StatusRunning:      {StatusCompleted, StatusRunWithError, StatusFailed, StatusPending},
	StatusRunWithError: {StatusPending, StatusFailed},
}

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusInvalid
}

// CanTransitionTo reports whether the transition table allows s → to.
func (s Status) CanTransitionTo(to Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ParseStatus converts a stored or user supplied value into a Status.
func ParseStatus(v string) (Status, bool) {
	switch s := Status(v); s {
	case StatusPending, StatusRunning, StatusCompleted, StatusRunWithError, StatusFailed, StatusInvalid:
		return s, true
	}
	return "", false
}

// Entry is a persisted unit of schedulable work: an action reference paired
// with the configuration that decides when it runs.
//
// The status is only changed through SetStatus, which enforces the
// transition table. Stores hydrating persisted rows use LoadStatus.
type Entry struct {
	ID         string          `json:"id"`
	Identifier string          `json:"identifier,omitempty"`
	ActionID   string          `json:"action_id"`
	Config     Configuration   `json:"configuration"`
	NextRunAt  *time.Time      `json:"next_run_at,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
	LastRunAt  *time.Time      `json:"last_run_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`

	status Status
}

// NewEntry returns a PENDING entry for actionID.
func NewEntry(actionID string, cfg Configuration) *Entry {
	return &Entry{ActionID: actionID, Config: cfg, status: StatusPending}
}

func (e *Entry) Status() Status { return e.status }

// SetStatus moves the entry to the given status. An illegal transition
// returns *IllegalStateTransitionError and leaves the status unchanged.
func (e *Entry) SetStatus(to Status) error {
	if !e.status.CanTransitionTo(to) {
		return &IllegalStateTransitionError{EntryID: e.ID, From: e.status, To: to}
	}
	e.status = to
	return nil
}

// LoadStatus sets the status without consulting the transition table.
func (e *Entry) LoadStatus(s Status) { e.status = s }

func (e *Entry) Configuration() Configuration { return e.Config }

func (e *Entry) SetConfiguration(cfg Configuration) { e.Config = cfg }

// Clone returns a deep copy safe to hand to another goroutine.
func (e *Entry) Clone() *Entry {
	c := *e
	c.Config = e.Config.clone()
	c.NextRunAt = cloneTime(e.NextRunAt)
	c.LastRunAt = cloneTime(e.LastRunAt)
	if e.Payload != nil {
		c.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return &c
}

type entryJSON struct {
	entryAlias
	Status Status `json:"status"`
}

type entryAlias Entry

func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(entryJSON{entryAlias: entryAlias(e), Status: e.status})
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var v entryJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*e = Entry(v.entryAlias)
	e.status = v.Status
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
