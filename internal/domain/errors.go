package domain

import "fmt"

// EntryNotFoundError is returned when an entry ID does not exist.
type EntryNotFoundError struct {
	EntryID string
}

func (e *EntryNotFoundError) Error() string {
	return fmt.Sprintf("scheduler entry not found: %s", e.EntryID)
}

// EntryBusyError is returned when an entry could not be claimed because
// another attempt owns it or it is no longer PENDING.
type EntryBusyError struct {
	EntryID string
	Status  Status
}

func (e *EntryBusyError) Error() string {
	return fmt.Sprintf("scheduler entry %s is not runnable (status %s)", e.EntryID, e.Status)
}

// IllegalStateTransitionError is returned when a status change is not in the
// transition table.
type IllegalStateTransitionError struct {
	EntryID string
	From    Status
	To      Status
}

func (e *IllegalStateTransitionError) Error() string {
	return fmt.Sprintf("illegal status transition for entry %s: %s -> %s", e.EntryID, e.From, e.To)
}

// InvalidConfigurationError is returned when a configuration cannot be scheduled.
type InvalidConfigurationError struct {
	Field  string
	Reason string
}

func (e *InvalidConfigurationError) Error() string {
	return fmt.Sprintf("invalid scheduler configuration: %s: %s", e.Field, e.Reason)
}

// ActionNotFoundError is returned when no action is registered under an ID.
type ActionNotFoundError struct {
	ActionID string
}

func (e *ActionNotFoundError) Error() string {
	return fmt.Sprintf("no action registered for %q", e.ActionID)
}

// RateLimitExceededError is returned when an action exceeds its rate limit.
type RateLimitExceededError struct {
	ActionID string
	Limit    int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for action %q: limit is %d", e.ActionID, e.Limit)
}

// ActionFailedError is returned when an action run on the caller's behalf
// fails. Err is the action's failure.
type ActionFailedError struct {
	EntryID  string
	ActionID string
	Err      error
}

func (e *ActionFailedError) Error() string {
	return fmt.Sprintf("could not execute action %q for entry %s: %v", e.ActionID, e.EntryID, e.Err)
}

func (e *ActionFailedError) Unwrap() error { return e.Err }
