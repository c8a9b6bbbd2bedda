package domain_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/ramiqadoumi/go-task-scheduler/internal/domain"
)

func TestEntryNotFoundError(t *testing.T) {
	err := &domain.EntryNotFoundError{EntryID: "abc-123"}
	if !strings.Contains(err.Error(), "abc-123") {
		t.Errorf("error message should contain entry ID, got: %q", err.Error())
	}
}

func TestEntryBusyError(t *testing.T) {
	err := &domain.EntryBusyError{EntryID: "abc-123", Status: domain.StatusRunning}
	msg := err.Error()
	if !strings.Contains(msg, "abc-123") || !strings.Contains(msg, "RUNNING") {
		t.Errorf("error message should contain entry ID and status, got: %q", msg)
	}
}

func TestIllegalStateTransitionError(t *testing.T) {
	err := &domain.IllegalStateTransitionError{EntryID: "e1", From: domain.StatusCompleted, To: domain.StatusRunning}
	msg := err.Error()
	if !strings.Contains(msg, "COMPLETED -> RUNNING") {
		t.Errorf("error message should contain the transition, got: %q", msg)
	}
}

func TestInvalidConfigurationError(t *testing.T) {
	err := &domain.InvalidConfigurationError{Field: "cron_expression", Reason: "expected 6 fields"}
	msg := err.Error()
	if !strings.Contains(msg, "cron_expression") || !strings.Contains(msg, "expected 6 fields") {
		t.Errorf("error message should contain field and reason, got: %q", msg)
	}
}

func TestRateLimitExceededError(t *testing.T) {
	err := &domain.RateLimitExceededError{ActionID: "email", Limit: 100}
	msg := err.Error()
	if !strings.Contains(msg, "email") {
		t.Errorf("error message should contain action ID, got: %q", msg)
	}
	if !strings.Contains(msg, "100") {
		t.Errorf("error message should contain limit, got: %q", msg)
	}
}

func TestActionNotFoundError(t *testing.T) {
	err := &domain.ActionNotFoundError{ActionID: "unknown-action"}
	if !strings.Contains(err.Error(), "unknown-action") {
		t.Errorf("error message should contain action ID, got: %q", err.Error())
	}
}

func TestAllErrorTypesImplementError(t *testing.T) {
	var _ error = &domain.EntryNotFoundError{}
	var _ error = &domain.EntryBusyError{}
	var _ error = &domain.IllegalStateTransitionError{}
	var _ error = &domain.InvalidConfigurationError{}
	var _ error = &domain.ActionNotFoundError{}
	var _ error = &domain.RateLimitExceededError{}
	var _ error = &domain.ActionFailedError{}
}

func TestActionFailedError(t *testing.T) {
	cause := errors.New("smtp down")
	err := &domain.ActionFailedError{EntryID: "e1", ActionID: "email", Err: cause}
	msg := err.Error()
	if !strings.Contains(msg, "email") || !strings.Contains(msg, "e1") || !strings.Contains(msg, "smtp down") {
		t.Errorf("error message should contain action, entry and cause, got: %q", msg)
	}
	if !errors.Is(err, cause) {
		t.Error("ActionFailedError should unwrap to its cause")
	}
}
