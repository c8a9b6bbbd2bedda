package domain_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ramiqadoumi/go-task-scheduler/internal/domain"
)

func TestStatusConstants(t *testing.T) {
	tests := []struct {
		status domain.Status
		want   string
	}{
		{domain.StatusPending, "PENDING"},
		{domain.StatusRunning, "RUNNING"},
		{domain.StatusCompleted, "COMPLETED"},
		{domain.StatusRunWithError, "RUN_WITH_ERROR"},
		{domain.StatusFailed, "FAILED"},
		{domain.StatusInvalid, "INVALID"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if string(tt.status) != tt.want {
				t.Errorf("Status value = %q, want %q", tt.status, tt.want)
			}
			got, ok := domain.ParseStatus(tt.want)
			if !ok || got != tt.status {
				t.Errorf("ParseStatus(%q) = %q, %v", tt.want, got, ok)
			}
		})
	}
	if _, ok := domain.ParseStatus("DONE"); ok {
		t.Error("ParseStatus accepted an unknown status")
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []domain.Status{domain.StatusCompleted, domain.StatusFailed, domain.StatusInvalid} {
		if !s.IsTerminal() {
			t.Errorf("IsTerminal(%q) = false, want true", s)
		}
	}
	for _, s := range []domain.Status{domain.StatusPending, domain.StatusRunning, domain.StatusRunWithError} {
		if s.IsTerminal() {
			t.Errorf("IsTerminal(%q) = true, want false", s)
		}
	}
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from, to domain.Status
		ok       bool
	}{
		{domain.StatusPending, domain.StatusRunning, true},
		{domain.StatusRunning, domain.StatusCompleted, true},
		{domain.StatusRunning, domain.StatusRunWithError, true},
		{domain.StatusRunning, domain.StatusFailed, true},
		{domain.StatusRunning, domain.StatusPending, true},
		{domain.StatusRunWithError, domain.StatusPending, true},
		{domain.StatusRunWithError, domain.StatusFailed, true},
		{domain.StatusPending, domain.StatusCompleted, false},
		{domain.StatusCompleted, domain.StatusRunning, false},
		{domain.StatusFailed, domain.StatusPending, false},
		{domain.StatusRunWithError, domain.StatusRunning, false},
		{domain.StatusInvalid, domain.StatusPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.ok {
				t.Errorf("CanTransitionTo = %v, want %v", got, tt.ok)
			}
		})
	}
}

func TestEntry_SetStatus_RejectsIllegalTransition(t *testing.T) {
	e := domain.NewEntry("report", domain.NewEventConfiguration(""))
	e.ID = "e-1"
	if err := e.SetStatus(domain.StatusRunning); err != nil {
		t.Fatalf("PENDING -> RUNNING: %v", err)
	}
	if err := e.SetStatus(domain.StatusCompleted); err != nil {
		t.Fatalf("RUNNING -> COMPLETED: %v", err)
	}

	err := e.SetStatus(domain.StatusRunning)
	var illegal *domain.IllegalStateTransitionError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalStateTransitionError, got %v", err)
	}
	if illegal.From != domain.StatusCompleted || illegal.To != domain.StatusRunning || illegal.EntryID != "e-1" {
		t.Errorf("unexpected error fields: %+v", illegal)
	}
	if e.Status() != domain.StatusCompleted {
		t.Errorf("status changed on illegal transition: %s", e.Status())
	}
}

func TestEntry_JSONKeepsStatus(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := domain.NewEntry("report", domain.NewTimedConfiguration(at).WithMaxRetryCount(2))
	e.ID = "e-2"
	e.LoadStatus(domain.StatusRunWithError)

	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	var back domain.Entry
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	if back.Status() != domain.StatusRunWithError {
		t.Errorf("status after round trip = %s", back.Status())
	}
	if back.Config.MaxRetryCount != 2 || !back.Config.ScheduleTime.Equal(at) {
		t.Errorf("configuration lost: %+v", back.Config)
	}
}

func TestEntry_CloneIsIndependent(t *testing.T) {
	next := time.Now()
	e := domain.NewEntry("report", domain.NewTimedConfiguration(next))
	e.NextRunAt = &next
	e.Payload = json.RawMessage(`{"a":1}`)

	c := e.Clone()
	*c.NextRunAt = next.Add(time.Hour)
	c.Payload[2] = 'b'
	_ = c.SetStatus(domain.StatusRunning)

	if !e.NextRunAt.Equal(next) {
		t.Error("clone shares NextRunAt")
	}
	if string(e.Payload) != `{"a":1}` {
		t.Error("clone shares payload")
	}
	if e.Status() != domain.StatusPending {
		t.Error("clone shares status")
	}
}
