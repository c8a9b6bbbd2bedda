// Package store defines the persistence contract for scheduler entries and an
// in-memory implementation.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ramiqadoumi/go-task-scheduler/internal/domain"
)

// EntryStore abstracts all persistence of scheduler entries.
//
// Claim is the only way concurrent callers take ownership of an entry: it
// atomically moves the entry from one status to another and reports whether
// this caller won. Implementations must make it safe under concurrent use.
type EntryStore interface {
	// Save inserts or replaces an entry, assigning an ID when empty.
	Save(ctx context.Context, e *domain.Entry) error
	Get(ctx context.Context, id string) (*domain.Entry, error)
	// FindDue returns PENDING entries with NextRunAt <= now, oldest first.
	// limit <= 0 means no limit.
	FindDue(ctx context.Context, now time.Time, limit int) ([]*domain.Entry, error)
	Claim(ctx context.Context, id string, from, to domain.Status) (bool, error)
	Delete(ctx context.Context, id string) error

	FindByIdentifier(ctx context.Context, identifier string) (*domain.Entry, error)
	FindByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Entry, error)
	// FindByTrigger returns EVENT entries registered under trigger.
	FindByTrigger(ctx context.Context, trigger string) ([]*domain.Entry, error)
}

// NewID returns a fresh entry ID.
func NewID() string { return uuid.New().String() }

// AttemptRecorder is implemented by stores that keep per-attempt history.
type AttemptRecorder interface {
	// RecordAttempt appends a, assigning an ID when empty.
	RecordAttempt(ctx context.Context, a *domain.Attempt) error
	// ListAttempts returns the newest attempts of an entry first.
	ListAttempts(ctx context.Context, entryID string, limit int) ([]*domain.Attempt, error)
}

// Pinger is implemented by stores that can report backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}
