package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ramiqadoumi/go-task-scheduler/internal/domain"
)

// Memory is a process-local EntryStore. Entries are copied on the way in and
// out so callers never share state with the store.
type Memory struct {
	mu          sync.Mutex
	entries     map[string]*domain.Entry
	identifiers map[string]string
	attempts    map[string][]domain.Attempt
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries:     make(map[string]*domain.Entry),
		identifiers: make(map[string]string),
		attempts:    make(map[string][]domain.Attempt),
	}
}

var (
	_ EntryStore      = (*Memory)(nil)
	_ AttemptRecorder = (*Memory)(nil)
)

func (m *Memory) Save(_ context.Context, e *domain.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.ID == "" {
		e.ID = NewID()
	}
	if e.Identifier != "" {
		if owner, ok := m.identifiers[e.Identifier]; ok && owner != e.ID {
			return fmt.Errorf("save entry %s: identifier %q already used by entry %s", e.ID, e.Identifier, owner)
		}
	}
	if prev, ok := m.entries[e.ID]; ok && prev.Identifier != "" && prev.Identifier != e.Identifier {
		delete(m.identifiers, prev.Identifier)
	}
	m.entries[e.ID] = e.Clone()
	if e.Identifier != "" {
		m.identifiers[e.Identifier] = e.ID
	}
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*domain.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, &domain.EntryNotFoundError{EntryID: id}
	}
	return e.Clone(), nil
}

func (m *Memory) FindDue(_ context.Context, now time.Time, limit int) ([]*domain.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*domain.Entry
	for _, e := range m.entries {
		if e.Status() == domain.StatusPending && e.NextRunAt != nil && !e.NextRunAt.After(now) {
			due = append(due, e.Clone())
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(*due[j].NextRunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *Memory) Claim(_ context.Context, id string, from, to domain.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return false, &domain.EntryNotFoundError{EntryID: id}
	}
	if e.Status() != from {
		return false, nil
	}
	e.LoadStatus(to)
	return true, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return &domain.EntryNotFoundError{EntryID: id}
	}
	if e.Identifier != "" {
		delete(m.identifiers, e.Identifier)
	}
	delete(m.entries, id)
	delete(m.attempts, id)
	return nil
}

func (m *Memory) FindByIdentifier(_ context.Context, identifier string) (*domain.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.identifiers[identifier]
	if !ok {
		return nil, &domain.EntryNotFoundError{EntryID: identifier}
	}
	return m.entries[id].Clone(), nil
}

func (m *Memory) FindByStatus(_ context.Context, status domain.Status, limit int) ([]*domain.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Entry
	for _, e := range m.entries {
		if e.Status() == status {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) FindByTrigger(_ context.Context, trigger string) ([]*domain.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Entry
	for _, e := range m.entries {
		if e.Config.Type == domain.TypeEvent && e.Config.EventTrigger == trigger {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) RecordAttempt(_ context.Context, a *domain.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = NewID()
	}
	m.attempts[a.EntryID] = append(m.attempts[a.EntryID], *a)
	return nil
}

func (m *Memory) ListAttempts(_ context.Context, entryID string, limit int) ([]*domain.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hist := m.attempts[entryID]
	out := make([]*domain.Attempt, 0, len(hist))
	for i := len(hist) - 1; i >= 0; i-- {
		a := hist[i]
		out = append(out, &a)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
