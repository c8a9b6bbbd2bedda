package actions

import (
	"context"
	"sync"

	"github.com/ramiqadoumi/go-task-scheduler/internal/domain"
)

// Action is the business logic a scheduler entry invokes.
// Returning false or an error marks the attempt as failed.
type Action interface {
	Execute(ctx context.Context, entry *domain.Entry) (bool, error)
	ActionID() string
}

// Resolver looks up actions by ID.
type Resolver interface {
	Resolve(actionID string) (Action, error)
}

type funcAction struct {
	id string
	fn func(ctx context.Context, entry *domain.Entry) (bool, error)
}

func (a funcAction) ActionID() string { return a.id }
func (a funcAction) Execute(ctx context.Context, entry *domain.Entry) (bool, error) {
	return a.fn(ctx, entry)
}

// Func adapts a plain function into an Action registered under id.
func Func(id string, fn func(ctx context.Context, entry *domain.Entry) (bool, error)) Action {
	return funcAction{id: id, fn: fn}
}

// Registry maps action IDs to their implementations.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates a Registry holding the given actions.
func NewRegistry(actions ...Action) *Registry {
	r := &Registry{actions: make(map[string]Action)}
	for _, a := range actions {
		r.Register(a)
	}
	return r
}

// Register adds an action, replacing any previous one with the same ID.
// Safe to call concurrently.
func (r *Registry) Register(a Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[a.ActionID()] = a
}

// Resolve returns the action registered under actionID.
// Returns ActionNotFoundError if not registered.
func (r *Registry) Resolve(actionID string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[actionID]
	if !ok {
		return nil, &domain.ActionNotFoundError{ActionID: actionID}
	}
	return a, nil
}

// IDs lists the registered action IDs in no particular order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.actions))
	for id := range r.actions {
		ids = append(ids, id)
	}
	return ids
}
