package actions_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-scheduler/internal/actions"
	"github.com/ramiqadoumi/go-task-scheduler/internal/domain"
)

func noop(id string) actions.Action {
	return actions.Func(id, func(context.Context, *domain.Entry) (bool, error) { return true, nil })
}

func TestRegistry_Resolve_Known(t *testing.T) {
	reg := actions.NewRegistry(noop("email"))

	a, err := reg.Resolve("email")
	require.NoError(t, err)
	assert.Equal(t, "email", a.ActionID())
}

func TestRegistry_Resolve_Unknown(t *testing.T) {
	reg := actions.NewRegistry()

	_, err := reg.Resolve("sms")
	require.Error(t, err)

	var notFound *domain.ActionNotFoundError
	assert.True(t, errors.As(err, &notFound), "expected ActionNotFoundError, got %T", err)
	assert.Equal(t, "sms", notFound.ActionID)
}

func TestRegistry_Register_Overwrites(t *testing.T) {
	reg := actions.NewRegistry(noop("report"))
	reg.Register(actions.Func("report", func(context.Context, *domain.Entry) (bool, error) {
		return false, nil
	}))

	a, err := reg.Resolve("report")
	require.NoError(t, err)
	ok, err := a.Execute(context.Background(), &domain.Entry{})
	require.NoError(t, err)
	assert.False(t, ok, "second registration should replace the first")
	assert.ElementsMatch(t, []string{"report"}, reg.IDs())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := actions.NewRegistry(noop("email"))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); reg.Register(noop("webhook")) }()
		go func() { defer wg.Done(); _, _ = reg.Resolve("email") }()
	}
	wg.Wait()
}

func TestFunc_PassesEntry(t *testing.T) {
	var seen string
	a := actions.Func("echo", func(_ context.Context, e *domain.Entry) (bool, error) {
		seen = e.ID
		return true, nil
	})
	ok, err := a.Execute(context.Background(), &domain.Entry{ID: "e-9"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "e-9", seen)
}
