package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-scheduler/internal/domain"
	"github.com/ramiqadoumi/go-task-scheduler/internal/sqlite"
	"github.com/ramiqadoumi/go-task-scheduler/internal/store"
	"github.com/ramiqadoumi/go-task-scheduler/internal/store/storetest"
)

func openTemp(t *testing.T) *sqlite.EntryStore {
	t.Helper()
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "entries.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEntryStore_Conformance(t *testing.T) {
	newStore := func(t *testing.T) store.EntryStore { return openTemp(t) }
	storetest.Run(t, newStore)
	storetest.RunAttempts(t, newStore)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := sqlite.Open(context.Background(), "  ", 0)
	require.Error(t, err)
}

func TestEntryStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "entries.db")

	s, err := sqlite.Open(ctx, path, 0)
	require.NoError(t, err)
	at := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	e := domain.NewEntry("report", domain.NewTimedConfiguration(at))
	e.NextRunAt = &at
	e.CreatedAt, e.UpdatedAt = at, at
	require.NoError(t, s.Save(ctx, e))
	require.NoError(t, s.Close())

	reopened, err := sqlite.Open(ctx, path, 0)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status())
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(at))
}

func TestEntryStore_ZeroTimesRoundTrip(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	e := domain.NewEntry("hook", domain.NewEventConfiguration("upload"))
	require.NoError(t, s.Save(ctx, e))

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, got.CreatedAt.IsZero())
	assert.Nil(t, got.NextRunAt)
}

func TestEntryStore_IdentifierConflict(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	a := domain.NewEntry("a", domain.NewEventConfiguration(""))
	a.Identifier = "shared"
	require.NoError(t, s.Save(ctx, a))

	b := domain.NewEntry("b", domain.NewEventConfiguration(""))
	b.Identifier = "shared"
	err := s.Save(ctx, b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already used")
}

func TestEntryStore_DeleteDropsAttempts(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	e := domain.NewEntry("a", domain.NewEventConfiguration(""))
	require.NoError(t, s.Save(ctx, e))
	require.NoError(t, s.RecordAttempt(ctx, &domain.Attempt{
		EntryID: e.ID, ActionID: "a", Number: 1,
		Status: domain.StatusCompleted, ExecutedAt: time.Now().UTC(),
	}))

	require.NoError(t, s.Delete(ctx, e.ID))

	got, err := s.ListAttempts(ctx, e.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	var notFound *domain.EntryNotFoundError
	require.ErrorAs(t, s.Delete(ctx, e.ID), &notFound)
}
