// Package storetest holds behaviour tests every store.EntryStore
// implementation must pass.
package storetest

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-scheduler/internal/domain"
	"github.com/ramiqadoumi/go-task-scheduler/internal/store"
)

// Run executes the suite. newStore must return an empty store for each call.
func Run(t *testing.T, newStore func(t *testing.T) store.EntryStore) {
	t.Run("SaveAssignsIDAndRoundTrips", func(t *testing.T) { testSaveGet(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("FindDue", func(t *testing.T) { testFindDue(t, newStore(t)) })
	t.Run("ClaimIsCompareAndSet", func(t *testing.T) { testClaim(t, newStore(t)) })
	t.Run("ReleasedClaimIsDueAgain", func(t *testing.T) { testReleasedClaim(t, newStore(t)) })
	t.Run("ConcurrentClaimsOneWinner", func(t *testing.T) { testConcurrentClaim(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("FindByIdentifier", func(t *testing.T) { testFindByIdentifier(t, newStore(t)) })
	t.Run("FindByStatus", func(t *testing.T) { testFindByStatus(t, newStore(t)) })
	t.Run("FindByTrigger", func(t *testing.T) { testFindByTrigger(t, newStore(t)) })
}

var base = time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)

func pendingEntry(action string, nextRun time.Time) *domain.Entry {
	cfg := domain.NewTimedConfiguration(nextRun).WithMaxRetryCount(2).WithRetryDelay(30)
	e := domain.NewEntry(action, cfg)
	e.NextRunAt = &nextRun
	e.CreatedAt = base
	e.UpdatedAt = base
	return e
}

func testSaveGet(t *testing.T, s store.EntryStore) {
	ctx := context.Background()
	e := pendingEntry("report", base.Add(time.Minute))
	e.Identifier = "daily-report"
	e.Payload = json.RawMessage(`{"to":"ops@example.com"}`)

	require.NoError(t, s.Save(ctx, e))
	require.NotEmpty(t, e.ID)

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, "daily-report", got.Identifier)
	assert.Equal(t, "report", got.ActionID)
	assert.Equal(t, domain.StatusPending, got.Status())
	assert.Equal(t, 2, got.Config.MaxRetryCount)
	assert.Equal(t, int64(30), got.Config.RetryDelay)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(*e.NextRunAt))
	assert.JSONEq(t, `{"to":"ops@example.com"}`, string(got.Payload))

	got.Config = got.Config.WithRetryCount(1)
	got.LastError = "boom"
	require.NoError(t, s.Save(ctx, got))

	again, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, again.Config.RetryCount)
	assert.Equal(t, "boom", again.LastError)
}

func testGetMissing(t *testing.T, s store.EntryStore) {
	_, err := s.Get(context.Background(), store.NewID())
	var notFound *domain.EntryNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func testFindDue(t *testing.T, s store.EntryStore) {
	ctx := context.Background()
	late := pendingEntry("a", base.Add(-time.Minute))
	early := pendingEntry("b", base.Add(-time.Hour))
	future := pendingEntry("c", base.Add(time.Hour))
	running := pendingEntry("d", base.Add(-time.Minute))
	running.LoadStatus(domain.StatusRunning)
	event := domain.NewEntry("e", domain.NewEventConfiguration("upload"))
	event.CreatedAt, event.UpdatedAt = base, base

	for _, e := range []*domain.Entry{late, early, future, running, event} {
		require.NoError(t, s.Save(ctx, e))
	}

	due, err := s.FindDue(ctx, base, 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, early.ID, due[0].ID, "oldest due entry first")
	assert.Equal(t, late.ID, due[1].ID)

	limited, err := s.FindDue(ctx, base, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, early.ID, limited[0].ID)
}

func testClaim(t *testing.T, s store.EntryStore) {
	ctx := context.Background()
	e := pendingEntry("a", base)
	require.NoError(t, s.Save(ctx, e))

	ok, err := s.Claim(ctx, e.ID, domain.StatusPending, domain.StatusRunning)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Claim(ctx, e.ID, domain.StatusPending, domain.StatusRunning)
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status())

	due, err := s.FindDue(ctx, base.Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, due, "claimed entries are not due")
}

func testReleasedClaim(t *testing.T, s store.EntryStore) {
	ctx := context.Background()
	later := base.Add(time.Hour)

	e := pendingEntry("a", base)
	require.NoError(t, s.Save(ctx, e))
	ok, err := s.Claim(ctx, e.ID, domain.StatusPending, domain.StatusRunning)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Claim(ctx, e.ID, domain.StatusRunning, domain.StatusPending)
	require.NoError(t, err)
	require.True(t, ok)

	due, err := s.FindDue(ctx, later, 0)
	require.NoError(t, err)
	require.Len(t, due, 1, "a released entry is due again")
	assert.Equal(t, e.ID, due[0].ID)
	assert.Equal(t, domain.StatusPending, due[0].Status())

	// Stored straight into RUNNING, as a synchronous run is.
	running := pendingEntry("b", base.Add(time.Minute))
	running.LoadStatus(domain.StatusRunning)
	require.NoError(t, s.Save(ctx, running))
	ok, err = s.Claim(ctx, running.ID, domain.StatusRunning, domain.StatusPending)
	require.NoError(t, err)
	require.True(t, ok)

	due, err = s.FindDue(ctx, later, 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, e.ID, due[0].ID)
	assert.Equal(t, running.ID, due[1].ID)
}

func testConcurrentClaim(t *testing.T, s store.EntryStore) {
	ctx := context.Background()
	e := pendingEntry("a", base)
	require.NoError(t, s.Save(ctx, e))

	const racers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := s.Claim(ctx, e.ID, domain.StatusPending, domain.StatusRunning)
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func testDelete(t *testing.T, s store.EntryStore) {
	ctx := context.Background()
	e := pendingEntry("a", base)
	e.Identifier = "to-delete"
	require.NoError(t, s.Save(ctx, e))

	require.NoError(t, s.Delete(ctx, e.ID))

	_, err := s.Get(ctx, e.ID)
	var notFound *domain.EntryNotFoundError
	require.ErrorAs(t, err, &notFound)
	_, err = s.FindByIdentifier(ctx, "to-delete")
	require.ErrorAs(t, err, &notFound)
}

func testFindByIdentifier(t *testing.T, s store.EntryStore) {
	ctx := context.Background()
	e := pendingEntry("a", base)
	e.Identifier = "nightly-export"
	require.NoError(t, s.Save(ctx, e))

	got, err := s.FindByIdentifier(ctx, "nightly-export")
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)

	_, err = s.FindByIdentifier(ctx, "unknown")
	var notFound *domain.EntryNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func testFindByStatus(t *testing.T, s store.EntryStore) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		e := pendingEntry("a", base)
		e.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.Save(ctx, e))
	}
	failed := pendingEntry("a", base)
	failed.LoadStatus(domain.StatusFailed)
	require.NoError(t, s.Save(ctx, failed))

	pending, err := s.FindByStatus(ctx, domain.StatusPending, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	limited, err := s.FindByStatus(ctx, domain.StatusPending, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	failedOnly, err := s.FindByStatus(ctx, domain.StatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, failedOnly, 1)
	assert.Equal(t, failed.ID, failedOnly[0].ID)
}

func testFindByTrigger(t *testing.T, s store.EntryStore) {
	ctx := context.Background()
	a := domain.NewEntry("index", domain.NewEventConfiguration("document.uploaded"))
	b := domain.NewEntry("thumbnail", domain.NewEventConfiguration("document.uploaded"))
	other := domain.NewEntry("audit", domain.NewEventConfiguration("user.created"))
	for _, e := range []*domain.Entry{a, b, other} {
		e.CreatedAt, e.UpdatedAt = base, base
		require.NoError(t, s.Save(ctx, e))
	}

	got, err := s.FindByTrigger(ctx, "document.uploaded")
	require.NoError(t, err)
	ids := []string{}
	for _, e := range got {
		ids = append(ids, e.ID)
	}
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)

	none, err := s.FindByTrigger(ctx, "nothing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

// RunAttempts exercises store.AttemptRecorder. newStore must return a store
// implementing it.
func RunAttempts(t *testing.T, newStore func(t *testing.T) store.EntryStore) {
	t.Run("RecordAndListNewestFirst", func(t *testing.T) {
		s := newStore(t)
		rec, ok := s.(store.AttemptRecorder)
		require.True(t, ok, "%T does not record attempts", s)
		ctx := context.Background()

		e := pendingEntry("report", base)
		require.NoError(t, s.Save(ctx, e))

		for i := 1; i <= 3; i++ {
			a := &domain.Attempt{
				EntryID:    e.ID,
				ActionID:   e.ActionID,
				Number:     i,
				Status:     domain.StatusRunWithError,
				DurationMs: int64(10 * i),
				Error:      "boom",
				ExecutedAt: base.Add(time.Duration(i) * time.Minute),
			}
			require.NoError(t, rec.RecordAttempt(ctx, a))
			assert.NotEmpty(t, a.ID)
		}

		all, err := rec.ListAttempts(ctx, e.ID, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, 3, all[0].Number)
		assert.Equal(t, 1, all[2].Number)
		assert.Equal(t, "boom", all[0].Error)
		assert.Equal(t, domain.StatusRunWithError, all[0].Status)

		limited, err := rec.ListAttempts(ctx, e.ID, 2)
		require.NoError(t, err)
		require.Len(t, limited, 2)
		assert.Equal(t, 3, limited[0].Number)

		none, err := rec.ListAttempts(ctx, store.NewID(), 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}
