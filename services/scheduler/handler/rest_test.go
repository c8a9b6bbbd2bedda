package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-scheduler/internal/actions"
	"github.com/ramiqadoumi/go-task-scheduler/internal/clock"
	"github.com/ramiqadoumi/go-task-scheduler/internal/domain"
	"github.com/ramiqadoumi/go-task-scheduler/internal/store"
	"github.com/ramiqadoumi/go-task-scheduler/services/scheduler"
	"github.com/ramiqadoumi/go-task-scheduler/services/scheduler/handler"
)

// ── mocks ────────────────────────────────────────────────────────────────────

// brokenScheduler fails every call with a store error.
type brokenScheduler struct {
	handler.Scheduler
}

var errStoreDown = errors.New("connection refused")

func (brokenScheduler) Get(context.Context, string) (*domain.Entry, error) { return nil, errStoreDown }
func (brokenScheduler) Ping(context.Context) error                        { return errStoreDown }

// ── helpers ──────────────────────────────────────────────────────────────────

var now = time.Date(2026, 5, 14, 10, 7, 30, 0, time.UTC)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newServer(t *testing.T, opts ...scheduler.Option) (*httptest.Server, *scheduler.Dispatcher, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	ok := actions.Func("report", func(context.Context, *domain.Entry) (bool, error) { return true, nil })
	down := actions.Func("broken", func(context.Context, *domain.Entry) (bool, error) {
		return false, errors.New("downstream unavailable")
	})
	base := []scheduler.Option{
		scheduler.WithClock(clock.NewFake(now)),
		scheduler.WithLogger(discard()),
	}
	d := scheduler.New(st, actions.NewRegistry(ok, down), append(base, opts...)...)
	r := chi.NewRouter()
	handler.NewREST(d, discard()).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, d, st
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decodeEntry(t *testing.T, data []byte) domain.Entry {
	t.Helper()
	var e domain.Entry
	require.NoError(t, json.Unmarshal(data, &e))
	return e
}

const timedBody = `{
	"identifier": "nightly-report",
	"action_id": "report",
	"configuration": {"type": "TIMED", "schedule_time": "2026-05-14T12:00:00Z", "max_retry_count": 2, "retry_delay": 30},
	"payload": {"to": "ops@example.com"}
}`

// ── tests ────────────────────────────────────────────────────────────────────

func TestScheduleEntry_Created(t *testing.T) {
	srv, _, st := newServer(t)

	resp, data := do(t, http.MethodPost, srv.URL+"/api/v1/entries", timedBody)

	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	e := decodeEntry(t, data)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, domain.StatusPending, e.Status())
	assert.Equal(t, "nightly-report", e.Identifier)
	require.NotNil(t, e.NextRunAt)
	assert.Equal(t, time.Date(2026, 5, 14, 12, 0, 0, 0, time.UTC), e.NextRunAt.UTC())

	stored, err := st.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"to": "ops@example.com"}`, string(stored.Payload))
}

func TestScheduleEntry_BadRequests(t *testing.T) {
	srv, _, _ := newServer(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed", `{`, http.StatusBadRequest},
		{"missing action", `{"configuration": {"type": "EVENT"}}`, http.StatusBadRequest},
		{"bad cron", `{"action_id": "report", "configuration": {"type": "CRON", "cron_expression": "nope"}}`, http.StatusBadRequest},
		{"unknown action", `{"action_id": "missing", "configuration": {"type": "EVENT"}}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := do(t, http.MethodPost, srv.URL+"/api/v1/entries", tt.body)
			assert.Equal(t, tt.code, resp.StatusCode, string(data))
			assert.Contains(t, string(data), `"error"`)
		})
	}
}

func TestScheduleEntry_SynchronousFailureIsBadGateway(t *testing.T) {
	srv, _, st := newServer(t)
	body := `{"action_id": "broken", "configuration": {"type": "IMMEDIATE", "synchronous": true, "persistent": true}}`

	resp, data := do(t, http.MethodPost, srv.URL+"/api/v1/entries", body)

	require.Equal(t, http.StatusBadGateway, resp.StatusCode, string(data))
	assert.Contains(t, string(data), "downstream unavailable")
	failed, err := st.FindByStatus(context.Background(), domain.StatusRunWithError, 10)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestGetEntry(t *testing.T) {
	srv, _, _ := newServer(t)
	_, data := do(t, http.MethodPost, srv.URL+"/api/v1/entries", timedBody)
	created := decodeEntry(t, data)

	resp, data := do(t, http.MethodGet, srv.URL+"/api/v1/entries/"+created.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, created.ID, decodeEntry(t, data).ID)

	resp, data = do(t, http.MethodGet, srv.URL+"/api/v1/identifiers/nightly-report", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, created.ID, decodeEntry(t, data).ID)

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/v1/entries/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListEntries(t *testing.T) {
	srv, _, _ := newServer(t)
	do(t, http.MethodPost, srv.URL+"/api/v1/entries", timedBody)

	resp, data := do(t, http.MethodGet, srv.URL+"/api/v1/entries?status=pending", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []domain.Entry
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Len(t, list, 1)

	resp, data = do(t, http.MethodGet, srv.URL+"/api/v1/entries?status=FAILED", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(data))

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/v1/entries?status=sleeping", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/v1/entries?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTriggerEntry_WaitReturnsOutcome(t *testing.T) {
	srv, _, _ := newServer(t)
	_, data := do(t, http.MethodPost, srv.URL+"/api/v1/entries",
		`{"action_id": "report", "configuration": {"type": "EVENT"}}`)
	created := decodeEntry(t, data)

	resp, data := do(t, http.MethodPost, srv.URL+"/api/v1/entries/"+created.ID+"/trigger", `{"wait": true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	triggered := decodeEntry(t, data)
	assert.Equal(t, domain.StatusCompleted, triggered.Status())

	// A completed entry cannot run again.
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/v1/entries/"+created.ID+"/trigger", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, data = do(t, http.MethodGet, srv.URL+"/api/v1/entries/"+created.ID+"/attempts", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var attempts []domain.Attempt
	require.NoError(t, json.Unmarshal(data, &attempts))
	require.Len(t, attempts, 1)
	assert.Equal(t, domain.StatusCompleted, attempts[0].Status)
}

func TestTriggerEntry_Async(t *testing.T) {
	srv, d, _ := newServer(t)
	_, data := do(t, http.MethodPost, srv.URL+"/api/v1/entries",
		`{"action_id": "report", "configuration": {"type": "EVENT"}}`)
	created := decodeEntry(t, data)

	resp, _ := do(t, http.MethodPost, srv.URL+"/api/v1/entries/"+created.ID+"/trigger", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	d.Wait()
}

func TestTriggerEntry_RateLimited(t *testing.T) {
	srv, _, _ := newServer(t, scheduler.WithLimiter(denyAll{}))
	_, data := do(t, http.MethodPost, srv.URL+"/api/v1/entries",
		`{"action_id": "report", "configuration": {"type": "EVENT"}}`)
	created := decodeEntry(t, data)

	resp, _ := do(t, http.MethodPost, srv.URL+"/api/v1/entries/"+created.ID+"/trigger", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string) (bool, error) { return false, nil }
func (denyAll) Limit() int                                  { return 1 }

func TestRescheduleEntry(t *testing.T) {
	srv, _, _ := newServer(t)
	_, data := do(t, http.MethodPost, srv.URL+"/api/v1/entries", timedBody)
	created := decodeEntry(t, data)

	resp, data := do(t, http.MethodPut, srv.URL+"/api/v1/entries/"+created.ID+"/configuration",
		`{"type": "CRON", "cron_expression": "0 0/15 * * * *"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	e := decodeEntry(t, data)
	assert.Equal(t, domain.TypeCron, e.Config.Type)
	require.NotNil(t, e.NextRunAt)
	assert.Equal(t, time.Date(2026, 5, 14, 10, 15, 0, 0, time.UTC), e.NextRunAt.UTC())
}

func TestCancelEntry(t *testing.T) {
	srv, _, _ := newServer(t)
	_, data := do(t, http.MethodPost, srv.URL+"/api/v1/entries", timedBody)
	created := decodeEntry(t, data)

	resp, _ := do(t, http.MethodDelete, srv.URL+"/api/v1/entries/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = do(t, http.MethodDelete, srv.URL+"/api/v1/entries/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFireEvent(t *testing.T) {
	srv, d, _ := newServer(t)
	_, data := do(t, http.MethodPost, srv.URL+"/api/v1/entries",
		`{"action_id": "report", "configuration": {"type": "EVENT", "event_trigger": "invoice.paid"}}`)
	created := decodeEntry(t, data)

	resp, data := do(t, http.MethodPost, srv.URL+"/api/v1/events/invoice.paid", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	d.Wait()

	var body handler.EventResponse
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, "invoice.paid", body.Trigger)
	assert.Equal(t, []string{created.ID}, body.Started)
}

func TestHealthAndReadiness(t *testing.T) {
	srv, _, _ := newServer(t)

	resp, _ := do(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, srv.URL+"/readyz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStoreErrorsAreInternal(t *testing.T) {
	r := chi.NewRouter()
	handler.NewREST(brokenScheduler{}, discard()).Routes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, data := do(t, http.MethodGet, srv.URL+"/api/v1/entries/abc", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.NotContains(t, string(data), "connection refused")

	resp, _ = do(t, http.MethodGet, srv.URL+"/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
