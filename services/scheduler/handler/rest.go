package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-task-scheduler/internal/domain"
	"github.com/ramiqadoumi/go-task-scheduler/services/scheduler"
)

const defaultListLimit = 100

// Scheduler is the subset of *scheduler.Dispatcher the REST API needs.
type Scheduler interface {
	Schedule(ctx context.Context, req scheduler.ScheduleRequest) (*domain.Entry, error)
	Get(ctx context.Context, id string) (*domain.Entry, error)
	GetByIdentifier(ctx context.Context, identifier string) (*domain.Entry, error)
	ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Entry, error)
	Reschedule(ctx context.Context, id string, cfg domain.Configuration) (*domain.Entry, error)
	Trigger(ctx context.Context, id string, opts scheduler.TriggerOptions) (*domain.Entry, error)
	TriggerEvent(ctx context.Context, trigger string) ([]string, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Attempts(ctx context.Context, id string, limit int) ([]*domain.Attempt, error)
	Ping(ctx context.Context) error
}

// REST handles HTTP requests for the scheduler admin API.
type REST struct {
	sched  Scheduler
	logger *slog.Logger
}

// NewREST creates a new REST handler.
func NewREST(sched Scheduler, logger *slog.Logger) *REST {
	return &REST{sched: sched, logger: logger}
}

// Routes mounts every endpoint on r.
func (h *REST) Routes(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/entries", h.ScheduleEntry)
		r.Get("/entries", h.ListEntries)
		r.Get("/entries/{id}", h.GetEntry)
		r.Delete("/entries/{id}", h.CancelEntry)
		r.Put("/entries/{id}/configuration", h.RescheduleEntry)
		r.Post("/entries/{id}/trigger", h.TriggerEntry)
		r.Get("/entries/{id}/attempts", h.ListAttempts)
		r.Get("/identifiers/{identifier}", h.GetByIdentifier)
		r.Post("/events/{trigger}", h.FireEvent)
	})
}

// ScheduleEntryRequest is the JSON body for POST /api/v1/entries.
type ScheduleEntryRequest struct {
	Identifier    string               `json:"identifier,omitempty"`
	ActionID      string               `json:"action_id"`
	Configuration domain.Configuration `json:"configuration"`
	Payload       json.RawMessage      `json:"payload,omitempty"`
}

// TriggerRequest is the optional JSON body for POST /entries/{id}/trigger.
type TriggerRequest struct {
	FixedDelaySeconds int64 `json:"fixed_delay_seconds,omitempty"`
	Wait              bool  `json:"wait,omitempty"`
}

// EventResponse is the 202 body of POST /api/v1/events/{trigger}.
type EventResponse struct {
	Trigger string   `json:"trigger"`
	Started []string `json:"started"`
}

// ScheduleEntry handles POST /api/v1/entries.
func (h *REST) ScheduleEntry(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("scheduler-api").Start(r.Context(), "api.schedule_entry")
	defer span.End()

	var req ScheduleEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.ActionID) == "" {
		writeError(w, http.StatusBadRequest, "field 'action_id' is required")
		return
	}
	span.SetAttributes(attribute.String("entry.action", req.ActionID))

	e, err := h.sched.Schedule(ctx, scheduler.ScheduleRequest{
		Identifier: req.Identifier,
		ActionID:   req.ActionID,
		Config:     req.Configuration,
		Payload:    req.Payload,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "schedule failed")
		h.fail(w, err, "failed to schedule entry")
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// ListEntries handles GET /api/v1/entries?status=PENDING&limit=100.
func (h *REST) ListEntries(w http.ResponseWriter, r *http.Request) {
	status := domain.StatusPending
	if v := r.URL.Query().Get("status"); v != "" {
		s, ok := domain.ParseStatus(strings.ToUpper(v))
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown status "+v)
			return
		}
		status = s
	}
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}

	entries, err := h.sched.ListByStatus(r.Context(), status, limit)
	if err != nil {
		h.fail(w, err, "failed to list entries")
		return
	}
	if entries == nil {
		entries = []*domain.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetEntry handles GET /api/v1/entries/{id}.
func (h *REST) GetEntry(w http.ResponseWriter, r *http.Request) {
	e, err := h.sched.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err, "failed to retrieve entry")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *REST) GetByIdentifier(w http.ResponseWriter, r *http.Request) {
	e, err := h.sched.GetByIdentifier(r.Context(), chi.URLParam(r, "identifier"))
	if err != nil {
		h.fail(w, err, "failed to retrieve entry")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// CancelEntry handles DELETE /api/v1/entries/{id}. A deleted entry answers
// 204; a running entry that was only marked answers 202.
func (h *REST) CancelEntry(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.sched.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err, "failed to cancel entry")
		return
	}
	if !deleted {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RescheduleEntry handles PUT /api/v1/entries/{id}/configuration.
func (h *REST) RescheduleEntry(w http.ResponseWriter, r *http.Request) {
	var cfg domain.Configuration
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	e, err := h.sched.Reschedule(r.Context(), chi.URLParam(r, "id"), cfg)
	if err != nil {
		h.fail(w, err, "failed to reschedule entry")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// TriggerEntry handles POST /api/v1/entries/{id}/trigger. With "wait" the
// response carries the entry after the attempt; otherwise 202.
func (h *REST) TriggerEntry(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("scheduler-api").Start(r.Context(), "api.trigger_entry")
	defer span.End()

	var req TriggerRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.FixedDelaySeconds < 0 {
		writeError(w, http.StatusBadRequest, "field 'fixed_delay_seconds' must not be negative")
		return
	}

	e, err := h.sched.Trigger(ctx, chi.URLParam(r, "id"), scheduler.TriggerOptions{
		FixedDelay: time.Duration(req.FixedDelaySeconds) * time.Second,
		Wait:       req.Wait,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "trigger failed")
		h.fail(w, err, "failed to trigger entry")
		return
	}
	code := http.StatusAccepted
	if req.Wait {
		code = http.StatusOK
	}
	writeJSON(w, code, e)
}

// ListAttempts handles GET /api/v1/entries/{id}/attempts.
func (h *REST) ListAttempts(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := h.sched.Get(r.Context(), id); err != nil {
		h.fail(w, err, "failed to retrieve entry")
		return
	}
	attempts, err := h.sched.Attempts(r.Context(), id, limit)
	if err != nil {
		h.fail(w, err, "failed to list attempts")
		return
	}
	if attempts == nil {
		attempts = []*domain.Attempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

// FireEvent handles POST /api/v1/events/{trigger}.
func (h *REST) FireEvent(w http.ResponseWriter, r *http.Request) {
	trigger := chi.URLParam(r, "trigger")
	started, err := h.sched.TriggerEvent(r.Context(), trigger)
	if err != nil {
		h.fail(w, err, "failed to fire event")
		return
	}
	writeJSON(w, http.StatusAccepted, EventResponse{Trigger: trigger, Started: started})
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz. It pings the entry store.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.sched.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// fail maps domain errors to status codes. Anything unrecognised is logged
// and reported as 500 with msg.
func (h *REST) fail(w http.ResponseWriter, err error, msg string) {
	var (
		notFound  *domain.EntryNotFoundError
		busy      *domain.EntryBusyError
		illegal   *domain.IllegalStateTransitionError
		badConfig *domain.InvalidConfigurationError
		noAction  *domain.ActionNotFoundError
		limited   *domain.RateLimitExceededError
		failed    *domain.ActionFailedError
	)
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &busy), errors.As(err, &illegal):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &badConfig):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &noAction):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.As(err, &failed):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, scheduler.ErrAttemptsUnsupported):
		writeError(w, http.StatusNotImplemented, err.Error())
	default:
		h.logger.Error(msg, slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, msg)
	}
}

func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
