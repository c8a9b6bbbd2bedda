package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ramiqadoumi/go-task-scheduler/internal/domain"
	"github.com/ramiqadoumi/go-task-scheduler/internal/executor"
	"github.com/ramiqadoumi/go-task-scheduler/internal/kafka"
	"github.com/ramiqadoumi/go-task-scheduler/internal/store"
	"github.com/ramiqadoumi/go-task-scheduler/pkg/telemetry"
)

// maxCancelRounds bounds how often Cancel re-reads an entry that keeps
// changing status underneath it.
const maxCancelRounds = 3

// ErrAttemptsUnsupported is returned by Attempts when the store keeps no
// attempt history.
var ErrAttemptsUnsupported = errors.New("store does not record attempts")

// ScheduleRequest registers an action with a configuration.
type ScheduleRequest struct {
	// Identifier is an optional caller key. Scheduling again with the same
	// identifier updates the existing entry instead of creating another.
	Identifier string
	ActionID   string
	Config     domain.Configuration
	Payload    json.RawMessage
}

// TriggerOptions tune an out-of-band execution.
type TriggerOptions struct {
	// FixedDelay replaces the configured retry delay if this attempt fails.
	FixedDelay time.Duration
	// Wait runs the attempt on the caller's goroutine and returns the
	// recorded outcome.
	Wait bool
}

// Schedule validates and stores an entry, computing its first due time.
//
// A configuration error is returned without storing anything. An entry whose
// action is not registered is stored as INVALID and returned together with
// *domain.ActionNotFoundError. A synchronous IMMEDIATE request is executed
// once before Schedule returns; it is stored only when its configuration is
// Persistent or it merges into an existing identifier, and a failed run is
// reported as *domain.ActionFailedError.
func (d *Dispatcher) Schedule(ctx context.Context, req ScheduleRequest) (*domain.Entry, error) {
	ctx, span := otel.Tracer("scheduler").Start(ctx, "scheduler.schedule")
	defer span.End()
	span.SetAttributes(
		attribute.String("entry.action", req.ActionID),
		attribute.String("entry.type", string(req.Config.Type)),
	)

	if err := req.Config.Validate(); err != nil {
		return nil, err
	}
	now := d.clock.Now()
	cfg := req.Config.Normalize(now)
	synchronous := req.Config.Type == domain.TypeImmediate && cfg.Synchronous

	e, kind, err := d.prepare(ctx, req, cfg, now)
	if err != nil {
		return nil, err
	}
	if synchronous && !cfg.Persistent && kind == domain.EventScheduled {
		return d.runOnce(ctx, e)
	}

	_, resolveErr := d.actions.Resolve(req.ActionID)
	var limited error
	switch {
	case resolveErr != nil:
		_ = e.SetStatus(domain.StatusInvalid)
		e.NextRunAt = nil
		e.LastError = resolveErr.Error()
	case synchronous:
		e.NextRunAt = &now
		if !d.allow(ctx, e.ActionID) {
			// Left PENDING and due; a poller runs it once the limit allows.
			limited = &domain.RateLimitExceededError{ActionID: e.ActionID, Limit: d.limiter.Limit()}
			synchronous = false
		} else {
			_ = e.SetStatus(domain.StatusRunning)
		}
	default:
		e.NextRunAt = cfg.InitialRunAt(now)
	}

	if err := d.store.Save(ctx, e); err != nil {
		telemetry.StoreErrorsTotal.WithLabelValues("save").Inc()
		if kind == domain.EventRescheduled {
			d.release(e.ID)
		}
		return nil, fmt.Errorf("schedule entry: %w", err)
	}
	telemetry.EntriesScheduled.WithLabelValues(string(cfg.Type)).Inc()
	d.publish(ctx, kind, e, "")

	log := d.logger.With(slog.String("entry_id", e.ID), slog.String("action_id", e.ActionID))
	if resolveErr != nil {
		log.Warn("entry scheduled with unknown action", slog.String("error", resolveErr.Error()))
		return e.Clone(), resolveErr
	}
	log.Info("entry scheduled",
		slog.String("type", string(cfg.Type)),
		slog.String("event", string(kind)),
	)
	if limited != nil {
		return e.Clone(), limited
	}

	if synchronous {
		telemetry.TriggersTotal.WithLabelValues("synchronous").Inc()
		out, err := d.runInline(ctx, e, executor.Options{})
		if err != nil {
			return nil, err
		}
		if !out.Success {
			return out.Entry.Clone(), &domain.ActionFailedError{EntryID: e.ID, ActionID: e.ActionID, Err: out.Err}
		}
		return out.Entry.Clone(), nil
	}
	return e.Clone(), nil
}

// runOnce executes a synchronous IMMEDIATE entry that is never stored. The
// attempt's bookkeeping goes to a throwaway store.
func (d *Dispatcher) runOnce(ctx context.Context, e *domain.Entry) (*domain.Entry, error) {
	action, err := d.actions.Resolve(e.ActionID)
	if err != nil {
		return nil, err
	}
	if !d.allow(ctx, e.ActionID) {
		return nil, &domain.RateLimitExceededError{ActionID: e.ActionID, Limit: d.limiter.Limit()}
	}
	if !d.occupy(ctx) {
		return nil, ctx.Err()
	}
	defer d.vacate()

	telemetry.TriggersTotal.WithLabelValues("synchronous").Inc()
	exec := executor.New(store.NewMemory(),
		executor.WithClock(d.clock),
		executor.WithLogger(d.logger),
		executor.WithTimeout(d.attemptTimeout),
	)
	out, err := exec.Call(ctx, e, action, executor.Options{})
	if err != nil {
		return nil, err
	}
	d.logger.Info("unstored entry executed",
		slog.String("entry_id", e.ID),
		slog.String("action_id", e.ActionID),
		slog.Bool("success", out.Success),
	)
	if !out.Success {
		return out.Entry.Clone(), &domain.ActionFailedError{EntryID: e.ID, ActionID: e.ActionID, Err: out.Err}
	}
	return out.Entry.Clone(), nil
}

// prepare returns the entry to store for req: a fresh PENDING entry, or the
// existing entry registered under req.Identifier re-armed with the new
// configuration.
func (d *Dispatcher) prepare(ctx context.Context, req ScheduleRequest, cfg domain.Configuration, now time.Time) (*domain.Entry, domain.EventKind, error) {
	if req.Identifier != "" {
		existing, err := d.store.FindByIdentifier(ctx, req.Identifier)
		var notFound *domain.EntryNotFoundError
		switch {
		case err == nil:
			if err := d.acquire(ctx, existing); err != nil {
				return nil, "", err
			}
			existing.ActionID = req.ActionID
			existing.Config = cfg
			existing.Payload = req.Payload
			existing.LastError = ""
			existing.UpdatedAt = now
			existing.LoadStatus(domain.StatusPending)
			return existing, domain.EventRescheduled, nil
		case !errors.As(err, &notFound):
			return nil, "", fmt.Errorf("lookup identifier %q: %w", req.Identifier, err)
		}
	}

	e := domain.NewEntry(req.ActionID, cfg)
	e.ID = store.NewID()
	e.Identifier = req.Identifier
	e.Payload = req.Payload
	e.CreatedAt = now
	e.UpdatedAt = now
	return e, domain.EventScheduled, nil
}

// acquire takes exclusive ownership of a stored entry before it is rewritten
// outside the executor. A PENDING entry is claimed so no poller can start it
// meanwhile; a RUNNING one is busy. Other statuses are never claimed.
func (d *Dispatcher) acquire(ctx context.Context, e *domain.Entry) error {
	switch e.Status() {
	case domain.StatusRunning:
		return &domain.EntryBusyError{EntryID: e.ID, Status: e.Status()}
	case domain.StatusPending:
		won, err := d.store.Claim(ctx, e.ID, domain.StatusPending, domain.StatusRunning)
		if err != nil {
			return fmt.Errorf("claim entry %s: %w", e.ID, err)
		}
		if !won {
			return &domain.EntryBusyError{EntryID: e.ID, Status: domain.StatusRunning}
		}
	}
	return nil
}

// Trigger runs an entry now, regardless of its due time. Only a PENDING
// entry can be triggered; the caller must win the claim like a poller.
func (d *Dispatcher) Trigger(ctx context.Context, id string, opts TriggerOptions) (*domain.Entry, error) {
	ctx, span := otel.Tracer("scheduler").Start(ctx, "scheduler.trigger")
	defer span.End()
	span.SetAttributes(attribute.String("entry.id", id))

	e, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch e.Status() {
	case domain.StatusPending:
	case domain.StatusRunning:
		return nil, &domain.EntryBusyError{EntryID: id, Status: e.Status()}
	default:
		return nil, &domain.IllegalStateTransitionError{EntryID: id, From: e.Status(), To: domain.StatusRunning}
	}

	won, err := d.store.Claim(ctx, id, domain.StatusPending, domain.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("claim entry %s: %w", id, err)
	}
	if !won {
		return nil, &domain.EntryBusyError{EntryID: id, Status: domain.StatusRunning}
	}
	if !d.allow(ctx, e.ActionID) {
		d.release(id)
		return nil, &domain.RateLimitExceededError{ActionID: e.ActionID, Limit: d.limiter.Limit()}
	}
	d.claimed(ctx, e)
	telemetry.TriggersTotal.WithLabelValues("direct").Inc()

	execOpts := executor.Options{FixedDelay: opts.FixedDelay}
	if !opts.Wait {
		snapshot := e.Clone()
		if !d.submit(ctx, e, execOpts) {
			return nil, ctx.Err()
		}
		return snapshot, nil
	}

	out, err := d.runInline(ctx, e, execOpts)
	if err != nil {
		return nil, err
	}
	return out.Entry.Clone(), nil
}

// TriggerEvent triggers every PENDING EVENT entry registered under trigger
// and returns the IDs that were started. Busy entries are skipped.
func (d *Dispatcher) TriggerEvent(ctx context.Context, trigger string) ([]string, error) {
	entries, err := d.store.FindByTrigger(ctx, trigger)
	if err != nil {
		return nil, fmt.Errorf("find entries for trigger %q: %w", trigger, err)
	}
	telemetry.TriggersTotal.WithLabelValues("event").Inc()

	started := []string{}
	for _, e := range entries {
		if e.Status() != domain.StatusPending {
			continue
		}
		if _, err := d.Trigger(ctx, e.ID, TriggerOptions{}); err != nil {
			d.logger.Warn("event trigger skipped entry",
				slog.String("trigger", trigger),
				slog.String("entry_id", e.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		started = append(started, e.ID)
	}
	d.logger.Info("event triggered",
		slog.String("trigger", trigger),
		slog.Int("started", len(started)),
	)
	return started, nil
}

// Cancel stops an entry from running again. An entry that is not running is
// deleted. A RUNNING entry is marked instead: its in-flight attempt finishes
// and its outcome is forced terminal. deleted reports which case applied.
func (d *Dispatcher) Cancel(ctx context.Context, id string) (deleted bool, err error) {
	for i := 0; i < maxCancelRounds; i++ {
		e, err := d.store.Get(ctx, id)
		if err != nil {
			return false, err
		}

		switch e.Status() {
		case domain.StatusPending:
			// Claiming into INVALID keeps pollers away while the entry is removed.
			won, err := d.store.Claim(ctx, id, domain.StatusPending, domain.StatusInvalid)
			if err != nil {
				return false, fmt.Errorf("claim entry %s: %w", id, err)
			}
			if !won {
				continue
			}
			return d.remove(ctx, e, domain.StatusPending)

		case domain.StatusRunning:
			d.cancelled.Store(id, struct{}{})
			cur, err := d.store.Get(ctx, id)
			if err != nil {
				d.cancelled.Delete(id)
				return false, err
			}
			if cur.Status() == domain.StatusRunning {
				d.logger.Info("running entry marked cancelled", slog.String("entry_id", id))
				return false, nil
			}
			// The attempt recorded its outcome before the mark was set. Whoever
			// takes the mark back owns the removal.
			if _, ok := d.cancelled.LoadAndDelete(id); !ok {
				return false, nil
			}

		default:
			return d.remove(ctx, e, e.Status())
		}
	}
	return false, &domain.EntryBusyError{EntryID: id, Status: domain.StatusRunning}
}

func (d *Dispatcher) remove(ctx context.Context, e *domain.Entry, from domain.Status) (bool, error) {
	if err := d.store.Delete(ctx, e.ID); err != nil {
		return false, fmt.Errorf("cancel entry %s: %w", e.ID, err)
	}
	d.publish(ctx, domain.EventDeleted, e, from)
	d.logger.Info("entry cancelled", slog.String("entry_id", e.ID))
	return true, nil
}

// Reschedule replaces the configuration of an entry that is not running,
// resets its retry count and re-arms it as PENDING.
func (d *Dispatcher) Reschedule(ctx context.Context, id string, cfg domain.Configuration) (*domain.Entry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := d.acquire(ctx, e); err != nil {
		return nil, err
	}

	from := e.Status()
	now := d.clock.Now()
	cfg = cfg.Normalize(now).WithRetryCount(0)
	e.Config = cfg
	e.LastError = ""
	e.UpdatedAt = now
	e.LoadStatus(domain.StatusPending)
	e.NextRunAt = cfg.InitialRunAt(now)
	if _, err := d.actions.Resolve(e.ActionID); err != nil {
		_ = e.SetStatus(domain.StatusInvalid)
		e.NextRunAt = nil
		e.LastError = err.Error()
	}

	if err := d.store.Save(ctx, e); err != nil {
		telemetry.StoreErrorsTotal.WithLabelValues("save").Inc()
		if from == domain.StatusPending {
			d.release(id)
		}
		return nil, fmt.Errorf("reschedule entry %s: %w", id, err)
	}
	d.publish(ctx, domain.EventRescheduled, e, from)
	return e.Clone(), nil
}

// Status returns the stored status of an entry.
func (d *Dispatcher) Status(ctx context.Context, id string) (domain.Status, error) {
	e, err := d.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return e.Status(), nil
}

func (d *Dispatcher) Get(ctx context.Context, id string) (*domain.Entry, error) {
	return d.store.Get(ctx, id)
}

func (d *Dispatcher) GetByIdentifier(ctx context.Context, identifier string) (*domain.Entry, error) {
	return d.store.FindByIdentifier(ctx, identifier)
}

func (d *Dispatcher) ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Entry, error) {
	return d.store.FindByStatus(ctx, status, limit)
}

// Attempts returns the newest attempts of an entry first.
func (d *Dispatcher) Attempts(ctx context.Context, id string, limit int) ([]*domain.Attempt, error) {
	rec, ok := d.store.(store.AttemptRecorder)
	if !ok {
		return nil, ErrAttemptsUnsupported
	}
	return rec.ListAttempts(ctx, id, limit)
}

// HandleTriggerMessage is a kafka.HandlerFunc for the trigger topic.
// Malformed and unrunnable requests are logged and acknowledged; only store
// failures are returned so the message is redelivered.
func (d *Dispatcher) HandleTriggerMessage(ctx context.Context, msg kafka.Message) error {
	var req domain.TriggerMessage
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		d.logger.Error("malformed trigger message, discarding",
			slog.String("error", err.Error()),
			slog.String("raw", string(msg.Value)),
		)
		return nil
	}
	telemetry.TriggersTotal.WithLabelValues("kafka").Inc()

	switch {
	case req.EntryID != "":
		_, err := d.Trigger(ctx, req.EntryID, TriggerOptions{})
		if err != nil && !isRequestError(err) {
			return fmt.Errorf("trigger entry %s: %w", req.EntryID, err)
		}
		if err != nil {
			d.logger.Warn("trigger message ignored",
				slog.String("entry_id", req.EntryID),
				slog.String("error", err.Error()),
			)
		}
	case req.Trigger != "":
		if _, err := d.TriggerEvent(ctx, req.Trigger); err != nil {
			return err
		}
	default:
		d.logger.Warn("trigger message names neither entry nor trigger", slog.Int64("offset", msg.Offset))
	}
	return nil
}

// isRequestError reports errors caused by the request rather than the
// infrastructure.
func isRequestError(err error) bool {
	var (
		notFound *domain.EntryNotFoundError
		busy     *domain.EntryBusyError
		illegal  *domain.IllegalStateTransitionError
		limited  *domain.RateLimitExceededError
	)
	return errors.As(err, &notFound) || errors.As(err, &busy) ||
		errors.As(err, &illegal) || errors.As(err, &limited)
}
