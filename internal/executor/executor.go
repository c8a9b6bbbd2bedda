// Package executor runs one attempt of a scheduler entry and records its
// outcome: status transitions, retry bookkeeping and the next due time.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-task-scheduler/internal/actions"
	"github.com/ramiqadoumi/go-task-scheduler/internal/clock"
	"github.com/ramiqadoumi/go-task-scheduler/internal/domain"
	"github.com/ramiqadoumi/go-task-scheduler/internal/events"
	"github.com/ramiqadoumi/go-task-scheduler/internal/store"
	"github.com/ramiqadoumi/go-task-scheduler/pkg/retry"
	"github.com/ramiqadoumi/go-task-scheduler/pkg/telemetry"
)

// ErrActionFailed is the cause recorded when an action returns false
// without an error.
var ErrActionFailed = errors.New("action reported failure")

// Options tune a single Call.
type Options struct {
	// FixedDelay replaces the configured retry delay for this attempt only.
	FixedDelay time.Duration
	// Cancelled is consulted when the outcome is recorded; true forces the
	// entry into a terminal status. May be nil.
	Cancelled func() bool
	// Timeout overrides the executor's per-attempt timeout when positive.
	Timeout time.Duration
}

// Outcome describes what one Call did.
type Outcome struct {
	Entry *domain.Entry
	// Transitions lists every status the entry passed through, in order,
	// starting with RUNNING.
	Transitions []domain.Status
	Success     bool
	// Err is the action failure (error, panic or false return). It is
	// recorded in the entry, never returned.
	Err      error
	Deleted  bool
	Duration time.Duration
	// PersistErr is set when the final state could not be stored.
	PersistErr error
}

// TaskExecutor is safe for concurrent use; it holds no per-entry state.
type TaskExecutor struct {
	store      store.EntryStore
	publisher  events.Publisher
	clock      clock.Clock
	timeout    time.Duration
	storeRetry retry.Config
	logger     *slog.Logger
}

// Option configures a TaskExecutor.
type Option func(*TaskExecutor)

func WithTimeout(d time.Duration) Option      { return func(x *TaskExecutor) { x.timeout = d } }
func WithPublisher(p events.Publisher) Option { return func(x *TaskExecutor) { x.publisher = p } }
func WithClock(c clock.Clock) Option          { return func(x *TaskExecutor) { x.clock = c } }
func WithLogger(l *slog.Logger) Option        { return func(x *TaskExecutor) { x.logger = l } }
func WithStoreRetry(cfg retry.Config) Option  { return func(x *TaskExecutor) { x.storeRetry = cfg } }

// New constructs a TaskExecutor persisting to st.
func New(st store.EntryStore, opts ...Option) *TaskExecutor {
	x := &TaskExecutor{
		store:     st,
		publisher: events.Nop{},
		clock:     clock.Real(),
		timeout:   30 * time.Second,
		storeRetry: retry.Config{
			MaxAttempts: 3,
			BaseDelay:   50 * time.Millisecond,
			MaxDelay:    time.Second,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Call runs action once for e and records the result in e and the store.
//
// e must be RUNNING (claimed) or able to move to RUNNING. Action failures are
// recorded in the entry and reported through the Outcome; only a refused
// RUNNING transition or a store failure while marking RUNNING is returned as
// an error.
func (x *TaskExecutor) Call(ctx context.Context, e *domain.Entry, action actions.Action, opts Options) (Outcome, error) {
	ctx, span := otel.Tracer("executor").Start(ctx, "executor.call")
	defer span.End()
	span.SetAttributes(
		attribute.String("entry.id", e.ID),
		attribute.String("entry.action", e.ActionID),
		attribute.String("entry.type", string(e.Config.Type)),
		attribute.Int("entry.retry_count", e.Config.RetryCount),
	)

	log := x.logger.With(
		slog.String("entry_id", e.ID),
		slog.String("action_id", e.ActionID),
	)

	// The attempt and its bookkeeping outlive the caller's cancellation so a
	// draining dispatcher lets in-flight attempts finish and be recorded.
	detached := context.WithoutCancel(ctx)

	out := Outcome{Entry: e, Transitions: []domain.Status{domain.StatusRunning}}
	if e.Status() != domain.StatusRunning {
		from := e.Status()
		if err := e.SetStatus(domain.StatusRunning); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "entry not runnable")
			return out, err
		}
		e.UpdatedAt = x.clock.Now()
		if err := x.save(detached, e); err != nil {
			e.LoadStatus(from)
			span.RecordError(err)
			span.SetStatus(codes.Error, "store unavailable")
			return out, fmt.Errorf("mark entry %s running: %w", e.ID, err)
		}
		x.publish(detached, log, domain.EventStatusChanged, e, from)
	}

	attempt := e.Config.RetryCount + 1
	startedAt := x.clock.Now()
	e.LastRunAt = &startedAt

	start := time.Now()
	runErr := x.invoke(detached, e, action, opts.Timeout)
	out.Duration = time.Since(start)
	telemetry.AttemptDurationSeconds.WithLabelValues(e.ActionID).Observe(out.Duration.Seconds())

	cancelled := opts.Cancelled != nil && opts.Cancelled()
	now := x.clock.Now()
	e.UpdatedAt = now

	if runErr == nil {
		out.Success = true
		x.recordSuccess(detached, log, e, now, cancelled, &out)
	} else {
		out.Err = runErr
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "attempt failed")
		x.recordFailure(detached, log, e, now, opts.FixedDelay, cancelled, &out)
	}

	x.recordAttempt(detached, log, e, attempt, startedAt, out)

	final := e.Status()
	telemetry.AttemptsTotal.WithLabelValues(e.ActionID, string(final)).Inc()
	span.SetAttributes(attribute.String("entry.status", string(final)))

	if out.Success && final == domain.StatusCompleted && e.Config.RemoveOnSuccess {
		if err := x.delete(detached, e.ID); err != nil {
			out.PersistErr = err
			log.Error("failed to remove completed entry", slog.String("error", err.Error()))
		} else {
			out.Deleted = true
			x.publish(detached, log, domain.EventDeleted, e, final)
		}
		return out, nil
	}

	if err := x.save(detached, e); err != nil {
		out.PersistErr = err
		telemetry.StoreErrorsTotal.WithLabelValues("save").Inc()
		log.Error("failed to persist attempt outcome",
			slog.String("status", string(final)),
			slog.String("error", err.Error()),
		)
	}
	return out, nil
}

// invoke runs the action under a timeout, turning panics and false returns
// into errors.
func (x *TaskExecutor) invoke(ctx context.Context, e *domain.Entry, action actions.Action, timeout time.Duration) (err error) {
	if timeout <= 0 {
		timeout = x.timeout
	}
	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action %s panicked: %v", e.ActionID, r)
		}
	}()

	ok, err := action.Execute(execCtx, e.Clone())
	if err != nil {
		return err
	}
	if !ok {
		return ErrActionFailed
	}
	return nil
}

func (x *TaskExecutor) recordSuccess(ctx context.Context, log *slog.Logger, e *domain.Entry, now time.Time, cancelled bool, out *Outcome) {
	e.LastError = ""
	next := e.Config.NextAfterSuccess(now)
	if cancelled {
		next = nil
	}

	if next == nil {
		e.NextRunAt = nil
		x.transition(ctx, log, e, domain.StatusCompleted, out)
		log.Info("entry completed",
			slog.Int64("duration_ms", out.Duration.Milliseconds()),
			slog.Bool("cancelled", cancelled),
		)
		return
	}

	e.Config = e.Config.WithRetryCount(0)
	e.NextRunAt = next
	x.transition(ctx, log, e, domain.StatusPending, out)
	log.Info("entry rescheduled after success",
		slog.Int64("duration_ms", out.Duration.Milliseconds()),
		slog.Time("next_run_at", *next),
	)
}

func (x *TaskExecutor) recordFailure(ctx context.Context, log *slog.Logger, e *domain.Entry, now time.Time, fixed time.Duration, cancelled bool, out *Outcome) {
	cfg, next := e.Config.AfterFailure(now, fixed)
	e.Config = cfg
	e.LastError = out.Err.Error()
	x.transition(ctx, log, e, domain.StatusRunWithError, out)

	switch {
	case cancelled:
		e.NextRunAt = nil
		x.transition(ctx, log, e, domain.StatusFailed, out)
		log.Warn("cancelled entry failed",
			slog.String("error", e.LastError),
		)
	case next != nil:
		e.NextRunAt = next
		x.transition(ctx, log, e, domain.StatusPending, out)
		log.Warn("attempt failed, retry scheduled",
			slog.Int("retry_count", cfg.RetryCount),
			slog.Time("next_run_at", *next),
			slog.String("error", e.LastError),
		)
	default:
		e.NextRunAt = nil
		log.Error("attempt failed, no further runs",
			slog.Int("retry_count", cfg.RetryCount),
			slog.Int("max_retry_count", cfg.MaxRetryCount),
			slog.String("error", e.LastError),
		)
	}
}

// transition applies a table-checked status change and reports it. The
// executor only requests legal transitions out of RUNNING and
// RUN_WITH_ERROR, so a refusal is logged rather than propagated.
func (x *TaskExecutor) transition(ctx context.Context, log *slog.Logger, e *domain.Entry, to domain.Status, out *Outcome) {
	from := e.Status()
	if err := e.SetStatus(to); err != nil {
		log.Error("status transition refused", slog.String("error", err.Error()))
		return
	}
	out.Transitions = append(out.Transitions, to)
	x.publish(ctx, log, domain.EventStatusChanged, e, from)
}

func (x *TaskExecutor) publish(ctx context.Context, log *slog.Logger, kind domain.EventKind, e *domain.Entry, from domain.Status) {
	if err := x.publisher.Publish(ctx, domain.NewEntryEvent(kind, e, from, x.clock.Now())); err != nil {
		log.Warn("failed to publish entry event",
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
	}
}

func (x *TaskExecutor) recordAttempt(ctx context.Context, log *slog.Logger, e *domain.Entry, n int, at time.Time, out Outcome) {
	rec, ok := x.store.(store.AttemptRecorder)
	if !ok {
		return
	}
	a := &domain.Attempt{
		EntryID:    e.ID,
		ActionID:   e.ActionID,
		Number:     n,
		Status:     domain.StatusCompleted,
		DurationMs: out.Duration.Milliseconds(),
		ExecutedAt: at,
	}
	if out.Err != nil {
		a.Status = domain.StatusRunWithError
		a.Error = out.Err.Error()
	}
	if err := rec.RecordAttempt(ctx, a); err != nil {
		log.Warn("failed to record attempt", slog.String("error", err.Error()))
	}
}

func (x *TaskExecutor) save(ctx context.Context, e *domain.Entry) error {
	return retry.Do(ctx, x.storeRetry, func() error {
		return x.store.Save(ctx, e)
	})
}

func (x *TaskExecutor) delete(ctx context.Context, id string) error {
	cfg := x.storeRetry
	cfg.Retryable = func(err error) bool {
		var notFound *domain.EntryNotFoundError
		return !errors.As(err, &notFound)
	}
	err := retry.Do(ctx, cfg, func() error { return x.store.Delete(ctx, id) })
	var notFound *domain.EntryNotFoundError
	if errors.As(err, &notFound) {
		return nil
	}
	return err
}
