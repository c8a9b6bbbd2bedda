// Package scheduler hosts the Dispatcher: the poll loop that finds due
// entries, claims them and runs them on a bounded worker pool, plus the
// operations used by the REST API and the Kafka trigger consumer.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-task-scheduler/internal/actions"
	"github.com/ramiqadoumi/go-task-scheduler/internal/clock"
	"github.com/ramiqadoumi/go-task-scheduler/internal/domain"
	"github.com/ramiqadoumi/go-task-scheduler/internal/events"
	"github.com/ramiqadoumi/go-task-scheduler/internal/executor"
	"github.com/ramiqadoumi/go-task-scheduler/internal/ratelimit"
	"github.com/ramiqadoumi/go-task-scheduler/internal/store"
	"github.com/ramiqadoumi/go-task-scheduler/pkg/telemetry"
)

const (
	defaultWorkers      = 4
	defaultPollInterval = time.Second
	defaultBatchSize    = 100
)

// Dispatcher polls the store for due entries and executes them.
type Dispatcher struct {
	store     store.EntryStore
	actions   actions.Resolver
	exec      *executor.TaskExecutor
	limiter   ratelimit.Limiter // nil = disabled
	publisher events.Publisher
	clock     clock.Clock
	logger    *slog.Logger

	workers        int
	pollInterval   time.Duration
	batchSize      int
	attemptTimeout time.Duration
	failAfter      time.Duration

	slots    chan struct{}
	wg       sync.WaitGroup
	inFlight atomic.Int64
	// cancelled holds ids of RUNNING entries whose in-flight attempt must
	// end terminal.
	cancelled sync.Map
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithWorkers(n int) Option                  { return func(d *Dispatcher) { d.workers = n } }
func WithPollInterval(i time.Duration) Option   { return func(d *Dispatcher) { d.pollInterval = i } }
func WithBatchSize(n int) Option                { return func(d *Dispatcher) { d.batchSize = n } }
func WithAttemptTimeout(t time.Duration) Option { return func(d *Dispatcher) { d.attemptTimeout = t } }
func WithLimiter(l ratelimit.Limiter) Option    { return func(d *Dispatcher) { d.limiter = l } }
func WithPublisher(p events.Publisher) Option   { return func(d *Dispatcher) { d.publisher = p } }
func WithClock(c clock.Clock) Option            { return func(d *Dispatcher) { d.clock = c } }
func WithLogger(l *slog.Logger) Option          { return func(d *Dispatcher) { d.logger = l } }

// WithFailExhaustedAfter makes each poll move entries that have sat in
// RUN_WITH_ERROR for at least age to FAILED. Zero disables the sweep.
func WithFailExhaustedAfter(age time.Duration) Option {
	return func(d *Dispatcher) { d.failAfter = age }
}

// New constructs a Dispatcher over st, resolving actions with resolver.
func New(st store.EntryStore, resolver actions.Resolver, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:          st,
		actions:        resolver,
		publisher:      events.Nop{},
		clock:          clock.Real(),
		logger:         slog.Default(),
		workers:        defaultWorkers,
		pollInterval:   defaultPollInterval,
		batchSize:      defaultBatchSize,
		attemptTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.workers <= 0 {
		d.workers = defaultWorkers
	}
	if d.pollInterval <= 0 {
		d.pollInterval = defaultPollInterval
	}
	d.slots = make(chan struct{}, d.workers)
	d.exec = executor.New(st,
		executor.WithClock(d.clock),
		executor.WithPublisher(d.publisher),
		executor.WithLogger(d.logger),
		executor.WithTimeout(d.attemptTimeout),
	)
	return d
}

// Run is the poll loop. It polls once immediately, then every poll interval,
// and returns after ctx is cancelled and every in-flight attempt finished.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	d.logger.Info("dispatcher starting",
		slog.Int("workers", d.workers),
		slog.Duration("poll_interval", d.pollInterval),
		slog.Int("batch_size", d.batchSize),
	)

	d.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher draining", slog.Int64("in_flight", d.inFlight.Load()))
			d.wg.Wait()
			return nil
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// Wait blocks until every submitted attempt has finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// InFlight reports how many attempts are executing.
func (d *Dispatcher) InFlight() int64 { return d.inFlight.Load() }

// Ping reports whether the backing store is reachable.
func (d *Dispatcher) Ping(ctx context.Context) error {
	if p, ok := d.store.(store.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (d *Dispatcher) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx, span := otel.Tracer("scheduler").Start(ctx, "scheduler.tick")
	defer span.End()

	now := d.clock.Now()
	due, err := d.store.FindDue(ctx, now, d.batchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "find due failed")
		telemetry.PollsTotal.WithLabelValues("store_error").Inc()
		telemetry.StoreErrorsTotal.WithLabelValues("find_due").Inc()
		d.logger.Error("poll failed", slog.String("error", err.Error()))
		return
	}
	telemetry.PollsTotal.WithLabelValues("ok").Inc()
	telemetry.DueEntries.Set(float64(len(due)))
	span.SetAttributes(attribute.Int("scheduler.due", len(due)))

	for _, e := range due {
		if ctx.Err() != nil {
			return
		}
		if e.Status() != domain.StatusPending {
			continue
		}
		won, err := d.store.Claim(ctx, e.ID, domain.StatusPending, domain.StatusRunning)
		if err != nil {
			telemetry.ClaimsTotal.WithLabelValues("error").Inc()
			telemetry.StoreErrorsTotal.WithLabelValues("claim").Inc()
			d.logger.Error("claim failed, ending poll",
				slog.String("entry_id", e.ID),
				slog.String("error", err.Error()),
			)
			return
		}
		if !won {
			telemetry.ClaimsTotal.WithLabelValues("lost").Inc()
			continue
		}
		// Quota is spent only on won claims.
		if !d.allow(ctx, e.ActionID) {
			d.release(e.ID)
			continue
		}
		telemetry.ClaimsTotal.WithLabelValues("won").Inc()
		d.claimed(ctx, e)
		d.submit(ctx, e, executor.Options{})
	}

	if d.failAfter > 0 {
		d.failExhausted(ctx, now)
	}
}

// allow consults the rate limiter. A limiter failure admits the attempt so a
// Redis outage never stalls scheduling.
func (d *Dispatcher) allow(ctx context.Context, actionID string) bool {
	if d.limiter == nil {
		return true
	}
	ok, err := d.limiter.Allow(ctx, actionID)
	if err != nil {
		d.logger.Error("rate limiter error",
			slog.String("action_id", actionID),
			slog.String("error", err.Error()),
		)
		return true
	}
	if !ok {
		telemetry.RateLimitedTotal.WithLabelValues(actionID).Inc()
		d.logger.Debug("rate limit reached, leaving entry pending", slog.String("action_id", actionID))
	}
	return ok
}

// submit hands a claimed entry to the pool, blocking while every worker is
// busy. If ctx ends first the claim is released so the entry stays due.
func (d *Dispatcher) submit(ctx context.Context, e *domain.Entry, opts executor.Options) bool {
	select {
	case d.slots <- struct{}{}:
	case <-ctx.Done():
		d.release(e.ID)
		return false
	}

	d.wg.Add(1)
	d.inFlight.Add(1)
	telemetry.WorkersBusy.Inc()
	go func() {
		defer func() {
			telemetry.WorkersBusy.Dec()
			d.inFlight.Add(-1)
			<-d.slots
			d.wg.Done()
		}()
		d.execute(ctx, e, opts)
	}()
	return true
}

// runInline executes a claimed entry on the caller's goroutine, still
// holding a pool slot.
func (d *Dispatcher) runInline(ctx context.Context, e *domain.Entry, opts executor.Options) (executor.Outcome, error) {
	if !d.occupy(ctx) {
		d.release(e.ID)
		return executor.Outcome{Entry: e}, ctx.Err()
	}
	defer d.vacate()
	return d.execute(ctx, e, opts)
}

// occupy takes a pool slot for work run on the caller's goroutine.
func (d *Dispatcher) occupy(ctx context.Context) bool {
	select {
	case d.slots <- struct{}{}:
	case <-ctx.Done():
		return false
	}
	d.wg.Add(1)
	d.inFlight.Add(1)
	telemetry.WorkersBusy.Inc()
	return true
}

func (d *Dispatcher) vacate() {
	telemetry.WorkersBusy.Dec()
	d.inFlight.Add(-1)
	<-d.slots
	d.wg.Done()
}

func (d *Dispatcher) execute(ctx context.Context, e *domain.Entry, opts executor.Options) (executor.Outcome, error) {

	action, err := d.actions.Resolve(e.ActionID)
	if err != nil {
		// The action disappeared after scheduling; fail the attempt so the
		// retry policy decides what happens next.
		resolveErr := err
		action = actions.Func(e.ActionID, func(context.Context, *domain.Entry) (bool, error) {
			return false, resolveErr
		})
	}
	var forced bool
	opts.Cancelled = func() bool {
		_, forced = d.cancelled.Load(e.ID)
		return forced
	}

	out, err := d.exec.Call(ctx, e, action, opts)
	_, marked := d.cancelled.LoadAndDelete(e.ID)
	if err != nil {
		d.logger.Error("attempt not started",
			slog.String("entry_id", e.ID),
			slog.String("error", err.Error()),
		)
		return out, err
	}
	if marked && !forced && !out.Deleted {
		d.finishCancel(context.WithoutCancel(ctx), out.Entry)
	}
	return out, nil
}

// finishCancel applies a cancel that arrived after the attempt's outcome was
// decided but before the attempt returned.
func (d *Dispatcher) finishCancel(ctx context.Context, e *domain.Entry) {
	log := d.logger.With(slog.String("entry_id", e.ID))
	from := e.Status()
	if from == domain.StatusPending {
		won, err := d.store.Claim(ctx, e.ID, domain.StatusPending, domain.StatusInvalid)
		if err != nil {
			log.Error("failed to cancel finished entry", slog.String("error", err.Error()))
			return
		}
		if !won {
			// Claimed again already; that attempt ends terminal.
			d.cancelled.Store(e.ID, struct{}{})
			return
		}
	}
	if err := d.store.Delete(ctx, e.ID); err != nil {
		log.Error("failed to cancel finished entry", slog.String("error", err.Error()))
		return
	}
	d.publish(ctx, domain.EventDeleted, e, from)
	log.Info("entry cancelled")
}

// release hands an unexecuted claim back so the entry is due again.
func (d *Dispatcher) release(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := d.store.Claim(ctx, id, domain.StatusRunning, domain.StatusPending); err != nil {
		d.logger.Error("failed to release claim",
			slog.String("entry_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// failExhausted moves entries left in RUN_WITH_ERROR for longer than
// failAfter to FAILED.
func (d *Dispatcher) failExhausted(ctx context.Context, now time.Time) {
	stuck, err := d.store.FindByStatus(ctx, domain.StatusRunWithError, d.batchSize)
	if err != nil {
		telemetry.StoreErrorsTotal.WithLabelValues("find_by_status").Inc()
		d.logger.Error("exhausted sweep failed", slog.String("error", err.Error()))
		return
	}
	for _, e := range stuck {
		if now.Sub(e.UpdatedAt) < d.failAfter {
			continue
		}
		ok, err := d.store.Claim(ctx, e.ID, domain.StatusRunWithError, domain.StatusFailed)
		if err != nil || !ok {
			continue
		}
		e.LoadStatus(domain.StatusFailed)
		d.publish(ctx, domain.EventStatusChanged, e, domain.StatusRunWithError)
		d.logger.Info("exhausted entry marked failed", slog.String("entry_id", e.ID))
	}
}

// claimed records a won PENDING → RUNNING claim on e.
func (d *Dispatcher) claimed(ctx context.Context, e *domain.Entry) {
	e.LoadStatus(domain.StatusRunning)
	d.publish(ctx, domain.EventStatusChanged, e, domain.StatusPending)
}

func (d *Dispatcher) publish(ctx context.Context, kind domain.EventKind, e *domain.Entry, from domain.Status) {
	if err := d.publisher.Publish(ctx, domain.NewEntryEvent(kind, e, from, d.clock.Now())); err != nil {
		d.logger.Warn("failed to publish entry event",
			slog.String("entry_id", e.ID),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
	}
}
