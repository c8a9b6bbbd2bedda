package domain

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts six fields with leading seconds, the "?" wildcard and
// descriptors such as @hourly.
var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron parses a seconds-first cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, &InvalidConfigurationError{Field: "cron_expression", Reason: err.Error()}
	}
	return sched, nil
}

// Configuration decides when an entry is due. It is a value type: every
// With method returns a modified copy and leaves the receiver untouched.
type Configuration struct {
	Type             EntryType  `json:"type"`
	ScheduleTime     *time.Time `json:"schedule_time,omitempty"`
	CronExpression   string     `json:"cron_expression,omitempty"`
	RetryCount       int        `json:"retry_count"`
	MaxRetryCount    int        `json:"max_retry_count"`
	RetryDelay       int64      `json:"retry_delay"` // seconds
	IncrementalDelay bool       `json:"incremental_delay"`
	RemoveOnSuccess  bool       `json:"remove_on_success,omitempty"`
	Synchronous      bool       `json:"synchronous,omitempty"`
	// Persistent stores a synchronous IMMEDIATE entry. Without it the entry
	// runs once inline and is never saved.
	Persistent       bool       `json:"persistent,omitempty"`
	EventTrigger     string     `json:"event_trigger,omitempty"`
}

// NewTimedConfiguration returns a TIMED configuration firing once at at.
func NewTimedConfiguration(at time.Time) Configuration {
	return Configuration{Type: TypeTimed, ScheduleTime: &at}
}

// NewCronConfiguration returns a CRON configuration, rejecting an expression
// that does not parse.
func NewCronConfiguration(expr string) (Configuration, error) {
	if _, err := ParseCron(expr); err != nil {
		return Configuration{}, err
	}
	return Configuration{Type: TypeCron, CronExpression: strings.TrimSpace(expr)}, nil
}

// NewEventConfiguration returns an EVENT configuration. trigger may be empty
// for entries that are only ever triggered by id.
func NewEventConfiguration(trigger string) Configuration {
	return Configuration{Type: TypeEvent, EventTrigger: trigger}
}

func (c Configuration) WithScheduleTime(t time.Time) Configuration {
	c.ScheduleTime = &t
	return c
}

func (c Configuration) WithCronExpression(expr string) Configuration {
	c.CronExpression = strings.TrimSpace(expr)
	return c
}

func (c Configuration) WithRetryCount(n int) Configuration {
	c.RetryCount = n
	return c
}

func (c Configuration) WithMaxRetryCount(n int) Configuration {
	c.MaxRetryCount = n
	return c
}

// WithRetryDelay sets the base retry delay in seconds.
func (c Configuration) WithRetryDelay(seconds int64) Configuration {
	c.RetryDelay = seconds
	return c
}

func (c Configuration) WithIncrementalDelay(on bool) Configuration {
	c.IncrementalDelay = on
	return c
}

func (c Configuration) WithRemoveOnSuccess(on bool) Configuration {
	c.RemoveOnSuccess = on
	return c
}

func (c Configuration) WithSynchronous(on bool) Configuration {
	c.Synchronous = on
	return c
}

func (c Configuration) WithPersistent(on bool) Configuration {
	c.Persistent = on
	return c
}

func (c Configuration) WithEventTrigger(trigger string) Configuration {
	c.EventTrigger = trigger
	return c
}

// Validate checks the configuration is complete for its type.
func (c Configuration) Validate() error {
	switch c.Type {
	case TypeCron:
		if c.CronExpression == "" {
			return &InvalidConfigurationError{Field: "cron_expression", Reason: "required for CRON entries"}
		}
		if _, err := ParseCron(c.CronExpression); err != nil {
			return err
		}
	case TypeTimed:
		if c.ScheduleTime == nil {
			return &InvalidConfigurationError{Field: "schedule_time", Reason: "required for TIMED entries"}
		}
	case TypeEvent:
	case TypeImmediate:
		if c.CronExpression != "" {
			if _, err := ParseCron(c.CronExpression); err != nil {
				return err
			}
		}
	default:
		return &InvalidConfigurationError{Field: "type", Reason: "unknown entry type " + string(c.Type)}
	}
	if c.MaxRetryCount < 0 {
		return &InvalidConfigurationError{Field: "max_retry_count", Reason: "must not be negative"}
	}
	if c.RetryCount < 0 {
		return &InvalidConfigurationError{Field: "retry_count", Reason: "must not be negative"}
	}
	return nil
}

// Normalize resolves IMMEDIATE into CRON when an expression is present and
// TIMED otherwise, defaulting the schedule time to now.
func (c Configuration) Normalize(now time.Time) Configuration {
	if c.Type != TypeImmediate {
		return c
	}
	if c.ScheduleTime == nil {
		c.ScheduleTime = &now
	}
	if c.CronExpression != "" {
		c.Type = TypeCron
	} else {
		c.Type = TypeTimed
	}
	return c
}

// NextScheduleTime computes when the entry is next due, relative to now.
//
// TIMED entries whose schedule time has passed are retried from now using
// the configured delay, so repeated failures never move closer together.
// A nil result means the entry has no further autonomous run.
func (c Configuration) NextScheduleTime(now time.Time) *time.Time {
	switch c.Type {
	case TypeCron:
		return c.nextCronFire(now)
	case TypeTimed:
		if c.ScheduleTime != nil && c.ScheduleTime.After(now) {
			t := *c.ScheduleTime
			return &t
		}
		if c.MaxRetryCount <= 0 || c.RetryCount >= c.MaxRetryCount {
			return nil
		}
		t := now.Add(c.RetryBackoff())
		return &t
	default:
		return nil
	}
}

// NextAfterSuccess is the due time after a successful attempt: the next
// cron fire, a TIMED schedule time that is still ahead, or nil.
func (c Configuration) NextAfterSuccess(now time.Time) *time.Time {
	switch c.Type {
	case TypeCron:
		return c.nextCronFire(now)
	case TypeTimed:
		if c.ScheduleTime != nil && c.ScheduleTime.After(now) {
			t := *c.ScheduleTime
			return &t
		}
	}
	return nil
}

// InitialRunAt is the first stored due time for a newly scheduled entry.
// A TIMED entry whose time already passed is still due once.
func (c Configuration) InitialRunAt(now time.Time) *time.Time {
	switch c.Type {
	case TypeCron:
		if c.ScheduleTime != nil && c.ScheduleTime.After(now) {
			t := *c.ScheduleTime
			return &t
		}
		return c.nextCronFire(now)
	case TypeTimed:
		if c.ScheduleTime == nil {
			return nil
		}
		t := *c.ScheduleTime
		return &t
	default:
		return nil
	}
}

// AfterFailure records one failed attempt. It returns the configuration with
// the retry count advanced (never beyond MaxRetryCount) and the due time of
// the retry, or nil when no further attempt is allowed.
//
// Whether a retry exists is decided by the attempts made before this one, so
// MaxRetryCount=M permits M retries after the first run. The backoff is
// measured from now and grows with the advanced count when IncrementalDelay
// is set. A positive fixed delay replaces the configured backoff for this
// attempt only; it is not stored in the returned configuration.
func (c Configuration) AfterFailure(now time.Time, fixed time.Duration) (Configuration, *time.Time) {
	retriesLeft := c.HasRetriesLeft()
	next := c.NextScheduleTime(now)
	if retriesLeft {
		c.RetryCount++
	}

	switch {
	case fixed > 0 && retriesLeft:
		t := now.Add(fixed)
		next = &t
	case c.Type == TypeTimed && next != nil && (c.ScheduleTime == nil || !c.ScheduleTime.After(now)):
		t := now.Add(c.RetryBackoff())
		next = &t
	}
	return c, next
}

// RetryBackoff is the delay applied after the current failed attempt.
// Zero and negative delays mean "retry now".
func (c Configuration) RetryBackoff() time.Duration {
	delay := c.RetryDelay
	if c.IncrementalDelay {
		delay = c.RetryDelay * int64(c.RetryCount)
	}
	if delay <= 0 {
		return 0
	}
	return time.Duration(delay) * time.Second
}

// HasRetriesLeft reports whether another failed attempt may be retried.
func (c Configuration) HasRetriesLeft() bool {
	return c.MaxRetryCount > 0 && c.RetryCount < c.MaxRetryCount
}

func (c Configuration) nextCronFire(now time.Time) *time.Time {
	sched, err := ParseCron(c.CronExpression)
	if err != nil {
		return nil
	}
	next := sched.Next(now)
	if next.IsZero() {
		return nil
	}
	return &next
}

func (c Configuration) clone() Configuration {
	c.ScheduleTime = cloneTime(c.ScheduleTime)
	return c
}
