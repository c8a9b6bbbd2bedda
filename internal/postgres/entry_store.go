package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-task-scheduler/internal/domain"
	"github.com/ramiqadoumi/go-task-scheduler/internal/postgres/migrations"
	"github.com/ramiqadoumi/go-task-scheduler/internal/store"
)

const uniqueViolation = "23505"

const entryColumns = `
	id, identifier, action_id, status, configuration, payload,
	next_run_at, last_run_at, last_error, created_at, updated_at`

// EntryStore keeps scheduler entries in PostgreSQL.
type EntryStore struct {
	pool *pgxpool.Pool
}

// NewEntryStore wraps a pgxpool with the store.EntryStore interface.
func NewEntryStore(pool *pgxpool.Pool) *EntryStore {
	return &EntryStore{pool: pool}
}

var (
	_ store.EntryStore      = (*EntryStore)(nil)
	_ store.AttemptRecorder = (*EntryStore)(nil)
)

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// Migrate applies every embedded migration in order. Migrations are
// idempotent. applied is called after each file, and may be nil.
func Migrate(ctx context.Context, pool *pgxpool.Pool, applied func(name string)) error {
	for _, f := range migrations.Files {
		sql, err := migrations.FS.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("execute migration %s: %w", f, err)
		}
		if applied != nil {
			applied(f)
		}
	}
	return nil
}

func (s *EntryStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *EntryStore) Save(ctx context.Context, e *domain.Entry) error {
	if e.ID == "" {
		e.ID = store.NewID()
	}
	cfg, err := json.Marshal(e.Config)
	if err != nil {
		return fmt.Errorf("marshal configuration for entry %s: %w", e.ID, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO scheduler_entries
			(id, identifier, action_id, status, entry_type, event_trigger, configuration, payload,
			 next_run_at, last_run_at, last_error, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			identifier    = EXCLUDED.identifier,
			action_id     = EXCLUDED.action_id,
			status        = EXCLUDED.status,
			entry_type    = EXCLUDED.entry_type,
			event_trigger = EXCLUDED.event_trigger,
			configuration = EXCLUDED.configuration,
			payload       = EXCLUDED.payload,
			next_run_at   = EXCLUDED.next_run_at,
			last_run_at   = EXCLUDED.last_run_at,
			last_error    = EXCLUDED.last_error,
			updated_at    = EXCLUDED.updated_at
	`,
		e.ID, nullString(e.Identifier), e.ActionID, string(e.Status()),
		string(e.Config.Type), e.Config.EventTrigger, cfg, nullJSON(e.Payload),
		e.NextRunAt, e.LastRunAt, e.LastError, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("save entry %s: identifier %q already used: %w", e.ID, e.Identifier, err)
		}
		return fmt.Errorf("save entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *EntryStore) Get(ctx context.Context, id string) (*domain.Entry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM scheduler_entries WHERE id = $1`, id)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.EntryNotFoundError{EntryID: id}
	}
	return e, err
}

func (s *EntryStore) FindDue(ctx context.Context, now time.Time, limit int) ([]*domain.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM scheduler_entries
		WHERE status = $1 AND next_run_at <= $2
		ORDER BY next_run_at
		LIMIT $3
	`, string(domain.StatusPending), now, nullLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("find due entries: %w", err)
	}
	return collect(rows)
}

// Claim is a conditional UPDATE; the row lock makes concurrent callers
// serialise, and only the first sees its expected status.
func (s *EntryStore) Claim(ctx context.Context, id string, from, to domain.Status) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduler_entries
		SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to), time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("claim entry %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM scheduler_entries WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("claim entry %s: %w", id, err)
	}
	if !exists {
		return false, &domain.EntryNotFoundError{EntryID: id}
	}
	return false, nil
}

func (s *EntryStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM scheduler_entries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete entry %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.EntryNotFoundError{EntryID: id}
	}
	return nil
}

func (s *EntryStore) FindByIdentifier(ctx context.Context, identifier string) (*domain.Entry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM scheduler_entries WHERE identifier = $1`, identifier)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.EntryNotFoundError{EntryID: identifier}
	}
	return e, err
}

func (s *EntryStore) FindByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM scheduler_entries
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, string(status), nullLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list entries by status %s: %w", status, err)
	}
	return collect(rows)
}

func (s *EntryStore) FindByTrigger(ctx context.Context, trigger string) ([]*domain.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM scheduler_entries
		WHERE entry_type = $1 AND event_trigger = $2
	`, string(domain.TypeEvent), trigger)
	if err != nil {
		return nil, fmt.Errorf("find entries by trigger %q: %w", trigger, err)
	}
	return collect(rows)
}

func (s *EntryStore) RecordAttempt(ctx context.Context, a *domain.Attempt) error {
	if a.ID == "" {
		a.ID = store.NewID()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO entry_attempts
			(id, entry_id, action_id, attempt, status, duration_ms, error, executed_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		a.ID, a.EntryID, a.ActionID, a.Number,
		string(a.Status), a.DurationMs, a.Error, a.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("record attempt for entry %s: %w", a.EntryID, err)
	}
	return nil
}

func (s *EntryStore) ListAttempts(ctx context.Context, entryID string, limit int) ([]*domain.Attempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, entry_id, action_id, attempt, status, duration_ms, error, executed_at
		FROM entry_attempts
		WHERE entry_id = $1
		ORDER BY executed_at DESC
		LIMIT $2
	`, entryID, nullLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list attempts for entry %s: %w", entryID, err)
	}
	defer rows.Close()

	attempts := []*domain.Attempt{}
	for rows.Next() {
		var a domain.Attempt
		var status string
		if err := rows.Scan(&a.ID, &a.EntryID, &a.ActionID, &a.Number,
			&status, &a.DurationMs, &a.Error, &a.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Status = domain.Status(status)
		a.ExecutedAt = a.ExecutedAt.UTC()
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

func collect(rows pgx.Rows) ([]*domain.Entry, error) {
	defer rows.Close()
	var entries []*domain.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// scanEntry reads an entry row from any pgx row type. pgx.ErrNoRows is
// returned unwrapped so callers can map it to EntryNotFoundError.
func scanEntry(row interface {
	Scan(...any) error
}) (*domain.Entry, error) {
	var (
		e          domain.Entry
		identifier *string
		status     string
		cfg        []byte
		payload    []byte
	)
	err := row.Scan(
		&e.ID, &identifier, &e.ActionID, &status, &cfg, &payload,
		&e.NextRunAt, &e.LastRunAt, &e.LastError, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	if identifier != nil {
		e.Identifier = *identifier
	}
	if err := json.Unmarshal(cfg, &e.Config); err != nil {
		return nil, fmt.Errorf("unmarshal configuration for entry %s: %w", e.ID, err)
	}
	if len(payload) > 0 {
		e.Payload = json.RawMessage(payload)
	}
	e.LoadStatus(domain.Status(status))
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	e.NextRunAt = utc(e.NextRunAt)
	e.LastRunAt = utc(e.LastRunAt)
	return &e, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullJSON maps an empty payload to SQL NULL and anything else to its text,
// which pgx sends as a jsonb literal.
func nullJSON(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}

// nullLimit maps "no limit" onto LIMIT NULL.
func nullLimit(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
