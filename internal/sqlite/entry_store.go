// Package sqlite is a single-file EntryStore for deployments without an
// external database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ramiqadoumi/go-task-scheduler/internal/domain"
	"github.com/ramiqadoumi/go-task-scheduler/internal/store"
)

//go:embed schema.sql
var schema string

const entryColumns = `id, identifier, action_id, status, configuration, payload,
	next_run_at, last_run_at, last_error, created_at, updated_at`

// EntryStore keeps entries in a SQLite database file. Times are stored as
// Unix nanoseconds.
type EntryStore struct {
	db *sql.DB
}

var (
	_ store.EntryStore      = (*EntryStore)(nil)
	_ store.AttemptRecorder = (*EntryStore)(nil)
)

// Open creates (if needed) and opens the database at path and applies the
// schema.
func Open(ctx context.Context, path string, busyTimeout time.Duration) (*EntryStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection serialises writers, which also makes Claim's
	// conditional UPDATE race-free inside this process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %q: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &EntryStore{db: db}, nil
}

func (s *EntryStore) Close() error { return s.db.Close() }

func (s *EntryStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *EntryStore) Save(ctx context.Context, e *domain.Entry) error {
	if e.ID == "" {
		e.ID = store.NewID()
	}
	cfg, err := json.Marshal(e.Config)
	if err != nil {
		return fmt.Errorf("marshal configuration for entry %s: %w", e.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduler_entries
			(id, identifier, action_id, status, entry_type, event_trigger, configuration, payload,
			 next_run_at, last_run_at, last_error, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			identifier    = excluded.identifier,
			action_id     = excluded.action_id,
			status        = excluded.status,
			entry_type    = excluded.entry_type,
			event_trigger = excluded.event_trigger,
			configuration = excluded.configuration,
			payload       = excluded.payload,
			next_run_at   = excluded.next_run_at,
			last_run_at   = excluded.last_run_at,
			last_error    = excluded.last_error,
			updated_at    = excluded.updated_at`,
		e.ID, nullStr(e.Identifier), e.ActionID, string(e.Status()),
		string(e.Config.Type), e.Config.EventTrigger, string(cfg), nullStr(string(e.Payload)),
		nanos(e.NextRunAt), nanos(e.LastRunAt), e.LastError,
		unixNanos(e.CreatedAt), unixNanos(e.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: scheduler_entries.identifier") {
			return fmt.Errorf("save entry %s: identifier %q already used: %w", e.ID, e.Identifier, err)
		}
		return fmt.Errorf("save entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *EntryStore) Get(ctx context.Context, id string) (*domain.Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM scheduler_entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.EntryNotFoundError{EntryID: id}
	}
	return e, err
}

func (s *EntryStore) FindDue(ctx context.Context, now time.Time, limit int) ([]*domain.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM scheduler_entries
		WHERE status = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at
		LIMIT ?`,
		string(domain.StatusPending), now.UnixNano(), sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("find due entries: %w", err)
	}
	return collect(rows)
}

func (s *EntryStore) Claim(ctx context.Context, id string, from, to domain.Status) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduler_entries SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC().UnixNano(), id, string(from))
	if err != nil {
		return false, fmt.Errorf("claim entry %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim entry %s: %w", id, err)
	}
	if n == 1 {
		return true, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM scheduler_entries WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, &domain.EntryNotFoundError{EntryID: id}
	}
	if err != nil {
		return false, fmt.Errorf("claim entry %s: %w", id, err)
	}
	return false, nil
}

func (s *EntryStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete entry %s: %w", id, err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `DELETE FROM scheduler_entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete entry %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &domain.EntryNotFoundError{EntryID: id}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entry_attempts WHERE entry_id = ?`, id); err != nil {
		return fmt.Errorf("delete attempts of entry %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete entry %s: %w", id, err)
	}
	return nil
}

func (s *EntryStore) FindByIdentifier(ctx context.Context, identifier string) (*domain.Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM scheduler_entries WHERE identifier = ?`, identifier)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.EntryNotFoundError{EntryID: identifier}
	}
	return e, err
}

func (s *EntryStore) FindByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM scheduler_entries
		WHERE status = ?
		ORDER BY created_at DESC
		LIMIT ?`,
		string(status), sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list entries by status %s: %w", status, err)
	}
	return collect(rows)
}

func (s *EntryStore) FindByTrigger(ctx context.Context, trigger string) ([]*domain.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM scheduler_entries
		WHERE entry_type = ? AND event_trigger = ?`,
		string(domain.TypeEvent), trigger)
	if err != nil {
		return nil, fmt.Errorf("find entries by trigger %q: %w", trigger, err)
	}
	return collect(rows)
}

func (s *EntryStore) RecordAttempt(ctx context.Context, a *domain.Attempt) error {
	if a.ID == "" {
		a.ID = store.NewID()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entry_attempts
			(id, entry_id, action_id, attempt, status, duration_ms, error, executed_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.EntryID, a.ActionID, a.Number, string(a.Status),
		a.DurationMs, a.Error, unixNanos(a.ExecutedAt),
	)
	if err != nil {
		return fmt.Errorf("record attempt for entry %s: %w", a.EntryID, err)
	}
	return nil
}

func (s *EntryStore) ListAttempts(ctx context.Context, entryID string, limit int) ([]*domain.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entry_id, action_id, attempt, status, duration_ms, error, executed_at
		FROM entry_attempts
		WHERE entry_id = ?
		ORDER BY executed_at DESC
		LIMIT ?`,
		entryID, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list attempts for entry %s: %w", entryID, err)
	}
	defer rows.Close()

	attempts := []*domain.Attempt{}
	for rows.Next() {
		var (
			a        domain.Attempt
			status   string
			executed int64
		)
		if err := rows.Scan(&a.ID, &a.EntryID, &a.ActionID, &a.Number,
			&status, &a.DurationMs, &a.Error, &executed); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Status = domain.Status(status)
		a.ExecutedAt = fromUnixNanos(executed)
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

func collect(rows *sql.Rows) ([]*domain.Entry, error) {
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

func scanEntry(row interface {
	Scan(...any) error
}) (*domain.Entry, error) {
	var (
		e                domain.Entry
		identifier       sql.NullString
		status, cfg      string
		payload          sql.NullString
		nextRun, lastRun sql.NullInt64
		created, updated int64
	)
	err := row.Scan(&e.ID, &identifier, &e.ActionID, &status, &cfg, &payload,
		&nextRun, &lastRun, &e.LastError, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	if err := json.Unmarshal([]byte(cfg), &e.Config); err != nil {
		return nil, fmt.Errorf("unmarshal configuration for entry %s: %w", e.ID, err)
	}
	e.Identifier = identifier.String
	if payload.Valid && payload.String != "" {
		e.Payload = json.RawMessage(payload.String)
	}
	e.NextRunAt = fromNanos(nextRun)
	e.LastRunAt = fromNanos(lastRun)
	e.CreatedAt = fromUnixNanos(created)
	e.UpdatedAt = fromUnixNanos(updated)
	e.LoadStatus(domain.Status(status))
	return &e, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return unixNanos(*t)
}

// unixNanos stores the zero time as 0; UnixNano is undefined before 1678.
func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func fromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromUnixNanos(v.Int64)
	return &t
}

// sqlLimit maps "no limit" onto SQLite's LIMIT -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
