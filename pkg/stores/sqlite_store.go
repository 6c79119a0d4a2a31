package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration
type Config struct {
	Path string
	// BusyTimeout is how long a writer waits on a locked database.
	BusyTimeout time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init opens the database. A single connection is kept open: the catalog has
// one writer, and an in-memory database lives only as long as its connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		s.path, s.cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	return insertRun(ctx, s.db, run, false)
}

func insertRun(ctx context.Context, q queryer, run *Run, upsert bool) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Counters == "" {
		run.Counters = "{}"
	}

	query := `INSERT INTO runs (id, workspace, status, started_at, finished_at, counters, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	if upsert {
		query += `
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			finished_at = excluded.finished_at,
			counters = excluded.counters,
			error = excluded.error`
	}

	_, err := q.ExecContext(ctx, query,
		run.ID,
		run.Workspace,
		run.Status,
		formatTime(run.StartedAt),
		formatTimePtr(run.FinishedAt),
		run.Counters,
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// FinishRun records the outcome of a run
func (s *SQLiteStore) FinishRun(ctx context.Context, id string, status RunStatus, finishedAt time.Time, counters string, errMsg *string) error {
	if counters == "" {
		counters = "{}"
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ?, counters = ?, error = ? WHERE id = ?`,
		status, formatTime(finishedAt), counters, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	return nil
}

const runColumns = `id, workspace, status, started_at, finished_at, counters, error`

func scanRun(rows interface{ Scan(...any) error }) (*Run, error) {
	run := &Run{}
	var started string
	var finished sql.NullString
	if err := rows.Scan(&run.ID, &run.Workspace, &run.Status, &started, &finished, &run.Counters, &run.Error); err != nil {
		return nil, err
	}

	t, err := parseTime(started)
	if err != nil {
		return nil, fmt.Errorf("run %s started_at: %w", run.ID, err)
	}
	run.StartedAt = t

	if finished.Valid {
		t, err := parseTime(finished.String)
		if err != nil {
			return nil, fmt.Errorf("run %s finished_at: %w", run.ID, err)
		}
		run.FinishedAt = &t
	}

	return run, nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns lists runs, most recent first
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// RecordRun stores a finished run together with the archive entries and
// events it produced, in one transaction. entries is the complete archive
// index: rows for keys no longer present are removed, so the mirror never
// drifts from the index. Existing rows keep the run that first archived them.
func (s *SQLiteStore) RecordRun(ctx context.Context, run *Run, entries []ArchiveEntry, events []*Event) (*SyncStats, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertRun(ctx, tx, run, true); err != nil {
		return nil, err
	}

	stats, err := syncArchiveEntries(ctx, tx, run.ID, entries)
	if err != nil {
		return nil, err
	}

	for _, event := range events {
		if event.RunID == nil {
			event.RunID = &run.ID
		}
		if err := insertEvent(ctx, tx, event); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit run: %w", err)
	}

	return stats, nil
}

func syncArchiveEntries(ctx context.Context, tx *sql.Tx, runID string, entries []ArchiveEntry) (*SyncStats, error) {
	stats := &SyncStats{}

	existing := make(map[string]bool)
	rows, err := tx.QueryContext(ctx, `SELECT archive_key FROM archive_entries`)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive entries: %w", err)
	}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan archive key: %w", err)
		}
		existing[key] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating archive keys: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO archive_entries (archive_key, kind, feature_id, item_id, archived_at, archive_ref, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (archive_key) DO UPDATE SET
			kind = excluded.kind,
			feature_id = excluded.feature_id,
			item_id = excluded.item_id,
			archived_at = excluded.archived_at,
			archive_ref = excluded.archive_ref
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare archive upsert: %w", err)
	}
	defer stmt.Close()

	for i := range entries {
		e := &entries[i]
		var owner *string
		if !existing[e.ArchiveKey] && runID != "" {
			owner = &runID
		}
		if _, err := stmt.ExecContext(ctx, e.ArchiveKey, e.Kind, e.FeatureID, e.ItemID, e.ArchivedAt, e.ArchiveRef, owner); err != nil {
			return nil, fmt.Errorf("failed to upsert archive entry %s: %w", e.ArchiveKey, err)
		}
		if !existing[e.ArchiveKey] {
			stats.Upserted++
		}
		delete(existing, e.ArchiveKey)
	}

	for key := range existing {
		if _, err := tx.ExecContext(ctx, `DELETE FROM archive_entries WHERE archive_key = ?`, key); err != nil {
			return nil, fmt.Errorf("failed to remove archive entry %s: %w", key, err)
		}
		stats.Removed++
	}

	return stats, nil
}

// ListArchiveEntries returns archive entries matching filter, newest first
func (s *SQLiteStore) ListArchiveEntries(ctx context.Context, filter ArchiveFilter) ([]*ArchiveEntry, error) {
	var where []string
	var args []any
	if filter.FeatureID != "" {
		where = append(where, "feature_id = ?")
		args = append(args, filter.FeatureID)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.Text != "" {
		like := "%" + strings.ToLower(filter.Text) + "%"
		where = append(where, "(lower(archive_key) LIKE ? OR lower(feature_id) LIKE ? OR lower(item_id) LIKE ?)")
		args = append(args, like, like, like)
	}

	query := `SELECT archive_key, kind, feature_id, item_id, archived_at, archive_ref, run_id FROM archive_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY archived_at DESC, archive_key"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list archive entries: %w", err)
	}
	defer rows.Close()

	entries := []*ArchiveEntry{}
	for rows.Next() {
		e := &ArchiveEntry{}
		if err := rows.Scan(&e.ArchiveKey, &e.Kind, &e.FeatureID, &e.ItemID, &e.ArchivedAt, &e.ArchiveRef, &e.RunID); err != nil {
			return nil, fmt.Errorf("failed to scan archive entry: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating archive entries: %w", err)
	}

	return entries, nil
}

// CountArchiveEntries counts archive entries per kind
func (s *SQLiteStore) CountArchiveEntries(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM archive_entries GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to count archive entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("failed to scan archive count: %w", err)
		}
		counts[kind] = n
	}

	return counts, rows.Err()
}

// AppendEvent appends an event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	return insertEvent(ctx, s.db, event)
}

func insertEvent(ctx context.Context, q queryer, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO events (id, run_id, level, kind, subject, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.RunID,
		event.Level,
		event.Kind,
		event.Subject,
		event.Message,
		formatTime(event.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// GetEvents retrieves events with optional filters and pagination
func (s *SQLiteStore) GetEvents(ctx context.Context, runID *string, level *EventLevel, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, run_id, level, kind, subject, message, created_at
		FROM events
		WHERE (? IS NULL OR run_id = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, runID, level, level, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		var created string
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.Level,
			&event.Kind,
			&event.Subject,
			&event.Message,
			&created,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if event.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("event %s created_at: %w", event.ID, err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}
