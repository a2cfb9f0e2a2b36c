// ABOUTME: SQLite implementation of the invocation log using modernc.org/sqlite
// ABOUTME: Records analytics events with automatic schema creation and idempotent migrations

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/2389/orchestrator-gateway/internal/analytics"
)

// DefaultRecentLimit bounds RecentInvocations when no limit is given.
const DefaultRecentLimit = 50

// SQLiteStore implements InvocationStore, UsageStore, and analytics.Sink.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under the async sink.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS invocations (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			subject TEXT NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL DEFAULT '',
			success INTEGER NOT NULL,
			error_code TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_invocations_name_created
			ON invocations(name, created_at);

		CREATE INDEX IF NOT EXISTS idx_invocations_created
			ON invocations(created_at);

		CREATE INDEX IF NOT EXISTS idx_invocations_correlation
			ON invocations(correlation_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string
		apply  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('invocations') WHERE name = 'degraded'`,
			apply:  `ALTER TABLE invocations ADD COLUMN degraded INTEGER NOT NULL DEFAULT 0`,
			column: "degraded",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking column %s: %w", m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding column %s: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Record persists an analytics event. It lets the store sit behind
// analytics.Async as a sink.
func (s *SQLiteStore) Record(ctx context.Context, ev analytics.Event) error {
	created := ev.Timestamp
	if created.IsZero() {
		created = s.now()
	}
	return s.SaveInvocation(ctx, &Invocation{
		Kind:          ev.Kind,
		Name:          ev.Name,
		Subject:       ev.Subject,
		CorrelationID: ev.CorrelationID,
		Success:       ev.Success,
		ErrorCode:     ev.ErrorCode,
		Degraded:      ev.Degraded,
		DurationMS:    ev.Duration.Milliseconds(),
		CreatedAt:     created,
	})
}

// SaveInvocation stores an invocation record. An empty ID is filled with a
// fresh UUID.
func (s *SQLiteStore) SaveInvocation(ctx context.Context, inv *Invocation) error {
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = s.now()
	}

	query := `
		INSERT INTO invocations (
			id, kind, name, subject, correlation_id,
			success, error_code, degraded, duration_ms, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		inv.ID,
		string(inv.Kind),
		inv.Name,
		inv.Subject,
		inv.CorrelationID,
		boolToInt(inv.Success),
		inv.ErrorCode,
		boolToInt(inv.Degraded),
		inv.DurationMS,
		formatTime(inv.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting invocation: %w", err)
	}

	s.logger.Debug("saved invocation",
		"id", inv.ID,
		"name", inv.Name,
		"correlation_id", inv.CorrelationID,
		"success", inv.Success,
	)
	return nil
}

// GetInvocation retrieves an invocation by ID.
func (s *SQLiteStore) GetInvocation(ctx context.Context, id string) (*Invocation, error) {
	row := s.db.QueryRowContext(ctx, selectInvocation+` WHERE id = ?`, id)
	inv, err := scanInvocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// RecentInvocations returns the newest invocations, newest first. A
// non-positive limit uses DefaultRecentLimit.
func (s *SQLiteStore) RecentInvocations(ctx context.Context, limit int) ([]*Invocation, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	rows, err := s.db.QueryContext(ctx, selectInvocation+` ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying invocations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating invocation rows: %w", err)
	}
	return out, nil
}

// PruneInvocations deletes invocations created before the cutoff and returns
// how many were removed.
func (s *SQLiteStore) PruneInvocations(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM invocations WHERE created_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("pruning invocations: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Info("pruned invocations", "count", n, "before", before)
	}
	return n, nil
}

const selectInvocation = `
	SELECT id, kind, name, subject, correlation_id,
	       success, error_code, degraded, duration_ms, created_at
	FROM invocations`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvocation(row rowScanner) (*Invocation, error) {
	var inv Invocation
	var kind, createdAt string
	var success, degraded int

	err := row.Scan(
		&inv.ID,
		&kind,
		&inv.Name,
		&inv.Subject,
		&inv.CorrelationID,
		&success,
		&inv.ErrorCode,
		&degraded,
		&inv.DurationMS,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning invocation row: %w", err)
	}

	inv.Kind = analytics.Kind(kind)
	inv.Success = success != 0
	inv.Degraded = degraded != 0
	inv.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &inv, nil
}

// formatTime renders timestamps so lexical order matches time order.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Ensure SQLiteStore implements the store interfaces and analytics.Sink.
var (
	_ InvocationStore = (*SQLiteStore)(nil)
	_ UsageStore      = (*SQLiteStore)(nil)
	_ analytics.Sink  = (*SQLiteStore)(nil)
)
