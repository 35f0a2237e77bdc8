package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// ErrNotFound is returned when a journal row does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

func (s *SQLiteStore) dsn() string {
	if s.cfg.Path == MemoryPath {
		return MemoryPath + "?_time_format=sqlite"
	}
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_time_format=sqlite", s.cfg.Path)
}

// Init opens the database connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

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

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// CreateSession inserts the journal header of a session.
func (s *SQLiteStore) CreateSession(ctx context.Context, rec *SessionRecord) error {
	query := `
		INSERT INTO sessions (id, environment, started_at, closed_at)
		VALUES (?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Environment,
		rec.StartedAt.UTC(),
		utcPtr(rec.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// CloseSession stamps the close time of a session.
func (s *SQLiteStore) CloseSession(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET closed_at = ? WHERE id = ?`,
		at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}

	return nil
}

// GetSession retrieves a session by ID
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	query := `
		SELECT id, environment, started_at, closed_at
		FROM sessions
		WHERE id = ?
	`

	rec := &SessionRecord{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID,
		&rec.Environment,
		&rec.StartedAt,
		&rec.ClosedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return rec, nil
}

// ListSessions returns sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit, offset int) ([]*SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, environment, started_at, closed_at
		FROM sessions
		ORDER BY started_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*SessionRecord
	for rows.Next() {
		rec := &SessionRecord{}
		if err := rows.Scan(&rec.ID, &rec.Environment, &rec.StartedAt, &rec.ClosedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, rec)
	}

	return sessions, rows.Err()
}

// AppendTransition appends a transition entry.
func (s *SQLiteStore) AppendTransition(ctx context.Context, entry *TransitionEntry) error {
	query := `
		INSERT INTO transitions (id, session_id, kind, from_value, to_value, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.SessionID,
		entry.Kind,
		entry.From,
		entry.To,
		entry.OccurredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}

	return nil
}

// ListTransitions returns the transitions of a session in append order.
func (s *SQLiteStore) ListTransitions(ctx context.Context, sessionID string) ([]*TransitionEntry, error) {
	query := `
		SELECT id, session_id, kind, from_value, to_value, occurred_at
		FROM transitions
		WHERE session_id = ?
		ORDER BY rowid
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	var entries []*TransitionEntry
	for rows.Next() {
		e := &TransitionEntry{}
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Kind, &e.From, &e.To, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// AppendOperation appends an operation entry.
func (s *SQLiteStore) AppendOperation(ctx context.Context, entry *OperationEntry) error {
	query := `
		INSERT INTO operations (id, session_id, operation, outcome, duration_ms, error, error_key, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.SessionID,
		entry.Operation,
		entry.Outcome,
		entry.DurationMs,
		entry.Error,
		entry.ErrorKey,
		entry.OccurredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append operation: %w", err)
	}

	return nil
}

// ListOperations returns operation entries matching filter in append order.
func (s *SQLiteStore) ListOperations(ctx context.Context, filter OperationFilter) ([]*OperationEntry, error) {
	query := `
		SELECT id, session_id, operation, outcome, duration_ms, error, error_key, occurred_at
		FROM operations
		WHERE 1=1
	`
	var args []interface{}

	if filter.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	if filter.Operation != "" {
		query += " AND operation = ?"
		args = append(args, filter.Operation)
	}
	if filter.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, filter.Outcome)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += " ORDER BY rowid LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	var entries []*OperationEntry
	for rows.Next() {
		e := &OperationEntry{}
		err := rows.Scan(
			&e.ID,
			&e.SessionID,
			&e.Operation,
			&e.Outcome,
			&e.DurationMs,
			&e.Error,
			&e.ErrorKey,
			&e.OccurredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// PruneBefore deletes sessions closed before t together with their entries.
// It returns the number of sessions removed.
func (s *SQLiteStore) PruneBefore(ctx context.Context, t time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := t.UTC()
	stale := `SELECT id FROM sessions WHERE closed_at IS NOT NULL AND closed_at < ?`

	for _, table := range []string{"transitions", "operations"} {
		query := "DELETE FROM " + table + " WHERE session_id IN (" + stale + ")"
		if _, err := tx.ExecContext(ctx, query, cutoff); err != nil {
			return 0, fmt.Errorf("failed to prune %s: %w", table, err)
		}
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE closed_at IS NOT NULL AND closed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return removed, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
