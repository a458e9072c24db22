package journal

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a run or connection does not exist.
var ErrNotFound = errors.New("not found")

// Store is the SQLite-backed journal
type Store struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds journal database configuration
type Config struct {
	// Path is the database file, or ":memory:".
	Path         string
	BusyTimeout  time.Duration
	MaxIdleConns int
}

// New creates a journal store. Call Init and Migrate, or use Open.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 1
	}

	return &Store{path: cfg.Path, cfg: cfg}, nil
}

// Open creates, initializes and migrates a journal store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	s, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database connection.
func (s *Store) Init(ctx context.Context) error {
	if s.path != ":memory:" && !strings.HasPrefix(s.path, "file:") {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
			return fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_txlock=immediate",
		s.path, s.cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}

	// A single connection serializes writers and keeps an in-memory
	// database alive for the lifetime of the store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping journal: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database path.
func (s *Store) Path() string {
	return s.path
}

// Migrate runs the embedded schema migrations.
func (s *Store) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("journal not initialized")
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

// HealthCheck verifies the database is reachable
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("journal not initialized")
	}
	return s.db.PingContext(ctx)
}

// CreateRun records a run. Recording the same ID again updates its task
// and start time.
func (s *Store) CreateRun(ctx context.Context, run *Run) error {
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO runs (id, task, status, started_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET task = excluded.task, started_at = excluded.started_at
	`

	_, err := s.db.ExecContext(ctx, query, run.ID, run.Task, run.Status, run.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// ensureRun inserts a placeholder run so child rows satisfy their foreign
// key when events arrive without a run.started.
func (s *Store) ensureRun(ctx context.Context, id string, at time.Time) error {
	query := `INSERT OR IGNORE INTO runs (id, task, status, started_at) VALUES (?, '', ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, id, RunStatusRunning, at.UTC()); err != nil {
		return fmt.Errorf("failed to ensure run: %w", err)
	}
	return nil
}

// CompleteRun sets the final status of a run
func (s *Store) CompleteRun(ctx context.Context, id string, status RunStatus, completedAt time.Time, errMsg *string) error {
	query := `
		UPDATE runs
		SET status = ?, completed_at = ?, error = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, status, completedAt.UTC(), errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetRun retrieves a run by ID
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, task, status, started_at, completed_at, error
		FROM runs
		WHERE id = ?
	`

	run := &Run{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID,
		&run.Task,
		&run.Status,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Error,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs, most recently created first. A limit of zero or
// less returns every run.
func (s *Store) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	query := `
		SELECT id, task, status, started_at, completed_at, error
		FROM runs
		ORDER BY rowid DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, sqlLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run := &Run{}
		if err := rows.Scan(&run.ID, &run.Task, &run.Status, &run.StartedAt, &run.CompletedAt, &run.Error); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// DeleteRun removes a run together with its commands, polls, connections
// and events.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE run_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RecordCommand appends an executed command and sets its ID
func (s *Store) RecordCommand(ctx context.Context, cmd *Command) error {
	if cmd.RecordedAt.IsZero() {
		cmd.RecordedAt = time.Now().UTC()
	}
	args := cmd.Args
	if args == nil {
		args = []string{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to encode args: %w", err)
	}

	query := `
		INSERT INTO commands (run_id, tool, args, status, exit_code, error_kind, error, duration_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		cmd.RunID,
		cmd.Tool,
		string(argsJSON),
		cmd.Status,
		cmd.ExitCode,
		cmd.ErrorKind,
		cmd.Error,
		cmd.DurationMS,
		cmd.RecordedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record command: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get command ID: %w", err)
	}
	cmd.ID = id
	return nil
}

// ListCommands returns the commands of a run in execution order
func (s *Store) ListCommands(ctx context.Context, runID string) ([]*Command, error) {
	query := `
		SELECT id, run_id, tool, args, status, exit_code, error_kind, error, duration_ms, recorded_at
		FROM commands
		WHERE run_id = ?
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}
	defer rows.Close()

	commands := []*Command{}
	for rows.Next() {
		cmd := &Command{}
		var args string
		err := rows.Scan(
			&cmd.ID,
			&cmd.RunID,
			&cmd.Tool,
			&args,
			&cmd.Status,
			&cmd.ExitCode,
			&cmd.ErrorKind,
			&cmd.Error,
			&cmd.DurationMS,
			&cmd.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		if err := json.Unmarshal([]byte(args), &cmd.Args); err != nil {
			return nil, fmt.Errorf("failed to decode args of command %d: %w", cmd.ID, err)
		}
		commands = append(commands, cmd)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating commands: %w", err)
	}
	return commands, nil
}

// RecordPoll appends a finished poll loop and sets its ID
func (s *Store) RecordPoll(ctx context.Context, poll *Poll) error {
	if poll.RecordedAt.IsZero() {
		poll.RecordedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO polls (run_id, url, ready, attempts, duration_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		poll.RunID,
		poll.URL,
		poll.Ready,
		poll.Attempts,
		poll.DurationMS,
		poll.RecordedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record poll: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get poll ID: %w", err)
	}
	poll.ID = id
	return nil
}

// ListPolls returns the poll loops of a run in order
func (s *Store) ListPolls(ctx context.Context, runID string) ([]*Poll, error) {
	query := `
		SELECT id, run_id, url, ready, attempts, duration_ms, recorded_at
		FROM polls
		WHERE run_id = ?
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list polls: %w", err)
	}
	defer rows.Close()

	polls := []*Poll{}
	for rows.Next() {
		poll := &Poll{}
		if err := rows.Scan(&poll.ID, &poll.RunID, &poll.URL, &poll.Ready, &poll.Attempts, &poll.DurationMS, &poll.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan poll: %w", err)
		}
		polls = append(polls, poll)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating polls: %w", err)
	}
	return polls, nil
}

// OpenConnection records an opened connection
func (s *Store) OpenConnection(ctx context.Context, conn *Connection) error {
	if conn.OpenedAt.IsZero() {
		conn.OpenedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO connections (id, run_id, endpoint, kind, opened_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query, conn.ID, conn.RunID, conn.Endpoint, conn.Kind, conn.OpenedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record connection: %w", err)
	}
	return nil
}

// CloseConnection marks a connection closed. cleanupErr is the aggregated
// cleanup failure, if any.
func (s *Store) CloseConnection(ctx context.Context, id string, closedAt time.Time, cleanupErr *string) error {
	query := `
		UPDATE connections
		SET closed_at = ?, cleanup_error = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, closedAt.UTC(), cleanupErr, id)
	if err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("connection %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListConnections returns the connections of a run in opening order
func (s *Store) ListConnections(ctx context.Context, runID string) ([]*Connection, error) {
	query := `
		SELECT id, run_id, endpoint, kind, opened_at, closed_at, cleanup_error
		FROM connections
		WHERE run_id = ?
		ORDER BY rowid
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	conns := []*Connection{}
	for rows.Next() {
		conn := &Connection{}
		err := rows.Scan(
			&conn.ID,
			&conn.RunID,
			&conn.Endpoint,
			&conn.Kind,
			&conn.OpenedAt,
			&conn.ClosedAt,
			&conn.CleanupError,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		conns = append(conns, conn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connections: %w", err)
	}
	return conns, nil
}

// AppendEvent appends an event to the log and sets its sequence number
func (s *Store) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO events (id, run_id, type, source, subject, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.RunID,
		event.Type,
		event.Source,
		event.Subject,
		event.Level,
		event.Message,
		event.Data,
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event sequence: %w", err)
	}
	event.Seq = seq
	return nil
}

// ListEvents returns events in the order they were appended
func (s *Store) ListEvents(ctx context.Context, q EventQuery) ([]*Event, error) {
	query := `
		SELECT seq, id, run_id, type, source, subject, level, message, data, timestamp
		FROM events
		WHERE (? IS NULL OR run_id = ?)
		  AND (? IS NULL OR type = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY seq
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		q.RunID, q.RunID,
		q.Type, q.Type,
		q.Level, q.Level,
		sqlLimit(q.Limit), q.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.Seq,
			&event.ID,
			&event.RunID,
			&event.Type,
			&event.Source,
			&event.Subject,
			&event.Level,
			&event.Message,
			&event.Data,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// Summary loads a run with its commands, polls and connections.
func (s *Store) Summary(ctx context.Context, runID string) (*RunSummary, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	commands, err := s.ListCommands(ctx, runID)
	if err != nil {
		return nil, err
	}
	polls, err := s.ListPolls(ctx, runID)
	if err != nil {
		return nil, err
	}
	conns, err := s.ListConnections(ctx, runID)
	if err != nil {
		return nil, err
	}

	return &RunSummary{
		Run:         run,
		Commands:    commands,
		Polls:       polls,
		Connections: conns,
	}, nil
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
