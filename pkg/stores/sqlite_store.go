package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/busyhq/busyrt/pkg/engine"
	"github.com/busyhq/busyrt/pkg/runtime"
	"github.com/busyhq/busyrt/pkg/telemetry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const memoryPath = ":memory:"

// SQLiteStore persists playbook executions and the event log. It
// implements runtime.ExecutionRepository.
type SQLiteStore struct {
	db     *sql.DB
	cfg    Config
	logger *telemetry.Logger
}

var _ runtime.ExecutionRepository = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store instance. Call Init and Migrate
// before use.
func NewSQLiteStore(cfg Config, tel *telemetry.Telemetry) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if tel == nil {
		tel = telemetry.NewNop()
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens its own database.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:    cfg,
		logger: tel.Logger.NewComponentLogger("store"),
	}, nil
}

// Init opens the database and applies connection pragmas.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if s.cfg.Path != memoryPath {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
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
	s.logger.WithField("path", s.cfg.Path).Debug("Database opened")
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded schema migrations.
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

	version, dirty, err := m.Version()
	if err == nil {
		s.logger.Infof("Schema at version %d (dirty=%t)", version, dirty)
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

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// SaveExecution inserts or replaces the stored copy of exec.
func (s *SQLiteStore) SaveExecution(ctx context.Context, exec *runtime.PlaybookExecution) error {
	doc, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to encode execution: %w", err)
	}

	var endedAt *int64
	if exec.EndTime != nil {
		ms := toMillis(*exec.EndTime)
		endedAt = &ms
	}
	var errMsg *string
	if exec.Error != "" {
		errMsg = &exec.Error
	}

	query := `
		INSERT INTO executions (
			id, playbook_name, status, current_step, started_at, ended_at, error, document, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			current_step = excluded.current_step,
			ended_at = excluded.ended_at,
			error = excluded.error,
			document = excluded.document,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		exec.ID,
		exec.PlaybookName,
		string(exec.Status),
		exec.CurrentStep,
		toMillis(exec.StartTime),
		endedAt,
		errMsg,
		string(doc),
		toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*runtime.PlaybookExecution, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM executions WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, engine.NewPermanentError(fmt.Sprintf("execution not found: %s", id), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return decodeExecution(doc)
}

func decodeExecution(doc string) (*runtime.PlaybookExecution, error) {
	exec := &runtime.PlaybookExecution{}
	if err := json.Unmarshal([]byte(doc), exec); err != nil {
		return nil, fmt.Errorf("failed to decode execution: %w", err)
	}
	return exec, nil
}

// ListExecutions returns up to limit executions, most recently started
// first. A limit of zero or less returns all.
func (s *SQLiteStore) ListExecutions(ctx context.Context, limit int) ([]*runtime.PlaybookExecution, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT document FROM executions
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	executions := []*runtime.PlaybookExecution{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		exec, err := decodeExecution(doc)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return executions, nil
}

// ListExecutionSummaries returns indexed columns only, newest first.
func (s *SQLiteStore) ListExecutionSummaries(ctx context.Context, f ExecutionFilter) ([]*ExecutionSummary, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT id, playbook_name, status, current_step, started_at, ended_at, error
		FROM executions
		WHERE (? = '' OR playbook_name = ?)
		  AND (? = '' OR status = ?)
		ORDER BY started_at DESC, id DESC
		LIMIT ? OFFSET ?
	`
	status := string(f.Status)
	rows, err := s.db.QueryContext(ctx, query, f.PlaybookName, f.PlaybookName, status, status, limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	summaries := []*ExecutionSummary{}
	for rows.Next() {
		var (
			sum     ExecutionSummary
			started int64
			ended   sql.NullInt64
			errMsg  sql.NullString
		)
		if err := rows.Scan(&sum.ID, &sum.PlaybookName, &sum.Status, &sum.CurrentStep, &started, &ended, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		sum.StartedAt = fromMillis(started)
		if ended.Valid {
			t := fromMillis(ended.Int64)
			sum.EndedAt = &t
		}
		if errMsg.Valid {
			sum.Error = &errMsg.String
		}
		summaries = append(summaries, &sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return summaries, nil
}

// DeleteExecutionsBefore removes finished executions that ended before t
// and returns how many were deleted.
func (s *SQLiteStore) DeleteExecutionsBefore(ctx context.Context, t time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM executions WHERE ended_at IS NOT NULL AND ended_at < ?`, toMillis(t))
	if err != nil {
		return 0, fmt.Errorf("failed to delete executions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Infof("Deleted %d execution(s) ended before %s", n, t.Format(time.RFC3339))
	}
	return n, nil
}

// AppendEvent appends an event to the audit log. Re-appending the same
// event ID is a no-op.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event telemetry.Event) error {
	var data *string
	if len(event.Data) > 0 {
		raw, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		str := string(raw)
		data = &str
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	query := `
		INSERT INTO events (id, type, source, execution_id, step_id, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		string(event.Type),
		event.Source,
		nullable(event.ExecutionID),
		nullable(event.StepID),
		event.Level,
		event.Message,
		data,
		ts.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// GetEvents returns events matching q in the order they were appended.
func (s *SQLiteStore) GetEvents(ctx context.Context, q EventQuery) ([]telemetry.Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT id, type, source, execution_id, step_id, level, message, data, timestamp
		FROM events
		WHERE (? = '' OR execution_id = ?)
		  AND (? = '' OR step_id = ?)
		  AND (? = '' OR type = ?)
		  AND (? = '' OR level = ?)
		ORDER BY seq ASC
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query,
		q.ExecutionID, q.ExecutionID,
		q.StepID, q.StepID,
		q.Type, q.Type,
		q.Level, q.Level,
		limit, q.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []telemetry.Event{}
	for rows.Next() {
		var (
			e              telemetry.Event
			typ            string
			execID, stepID sql.NullString
			message, data  sql.NullString
			ts             int64
		)
		if err := rows.Scan(&e.ID, &typ, &e.Source, &execID, &stepID, &e.Level, &message, &data, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Type = telemetry.EventType(typ)
		e.ExecutionID = execID.String
		e.StepID = stepID.String
		e.Message = message.String
		e.Timestamp = time.Unix(0, ts)
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// RecordEvents subscribes the audit log to bus and returns the
// subscription ID. Write failures are logged and dropped.
func (s *SQLiteStore) RecordEvents(bus *telemetry.EventBus, filter telemetry.EventFilter) string {
	return bus.Subscribe(func(e telemetry.Event) {
		if err := s.AppendEvent(context.Background(), e); err != nil {
			s.logger.WithError(err).WithField("event", string(e.Type)).Warn("Failed to record event")
		}
	}, filter)
}
