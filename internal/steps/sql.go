package steps

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Drivers accepted by NewLedger.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DBConfig holds connection pool settings.
type DBConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration

	// CreateSchema creates the ledger tables if they do not exist.
	CreateSchema bool
}

// DefaultDBConfig returns default configuration.
func DefaultDBConfig() *DBConfig {
	return &DBConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS agent_run (
	id TEXT PRIMARY KEY,
	user_id TEXT,
	agent_id TEXT NOT NULL,
	agent_type TEXT NOT NULL,
	parent_run_id TEXT,
	status TEXT NOT NULL,
	created_at_ms BIGINT NOT NULL,
	finished_at_ms BIGINT
);
CREATE TABLE IF NOT EXISTS agent_step (
	agent_run_id TEXT NOT NULL,
	step_number INTEGER NOT NULL,
	user_id TEXT,
	credits BIGINT NOT NULL,
	child_run_ids TEXT NOT NULL,
	status TEXT NOT NULL,
	start_time_ms BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS agent_step_run_idx ON agent_step (agent_run_id, step_number);
`

// SQLLedger stores runs and entries in a SQL database.
type SQLLedger struct {
	db      *sql.DB
	dialect string
}

// OpenPostgres connects to a Postgres database.
func OpenPostgres(ctx context.Context, dsn string, config *DBConfig) (*SQLLedger, error) {
	return open(ctx, DriverPostgres, "postgres", dsn, config)
}

// OpenSQLite opens (creating if needed) a SQLite database file. The
// schema is always created.
func OpenSQLite(ctx context.Context, path string, config *DBConfig) (*SQLLedger, error) {
	if config == nil {
		config = DefaultDBConfig()
	}
	cfg := *config
	cfg.CreateSchema = true
	// SQLite allows one writer at a time.
	cfg.MaxOpenConns = 1
	return open(ctx, DriverSQLite, "sqlite", path, &cfg)
}

func open(ctx context.Context, dialect, driverName, dsn string, config *DBConfig) (*SQLLedger, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultDBConfig()
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	timeout := config.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	l := &SQLLedger{db: db, dialect: dialect}
	if config.CreateSchema {
		if err := l.EnsureSchema(pingCtx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return l, nil
}

// NewSQLLedger wraps an open database. dialect is DriverPostgres or
// DriverSQLite.
func NewSQLLedger(db *sql.DB, dialect string) *SQLLedger {
	return &SQLLedger{db: db, dialect: dialect}
}

// EnsureSchema creates the ledger tables.
func (l *SQLLedger) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Close releases database resources.
func (l *SQLLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// rebind rewrites ? placeholders for the dialect.
func (l *SQLLedger) rebind(query string) string {
	if l.dialect != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// StartRun inserts a run.
func (l *SQLLedger) StartRun(ctx context.Context, start RunStart) (string, error) {
	id := uuid.NewString()
	_, err := l.db.ExecContext(ctx, l.rebind(`
		INSERT INTO agent_run (id, user_id, agent_id, agent_type, parent_run_id, status, created_at_ms)
		VALUES (?,?,?,?,?,?,?)
	`),
		id,
		nullableString(start.UserID),
		start.AgentID,
		start.AgentType,
		nullableString(start.ParentRunID),
		string(RunRunning),
		time.Now().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	return id, nil
}

// FinishRun updates a run's status.
func (l *SQLLedger) FinishRun(ctx context.Context, runID string, status RunStatus) error {
	res, err := l.db.ExecContext(ctx, l.rebind(`
		UPDATE agent_run SET status = ?, finished_at_ms = ? WHERE id = ?
	`), string(status), time.Now().UnixMilli(), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// AddAgentStep inserts an entry.
func (l *SQLLedger) AddAgentStep(ctx context.Context, entry Entry) error {
	if entry.AgentRunID == "" {
		return fmt.Errorf("agent run id is required")
	}
	children, err := json.Marshal(cloneEntry(entry).ChildRunIDs)
	if err != nil {
		return fmt.Errorf("encode child run ids: %w", err)
	}
	_, err = l.db.ExecContext(ctx, l.rebind(`
		INSERT INTO agent_step (agent_run_id, step_number, user_id, credits, child_run_ids, status, start_time_ms)
		VALUES (?,?,?,?,?,?,?)
	`),
		entry.AgentRunID,
		entry.StepNumber,
		nullableString(entry.UserID),
		entry.CreditsDelta,
		string(children),
		string(entry.Status),
		entry.StartTime.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("add agent step: %w", err)
	}
	return nil
}

// Entries returns a run's entries ordered by step number.
func (l *SQLLedger) Entries(ctx context.Context, runID string) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, l.rebind(`
		SELECT agent_run_id, step_number, user_id, credits, child_run_ids, status, start_time_ms
		FROM agent_step WHERE agent_run_id = ?
		ORDER BY step_number
	`), runID)
	if err != nil {
		return nil, fmt.Errorf("list agent steps: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			userID   sql.NullString
			children string
			status   string
			startMS  int64
		)
		if err := rows.Scan(&e.AgentRunID, &e.StepNumber, &userID, &e.CreditsDelta, &children, &status, &startMS); err != nil {
			return nil, fmt.Errorf("scan agent step: %w", err)
		}
		if err := json.Unmarshal([]byte(children), &e.ChildRunIDs); err != nil {
			return nil, fmt.Errorf("decode child run ids: %w", err)
		}
		e.UserID = userID.String
		e.Status = Status(status)
		e.StartTime = time.UnixMilli(startMS)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list agent steps: %w", err)
	}
	return entries, nil
}

// GetRun returns a run by id, or nil if unknown.
func (l *SQLLedger) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := l.db.QueryRowContext(ctx, l.rebind(`
		SELECT id, user_id, agent_id, agent_type, parent_run_id, status, created_at_ms, finished_at_ms
		FROM agent_run WHERE id = ?
	`), runID)

	var (
		run        Run
		userID     sql.NullString
		parentID   sql.NullString
		status     string
		createdMS  int64
		finishedMS sql.NullInt64
	)
	err := row.Scan(&run.ID, &userID, &run.AgentID, &run.AgentType, &parentID, &status, &createdMS, &finishedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	run.UserID = userID.String
	run.ParentRunID = parentID.String
	run.Status = RunStatus(status)
	run.CreatedAt = time.UnixMilli(createdMS)
	if finishedMS.Valid {
		run.FinishedAt = time.UnixMilli(finishedMS.Int64)
	}
	return &run, nil
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

var _ Ledger = (*SQLLedger)(nil)
