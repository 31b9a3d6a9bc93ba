// Package database persists tasks in PostgreSQL. It backs the
// dispatcher's task source, the engine's status sink, and the HTTP
// API's task store.
package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// rebind converts ? placeholders to $1, $2, ... for PostgreSQL.
// This is used throughout the database package for parameterized queries.
func rebind(query string) string {
	n := 1
	out := strings.Builder{}
	for _, ch := range query {
		if ch == '?' {
			out.WriteString(fmt.Sprintf("$%d", n))
			n++
		} else {
			out.WriteRune(ch)
		}
	}
	return out.String()
}

// Database wraps the PostgreSQL connection pool.
type Database struct {
	db *sql.DB
}

// NewPostgres opens a PostgreSQL connection and initializes the schema.
func NewPostgres(dsn string) (*Database, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	d := &Database{db: db}

	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return d, nil
}

// DB returns the underlying connection pool for subsystems that manage
// their own tables, such as the event log.
func (d *Database) DB() *sql.DB {
	return d.db
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// initSchema creates the tables used by the task store.
func (d *Database) initSchema() error {
	schema := `
	-- Agent tasks: one row per dispatched unit of work. Rows are never
	-- resurrected out of a terminal status; retries create new rows
	-- pointing back via retry_of.
	CREATE TABLE IF NOT EXISTS agent_tasks (
		id UUID PRIMARY KEY,
		device_id TEXT NOT NULL,
		agent_key TEXT NOT NULL,
		parameters JSONB NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		output TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		exit_code INTEGER,
		retry_of UUID,
		timeout_seconds INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		acked_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_agent_tasks_device_status
		ON agent_tasks(device_id, status);
	CREATE INDEX IF NOT EXISTS idx_agent_tasks_created
		ON agent_tasks(created_at DESC);
	`

	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}
