// Package logging collects the daemon's task-event log: a ring-buffered,
// queryable record of what every component did, with optional Postgres
// persistence and fan-out to registered handlers (the websocket hub).
// Flow logging still goes through the standard log package; the
// interceptor routes it in here.
package logging

import (
	"container/ring"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultBufferSize is the number of entries kept in memory.
	DefaultBufferSize = 4096

	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Entry is one event in the task log.
type Entry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Source    string                 `json:"source"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Filters narrows Recent and Query results. Zero values mean no filter.
type Filters struct {
	Level    string
	Source   string
	TaskID   string
	AgentKey string
	DeviceID string
	Since    time.Time
	Until    time.Time
	Limit    int
}

// Manager buffers entries in a ring, optionally persists them to
// Postgres, and fans each entry out to registered handlers.
type Manager struct {
	mu       sync.RWMutex
	buffer   *ring.Ring
	db       *sql.DB
	handlers []func(Entry)
}

// NewManager creates a manager. db may be nil (in-memory only); size <= 0
// uses DefaultBufferSize.
func NewManager(db *sql.DB, size int) *Manager {
	if size <= 0 {
		size = DefaultBufferSize
	}
	m := &Manager{
		buffer: ring.New(size),
		db:     db,
	}

	if err := m.initSchema(); err != nil {
		log.Printf("[EventLog] Failed to initialize schema: %v", err)
	}
	return m
}

// rebind converts ? placeholders to $N for PostgreSQL.
func rebind(query string) string {
	n := 1
	var out strings.Builder
	for _, ch := range query {
		if ch == '?' {
			fmt.Fprintf(&out, "$%d", n)
			n++
		} else {
			out.WriteRune(ch)
		}
	}
	return out.String()
}

func (m *Manager) initSchema() error {
	if m.db == nil {
		return nil
	}

	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_events (
			id TEXT PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			level TEXT NOT NULL,
			source TEXT NOT NULL,
			message TEXT NOT NULL,
			metadata_json TEXT,
			task_id TEXT,
			agent_key TEXT,
			device_id TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_task_events_timestamp
			ON task_events(timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_task_events_task
			ON task_events(task_id);
		CREATE INDEX IF NOT EXISTS idx_task_events_level
			ON task_events(level);
	`)
	if err != nil {
		return fmt.Errorf("failed to create task_events table: %w", err)
	}
	return nil
}

// Log records one entry: into the ring, out to handlers, and (when a
// database is attached) to Postgres in the background.
func (m *Manager) Log(level, source, message string, metadata map[string]interface{}) {
	entry := Entry{
		ID:        fmt.Sprintf("evt-%d", time.Now().UnixNano()),
		Timestamp: time.Now().UTC(),
		Level:     level,
		Source:    source,
		Message:   message,
		Metadata:  metadata,
	}

	m.mu.Lock()
	m.buffer.Value = entry
	m.buffer = m.buffer.Next()
	handlers := m.handlers
	m.mu.Unlock()

	for _, handler := range handlers {
		go handler(entry)
	}

	go m.persist(entry)
}

func (m *Manager) persist(entry Entry) {
	if m.db == nil {
		return
	}

	var metadataJSON *string
	if len(entry.Metadata) > 0 {
		if data, err := json.Marshal(entry.Metadata); err == nil {
			s := string(data)
			metadataJSON = &s
		}
	}

	taskID := metaString(entry.Metadata, "task_id")
	agentKey := metaString(entry.Metadata, "agent_key")
	deviceID := metaString(entry.Metadata, "device_id")

	_, err := m.db.Exec(rebind(`
		INSERT INTO task_events (id, timestamp, level, source, message, metadata_json, task_id, agent_key, device_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), entry.ID, entry.Timestamp, entry.Level, entry.Source, entry.Message,
		metadataJSON, nullable(taskID), nullable(agentKey), nullable(deviceID))
	if err != nil {
		// Straight to stderr: going through the log package would re-enter
		// the interceptor and persist again.
		fmt.Fprintf(os.Stderr, "[EventLog] Failed to persist entry %s: %v\n", entry.ID, err)
	}
}

// Recent returns buffered entries matching f, newest first.
func (m *Manager) Recent(f Filters) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var entries []Entry
	m.buffer.Do(func(v interface{}) {
		entry, ok := v.(Entry)
		if !ok || !matches(entry, f) {
			return
		}
		entries = append(entries, entry)
	})

	// Newest first; the ring iterates oldest to newest.
	for i := 0; i < len(entries)/2; i++ {
		entries[i], entries[len(entries)-1-i] = entries[len(entries)-1-i], entries[i]
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// Query returns persisted entries matching f, newest first. Without a
// database it answers from the ring buffer.
func (m *Manager) Query(ctx context.Context, f Filters) ([]Entry, error) {
	if m.db == nil {
		return m.Recent(f), nil
	}

	query := `SELECT id, timestamp, level, source, message, metadata_json FROM task_events WHERE 1=1`
	var args []interface{}

	if f.Level != "" {
		query += " AND level = ?"
		args = append(args, f.Level)
	}
	if f.Source != "" {
		query += " AND source = ?"
		args = append(args, f.Source)
	}
	if f.TaskID != "" {
		query += " AND task_id = ?"
		args = append(args, f.TaskID)
	}
	if f.AgentKey != "" {
		query += " AND agent_key = ?"
		args = append(args, f.AgentKey)
	}
	if f.DeviceID != "" {
		query += " AND device_id = ?"
		args = append(args, f.DeviceID)
	}
	if !f.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, f.Until)
	}

	query += " ORDER BY timestamp DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := m.db.QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query task events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		var metadataJSON sql.NullString
		if err := rows.Scan(&entry.ID, &entry.Timestamp, &entry.Level, &entry.Source, &entry.Message, &metadataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan task event: %w", err)
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &entry.Metadata); err != nil {
				log.Printf("[EventLog] Failed to unmarshal event metadata: %v", err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// AddHandler registers a handler invoked for every new entry.
func (m *Manager) AddHandler(handler func(Entry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Debug logs a debug-level entry.
func (m *Manager) Debug(source, message string, metadata map[string]interface{}) {
	m.Log(LevelDebug, source, message, metadata)
}

// Info logs an info-level entry.
func (m *Manager) Info(source, message string, metadata map[string]interface{}) {
	m.Log(LevelInfo, source, message, metadata)
}

// Warn logs a warn-level entry.
func (m *Manager) Warn(source, message string, metadata map[string]interface{}) {
	m.Log(LevelWarn, source, message, metadata)
}

// Error logs an error-level entry.
func (m *Manager) Error(source, message string, metadata map[string]interface{}) {
	m.Log(LevelError, source, message, metadata)
}

func matches(entry Entry, f Filters) bool {
	if f.Level != "" && entry.Level != f.Level {
		return false
	}
	if f.Source != "" && entry.Source != f.Source {
		return false
	}
	if f.TaskID != "" && metaString(entry.Metadata, "task_id") != f.TaskID {
		return false
	}
	if f.AgentKey != "" && metaString(entry.Metadata, "agent_key") != f.AgentKey {
		return false
	}
	if f.DeviceID != "" && metaString(entry.Metadata, "device_id") != f.DeviceID {
		return false
	}
	if !f.Since.IsZero() && entry.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && entry.Timestamp.After(f.Until) {
		return false
	}
	return true
}

func metaString(meta map[string]interface{}, key string) string {
	if meta == nil {
		return ""
	}
	s, _ := meta[key].(string)
	return s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// interceptWriter routes standard log output into the manager so the
// daemon's [Component] flow logging lands in the event log too. Output
// is still teed to the original destination.
type interceptWriter struct {
	manager *Manager
	console io.Writer
}

// Write parses the "[Component] message" convention used across the
// daemon and records the line as a structured entry.
func (w *interceptWriter) Write(p []byte) (int, error) {
	if w.console != nil {
		w.console.Write(p)
	}

	msg := strings.TrimSpace(string(p))
	// Strip the default "2006/01/02 15:04:05 " prefix when present.
	if len(msg) > 20 && msg[4] == '/' && msg[7] == '/' && msg[10] == ' ' {
		msg = strings.TrimSpace(msg[20:])
	}

	level := LevelInfo
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "error") || strings.Contains(lower, "fail") {
		level = LevelError
	} else if strings.Contains(lower, "warn") {
		level = LevelWarn
	}

	source := "system"
	if len(msg) > 2 && msg[0] == '[' {
		if end := strings.Index(msg, "]"); end > 1 {
			source = strings.ToLower(msg[1:end])
			msg = strings.TrimSpace(msg[end+1:])
		}
	}

	w.manager.Log(level, source, msg, nil)
	return len(p), nil
}

// InstallLogInterceptor redirects the standard log package through this
// manager, teeing lines to stderr so console output is unchanged. Call
// once at startup.
func (m *Manager) InstallLogInterceptor() {
	log.SetOutput(&interceptWriter{manager: m, console: os.Stderr})
}
