package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store handles task, message, and actor-state persistence.
type Store struct {
	db *sql.DB
}

// Open creates a store with a SQLite backend at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		due_date TEXT,
		completed INTEGER NOT NULL DEFAULT 0,
		priority TEXT NOT NULL DEFAULT 'medium',
		created_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TEXT NOT NULL,
		metadata_json TEXT
	);

	CREATE TABLE IF NOT EXISTS actor_state (
		user_id TEXT PRIMARY KEY,
		last_activity TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_user_id ON tasks(user_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_due_date ON tasks(due_date);
	CREATE INDEX IF NOT EXISTS idx_messages_user_created ON messages(user_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateTask persists a new task.
func (s *Store) CreateTask(t *Task) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("invalid priority %q", t.Priority)
	}

	_, err := s.db.Exec(`
		INSERT INTO tasks (id, user_id, title, description, due_date, completed, priority, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.UserID, t.Title, t.Description, formatTimePtr(t.DueDate), boolToInt(t.Completed),
		string(t.Priority), t.CreatedAt.Format(time.RFC3339Nano), formatTimePtr(t.CompletedAt))

	return err
}

// GetTask retrieves a task by ID, scoped to the user.
// Returns ErrTaskNotFound when no row matches.
func (s *Store) GetTask(userID, id string) (*Task, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, title, description, due_date, completed, priority, created_at, completed_at
		FROM tasks WHERE id = ? AND user_id = ?
	`, id, userID)

	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return t, err
}

// ListTasks returns the user's tasks, newest first, narrowed by filter.
func (s *Store) ListTasks(userID string, filter TaskFilter) ([]*Task, error) {
	query := `SELECT id, user_id, title, description, due_date, completed, priority, created_at, completed_at
		FROM tasks WHERE user_id = ?`
	args := []any{userID}

	if filter.Completed != nil {
		query += ` AND completed = ?`
		args = append(args, boolToInt(*filter.Completed))
	}
	if filter.DueBefore != nil {
		query += ` AND due_date IS NOT NULL AND due_date < ?`
		args = append(args, filter.DueBefore.Format(time.RFC3339Nano))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

// UpdateTask updates an existing task's mutable fields.
// Returns ErrTaskNotFound when no row matches.
func (s *Store) UpdateTask(t *Task) error {
	if !t.Priority.Valid() {
		return fmt.Errorf("invalid priority %q", t.Priority)
	}

	res, err := s.db.Exec(`
		UPDATE tasks SET title = ?, description = ?, due_date = ?, priority = ?
		WHERE id = ? AND user_id = ?
	`, t.Title, t.Description, formatTimePtr(t.DueDate), string(t.Priority), t.ID, t.UserID)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// CompleteTask marks a task done, recording the completion instant.
// Completing twice returns ErrAlreadyCompleted.
func (s *Store) CompleteTask(userID, id string) (*Task, error) {
	t, err := s.GetTask(userID, id)
	if err != nil {
		return nil, err
	}
	if t.Completed {
		return nil, ErrAlreadyCompleted
	}

	now := time.Now()
	_, err = s.db.Exec(`
		UPDATE tasks SET completed = 1, completed_at = ? WHERE id = ? AND user_id = ?
	`, now.Format(time.RFC3339Nano), id, userID)
	if err != nil {
		return nil, err
	}

	t.Completed = true
	t.CompletedAt = &now
	return t, nil
}

// DeleteTask removes a task. Returns ErrTaskNotFound when no row matches.
func (s *Store) DeleteTask(userID, id string) error {
	res, err := s.db.Exec(`DELETE FROM tasks WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// AppendMessage persists one conversation message.
func (s *Store) AppendMessage(m *Message) error {
	if m.ID == "" {
		m.ID = NewID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	var metadata any
	if len(m.Metadata) > 0 {
		raw, err := json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = string(raw)
	}

	_, err := s.db.Exec(`
		INSERT INTO messages (id, user_id, role, content, created_at, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.UserID, m.Role, m.Content, m.CreatedAt.Format(time.RFC3339Nano), metadata)

	return err
}

// LoadRecentMessages returns the user's most recent messages in
// chronological order (oldest of the window first).
func (s *Store) LoadRecentMessages(userID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT id, user_id, role, content, created_at, metadata_json
		FROM messages WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var createdAt string
		var metadata sql.NullString

		if err := rows.Scan(&m.ID, &m.UserID, &m.Role, &m.Content, &createdAt, &metadata); err != nil {
			return nil, err
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &m.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	return msgs, nil
}

// SaveActorState upserts the actor's durable snapshot. Called once at the
// end of each handled message, not per mutation.
func (s *Store) SaveActorState(userID string, lastActivity time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO actor_state (user_id, last_activity, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET last_activity = excluded.last_activity, updated_at = excluded.updated_at
	`, userID, lastActivity.Format(time.RFC3339Nano), time.Now().Format(time.RFC3339Nano))
	return err
}

// LoadActorState returns the persisted lastActivity for the user, or the
// zero time when no snapshot exists.
func (s *Store) LoadActorState(userID string) (time.Time, error) {
	var lastActivity string
	err := s.db.QueryRow(`SELECT last_activity FROM actor_state WHERE user_id = ?`, userID).Scan(&lastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}

	t, err := time.Parse(time.RFC3339Nano, lastActivity)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last_activity: %w", err)
	}
	return t, nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var t Task
	var description string
	var dueDate, completedAt sql.NullString
	var completed int
	var priority, createdAt string

	err := row.Scan(&t.ID, &t.UserID, &t.Title, &description, &dueDate, &completed, &priority, &createdAt, &completedAt)
	if err != nil {
		return nil, err
	}

	t.Description = description
	t.Completed = completed == 1
	t.Priority = Priority(priority)
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if dueDate.Valid {
		parsed, err := time.Parse(time.RFC3339Nano, dueDate.String)
		if err != nil {
			return nil, fmt.Errorf("parse due_date: %w", err)
		}
		t.DueDate = &parsed
	}
	if completedAt.Valid {
		parsed, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		t.CompletedAt = &parsed
	}

	return &t, nil
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
