package workflow

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists workflow runs and the delivery ledger. It lives in its
// own database file so reminder bookkeeping cannot contend with the
// conversation store.
type Store struct {
	db *sql.DB
}

// OpenStore creates a workflow store backed by SQLite at the given path.
func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open workflow database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate workflow database: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflow_runs (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		action TEXT NOT NULL,
		due_date TEXT NOT NULL,
		reminder_at TEXT NOT NULL,
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		delivery_id TEXT NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS deliveries (
		delivery_id TEXT PRIMARY KEY,
		delivered_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_state ON workflow_runs(state);
	CREATE INDEX IF NOT EXISTS idx_runs_task ON workflow_runs(task_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateRun persists a new run.
func (s *Store) CreateRun(r *Run) error {
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO workflow_runs (id, task_id, user_id, action, due_date, reminder_at,
			state, attempts, delivery_id, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, r.UserID, r.Action,
		r.DueDate.UTC().Format(time.RFC3339Nano),
		r.ReminderAt.UTC().Format(time.RFC3339Nano),
		string(r.State), r.Attempts, r.DeliveryID, r.LastError,
		r.CreatedAt.Format(time.RFC3339Nano),
		r.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// SaveRun persists the run's current state. Called before every suspend
// point; this write is what makes the workflow resumable.
func (s *Store) SaveRun(r *Run) error {
	r.UpdatedAt = time.Now().UTC()

	_, err := s.db.Exec(`
		UPDATE workflow_runs
		SET state = ?, attempts = ?, reminder_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		string(r.State), r.Attempts,
		r.ReminderAt.UTC().Format(time.RFC3339Nano),
		r.LastError,
		r.UpdatedAt.Format(time.RFC3339Nano),
		r.ID,
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", r.ID, err)
	}
	return nil
}

// LoadActive returns every non-terminal run, oldest first.
func (s *Store) LoadActive() ([]*Run, error) {
	rows, err := s.db.Query(`
		SELECT id, task_id, user_id, action, due_date, reminder_at,
			state, attempts, delivery_id, last_error, created_at, updated_at
		FROM workflow_runs
		WHERE state NOT IN (?, ?, ?)
		ORDER BY created_at`,
		string(StateDone), string(StateSkipped), string(StateFailed),
	)
	if err != nil {
		return nil, fmt.Errorf("load active runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun fetches one run by id.
func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT id, task_id, user_id, action, due_date, reminder_at,
			state, attempts, delivery_id, last_error, created_at, updated_at
		FROM workflow_runs WHERE id = ?`, id)

	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s not found", id)
	}
	return r, err
}

// AlreadyDelivered reports whether the delivery id is in the ledger.
func (s *Store) AlreadyDelivered(deliveryID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM deliveries WHERE delivery_id = ?`, deliveryID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check delivery %s: %w", deliveryID, err)
	}
	return n > 0, nil
}

// MarkDelivered records a completed delivery. Idempotent.
func (s *Store) MarkDelivered(deliveryID string) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO deliveries (delivery_id, delivered_at) VALUES (?, ?)`,
		deliveryID, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("mark delivered %s: %w", deliveryID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	var state, due, remindAt, created, updated string

	err := row.Scan(&r.ID, &r.TaskID, &r.UserID, &r.Action, &due, &remindAt,
		&state, &r.Attempts, &r.DeliveryID, &r.LastError, &created, &updated)
	if err != nil {
		return nil, err
	}

	r.State = State(state)
	if r.DueDate, err = time.Parse(time.RFC3339Nano, due); err != nil {
		return nil, fmt.Errorf("parse due_date: %w", err)
	}
	if r.ReminderAt, err = time.Parse(time.RFC3339Nano, remindAt); err != nil {
		return nil, fmt.Errorf("parse reminder_at: %w", err)
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if r.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &r, nil
}
