// Package workflow implements durable reminder runs. Every run is a
// small state machine persisted before each suspend point, so a restart
// resumes exactly where the process died instead of losing or
// duplicating reminders.
package workflow

import (
	"fmt"
	"time"

	"github.com/okeefe/valet-agent/internal/store"
)

// State is a reminder run's position in its lifecycle.
type State string

const (
	// StateVerifying checks the task still exists and is open.
	StateVerifying State = "verifying"
	// StateWaiting sleeps until the reminder instant.
	StateWaiting State = "waiting"
	// StateRechecking re-verifies the task after the wait.
	StateRechecking State = "rechecking"
	// StateSending delivers the reminder.
	StateSending State = "sending"

	// StateDone is the success terminal.
	StateDone State = "done"
	// StateSkipped is the terminal for tasks completed or deleted
	// before delivery. Not a failure.
	StateSkipped State = "skipped"
	// StateFailed is the terminal after a non-retryable condition or
	// retry exhaustion.
	StateFailed State = "failed"
)

// Terminal reports whether no further transitions happen from s.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateSkipped, StateFailed:
		return true
	}
	return false
}

// Run is one persisted reminder workflow execution.
type Run struct {
	ID         string
	TaskID     string
	UserID     string
	Action     string // currently always "remind"
	DueDate    time.Time
	ReminderAt time.Time // when to deliver, normally due - lead
	State      State
	Attempts   int    // transient retries within the current state
	DeliveryID string // deterministic, reminder-<taskID>-<runID>
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Superseded reports whether the task's due date no longer matches the
// one this run was created for. Rescheduling a task creates a fresh run;
// the old one must not fire at the superseded instant.
func (r *Run) Superseded(task *store.Task) bool {
	return task.DueDate == nil || !task.DueDate.Equal(r.DueDate)
}

// DeliveryID derives the deterministic delivery identifier for a run.
// Stable across retries and restarts so downstream channels can
// deduplicate.
func DeliveryID(taskID, runID string) string {
	return fmt.Sprintf("reminder-%s-%s", taskID, runID)
}
