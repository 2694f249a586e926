// Package store implements the relational persistence contract the actor
// issues: task CRUD and conversation history, keyed by user id.
package store

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Business-logic sentinels. These are terminal conditions, never retried.
var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrAlreadyCompleted = errors.New("task already completed")
)

// Priority levels for tasks.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is a known priority level.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Task is the persisted task record.
type Task struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Completed   bool       `json:"completed"`
	Priority    Priority   `json:"priority"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Message is one entry of the conversation history. Immutable once created.
type Message struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Role      string         `json:"role"` // user, assistant, system
	Content   string         `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TaskFilter narrows ListTasks results. Nil fields match everything.
type TaskFilter struct {
	Completed *bool
	DueBefore *time.Time
}

// NewID generates a new UUIDv7.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails
		return uuid.New().String()
	}
	return id.String()
}
