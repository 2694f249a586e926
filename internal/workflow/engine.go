package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/okeefe/valet-agent/internal/store"
)

// Retry policy for transient failures. Business-logic conditions (task
// missing, task completed) are never retried.
const (
	maxAttempts     = 5
	defaultBackoff  = time.Second
	defaultLeadTime = 24 * time.Hour
)

// Notifier delivers a reminder to the user. Implementations fan out to
// WebSocket, email, and MQTT; an error from every channel is transient
// from the engine's point of view and retried.
type Notifier interface {
	Deliver(ctx context.Context, deliveryID string, task *store.Task) error
}

// Engine schedules, resumes, and drives reminder runs.
type Engine struct {
	store    *Store
	tasks    *store.Store
	notifier Notifier
	logger   *slog.Logger

	lead    time.Duration // how far before due the reminder fires
	backoff time.Duration // base backoff for transient retries

	ctx context.Context
	wg  sync.WaitGroup
}

// NewEngine creates an engine with the default lead time and backoff.
func NewEngine(ws *Store, tasks *store.Store, notifier Notifier, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    ws,
		tasks:    tasks,
		notifier: notifier,
		logger:   logger,
		lead:     defaultLeadTime,
		backoff:  defaultBackoff,
	}
}

// Start resumes every non-terminal run from its recorded state. New
// runs scheduled after Start are driven under the same ctx.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx = ctx

	runs, err := e.store.LoadActive()
	if err != nil {
		return fmt.Errorf("resume workflows: %w", err)
	}

	for _, r := range runs {
		e.logger.Info("resuming reminder run",
			"run_id", r.ID,
			"task_id", r.TaskID,
			"state", r.State,
		)
		e.spawn(r)
	}

	e.logger.Info("workflow engine started", "resumed", len(runs))
	return nil
}

// Wait blocks until all running workflows have stopped. Call after the
// engine's context is cancelled.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// ScheduleReminder creates and starts a reminder run for a task with a
// due date. Implements the tool registry's ReminderScheduler contract.
func (e *Engine) ScheduleReminder(ctx context.Context, task *store.Task) error {
	if task.DueDate == nil {
		return fmt.Errorf("task %s has no due date", task.ID)
	}

	runID := store.NewID()
	reminderAt := task.DueDate.Add(-e.lead)
	if now := time.Now(); reminderAt.Before(now) {
		// Short-notice task: remind immediately rather than never.
		reminderAt = now
	}

	run := &Run{
		ID:         runID,
		TaskID:     task.ID,
		UserID:     task.UserID,
		Action:     "remind",
		DueDate:    task.DueDate.UTC(),
		ReminderAt: reminderAt.UTC(),
		State:      StateVerifying,
		DeliveryID: DeliveryID(task.ID, runID),
	}
	if err := e.store.CreateRun(run); err != nil {
		return err
	}

	e.logger.Info("reminder scheduled",
		"run_id", run.ID,
		"task_id", task.ID,
		"reminder_at", run.ReminderAt,
	)
	e.spawn(run)
	return nil
}

func (e *Engine) spawn(run *Run) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.drive(run)
	}()
}

// drive advances a run through its state machine until it reaches a
// terminal state or the engine stops. Every transition is persisted
// before the next suspend point.
func (e *Engine) drive(run *Run) {
	for !run.State.Terminal() {
		select {
		case <-e.ctx.Done():
			return
		default:
		}

		var next State
		switch run.State {
		case StateVerifying:
			next = e.verify(run)
		case StateWaiting:
			next = e.wait(run)
		case StateRechecking:
			next = e.recheck(run)
		case StateSending:
			next = e.send(run)
		default:
			e.logger.Error("run in unknown state", "run_id", run.ID, "state", run.State)
			run.LastError = fmt.Sprintf("unknown state %q", run.State)
			next = StateFailed
		}

		if next == "" {
			// Engine stopping mid-state; leave the persisted state as is.
			return
		}
		if next != run.State {
			run.Attempts = 0
		}
		run.State = next
		if err := e.store.SaveRun(run); err != nil {
			e.logger.Error("run persist failed", "run_id", run.ID, "error", err)
			return
		}
	}

	e.logger.Info("reminder run finished",
		"run_id", run.ID,
		"task_id", run.TaskID,
		"state", run.State,
	)
}

func (e *Engine) verify(run *Run) State {
	task, err := e.tasks.GetTask(run.UserID, run.TaskID)
	switch {
	case errors.Is(err, store.ErrTaskNotFound):
		run.LastError = "task not found at verification"
		return StateFailed
	case err != nil:
		return e.retryTransient(run, err)
	case task.Completed:
		return StateSkipped
	case run.Superseded(task):
		return StateSkipped
	}
	return StateWaiting
}

// wait sleeps until the run's reminder instant. Resumable: the instant
// lives in the run row, so a restart re-enters here and recomputes the
// remaining sleep.
func (e *Engine) wait(run *Run) State {
	delay := time.Until(run.ReminderAt)
	if delay <= 0 {
		return StateRechecking
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return StateRechecking
	case <-e.ctx.Done():
		return ""
	}
}

func (e *Engine) recheck(run *Run) State {
	task, err := e.tasks.GetTask(run.UserID, run.TaskID)
	switch {
	case errors.Is(err, store.ErrTaskNotFound):
		// Deleted while we slept. Nothing to remind about.
		return StateSkipped
	case err != nil:
		return e.retryTransient(run, err)
	case task.Completed:
		return StateSkipped
	case run.Superseded(task):
		// Rescheduled while we slept; the run created for the new due
		// date owns the reminder now.
		return StateSkipped
	}
	return StateSending
}

func (e *Engine) send(run *Run) State {
	delivered, err := e.store.AlreadyDelivered(run.DeliveryID)
	if err != nil {
		return e.retryTransient(run, err)
	}
	if delivered {
		// A previous attempt got the reminder out before crashing.
		return StateDone
	}

	task, err := e.tasks.GetTask(run.UserID, run.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			return StateSkipped
		}
		return e.retryTransient(run, err)
	}
	if run.Superseded(task) {
		return StateSkipped
	}

	if err := e.notifier.Deliver(e.ctx, run.DeliveryID, task); err != nil {
		return e.retryTransient(run, err)
	}
	if err := e.store.MarkDelivered(run.DeliveryID); err != nil {
		// The reminder went out; the deterministic delivery id keeps a
		// replay after restart from producing a distinct duplicate.
		e.logger.Warn("delivery ledger write failed", "run_id", run.ID, "error", err)
	}
	return StateDone
}

// retryTransient sleeps with exponential backoff and keeps the current
// state, or fails the run once attempts are exhausted.
func (e *Engine) retryTransient(run *Run, cause error) State {
	run.Attempts++
	run.LastError = cause.Error()
	if run.Attempts >= maxAttempts {
		e.logger.Error("run retries exhausted",
			"run_id", run.ID,
			"state", run.State,
			"attempts", run.Attempts,
			"error", cause,
		)
		return StateFailed
	}

	delay := e.backoff << (run.Attempts - 1)
	e.logger.Warn("transient failure, backing off",
		"run_id", run.ID,
		"state", run.State,
		"attempt", run.Attempts,
		"delay", delay,
		"error", cause,
	)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return run.State
	case <-e.ctx.Done():
		return ""
	}
}
