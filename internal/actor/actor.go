// Package actor implements the per-user session actor. A single
// mailbox goroutine owns all mutable state, so handlers never lock;
// anything slow (LLM calls, confirmation waits) runs off the mailbox
// and posts its mutations back.
package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/okeefe/valet-agent/internal/confirm"
	"github.com/okeefe/valet-agent/internal/llm"
	"github.com/okeefe/valet-agent/internal/pipeline"
	"github.com/okeefe/valet-agent/internal/protocol"
	"github.com/okeefe/valet-agent/internal/retrieval"
	"github.com/okeefe/valet-agent/internal/store"
	"github.com/okeefe/valet-agent/internal/tools"
)

// historyLimit is how many conversation messages the actor keeps in
// memory and feeds to the LLM.
const historyLimit = 50

// Conn is a transport-level connection handle. The ws package provides
// the real implementation; tests use fakes.
type Conn interface {
	// Send queues an outbound frame. Returns an error when the
	// connection can no longer deliver.
	Send(f protocol.Frame) error
	// UserID returns the user id attached at upgrade time, or "".
	UserID() string
	// RemoteAddr describes the peer for logging.
	RemoteAddr() string
	Close() error
}

type session struct {
	connectedAt time.Time
}

// Actor serializes all state mutations for one user through a mailbox.
type Actor struct {
	userID    string
	loc       *time.Location
	store     *store.Store
	llm       llm.Client
	pipe      *pipeline.Pipeline
	broker    *confirm.Broker
	searcher  retrieval.Searcher
	scheduler tools.ReminderScheduler
	registry  *tools.Registry
	logger    *slog.Logger

	mailbox chan func()
	done    chan struct{}

	// Mailbox-goroutine state. Never touched from other goroutines.
	sessions     map[Conn]*session
	history      []store.Message
	lastActivity time.Time
	runCtx       context.Context
}

// Config collects the actor's collaborators.
type Config struct {
	UserID    string
	Location  *time.Location
	Store     *store.Store
	LLM       llm.Client
	Pipeline  *pipeline.Pipeline
	Broker    *confirm.Broker
	Searcher  retrieval.Searcher
	Scheduler tools.ReminderScheduler
	Registry  *tools.Registry
	Logger    *slog.Logger
}

// New creates an actor. Call Run to start the mailbox.
func New(cfg Config) *Actor {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Searcher == nil {
		cfg.Searcher = retrieval.Noop{}
	}
	return &Actor{
		userID:    cfg.UserID,
		loc:       cfg.Location,
		store:     cfg.Store,
		llm:       cfg.LLM,
		pipe:      cfg.Pipeline,
		broker:    cfg.Broker,
		searcher:  cfg.Searcher,
		scheduler: cfg.Scheduler,
		registry:  cfg.Registry,
		logger:    cfg.Logger.With("user_id", cfg.UserID),
		mailbox:   make(chan func(), 64),
		done:      make(chan struct{}),
		sessions:  make(map[Conn]*session),
	}
}

// Run executes the mailbox loop until ctx is cancelled. It restores the
// conversation tail and activity snapshot before accepting work.
func (a *Actor) Run(ctx context.Context) {
	a.runCtx = ctx

	if history, err := a.store.LoadRecentMessages(a.userID, historyLimit); err == nil {
		a.history = history
	} else {
		a.logger.Warn("history restore failed", "error", err)
	}
	if last, err := a.store.LoadActorState(a.userID); err == nil {
		a.lastActivity = last
	}

	a.logger.Info("actor started", "history", len(a.history))

	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			return
		case fn := <-a.mailbox:
			fn()
		}
	}
}

// shutdown runs on the mailbox goroutine as the final handler.
func (a *Actor) shutdown() {
	close(a.done)

	if n := a.broker.CancelAll(a.userID); n > 0 {
		a.logger.Info("cancelled pending confirmations on shutdown", "count", n)
	}
	a.persistState()

	for conn := range a.sessions {
		conn.Close()
		delete(a.sessions, conn)
	}
	a.logger.Info("actor stopped")
}

// post schedules fn on the mailbox. Returns false once the actor has
// stopped.
func (a *Actor) post(fn func()) bool {
	select {
	case a.mailbox <- fn:
		return true
	case <-a.done:
		return false
	}
}

// OnConnect registers a connection claiming to be userID. A claim for a
// different user is rejected and the connection closed; this actor
// serves exactly one user.
func (a *Actor) OnConnect(conn Conn, userID string) {
	a.post(func() {
		if userID != a.userID {
			a.logger.Warn("connection rejected: user mismatch",
				"claimed", userID,
				"remote", conn.RemoteAddr(),
			)
			a.send(conn, protocol.MustFrame(protocol.TypeError, protocol.ErrorPayload{
				Message: "connection rejected",
				Details: fmt.Sprintf("this instance serves a different user than %q", userID),
			}))
			conn.Close()
			return
		}

		a.sessions[conn] = &session{connectedAt: time.Now()}
		a.logger.Info("session connected",
			"remote", conn.RemoteAddr(),
			"sessions", len(a.sessions),
		)
		a.send(conn, protocol.MustFrame(protocol.TypeConnected, protocol.Connected{UserID: a.userID}))
	})
}

// OnDisconnect removes the connection's session.
func (a *Actor) OnDisconnect(conn Conn) {
	a.post(func() {
		if _, ok := a.sessions[conn]; ok {
			delete(a.sessions, conn)
			a.logger.Info("session disconnected",
				"remote", conn.RemoteAddr(),
				"sessions", len(a.sessions),
			)
		}
	})
}

// OnMessage handles one raw frame from a connection.
func (a *Actor) OnMessage(conn Conn, raw []byte) {
	a.post(func() {
		frame, err := protocol.ParseFrame(raw)
		if err != nil {
			a.send(conn, protocol.MustFrame(protocol.TypeError, protocol.ErrorPayload{
				Message: "malformed frame",
				Details: err.Error(),
			}))
			return
		}

		if !a.ensureSession(conn) {
			return
		}

		inbound, err := protocol.Decode(frame)
		if err != nil {
			var unknown *protocol.UnknownTypeError
			msg := "invalid payload"
			if errors.As(err, &unknown) {
				msg = "unknown frame type"
			}
			// The connection stays open either way.
			a.send(conn, protocol.MustFrame(protocol.TypeError, protocol.ErrorPayload{
				Message: msg,
				Details: err.Error(),
			}))
			return
		}

		a.lastActivity = time.Now()

		switch p := inbound.(type) {
		case protocol.Chat:
			a.handleChat(p)
		case protocol.CreateTask:
			a.handleCreateTask(conn, p)
		case protocol.UpdateTask:
			a.handleUpdateTask(conn, p)
		case protocol.CompleteTask:
			a.handleCompleteTask(conn, p)
		case protocol.DeleteTask:
			a.handleDeleteTask(conn, p)
		case protocol.ListTasks:
			a.handleListTasks(conn, p)
		case protocol.ConfirmationResponse:
			if !a.broker.HandleResponse(p.RequestID, p.Approved) {
				a.logger.Debug("stale confirmation response", "request_id", p.RequestID)
			}
		case protocol.Ping:
			a.send(conn, protocol.MustFrame(protocol.TypePong, nil))
		}

		a.persistState()
	})
}

// ensureSession recovers a session for a connection that has none,
// using the user id the transport attached at upgrade time. Without
// that metadata the actor refuses to guess.
func (a *Actor) ensureSession(conn Conn) bool {
	if _, ok := a.sessions[conn]; ok {
		return true
	}

	switch conn.UserID() {
	case a.userID:
		a.sessions[conn] = &session{connectedAt: time.Now()}
		a.logger.Info("session recovered from connection metadata",
			"remote", conn.RemoteAddr(),
		)
		return true
	case "":
		a.send(conn, protocol.MustFrame(protocol.TypeError, protocol.ErrorPayload{
			Message: "session lost — reconnect",
		}))
		return false
	default:
		a.send(conn, protocol.MustFrame(protocol.TypeError, protocol.ErrorPayload{
			Message: "connection rejected",
			Details: "user mismatch",
		}))
		conn.Close()
		delete(a.sessions, conn)
		return false
	}
}

// --- Chat ---

func (a *Actor) handleChat(p protocol.Chat) {
	userMsg := store.Message{
		ID:        store.NewID(),
		UserID:    a.userID,
		Role:      "user",
		Content:   p.Content,
		CreatedAt: time.Now().UTC(),
	}
	a.appendHistory(userMsg)

	snapshot := make([]store.Message, len(a.history))
	copy(snapshot, a.history)

	// The slow phase runs off the mailbox so confirmation responses and
	// other frames keep flowing while we wait.
	go a.completeChat(snapshot, p.Content)
}

func (a *Actor) completeChat(history []store.Message, userText string) {
	ctx := a.runCtx

	messages := []llm.Message{{Role: "system", Content: a.buildSystemPrompt()}}
	if hits, err := a.searcher.Search(ctx, a.userID, userText, 5); err == nil && len(hits) > 0 {
		var ctxBlock string
		for _, h := range hits {
			ctxBlock += "- " + h + "\n"
		}
		messages = append(messages, llm.Message{
			Role:    "system",
			Content: "Possibly relevant context from earlier conversations:\n" + ctxBlock,
		})
	}
	for _, m := range history {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}

	reply, err := a.llm.Complete(ctx, messages)
	if err != nil {
		a.logger.Error("chat completion failed", "error", err)
		a.post(func() {
			a.broadcast(protocol.MustFrame(protocol.TypeError, protocol.ErrorPayload{
				Message: "assistant unavailable",
				Details: err.Error(),
			}))
		})
		return
	}

	results := a.pipe.Run(ctx, a.userID, userText, reply, a.deliverConfirmation)

	content := pipeline.StripCallBlocks(reply)
	if content == "" {
		content = "Okay."
	}

	a.post(func() {
		assistantMsg := store.Message{
			ID:        store.NewID(),
			UserID:    a.userID,
			Role:      "assistant",
			Content:   content,
			CreatedAt: time.Now().UTC(),
		}
		a.appendHistory(assistantMsg)

		a.broadcast(protocol.MustFrame(protocol.TypeChatResponse, protocol.ChatResponse{
			Content:   content,
			MessageID: assistantMsg.ID,
		}))
		for _, r := range results {
			a.broadcast(protocol.MustFrame(protocol.TypeToolExecutionResult, protocol.ToolExecutionResult{
				ToolName: r.ToolName,
				Success:  r.Success,
				Output:   r.Output,
				Error:    r.Error,
			}))
		}

		a.lastActivity = time.Now()
		a.persistState()
	})
}

// deliverConfirmation broadcasts a confirmation request from a chat
// goroutine. It round-trips through the mailbox so session state is
// only read there; an undeliverable request fails the confirmation.
func (a *Actor) deliverConfirmation(req confirm.Request) error {
	views := make([]protocol.ToolCallView, 0, len(req.Calls))
	for _, c := range req.Calls {
		views = append(views, protocol.ToolCallView{Tool: c.Name, Params: c.Params})
	}
	frame := protocol.MustFrame(protocol.TypeConfirmationRequest, protocol.ConfirmationRequest{
		RequestID:    req.ID,
		ProposedCode: req.ProposedCode,
		ToolCalls:    views,
		TimeoutSec:   int(req.Timeout.Seconds()),
	})

	errCh := make(chan error, 1)
	if !a.post(func() { errCh <- a.broadcast(frame) }) {
		return errors.New("actor stopped")
	}
	return <-errCh
}

func (a *Actor) buildSystemPrompt() string {
	toolDefs, _ := json.MarshalIndent(a.registry.List(), "", "  ")
	now := time.Now().In(a.loc)

	return fmt.Sprintf(`You are Valet, a personal assistant for one user.

The current time is %s (%s).

When the user asks you to do something actionable, emit a tool call as a
fenced block in this exact form, alongside your conversational reply:

`+"```"+`tool
{"tool": "<name>", "params": {...}}
`+"```"+`

All timestamps in tool parameters must be RFC3339 UTC. Every tool call
is shown to the user for approval before it runs, so propose calls
confidently. Available tools:

%s`, now.Format("Monday, January 2, 2006 at 15:04"), now.Location(), toolDefs)
}

// --- Task frames ---

func (a *Actor) handleCreateTask(conn Conn, p protocol.CreateTask) {
	task := &store.Task{
		ID:       store.NewID(),
		UserID:   a.userID,
		Title:    p.Title,
		Priority: store.PriorityMedium,
	}
	task.Description = p.Description
	if p.Priority != "" {
		pr := store.Priority(p.Priority)
		if !pr.Valid() {
			a.send(conn, protocol.MustFrame(protocol.TypeError, protocol.ErrorPayload{
				Message: "invalid priority",
				Details: p.Priority,
			}))
			return
		}
		task.Priority = pr
	}
	if p.DueDate != "" {
		due, err := time.Parse(time.RFC3339, p.DueDate)
		if err != nil {
			a.send(conn, protocol.MustFrame(protocol.TypeError, protocol.ErrorPayload{
				Message: "invalid due_date",
				Details: err.Error(),
			}))
			return
		}
		utc := due.UTC()
		task.DueDate = &utc
	}

	if err := a.store.CreateTask(task); err != nil {
		a.send(conn, a.storeErrorFrame("create task", err))
		return
	}
	a.maybeScheduleReminder(task)
	a.broadcast(protocol.MustFrame(protocol.TypeTaskCreated, task))
}

func (a *Actor) handleUpdateTask(conn Conn, p protocol.UpdateTask) {
	task, err := a.store.GetTask(a.userID, p.TaskID)
	if err != nil {
		a.send(conn, a.storeErrorFrame("update task", err))
		return
	}

	dueChanged := false
	if p.Title != nil {
		task.Title = *p.Title
	}
	if p.Description != nil {
		task.Description = *p.Description
	}
	if p.Priority != nil {
		pr := store.Priority(*p.Priority)
		if !pr.Valid() {
			a.send(conn, protocol.MustFrame(protocol.TypeError, protocol.ErrorPayload{
				Message: "invalid priority",
				Details: *p.Priority,
			}))
			return
		}
		task.Priority = pr
	}
	if p.DueDate != nil {
		due, err := time.Parse(time.RFC3339, *p.DueDate)
		if err != nil {
			a.send(conn, protocol.MustFrame(protocol.TypeError, protocol.ErrorPayload{
				Message: "invalid due_date",
				Details: err.Error(),
			}))
			return
		}
		utc := due.UTC()
		task.DueDate = &utc
		dueChanged = true
	}

	if err := a.store.UpdateTask(task); err != nil {
		a.send(conn, a.storeErrorFrame("update task", err))
		return
	}
	if dueChanged {
		a.maybeScheduleReminder(task)
	}
	a.broadcast(protocol.MustFrame(protocol.TypeTaskUpdated, task))
}

func (a *Actor) handleCompleteTask(conn Conn, p protocol.CompleteTask) {
	task, err := a.store.CompleteTask(a.userID, p.TaskID)
	if err != nil {
		a.send(conn, a.storeErrorFrame("complete task", err))
		return
	}
	a.broadcast(protocol.MustFrame(protocol.TypeTaskCompleted, task))
}

func (a *Actor) handleDeleteTask(conn Conn, p protocol.DeleteTask) {
	if err := a.store.DeleteTask(a.userID, p.TaskID); err != nil {
		a.send(conn, a.storeErrorFrame("delete task", err))
		return
	}
	a.broadcast(protocol.MustFrame(protocol.TypeTaskDeleted, struct {
		TaskID string `json:"task_id"`
	}{p.TaskID}))
}

func (a *Actor) handleListTasks(conn Conn, p protocol.ListTasks) {
	tasks, err := a.store.ListTasks(a.userID, store.TaskFilter{Completed: p.Completed})
	if err != nil {
		a.send(conn, a.storeErrorFrame("list tasks", err))
		return
	}
	// A query, not a mutation: answered only on the asking connection.
	a.send(conn, protocol.MustFrame(protocol.TypeTaskList, struct {
		Tasks []*store.Task `json:"tasks"`
	}{tasks}))
}

func (a *Actor) maybeScheduleReminder(task *store.Task) {
	if task.DueDate == nil || a.scheduler == nil {
		return
	}
	if err := a.scheduler.ScheduleReminder(a.runCtx, task); err != nil {
		a.logger.Warn("reminder scheduling failed", "task_id", task.ID, "error", err)
	}
}

// NotifyReminder pushes a reminder delivery to every live session.
// Called by the workflow engine's notifier; returns an error when no
// session received it so the engine can fall back to other channels.
func (a *Actor) NotifyReminder(r protocol.Reminder) error {
	frame := protocol.MustFrame(protocol.TypeReminder, r)
	errCh := make(chan error, 1)
	if !a.post(func() { errCh <- a.broadcast(frame) }) {
		return errors.New("actor stopped")
	}
	return <-errCh
}

// --- Mailbox-side helpers ---

func (a *Actor) appendHistory(m store.Message) {
	a.history = append(a.history, m)
	if len(a.history) > historyLimit {
		a.history = a.history[len(a.history)-historyLimit:]
	}
	if err := a.store.AppendMessage(&m); err != nil {
		a.logger.Warn("message persist failed", "message_id", m.ID, "error", err)
	}
}

func (a *Actor) persistState() {
	if a.lastActivity.IsZero() {
		return
	}
	if err := a.store.SaveActorState(a.userID, a.lastActivity); err != nil {
		a.logger.Warn("actor state persist failed", "error", err)
	}
}

// broadcast sends a frame to every live session, dropping sessions
// whose send fails. Returns an error when nobody received the frame.
func (a *Actor) broadcast(f protocol.Frame) error {
	delivered := 0
	for conn := range a.sessions {
		if err := conn.Send(f); err != nil {
			a.logger.Warn("send failed, dropping session",
				"remote", conn.RemoteAddr(),
				"error", err,
			)
			conn.Close()
			delete(a.sessions, conn)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return fmt.Errorf("no live session for %s", a.userID)
	}
	return nil
}

func (a *Actor) send(conn Conn, f protocol.Frame) {
	if err := conn.Send(f); err != nil {
		a.logger.Warn("send failed", "remote", conn.RemoteAddr(), "error", err)
		conn.Close()
		delete(a.sessions, conn)
	}
}

func (a *Actor) storeErrorFrame(op string, err error) protocol.Frame {
	msg := op + " failed"
	switch {
	case errors.Is(err, store.ErrTaskNotFound):
		msg = "task not found"
	case errors.Is(err, store.ErrAlreadyCompleted):
		msg = "task already completed"
	}
	return protocol.MustFrame(protocol.TypeError, protocol.ErrorPayload{
		Message: msg,
		Details: err.Error(),
	})
}
