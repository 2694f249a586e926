// Package tools defines the tools the LLM may propose and the registry
// that validates and executes them.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/okeefe/valet-agent/internal/calendar"
	"github.com/okeefe/valet-agent/internal/mailer"
	"github.com/okeefe/valet-agent/internal/store"
	"github.com/okeefe/valet-agent/internal/weather"
)

// Tool represents a callable tool.
type Tool struct {
	Name        string                                                         `json:"name"`
	Description string                                                         `json:"description"`
	Parameters  map[string]any                                                 `json:"parameters"`
	Handler     func(ctx context.Context, args map[string]any) (string, error) `json:"-"`
}

// ReminderScheduler starts a reminder run for a task with a due date.
// The concrete engine is wired in main.go to avoid coupling this
// package to the workflow package.
type ReminderScheduler interface {
	ScheduleReminder(ctx context.Context, task *store.Task) error
}

// Registry holds available tools and the collaborators their handlers
// act through. One registry serves the instance's single user.
type Registry struct {
	tools     map[string]*Tool
	store     *store.Store
	userID    string
	userEmail string
	loc       *time.Location
	weather   *weather.Client
	calendar  *calendar.Client
	mailer    *mailer.Mailer
	scheduler ReminderScheduler
	logger    *slog.Logger
}

// NewRegistry creates a tool registry. weather, cal, and mail may be
// nil; the corresponding tools then report themselves unconfigured at
// execution time.
func NewRegistry(st *store.Store, userID, userEmail string, loc *time.Location, w *weather.Client, cal *calendar.Client, mail *mailer.Mailer, logger *slog.Logger) *Registry {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tools:     make(map[string]*Tool),
		store:     st,
		userID:    userID,
		userEmail: userEmail,
		loc:       loc,
		weather:   w,
		calendar:  cal,
		mailer:    mail,
		logger:    logger,
	}
	r.registerBuiltins()
	return r
}

// SetReminderScheduler wires the workflow engine in after construction.
func (r *Registry) SetReminderScheduler(s ReminderScheduler) {
	r.scheduler = s
}

func (r *Registry) registerBuiltins() {
	r.Register(&Tool{
		Name:        "create_task",
		Description: "Create a task or reminder for the user. Use for anything the user wants to remember or be reminded about.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{
					"type":        "string",
					"description": "Short task title",
				},
				"description": map[string]any{
					"type":        "string",
					"description": "Optional longer detail",
				},
				"due_date": map[string]any{
					"type":        "string",
					"description": "Optional due date as RFC3339 UTC timestamp",
				},
				"priority": map[string]any{
					"type":        "string",
					"description": "low, medium, or high (default medium)",
				},
			},
			"required": []string{"title"},
		},
		Handler: r.handleCreateTask,
	})

	r.Register(&Tool{
		Name:        "update_task",
		Description: "Update an existing task's title, description, due date, or priority.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{
					"type":        "string",
					"description": "The task ID to update",
				},
				"title":       map[string]any{"type": "string"},
				"description": map[string]any{"type": "string"},
				"due_date": map[string]any{
					"type":        "string",
					"description": "New due date as RFC3339 UTC timestamp",
				},
				"priority": map[string]any{"type": "string"},
			},
			"required": []string{"task_id"},
		},
		Handler: r.handleUpdateTask,
	})

	r.Register(&Tool{
		Name:        "complete_task",
		Description: "Mark a task as completed.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{"type": "string"},
			},
			"required": []string{"task_id"},
		},
		Handler: r.handleCompleteTask,
	})

	r.Register(&Tool{
		Name:        "delete_task",
		Description: "Delete a task permanently.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{"type": "string"},
			},
			"required": []string{"task_id"},
		},
		Handler: r.handleDeleteTask,
	})

	r.Register(&Tool{
		Name:        "list_tasks",
		Description: "List the user's tasks, optionally filtered by completion state.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"completed": map[string]any{
					"type":        "boolean",
					"description": "true = only completed, false = only open; omit for all",
				},
			},
		},
		Handler: r.handleListTasks,
	})

	r.Register(&Tool{
		Name:        "create_event",
		Description: "Create a calendar event. Requires a start and end time.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title": map[string]any{"type": "string"},
				"description": map[string]any{
					"type":        "string",
					"description": "Optional event detail",
				},
				"start_time": map[string]any{
					"type":        "string",
					"description": "Event start as RFC3339 UTC timestamp",
				},
				"end_time": map[string]any{
					"type":        "string",
					"description": "Event end as RFC3339 UTC timestamp",
				},
			},
			"required": []string{"title", "start_time", "end_time"},
		},
		Handler: r.handleCreateEvent,
	})

	r.Register(&Tool{
		Name:        "send_email",
		Description: "Send an email. Body is markdown. Omit 'to' to send to the user's own address.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"to": map[string]any{
					"type":        "string",
					"description": "Recipient address (default: the user)",
				},
				"subject": map[string]any{"type": "string"},
				"body":    map[string]any{"type": "string"},
			},
			"required": []string{"subject", "body"},
		},
		Handler: r.handleSendEmail,
	})

	r.Register(&Tool{
		Name:        "get_weather",
		Description: "Get current weather conditions at the user's location.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: r.handleGetWeather,
	})
}

// Register adds a tool to the registry.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// List returns all tool definitions in OpenAI function-call shape,
// suitable for embedding in the system prompt.
func (r *Registry) List() []map[string]any {
	var result []map[string]any
	for _, t := range r.tools {
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Validate checks params against the tool's parameter schema: the tool
// must exist, every required field must be present, and fields present
// must match their declared primitive type. Unknown extra fields pass;
// the handlers ignore them.
func (r *Registry) Validate(name string, params map[string]any) error {
	tool := r.tools[name]
	if tool == nil {
		return fmt.Errorf("unknown tool: %s", name)
	}

	required, _ := tool.Parameters["required"].([]string)
	for _, field := range required {
		if _, ok := params[field]; !ok {
			return fmt.Errorf("%s: missing required parameter %q", name, field)
		}
	}

	properties, _ := tool.Parameters["properties"].(map[string]any)
	for field, val := range params {
		prop, ok := properties[field].(map[string]any)
		if !ok {
			continue
		}
		declared, _ := prop["type"].(string)
		if declared == "" || val == nil {
			continue
		}
		if err := checkType(declared, val); err != nil {
			return fmt.Errorf("%s: parameter %q: %w", name, field, err)
		}
	}

	return nil
}

// checkType verifies a decoded JSON value against a schema type name.
// Numbers arrive as float64 from encoding/json.
func checkType(declared string, val any) error {
	switch declared {
	case "string":
		if _, ok := val.(string); !ok {
			return fmt.Errorf("want string, got %T", val)
		}
	case "boolean":
		if _, ok := val.(bool); !ok {
			return fmt.Errorf("want boolean, got %T", val)
		}
	case "number", "integer":
		switch val.(type) {
		case float64, int:
		default:
			return fmt.Errorf("want %s, got %T", declared, val)
		}
	case "object":
		if _, ok := val.(map[string]any); !ok {
			return fmt.Errorf("want object, got %T", val)
		}
	case "array":
		if _, ok := val.([]any); !ok {
			return fmt.Errorf("want array, got %T", val)
		}
	}
	return nil
}

// Execute runs a tool by name. The caller is responsible for having
// validated and confirmed the call first.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) (string, error) {
	tool := r.tools[name]
	if tool == nil {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	return tool.Handler(ctx, params)
}

// Tool handlers

func (r *Registry) handleCreateTask(ctx context.Context, args map[string]any) (string, error) {
	title, _ := args["title"].(string)
	if title == "" {
		return "", fmt.Errorf("title is required")
	}

	task := &store.Task{
		ID:       store.NewID(),
		UserID:   r.userID,
		Title:    title,
		Priority: store.PriorityMedium,
	}
	if desc, ok := args["description"].(string); ok {
		task.Description = desc
	}
	if p, ok := args["priority"].(string); ok && p != "" {
		pr := store.Priority(strings.ToLower(p))
		if !pr.Valid() {
			return "", fmt.Errorf("invalid priority %q (want low, medium, or high)", p)
		}
		task.Priority = pr
	}
	if due, ok := args["due_date"].(string); ok && due != "" {
		t, err := time.Parse(time.RFC3339, due)
		if err != nil {
			return "", fmt.Errorf("invalid due_date %q: %w", due, err)
		}
		utc := t.UTC()
		task.DueDate = &utc
	}

	if err := r.store.CreateTask(task); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}

	if task.DueDate != nil && r.scheduler != nil {
		if err := r.scheduler.ScheduleReminder(ctx, task); err != nil {
			r.logger.Warn("reminder scheduling failed", "task_id", task.ID, "error", err)
		}
	}

	if task.DueDate != nil {
		return fmt.Sprintf("Task %q created (ID: %s), due %s.", task.Title, task.ID, r.formatTime(*task.DueDate)), nil
	}
	return fmt.Sprintf("Task %q created (ID: %s).", task.Title, task.ID), nil
}

func (r *Registry) handleUpdateTask(ctx context.Context, args map[string]any) (string, error) {
	taskID, _ := args["task_id"].(string)
	if taskID == "" {
		return "", fmt.Errorf("task_id is required")
	}

	task, err := r.store.GetTask(r.userID, taskID)
	if err != nil {
		return "", err
	}

	dueChanged := false
	if title, ok := args["title"].(string); ok && title != "" {
		task.Title = title
	}
	if desc, ok := args["description"].(string); ok {
		task.Description = desc
	}
	if p, ok := args["priority"].(string); ok && p != "" {
		pr := store.Priority(strings.ToLower(p))
		if !pr.Valid() {
			return "", fmt.Errorf("invalid priority %q (want low, medium, or high)", p)
		}
		task.Priority = pr
	}
	if due, ok := args["due_date"].(string); ok && due != "" {
		t, err := time.Parse(time.RFC3339, due)
		if err != nil {
			return "", fmt.Errorf("invalid due_date %q: %w", due, err)
		}
		utc := t.UTC()
		task.DueDate = &utc
		dueChanged = true
	}

	if err := r.store.UpdateTask(task); err != nil {
		return "", fmt.Errorf("update task: %w", err)
	}

	if dueChanged && r.scheduler != nil {
		if err := r.scheduler.ScheduleReminder(ctx, task); err != nil {
			r.logger.Warn("reminder scheduling failed", "task_id", task.ID, "error", err)
		}
	}

	return fmt.Sprintf("Task %q updated.", task.Title), nil
}

func (r *Registry) handleCompleteTask(ctx context.Context, args map[string]any) (string, error) {
	taskID, _ := args["task_id"].(string)
	if taskID == "" {
		return "", fmt.Errorf("task_id is required")
	}

	task, err := r.store.CompleteTask(r.userID, taskID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Task %q completed.", task.Title), nil
}

func (r *Registry) handleDeleteTask(ctx context.Context, args map[string]any) (string, error) {
	taskID, _ := args["task_id"].(string)
	if taskID == "" {
		return "", fmt.Errorf("task_id is required")
	}

	task, err := r.store.GetTask(r.userID, taskID)
	if err != nil {
		return "", err
	}
	if err := r.store.DeleteTask(r.userID, taskID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Task %q deleted.", task.Title), nil
}

func (r *Registry) handleListTasks(ctx context.Context, args map[string]any) (string, error) {
	var filter store.TaskFilter
	if completed, ok := args["completed"].(bool); ok {
		filter.Completed = &completed
	}

	tasks, err := r.store.ListTasks(r.userID, filter)
	if err != nil {
		return "", fmt.Errorf("list tasks: %w", err)
	}
	if len(tasks) == 0 {
		return "No tasks found.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d task(s):\n", len(tasks))
	for _, t := range tasks {
		status := "open"
		if t.Completed {
			status = "done"
		}
		fmt.Fprintf(&b, "- %s (%s, %s, %s)", t.Title, t.ID[:8], t.Priority, status)
		if t.DueDate != nil {
			fmt.Fprintf(&b, ", due %s", r.formatTime(*t.DueDate))
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

func (r *Registry) handleCreateEvent(ctx context.Context, args map[string]any) (string, error) {
	if r.calendar == nil || !r.calendar.Configured() {
		return "", fmt.Errorf("calendar not configured")
	}

	title, _ := args["title"].(string)
	startStr, _ := args["start_time"].(string)
	endStr, _ := args["end_time"].(string)
	if title == "" || startStr == "" || endStr == "" {
		return "", fmt.Errorf("title, start_time, and end_time are required")
	}

	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return "", fmt.Errorf("invalid start_time %q: %w", startStr, err)
	}
	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		return "", fmt.Errorf("invalid end_time %q: %w", endStr, err)
	}

	ev := calendar.Event{Title: title, Start: start.UTC(), End: end.UTC()}
	if desc, ok := args["description"].(string); ok {
		ev.Description = desc
	}

	created, err := r.calendar.CreateEvent(ctx, ev)
	if err != nil {
		return "", err
	}

	result := fmt.Sprintf("Event %q created for %s (ID: %s).", title, r.formatTime(start), created.ID)
	if created.HTMLLink != "" {
		result += " " + created.HTMLLink
	}
	return result, nil
}

func (r *Registry) handleSendEmail(ctx context.Context, args map[string]any) (string, error) {
	if r.mailer == nil {
		return "", fmt.Errorf("email not configured")
	}

	subject, _ := args["subject"].(string)
	body, _ := args["body"].(string)
	if subject == "" || body == "" {
		return "", fmt.Errorf("subject and body are required")
	}

	to, _ := args["to"].(string)
	if to == "" {
		to = r.userEmail
	}
	if to == "" {
		return "", fmt.Errorf("no recipient and no user email configured")
	}

	if err := r.mailer.Send(ctx, mailer.ComposeOptions{
		To:      []string{to},
		Subject: subject,
		Body:    body,
	}); err != nil {
		return "", fmt.Errorf("send email: %w", err)
	}
	return fmt.Sprintf("Email sent to %s.", to), nil
}

func (r *Registry) handleGetWeather(ctx context.Context, args map[string]any) (string, error) {
	if r.weather == nil {
		return "", fmt.Errorf("weather not configured")
	}

	obs, err := r.weather.Current(ctx)
	if err != nil {
		return "", err
	}
	return "Current conditions: " + obs.Describe(), nil
}

func (r *Registry) formatTime(t time.Time) string {
	return t.In(r.loc).Format("Mon Jan 2 15:04 MST")
}
