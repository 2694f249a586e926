// Package protocol defines the WebSocket wire protocol between Valet and
// its clients. Every frame is a JSON envelope {type, payload, timestamp};
// inbound payloads decode to typed variants so handlers dispatch with a
// type switch instead of re-parsing maps.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame is the wire envelope for every message in both directions.
type Frame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Inbound frame types.
const (
	TypeChat                 = "chat"
	TypeCreateTask           = "create_task"
	TypeUpdateTask           = "update_task"
	TypeCompleteTask         = "complete_task"
	TypeDeleteTask           = "delete_task"
	TypeListTasks            = "list_tasks"
	TypeConfirmationResponse = "confirmation_response"
	TypePing                 = "ping"
)

// Outbound frame types.
const (
	TypeConnected           = "connected"
	TypeChatResponse        = "chat_response"
	TypeConfirmationRequest = "confirmation_request"
	TypeToolExecutionResult = "tool_execution_result"
	TypeTaskCreated         = "task_created"
	TypeTaskUpdated         = "task_updated"
	TypeTaskCompleted       = "task_completed"
	TypeTaskDeleted         = "task_deleted"
	TypeTaskList            = "task_list"
	TypeReminder            = "reminder"
	TypeError               = "error"
	TypePong                = "pong"
)

// Inbound is the sum of all client-originated payloads. Handlers switch
// on the concrete type; UnknownError covers frames that fail decoding.
type Inbound interface {
	inbound()
}

// Chat is a free-text user message.
type Chat struct {
	Content string `json:"content"`
}

// CreateTask requests task creation.
type CreateTask struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	DueDate     string `json:"due_date,omitempty"` // RFC3339
	Priority    string `json:"priority,omitempty"`
}

// UpdateTask requests a partial task update.
type UpdateTask struct {
	TaskID      string  `json:"task_id"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	DueDate     *string `json:"due_date,omitempty"`
	Priority    *string `json:"priority,omitempty"`
}

// CompleteTask marks a task done.
type CompleteTask struct {
	TaskID string `json:"task_id"`
}

// DeleteTask removes a task.
type DeleteTask struct {
	TaskID string `json:"task_id"`
}

// ListTasks requests the task list, optionally filtered.
type ListTasks struct {
	Completed *bool `json:"completed,omitempty"`
}

// ConfirmationResponse answers a pending confirmation request.
type ConfirmationResponse struct {
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
}

// Ping is a keepalive probe; the server answers with pong.
type Ping struct{}

func (Chat) inbound()                 {}
func (CreateTask) inbound()           {}
func (UpdateTask) inbound()           {}
func (CompleteTask) inbound()         {}
func (DeleteTask) inbound()           {}
func (ListTasks) inbound()            {}
func (ConfirmationResponse) inbound() {}
func (Ping) inbound()                 {}

// UnknownTypeError reports a frame type with no decoder. The connection
// stays open; the caller replies with an error frame.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown frame type %q", e.Type)
}

// ParseFrame decodes the raw envelope without touching the payload.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("malformed frame: missing type")
	}
	return &f, nil
}

// Decode parses a frame's payload into its typed inbound variant.
func Decode(f *Frame) (Inbound, error) {
	payload := f.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	switch f.Type {
	case TypeChat:
		var p Chat
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decode chat payload: %w", err)
		}
		if p.Content == "" {
			return nil, fmt.Errorf("chat payload: content is required")
		}
		return p, nil

	case TypeCreateTask:
		var p CreateTask
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decode create_task payload: %w", err)
		}
		if p.Title == "" {
			return nil, fmt.Errorf("create_task payload: title is required")
		}
		return p, nil

	case TypeUpdateTask:
		var p UpdateTask
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decode update_task payload: %w", err)
		}
		if p.TaskID == "" {
			return nil, fmt.Errorf("update_task payload: task_id is required")
		}
		return p, nil

	case TypeCompleteTask:
		var p CompleteTask
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decode complete_task payload: %w", err)
		}
		if p.TaskID == "" {
			return nil, fmt.Errorf("complete_task payload: task_id is required")
		}
		return p, nil

	case TypeDeleteTask:
		var p DeleteTask
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decode delete_task payload: %w", err)
		}
		if p.TaskID == "" {
			return nil, fmt.Errorf("delete_task payload: task_id is required")
		}
		return p, nil

	case TypeListTasks:
		var p ListTasks
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decode list_tasks payload: %w", err)
		}
		return p, nil

	case TypeConfirmationResponse:
		var p ConfirmationResponse
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decode confirmation_response payload: %w", err)
		}
		if p.RequestID == "" {
			return nil, fmt.Errorf("confirmation_response payload: request_id is required")
		}
		return p, nil

	case TypePing:
		return Ping{}, nil

	default:
		return nil, &UnknownTypeError{Type: f.Type}
	}
}

// NewFrame builds an outbound frame, marshaling payload to JSON.
// A nil payload produces an envelope with no payload field.
func NewFrame(frameType string, payload any) (Frame, error) {
	f := Frame{
		Type:      frameType,
		Timestamp: time.Now().UTC(),
	}
	if payload == nil {
		return f, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", frameType, err)
	}
	f.Payload = raw
	return f, nil
}

// MustFrame is NewFrame for payloads that cannot fail to marshal
// (struct literals with plain field types). Panics otherwise.
func MustFrame(frameType string, payload any) Frame {
	f, err := NewFrame(frameType, payload)
	if err != nil {
		panic(err)
	}
	return f
}

// Outbound payload shapes.

// Connected acknowledges a successful connection.
type Connected struct {
	UserID string `json:"user_id"`
}

// ChatResponse carries the assistant's reply.
type ChatResponse struct {
	Content   string `json:"content"`
	MessageID string `json:"message_id"`
}

// ToolCallView is the client-facing summary of a proposed tool call.
type ToolCallView struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
}

// ConfirmationRequest asks the user to approve or reject proposed calls.
type ConfirmationRequest struct {
	RequestID    string         `json:"request_id"`
	ProposedCode string         `json:"proposed_code,omitempty"`
	ToolCalls    []ToolCallView `json:"tool_calls"`
	TimeoutSec   int            `json:"timeout"`
}

// ToolExecutionResult reports the outcome of one tool call.
type ToolExecutionResult struct {
	ToolName string `json:"tool_name"`
	Success  bool   `json:"success"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Reminder is pushed when a reminder workflow delivers.
type Reminder struct {
	DeliveryID string    `json:"delivery_id"`
	TaskID     string    `json:"task_id"`
	Title      string    `json:"title"`
	DueDate    time.Time `json:"due_date"`
}

// ErrorPayload reports a handler failure. The connection stays open
// unless Details says otherwise.
type ErrorPayload struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}
