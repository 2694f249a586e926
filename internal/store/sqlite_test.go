package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "valet_test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetTask(t *testing.T) {
	s := newTestStore(t)

	due := time.Now().Add(48 * time.Hour).Truncate(time.Second)
	want := &Task{
		UserID:   "drew",
		Title:    "call Sam",
		DueDate:  &due,
		Priority: PriorityHigh,
	}
	if err := s.CreateTask(want); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if want.ID == "" {
		t.Fatal("CreateTask did not assign an ID")
	}

	got, err := s.GetTask("drew", want.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Title != "call Sam" {
		t.Errorf("Title = %q, want %q", got.Title, "call Sam")
	}
	if got.Priority != PriorityHigh {
		t.Errorf("Priority = %q, want %q", got.Priority, PriorityHigh)
	}
	if got.DueDate == nil || !got.DueDate.Equal(due) {
		t.Errorf("DueDate = %v, want %v", got.DueDate, due)
	}
	if got.Completed {
		t.Error("new task should not be completed")
	}
}

func TestGetTask_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetTask("drew", "missing")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("GetTask error = %v, want ErrTaskNotFound", err)
	}
}

func TestGetTask_ScopedToUser(t *testing.T) {
	s := newTestStore(t)

	task := &Task{UserID: "drew", Title: "private"}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if _, err := s.GetTask("mallory", task.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("cross-user GetTask error = %v, want ErrTaskNotFound", err)
	}
}

func TestCompleteTask(t *testing.T) {
	s := newTestStore(t)

	task := &Task{UserID: "drew", Title: "water plants"}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	done, err := s.CompleteTask("drew", task.ID)
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if !done.Completed || done.CompletedAt == nil {
		t.Errorf("task not marked completed: %+v", done)
	}

	// Completing twice is a business-logic error, not a retryable one.
	if _, err := s.CompleteTask("drew", task.ID); !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("second CompleteTask error = %v, want ErrAlreadyCompleted", err)
	}
}

func TestListTasks_Filter(t *testing.T) {
	s := newTestStore(t)

	open := &Task{UserID: "drew", Title: "open"}
	closed := &Task{UserID: "drew", Title: "closed"}
	for _, task := range []*Task{open, closed} {
		if err := s.CreateTask(task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}
	if _, err := s.CompleteTask("drew", closed.ID); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	f := false
	tasks, err := s.ListTasks("drew", TaskFilter{Completed: &f})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != open.ID {
		t.Errorf("ListTasks(completed=false) = %d tasks, want only %q", len(tasks), open.Title)
	}
}

func TestUpdateTask_NotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateTask(&Task{ID: "missing", UserID: "drew", Title: "x", Priority: PriorityLow})
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("UpdateTask error = %v, want ErrTaskNotFound", err)
	}
}

func TestDeleteTask(t *testing.T) {
	s := newTestStore(t)

	task := &Task{UserID: "drew", Title: "temp"}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.DeleteTask("drew", task.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if err := s.DeleteTask("drew", task.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("second DeleteTask error = %v, want ErrTaskNotFound", err)
	}
}

func TestMessages_ChronologicalOrder(t *testing.T) {
	s := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	for i, content := range []string{"first", "second", "third"} {
		m := &Message{
			UserID:    "drew",
			Role:      "user",
			Content:   content,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.AppendMessage(m); err != nil {
			t.Fatalf("AppendMessage(%q): %v", content, err)
		}
	}

	msgs, err := s.LoadRecentMessages("drew", 10)
	if err != nil {
		t.Fatalf("LoadRecentMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i, want := range []string{"first", "second", "third"} {
		if msgs[i].Content != want {
			t.Errorf("msgs[%d].Content = %q, want %q", i, msgs[i].Content, want)
		}
	}
}

func TestMessages_LimitKeepsNewest(t *testing.T) {
	s := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		m := &Message{
			UserID:    "drew",
			Role:      "user",
			Content:   string(rune('a' + i)),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.AppendMessage(m); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	msgs, err := s.LoadRecentMessages("drew", 2)
	if err != nil {
		t.Fatalf("LoadRecentMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Content != "d" || msgs[1].Content != "e" {
		t.Errorf("window = [%q, %q], want newest two in order", msgs[0].Content, msgs[1].Content)
	}
}

func TestMessages_MetadataRoundTrip(t *testing.T) {
	s := newTestStore(t)

	m := &Message{
		UserID:   "drew",
		Role:     "assistant",
		Content:  "done",
		Metadata: map[string]any{"tool": "create_task"},
	}
	if err := s.AppendMessage(m); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	msgs, err := s.LoadRecentMessages("drew", 1)
	if err != nil {
		t.Fatalf("LoadRecentMessages: %v", err)
	}
	if got := msgs[0].Metadata["tool"]; got != "create_task" {
		t.Errorf("Metadata[tool] = %v, want create_task", got)
	}
}

func TestActorState_RoundTrip(t *testing.T) {
	s := newTestStore(t)

	// No snapshot yet.
	got, err := s.LoadActorState("drew")
	if err != nil {
		t.Fatalf("LoadActorState: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("expected zero time before first save, got %v", got)
	}

	first := time.Now().Add(-10 * time.Minute).Truncate(time.Millisecond)
	if err := s.SaveActorState("drew", first); err != nil {
		t.Fatalf("SaveActorState: %v", err)
	}

	second := time.Now().Truncate(time.Millisecond)
	if err := s.SaveActorState("drew", second); err != nil {
		t.Fatalf("SaveActorState (upsert): %v", err)
	}

	got, err = s.LoadActorState("drew")
	if err != nil {
		t.Fatalf("LoadActorState: %v", err)
	}
	if !got.Equal(second) {
		t.Errorf("LoadActorState = %v, want %v", got, second)
	}
}
