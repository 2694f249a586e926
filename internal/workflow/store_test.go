package workflow

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "workflows.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRun(id string) *Run {
	due := time.Date(2026, 2, 26, 19, 0, 0, 0, time.UTC)
	return &Run{
		ID:         id,
		TaskID:     "task-1",
		UserID:     "okeefe",
		Action:     "remind",
		DueDate:    due,
		ReminderAt: due.Add(-24 * time.Hour),
		State:      StateVerifying,
		DeliveryID: DeliveryID("task-1", id),
	}
}

func TestStore_CreateAndGetRun(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreateRun(sampleRun("run-1")); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetRun("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.TaskID != "task-1" || got.UserID != "okeefe" {
		t.Errorf("unexpected run: %+v", got)
	}
	if got.State != StateVerifying {
		t.Errorf("state = %q, want %q", got.State, StateVerifying)
	}
	if !got.DueDate.Equal(time.Date(2026, 2, 26, 19, 0, 0, 0, time.UTC)) {
		t.Errorf("due date round-trip lost precision: %v", got.DueDate)
	}
	if got.DeliveryID != "reminder-task-1-run-1" {
		t.Errorf("delivery id = %q", got.DeliveryID)
	}

	if _, err := s.GetRun("missing"); err == nil {
		t.Fatal("expected error for unknown run")
	}
}

func TestStore_SaveRunUpdatesState(t *testing.T) {
	s := newTestStore(t)

	r := sampleRun("run-1")
	if err := s.CreateRun(r); err != nil {
		t.Fatal(err)
	}

	r.State = StateWaiting
	r.Attempts = 2
	r.LastError = "smtp connect refused"
	if err := s.SaveRun(r); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetRun("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateWaiting || got.Attempts != 2 {
		t.Errorf("state=%q attempts=%d after save", got.State, got.Attempts)
	}
	if got.LastError != "smtp connect refused" {
		t.Errorf("last error = %q", got.LastError)
	}
	if !got.UpdatedAt.After(got.CreatedAt) {
		t.Error("updated_at not advanced by save")
	}
}

func TestStore_LoadActiveExcludesTerminals(t *testing.T) {
	s := newTestStore(t)

	active := sampleRun("run-active")
	if err := s.CreateRun(active); err != nil {
		t.Fatal(err)
	}
	for i, st := range []State{StateDone, StateSkipped, StateFailed} {
		r := sampleRun("run-terminal-" + string(rune('a'+i)))
		if err := s.CreateRun(r); err != nil {
			t.Fatal(err)
		}
		r.State = st
		if err := s.SaveRun(r); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := s.LoadActive()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("active runs = %d, want 1", len(runs))
	}
	if runs[0].ID != "run-active" {
		t.Errorf("loaded %q, want run-active", runs[0].ID)
	}
}

func TestStore_DeliveryLedger(t *testing.T) {
	s := newTestStore(t)

	delivered, err := s.AlreadyDelivered("reminder-task-1-run-1")
	if err != nil {
		t.Fatal(err)
	}
	if delivered {
		t.Fatal("fresh ledger should be empty")
	}

	if err := s.MarkDelivered("reminder-task-1-run-1"); err != nil {
		t.Fatal(err)
	}
	// Marking twice is a no-op, not an error.
	if err := s.MarkDelivered("reminder-task-1-run-1"); err != nil {
		t.Fatal(err)
	}

	delivered, err = s.AlreadyDelivered("reminder-task-1-run-1")
	if err != nil {
		t.Fatal(err)
	}
	if !delivered {
		t.Fatal("delivery not visible after mark")
	}

	delivered, err = s.AlreadyDelivered("reminder-task-2-run-9")
	if err != nil {
		t.Fatal(err)
	}
	if delivered {
		t.Fatal("other delivery ids must stay unaffected")
	}
}

func TestState_Terminal(t *testing.T) {
	for _, st := range []State{StateVerifying, StateWaiting, StateRechecking, StateSending} {
		if st.Terminal() {
			t.Errorf("%q should not be terminal", st)
		}
	}
	for _, st := range []State{StateDone, StateSkipped, StateFailed} {
		if !st.Terminal() {
			t.Errorf("%q should be terminal", st)
		}
	}
}
