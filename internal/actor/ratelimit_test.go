package actor

import (
	"testing"
	"time"
)

func TestRateLimiter_FixedWindow(t *testing.T) {
	l := NewRateLimiter(map[string]int{"weather": 2})
	base := time.Date(2026, 2, 25, 10, 0, 30, 0, time.UTC)
	l.now = func() time.Time { return base }

	if err := l.Allow("weather"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if err := l.Allow("weather"); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if err := l.Allow("weather"); err == nil {
		t.Fatal("third call in window should be rejected")
	}

	// 10:01 is a fresh window.
	base = base.Add(time.Minute)
	if err := l.Allow("weather"); err != nil {
		t.Fatalf("call in new window: %v", err)
	}
}

func TestRateLimiter_PerIntegrationCounters(t *testing.T) {
	l := NewRateLimiter(map[string]int{"weather": 1, "email": 1})

	if err := l.Allow("weather"); err != nil {
		t.Fatal(err)
	}
	// Exhausting weather does not touch email.
	if err := l.Allow("email"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("weather"); err == nil {
		t.Fatal("weather window should be exhausted")
	}
}

func TestRateLimiter_DefaultLimit(t *testing.T) {
	l := NewRateLimiter(nil)
	for i := 0; i < defaultPerMinute; i++ {
		if err := l.Allow("calendar"); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if err := l.Allow("calendar"); err == nil {
		t.Fatal("default limit not enforced")
	}
}

func TestRateLimiter_UnlimitedIntegrations(t *testing.T) {
	l := NewRateLimiter(map[string]int{})
	for i := 0; i < 100; i++ {
		if err := l.Allow(""); err != nil {
			t.Fatal(err)
		}
	}
}

func TestIntegrationFor(t *testing.T) {
	cases := map[string]string{
		"get_weather":   "weather",
		"send_email":    "email",
		"create_event":  "calendar",
		"create_task":   "",
		"complete_task": "",
	}
	for tool, want := range cases {
		if got := IntegrationFor(tool); got != want {
			t.Errorf("IntegrationFor(%q) = %q, want %q", tool, got, want)
		}
	}
}

func TestHook(t *testing.T) {
	l := NewRateLimiter(map[string]int{"weather": 1})
	hook := l.Hook()

	if err := hook("get_weather"); err != nil {
		t.Fatal(err)
	}
	if err := hook("get_weather"); err == nil {
		t.Fatal("hook should enforce the limit")
	}
	// Task tools bypass limiting entirely.
	for i := 0; i < 50; i++ {
		if err := hook("create_task"); err != nil {
			t.Fatal(err)
		}
	}
}
