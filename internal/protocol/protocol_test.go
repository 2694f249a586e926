package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseFrame_Malformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", "{{{"},
		{"missing type", `{"payload": {}}`},
		{"empty", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseFrame([]byte(tc.raw)); err == nil {
				t.Errorf("ParseFrame(%q) expected error, got nil", tc.raw)
			}
		})
	}
}

func TestDecode_Chat(t *testing.T) {
	f, err := ParseFrame([]byte(`{"type":"chat","payload":{"content":"hello"}}`))
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}

	in, err := Decode(f)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	chat, ok := in.(Chat)
	if !ok {
		t.Fatalf("Decode returned %T, want Chat", in)
	}
	if chat.Content != "hello" {
		t.Errorf("Content = %q, want %q", chat.Content, "hello")
	}
}

func TestDecode_ChatRequiresContent(t *testing.T) {
	f := &Frame{Type: TypeChat, Payload: json.RawMessage(`{}`)}
	if _, err := Decode(f); err == nil {
		t.Fatal("expected error for empty chat content, got nil")
	}
}

func TestDecode_UnknownType(t *testing.T) {
	f := &Frame{Type: "teleport"}
	_, err := Decode(f)

	var unknown *UnknownTypeError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownTypeError, got %v", err)
	}
	if unknown.Type != "teleport" {
		t.Errorf("Type = %q, want %q", unknown.Type, "teleport")
	}
}

func TestDecode_ConfirmationResponse(t *testing.T) {
	f := &Frame{
		Type:    TypeConfirmationResponse,
		Payload: json.RawMessage(`{"request_id":"abc","approved":true}`),
	}

	in, err := Decode(f)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	resp, ok := in.(ConfirmationResponse)
	if !ok {
		t.Fatalf("Decode returned %T, want ConfirmationResponse", in)
	}
	if !resp.Approved {
		t.Error("Approved = false, want true")
	}
	if resp.RequestID != "abc" {
		t.Errorf("RequestID = %q, want %q", resp.RequestID, "abc")
	}
}

func TestDecode_ConfirmationResponseRequiresID(t *testing.T) {
	f := &Frame{Type: TypeConfirmationResponse, Payload: json.RawMessage(`{"approved":true}`)}
	if _, err := Decode(f); err == nil {
		t.Fatal("expected error for missing request_id, got nil")
	}
}

func TestDecode_PingWithoutPayload(t *testing.T) {
	f := &Frame{Type: TypePing}
	in, err := Decode(f)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, ok := in.(Ping); !ok {
		t.Fatalf("Decode returned %T, want Ping", in)
	}
}

func TestNewFrame_RoundTrip(t *testing.T) {
	f, err := NewFrame(TypeChatResponse, ChatResponse{Content: "hi", MessageID: "m1"})
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	if f.Timestamp.IsZero() {
		t.Error("Timestamp is zero")
	}

	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}

	parsed, err := ParseFrame(data)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if parsed.Type != TypeChatResponse {
		t.Errorf("Type = %q, want %q", parsed.Type, TypeChatResponse)
	}

	var payload ChatResponse
	if err := json.Unmarshal(parsed.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Content != "hi" || payload.MessageID != "m1" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestDecode_UpdateTaskPartialFields(t *testing.T) {
	f := &Frame{
		Type:    TypeUpdateTask,
		Payload: json.RawMessage(`{"task_id":"t1","title":"new title"}`),
	}

	in, err := Decode(f)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	upd := in.(UpdateTask)
	if upd.Title == nil || *upd.Title != "new title" {
		t.Errorf("Title = %v, want %q", upd.Title, "new title")
	}
	if upd.DueDate != nil {
		t.Errorf("DueDate = %v, want nil", upd.DueDate)
	}
}
