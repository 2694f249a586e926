package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/okeefe/valet-agent/internal/actor"
	"github.com/okeefe/valet-agent/internal/confirm"
	"github.com/okeefe/valet-agent/internal/llm"
	"github.com/okeefe/valet-agent/internal/pipeline"
	"github.com/okeefe/valet-agent/internal/protocol"
	"github.com/okeefe/valet-agent/internal/store"
	"github.com/okeefe/valet-agent/internal/tools"
)

type staticLLM struct{ reply string }

func (s *staticLLM) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	return s.reply, nil
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "valet.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	registry := tools.NewRegistry(st, "drew", "", time.UTC, nil, nil, nil, nil)
	broker := confirm.NewBroker(nil)
	pipe := pipeline.New(registry, broker, time.UTC, time.Minute, nil)

	a := actor.New(actor.Config{
		UserID:   "drew",
		Store:    st,
		LLM:      &staticLLM{reply: "Hello there."},
		Pipeline: pipe,
		Broker:   broker,
		Registry: registry,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	s := NewServer("", 0, a, nil)
	ts := httptest.NewServer(http.HandlerFunc(s.handleWS))
	t.Cleanup(ts.Close)
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server, header http.Header, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + query
	c, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func readFrame(t *testing.T, c *websocket.Conn, wantType string) protocol.Frame {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f protocol.Frame
	if err := c.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if f.Type != wantType {
		t.Fatalf("frame type %q, want %q", f.Type, wantType)
	}
	return f
}

func writeFrame(t *testing.T, c *websocket.Conn, frameType string, payload any) {
	t.Helper()
	f, err := protocol.NewFrame(frameType, payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.WriteJSON(f); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestServer_ConnectViaHeader(t *testing.T) {
	_, ts := newTestServer(t)

	c := dial(t, ts, http.Header{"X-Valet-User": []string{"drew"}}, "")
	f := readFrame(t, c, protocol.TypeConnected)

	var connected protocol.Connected
	if err := json.Unmarshal(f.Payload, &connected); err != nil {
		t.Fatal(err)
	}
	if connected.UserID != "drew" {
		t.Errorf("connected user %q, want drew", connected.UserID)
	}
}

func TestServer_ConnectViaQueryParam(t *testing.T) {
	_, ts := newTestServer(t)

	c := dial(t, ts, nil, "?user=drew")
	readFrame(t, c, protocol.TypeConnected)
}

func TestServer_HeaderBeatsQueryParam(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?user=mallory", nil)
	r.Header.Set("X-Valet-User", "drew")
	if got := userFrom(r); got != "drew" {
		t.Errorf("userFrom = %q, want drew", got)
	}
}

func TestServer_RejectsWrongUser(t *testing.T) {
	_, ts := newTestServer(t)

	c := dial(t, ts, nil, "?user=mallory")
	readFrame(t, c, protocol.TypeError)

	// The actor closes the connection after the error frame.
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f protocol.Frame
	if err := c.ReadJSON(&f); err == nil {
		t.Fatalf("expected close, got frame %q", f.Type)
	}
}

func TestServer_PingPongFrame(t *testing.T) {
	_, ts := newTestServer(t)

	c := dial(t, ts, nil, "?user=drew")
	readFrame(t, c, protocol.TypeConnected)

	writeFrame(t, c, protocol.TypePing, nil)
	readFrame(t, c, protocol.TypePong)
}

func TestServer_ChatRoundTrip(t *testing.T) {
	_, ts := newTestServer(t)

	c := dial(t, ts, nil, "?user=drew")
	readFrame(t, c, protocol.TypeConnected)

	writeFrame(t, c, protocol.TypeChat, protocol.Chat{Content: "hi"})
	f := readFrame(t, c, protocol.TypeChatResponse)

	var resp protocol.ChatResponse
	if err := json.Unmarshal(f.Payload, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Content != "Hello there." {
		t.Errorf("chat response %q", resp.Content)
	}
}

func TestServer_HealthEndpoint(t *testing.T) {
	s := NewServer("", 0, nil, nil)

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "healthy" {
		t.Errorf("body = %v", body)
	}
}

func TestServer_RootEndpoint(t *testing.T) {
	s := NewServer("", 0, nil, nil)

	rec := httptest.NewRecorder()
	s.handleRoot(rec, httptest.NewRequest("GET", "/", nil))

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["name"] != "Valet" {
		t.Errorf("body = %v", body)
	}
}
