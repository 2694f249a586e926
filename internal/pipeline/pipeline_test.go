package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/okeefe/valet-agent/internal/confirm"
	"github.com/okeefe/valet-agent/internal/store"
	"github.com/okeefe/valet-agent/internal/tools"
)

func TestExtract(t *testing.T) {
	text := "Sure, I'll set that up.\n" +
		"```tool\n{\"tool\": \"create_task\", \"params\": {\"title\": \"call Sam\"}}\n```\n" +
		"Anything else?"

	calls := Extract(text)
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1: %+v", len(calls), calls)
	}
	if calls[0].Tool != "create_task" {
		t.Errorf("Tool = %q", calls[0].Tool)
	}
	if calls[0].Params["title"] != "call Sam" {
		t.Errorf("Params = %+v", calls[0].Params)
	}
}

func TestExtract_JSONTaggedBlock(t *testing.T) {
	text := "```json\n{\"tool\": \"get_weather\", \"params\": {}}\n```"
	calls := Extract(text)
	if len(calls) != 1 || calls[0].Tool != "get_weather" {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestExtract_DiscardsMalformed(t *testing.T) {
	// One valid block, one truncated without a closing fence, one that
	// is not JSON, one json block without a tool field.
	text := "```tool\n{\"tool\": \"create_task\", \"params\": {\"title\": \"x\"}}\n```\n" +
		"```json\n{\"weather\": \"nice\"}\n```\n" +
		"```tool\nnot json at all\n```\n" +
		"```tool\n{\"tool\": \"delete_task\", \"params\": {\"task_id\""

	calls := Extract(text)
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want exactly 1: %+v", len(calls), calls)
	}
	if calls[0].Tool != "create_task" {
		t.Errorf("Tool = %q", calls[0].Tool)
	}
}

func TestExtract_OversizedInput(t *testing.T) {
	big := strings.Repeat("x", maxInputBytes+1)
	if calls := Extract(big); calls != nil {
		t.Errorf("got %d calls from oversized input, want none", len(calls))
	}
}

func TestExtract_NoBlocks(t *testing.T) {
	if calls := Extract("just a friendly reply"); calls != nil {
		t.Errorf("calls = %+v, want nil", calls)
	}
}

func TestStripCallBlocks(t *testing.T) {
	text := "Done!\n```tool\n{\"tool\": \"x\", \"params\": {}}\n```\nLet me know."
	got := StripCallBlocks(text)
	if strings.Contains(got, "```") {
		t.Errorf("fences survived: %q", got)
	}
	if !strings.Contains(got, "Done!") || !strings.Contains(got, "Let me know.") {
		t.Errorf("prose lost: %q", got)
	}
}

func newTestPipeline(t *testing.T) (*Pipeline, *confirm.Broker) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "valet.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	registry := tools.NewRegistry(st, "drew", "drew@example.com", time.UTC, nil, nil, nil, nil)
	broker := confirm.NewBroker(nil)
	return New(registry, broker, time.UTC, time.Minute, nil), broker
}

// autoRespond approves or rejects every confirmation request as it
// arrives, and records how many requests were seen.
func autoRespond(broker *confirm.Broker, approve bool, seen *int) confirm.NotifyFunc {
	return func(req confirm.Request) error {
		*seen++
		go broker.HandleResponse(req.ID, approve)
		return nil
	}
}

func TestRun_ApprovedBatchExecutes(t *testing.T) {
	p, broker := newTestPipeline(t)

	llmResponse := "On it.\n" +
		"```tool\n{\"tool\": \"create_task\", \"params\": {\"title\": \"call Sam\"}}\n```\n" +
		"```tool\n{\"tool\": \"list_tasks\", \"params\": {}}\n```"

	var requests int
	results := p.Run(context.Background(), "drew", "add a task to call Sam", llmResponse,
		autoRespond(broker, true, &requests))

	if requests != 1 {
		t.Errorf("confirmation requests = %d, want 1 for the whole batch", requests)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2: %+v", len(results), results)
	}
	for i, r := range results {
		if !r.Success {
			t.Errorf("results[%d] = %+v, want success", i, r)
		}
	}
	if !strings.Contains(results[1].Output, "call Sam") {
		t.Errorf("list output = %q", results[1].Output)
	}
}

func TestRun_RejectionExecutesNothing(t *testing.T) {
	p, broker := newTestPipeline(t)

	llmResponse := "```tool\n{\"tool\": \"create_task\", \"params\": {\"title\": \"call Sam\"}}\n```"
	var requests int
	results := p.Run(context.Background(), "drew", "add a task", llmResponse,
		autoRespond(broker, false, &requests))

	if len(results) != 1 {
		t.Fatalf("got %d results: %+v", len(results), results)
	}
	if results[0].Success || results[0].Error != "rejected or timed out" {
		t.Errorf("result = %+v", results[0])
	}

	// Nothing was created.
	listed := p.Run(context.Background(), "drew", "",
		"```tool\n{\"tool\": \"list_tasks\", \"params\": {}}\n```",
		autoRespond(broker, true, &requests))
	if !strings.Contains(listed[0].Output, "No tasks") {
		t.Errorf("rejected call still executed: %q", listed[0].Output)
	}
}

func TestRun_InvalidCallNotConfirmed(t *testing.T) {
	p, broker := newTestPipeline(t)

	// Only invalid calls: the confirmation handshake never starts.
	llmResponse := "```tool\n{\"tool\": \"launch_rocket\", \"params\": {}}\n```"
	var requests int
	results := p.Run(context.Background(), "drew", "", llmResponse,
		autoRespond(broker, true, &requests))

	if requests != 0 {
		t.Errorf("confirmation requests = %d, want 0", requests)
	}
	if len(results) != 1 || results[0].Success {
		t.Fatalf("results = %+v", results)
	}
	if !strings.Contains(results[0].Error, "unknown tool") {
		t.Errorf("Error = %q", results[0].Error)
	}
}

func TestRun_MixedValidity(t *testing.T) {
	p, broker := newTestPipeline(t)

	llmResponse := "```tool\n{\"tool\": \"create_task\", \"params\": {}}\n```\n" +
		"```tool\n{\"tool\": \"create_task\", \"params\": {\"title\": \"valid one\"}}\n```"

	var requests int
	results := p.Run(context.Background(), "drew", "", llmResponse,
		autoRespond(broker, true, &requests))

	if requests != 1 {
		t.Errorf("confirmation requests = %d, want 1", requests)
	}
	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Success {
		t.Error("schema-invalid call executed")
	}
	if !results[1].Success {
		t.Errorf("valid call failed: %+v", results[1])
	}
}

func TestRun_DateCorrectionBeforeConfirmation(t *testing.T) {
	p, broker := newTestPipeline(t)
	loc := time.FixedZone("UTC-4", -4*3600)
	p.loc = loc
	p.now = func() time.Time { return time.Date(2026, 2, 25, 20, 41, 0, 0, loc) }

	// The model proposed the wrong calendar day for "tomorrow".
	llmResponse := "```tool\n{\"tool\": \"create_task\", \"params\": {\"title\": \"call Sam\", \"due_date\": \"2026-02-25T19:00:00Z\"}}\n```"

	var confirmedParams map[string]any
	results := p.Run(context.Background(), "drew", "remind me to call Sam tomorrow at 3pm", llmResponse,
		func(req confirm.Request) error {
			confirmedParams = req.Calls[0].Params
			go broker.HandleResponse(req.ID, true)
			return nil
		})

	if len(results) != 1 || !results[0].Success {
		t.Fatalf("results = %+v", results)
	}
	if len(results[0].Corrections) != 1 {
		t.Fatalf("corrections = %+v", results[0].Corrections)
	}
	// The user approves the corrected call, not the hallucinated one.
	if got := confirmedParams["due_date"]; got != "2026-02-26T19:00:00Z" {
		t.Errorf("confirmed due_date = %v, want corrected value", got)
	}
}

func TestRun_PreExecHookBlocksCall(t *testing.T) {
	p, broker := newTestPipeline(t)
	p.SetPreExecHook(func(toolName string) error {
		return &rateLimitErr{tool: toolName}
	})

	llmResponse := "```tool\n{\"tool\": \"create_task\", \"params\": {\"title\": \"x\"}}\n```"
	var requests int
	results := p.Run(context.Background(), "drew", "", llmResponse,
		autoRespond(broker, true, &requests))

	if len(results) != 1 || results[0].Success {
		t.Fatalf("results = %+v", results)
	}
	if !strings.Contains(results[0].Error, "rate limit") {
		t.Errorf("Error = %q", results[0].Error)
	}
}

type rateLimitErr struct{ tool string }

func (e *rateLimitErr) Error() string { return "rate limit exceeded for " + e.tool }
