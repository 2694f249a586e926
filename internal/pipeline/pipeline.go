// Package pipeline turns LLM response text into confirmed, executed
// tool calls: extract fenced call blocks, validate them against the
// registry, correct hallucinated dates, gate the batch behind user
// confirmation, and execute only what was approved.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/okeefe/valet-agent/internal/confirm"
	"github.com/okeefe/valet-agent/internal/dates"
	"github.com/okeefe/valet-agent/internal/tools"
)

// Limits on extraction. Oversized input yields no calls; a scan that
// exceeds its wall-clock budget stops and returns what it has.
const (
	maxInputBytes = 64 * 1024
	scanBudget    = 250 * time.Millisecond
)

// ProposedCall is one tool invocation extracted from LLM output.
type ProposedCall struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
}

// Result is the outcome of exactly one proposed call.
type Result struct {
	ToolName    string
	Success     bool
	Output      string
	Error       string
	Corrections []dates.Correction
}

// rejectedError is the terminal error text for unapproved calls.
const rejectedError = "rejected or timed out"

var reFence = regexp.MustCompile("(?s)```(tool|json)[ \t]*\n(.*?)```")

// Extract pulls proposed tool calls from fenced blocks in text. Blocks
// tagged `tool` must decode to a call; `json` blocks count only when
// they decode to an object with a "tool" field. Malformed blocks are
// discarded without note so chatty model output cannot break a reply.
func Extract(text string) []ProposedCall {
	if len(text) > maxInputBytes {
		return nil
	}

	deadline := time.Now().Add(scanBudget)
	var calls []ProposedCall

	for _, m := range reFence.FindAllStringSubmatch(text, -1) {
		if time.Now().After(deadline) {
			break
		}

		body := strings.TrimSpace(m[2])
		var call ProposedCall
		if err := json.Unmarshal([]byte(body), &call); err != nil {
			continue
		}
		if call.Tool == "" {
			continue
		}
		if call.Params == nil {
			call.Params = map[string]any{}
		}
		calls = append(calls, call)
	}

	return calls
}

// Pipeline wires the registry, date corrector, and confirmation broker
// together for one user.
type Pipeline struct {
	registry *tools.Registry
	broker   *confirm.Broker
	loc      *time.Location
	timeout  time.Duration
	preExec  func(toolName string) error
	logger   *slog.Logger
	now      func() time.Time // test seam
}

// New creates a pipeline. timeout is the confirmation timeout; zero
// uses the broker default.
func New(registry *tools.Registry, broker *confirm.Broker, loc *time.Location, timeout time.Duration, logger *slog.Logger) *Pipeline {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		registry: registry,
		broker:   broker,
		loc:      loc,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
}

// SetPreExecHook installs a check that runs before each approved call
// executes. A returned error fails that call without executing it; the
// actor uses this for per-integration rate limits.
func (p *Pipeline) SetPreExecHook(fn func(toolName string) error) {
	p.preExec = fn
}

// Run processes one LLM response. userText is the message the user
// actually wrote, the source of truth for date correction. notify
// delivers the confirmation request to the user. Returns one Result
// per extracted call, in order; nil when the response proposed nothing.
func (p *Pipeline) Run(ctx context.Context, userID, userText, llmResponse string, notify confirm.NotifyFunc) []Result {
	calls := Extract(llmResponse)
	if len(calls) == 0 {
		return nil
	}

	results := make([]Result, len(calls))
	parsed := dates.Parse(userText, p.loc, p.now())

	// Validate and date-correct; invalid calls fail here and are
	// excluded from the confirmation batch.
	var validIdx []int
	for i, call := range calls {
		results[i].ToolName = call.Tool
		if err := p.registry.Validate(call.Tool, call.Params); err != nil {
			results[i].Error = err.Error()
			continue
		}
		results[i].Corrections = dates.CorrectParams(call.Params, parsed, p.now(), p.loc)
		for _, c := range results[i].Corrections {
			p.logger.Info("tool parameter corrected",
				"tool", call.Tool,
				"field", c.Field,
				"old", c.OldValue,
				"new", c.NewValue,
				"reason", c.Reason,
			)
		}
		validIdx = append(validIdx, i)
	}
	if len(validIdx) == 0 {
		return results
	}

	// One confirmation covers the whole batch of valid calls.
	batch := make([]confirm.ToolCall, 0, len(validIdx))
	for _, i := range validIdx {
		batch = append(batch, confirm.ToolCall{Name: calls[i].Tool, Params: calls[i].Params})
	}

	approved, err := p.broker.Request(ctx, userID, renderProposedCode(batch), batch, notify, p.timeout)
	if err != nil {
		p.logger.Warn("confirmation request failed", "user_id", userID, "error", err)
	}
	if !approved {
		for _, i := range validIdx {
			results[i].Error = rejectedError
		}
		return results
	}

	for _, i := range validIdx {
		call := calls[i]
		if p.preExec != nil {
			if err := p.preExec(call.Tool); err != nil {
				results[i].Error = err.Error()
				continue
			}
		}

		output, err := p.registry.Execute(ctx, call.Tool, call.Params)
		if err != nil {
			p.logger.Warn("tool execution failed", "tool", call.Tool, "error", err)
			results[i].Error = err.Error()
			continue
		}
		results[i].Success = true
		results[i].Output = output
	}

	return results
}

// renderProposedCode produces the display-only snippet shown to the
// user alongside the confirmation request. It is never executed.
func renderProposedCode(calls []confirm.ToolCall) string {
	out, err := json.MarshalIndent(calls, "", "  ")
	if err != nil {
		return ""
	}
	return string(out)
}

// StripCallBlocks removes fenced tool-call blocks from response text so
// the conversational remainder can be shown to the user on its own.
func StripCallBlocks(text string) string {
	return strings.TrimSpace(reFence.ReplaceAllString(text, ""))
}
