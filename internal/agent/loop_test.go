package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"codeask/internal/anthropic"
	"codeask/internal/errors"
	"codeask/internal/logging"
	"codeask/internal/mcp"
	"codeask/internal/mirror"
)

type clientStep struct {
	resp   *anthropic.MessagesResponse
	budget *anthropic.RateBudget
	err    error
}

// scriptedClient replays a fixed sequence of backend responses; the last
// step repeats once the script is exhausted.
type scriptedClient struct {
	steps    []clientStep
	calls    int
	requests []*anthropic.MessagesRequest
}

func (c *scriptedClient) CreateMessage(ctx context.Context, req *anthropic.MessagesRequest) (*anthropic.MessagesResponse, *anthropic.RateBudget, error) {
	c.calls++
	c.requests = append(c.requests, req)
	idx := c.calls - 1
	if idx >= len(c.steps) {
		idx = len(c.steps) - 1
	}
	step := c.steps[idx]
	return step.resp, step.budget, step.err
}

type dispatched struct {
	name string
	args map[string]interface{}
}

type fakeTools struct {
	catalog    []mcp.ToolDescriptor
	dispatches []dispatched
	errs       map[string]error
	results    map[string]string
}

func (f *fakeTools) Catalog() []mcp.ToolDescriptor { return f.catalog }

func (f *fakeTools) Dispatch(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	f.dispatches = append(f.dispatches, dispatched{name: name, args: args})
	if err, ok := f.errs[name]; ok {
		return "", err
	}
	if res, ok := f.results[name]; ok {
		return res, nil
	}
	return "result of " + name, nil
}

func textResponse(text string) *anthropic.MessagesResponse {
	return &anthropic.MessagesResponse{
		Role:       anthropic.RoleAssistant,
		Content:    []anthropic.ContentBlock{anthropic.TextBlock(text)},
		StopReason: anthropic.StopEndTurn,
	}
}

func toolUseResponse(id, name, input string) *anthropic.MessagesResponse {
	return &anthropic.MessagesResponse{
		Role: anthropic.RoleAssistant,
		Content: []anthropic.ContentBlock{
			{Type: anthropic.BlockToolUse, ID: id, Name: name, Input: json.RawMessage(input)},
		},
		StopReason: anthropic.StopToolUse,
	}
}

func rateLimited(retryAfter time.Duration) clientStep {
	return clientStep{err: errors.New(errors.RateLimitExceeded, "API returned status 429",
		&anthropic.RateLimitedError{StatusCode: 429, RetryAfter: retryAfter})}
}

// newTestLoop wires a loop over fakes with sleeping recorded, never real
func newTestLoop(t *testing.T, cfg Config, client LLMClient, tools ToolRegistry) (*Loop, *[]time.Duration) {
	t.Helper()
	repo := mirror.New(mirror.Config{
		RemoteURL: "https://example.com/org/repo.git",
		Branch:    "main",
		LocalPath: t.TempDir(),
	}, logging.NewNop())

	l := New(cfg, client, tools, repo, logging.NewNop())
	var slept []time.Duration
	l.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	l.now = func() time.Time { return time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC) }
	return l, &slept
}

func defaultTools() *fakeTools {
	return &fakeTools{
		catalog: []mcp.ToolDescriptor{
			{Name: "mcp__serena__read_file", ServerID: "serena", OriginalName: "read_file",
				Description: "read a file", InputSchema: json.RawMessage(`{"type":"object"}`)},
			{Name: "mcp__serena__find_symbol", ServerID: "serena", OriginalName: "find_symbol",
				Description: "find a symbol", InputSchema: json.RawMessage(`{"type":"object"}`)},
		},
		errs:    map[string]error{},
		results: map[string]string{},
	}
}

func TestAskDirectAnswer(t *testing.T) {
	client := &scriptedClient{steps: []clientStep{{resp: textResponse("it uses a worker pool")}}}
	l, _ := newTestLoop(t, Config{Model: "m", MaxIterations: 10}, client, defaultTools())

	answer, history, err := l.Ask(context.Background(), "how does it scale?", nil)
	if err != nil {
		t.Fatalf("Ask error: %v", err)
	}
	if answer.Text != "it uses a worker pool" {
		t.Errorf("Text = %q", answer.Text)
	}
	if answer.Rounds != 1 || answer.ToolCalls != 0 {
		t.Errorf("Rounds = %d, ToolCalls = %d", answer.Rounds, answer.ToolCalls)
	}
	// question turn + assistant turn
	if len(history) != 2 {
		t.Errorf("history length = %d, want 2", len(history))
	}
	if client.requests[0].Tools[0].Name != "mcp__serena__read_file" {
		t.Errorf("catalog not offered to the backend: %+v", client.requests[0].Tools)
	}
}

func TestAskToolRound(t *testing.T) {
	client := &scriptedClient{steps: []clientStep{
		{resp: toolUseResponse("tu_1", "mcp__serena__read_file", `{"relative_path":"cmd/main.go"}`)},
		{resp: textResponse("main starts the server")},
	}}
	tools := defaultTools()
	tools.results["mcp__serena__read_file"] = "package main ..."
	l, _ := newTestLoop(t, Config{Model: "m", MaxIterations: 10}, client, tools)

	answer, _, err := l.Ask(context.Background(), "what does main do?", nil)
	if err != nil {
		t.Fatalf("Ask error: %v", err)
	}
	if answer.Rounds != 2 || answer.ToolCalls != 1 {
		t.Errorf("Rounds = %d, ToolCalls = %d", answer.Rounds, answer.ToolCalls)
	}
	if len(tools.dispatches) != 1 || tools.dispatches[0].name != "mcp__serena__read_file" {
		t.Fatalf("dispatches = %+v", tools.dispatches)
	}
	if tools.dispatches[0].args["relative_path"] != "cmd/main.go" {
		t.Errorf("args = %+v", tools.dispatches[0].args)
	}
	if len(answer.FilesConsulted) != 1 || answer.FilesConsulted[0] != "cmd/main.go" {
		t.Errorf("FilesConsulted = %v", answer.FilesConsulted)
	}

	// The second request must carry the tool result as a user turn.
	second := client.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != anthropic.RoleUser {
		t.Fatalf("result turn role = %q", last.Role)
	}
	if last.Content[0].Type != anthropic.BlockToolResult || last.Content[0].ToolUseID != "tu_1" {
		t.Errorf("result block = %+v", last.Content[0])
	}
	if last.Content[0].Content != "package main ..." {
		t.Errorf("result content = %q", last.Content[0].Content)
	}
}

func TestAskThinkingExcludedFromAnswer(t *testing.T) {
	client := &scriptedClient{steps: []clientStep{{resp: &anthropic.MessagesResponse{
		Role: anthropic.RoleAssistant,
		Content: []anthropic.ContentBlock{
			{Type: anthropic.BlockThinking, Thinking: "let me count"},
			anthropic.TextBlock("42"),
		},
		StopReason: anthropic.StopEndTurn,
	}}}}
	l, _ := newTestLoop(t, Config{Model: "m", MaxIterations: 10, EnableThinking: true, ThinkingBudgetTokens: 2048, OutputReserveTokens: 1024}, client, defaultTools())

	answer, history, err := l.Ask(context.Background(), "how many?", nil)
	if err != nil {
		t.Fatalf("Ask error: %v", err)
	}
	if answer.Text != "42" {
		t.Errorf("Text = %q, want 42", answer.Text)
	}
	// The thinking block stays in state for context continuity.
	assistant := history[len(history)-1]
	if assistant.Content[0].Type != anthropic.BlockThinking {
		t.Error("thinking block dropped from history")
	}

	req := client.requests[0]
	if req.Thinking == nil || req.Thinking.BudgetTokens != 2048 {
		t.Errorf("thinking params = %+v", req.Thinking)
	}
	if req.MaxTokens != 2048+1024 {
		t.Errorf("MaxTokens = %d, want thinking budget plus output reserve", req.MaxTokens)
	}
}

func TestAskRateLimitRetriesThenSuccess(t *testing.T) {
	client := &scriptedClient{steps: []clientStep{
		rateLimited(time.Second),
		rateLimited(time.Second),
		rateLimited(time.Second),
		{resp: textResponse("done")},
	}}
	l, slept := newTestLoop(t, Config{Model: "m", MaxIterations: 10}, client, defaultTools())

	answer, _, err := l.Ask(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("Ask error: %v", err)
	}
	if answer.Text != "done" {
		t.Errorf("Text = %q", answer.Text)
	}
	if client.calls != 4 {
		t.Errorf("backend calls = %d, want 4", client.calls)
	}
	if len(*slept) != 3 {
		t.Fatalf("slept %d times, want 3", len(*slept))
	}
	for _, d := range *slept {
		if d != time.Second {
			t.Errorf("slept %s, want 1s", d)
		}
	}
}

func TestAskRateLimitExhausted(t *testing.T) {
	client := &scriptedClient{steps: []clientStep{rateLimited(time.Second)}}
	l, slept := newTestLoop(t, Config{Model: "m", MaxIterations: 10}, client, defaultTools())

	_, _, err := l.Ask(context.Background(), "q", nil)
	if !errors.HasCode(err, errors.RateLimitExceeded) {
		t.Fatalf("err = %v, want RATE_LIMIT_EXCEEDED", err)
	}
	if client.calls != maxCallAttempts {
		t.Errorf("backend calls = %d, want %d", client.calls, maxCallAttempts)
	}
	if len(*slept) != maxCallAttempts-1 {
		t.Errorf("slept %d times, want %d", len(*slept), maxCallAttempts-1)
	}
}

func TestAskIterationLimit(t *testing.T) {
	client := &scriptedClient{steps: []clientStep{{resp: &anthropic.MessagesResponse{
		Role: anthropic.RoleAssistant,
		Content: []anthropic.ContentBlock{
			anthropic.TextBlock("still looking. "),
			{Type: anthropic.BlockToolUse, ID: "tu_1", Name: "mcp__serena__read_file", Input: json.RawMessage(`{}`)},
		},
		StopReason: anthropic.StopToolUse,
	}}}}
	l, _ := newTestLoop(t, Config{Model: "m", MaxIterations: 3}, client, defaultTools())

	_, _, err := l.Ask(context.Background(), "q", nil)
	if !errors.HasCode(err, errors.IterationLimitExceeded) {
		t.Fatalf("err = %v, want ITERATION_LIMIT_EXCEEDED", err)
	}
	if client.calls != 3 {
		t.Errorf("backend calls = %d, want exactly 3", client.calls)
	}

	var askErr *errors.AskError
	if !errors.As(err, &askErr) {
		t.Fatal("not an AskError")
	}
	details, ok := askErr.Details.(map[string]interface{})
	if !ok {
		t.Fatalf("details = %#v", askErr.Details)
	}
	partial, _ := details["partialAnswer"].(string)
	if !strings.Contains(partial, "still looking") {
		t.Errorf("partialAnswer = %q, want accumulated text", partial)
	}
}

func TestAskProactiveBackoff(t *testing.T) {
	reset := time.Date(2026, 1, 2, 15, 0, 5, 0, time.UTC) // now + 5s
	client := &scriptedClient{steps: []clientStep{
		{
			resp: toolUseResponse("tu_1", "mcp__serena__read_file", `{}`),
			budget: &anthropic.RateBudget{
				RequestsRemaining: 0, RequestsLimit: 100,
				RequestsReset:        reset,
				InputTokensRemaining: 90000, InputTokensLimit: 100000,
			},
		},
		{resp: textResponse("answer")},
	}}
	l, slept := newTestLoop(t, Config{Model: "m", MaxIterations: 10}, client, defaultTools())

	if _, _, err := l.Ask(context.Background(), "q", nil); err != nil {
		t.Fatalf("Ask error: %v", err)
	}
	if len(*slept) != 1 || (*slept)[0] != 5*time.Second {
		t.Errorf("slept = %v, want one 5s pause before the second call", *slept)
	}
}

func TestAskDispatchErrorIsolation(t *testing.T) {
	client := &scriptedClient{steps: []clientStep{
		{resp: &anthropic.MessagesResponse{
			Role: anthropic.RoleAssistant,
			Content: []anthropic.ContentBlock{
				{Type: anthropic.BlockToolUse, ID: "tu_1", Name: "mcp__serena__read_file", Input: json.RawMessage(`{"path":"gone.go"}`)},
				{Type: anthropic.BlockToolUse, ID: "tu_2", Name: "mcp__serena__find_symbol", Input: json.RawMessage(`{"name":"main"}`)},
			},
			StopReason: anthropic.StopToolUse,
		}},
		{resp: textResponse("answer")},
	}}
	tools := defaultTools()
	tools.errs["mcp__serena__read_file"] = errors.Newf(errors.ToolExecutionFailed, "no such file")
	tools.results["mcp__serena__find_symbol"] = "found in cmd/main.go"
	l, _ := newTestLoop(t, Config{Model: "m", MaxIterations: 10}, client, tools)

	if _, _, err := l.Ask(context.Background(), "q", nil); err != nil {
		t.Fatalf("Ask error: %v", err)
	}
	if len(tools.dispatches) != 2 {
		t.Fatalf("dispatches = %d, want both despite first failing", len(tools.dispatches))
	}

	results := client.requests[1].Messages[len(client.requests[1].Messages)-1].Content
	if !results[0].IsError {
		t.Error("first result should be flagged as error")
	}
	if results[1].IsError || results[1].Content != "found in cmd/main.go" {
		t.Errorf("second result = %+v", results[1])
	}
	// Dispatch order matches request order.
	if results[0].ToolUseID != "tu_1" || results[1].ToolUseID != "tu_2" {
		t.Errorf("result order = %q, %q", results[0].ToolUseID, results[1].ToolUseID)
	}
}

func TestAskLowRoundsWarning(t *testing.T) {
	client := &scriptedClient{steps: []clientStep{
		{resp: toolUseResponse("tu_1", "mcp__serena__read_file", `{}`)},
		{resp: textResponse("answer")},
	}}
	l, _ := newTestLoop(t, Config{Model: "m", MaxIterations: 4}, client, defaultTools())

	if _, _, err := l.Ask(context.Background(), "q", nil); err != nil {
		t.Fatalf("Ask error: %v", err)
	}

	results := client.requests[1].Messages[len(client.requests[1].Messages)-1].Content
	last := results[len(results)-1]
	if last.Type != anthropic.BlockText || !strings.Contains(last.Text, "3 round(s) remain") {
		t.Errorf("expected wrap-up note in result turn, got %+v", last)
	}
}

func TestAskCancelled(t *testing.T) {
	client := &scriptedClient{steps: []clientStep{{resp: textResponse("never")}}}
	l, _ := newTestLoop(t, Config{Model: "m", MaxIterations: 10}, client, defaultTools())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := l.Ask(ctx, "q", nil)
	if !errors.HasCode(err, errors.Cancelled) {
		t.Errorf("err = %v, want CANCELLED", err)
	}
	if client.calls != 0 {
		t.Errorf("backend called %d times after cancellation", client.calls)
	}
}

func TestAskPriorContextThreaded(t *testing.T) {
	client := &scriptedClient{steps: []clientStep{{resp: textResponse("as before")}}}
	l, _ := newTestLoop(t, Config{Model: "m", MaxIterations: 10}, client, defaultTools())

	prior := []anthropic.Message{
		{Role: anthropic.RoleUser, Content: []anthropic.ContentBlock{anthropic.TextBlock("first question")}},
		{Role: anthropic.RoleAssistant, Content: []anthropic.ContentBlock{anthropic.TextBlock("first answer")}},
	}
	_, history, err := l.Ask(context.Background(), "and then?", prior)
	if err != nil {
		t.Fatalf("Ask error: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("history length = %d, want 4", len(history))
	}
	req := client.requests[0]
	if len(req.Messages) != 3 || req.Messages[0].Content[0].Text != "first question" {
		t.Errorf("prior context not sent: %+v", req.Messages)
	}
}
