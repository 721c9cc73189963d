// Package agent runs the tool-calling conversation loop that turns a
// question about the mirrored repository into a grounded answer.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"codeask/internal/anthropic"
	"codeask/internal/errors"
	"codeask/internal/logging"
	"codeask/internal/mcp"
	"codeask/internal/mirror"
)

// maxCallAttempts caps reactive retries of a single backend call
const maxCallAttempts = 5

// lowRoundsThreshold is the remaining-round count at which the model is
// warned to wrap up
const lowRoundsThreshold = 5

// partialAnswerLimit bounds the text carried on an iteration-limit failure
const partialAnswerLimit = 2000

// Config contains loop configuration
type Config struct {
	Model                string
	MaxIterations        int
	EnableThinking       bool
	ThinkingBudgetTokens int
	OutputReserveTokens  int
}

// LLMClient is the backend surface the loop needs
type LLMClient interface {
	CreateMessage(ctx context.Context, req *anthropic.MessagesRequest) (*anthropic.MessagesResponse, *anthropic.RateBudget, error)
}

// ToolRegistry is the registry surface the loop needs
type ToolRegistry interface {
	Catalog() []mcp.ToolDescriptor
	Dispatch(ctx context.Context, name string, args map[string]interface{}) (string, error)
}

// Answer is the outcome of one completed ask
type Answer struct {
	Text           string          `json:"text"`
	Rounds         int             `json:"rounds"`
	ToolCalls      int             `json:"toolCalls"`
	FilesConsulted []string        `json:"filesConsulted,omitempty"`
	Commit         string          `json:"commit,omitempty"`
	Usage          anthropic.Usage `json:"usage"`
}

// Loop drives question answering over the tool catalog
type Loop struct {
	cfg    Config
	client LLMClient
	tools  ToolRegistry
	repo   *mirror.Mirror
	logger *logging.Logger

	// sleep and now are swapped out in tests
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New creates a conversation loop
func New(cfg Config, client LLMClient, tools ToolRegistry, repo *mirror.Mirror, logger *logging.Logger) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 25
	}
	if cfg.OutputReserveTokens <= 0 {
		cfg.OutputReserveTokens = 4096
	}
	if cfg.EnableThinking && cfg.ThinkingBudgetTokens <= 0 {
		cfg.ThinkingBudgetTokens = 8192
	}
	return &Loop{
		cfg:    cfg,
		client: client,
		tools:  tools,
		repo:   repo,
		logger: logger,
		sleep:  sleepCtx,
		now:    time.Now,
	}
}

// Progress describes one observable step of an in-flight ask, for
// streaming consumers.
type Progress struct {
	Round int    `json:"round"`
	Stage string `json:"stage"`
	Tool  string `json:"tool,omitempty"`
}

// Progress stages
const (
	StageRound    = "round"
	StageToolCall = "tool_call"
	StageAnswer   = "answer"
)

// Ask answers one question, holding shared repository access for the whole
// call. It returns the answer and the full message history including the
// final assistant turn, so callers can thread it into a follow-up.
func (l *Loop) Ask(ctx context.Context, question string, prior []anthropic.Message) (*Answer, []anthropic.Message, error) {
	return l.AskWithProgress(ctx, question, prior, nil)
}

// AskWithProgress is Ask with a per-step callback. progress may be nil; it
// is invoked synchronously from the loop goroutine and must return quickly.
func (l *Loop) AskWithProgress(ctx context.Context, question string, prior []anthropic.Message, progress func(Progress)) (*Answer, []anthropic.Message, error) {
	if progress == nil {
		progress = func(Progress) {}
	}
	sess := l.repo.BeginSession()
	defer sess.End()

	state := sess.State()
	system := []anthropic.SystemBlock{
		anthropic.CachedSystemBlock(systemPrompt(state.LocalPath, "", state.HeadCommit)),
	}

	var toolDefs []anthropic.ToolDef
	for _, d := range l.tools.Catalog() {
		toolDefs = append(toolDefs, anthropic.ToolDef{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}

	messages := make([]anthropic.Message, 0, len(prior)+1)
	messages = append(messages, prior...)
	messages = append(messages, anthropic.Message{
		Role:    anthropic.RoleUser,
		Content: []anthropic.ContentBlock{anthropic.TextBlock(question)},
	})

	maxTokens := l.cfg.OutputReserveTokens
	var thinking *anthropic.ThinkingParams
	if l.cfg.EnableThinking {
		maxTokens += l.cfg.ThinkingBudgetTokens
		thinking = &anthropic.ThinkingParams{Type: "enabled", BudgetTokens: l.cfg.ThinkingBudgetTokens}
	}

	var (
		budget    *anthropic.RateBudget
		usage     anthropic.Usage
		toolCalls int
		textAcc   string
		files     = map[string]bool{}
	)

	for round := 1; round <= l.cfg.MaxIterations; round++ {
		if err := ctx.Err(); err != nil {
			return nil, messages, errors.New(errors.Cancelled, "ask cancelled", err)
		}
		progress(Progress{Round: round, Stage: StageRound})

		// Proactive pacing off the previous response's quota signals.
		if delay := budget.Delay(l.now()); delay > 0 {
			l.logger.Info("Pausing for rate budget reset", map[string]interface{}{
				"delay": delay.String(),
				"round": round,
			})
			if err := l.sleep(ctx, delay); err != nil {
				return nil, messages, errors.New(errors.Cancelled, "ask cancelled during backoff", err)
			}
		}

		req := &anthropic.MessagesRequest{
			Model:     l.cfg.Model,
			MaxTokens: maxTokens,
			System:    system,
			Messages:  messages,
			Tools:     toolDefs,
			Thinking:  thinking,
		}
		resp, b, err := l.callWithRetry(ctx, req)
		if b != nil {
			budget = b
		}
		if err != nil {
			return nil, messages, err
		}

		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens
		messages = append(messages, anthropic.Message{Role: anthropic.RoleAssistant, Content: resp.Content})
		textAcc += resp.TextContent()

		uses := resp.ToolUses()
		if len(uses) == 0 {
			progress(Progress{Round: round, Stage: StageAnswer})
			answer := &Answer{
				Text:           resp.TextContent(),
				Rounds:         round,
				ToolCalls:      toolCalls,
				FilesConsulted: sortedKeys(files),
				Commit:         state.HeadCommit,
				Usage:          usage,
			}
			l.logger.Info("Question answered", map[string]interface{}{
				"rounds":     round,
				"tool_calls": toolCalls,
				"commit":     answer.Commit,
			})
			return answer, messages, nil
		}

		if err := ctx.Err(); err != nil {
			return nil, messages, errors.New(errors.Cancelled, "ask cancelled", err)
		}

		results := make([]anthropic.ContentBlock, 0, len(uses)+1)
		for _, use := range uses {
			toolCalls++
			progress(Progress{Round: round, Stage: StageToolCall, Tool: use.Name})
			results = append(results, l.dispatchOne(ctx, use, files))
		}

		if remaining := l.cfg.MaxIterations - round; remaining > 0 && remaining <= lowRoundsThreshold {
			results = append(results, anthropic.TextBlock(roundsWarning(remaining)))
		}
		messages = append(messages, anthropic.Message{Role: anthropic.RoleUser, Content: results})
	}

	partial, truncated := truncateText(textAcc, partialAnswerLimit)
	return nil, messages, errors.Newf(errors.IterationLimitExceeded,
		"no final answer after %d rounds", l.cfg.MaxIterations).
		WithDetails(map[string]interface{}{
			"partialAnswer": partial,
			"truncated":     truncated,
			"rounds":        l.cfg.MaxIterations,
		})
}

// dispatchOne runs a single tool call with its own error isolation: any
// failure becomes an error-text result block the model can react to.
func (l *Loop) dispatchOne(ctx context.Context, use anthropic.ContentBlock, files map[string]bool) anthropic.ContentBlock {
	args := map[string]interface{}{}
	if len(use.Input) > 0 {
		if err := json.Unmarshal(use.Input, &args); err != nil {
			return anthropic.ToolResultBlock(use.ID, fmt.Sprintf("invalid tool input: %v", err), true)
		}
	}
	recordFiles(files, args)

	result, err := l.tools.Dispatch(ctx, use.Name, args)
	if err != nil {
		return anthropic.ToolResultBlock(use.ID, fmt.Sprintf("tool call failed: %v", err), true)
	}
	return anthropic.ToolResultBlock(use.ID, result, false)
}

// callWithRetry sends one backend request, sleeping and retrying on
// explicit rate-limit rejections up to maxCallAttempts attempts total.
func (l *Loop) callWithRetry(ctx context.Context, req *anthropic.MessagesRequest) (*anthropic.MessagesResponse, *anthropic.RateBudget, error) {
	var budget *anthropic.RateBudget
	for attempt := 1; ; attempt++ {
		resp, b, err := l.client.CreateMessage(ctx, req)
		if b != nil {
			budget = b
		}
		if err == nil {
			return resp, budget, nil
		}

		var rle *anthropic.RateLimitedError
		if !errors.As(err, &rle) {
			return nil, budget, err
		}
		if attempt >= maxCallAttempts {
			return nil, budget, errors.New(errors.RateLimitExceeded,
				fmt.Sprintf("backend still rate limited after %d attempts", attempt), err)
		}

		l.logger.Warn("Backend rate limited, retrying", map[string]interface{}{
			"attempt":     attempt,
			"retry_after": rle.RetryAfter.String(),
		})
		if serr := l.sleep(ctx, rle.RetryAfter); serr != nil {
			return nil, budget, errors.New(errors.Cancelled, "ask cancelled during retry backoff", serr)
		}
	}
}

// argument keys tool servers commonly use for file paths
var pathArgKeys = []string{"path", "relative_path", "file_path", "filename"}

func recordFiles(files map[string]bool, args map[string]interface{}) {
	for _, key := range pathArgKeys {
		if v, ok := args[key].(string); ok && v != "" {
			files[v] = true
		}
	}
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func truncateText(s string, limit int) (string, bool) {
	runes := []rune(s)
	if len(runes) <= limit {
		return s, false
	}
	return string(runes[:limit]), true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
