package anthropic

import (
	"encoding/json"
	"fmt"
	"time"
)

// APIVersion is the anthropic-version header sent with every request
const APIVersion = "2023-06-01"

// Role constants for conversation messages
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content block types
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Stop reasons reported by the API
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// ContentBlock is one element of a message's content array. The populated
// fields depend on Type; unused fields are omitted on the wire.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock builds a text content block
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolResultBlock builds a tool_result block answering the given tool_use ID
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Message is one turn of the conversation
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// SystemBlock is one element of the system prompt array
type SystemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// CacheControl marks a system block for prompt caching
type CacheControl struct {
	Type string `json:"type"`
}

// CachedSystemBlock builds a system block flagged ephemeral so the API
// caches the prompt prefix across turns
func CachedSystemBlock(text string) SystemBlock {
	return SystemBlock{Type: BlockText, Text: text, CacheControl: &CacheControl{Type: "ephemeral"}}
}

// ToolDef advertises one callable tool to the model
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ThinkingParams enables extended thinking with a token budget
type ThinkingParams struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

// MessagesRequest is the request body for the Messages endpoint
type MessagesRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	System    []SystemBlock   `json:"system,omitempty"`
	Messages  []Message       `json:"messages"`
	Tools     []ToolDef       `json:"tools,omitempty"`
	Thinking  *ThinkingParams `json:"thinking,omitempty"`
}

// Usage reports token consumption for one API call
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// MessagesResponse is the response body from the Messages endpoint
type MessagesResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// TextContent concatenates the text blocks of the response, skipping
// thinking and tool_use blocks
func (r *MessagesResponse) TextContent() string {
	var out string
	for _, block := range r.Content {
		if block.Type == BlockText {
			out += block.Text
		}
	}
	return out
}

// ToolUses returns the tool_use blocks in response order
func (r *MessagesResponse) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, block := range r.Content {
		if block.Type == BlockToolUse {
			out = append(out, block)
		}
	}
	return out
}

// apiError is the error envelope the API returns on non-2xx statuses
type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// RateLimitedError reports a 429 or 529 response and how long the API
// asked us to wait before retrying
type RateLimitedError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("API rate limited (status %d), retry after %s", e.StatusCode, e.RetryAfter)
}
