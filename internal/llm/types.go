// Package llm defines the chat-completion contract shared by all LLM
// backends, plus the provider implementations and the failover layer.
package llm

// Finish reasons reported on a ChatResponse. FinishError is the only
// failure signal that crosses the resilient-provider boundary; no error
// value ever escapes that layer.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
	FinishError     = "error"
)

// Message is one entry in a conversation. Ordering is significant:
// an assistant message carrying ToolCalls must be immediately followed
// by the tool messages answering each call id.
type Message struct {
	Role    string `json:"role"` // system, user, assistant, tool
	Content string `json:"content"`

	// Parts carries mixed text/image content for multimodal user
	// messages. When non-empty it takes precedence over Content.
	Parts []ContentPart `json:"parts,omitempty"`

	// ToolCalls is set on assistant messages that request tool execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID pairs a tool message with the assistant call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Name is the tool name on tool-result messages.
	Name string `json:"name,omitempty"`

	// Reasoning preserves a thinking payload from the model. Some
	// backends reject resubmitted history that drops it, so it must
	// survive the round trip.
	Reasoning string `json:"reasoning,omitempty"`
}

// ContentPart is one element of a multimodal message.
type ContentPart struct {
	Type     string `json:"type"` // "text" or "image"
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"` // data: URL with base64 payload
}

// ToolCall is a model request to execute a named tool.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDef is a tool schema advertised to the model.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON schema
}

// StreamCallback receives incremental content tokens during a streamed
// call. A full ChatResponse is always returned regardless of streaming.
type StreamCallback func(token string)

// ChatRequest is a single chat-completion call.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Tools       []ToolDef
	MaxTokens   int
	Temperature float32

	// OnToken, when non-nil, streams content tokens as they arrive.
	// Providers that cannot stream ignore it.
	OnToken StreamCallback
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ChatResponse is the unified response from any backend.
type ChatResponse struct {
	Content      string     `json:"content"`
	Reasoning    string     `json:"reasoning,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"`
	Usage        Usage      `json:"usage"`
	Model        string     `json:"model,omitempty"`
}

// HasToolCalls reports whether the model requested tool execution.
func (r *ChatResponse) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}
