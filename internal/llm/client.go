package llm

import "context"

// Client is the interface all LLM backends implement.
//
// Individual providers may return a transport error; the resilient
// layer absorbs those and guarantees its callers only ever see a
// ChatResponse (with FinishReason == FinishError in the worst case).
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}
