package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// CodeBlockAdapter wraps a Client and emulates tool calling for models
// without native support. Tool definitions are injected into the system
// prompt, and the model is instructed to emit a fenced ```json block
// with {"tool": ..., "arguments": ...} when it wants to call one. The
// adapter parses those blocks back into ToolCalls, so the agent loop
// never needs to know which protocol is in play.
type CodeBlockAdapter struct {
	inner Client
}

// NewCodeBlockAdapter wraps inner with code-block tool call emulation.
func NewCodeBlockAdapter(inner Client) *CodeBlockAdapter {
	return &CodeBlockAdapter{inner: inner}
}

const codeBlockInstructions = `## Tool calling

You can call tools. To call a tool, respond with a fenced JSON code block and nothing else:

` + "```json" + `
{"tool": "<tool_name>", "arguments": {<arguments object>}}
` + "```" + `

One block per tool call. You may emit several blocks to call several tools at once. The results will be sent back to you in a following message. When you have everything you need, answer in plain text without any tool block.

Available tools:

`

func (a *CodeBlockAdapter) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	inner := req
	inner.Tools = nil
	inner.Messages = a.rewriteMessages(req.Messages, req.Tools)

	resp, err := a.inner.Chat(ctx, inner)
	if err != nil {
		return nil, err
	}

	calls, remainder := parseCodeBlockCalls(resp.Content)
	if len(calls) > 0 {
		resp.ToolCalls = calls
		resp.Content = remainder
		resp.FinishReason = FinishToolCalls
	}
	return resp, nil
}

// rewriteMessages injects tool descriptions into the system prompt and
// converts tool-protocol messages into plain text the model understands.
func (a *CodeBlockAdapter) rewriteMessages(messages []Message, tools []ToolDef) []Message {
	out := make([]Message, 0, len(messages))
	injected := false

	for _, m := range messages {
		switch {
		case m.Role == "system" && !injected && len(tools) > 0:
			out = append(out, Message{
				Role:    "system",
				Content: m.Content + "\n\n" + describeTools(tools),
			})
			injected = true

		case m.Role == "tool":
			out = append(out, Message{
				Role:    "user",
				Content: fmt.Sprintf("Tool result for %s:\n%s", m.Name, m.Content),
			})

		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			// Render past tool calls back into the block syntax so the
			// transcript stays consistent for the model.
			var b strings.Builder
			if m.Content != "" {
				b.WriteString(m.Content)
				b.WriteString("\n")
			}
			for _, tc := range m.ToolCalls {
				args, err := json.Marshal(tc.Arguments)
				if err != nil {
					args = []byte("{}")
				}
				fmt.Fprintf(&b, "```json\n{\"tool\": %q, \"arguments\": %s}\n```\n", tc.Name, args)
			}
			out = append(out, Message{Role: "assistant", Content: strings.TrimSpace(b.String())})

		default:
			out = append(out, m)
		}
	}

	if !injected && len(tools) > 0 {
		out = append([]Message{{Role: "system", Content: describeTools(tools)}}, out...)
	}
	return out
}

func describeTools(tools []ToolDef) string {
	var b strings.Builder
	b.WriteString(codeBlockInstructions)
	for _, t := range tools {
		schema, err := json.Marshal(t.Parameters)
		if err != nil {
			schema = []byte("{}")
		}
		fmt.Fprintf(&b, "- %s: %s\n  Parameters: %s\n", t.Name, t.Description, schema)
	}
	return strings.TrimSpace(b.String())
}

// parseCodeBlockCalls extracts tool calls from fenced json blocks in the
// model output. Text outside the blocks is returned as the remainder.
func parseCodeBlockCalls(content string) ([]ToolCall, string) {
	var calls []ToolCall
	var remainder strings.Builder

	rest := content
	for {
		start := strings.Index(rest, "```json")
		if start < 0 {
			remainder.WriteString(rest)
			break
		}
		bodyStart := start + len("```json")
		end := strings.Index(rest[bodyStart:], "```")
		if end < 0 {
			remainder.WriteString(rest)
			break
		}
		body := strings.TrimSpace(rest[bodyStart : bodyStart+end])

		var parsed struct {
			Tool      string         `json:"tool"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(body), &parsed); err == nil && parsed.Tool != "" {
			calls = append(calls, ToolCall{
				ID:        "call_" + uuid.NewString(),
				Name:      parsed.Tool,
				Arguments: parsed.Arguments,
			})
			remainder.WriteString(rest[:start])
		} else {
			// Not a tool call, keep the block verbatim.
			remainder.WriteString(rest[:bodyStart+end+3])
		}
		rest = rest[bodyStart+end+3:]
	}

	return calls, strings.TrimSpace(remainder.String())
}
