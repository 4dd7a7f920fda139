package agent

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kestrelhq/kestrel/internal/bus"
	"github.com/kestrelhq/kestrel/internal/config"
	"github.com/kestrelhq/kestrel/internal/llm"
	"github.com/kestrelhq/kestrel/internal/memory"
	"github.com/kestrelhq/kestrel/internal/session"
	"github.com/kestrelhq/kestrel/internal/tools"
	"github.com/kestrelhq/kestrel/internal/users"
)

// scriptedClient returns queued responses in order, then repeats the
// last one. It records every request it saw.
type scriptedClient struct {
	responses []*llm.ChatResponse
	requests  []llm.ChatRequest
}

func (c *scriptedClient) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	c.requests = append(c.requests, req)
	if len(c.responses) == 0 {
		return &llm.ChatResponse{Content: "done", FinishReason: llm.FinishStop}, nil
	}
	resp := c.responses[0]
	if len(c.responses) > 1 {
		c.responses = c.responses[1:]
	}
	return resp, nil
}

func newTestLoop(t *testing.T, client llm.Client, registry *tools.Registry) (*Loop, *session.Manager) {
	t.Helper()
	dir := t.TempDir()

	sessions, err := session.NewManager(filepath.Join(dir, "sessions.db"))
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}
	t.Cleanup(func() { sessions.Close() })

	store, err := memory.NewStore(dir, nil, nil)
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}

	if registry == nil {
		registry = tools.NewRegistry(nil)
	}

	loop := New(Options{
		Client:   client,
		Config:   config.AgentConfig{DefaultModel: "test-model", MaxIterations: 5, MemoryWindow: 10},
		Bus:      bus.New(),
		Sessions: sessions,
		Context:  NewContextBuilder(dir, store),
		Tools:    registry,
	})
	return loop, sessions
}

func inbound(content string) bus.InboundMessage {
	return bus.InboundMessage{Channel: "test", SenderID: "u1", ChatID: "c1", Content: content}
}

func TestProcessMessageSimpleAnswer(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		{Content: "Hello back!", FinishReason: llm.FinishStop},
	}}
	loop, sessions := newTestLoop(t, client, nil)

	out := loop.ProcessMessage(context.Background(), inbound("hello"))
	if out == nil || out.Content != "Hello back!" {
		t.Fatalf("out = %+v", out)
	}

	sess, _ := sessions.GetOrCreate("test:c1")
	if len(sess.Messages) != 2 {
		t.Fatalf("session messages = %d, want 2 (user + assistant)", len(sess.Messages))
	}
	if sess.Messages[0].Role != "user" || sess.Messages[1].Role != "assistant" {
		t.Errorf("roles = %s, %s", sess.Messages[0].Role, sess.Messages[1].Role)
	}
}

func TestProcessMessageToolRound(t *testing.T) {
	registry := tools.NewRegistry(nil)
	registry.Register(&tools.Tool{
		Name: "clock",
		Handler: func(context.Context, tools.Call, map[string]any) (string, error) {
			return "12:00", nil
		},
	})

	client := &scriptedClient{responses: []*llm.ChatResponse{
		{
			ToolCalls:    []llm.ToolCall{{ID: "t1", Name: "clock", Arguments: map[string]any{}}},
			FinishReason: llm.FinishToolCalls,
		},
		{Content: "It is noon.", FinishReason: llm.FinishStop},
	}}
	loop, _ := newTestLoop(t, client, registry)

	out := loop.ProcessMessage(context.Background(), inbound("what time is it?"))
	if out.Content != "It is noon." {
		t.Fatalf("Content = %q", out.Content)
	}

	// Second request must carry the assistant tool call and the result.
	second := client.requests[1]
	var sawToolResult bool
	for _, m := range second.Messages {
		if m.Role == "tool" && m.ToolCallID == "t1" && m.Content == "12:00" {
			sawToolResult = true
		}
	}
	if !sawToolResult {
		t.Error("tool result not threaded into next request")
	}
}

func TestConcurrentToolResultsKeepOrder(t *testing.T) {
	registry := tools.NewRegistry(nil)
	// slow finishes last but was called first; order must hold anyway.
	registry.Register(&tools.Tool{
		Name: "slow",
		Handler: func(context.Context, tools.Call, map[string]any) (string, error) {
			time.Sleep(50 * time.Millisecond)
			return "slow-result", nil
		},
	})
	registry.Register(&tools.Tool{
		Name: "fast",
		Handler: func(context.Context, tools.Call, map[string]any) (string, error) {
			return "fast-result", nil
		},
	})

	client := &scriptedClient{responses: []*llm.ChatResponse{
		{
			ToolCalls: []llm.ToolCall{
				{ID: "a", Name: "slow", Arguments: map[string]any{}},
				{ID: "b", Name: "fast", Arguments: map[string]any{}},
			},
			FinishReason: llm.FinishToolCalls,
		},
		{Content: "combined", FinishReason: llm.FinishStop},
	}}
	loop, _ := newTestLoop(t, client, registry)

	loop.ProcessMessage(context.Background(), inbound("run both"))

	second := client.requests[1]
	var toolMsgs []llm.Message
	for _, m := range second.Messages {
		if m.Role == "tool" {
			toolMsgs = append(toolMsgs, m)
		}
	}
	if len(toolMsgs) != 2 {
		t.Fatalf("tool messages = %d, want 2", len(toolMsgs))
	}
	if toolMsgs[0].ToolCallID != "a" || toolMsgs[0].Content != "slow-result" {
		t.Errorf("first result = %+v, call order not preserved", toolMsgs[0])
	}
	if toolMsgs[1].ToolCallID != "b" || toolMsgs[1].Content != "fast-result" {
		t.Errorf("second result = %+v", toolMsgs[1])
	}
}

func TestIterationCapApology(t *testing.T) {
	registry := tools.NewRegistry(nil)
	registry.Register(&tools.Tool{
		Name: "loop_forever",
		Handler: func(context.Context, tools.Call, map[string]any) (string, error) {
			return "again", nil
		},
	})

	// Always asks for another tool call; the cap must kick in.
	client := &scriptedClient{responses: []*llm.ChatResponse{
		{
			ToolCalls:    []llm.ToolCall{{ID: "x", Name: "loop_forever", Arguments: map[string]any{}}},
			FinishReason: llm.FinishToolCalls,
		},
	}}
	loop, _ := newTestLoop(t, client, registry)

	out := loop.ProcessMessage(context.Background(), inbound("go"))
	if out.Content != iterationApology {
		t.Errorf("Content = %q, want iteration apology", out.Content)
	}
	if len(client.requests) != 5 {
		t.Errorf("LLM calls = %d, want max_iterations (5)", len(client.requests))
	}
}

func TestEmptyAnswerGuard(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		{Content: "   \n\t ", FinishReason: llm.FinishStop},
	}}
	loop, sessions := newTestLoop(t, client, nil)

	out := loop.ProcessMessage(context.Background(), inbound("hi"))
	if out.Content != emptyApology {
		t.Errorf("Content = %q, want empty-answer apology", out.Content)
	}

	// The apology, not the blank answer, is what gets persisted.
	sess, _ := sessions.GetOrCreate("test:c1")
	if sess.Messages[1].Content != emptyApology {
		t.Errorf("saved assistant message = %q", sess.Messages[1].Content)
	}
}

func TestModelSwitchMetadata(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		{Content: "answer", FinishReason: llm.FinishStop},
	}}
	loop, sessions := newTestLoop(t, client, nil)

	msg := inbound("")
	msg.Metadata = map[string]any{"model_switch": "gpt-4o"}
	if out := loop.ProcessMessage(context.Background(), msg); out != nil {
		t.Errorf("model switch should not produce a reply, got %+v", out)
	}

	sess, _ := sessions.GetOrCreate("test:c1")
	if sess.ModelOverride != "gpt-4o" {
		t.Fatalf("ModelOverride = %q", sess.ModelOverride)
	}

	loop.ProcessMessage(context.Background(), inbound("hello"))
	if got := client.requests[0].Model; got != "gpt-4o" {
		t.Errorf("request model = %q, want session override", got)
	}
}

func TestRestrictedUserToolCallNotExecuted(t *testing.T) {
	registry := tools.NewRegistry(nil)
	executed := false
	registry.Register(&tools.Tool{
		Name: "exec",
		Handler: func(context.Context, tools.Call, map[string]any) (string, error) {
			executed = true
			return "ran", nil
		},
	})

	// The model asks for exec even though a guest sees no tools at all.
	client := &scriptedClient{responses: []*llm.ChatResponse{
		{
			ToolCalls:    []llm.ToolCall{{ID: "t1", Name: "exec", Arguments: map[string]any{}}},
			FinishReason: llm.FinishToolCalls,
		},
		{Content: "I cannot do that.", FinishReason: llm.FinishStop},
	}}
	loop, _ := newTestLoop(t, client, registry)
	um, err := users.NewManager(filepath.Join(t.TempDir(), "users.json"), nil)
	if err != nil {
		t.Fatalf("users manager: %v", err)
	}
	loop.users = um

	out := loop.ProcessMessage(context.Background(), inbound("run exec for me"))
	if executed {
		t.Fatal("tool executed for a caller whose allowed set excludes it")
	}
	if got := len(client.requests[0].Tools); got != 0 {
		t.Errorf("guest was advertised %d tools, want 0", got)
	}

	// The call still gets a transcript entry, worded like a missing tool.
	second := client.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "tool" || !strings.Contains(last.Content, "unknown tool") {
		t.Errorf("tool result = %+v, want unknown-tool error", last)
	}
	if out == nil || out.Content != "I cannot do that." {
		t.Errorf("out = %+v", out)
	}
}

func TestSystemMessageRouting(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResponse{
		{Content: "Reminder: the kettle is ready.", FinishReason: llm.FinishStop},
	}}
	loop, _ := newTestLoop(t, client, nil)

	out := loop.ProcessMessage(context.Background(), bus.InboundMessage{
		Channel:  "system",
		SenderID: "scheduler",
		ChatID:   "telegram:42",
		Content:  "Timer fired: kettle",
	})
	if out == nil {
		t.Fatal("expected routed response")
	}
	if out.Channel != "telegram" || out.ChatID != "42" {
		t.Errorf("routed to %s:%s, want telegram:42", out.Channel, out.ChatID)
	}

	// The event must reach the model as a system turn, not a user turn.
	req := client.requests[0]
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "system" || !strings.Contains(last.Content, "Timer fired") {
		t.Errorf("last message = %+v", last)
	}
}

func TestSystemMessageRunsToolCalls(t *testing.T) {
	registry := tools.NewRegistry(nil)
	var sent bool
	registry.Register(&tools.Tool{
		Name: "message",
		Handler: func(context.Context, tools.Call, map[string]any) (string, error) {
			sent = true
			return "delivered", nil
		},
	})

	client := &scriptedClient{responses: []*llm.ChatResponse{
		{
			ToolCalls:    []llm.ToolCall{{ID: "m1", Name: "message", Arguments: map[string]any{}}},
			FinishReason: llm.FinishToolCalls,
		},
		{Content: "Told the user.", FinishReason: llm.FinishStop},
	}}
	loop, _ := newTestLoop(t, client, registry)

	out := loop.ProcessMessage(context.Background(), bus.InboundMessage{
		Channel:  "system",
		SenderID: "subagent",
		ChatID:   "telegram:42",
		Content:  "Background job finished",
	})

	if len(client.requests[0].Tools) != 1 {
		t.Errorf("tools advertised on system turn = %d, want 1", len(client.requests[0].Tools))
	}
	if !sent {
		t.Error("tool call from a system turn was not executed")
	}
	if out == nil || out.Content != "Told the user." {
		t.Fatalf("out = %+v", out)
	}

	// The second request threads the tool result like a user turn would.
	second := client.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "tool" || last.Content != "delivered" {
		t.Errorf("tool result = %+v", last)
	}
}
