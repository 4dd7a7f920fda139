// Package agent implements the core message-processing loop: a bounded
// tool-calling state machine around the LLM provider chain.
package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kestrelhq/kestrel/internal/bus"
	"github.com/kestrelhq/kestrel/internal/config"
	"github.com/kestrelhq/kestrel/internal/llm"
	"github.com/kestrelhq/kestrel/internal/memory"
	"github.com/kestrelhq/kestrel/internal/session"
	"github.com/kestrelhq/kestrel/internal/tools"
	"github.com/kestrelhq/kestrel/internal/users"
)

const (
	iterationApology = "Sorry, I ran into trouble processing that message. Please try again."
	emptyApology     = "Sorry, I could not come up with an answer for that. Try rephrasing, or ask again later."
	rateLimitNotice  = "You have reached your daily message limit. Please come back tomorrow."

	// progressInterval throttles streamed progress updates so channels
	// do not hit rate limits.
	progressInterval = 1500 * time.Millisecond
)

// Loop consumes inbound messages from the bus, runs the tool-calling
// state machine for each, and publishes the final answer.
type Loop struct {
	client       llm.Client
	defaultModel string
	maxIter      int
	memoryWindow int

	bus          *bus.Bus
	sessions     *session.Manager
	context      *ContextBuilder
	tools        *tools.Registry
	users        *users.Manager
	consolidator *memory.Consolidator
	logger       *slog.Logger
}

// Options bundles the loop's collaborators.
type Options struct {
	Client       llm.Client
	Config       config.AgentConfig
	Bus          *bus.Bus
	Sessions     *session.Manager
	Context      *ContextBuilder
	Tools        *tools.Registry
	Users        *users.Manager // optional
	Consolidator *memory.Consolidator
	Logger       *slog.Logger
}

// New creates the agent loop.
func New(opts Options) *Loop {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxIter := opts.Config.MaxIterations
	if maxIter <= 0 {
		maxIter = 20
	}
	window := opts.Config.MemoryWindow
	if window <= 0 {
		window = 40
	}
	return &Loop{
		client:       opts.Client,
		defaultModel: opts.Config.DefaultModel,
		maxIter:      maxIter,
		memoryWindow: window,
		bus:          opts.Bus,
		sessions:     opts.Sessions,
		context:      opts.Context,
		tools:        opts.Tools,
		users:        opts.Users,
		consolidator: opts.Consolidator,
		logger:       logger.With("component", "agent"),
	}
}

// Run consumes inbound messages until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("agent loop started", "model", l.defaultModel, "max_iterations", l.maxIter)
	for {
		msg, ok := l.bus.ConsumeInbound(ctx)
		if !ok {
			l.logger.Info("agent loop stopping")
			return ctx.Err()
		}

		out := l.ProcessMessage(ctx, msg)
		if out == nil {
			continue
		}
		if err := l.bus.PublishOutbound(ctx, *out); err != nil {
			return err
		}
	}
}

// ProcessMessage runs one full turn for an inbound message and returns
// the response, or nil when no reply is needed.
func (l *Loop) ProcessMessage(ctx context.Context, msg bus.InboundMessage) *bus.OutboundMessage {
	if msg.Channel == "system" {
		return l.processSystemMessage(ctx, msg)
	}

	preview := msg.Content
	if len(preview) > 80 {
		preview = preview[:80] + "..."
	}
	l.logger.Info("processing message", "channel", msg.Channel, "sender", msg.SenderID, "preview", preview)

	sess, err := l.sessions.GetOrCreate(msg.SessionKey())
	if err != nil {
		l.logger.Error("session load failed", "session", msg.SessionKey(), "error", err)
		return &bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: iterationApology}
	}

	// Per-session model switch requested by the channel (e.g. /model).
	if newModel, ok := msg.Metadata["model_switch"].(string); ok {
		sess.ModelOverride = newModel
		if err := l.sessions.Save(sess); err != nil {
			l.logger.Error("model switch save failed", "session", sess.Key, "error", err)
		}
		return nil // channel already confirmed the switch
	}

	var profile *users.Profile
	if l.users != nil && msg.Channel != "cli" {
		profile = l.users.GetOrCreate(msg.SenderID, "")
		if !profile.CheckRateLimit() {
			return &bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: rateLimitNotice}
		}
		profile.RecordUsage()
	}

	var allowed []string
	if profile != nil {
		allowed = profile.AllowedTools()
	}
	toolDefs := l.tools.Definitions(allowed)
	call := tools.Call{
		Channel:    msg.Channel,
		ChatID:     msg.ChatID,
		SessionKey: msg.SessionKey(),
		Allowed:    tools.AllowSet(allowed),
	}

	// Old turns are archived in the background once the transcript
	// outgrows the window.
	if l.consolidator != nil {
		l.consolidator.MaybeTrigger(sess)
	}

	messages := l.context.BuildMessages(
		sess.History(l.memoryWindow),
		msg.Content,
		msg.Media,
		msg.Channel,
		msg.ChatID,
	)

	model := l.defaultModel
	if sess.ModelOverride != "" {
		model = sess.ModelOverride
	}

	l.bus.PublishProgress(bus.ProgressMessage{Channel: msg.Channel, ChatID: msg.ChatID, Status: "Thinking..."})

	finalContent := l.runIterations(ctx, call, messages, toolDefs, model)

	if strings.TrimSpace(finalContent) == "" {
		finalContent = emptyApology
	}

	sess.AddMessage("user", msg.Content)
	sess.AddMessage("assistant", finalContent)
	if err := l.sessions.Save(sess); err != nil {
		l.logger.Error("session save failed", "session", sess.Key, "error", err)
	}

	return &bus.OutboundMessage{
		Channel:  msg.Channel,
		ChatID:   msg.ChatID,
		Content:  finalContent,
		Metadata: map[string]any{"model": model},
	}
}

// runIterations drives the bounded tool-calling state machine and
// returns the final assistant text.
func (l *Loop) runIterations(ctx context.Context, call tools.Call, messages []llm.Message, toolDefs []llm.ToolDef, model string) string {
	for iteration := 0; iteration < l.maxIter; iteration++ {
		resp, err := l.client.Chat(ctx, llm.ChatRequest{
			Model:    model,
			Messages: messages,
			Tools:    toolDefs,
			OnToken:  l.streamProgress(call.Channel, call.ChatID),
		})
		if err != nil {
			l.logger.Error("chat failed", "session", call.SessionKey, "error", err)
			return iterationApology
		}

		if !resp.HasToolCalls() {
			return resp.Content
		}

		messages = append(messages, llm.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
			Reasoning: resp.Reasoning,
		})

		results := l.executeToolCalls(ctx, call, resp.ToolCalls)
		for i, tc := range resp.ToolCalls {
			messages = append(messages, llm.Message{
				Role:       "tool",
				ToolCallID: tc.ID,
				Name:       tc.Name,
				Content:    results[i],
			})
		}
	}

	l.logger.Warn("iteration cap reached", "session", call.SessionKey, "max", l.maxIter)
	return iterationApology
}

// executeToolCalls runs one batch of tool calls. A single call runs
// inline; multiple calls run concurrently, with results returned in the
// original call order.
func (l *Loop) executeToolCalls(ctx context.Context, call tools.Call, calls []llm.ToolCall) []string {
	results := make([]string, len(calls))

	if len(calls) == 1 {
		tc := calls[0]
		l.bus.PublishProgress(bus.ProgressMessage{
			Channel: call.Channel,
			ChatID:  call.ChatID,
			Status:  "Running " + tc.Name + "...",
		})
		results[0] = l.tools.Execute(ctx, call, tc.Name, tc.Arguments)
		return results
	}

	l.bus.PublishProgress(bus.ProgressMessage{
		Channel: call.Channel,
		ChatID:  call.ChatID,
		Status:  "Running " + strings.Join(toolNames(calls), ", ") + "...",
	})

	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(i int, tc llm.ToolCall) {
			defer wg.Done()
			results[i] = l.tools.Execute(ctx, call, tc.Name, tc.Arguments)
		}(i, tc)
	}
	wg.Wait()
	return results
}

func toolNames(calls []llm.ToolCall) []string {
	names := make([]string, len(calls))
	for i, tc := range calls {
		names[i] = tc.Name
	}
	return names
}

// streamProgress returns a token callback that publishes accumulated
// partial text at most once per progressInterval.
func (l *Loop) streamProgress(channel, chatID string) llm.StreamCallback {
	var accumulated strings.Builder
	lastUpdate := time.Now()

	return func(token string) {
		accumulated.WriteString(token)
		if time.Since(lastUpdate) < progressInterval {
			return
		}
		lastUpdate = time.Now()
		if accumulated.Len() > 80 {
			l.bus.PublishProgress(bus.ProgressMessage{
				Channel: channel,
				ChatID:  chatID,
				Status:  accumulated.String() + "▌",
			})
		}
	}
}

// processSystemMessage handles internally generated events (timers,
// announcements). The ChatID carries the origin "channel:chat_id" to
// route the answer back; the model sees the event as a system-role
// prompt rather than a user turn.
func (l *Loop) processSystemMessage(ctx context.Context, msg bus.InboundMessage) *bus.OutboundMessage {
	originChannel, originChat := "cli", msg.ChatID
	if idx := strings.Index(msg.ChatID, ":"); idx > 0 {
		originChannel = msg.ChatID[:idx]
		originChat = msg.ChatID[idx+1:]
	}
	sessionKey := originChannel + ":" + originChat

	l.logger.Info("processing system message", "sender", msg.SenderID, "origin", sessionKey)

	sess, err := l.sessions.GetOrCreate(sessionKey)
	if err != nil {
		l.logger.Error("session load failed", "session", sessionKey, "error", err)
		return nil
	}

	messages := l.context.BuildMessages(sess.History(l.memoryWindow), "", nil, originChannel, originChat)
	// Replace the empty user turn with the event as a system
	// instruction the model reacts to.
	messages[len(messages)-1] = llm.Message{
		Role:    "system",
		Content: "[System Event] " + msg.Content + "\n\nRelay or act on this for the user in your own words.",
	}

	model := l.defaultModel
	if sess.ModelOverride != "" {
		model = sess.ModelOverride
	}

	// System events run the same tool-calling state machine as user
	// turns, unrestricted: the handling often needs a tool (message,
	// cron) and there is no user profile to narrow the set.
	call := tools.Call{Channel: originChannel, ChatID: originChat, SessionKey: sessionKey}
	content := l.runIterations(ctx, call, messages, l.tools.Definitions(nil), model)
	if strings.TrimSpace(content) == "" {
		return nil
	}

	sess.AddMessage("system", msg.Content)
	sess.AddMessage("assistant", content)
	if err := l.sessions.Save(sess); err != nil {
		l.logger.Error("session save failed", "session", sessionKey, "error", err)
	}

	return &bus.OutboundMessage{Channel: originChannel, ChatID: originChat, Content: content}
}
