package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/kestrelhq/kestrel/internal/llm"
	"github.com/kestrelhq/kestrel/internal/session"
)

const consolidationSystem = "You are a memory consolidation agent. Respond only with valid JSON."

// Consolidator archives old conversation turns into the memory store
// using an LLM pass. Consolidation is best-effort and asynchronous: a
// failed run leaves the session untouched and is retried on the next
// trigger.
type Consolidator struct {
	client       llm.Client
	model        string
	store        *Store
	sessions     *session.Manager
	memoryWindow int
	logger       *slog.Logger

	// inflight tracks session keys with a consolidation run in
	// progress, so concurrent triggers for the same session collapse
	// into one run.
	inflight sync.Map
}

// NewConsolidator wires the consolidation pipeline.
func NewConsolidator(client llm.Client, model string, store *Store, sessions *session.Manager, memoryWindow int, logger *slog.Logger) *Consolidator {
	if memoryWindow <= 0 {
		memoryWindow = 40
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consolidator{
		client:       client,
		model:        model,
		store:        store,
		sessions:     sessions,
		memoryWindow: memoryWindow,
		logger:       logger.With("component", "consolidator"),
	}
}

// transcript is the copy of session state a consolidation run works
// on. The live session stays exclusively owned by the turn that
// triggered the run.
type transcript struct {
	key              string
	messages         []session.Message
	lastConsolidated int
}

// snapshotSession copies what consolidation needs out of the live
// session. Callers own the session when they trigger, so the copy
// itself needs no locking.
func snapshotSession(s *session.Session) transcript {
	msgs := make([]session.Message, len(s.Messages))
	copy(msgs, s.Messages)
	return transcript{key: s.Key, messages: msgs, lastConsolidated: s.LastConsolidated}
}

// MaybeTrigger starts an async consolidation when the session has grown
// past the memory window. At most one run per session is in flight.
func (c *Consolidator) MaybeTrigger(s *session.Session) {
	if len(s.Messages) <= c.memoryWindow {
		return
	}
	c.runAsync(snapshotSession(s), false)
}

// Archive consolidates the entire session transcript, regardless of
// size. Used when a session is reset or shut down.
func (c *Consolidator) Archive(s *session.Session) {
	c.runAsync(snapshotSession(s), true)
}

func (c *Consolidator) runAsync(snap transcript, archiveAll bool) {
	if _, loaded := c.inflight.LoadOrStore(snap.key, struct{}{}); loaded {
		return
	}
	go func() {
		defer c.inflight.Delete(snap.key)
		if err := c.run(context.Background(), snap, archiveAll); err != nil {
			c.logger.Error("consolidation failed", "session", snap.key, "error", err)
		}
	}()
}

// Consolidate runs one synchronous consolidation pass for the session.
// The transcript is copied up front; the only write-back is the
// watermark, applied through the session manager.
func (c *Consolidator) Consolidate(ctx context.Context, s *session.Session, archiveAll bool) error {
	return c.run(ctx, snapshotSession(s), archiveAll)
}

// run summarizes the unarchived old messages into a history entry and
// an updated long-term memory, then advances the consolidation
// watermark.
func (c *Consolidator) run(ctx context.Context, snap transcript, archiveAll bool) error {
	var old []session.Message
	keepCount := 0

	if archiveAll {
		old = snap.messages
	} else {
		keepCount = c.memoryWindow / 2
		if len(snap.messages) <= keepCount {
			return nil
		}
		if len(snap.messages)-snap.lastConsolidated <= 0 {
			return nil
		}
		old = snap.messages[snap.lastConsolidated : len(snap.messages)-keepCount]
	}
	if len(old) == 0 {
		return nil
	}

	c.logger.Info("consolidation started",
		"session", snap.key,
		"total", len(snap.messages),
		"archiving", len(old),
		"keeping", keepCount,
	)

	currentMemory := c.store.ReadLongTerm()
	prompt := buildConsolidationPrompt(old, currentMemory)

	resp, err := c.client.Chat(ctx, llm.ChatRequest{
		Model: c.model,
		Messages: []llm.Message{
			{Role: "system", Content: consolidationSystem},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return fmt.Errorf("consolidation chat: %w", err)
	}
	if resp.FinishReason == llm.FinishError {
		return fmt.Errorf("consolidation chat: provider unavailable")
	}

	var result struct {
		HistoryEntry string `json:"history_entry"`
		MemoryUpdate string `json:"memory_update"`
	}
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), &result); err != nil {
		return fmt.Errorf("parse consolidation result: %w", err)
	}

	if result.HistoryEntry != "" {
		if err := c.store.AppendHistory(ctx, result.HistoryEntry); err != nil {
			return err
		}
	}
	if result.MemoryUpdate != "" && result.MemoryUpdate != currentMemory {
		if err := c.store.WriteLongTerm(ctx, result.MemoryUpdate); err != nil {
			return err
		}
	}

	watermark := 0
	if !archiveAll {
		watermark = len(snap.messages) - keepCount
	}

	c.logger.Info("consolidation done",
		"session", snap.key,
		"messages", len(snap.messages),
		"last_consolidated", watermark,
	)
	return c.sessions.SetLastConsolidated(snap.key, watermark)
}

// buildConsolidationPrompt renders old messages as a timestamped
// transcript and asks for the two-key JSON result.
func buildConsolidationPrompt(old []session.Message, currentMemory string) string {
	var lines []string
	for _, m := range old {
		if m.Content == "" {
			continue
		}
		ts := m.Timestamp.Format("2006-01-02 15:04")
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", ts, strings.ToUpper(m.Role), m.Content))
	}
	conversation := strings.Join(lines, "\n")

	if currentMemory == "" {
		currentMemory = "(empty)"
	}

	return fmt.Sprintf(`Process this conversation and return a JSON object with exactly two keys:

1. "history_entry": A paragraph (2-5 sentences) summarizing the key events, decisions and topics. Start with a timestamp like [YYYY-MM-DD HH:MM]. Include enough detail to be useful when found by search later.

2. "memory_update": The updated long-term memory content. Add any new facts: user location, preferences, personal info, habits, project context, technical decisions, tools and services used. If nothing new, return the existing content unchanged.

## Current Long-term Memory
%s

## Conversation to Process
%s

Respond with ONLY valid JSON, no markdown fences.`, currentMemory, conversation)
}

// stripFences removes a markdown code fence wrapper if the model added
// one despite instructions.
func stripFences(content string) string {
	content = strings.TrimSpace(content)
	if idx := strings.Index(content, "```json"); idx >= 0 {
		content = content[idx+len("```json"):]
		if end := strings.Index(content, "```"); end >= 0 {
			content = content[:end]
		}
	} else if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```")
		if end := strings.Index(content, "```"); end >= 0 {
			content = content[:end]
		}
	}
	return strings.TrimSpace(content)
}
