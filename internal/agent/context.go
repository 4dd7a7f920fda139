package agent

import (
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kestrelhq/kestrel/internal/buildinfo"
	"github.com/kestrelhq/kestrel/internal/llm"
	"github.com/kestrelhq/kestrel/internal/memory"
	"github.com/kestrelhq/kestrel/internal/session"
	"github.com/kestrelhq/kestrel/internal/skills"
)

// bootstrapFiles are loaded from the workspace root into the system
// prompt, in this order. Missing files are skipped silently.
var bootstrapFiles = []string{"AGENTS.md", "SOUL.md", "USER.md", "TOOLS.md", "IDENTITY.md"}

const sectionSeparator = "\n\n---\n\n"

// ContextBuilder assembles the system prompt and message list for each
// LLM call. Assembly is deterministic: the same workspace state always
// yields the same prompt.
type ContextBuilder struct {
	workspace string
	memory    *memory.Store
	skills    *skills.Loader
}

// NewContextBuilder creates a context builder over the workspace.
func NewContextBuilder(workspace string, mem *memory.Store) *ContextBuilder {
	return &ContextBuilder{
		workspace: workspace,
		memory:    mem,
		skills:    skills.NewLoader(filepath.Join(workspace, "skills")),
	}
}

// BuildSystemPrompt assembles the system prompt: identity, bootstrap
// files, memory, then skills. Empty sections are omitted.
func (cb *ContextBuilder) BuildSystemPrompt() string {
	parts := []string{cb.identity()}

	if bootstrap := cb.loadBootstrapFiles(); bootstrap != "" {
		parts = append(parts, bootstrap)
	}

	if mem := cb.memory.MemoryContext(); mem != "" {
		parts = append(parts, "# Memory\n\n"+mem)
	}

	allSkills, err := cb.skills.LoadAll()
	if err == nil {
		if block := skills.PromptBlock(allSkills); block != "" {
			parts = append(parts, "# Skills\n\n"+block)
		}
	}

	return strings.Join(parts, sectionSeparator)
}

func (cb *ContextBuilder) identity() string {
	now := time.Now().Format("2006-01-02 15:04 (Monday)")
	workspace, err := filepath.Abs(cb.workspace)
	if err != nil {
		workspace = cb.workspace
	}

	return fmt.Sprintf(`# Kestrel

You are Kestrel, a personal AI assistant. You are helpful, precise, and concise. Use Markdown formatting in your answers.

## Time
%s

## Environment
%s

## Workspace
Workspace: %s
- Memory: %s/memory/MEMORY.md
- Skills: %s/skills/<skill-name>/SKILL.md

When answering a direct question, respond with text. Use the 'message' tool only to push an intermediate note during a long multi-step turn. When you use tools, briefly explain what you are doing. Record durable facts about the user in the memory file.`,
		now, buildinfo.Runtime(), workspace, workspace, workspace)
}

func (cb *ContextBuilder) loadBootstrapFiles() string {
	var parts []string
	for _, name := range bootstrapFiles {
		data, err := os.ReadFile(filepath.Join(cb.workspace, name))
		if err != nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("## %s\n\n%s", name, string(data)))
	}
	return strings.Join(parts, "\n\n")
}

// BuildMessages assembles the full message list for one LLM call:
// system prompt, session history, then the current user message with
// any image attachments.
func (cb *ContextBuilder) BuildMessages(history []session.Message, current string, media []string, channel, chatID string) []llm.Message {
	systemPrompt := cb.BuildSystemPrompt()
	if channel != "" && chatID != "" {
		systemPrompt += fmt.Sprintf("\n\n## Current Session\nChannel: %s\nChat ID: %s", channel, chatID)
	}

	messages := []llm.Message{{Role: "system", Content: systemPrompt}}
	for _, m := range history {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, buildUserMessage(current, media))
	return messages
}

// buildUserMessage attaches local image files as base64 data URLs.
// Non-image or unreadable paths are dropped silently.
func buildUserMessage(text string, media []string) llm.Message {
	msg := llm.Message{Role: "user", Content: text}
	if len(media) == 0 {
		return msg
	}

	var parts []llm.ContentPart
	for _, path := range media {
		mediaType := mime.TypeByExtension(filepath.Ext(path))
		if !strings.HasPrefix(mediaType, "image/") {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		parts = append(parts, llm.ContentPart{
			Type:     "image",
			ImageURL: fmt.Sprintf("data:%s;base64,%s", mediaType, base64.StdEncoding.EncodeToString(data)),
		})
	}
	if len(parts) == 0 {
		return msg
	}

	parts = append(parts, llm.ContentPart{Type: "text", Text: text})
	msg.Parts = parts
	return msg
}
