// Package tools defines the tools available to the agent and the
// registry that executes them.
package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kestrelhq/kestrel/internal/llm"
)

// Call carries per-invocation routing state so tools know which
// conversation they are acting for. It is passed explicitly to every
// handler; tools hold no mutable channel state.
type Call struct {
	Channel    string
	ChatID     string
	SessionKey string

	// Allowed restricts which tools this invocation may execute. nil
	// means unrestricted. Models occasionally call tools that were
	// never advertised to them, so the restriction is enforced here
	// too, not just when building definitions.
	Allowed map[string]bool
}

// AllowSet converts a tool name list into the set form used by Call
// and Definitions. nil stays nil, meaning unrestricted; an empty
// non-nil slice yields an empty set that permits nothing.
func AllowSet(names []string) map[string]bool {
	if names == nil {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[name] = true
	}
	return set
}

// Tool represents a callable tool.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     func(ctx context.Context, call Call, args map[string]any) (string, error)
}

// Registry holds available tools.
type Registry struct {
	tools  map[string]*Tool
	order  []string
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger.With("component", "tools"),
	}
}

// Register adds a tool. Re-registering a name replaces the previous
// tool.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns tool definitions for the LLM request, in
// registration order. When allowed is non-nil only the named tools are
// included; nil means unrestricted.
func (r *Registry) Definitions(allowed []string) []llm.ToolDef {
	allowSet := AllowSet(allowed)

	var defs []llm.ToolDef
	for _, name := range r.order {
		if allowSet != nil && !allowSet[name] {
			continue
		}
		t := r.tools[name]
		defs = append(defs, llm.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return defs
}

// Execute runs a tool and always returns a result string for the
// transcript. Unknown tools, handler errors, and panics all become
// error strings so the model can react instead of the loop dying. A
// tool outside call.Allowed is treated exactly like an unregistered
// one: no handler runs.
func (r *Registry) Execute(ctx context.Context, call Call, name string, args map[string]any) (result string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", rec)
			result = fmt.Sprintf("Error: tool %s panicked: %v", name, rec)
		}
	}()

	if call.Allowed != nil && !call.Allowed[name] {
		r.logger.Warn("tool call outside allowed set", "tool", name, "session", call.SessionKey)
		return fmt.Sprintf("Error: unknown tool %q", name)
	}

	t, ok := r.tools[name]
	if !ok {
		return fmt.Sprintf("Error: unknown tool %q", name)
	}

	r.logger.Debug("executing tool", "tool", name, "session", call.SessionKey)
	out, err := t.Handler(ctx, call, args)
	if err != nil {
		r.logger.Warn("tool failed", "tool", name, "error", err)
		return fmt.Sprintf("Error: %v", err)
	}
	if out == "" {
		out = "(no output)"
	}
	return out
}
