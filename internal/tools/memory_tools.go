package tools

import (
	"context"
	"fmt"

	"github.com/kestrelhq/kestrel/internal/memory"
)

// RegisterMemorySearch adds the memory_search tool, which looks up
// relevant past context in the semantic index.
func RegisterMemorySearch(r *Registry, store *memory.Store) {
	r.Register(&Tool{
		Name:        "memory_search",
		Description: "Search long-term memory and conversation history for relevant past context.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "What to look for.",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum results. Default: 5.",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, _ Call, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			if query == "" {
				return "", fmt.Errorf("query is required")
			}
			limit := 5
			if l, ok := args["limit"].(float64); ok && l > 0 {
				limit = int(l)
			}

			out, err := store.SemanticSearch(ctx, query, limit)
			if err != nil {
				return "", err
			}
			if out == "" {
				return "No relevant past context found.", nil
			}
			return out, nil
		},
	})
}
