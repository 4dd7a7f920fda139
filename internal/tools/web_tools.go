package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/kestrelhq/kestrel/internal/config"
	"github.com/kestrelhq/kestrel/internal/fetch"
	"github.com/kestrelhq/kestrel/internal/search"
)

// RegisterWebTools adds web_search and web_fetch to a registry.
// web_search is only registered when a search backend is configured.
func RegisterWebTools(r *Registry, cfg config.WebConfig) {
	if mgr := buildSearchManager(cfg); mgr != nil {
		registerWebSearch(r, mgr, cfg.MaxResults)
	}
	registerWebFetch(r, fetch.New(), cfg.MaxFetchLen)
}

func buildSearchManager(cfg config.WebConfig) *search.Manager {
	primary := cfg.SearchProvider
	if primary == "" {
		switch {
		case cfg.BraveAPIKey != "":
			primary = "brave"
		case cfg.SearxngURL != "":
			primary = "searxng"
		default:
			return nil
		}
	}

	mgr := search.NewManager(primary)
	if cfg.BraveAPIKey != "" {
		mgr.Register(search.NewBrave(cfg.BraveAPIKey))
	}
	if cfg.SearxngURL != "" {
		mgr.Register(search.NewSearXNG(cfg.SearxngURL))
	}
	return mgr
}

func registerWebSearch(r *Registry, mgr *search.Manager, maxResults int) {
	if maxResults <= 0 {
		maxResults = 5
	}

	r.Register(&Tool{
		Name:        "web_search",
		Description: "Search the web and return results with titles, URLs and snippets.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Search query.",
				},
				"count": map[string]any{
					"type":        "integer",
					"description": "Maximum number of results.",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, _ Call, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			if query == "" {
				return "", fmt.Errorf("query is required")
			}

			opts := search.Options{Count: maxResults}
			if count, ok := args["count"].(float64); ok && count > 0 {
				opts.Count = int(count)
			}

			results, err := mgr.Search(ctx, query, opts)
			if err != nil {
				return "", err
			}
			if len(results) == 0 {
				return "No results found.", nil
			}

			var b strings.Builder
			for i, res := range results {
				fmt.Fprintf(&b, "%d. %s\n   %s\n", i+1, res.Title, res.URL)
				if res.Snippet != "" {
					fmt.Fprintf(&b, "   %s\n", res.Snippet)
				}
			}
			return b.String(), nil
		},
	})
}

func registerWebFetch(r *Registry, f *fetch.Fetcher, maxChars int) {
	r.Register(&Tool{
		Name:        "web_fetch",
		Description: "Fetch a URL and extract its readable text content.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "URL to fetch.",
				},
				"max_chars": map[string]any{
					"type":        "integer",
					"description": "Maximum characters to return.",
				},
			},
			"required": []string{"url"},
		},
		Handler: func(ctx context.Context, _ Call, args map[string]any) (string, error) {
			url, _ := args["url"].(string)
			if url == "" {
				return "", fmt.Errorf("url is required")
			}

			limit := maxChars
			if mc, ok := args["max_chars"].(float64); ok && mc > 0 {
				limit = int(mc)
			}

			result, err := f.Fetch(ctx, url, limit)
			if err != nil {
				return "", err
			}
			if result.Title != "" {
				return fmt.Sprintf("Title: %s\n\n%s", result.Title, result.Content), nil
			}
			return result.Content, nil
		},
	})
}
