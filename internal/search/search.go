// Package search routes web search queries to a configured backend.
// Backends register under a name; the agent's web_search tool only
// sees the manager.
package search

import (
	"context"
	"fmt"
)

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Options tune a single query.
type Options struct {
	// Count caps the number of results. Zero leaves it to the
	// backend's default; backends may return fewer anyway.
	Count int `json:"count,omitempty"`

	// Language is an ISO 639-1 code like "en" or "de".
	Language string `json:"language,omitempty"`
}

// Provider is a search backend.
type Provider interface {
	// Name identifies the backend, e.g. "searxng" or "brave".
	Name() string

	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// Manager holds the registered backends and picks one per query.
type Manager struct {
	providers map[string]Provider
	primary   string
}

// NewManager creates a manager that defaults to the named backend.
func NewManager(primary string) *Manager {
	return &Manager{
		providers: make(map[string]Provider),
		primary:   primary,
	}
}

// Register adds a backend under its own name.
func (m *Manager) Register(p Provider) {
	m.providers[p.Name()] = p
}

// Search runs the query on the primary backend.
func (m *Manager) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	p, ok := m.providers[m.primary]
	if !ok {
		return nil, fmt.Errorf("search provider %q not configured", m.primary)
	}
	return p.Search(ctx, query, opts)
}

// SearchWith runs the query on a specific backend instead of the
// primary one.
func (m *Manager) SearchWith(ctx context.Context, provider, query string, opts Options) ([]Result, error) {
	p, ok := m.providers[provider]
	if !ok {
		return nil, fmt.Errorf("search provider %q not configured", provider)
	}
	return p.Search(ctx, query, opts)
}

// Providers lists the registered backend names.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	return names
}

// Configured reports whether any backend is registered.
func (m *Manager) Configured() bool {
	return len(m.providers) > 0
}
