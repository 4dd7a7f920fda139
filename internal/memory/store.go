// Package memory implements the agent's layered long-term memory:
// a curated fact file (MEMORY.md), an append-only history log
// (HISTORY.md), and a semantic vector index over both.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kestrelhq/kestrel/internal/vector"
)

// Store manages the memory files under <workspace>/memory. The vector
// index is optional; with a nil index the file layers still work and
// semantic search returns nothing.
type Store struct {
	memoryFile  string
	historyFile string
	index       *vector.Index
	logger      *slog.Logger
}

// NewStore creates the memory directory if needed and returns a store
// rooted there.
func NewStore(workspace string, index *vector.Index, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Join(workspace, "memory")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	return &Store{
		memoryFile:  filepath.Join(dir, "MEMORY.md"),
		historyFile: filepath.Join(dir, "HISTORY.md"),
		index:       index,
		logger:      logger.With("component", "memory"),
	}, nil
}

// ReadLongTerm returns the current MEMORY.md content, or "" when the
// file does not exist yet.
func (s *Store) ReadLongTerm() string {
	data, err := os.ReadFile(s.memoryFile)
	if err != nil {
		return ""
	}
	return string(data)
}

// WriteLongTerm rewrites MEMORY.md and reindexes its chunks.
func (s *Store) WriteLongTerm(ctx context.Context, content string) error {
	if err := os.WriteFile(s.memoryFile, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write memory file: %w", err)
	}
	if s.index != nil && content != "" {
		if err := s.index.IndexMemory(ctx, content); err != nil {
			// The file write succeeded; a stale index is recoverable.
			s.logger.Warn("memory indexing failed", "error", err)
		}
	}
	return nil
}

// AppendHistory appends one entry to HISTORY.md, separated by a blank
// line, and adds it to the vector index.
func (s *Store) AppendHistory(ctx context.Context, entry string) error {
	f, err := os.OpenFile(s.historyFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open history file: %w", err)
	}
	_, writeErr := f.WriteString(strings.TrimRight(entry, "\n") + "\n\n")
	if closeErr := f.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		return fmt.Errorf("append history: %w", writeErr)
	}

	if s.index != nil {
		if err := s.index.IndexHistoryEntry(ctx, entry); err != nil {
			s.logger.Warn("history indexing failed", "error", err)
		}
	}
	return nil
}

// MemoryContext returns the long-term memory block for the system
// prompt, or "" when memory is empty.
func (s *Store) MemoryContext() string {
	longTerm := s.ReadLongTerm()
	if longTerm == "" {
		return ""
	}
	return "## Long-term Memory\n" + longTerm
}

// SemanticSearch returns a formatted block of the most relevant indexed
// chunks for query, or "" when nothing matches or the index is
// disabled.
func (s *Store) SemanticSearch(ctx context.Context, query string, limit int) (string, error) {
	if s.index == nil {
		return "", nil
	}
	results, err := s.index.Search(ctx, query, limit)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("## Relevant Past Context (Semantic Search)\n")
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n", i+1, r.Content)
	}
	return b.String(), nil
}
