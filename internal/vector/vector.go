// Package vector maintains a persistent embedding index over the
// agent's long-term memory and history log, backed by chromem-go.
package vector

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
)

const (
	// SourceMemory and SourceHistory tag where an indexed chunk came
	// from, stored in document metadata under "source".
	SourceMemory  = "long_term_memory"
	SourceHistory = "history_log"

	// MinMemoryChunkLen and MinHistoryChunkLen filter out fragments too
	// short to embed usefully.
	MinMemoryChunkLen  = 50
	MinHistoryChunkLen = 30

	collectionName = "kestrel-memory"
)

// Result is one semantic search hit.
type Result struct {
	Content    string
	Source     string
	Similarity float32
}

// Index wraps a persistent chromem collection.
type Index struct {
	db         *chromem.DB
	collection *chromem.Collection
	logger     *slog.Logger
}

// New opens (or creates) the vector index under dataDir. embed computes
// embeddings for both writes and queries; it must not be nil.
func New(dataDir string, embed chromem.EmbeddingFunc, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := chromem.NewPersistentDB(filepath.Join(dataDir, "vectordb"), false)
	if err != nil {
		return nil, fmt.Errorf("open vector db: %w", err)
	}
	collection, err := db.GetOrCreateCollection(collectionName, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("open collection: %w", err)
	}
	return &Index{
		db:         db,
		collection: collection,
		logger:     logger.With("component", "vector"),
	}, nil
}

// IndexMemory replaces the long-term-memory side of the index with the
// chunks of content. The memory file is rewritten wholesale during
// consolidation, so stale memory documents are deleted first.
func (ix *Index) IndexMemory(ctx context.Context, content string) error {
	if err := ix.collection.Delete(ctx, map[string]string{"source": SourceMemory}, nil); err != nil {
		return fmt.Errorf("clear memory documents: %w", err)
	}

	chunks := SplitChunks(content, MinMemoryChunkLen)
	for _, chunk := range chunks {
		doc := chromem.Document{
			ID:       "mem-" + uuid.NewString(),
			Content:  chunk,
			Metadata: map[string]string{"source": SourceMemory},
		}
		if err := ix.collection.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("index memory chunk: %w", err)
		}
	}

	ix.logger.Debug("memory reindexed", "chunks", len(chunks))
	return nil
}

// IndexHistoryEntry adds one history log entry to the index. Entries
// shorter than MinHistoryChunkLen are skipped.
func (ix *Index) IndexHistoryEntry(ctx context.Context, entry string) error {
	entry = strings.TrimSpace(entry)
	if len(entry) < MinHistoryChunkLen {
		return nil
	}
	doc := chromem.Document{
		ID:       "hist-" + uuid.NewString(),
		Content:  entry,
		Metadata: map[string]string{"source": SourceHistory},
	}
	if err := ix.collection.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("index history entry: %w", err)
	}
	return nil
}

// Search returns the topK most similar chunks for query across both
// sources. topK is clamped to the collection size; an empty collection
// returns no results without error.
func (ix *Index) Search(ctx context.Context, query string, topK int) ([]Result, error) {
	count := ix.collection.Count()
	if count == 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if topK <= 0 {
		topK = 5
	}
	if topK > count {
		topK = count
	}

	hits, err := ix.collection.Query(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, Result{
			Content:    h.Content,
			Source:     h.Metadata["source"],
			Similarity: h.Similarity,
		})
	}
	return results, nil
}

// Count reports the number of indexed documents.
func (ix *Index) Count() int {
	return ix.collection.Count()
}

// SplitChunks splits text on blank lines and keeps chunks of at least
// minLen characters.
func SplitChunks(text string, minLen int) []string {
	var chunks []string
	for _, part := range strings.Split(text, "\n\n") {
		part = strings.TrimSpace(part)
		if len(part) >= minLen {
			chunks = append(chunks, part)
		}
	}
	return chunks
}
