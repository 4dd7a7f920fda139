package vector

import (
	"context"
	"hash/fnv"
	"testing"

	chromem "github.com/philippgille/chromem-go"
)

// fakeEmbedding is a deterministic embedding function so tests need no
// network. Texts sharing words land closer together than unrelated ones.
func fakeEmbedding() chromem.EmbeddingFunc {
	return func(_ context.Context, text string) ([]float32, error) {
		vec := make([]float32, 16)
		h := fnv.New32a()
		h.Write([]byte(text))
		seed := h.Sum32()
		for i := range vec {
			seed = seed*1664525 + 1013904223
			vec[i] = float32(seed%1000)/500 - 1
		}
		return vec, nil
	}
}

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := New(t.TempDir(), fakeEmbedding(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return ix
}

func TestSplitChunks(t *testing.T) {
	text := "short\n\n" +
		"This chunk is comfortably longer than fifty characters in total length.\n\n" +
		"   \n\n" +
		"Another sufficiently long paragraph that should survive the length filter."

	chunks := SplitChunks(text, MinMemoryChunkLen)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2: %q", len(chunks), chunks)
	}
	for _, c := range chunks {
		if len(c) < MinMemoryChunkLen {
			t.Errorf("chunk below minimum length: %q", c)
		}
	}
}

func TestIndexMemoryReplacesOldChunks(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	first := "The user prefers metric units and lives in Berlin, Germany these days."
	if err := ix.IndexMemory(ctx, first); err != nil {
		t.Fatalf("IndexMemory() error = %v", err)
	}
	if ix.Count() != 1 {
		t.Fatalf("Count = %d, want 1", ix.Count())
	}

	second := "The user moved to Lisbon and now prefers local news in Portuguese.\n\n" +
		"Their favorite project is a home automation setup with many sensors."
	if err := ix.IndexMemory(ctx, second); err != nil {
		t.Fatalf("IndexMemory() error = %v", err)
	}
	if ix.Count() != 2 {
		t.Errorf("Count = %d, want 2 after reindex", ix.Count())
	}
}

func TestIndexHistoryEntrySkipsShort(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	if err := ix.IndexHistoryEntry(ctx, "too short"); err != nil {
		t.Fatalf("IndexHistoryEntry() error = %v", err)
	}
	if ix.Count() != 0 {
		t.Errorf("Count = %d, short entry should be skipped", ix.Count())
	}

	if err := ix.IndexHistoryEntry(ctx, "2026-08-29: discussed vacation plans for the autumn"); err != nil {
		t.Fatalf("IndexHistoryEntry() error = %v", err)
	}
	if ix.Count() != 1 {
		t.Errorf("Count = %d, want 1", ix.Count())
	}
}

func TestSearchEmptyIndex(t *testing.T) {
	ix := newTestIndex(t)

	results, err := ix.Search(context.Background(), "anything", 5)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %d, want 0 on empty index", len(results))
	}
}

func TestSearchClampsTopK(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	if err := ix.IndexHistoryEntry(ctx, "2026-08-29: planned the garden irrigation schedule"); err != nil {
		t.Fatalf("IndexHistoryEntry() error = %v", err)
	}

	results, err := ix.Search(ctx, "garden", 10)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].Source != SourceHistory {
		t.Errorf("Source = %q, want %q", results[0].Source, SourceHistory)
	}
}
