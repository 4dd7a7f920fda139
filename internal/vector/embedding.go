package vector

import (
	"strings"

	chromem "github.com/philippgille/chromem-go"

	"github.com/kestrelhq/kestrel/internal/config"
)

// ResolveEmbeddingFunc builds an embedding function from config.
// Returns nil when no usable configuration exists, in which case
// semantic search stays disabled.
func ResolveEmbeddingFunc(cfg config.EmbedConfig) chromem.EmbeddingFunc {
	model := cfg.Model
	if model == "" {
		model = "text-embedding-3-small"
	}

	switch cfg.Kind {
	case "ollama":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434/api"
		}
		return chromem.NewEmbeddingFuncOllama(model, baseURL)

	case "openai", "":
		if cfg.APIKey == "" {
			return nil
		}
		if cfg.BaseURL != "" {
			return chromem.NewEmbeddingFuncOpenAICompat(strings.TrimSuffix(cfg.BaseURL, "/"), cfg.APIKey, model, nil)
		}
		return chromem.NewEmbeddingFuncOpenAI(cfg.APIKey, chromem.EmbeddingModelOpenAI(model))
	}

	return nil
}
