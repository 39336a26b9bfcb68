package provider

import (
	"github.com/agent-brain/agent-brain/internal/config"
	"github.com/agent-brain/agent-brain/internal/errors"
)

// Interface checks.
var (
	_ Embedder   = (*OllamaEmbedder)(nil)
	_ Embedder   = (*OpenAIEmbedder)(nil)
	_ Embedder   = (*CohereEmbedder)(nil)
	_ Embedder   = (*CachedEmbedder)(nil)
	_ Summarizer = (*OllamaSummarizer)(nil)
	_ Summarizer = (*OpenAISummarizer)(nil)
	_ Reranker   = (*STReranker)(nil)
	_ Reranker   = (*OllamaReranker)(nil)
)

// NewEmbedder builds the configured embedder, wrapped in the LRU cache.
// Cloud providers require their API key env variable to be set.
func NewEmbedder(cfg config.ProviderConfig) (Embedder, error) {
	var inner Embedder
	switch cfg.Provider {
	case "ollama":
		inner = NewOllamaEmbedder(cfg.BaseURL, cfg.Model)
	case "openai":
		key := cfg.APIKey()
		if key == "" {
			return nil, missingKey("openai", cfg.APIKeyEnv)
		}
		inner = NewOpenAIEmbedder(cfg.BaseURL, cfg.Model, key)
	case "cohere":
		key := cfg.APIKey()
		if key == "" {
			return nil, missingKey("cohere", cfg.APIKeyEnv)
		}
		inner = NewCohereEmbedder(cfg.BaseURL, cfg.Model, key)
	default:
		return nil, errors.Newf(errors.ErrCodeUnknownProvider, "unknown embedding provider %q", cfg.Provider)
	}
	return NewCachedEmbedder(inner, DefaultEmbeddingCacheSize), nil
}

// NewSummarizer builds the configured summarizer, or nil when the section
// is absent. anthropic, gemini and grok speak their OpenAI-compatible
// endpoints through base_url.
func NewSummarizer(cfg config.ProviderConfig) (Summarizer, error) {
	if cfg.Provider == "" {
		return nil, nil
	}
	switch cfg.Provider {
	case "ollama":
		return NewOllamaSummarizer(cfg.BaseURL, cfg.Model), nil
	case "openai", "anthropic", "gemini", "grok":
		key := cfg.APIKey()
		if key == "" {
			return nil, missingKey(cfg.Provider, cfg.APIKeyEnv)
		}
		return NewOpenAISummarizer(cfg.Provider, cfg.BaseURL, cfg.Model, key), nil
	default:
		return nil, errors.Newf(errors.ErrCodeUnknownProvider, "unknown summarization provider %q", cfg.Provider)
	}
}

// NewReranker builds the configured reranker, or nil when reranking is not
// configured.
func NewReranker(cfg config.RerankerConfig) (Reranker, error) {
	if cfg.Provider == "" {
		return nil, nil
	}
	switch cfg.Provider {
	case "sentence-transformers":
		if cfg.BaseURL == "" {
			return nil, errors.Newf(errors.ErrCodeConfigInvalid,
				"reranker provider sentence-transformers requires base_url")
		}
		return NewSTReranker(cfg.BaseURL, cfg.Model), nil
	case "ollama":
		return NewOllamaReranker(cfg.BaseURL, cfg.Model), nil
	default:
		return nil, errors.Newf(errors.ErrCodeUnknownProvider, "unknown reranker provider %q", cfg.Provider)
	}
}

func missingKey(provider, env string) error {
	if env == "" {
		env = "api_key_env"
	}
	return errors.Newf(errors.ErrCodeMissingAPIKey,
		"provider %s requires an API key; set %s", provider, env).
		WithSuggestion("export the key or switch to the ollama provider")
}
