package embedding

import (
	"context"
	"fmt"
	"strings"
)

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config controls embedder construction.
type Config struct {
	Provider   string
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	CacheSize  int64
}

// New builds the configured embedder, wrapped in a cache when CacheSize > 0.
func New(cfg Config) (Embedder, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "openai"
	}

	var e Embedder
	switch provider {
	case "openai", "ollama":
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, fmt.Errorf("embedding base url is required for %s provider", provider)
		}
		e = NewOpenAIEmbedder(cfg.BaseURL, cfg.APIKey, cfg.Model)
	case "mock", "hash":
		e = NewHashEmbedder(cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", cfg.Provider)
	}

	if cfg.CacheSize <= 0 {
		return e, nil
	}
	cached, err := NewCachedEmbedder(e, cfg.Model, cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return cached, nil
}
