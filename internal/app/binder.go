package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/antoniostano/recall/internal/completion"
	"github.com/antoniostano/recall/internal/config"
	"github.com/antoniostano/recall/internal/embedding"
	"github.com/antoniostano/recall/internal/health"
	"github.com/antoniostano/recall/internal/memory"
	"github.com/antoniostano/recall/internal/memory/chromem"
	"github.com/antoniostano/recall/internal/memory/pgvector"
	"github.com/antoniostano/recall/internal/memory/qdrant"
	"github.com/antoniostano/recall/internal/reliability"
	"github.com/antoniostano/recall/internal/session"
)

// Backends binds sessions to embedding, vector store and completion clients. Vector
// stores and embedders are pooled by configuration so every session bound to the same
// backend sees the same data; session handles only wrap them.
type Backends struct {
	cfg config.Config

	mu        sync.Mutex
	vectors   map[string]memory.VectorStore
	embedders map[string]embedding.Embedder
	// verified holds embedder keys whose vector size matched the store at least once.
	verified map[string]bool
}

func NewBackends(cfg config.Config) *Backends {
	return &Backends{
		cfg:       cfg,
		vectors:   make(map[string]memory.VectorStore),
		embedders: make(map[string]embedding.Embedder),
		verified:  make(map[string]bool),
	}
}

// Bind implements session.Binder.
func (b *Backends) Bind(ctx context.Context, bc session.BackendConfig) (*session.Bindings, error) {
	embedder, err := b.embedder(ctx, bc)
	if err != nil {
		return nil, err
	}
	vectors, err := b.vectorStore(ctx, bc)
	if err != nil {
		return nil, err
	}
	store, err := memory.NewStore(embedder, shared{vectors}, memory.Options{
		MinScore:       b.cfg.MemoryMinScore,
		RedactPII:      b.cfg.MemoryRedactPII,
		DeleteAttempts: b.cfg.MemoryDeleteAttempts,
	})
	if err != nil {
		return nil, err
	}

	client, err := completion.New(completion.Config{
		Provider: bc.CompletionProvider,
		BaseURL:  bc.CompletionEndpoint,
		APIKey:   b.cfg.LLMAPIKey,
	})
	if err != nil {
		return nil, err
	}

	// An unreachable model server is not fatal here; the turn degrades to an apology.
	switch strings.ToLower(bc.CompletionProvider) {
	case "", "openai", "ollama":
		if !health.Probe(ctx, bc.CompletionEndpoint, b.cfg.HealthProbeTimeout) {
			log.Printf("app: completion endpoint %s is not answering; turns will degrade until it does", bc.CompletionEndpoint)
		}
	}

	return &session.Bindings{Memory: store, Completion: client}, nil
}

func (b *Backends) embedder(ctx context.Context, bc session.BackendConfig) (embedding.Embedder, error) {
	key := strings.Join([]string{bc.EmbeddingProvider, bc.EmbeddingEndpoint, bc.EmbeddingModel, fmt.Sprint(bc.VectorDimension)}, "|")

	b.mu.Lock()
	e, ok := b.embedders[key]
	if !ok {
		var err error
		e, err = embedding.New(embedding.Config{
			Provider:   bc.EmbeddingProvider,
			BaseURL:    bc.EmbeddingEndpoint,
			Model:      bc.EmbeddingModel,
			Dimensions: bc.VectorDimension,
			CacheSize:  int64(b.cfg.EmbeddingCacheSize),
		})
		if err != nil {
			b.mu.Unlock()
			return nil, fmt.Errorf("embedder init failed: %w", err)
		}
		b.embedders[key] = e
	}
	verified := b.verified[key]
	b.mu.Unlock()

	if verified {
		return e, nil
	}
	err := checkDimension(ctx, e, bc.VectorDimension)
	switch {
	case err == nil:
		b.mu.Lock()
		b.verified[key] = true
		b.mu.Unlock()
	case reliability.KindOf(err) == reliability.KindDimensionMismatch:
		return nil, err
	default:
		// Checked again on the next bind; turns warn about memory until then.
		log.Printf("app: embedder %s not verified: %v", bc.EmbeddingModel, err)
	}
	return e, nil
}

// checkDimension embeds a short text once and compares its size with the store's.
func checkDimension(ctx context.Context, e embedding.Embedder, want int) error {
	if want <= 0 {
		return nil
	}
	if sized, ok := e.(interface{ Dimensions() int }); ok {
		if got := sized.Dimensions(); got > 0 {
			if got != want {
				return reliability.DimensionMismatch("embedder", got, want)
			}
			return nil
		}
	}
	vec, err := e.Embed(ctx, "dimension check")
	if err != nil {
		return err
	}
	if len(vec) != want {
		return reliability.DimensionMismatch("embedder", len(vec), want)
	}
	return nil
}

func (b *Backends) vectorStore(ctx context.Context, bc session.BackendConfig) (memory.VectorStore, error) {
	kind := strings.ToLower(strings.TrimSpace(bc.VectorStore))
	if kind == "" {
		kind = "memory"
	}
	key := strings.Join([]string{kind, bc.VectorStoreEndpoint, bc.Collection, fmt.Sprint(bc.VectorDimension)}, "|")

	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.vectors[key]; ok {
		return v, nil
	}

	var (
		v   memory.VectorStore
		err error
	)
	switch kind {
	case "memory":
		v = memory.NewInMemoryStore(bc.VectorDimension)
	case "qdrant":
		v, err = qdrant.New(ctx, qdrant.Config{
			URL:        bc.VectorStoreEndpoint,
			APIKey:     b.cfg.QdrantAPIKey,
			Collection: bc.Collection,
			Dimension:  bc.VectorDimension,
		})
	case "pgvector":
		v, err = pgvector.New(ctx, bc.VectorStoreEndpoint, bc.VectorDimension)
	case "chromem":
		v, err = chromem.New(bc.VectorStoreEndpoint, bc.VectorDimension)
	default:
		err = fmt.Errorf("unsupported vector store %q", bc.VectorStore)
	}
	if err != nil {
		return nil, fmt.Errorf("%s vector store init failed: %w", kind, err)
	}
	b.vectors[key] = v
	log.Printf("app: vector store ready kind=%s dim=%d", kind, bc.VectorDimension)
	return v, nil
}

// Close releases every pooled backend.
func (b *Backends) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for key, v := range b.vectors {
		if err := v.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(b.vectors, key)
	}
	for key, e := range b.embedders {
		if c, ok := e.(interface{ Close() }); ok {
			c.Close()
		}
		delete(b.embedders, key)
	}
	return errors.Join(errs...)
}

// shared hides Close from session handles; pooled stores live until Backends.Close.
type shared struct {
	memory.VectorStore
}

func (shared) Close() error { return nil }
