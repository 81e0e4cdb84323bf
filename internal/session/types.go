package session

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/antoniostano/recall/internal/completion"
	"github.com/antoniostano/recall/internal/memory"
	"github.com/antoniostano/recall/internal/reliability"
)

// BackendConfig names the embedding, vector store and completion backends of a session.
type BackendConfig struct {
	EmbeddingProvider   string  `json:"embedding_provider,omitempty" yaml:"embedding_provider"`
	EmbeddingEndpoint   string  `json:"embedding_endpoint" yaml:"embedding_endpoint"`
	EmbeddingModel      string  `json:"embedding_model" yaml:"embedding_model"`
	VectorStore         string  `json:"vector_store" yaml:"vector_store"`
	VectorStoreEndpoint string  `json:"vector_store_endpoint,omitempty" yaml:"vector_store_endpoint"`
	Collection          string  `json:"collection,omitempty" yaml:"collection"`
	VectorDimension     int     `json:"vector_dimension" yaml:"vector_dimension"`
	CompletionProvider  string  `json:"completion_provider,omitempty" yaml:"completion_provider"`
	CompletionEndpoint  string  `json:"completion_endpoint" yaml:"completion_endpoint"`
	Model               string  `json:"model" yaml:"model"`
	MaxTokens           int     `json:"max_tokens" yaml:"max_tokens"`
	Temperature         float64 `json:"temperature" yaml:"temperature"`
}

// Validate reports malformed settings as ConfigurationInvalid without contacting any backend.
func (c BackendConfig) Validate() error {
	if strings.TrimSpace(c.Model) == "" {
		return reliability.InvalidConfig("model name is required")
	}
	if c.VectorDimension <= 0 {
		return reliability.InvalidConfig("vector dimension must be positive, got %d", c.VectorDimension)
	}
	if c.MaxTokens <= 0 {
		return reliability.InvalidConfig("max tokens must be positive, got %d", c.MaxTokens)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return reliability.InvalidConfig("temperature must be within [0, 2], got %v", c.Temperature)
	}

	switch strings.ToLower(c.CompletionProvider) {
	case "mock", "anthropic":
		if c.CompletionEndpoint != "" {
			if err := validateHTTPURL("completion endpoint", c.CompletionEndpoint); err != nil {
				return err
			}
		}
	default:
		if err := validateHTTPURL("completion endpoint", c.CompletionEndpoint); err != nil {
			return err
		}
	}

	switch strings.ToLower(c.EmbeddingProvider) {
	case "mock", "hash":
	default:
		if strings.TrimSpace(c.EmbeddingModel) == "" {
			return reliability.InvalidConfig("embedding model is required")
		}
		if err := validateHTTPURL("embedding endpoint", c.EmbeddingEndpoint); err != nil {
			return err
		}
	}

	switch strings.ToLower(c.VectorStore) {
	case "", "memory", "chromem":
	case "qdrant":
		if err := validateHTTPURL("vector store endpoint", c.VectorStoreEndpoint); err != nil {
			return err
		}
		if strings.TrimSpace(c.Collection) == "" {
			return reliability.InvalidConfig("collection name is required for qdrant")
		}
	case "pgvector":
		u, err := url.Parse(c.VectorStoreEndpoint)
		if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
			return reliability.InvalidConfig("vector store endpoint must be a postgres:// url for pgvector")
		}
	default:
		return reliability.InvalidConfig("unsupported vector store %q", c.VectorStore)
	}
	return nil
}

func validateHTTPURL(name, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || raw == "" {
		return reliability.InvalidConfig("%s %q is not a valid url", name, raw)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return reliability.InvalidConfig("%s %q must be an absolute http(s) url", name, raw)
	}
	return nil
}

// Bindings is the set of backend clients a session talks to.
type Bindings struct {
	Memory     *memory.Store
	Completion completion.Client
}

func (b *Bindings) Close() error {
	if b == nil || b.Memory == nil {
		return nil
	}
	return b.Memory.Close()
}

// Binder builds the backend clients for a configuration.
type Binder func(ctx context.Context, cfg BackendConfig) (*Bindings, error)

// Turn is one visible message of the conversation transcript.
type Turn struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// ActiveTurn is handed to the caller running a turn. Ctx is canceled when the user is
// switched, the backends are rebound or the session ends.
type ActiveTurn struct {
	ID         string
	SessionID  string
	UserID     string
	Generation uint64
	Config     BackendConfig
	Bindings   *Bindings
	Ctx        context.Context
}

// ConnectRequest is the payload for opening a session.
type ConnectRequest struct {
	UserID  string         `json:"user_id"`
	Backend *BackendConfig `json:"backend,omitempty"`
}
