package completion

import (
	"context"
	"fmt"
	"strings"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat message sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single chat completion.
type Request struct {
	Model       string
	Messages    []Message
	Stream      bool
	MaxTokens   int
	Temperature float64
}

// Response is the final text after all deltas were delivered.
type Response struct {
	Text string `json:"text"`
}

// DeltaHandler receives streamed text fragments in order. Returning an error stops the
// completion.
type DeltaHandler func(delta string) error

// Client produces assistant text for a Request. A non-streaming request delivers the
// whole reply as a single delta. Once ctx is done no further deltas are delivered and
// ctx.Err() is returned.
type Client interface {
	Complete(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error)
}

// Config controls client construction.
type Config struct {
	Provider string
	BaseURL  string
	APIKey   string
}

func New(cfg Config) (Client, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "openai"
	}

	switch provider {
	case "openai":
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, fmt.Errorf("completion base url is required for openai provider")
		}
		return NewOpenAIClient(cfg.BaseURL, cfg.APIKey), nil
	case "ollama":
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, fmt.Errorf("completion base url is required for ollama provider")
		}
		return NewOllamaClient(cfg.BaseURL), nil
	case "anthropic":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, fmt.Errorf("api key is required for anthropic provider")
		}
		return NewAnthropicClient(cfg.APIKey, cfg.BaseURL), nil
	case "mock":
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unsupported completion provider %q", cfg.Provider)
	}
}

// emit forwards a delta unless the turn was canceled.
func emit(ctx context.Context, onDelta DeltaHandler, delta string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if onDelta == nil || delta == "" {
		return nil
	}
	return onDelta(delta)
}
