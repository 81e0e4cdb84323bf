package embedding

import (
	"context"
	"errors"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/antoniostano/recall/internal/reliability"
)

const backendName = "embedder"

// OpenAIEmbedder calls an OpenAI-compatible /v1/embeddings endpoint. Ollama serves one
// under <base>/v1, which is the default deployment.
type OpenAIEmbedder struct {
	model  string
	client *openai.Client
}

func NewOpenAIEmbedder(baseURL, apiKey, model string) *OpenAIEmbedder {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = CompatibleBaseURL(baseURL)
	return &OpenAIEmbedder{
		model:  model,
		client: openai.NewClientWithConfig(cfg),
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	rsp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, classifyOpenAIError(e.model, err)
	}

	if len(rsp.Data) == 0 || len(rsp.Data[0].Embedding) == 0 {
		return nil, reliability.Unavailable(backendName, errors.New("empty embedding response"))
	}

	return rsp.Data[0].Embedding, nil
}

// CompatibleBaseURL appends /v1 to a bare Ollama endpoint.
func CompatibleBaseURL(baseURL string) string {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if strings.HasSuffix(u, "/v1") {
		return u
	}
	return u + "/v1"
}

func classifyOpenAIError(model string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == 404 {
			return reliability.ModelNotFound(backendName, model, err)
		}
		return reliability.Classify(backendName, apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == 404 {
			return reliability.ModelNotFound(backendName, model, err)
		}
		return reliability.Classify(backendName, reqErr.HTTPStatusCode, err)
	}
	classified := reliability.Classify(backendName, 0, err)
	if reliability.KindOf(classified) == reliability.KindUnknown {
		// Anything that is not a model or cancel problem means we never got a usable answer.
		return reliability.Unavailable(backendName, err)
	}
	return classified
}
