package completion

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/antoniostano/recall/internal/reliability"
)

const backendName = "completion"

// OpenAIClient talks to an OpenAI-compatible chat endpoint; Ollama serves one under /v1.
type OpenAIClient struct {
	client *openai.Client
}

func NewOpenAIClient(baseURL, apiKey string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = compatibleBaseURL(baseURL)
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg)}
}

func (c *OpenAIClient) Complete(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    toOpenAIMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
	}

	if !req.Stream {
		rsp, err := c.client.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			return Response{}, classifyOpenAIError(ctx, req.Model, err)
		}
		if len(rsp.Choices) == 0 {
			return Response{}, reliability.Classify(backendName, 0, errors.New("no choices in completion response"))
		}
		text := rsp.Choices[0].Message.Content
		if err := emit(ctx, onDelta, text); err != nil {
			return Response{}, err
		}
		return Response{Text: text}, nil
	}

	chatReq.Stream = true
	stream, err := c.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return Response{}, classifyOpenAIError(ctx, req.Model, err)
	}
	defer stream.Close()

	var out strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Response{}, classifyOpenAIError(ctx, req.Model, err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if err := emit(ctx, onDelta, delta); err != nil {
			return Response{}, err
		}
		out.WriteString(delta)
	}
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	return Response{Text: out.String()}, nil
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func compatibleBaseURL(baseURL string) string {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if strings.HasSuffix(u, "/v1") {
		return u
	}
	return u + "/v1"
}

func classifyOpenAIError(ctx context.Context, model string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status == 404 {
		return reliability.ModelNotFound(backendName, model, err)
	}
	return classifyStatus(model, status, err)
}

// classifyStatus keeps the three failure kinds apart: transport errors and retryable
// statuses are an unavailable backend, 404s and "model not found" bodies a missing model,
// everything else stays unknown.
func classifyStatus(model string, status int, err error) error {
	classified := reliability.Classify(backendName, status, err)
	if reliability.KindOf(classified) == reliability.KindModelNotFound {
		return reliability.ModelNotFound(backendName, model, err)
	}
	return classified
}
