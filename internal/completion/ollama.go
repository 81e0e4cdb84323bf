package completion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OllamaClient speaks Ollama's native /api/chat protocol, which streams NDJSON.
type OllamaClient struct {
	baseURL string
	client  *http.Client
}

func NewOllamaClient(baseURL string) *OllamaClient {
	return &OllamaClient{
		baseURL: strings.TrimSuffix(strings.TrimRight(strings.TrimSpace(baseURL), "/"), "/v1"),
		client: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

func (c *OllamaClient) Complete(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	options := map[string]any{"temperature": req.Temperature}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	payload, err := json.Marshal(ollamaChatRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   req.Stream,
		Options:  options,
	})
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Response{}, ctxErr
		}
		return Response{}, classifyStatus(req.Model, 0, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		statusErr := fmt.Errorf("ollama http status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		return Response{}, classifyStatus(req.Model, res.StatusCode, statusErr)
	}

	return c.consume(ctx, req.Model, res.Body, onDelta)
}

// consume reads one JSON object per line until a chunk reports done.
func (c *OllamaClient) consume(ctx context.Context, model string, body io.Reader, onDelta DeltaHandler) (Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk ollamaChatChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			return Response{}, fmt.Errorf("decode ollama chunk: %w", err)
		}
		if chunk.Error != "" {
			return Response{}, classifyStatus(model, 0, fmt.Errorf("ollama: %s", chunk.Error))
		}
		if delta := chunk.Message.Content; delta != "" {
			if err := emit(ctx, onDelta, delta); err != nil {
				return Response{}, err
			}
			out.WriteString(delta)
		}
		if chunk.Done {
			break
		}
	}
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	if err := scanner.Err(); err != nil {
		return Response{}, classifyStatus(model, 0, fmt.Errorf("stream read: %w", err))
	}
	return Response{Text: out.String()}, nil
}
