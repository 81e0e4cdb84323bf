package completion

import (
	"context"
	"fmt"
	"strings"
)

// MockClient provides deterministic local replies for development without a model.
type MockClient struct{}

func NewMockClient() *MockClient { return &MockClient{} }

func (c *MockClient) Complete(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	text := buildMockReply(req)
	if !req.Stream {
		if err := emit(ctx, onDelta, text); err != nil {
			return Response{}, err
		}
		return Response{Text: text}, nil
	}

	// Word-sized deltas, like a real stream.
	words := strings.SplitAfter(text, " ")
	for _, w := range words {
		if err := emit(ctx, onDelta, w); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: text}, nil
}

func buildMockReply(req Request) string {
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			last = req.Messages[i].Content
			break
		}
	}

	before, current, ok := strings.Cut(last, "Current message:")
	if !ok {
		before, current = "", last
	}
	current = strings.TrimSpace(current)
	if current == "" {
		current = "I am listening."
	}

	var remembered string
	if i := strings.Index(before, "- "); i >= 0 {
		remembered, _, _ = strings.Cut(before[i+2:], "\n")
		remembered = strings.TrimSpace(remembered)
	}
	if remembered == "" {
		return fmt.Sprintf("I heard you: %s", current)
	}
	return fmt.Sprintf("I heard you: %s\nI also remember: %s", current, remembered)
}
