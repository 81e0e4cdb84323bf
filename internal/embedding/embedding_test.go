package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/antoniostano/recall/internal/reliability"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestHashEmbedderSharedWordsAreSimilar(t *testing.T) {
	e := NewHashEmbedder(256)
	ctx := context.Background()
	fact, _ := e.Embed(ctx, "My favorite color is blue.")
	question, _ := e.Embed(ctx, "What's my favorite color?")
	other, _ := e.Embed(ctx, "The train leaves at noon tomorrow")

	related := cosine(fact, question)
	unrelated := cosine(fact, other)
	if related <= unrelated {
		t.Fatalf("related similarity %.3f should exceed unrelated %.3f", related, unrelated)
	}
	if len(fact) != 256 {
		t.Fatalf("len(vector) = %d, want 256", len(fact))
	}
}

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHashEmbedder(0)
	a, _ := e.Embed(context.Background(), "hello world")
	b, _ := e.Embed(context.Background(), "hello world")
	if len(a) != defaultHashDimensions {
		t.Fatalf("len(vector) = %d, want %d", len(a), defaultHashDimensions)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("vectors differ at %d", i)
		}
	}
}

func TestNormalizeZeroVector(t *testing.T) {
	v := []float32{0, 0, 0}
	Normalize(v)
	for _, x := range v {
		if x != 0 {
			t.Fatalf("Normalize of zero vector: got %f, want 0", x)
		}
	}
}

type countingEmbedder struct {
	calls atomic.Int32
}

func (c *countingEmbedder) Embed(context.Context, string) ([]float32, error) {
	c.calls.Add(1)
	return []float32{1, 0}, nil
}

func TestCachedEmbedderReusesVectors(t *testing.T) {
	next := &countingEmbedder{}
	c, err := NewCachedEmbedder(next, "nomic", 100)
	if err != nil {
		t.Fatalf("NewCachedEmbedder() error = %v", err)
	}
	defer c.Close()

	if _, err := c.Embed(context.Background(), "same text"); err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	c.Wait()
	if _, err := c.Embed(context.Background(), "same text"); err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if got := next.calls.Load(); got != 1 {
		t.Fatalf("backend calls = %d, want 1", got)
	}
}

func TestOpenAIEmbedderAgainstCompatibleServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  "nomic-embed-text:latest",
			"data": []map[string]any{
				{"object": "embedding", "index": 0, "embedding": []float32{0.1, 0.2, 0.3}},
			},
		})
	}))
	defer ts.Close()

	e := NewOpenAIEmbedder(ts.URL, "", "nomic-embed-text:latest")
	vec, err := e.Embed(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(vec) != 3 {
		t.Fatalf("len(vector) = %d, want 3", len(vec))
	}
}

func TestOpenAIEmbedderClassifiesMissingModel(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"message":"model \"nope\" not found, try pulling it first","type":"api_error"}}`))
	}))
	defer ts.Close()

	e := NewOpenAIEmbedder(ts.URL, "", "nope")
	_, err := e.Embed(context.Background(), "hi")
	if !errors.Is(err, reliability.ErrModelNotFound) {
		t.Fatalf("Embed() error = %v, want model not found", err)
	}
}

func TestOpenAIEmbedderUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	e := NewOpenAIEmbedder(url, "", "nomic-embed-text:latest")
	_, err := e.Embed(context.Background(), "hi")
	if !errors.Is(err, reliability.ErrBackendUnavailable) {
		t.Fatalf("Embed() error = %v, want backend unavailable", err)
	}
}

func TestCompatibleBaseURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:11434":    "http://localhost:11434/v1",
		"http://localhost:11434/":   "http://localhost:11434/v1",
		"http://localhost:11434/v1": "http://localhost:11434/v1",
		" http://host:1/v1/ ":       "http://host:1/v1",
	}
	for in, want := range cases {
		if got := CompatibleBaseURL(in); got != want {
			t.Fatalf("CompatibleBaseURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	if _, err := New(Config{Provider: "telepathy"}); err == nil {
		t.Fatalf("New() expected error for unknown provider")
	}
}
