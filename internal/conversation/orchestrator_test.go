package conversation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/recall/internal/completion"
	"github.com/antoniostano/recall/internal/embedding"
	"github.com/antoniostano/recall/internal/memory"
	"github.com/antoniostano/recall/internal/observability"
	"github.com/antoniostano/recall/internal/reliability"
	"github.com/antoniostano/recall/internal/session"
)

const testDim = 512

// scriptedClient replays fixed deltas, optionally failing or blocking until canceled.
type scriptedClient struct {
	deltas  []string
	err     error
	block   bool
	started chan struct{}

	mu   sync.Mutex
	reqs []completion.Request
}

func (c *scriptedClient) Complete(ctx context.Context, req completion.Request, onDelta completion.DeltaHandler) (completion.Response, error) {
	c.mu.Lock()
	c.reqs = append(c.reqs, req)
	c.mu.Unlock()

	var out strings.Builder
	for _, d := range c.deltas {
		if err := onDelta(d); err != nil {
			return completion.Response{}, err
		}
		out.WriteString(d)
	}
	if c.block {
		if c.started != nil {
			close(c.started)
		}
		<-ctx.Done()
		return completion.Response{}, ctx.Err()
	}
	if c.err != nil {
		return completion.Response{}, c.err
	}
	return completion.Response{Text: out.String()}, nil
}

func (c *scriptedClient) lastRequest() completion.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reqs[len(c.reqs)-1]
}

// flakyVectors fails Upsert or Query on demand.
type flakyVectors struct {
	*memory.InMemoryStore
	failUpsert bool
	failQuery  bool
}

func (f *flakyVectors) Upsert(ctx context.Context, userID string, vector []float32, payload memory.Payload) (string, error) {
	if f.failUpsert {
		return "", errors.New("upsert refused")
	}
	return f.InMemoryStore.Upsert(ctx, userID, vector, payload)
}

func (f *flakyVectors) Query(ctx context.Context, userID string, vector []float32, k int) ([]memory.Record, error) {
	if f.failQuery {
		return nil, errors.New("query refused")
	}
	return f.InMemoryStore.Query(ctx, userID, vector, k)
}

type harness struct {
	orch     *Orchestrator
	sessions *session.Manager
	vectors  *flakyVectors
	client   completion.Client
}

func newHarness(t *testing.T, client completion.Client, opts memory.Options) *harness {
	t.Helper()
	h := &harness{
		vectors: &flakyVectors{InMemoryStore: memory.NewInMemoryStore(testDim)},
		client:  client,
	}
	binder := func(context.Context, session.BackendConfig) (*session.Bindings, error) {
		store, err := memory.NewStore(embedding.NewHashEmbedder(testDim), h.vectors, opts)
		if err != nil {
			return nil, err
		}
		return &session.Bindings{Memory: store, Completion: h.client}, nil
	}
	h.sessions = session.NewManager(binder, time.Minute)
	h.orch = New(h.sessions, nil, Options{})
	return h
}

func (h *harness) connect(t *testing.T, userID string) string {
	t.Helper()
	s, err := h.sessions.Connect(context.Background(), userID, session.BackendConfig{
		EmbeddingProvider:  "mock",
		VectorStore:        "memory",
		VectorDimension:    testDim,
		CompletionProvider: "openai",
		CompletionEndpoint: "http://localhost:11434",
		Model:              "gemma3:1b",
		MaxTokens:          2048,
		Temperature:        0.1,
	})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return s.ID
}

func (h *harness) search(t *testing.T, sessionID, query string) []memory.Record {
	t.Helper()
	b, userID, err := h.sessions.Bindings(sessionID)
	if err != nil {
		t.Fatalf("Bindings() error = %v", err)
	}
	hits, err := b.Memory.Search(context.Background(), query, userID, memory.DefaultSearchLimit)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	return hits
}

func hasStage(res TurnResult, want State) bool {
	for _, s := range res.Stages {
		if s == want {
			return true
		}
	}
	return false
}

func TestHandleUserMessageRemembersFacts(t *testing.T) {
	client := &scriptedClient{deltas: []string{"Noted", "!"}}
	h := newHarness(t, client, memory.Options{MinScore: memory.DefaultMinScore})
	sid := h.connect(t, "alice")

	var streamed []string
	res, err := h.orch.HandleUserMessage(context.Background(), sid, "My favorite color is blue.", func(d string) error {
		streamed = append(streamed, d)
		return nil
	})
	if err != nil {
		t.Fatalf("HandleUserMessage() error = %v", err)
	}
	if res.State != StateCompleted || res.Response != "Noted!" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if strings.Join(streamed, "") != "Noted!" {
		t.Fatalf("unexpected streamed deltas %v", streamed)
	}
	wantStages := []State{StateStarted, StateMemoryWritten, StateContextRetrieved, StateGenerating, StateCompleted}
	if len(res.Stages) != len(wantStages) {
		t.Fatalf("Stages = %v, want %v", res.Stages, wantStages)
	}
	for i := range wantStages {
		if res.Stages[i] != wantStages[i] {
			t.Fatalf("Stages = %v, want %v", res.Stages, wantStages)
		}
	}
	if len(res.Transcript) != 2 || res.Transcript[0].Role != "user" || res.Transcript[1].Content != "Noted!" {
		t.Fatalf("unexpected transcript: %+v", res.Transcript)
	}
	if !strings.Contains(res.ContextCaption(), "relevant memories used") {
		t.Fatalf("unexpected caption %q", res.ContextCaption())
	}

	all, err := h.orch.ViewAllMemories(context.Background(), sid)
	if err != nil {
		t.Fatalf("ViewAllMemories() error = %v", err)
	}
	if len(all) != 2 || all[0].Text != "My favorite color is blue." || all[1].Text != "Assistant: Noted!" {
		t.Fatalf("unexpected memories: %+v", all)
	}
	if all[1].Role != memory.RoleAssistant {
		t.Fatalf("assistant memory role = %q", all[1].Role)
	}

	hits := h.search(t, sid, "What's my favorite color?")
	if len(hits) == 0 || hits[0].Text != "My favorite color is blue." {
		t.Fatalf("expected the color fact ranked first, got %+v", hits)
	}
}

func TestHandleUserMessageGroundsOnlyOnRetrievedMemory(t *testing.T) {
	client := &scriptedClient{deltas: []string{"ok"}}
	h := newHarness(t, client, memory.Options{})
	sid := h.connect(t, "alice")

	if _, err := h.orch.HandleUserMessage(context.Background(), sid, "I live in Lisbon", nil); err != nil {
		t.Fatalf("HandleUserMessage() error = %v", err)
	}
	if _, err := h.orch.HandleUserMessage(context.Background(), sid, "Where do I live?", nil); err != nil {
		t.Fatalf("HandleUserMessage() error = %v", err)
	}

	req := client.lastRequest()
	if len(req.Messages) != 2 {
		t.Fatalf("expected system + one user message, got %d messages", len(req.Messages))
	}
	if req.Messages[0].Role != completion.RoleSystem || req.Messages[0].Content != SystemPrompt {
		t.Fatalf("unexpected system message: %+v", req.Messages[0])
	}
	user := req.Messages[1].Content
	if !strings.HasPrefix(user, "Context from previous conversations with alice: - ") {
		t.Fatalf("unexpected grounding prefix: %q", user)
	}
	if !strings.Contains(user, "- I live in Lisbon\n") || !strings.HasSuffix(user, "\nCurrent message: Where do I live?") {
		t.Fatalf("unexpected grounded message: %q", user)
	}
	if !req.Stream || req.Model != "gemma3:1b" || req.MaxTokens != 2048 {
		t.Fatalf("unexpected request settings: %+v", req)
	}
}

func TestSwitchUserIsolatesMemoryAndTranscript(t *testing.T) {
	client := &scriptedClient{deltas: []string{"Noted!"}}
	h := newHarness(t, client, memory.Options{MinScore: memory.DefaultMinScore})
	sid := h.connect(t, "alice")

	if _, err := h.orch.HandleUserMessage(context.Background(), sid, "My favorite color is blue.", nil); err != nil {
		t.Fatalf("HandleUserMessage() error = %v", err)
	}

	switched, err := h.sessions.SwitchUser(context.Background(), sid, "bob")
	if err != nil {
		t.Fatalf("SwitchUser() error = %v", err)
	}
	if len(switched.Transcript) != 0 {
		t.Fatalf("bob should see an empty transcript, got %+v", switched.Transcript)
	}
	if hits := h.search(t, sid, "What's my favorite color?"); len(hits) != 0 {
		t.Fatalf("bob's search surfaced foreign memories: %+v", hits)
	}

	res, err := h.orch.HandleUserMessage(context.Background(), sid, "What's my favorite color?", nil)
	if err != nil {
		t.Fatalf("HandleUserMessage() error = %v", err)
	}
	for _, rec := range res.Context {
		if rec.UserID != "bob" || strings.Contains(rec.Text, "blue") {
			t.Fatalf("bob's turn grounded on alice's memory: %+v", rec)
		}
	}
	all, err := h.orch.ViewAllMemories(context.Background(), sid)
	if err != nil {
		t.Fatalf("ViewAllMemories() error = %v", err)
	}
	for _, rec := range all {
		if strings.Contains(rec.Text, "blue") {
			t.Fatalf("bob can list alice's memory: %+v", rec)
		}
	}
}

func TestUnreachableModelYieldsApology(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	h := newHarness(t, completion.NewOpenAIClient(endpoint, ""), memory.Options{})
	sid := h.connect(t, "alice")

	var streamed []string
	res, err := h.orch.HandleUserMessage(context.Background(), sid, "hello there", func(d string) error {
		streamed = append(streamed, d)
		return nil
	})
	if err != nil {
		t.Fatalf("HandleUserMessage() error = %v", err)
	}
	if res.State != StateDegraded || res.Response != Apology {
		t.Fatalf("expected degraded apology, got %+v", res)
	}
	if res.ErrorKind != reliability.KindBackendUnavailable || !strings.Contains(res.Notice, "could not reach") {
		t.Fatalf("unexpected classification: kind=%q notice=%q", res.ErrorKind, res.Notice)
	}
	if len(streamed) != 0 {
		t.Fatalf("no deltas expected from an unreachable backend, got %v", streamed)
	}
	last := res.Transcript[len(res.Transcript)-1]
	if last.Role != "assistant" || last.Content != Apology {
		t.Fatalf("transcript should end with the apology, got %+v", last)
	}

	all, err := h.orch.ViewAllMemories(context.Background(), sid)
	if err != nil {
		t.Fatalf("ViewAllMemories() error = %v", err)
	}
	if len(all) != 1 || all[0].Text != "hello there" {
		t.Fatalf("apology must not be stored, memories = %+v", all)
	}
}

func TestMissingModelNotice(t *testing.T) {
	client := &scriptedClient{err: reliability.ModelNotFound("completion", "gemma3:1b", errors.New("404"))}
	h := newHarness(t, client, memory.Options{})
	sid := h.connect(t, "alice")

	res, err := h.orch.HandleUserMessage(context.Background(), sid, "hi", nil)
	if err != nil {
		t.Fatalf("HandleUserMessage() error = %v", err)
	}
	if res.ErrorKind != reliability.KindModelNotFound || !strings.Contains(res.Notice, "ollama pull gemma3:1b") {
		t.Fatalf("unexpected notice %q (kind %q)", res.Notice, res.ErrorKind)
	}
	if res.Response != Apology {
		t.Fatalf("expected apology, got %q", res.Response)
	}
}

func TestGenericFailureNotice(t *testing.T) {
	client := &scriptedClient{err: errors.New("tokenizer exploded")}
	h := newHarness(t, client, memory.Options{})
	sid := h.connect(t, "alice")

	res, err := h.orch.HandleUserMessage(context.Background(), sid, "hi", nil)
	if err != nil {
		t.Fatalf("HandleUserMessage() error = %v", err)
	}
	if !strings.HasPrefix(res.Notice, "Error generating response:") || res.ErrorKind != reliability.KindUnknown {
		t.Fatalf("unexpected notice %q (kind %q)", res.Notice, res.ErrorKind)
	}
}

func TestRejectedRequestsKeepGenericNotice(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		client  func(endpoint string) completion.Client
	}{
		{
			name: "openai bad request",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":{"message":"context length exceeded","type":"invalid_request_error"}}`))
			},
			client: func(endpoint string) completion.Client { return completion.NewOpenAIClient(endpoint, "") },
		},
		{
			name: "ollama error chunk",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/x-ndjson")
				_, _ = w.Write([]byte(`{"message":{"content":""},"done":false}` + "\n" + `{"error":"llama runner process has terminated"}` + "\n"))
			},
			client: func(endpoint string) completion.Client { return completion.NewOllamaClient(endpoint) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			h := newHarness(t, tt.client(srv.URL), memory.Options{})
			sid := h.connect(t, "alice")

			res, err := h.orch.HandleUserMessage(context.Background(), sid, "hi", nil)
			if err != nil {
				t.Fatalf("HandleUserMessage() error = %v", err)
			}
			if res.Response != Apology {
				t.Fatalf("Response = %q, want the apology", res.Response)
			}
			if res.ErrorKind != reliability.KindUnknown {
				t.Fatalf("ErrorKind = %q, want %q", res.ErrorKind, reliability.KindUnknown)
			}
			if !strings.HasPrefix(res.Notice, "Error generating response:") {
				t.Fatalf("unexpected notice %q", res.Notice)
			}
		})
	}
}

func TestFailuresAreCountedAsIndicators(t *testing.T) {
	metrics := observability.NewMetrics(fmt.Sprintf("recall_test_conversation_%d", time.Now().UnixNano()))
	client := &scriptedClient{err: errors.New("tokenizer exploded")}
	h := newHarness(t, client, memory.Options{})
	h.orch = New(h.sessions, metrics, Options{})
	h.vectors.failUpsert = true
	h.vectors.failQuery = true
	sid := h.connect(t, "alice")

	if _, err := h.orch.HandleUserMessage(context.Background(), sid, "hi", nil); err != nil {
		t.Fatalf("HandleUserMessage() error = %v", err)
	}

	got := map[string]int{}
	for _, ind := range metrics.SnapshotTurnStages().Indicators {
		got[ind.Name] = ind.Count
	}
	for _, name := range []string{
		observability.IndicatorMemoryWriteFailed,
		observability.IndicatorMemorySearchFailed,
		observability.IndicatorGenerationDegraded,
	} {
		if got[name] != 1 {
			t.Fatalf("indicator %s = %d, want 1 (all: %v)", name, got[name], got)
		}
	}
	if got[observability.IndicatorTurnCanceled] != 0 {
		t.Fatalf("no turn was canceled, got %v", got)
	}
}

func TestMemoryFailuresDoNotBlockTheTurn(t *testing.T) {
	client := &scriptedClient{deltas: []string{"still here"}}
	h := newHarness(t, client, memory.Options{})
	h.vectors.failUpsert = true
	h.vectors.failQuery = true
	sid := h.connect(t, "alice")

	res, err := h.orch.HandleUserMessage(context.Background(), sid, "remember my birthday", nil)
	if err != nil {
		t.Fatalf("HandleUserMessage() error = %v", err)
	}
	if res.State != StateCompleted || res.Response != "still here" {
		t.Fatalf("turn should complete despite memory failures: %+v", res)
	}
	if !hasStage(res, StateMemorySkipped) || !hasStage(res, StateContextEmpty) {
		t.Fatalf("unexpected stages %v", res.Stages)
	}
	if len(res.Warnings) != 2 {
		t.Fatalf("expected two memory warnings, got %v", res.Warnings)
	}
	if res.ContextCaption() != "No relevant context found in memory." {
		t.Fatalf("unexpected caption %q", res.ContextCaption())
	}
}

func TestContextIsNotPadded(t *testing.T) {
	client := &scriptedClient{deltas: []string{"ok"}}
	h := newHarness(t, client, memory.Options{})
	sid := h.connect(t, "alice")

	b, _, err := h.sessions.Bindings(sid)
	if err != nil {
		t.Fatalf("Bindings() error = %v", err)
	}
	if _, err := b.Memory.Add(context.Background(), "I have a cat named Miso", "alice"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	h.orch = New(h.sessions, nil, Options{SearchLimit: 5, DisableStreaming: true})
	res, err := h.orch.HandleUserMessage(context.Background(), sid, "What is my cat called?", nil)
	if err != nil {
		t.Fatalf("HandleUserMessage() error = %v", err)
	}
	if res.ContextCount != 2 || len(res.Context) != 2 {
		t.Fatalf("expected exactly the 2 stored memories, got %d", res.ContextCount)
	}
	if client.lastRequest().Stream {
		t.Fatalf("expected a non-streaming request")
	}
}

func TestCancelDiscardsPartialReply(t *testing.T) {
	client := &scriptedClient{deltas: []string{"partial"}, block: true, started: make(chan struct{})}
	h := newHarness(t, client, memory.Options{})
	sid := h.connect(t, "alice")

	ts, err := h.orch.Stream(context.Background(), sid, "tell me a story")
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if d := <-ts.Deltas(); d != "partial" {
		t.Fatalf("first delta = %q, want %q", d, "partial")
	}
	<-client.started
	ts.Cancel()

	res := ts.Result()
	if !res.Canceled || res.State != StateDegraded {
		t.Fatalf("expected a canceled turn, got %+v", res)
	}
	for range ts.Deltas() {
		t.Fatalf("no deltas expected after cancel")
	}
	for _, turn := range res.Transcript {
		if turn.Role == "assistant" {
			t.Fatalf("canceled reply must not reach the transcript: %+v", res.Transcript)
		}
	}
	all, err := h.orch.ViewAllMemories(context.Background(), sid)
	if err != nil {
		t.Fatalf("ViewAllMemories() error = %v", err)
	}
	for _, rec := range all {
		if rec.Role == memory.RoleAssistant {
			t.Fatalf("canceled reply must not be remembered: %+v", rec)
		}
	}

	// The session is free for the next turn.
	client.block = false
	if _, err := h.orch.HandleUserMessage(context.Background(), sid, "again", nil); err != nil {
		t.Fatalf("HandleUserMessage() after cancel error = %v", err)
	}
}

func TestSwitchUserMidStreamCancelsTurn(t *testing.T) {
	client := &scriptedClient{block: true, started: make(chan struct{})}
	h := newHarness(t, client, memory.Options{})
	sid := h.connect(t, "alice")

	ts, err := h.orch.Stream(context.Background(), sid, "a long question")
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	<-client.started

	if _, err := h.orch.HandleUserMessage(context.Background(), sid, "impatient", nil); !errors.Is(err, session.ErrTurnInFlight) {
		t.Fatalf("second turn error = %v, want ErrTurnInFlight", err)
	}

	if _, err := h.sessions.SwitchUser(context.Background(), sid, "bob"); err != nil {
		t.Fatalf("SwitchUser() error = %v", err)
	}
	res := ts.Result()
	if !res.Canceled {
		t.Fatalf("expected the turn to be canceled by the switch, got %+v", res)
	}
	got, err := h.sessions.Get(sid)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.UserID != "bob" || len(got.Transcript) != 0 {
		t.Fatalf("bob should start clean, got %+v", got)
	}
}

func TestRejectsEmptyPromptAndUnknownSession(t *testing.T) {
	h := newHarness(t, &scriptedClient{}, memory.Options{})
	sid := h.connect(t, "alice")

	if _, err := h.orch.HandleUserMessage(context.Background(), sid, "   ", nil); !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("error = %v, want ErrEmptyPrompt", err)
	}
	if _, err := h.orch.HandleUserMessage(context.Background(), "missing", "hi", nil); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestClearMemoriesAlsoClearsTranscript(t *testing.T) {
	h := newHarness(t, &scriptedClient{deltas: []string{"ok"}}, memory.Options{})
	sid := h.connect(t, "alice")

	if _, err := h.orch.HandleUserMessage(context.Background(), sid, "remember this", nil); err != nil {
		t.Fatalf("HandleUserMessage() error = %v", err)
	}
	if err := h.orch.ClearMemories(context.Background(), sid); err != nil {
		t.Fatalf("ClearMemories() error = %v", err)
	}
	if err := h.orch.ClearMemories(context.Background(), sid); err != nil {
		t.Fatalf("second ClearMemories() error = %v", err)
	}

	all, err := h.orch.ViewAllMemories(context.Background(), sid)
	if err != nil {
		t.Fatalf("ViewAllMemories() error = %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected no memories, got %+v", all)
	}
	got, _ := h.sessions.Get(sid)
	if len(got.Transcript) != 0 {
		t.Fatalf("expected empty transcript, got %+v", got.Transcript)
	}
}
