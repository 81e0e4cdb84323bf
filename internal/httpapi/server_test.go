package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/recall/internal/completion"
	"github.com/antoniostano/recall/internal/config"
	"github.com/antoniostano/recall/internal/conversation"
	"github.com/antoniostano/recall/internal/embedding"
	"github.com/antoniostano/recall/internal/memory"
	"github.com/antoniostano/recall/internal/observability"
	"github.com/antoniostano/recall/internal/protocol"
	"github.com/antoniostano/recall/internal/session"
)

func testConfig() config.Config {
	return config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		DefaultUser:              "User123",
		LLMProvider:              "mock",
		LLMModel:                 "gemma3:1b",
		LLMMaxTokens:             2048,
		LLMTemperature:           0.1,
		EmbedderProvider:         "mock",
		VectorStore:              "memory",
		MemoryEmbeddingDim:       64,
		HealthProbeTimeout:       time.Second,
	}
}

type testAPI struct {
	srv      *Server
	sessions *session.Manager
	ts       *httptest.Server
}

func newTestAPI(t *testing.T, metrics *observability.Metrics) *testAPI {
	t.Helper()
	cfg := testConfig()
	vectors := memory.NewInMemoryStore(cfg.MemoryEmbeddingDim)
	binder := func(_ context.Context, bc session.BackendConfig) (*session.Bindings, error) {
		store, err := memory.NewStore(embedding.NewHashEmbedder(bc.VectorDimension), vectors, memory.Options{})
		if err != nil {
			return nil, err
		}
		return &session.Bindings{Memory: store, Completion: completion.NewMockClient()}, nil
	}
	sessions := session.NewManager(binder, cfg.SessionInactivityTimeout)
	srv := New(cfg, sessions, conversation.New(sessions, metrics, conversation.Options{}), metrics)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testAPI{srv: srv, sessions: sessions, ts: ts}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, a.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer res.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(res.Body).Decode(&out)
	return res, out
}

func (a *testAPI) connect(t *testing.T, userID string) string {
	t.Helper()
	res, out := a.do(t, http.MethodPost, "/v1/sessions", map[string]any{"user_id": userID})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("connect status = %d, want %d (%v)", res.StatusCode, http.StatusCreated, out)
	}
	id, _ := out["session_id"].(string)
	if id == "" {
		t.Fatalf("missing session_id in connect response: %+v", out)
	}
	return id
}

func TestSessionLifecycle(t *testing.T) {
	api := newTestAPI(t, nil)

	res, out := api.do(t, http.MethodPost, "/v1/sessions", nil)
	if res.StatusCode != http.StatusCreated || out["user_id"] != "User123" {
		t.Fatalf("default connect = %d %+v", res.StatusCode, out)
	}
	id := out["session_id"].(string)

	res, out = api.do(t, http.MethodPost, "/v1/sessions/"+id+"/messages", map[string]string{"text": "My favorite color is blue."})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("message status = %d (%v)", res.StatusCode, out)
	}
	if out["state"] != string(conversation.StateCompleted) {
		t.Fatalf("unexpected turn result: %+v", out)
	}
	if got, _ := out["response"].(string); !strings.HasPrefix(got, "I heard you: My favorite color is blue.") {
		t.Fatalf("unexpected response %q", got)
	}

	res, out = api.do(t, http.MethodGet, "/v1/sessions/"+id, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", res.StatusCode)
	}
	if transcript, _ := out["transcript"].([]any); len(transcript) != 2 {
		t.Fatalf("expected 2 transcript entries, got %+v", out["transcript"])
	}

	res, out = api.do(t, http.MethodGet, "/v1/sessions/"+id+"/memories", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("memories status = %d", res.StatusCode)
	}
	if mems, _ := out["memories"].([]any); len(mems) != 2 {
		t.Fatalf("expected user and assistant memories, got %+v", out)
	}

	res, _ = api.do(t, http.MethodDelete, "/v1/sessions/"+id+"/memories", nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("clear status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
	_, out = api.do(t, http.MethodGet, "/v1/sessions/"+id+"/memories", nil)
	if mems, _ := out["memories"].([]any); len(mems) != 0 {
		t.Fatalf("expected no memories after clear, got %+v", out)
	}

	res, out = api.do(t, http.MethodPost, "/v1/sessions/"+id+"/end", nil)
	if res.StatusCode != http.StatusOK || out["status"] != string(session.StatusEnded) {
		t.Fatalf("end = %d %+v", res.StatusCode, out)
	}
	res, _ = api.do(t, http.MethodPost, "/v1/sessions/"+id+"/messages", map[string]string{"text": "hello?"})
	if res.StatusCode != http.StatusGone {
		t.Fatalf("message after end status = %d, want %d", res.StatusCode, http.StatusGone)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	api := newTestAPI(t, nil)

	res, out := api.do(t, http.MethodPost, "/v1/sessions", map[string]any{
		"user_id": "alice",
		"backend": map[string]any{"model": "gemma3:1b", "vector_dimension": 64, "max_tokens": 10, "completion_endpoint": "localhost:11434"},
	})
	if res.StatusCode != http.StatusBadRequest || out["code"] != "configuration_invalid" {
		t.Fatalf("invalid config = %d %+v", res.StatusCode, out)
	}

	res, out = api.do(t, http.MethodGet, "/v1/sessions/nope", nil)
	if res.StatusCode != http.StatusNotFound || out["code"] != "session_not_found" {
		t.Fatalf("unknown session = %d %+v", res.StatusCode, out)
	}

	id := api.connect(t, "alice")
	res, _ = api.do(t, http.MethodPost, "/v1/sessions/"+id+"/messages", map[string]string{"text": "  "})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty prompt status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}

	turn, err := api.sessions.StartTurn(context.Background(), id)
	if err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	res, out = api.do(t, http.MethodPost, "/v1/sessions/"+id+"/messages", map[string]string{"text": "hi"})
	if res.StatusCode != http.StatusConflict || out["code"] != "turn_in_flight" {
		t.Fatalf("concurrent turn = %d %+v", res.StatusCode, out)
	}
	api.sessions.FinishTurn(id, turn.ID)
}

func TestSwitchUserAndRebind(t *testing.T) {
	api := newTestAPI(t, nil)
	id := api.connect(t, "alice")

	api.do(t, http.MethodPost, "/v1/sessions/"+id+"/messages", map[string]string{"text": "My favorite color is blue."})

	res, out := api.do(t, http.MethodPost, "/v1/sessions/"+id+"/user", map[string]string{"user_id": "bob"})
	if res.StatusCode != http.StatusOK || out["user_id"] != "bob" {
		t.Fatalf("switch = %d %+v", res.StatusCode, out)
	}
	if transcript, _ := out["transcript"].([]any); len(transcript) != 0 {
		t.Fatalf("bob should see an empty transcript, got %+v", transcript)
	}
	_, out = api.do(t, http.MethodGet, "/v1/sessions/"+id+"/memories", nil)
	if mems, _ := out["memories"].([]any); len(mems) != 0 {
		t.Fatalf("bob should not list alice's memories, got %+v", mems)
	}

	res, out = api.do(t, http.MethodPost, "/v1/sessions/"+id+"/rebind", map[string]any{"model": "llama3.2:1b"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rebind status = %d (%v)", res.StatusCode, out)
	}
	cfg, _ := out["config"].(map[string]any)
	if cfg["model"] != "llama3.2:1b" || cfg["vector_dimension"] != float64(64) {
		t.Fatalf("rebind should merge onto the current config, got %+v", cfg)
	}

	res, out = api.do(t, http.MethodPost, "/v1/sessions/"+id+"/rebind", map[string]any{"temperature": 9})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid rebind status = %d (%v)", res.StatusCode, out)
	}
}

func TestSessionWebSocketTurn(t *testing.T) {
	api := newTestAPI(t, nil)
	id := api.connect(t, "alice")

	wsURL := "ws" + strings.TrimPrefix(api.ts.URL, "http") + "/v1/sessions/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(protocol.UserMessage{Type: protocol.TypeUserMessage, SessionID: id, Text: "I like tea"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	var (
		text    strings.Builder
		sawCtx  bool
		turnEnd map[string]any
	)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for turnEnd == nil {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		switch protocol.MessageType(fmt.Sprint(msg["type"])) {
		case protocol.TypeAssistantTextDelta:
			text.WriteString(fmt.Sprint(msg["text_delta"]))
		case protocol.TypeMemoryContext:
			sawCtx = true
			if msg["count"] != float64(1) {
				t.Fatalf("memory_context count = %v, want 1", msg["count"])
			}
		case protocol.TypeAssistantTurnEnd:
			turnEnd = msg
		case protocol.TypeErrorEvent:
			t.Fatalf("unexpected error event: %+v", msg)
		}
	}
	if !sawCtx {
		t.Fatalf("expected a memory_context message before turn end")
	}
	if turnEnd["reason"] != string(conversation.StateCompleted) || turnEnd["text"] != text.String() {
		t.Fatalf("turn end %+v does not match streamed text %q", turnEnd, text.String())
	}

	if err := conn.WriteJSON(map[string]string{"type": "bogus"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	var errMsg map[string]any
	if err := conn.ReadJSON(&errMsg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if errMsg["type"] != string(protocol.TypeErrorEvent) || errMsg["code"] != "invalid_client_message" {
		t.Fatalf("unexpected reply to bogus message: %+v", errMsg)
	}
}

func TestReadyzReflectsProbe(t *testing.T) {
	api := newTestAPI(t, nil)
	api.srv.cfg.LLMProvider = "openai"
	api.srv.cfg.OllamaBaseURL = "http://localhost:1"

	api.srv.probe = func(context.Context, string, time.Duration) bool { return false }
	res, out := api.do(t, http.MethodGet, "/readyz", nil)
	if res.StatusCode != http.StatusServiceUnavailable || out["completion"] != "unreachable" {
		t.Fatalf("readyz = %d %+v", res.StatusCode, out)
	}

	api.srv.probe = func(context.Context, string, time.Duration) bool { return true }
	res, _ = api.do(t, http.MethodGet, "/readyz", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("readyz status = %d, want 200", res.StatusCode)
	}

	res, out = api.do(t, http.MethodGet, "/healthz", nil)
	if res.StatusCode != http.StatusOK || out["status"] != "ok" {
		t.Fatalf("healthz = %d %+v", res.StatusCode, out)
	}
}

func TestPerfLatencyReportsTurnStages(t *testing.T) {
	metrics := observability.NewMetrics(fmt.Sprintf("recall_test_httpapi_%d", time.Now().UnixNano()))
	api := newTestAPI(t, metrics)
	id := api.connect(t, "alice")
	api.do(t, http.MethodPost, "/v1/sessions/"+id+"/messages", map[string]string{"text": "hello"})

	res, out := api.do(t, http.MethodGet, "/v1/perf/latency", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("perf status = %d", res.StatusCode)
	}
	if stages, _ := out["stages"].([]any); len(stages) == 0 {
		t.Fatalf("expected recorded stages, got %+v", out)
	}
}

func TestPerfLatencyResetEmptiesWindow(t *testing.T) {
	metrics := observability.NewMetrics(fmt.Sprintf("recall_test_httpapi_reset_%d", time.Now().UnixNano()))
	api := newTestAPI(t, metrics)
	id := api.connect(t, "alice")
	api.do(t, http.MethodPost, "/v1/sessions/"+id+"/messages", map[string]string{"text": "hello"})

	res, _ := api.do(t, http.MethodDelete, "/v1/perf/latency", nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("reset status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
	_, out := api.do(t, http.MethodGet, "/v1/perf/latency", nil)
	if stages, _ := out["stages"].([]any); len(stages) != 0 {
		t.Fatalf("expected empty window after reset, got %+v", out)
	}
}
