package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/recall/internal/completion"
	"github.com/antoniostano/recall/internal/config"
	"github.com/antoniostano/recall/internal/conversation"
	"github.com/antoniostano/recall/internal/health"
	"github.com/antoniostano/recall/internal/memory"
	"github.com/antoniostano/recall/internal/observability"
	"github.com/antoniostano/recall/internal/reliability"
	"github.com/antoniostano/recall/internal/session"
)

type Orchestrator interface {
	HandleUserMessage(ctx context.Context, sessionID, prompt string, onDelta completion.DeltaHandler) (conversation.TurnResult, error)
	Stream(ctx context.Context, sessionID, prompt string) (*conversation.TurnStream, error)
	ViewAllMemories(ctx context.Context, sessionID string) ([]memory.Record, error)
	ClearMemories(ctx context.Context, sessionID string) error
}

type Server struct {
	cfg          config.Config
	sessions     *session.Manager
	orchestrator Orchestrator
	metrics      *observability.Metrics
	upgrader     websocket.Upgrader
	probe        func(ctx context.Context, endpoint string, timeout time.Duration) bool
}

func New(cfg config.Config, sessions *session.Manager, orchestrator Orchestrator, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		orchestrator: orchestrator,
		metrics:      metrics,
		probe:        health.Probe,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Delete("/v1/perf/latency", s.handlePerfLatencyReset)

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", s.handleConnect)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Post("/user", s.handleSwitchUser)
			r.Post("/rebind", s.handleRebind)
			r.Post("/messages", s.handleMessage)
			r.Get("/ws", s.handleSessionWS)
			r.Get("/memories", s.handleListMemories)
			r.Delete("/memories", s.handleClearMemories)
			r.Post("/end", s.handleEndSession)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

// handleReady reports whether the default model server answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	bc := s.cfg.BackendConfig()
	switch bc.CompletionProvider {
	case "mock", "anthropic":
		respondJSON(w, http.StatusOK, map[string]any{"status": "ready", "completion": bc.CompletionProvider})
		return
	}
	if !s.probe(r.Context(), bc.CompletionEndpoint, s.cfg.HealthProbeTimeout) {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":     "degraded",
			"completion": "unreachable",
			"endpoint":   bc.CompletionEndpoint,
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready", "completion": "reachable"})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req session.ConnectRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = s.cfg.DefaultUser
	}
	bc := s.cfg.BackendConfig()
	if req.Backend != nil {
		bc = *req.Backend
	}

	sess, err := s.sessions.Connect(r.Context(), req.UserID, bc)
	if err != nil {
		respondErr(w, err)
		return
	}
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.SessionEvent("created")
	respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

type switchUserRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleSwitchUser(w http.ResponseWriter, r *http.Request) {
	var req switchUserRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "body must be {\"user_id\": \"...\"}")
		return
	}
	sess, err := s.sessions.SwitchUser(r.Context(), chi.URLParam(r, "id"), req.UserID)
	if err != nil {
		respondErr(w, err)
		return
	}
	s.metrics.SessionEvent("user_switched")
	respondJSON(w, http.StatusOK, sess)
}

// handleRebind applies the body on top of the session's current backend config, so
// partial updates such as {"model": "..."} work.
func (s *Server) handleRebind(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	current, err := s.sessions.Get(id)
	if err != nil {
		respondErr(w, err)
		return
	}
	bc := current.Config
	if err := decodeJSON(r, &bc); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sess, err := s.sessions.Rebind(r.Context(), id, bc)
	if err != nil {
		respondErr(w, err)
		return
	}
	s.metrics.SessionEvent("rebound")
	respondJSON(w, http.StatusOK, sess)
}

type messageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "body must be {\"text\": \"...\"}")
		return
	}
	res, err := s.orchestrator.HandleUserMessage(r.Context(), chi.URLParam(r, "id"), req.Text, nil)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	recs, err := s.orchestrator.ViewAllMemories(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	if recs == nil {
		recs = []memory.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"memories": recs})
}

func (s *Server) handleClearMemories(w http.ResponseWriter, r *http.Request) {
	if err := s.orchestrator.ClearMemories(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.End(chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.SessionEvent("ended")
	respondJSON(w, http.StatusOK, sess)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func respondErr(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	respondError(w, status, code, err.Error())
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, session.ErrEnded):
		return http.StatusGone, "session_ended"
	case errors.Is(err, session.ErrTurnInFlight):
		return http.StatusConflict, "turn_in_flight"
	case errors.Is(err, conversation.ErrEmptyPrompt):
		return http.StatusBadRequest, "empty_prompt"
	}
	switch kind := reliability.KindOf(err); kind {
	case reliability.KindConfigurationInvalid, reliability.KindDimensionMismatch:
		return http.StatusBadRequest, string(kind)
	case reliability.KindBackendUnavailable:
		return http.StatusServiceUnavailable, string(kind)
	case reliability.KindModelNotFound:
		return http.StatusBadGateway, string(kind)
	case reliability.KindCanceled:
		return http.StatusRequestTimeout, string(kind)
	}
	return http.StatusInternalServerError, "internal_error"
}
