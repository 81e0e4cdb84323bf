package conversation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/antoniostano/recall/internal/completion"
	"github.com/antoniostano/recall/internal/memory"
	"github.com/antoniostano/recall/internal/observability"
	"github.com/antoniostano/recall/internal/reliability"
	"github.com/antoniostano/recall/internal/session"
)

// State is a step of the per-turn pipeline.
type State string

const (
	StateStarted          State = "started"
	StateMemoryWritten    State = "memory_written"
	StateMemorySkipped    State = "memory_skipped"
	StateContextRetrieved State = "context_retrieved"
	StateContextEmpty     State = "context_empty"
	StateGenerating       State = "generating"
	StateCompleted        State = "completed"
	StateDegraded         State = "degraded"
)

const (
	SystemPrompt = "You are a helpful, friendly, and concise AI assistant. " +
		"You have access to past conversations and user facts. " +
		"Use the 'Context' provided to give personalized responses when relevant, but do not repeat the context verbatim."

	// Apology replaces the assistant reply whenever generation fails.
	Apology = "I apologize, but I encountered a critical error. Please check the connection settings and logs."

	assistantMemoryPrefix = "Assistant: "

	warnMemoryWrite  = "Memory write failed; this message may not be remembered."
	warnMemorySearch = "Memory search failed; responding without personalized context."
)

var ErrEmptyPrompt = errors.New("prompt must not be empty")

// TurnResult is everything a caller needs to render one finished turn.
type TurnResult struct {
	TurnID       string           `json:"turn_id"`
	SessionID    string           `json:"session_id"`
	UserID       string           `json:"user_id"`
	State        State            `json:"state"`
	Stages       []State          `json:"stages"`
	Response     string           `json:"response"`
	ContextCount int              `json:"context_count"`
	Context      []memory.Record  `json:"context,omitempty"`
	Notice       string           `json:"notice,omitempty"`
	ErrorKind    reliability.Kind `json:"error_kind,omitempty"`
	Error        string           `json:"error,omitempty"`
	Warnings     []string         `json:"warnings,omitempty"`
	Transcript   []session.Turn   `json:"transcript"`
	Canceled     bool             `json:"canceled,omitempty"`
}

// ContextCaption is the relevance annotation shown next to the reply.
func (r TurnResult) ContextCaption() string {
	if r.ContextCount == 0 {
		return "No relevant context found in memory."
	}
	return fmt.Sprintf("Context from %d relevant memories used for response.", r.ContextCount)
}

type Options struct {
	SearchLimit int
	// DisableStreaming asks the model for one complete reply instead of deltas.
	DisableStreaming bool
}

// Orchestrator runs the memory-write, memory-read and generation pipeline for a turn.
type Orchestrator struct {
	sessions *session.Manager
	metrics  *observability.Metrics
	opts     Options
}

func New(sessions *session.Manager, metrics *observability.Metrics, opts Options) *Orchestrator {
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = memory.DefaultSearchLimit
	}
	return &Orchestrator{
		sessions: sessions,
		metrics:  metrics,
		opts:     opts,
	}
}

// HandleUserMessage runs one turn. Only session-level problems are returned as errors;
// backend failures are reported in the TurnResult.
func (o *Orchestrator) HandleUserMessage(ctx context.Context, sessionID, prompt string, onDelta completion.DeltaHandler) (TurnResult, error) {
	turn, err := o.begin(ctx, sessionID, prompt)
	if err != nil {
		return TurnResult{}, err
	}
	return o.run(turn, strings.TrimSpace(prompt), onDelta), nil
}

// ViewAllMemories lists every memory of the session's current user.
func (o *Orchestrator) ViewAllMemories(ctx context.Context, sessionID string) ([]memory.Record, error) {
	b, userID, err := o.sessions.Bindings(sessionID)
	if err != nil {
		return nil, err
	}
	recs, err := b.Memory.GetAll(ctx, userID)
	o.metrics.MemoryOp("get_all", err)
	return recs, err
}

// ClearMemories deletes the current user's memories and empties the visible transcript.
func (o *Orchestrator) ClearMemories(ctx context.Context, sessionID string) error {
	b, userID, err := o.sessions.Bindings(sessionID)
	if err != nil {
		return err
	}
	err = b.Memory.Delete(ctx, userID)
	o.metrics.MemoryOp("delete", err)
	if err != nil {
		return err
	}
	return o.sessions.ClearTranscript(sessionID)
}

func (o *Orchestrator) begin(ctx context.Context, sessionID, prompt string) (*session.ActiveTurn, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	return o.sessions.StartTurn(ctx, sessionID)
}

func (o *Orchestrator) run(turn *session.ActiveTurn, prompt string, onDelta completion.DeltaHandler) (res TurnResult) {
	ctx := turn.Ctx
	started := time.Now()
	res = TurnResult{
		TurnID:    turn.ID,
		SessionID: turn.SessionID,
		UserID:    turn.UserID,
		Stages:    []State{StateStarted},
	}
	defer func() {
		res.Transcript = o.sessions.FinishTurn(turn.SessionID, turn.ID)
		o.metrics.Turn(string(res.State))
		o.metrics.ObserveTurnStage(observability.StageTurnTotal, time.Since(started))
	}()

	o.sessions.Append(turn.SessionID, turn.Generation, session.Turn{Role: completion.RoleUser, Content: prompt})

	store := turn.Bindings.Memory

	stepStart := time.Now()
	_, err := store.Add(ctx, prompt, turn.UserID, memory.WithRole(memory.RoleUser))
	o.metrics.MemoryOp("add", err)
	o.metrics.ObserveTurnStage(observability.StageMemoryWrite, time.Since(stepStart))
	if err != nil {
		log.Printf("conversation: memory add failed session=%s user=%s: %v", turn.SessionID, turn.UserID, err)
		res.Warnings = append(res.Warnings, warnMemoryWrite)
		o.metrics.ObserveIndicator(observability.IndicatorMemoryWriteFailed)
		res.Stages = append(res.Stages, StateMemorySkipped)
	} else {
		res.Stages = append(res.Stages, StateMemoryWritten)
	}

	stepStart = time.Now()
	hits, err := store.Search(ctx, prompt, turn.UserID, o.opts.SearchLimit)
	o.metrics.MemoryOp("search", err)
	o.metrics.ObserveTurnStage(observability.StageContextRetrieval, time.Since(stepStart))
	if err != nil {
		log.Printf("conversation: memory search failed session=%s user=%s: %v", turn.SessionID, turn.UserID, err)
		res.Warnings = append(res.Warnings, warnMemorySearch)
		o.metrics.ObserveIndicator(observability.IndicatorMemorySearchFailed)
		hits = nil
	}
	res.Context = hits
	res.ContextCount = len(hits)
	if len(hits) > 0 {
		res.Stages = append(res.Stages, StateContextRetrieved)
	} else {
		res.Stages = append(res.Stages, StateContextEmpty)
	}

	res.Stages = append(res.Stages, StateGenerating)
	req := completion.Request{
		Model:       turn.Config.Model,
		Messages:    BuildMessages(turn.UserID, prompt, hits),
		Stream:      !o.opts.DisableStreaming,
		MaxTokens:   turn.Config.MaxTokens,
		Temperature: turn.Config.Temperature,
	}

	genStart := time.Now()
	firstDelta := true
	forward := func(delta string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if firstDelta {
			firstDelta = false
			o.metrics.ObserveFirstDeltaLatency(time.Since(started))
		}
		if onDelta == nil {
			return nil
		}
		return onDelta(delta)
	}
	out, err := turn.Bindings.Completion.Complete(ctx, req, forward)
	o.metrics.ObserveTurnStage(observability.StageGeneration, time.Since(genStart))

	if ctx.Err() != nil {
		// Canceled by the caller, a user switch or a rebind: nothing of the partial reply
		// is kept.
		res.Canceled = true
		o.metrics.ObserveIndicator(observability.IndicatorTurnCanceled)
		res.State = StateDegraded
		res.ErrorKind = reliability.KindCanceled
		res.Stages = append(res.Stages, StateDegraded)
		return res
	}

	if err != nil {
		kind := reliability.KindOf(err)
		if kind == "" {
			kind = reliability.KindUnknown
		}
		log.Printf("conversation: generation failed session=%s model=%s kind=%s: %v", turn.SessionID, req.Model, kind, err)
		o.metrics.GenerationError(string(kind))
		o.metrics.ObserveIndicator(observability.IndicatorGenerationDegraded)
		res.State = StateDegraded
		res.ErrorKind = kind
		res.Error = err.Error()
		res.Notice = notice(kind, turn.Config, err)
		res.Response = Apology
		res.Stages = append(res.Stages, StateDegraded)
		o.sessions.Append(turn.SessionID, turn.Generation, session.Turn{Role: completion.RoleAssistant, Content: Apology})
		return res
	}

	res.Response = out.Text
	res.State = StateCompleted
	res.Stages = append(res.Stages, StateCompleted)
	o.sessions.Append(turn.SessionID, turn.Generation, session.Turn{Role: completion.RoleAssistant, Content: out.Text})

	if strings.TrimSpace(out.Text) != "" && out.Text != Apology {
		stepStart = time.Now()
		_, err := store.Add(ctx, assistantMemoryPrefix+out.Text, turn.UserID, memory.WithRole(memory.RoleAssistant))
		o.metrics.MemoryOp("add_assistant", err)
		o.metrics.ObserveTurnStage(observability.StageAssistantMemoryWrite, time.Since(stepStart))
		if err != nil {
			log.Printf("conversation: assistant memory add failed session=%s user=%s: %v", turn.SessionID, turn.UserID, err)
		}
	}
	return res
}

// BuildMessages composes the system instruction and the single grounded user message.
// Earlier turns are never replayed; continuity comes from the retrieved memories only.
func BuildMessages(userID, prompt string, hits []memory.Record) []completion.Message {
	var grounding strings.Builder
	for _, h := range hits {
		grounding.WriteString("- ")
		grounding.WriteString(h.Text)
		grounding.WriteString("\n")
	}
	return []completion.Message{
		{Role: completion.RoleSystem, Content: SystemPrompt},
		{Role: completion.RoleUser, Content: fmt.Sprintf("Context from previous conversations with %s: %s\nCurrent message: %s", userID, grounding.String(), prompt)},
	}
}

func notice(kind reliability.Kind, cfg session.BackendConfig, err error) string {
	switch kind {
	case reliability.KindBackendUnavailable:
		endpoint := cfg.CompletionEndpoint
		if endpoint == "" {
			endpoint = "the configured URL"
		}
		return fmt.Sprintf("Connection error: could not reach the inference backend at %s. Please check that the service is running.", endpoint)
	case reliability.KindModelNotFound:
		return fmt.Sprintf("Model error: the model %s was not found. Please make sure it is installed (`ollama pull %s`).", cfg.Model, cfg.Model)
	default:
		return fmt.Sprintf("Error generating response: %v", err)
	}
}
