package httpapi

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/recall/internal/conversation"
	"github.com/antoniostano/recall/internal/protocol"
	"github.com/antoniostano/recall/internal/reliability"
)

// wsConn serializes writes through one goroutine and tracks the turn in flight.
type wsConn struct {
	srv       *Server
	sessionID string
	outbound  chan any

	mu     sync.Mutex
	stream *conversation.TurnStream
	turns  sync.WaitGroup
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if _, err := s.sessions.Get(sessionID); err != nil {
		respondErr(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &wsConn{srv: s, sessionID: sessionID, outbound: make(chan any, 256)}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-c.outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					log.Printf("httpapi: ws write failed session=%s: %v", sessionID, err)
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessage("outbound", string(t))
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Minute))

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			c.send(ctx, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Detail:    err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessage("inbound", string(t))
		}

		switch msg := parsed.(type) {
		case protocol.UserMessage:
			c.startTurn(ctx, msg.Text)
		case protocol.ClientControl:
			c.control(ctx, msg)
		}
	}

	c.cancelTurn()
	c.turns.Wait()
	cancel()
	<-writerDone
	s.metrics.SessionEvent("ws_disconnected")
}

func (c *wsConn) startTurn(ctx context.Context, text string) {
	ts, err := c.srv.orchestrator.Stream(ctx, c.sessionID, text)
	if err != nil {
		status, code := statusFor(err)
		c.send(ctx, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: c.sessionID,
			Code:      code,
			Source:    "session",
			Retryable: status == http.StatusConflict,
			Detail:    err.Error(),
		})
		return
	}

	c.mu.Lock()
	c.stream = ts
	c.mu.Unlock()

	c.turns.Add(1)
	go func() {
		defer c.turns.Done()
		c.pump(ctx, ts)
		c.mu.Lock()
		if c.stream == ts {
			c.stream = nil
		}
		c.mu.Unlock()
	}()
}

func (c *wsConn) pump(ctx context.Context, ts *conversation.TurnStream) {
	turnID := ts.TurnID()
	for delta := range ts.Deltas() {
		c.send(ctx, protocol.AssistantTextDelta{
			Type:      protocol.TypeAssistantTextDelta,
			SessionID: c.sessionID,
			TurnID:    turnID,
			TextDelta: delta,
		})
	}
	res := ts.Result()

	memories := make([]string, 0, len(res.Context))
	for _, rec := range res.Context {
		memories = append(memories, rec.Text)
	}
	c.send(ctx, protocol.MemoryContext{
		Type:      protocol.TypeMemoryContext,
		SessionID: c.sessionID,
		TurnID:    turnID,
		Count:     res.ContextCount,
		Caption:   res.ContextCaption(),
		Memories:  memories,
	})
	for _, warning := range res.Warnings {
		c.send(ctx, protocol.WarningEvent{
			Type:      protocol.TypeWarningEvent,
			SessionID: c.sessionID,
			TurnID:    turnID,
			Detail:    warning,
		})
	}
	if res.Notice != "" {
		c.send(ctx, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: c.sessionID,
			Code:      string(res.ErrorKind),
			Source:    "completion",
			Retryable: res.ErrorKind == reliability.KindBackendUnavailable,
			Detail:    res.Notice,
		})
	}

	reason := string(res.State)
	if res.Canceled {
		reason = "canceled"
	}
	c.send(ctx, protocol.AssistantTurnEnd{
		Type:      protocol.TypeAssistantTurnEnd,
		SessionID: c.sessionID,
		TurnID:    turnID,
		Reason:    reason,
		Text:      res.Response,
	})
}

func (c *wsConn) control(ctx context.Context, msg protocol.ClientControl) {
	switch msg.Action {
	case protocol.ActionCancel:
		c.cancelTurn()
	case protocol.ActionSwitchUser:
		if _, err := c.srv.sessions.SwitchUser(ctx, c.sessionID, msg.UserID); err != nil {
			_, code := statusFor(err)
			c.send(ctx, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: c.sessionID,
				Code:      code,
				Source:    "session",
				Detail:    err.Error(),
			})
			return
		}
		c.srv.metrics.SessionEvent("user_switched")
	}
}

func (c *wsConn) cancelTurn() {
	c.mu.Lock()
	ts := c.stream
	c.mu.Unlock()
	if ts != nil {
		ts.Cancel()
	}
}

func (c *wsConn) send(ctx context.Context, msg any) {
	select {
	case <-ctx.Done():
	case c.outbound <- msg:
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.UserMessage:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.AssistantTextDelta:
		return m.Type, true
	case protocol.MemoryContext:
		return m.Type, true
	case protocol.WarningEvent:
		return m.Type, true
	case protocol.AssistantTurnEnd:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
