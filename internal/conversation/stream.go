package conversation

import (
	"context"
	"strings"
)

// TurnStream exposes one running turn as a finite channel of text deltas. It cannot be
// restarted; Cancel stops delivery and the partial reply is discarded.
type TurnStream struct {
	turnID string
	deltas chan string
	done   chan struct{}
	cancel context.CancelFunc

	result TurnResult
}

// Stream starts a turn in the background. Session-level errors are returned immediately.
func (o *Orchestrator) Stream(ctx context.Context, sessionID, prompt string) (*TurnStream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	turn, err := o.begin(streamCtx, sessionID, prompt)
	if err != nil {
		cancel()
		return nil, err
	}

	ts := &TurnStream{
		turnID: turn.ID,
		deltas: make(chan string, 64),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go func() {
		defer close(ts.done)
		defer cancel()
		defer close(ts.deltas)
		ts.result = o.run(turn, strings.TrimSpace(prompt), func(delta string) error {
			select {
			case ts.deltas <- delta:
				return nil
			case <-turn.Ctx.Done():
				return turn.Ctx.Err()
			}
		})
	}()
	return ts, nil
}

func (s *TurnStream) TurnID() string { return s.turnID }

// Deltas is closed once the turn finished.
func (s *TurnStream) Deltas() <-chan string { return s.deltas }

func (s *TurnStream) Cancel() { s.cancel() }

// Result waits for the turn to finish.
func (s *TurnStream) Result() TurnResult {
	<-s.done
	return s.result
}
