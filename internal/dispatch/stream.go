package dispatch

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"unigate/internal/core"
)

// Stream is a dispatched streaming response. The channel is lazy and
// finite; the last chunk delivered has Terminal set and carries the final
// token counts, or the error that ended the stream.
type Stream struct {
	ch     chan core.Chunk
	chatID *uuid.UUID
}

// Chunks returns the delivery channel. It is closed after the terminal
// chunk, or without one when the caller's context was already cancelled.
func (s *Stream) Chunks() <-chan core.Chunk {
	return s.ch
}

// ChatID returns the chat this stream belongs to, nil for generate calls.
func (s *Stream) ChatID() *uuid.UUID {
	return s.chatID
}

// startStream opens the adapter stream and hands it to the relay goroutine.
// For chat calls, unlock releases the per-chat lock and is called once the
// assistant turn has been persisted.
func (d *Dispatcher) startStream(ctx context.Context, c *call, chatID *uuid.UUID, unlock func()) (*Stream, error) {
	callCtx, cancel := d.boundCtx(ctx)

	upstream, err := c.adapter.Stream(callCtx, c.inv)
	if err != nil {
		cancel()
		ge := c.asProviderError(callCtx, err)
		c.record(false, ge.Message, "", core.Usage{})
		return nil, ge
	}

	s := &Stream{ch: make(chan core.Chunk, 1), chatID: chatID}
	d.metrics.StreamStarted()
	go d.relay(ctx, callCtx, cancel, c, upstream, s, chatID, unlock)
	return s, nil
}

// relay forwards chunks from the adapter to the caller, accumulating the
// delivered text for persistence. When the caller's context is cancelled it
// stops forwarding, cancels the adapter call and drains the remaining
// chunks so the adapter's terminal token counts are still captured.
func (d *Dispatcher) relay(callerCtx, callCtx context.Context, cancel context.CancelFunc, c *call, upstream <-chan core.Chunk, s *Stream, chatID *uuid.UUID, unlock func()) {
	defer cancel()
	defer d.metrics.StreamFinished()
	if unlock != nil {
		defer unlock()
	}

	var text strings.Builder
	var tokens core.Usage
	var termErr *core.GatewayError
	cancelled := false

	for chunk := range upstream {
		if chunk.Terminal {
			tokens = core.Usage{
				InputTokens:     chunk.InputTokens,
				OutputTokens:    chunk.OutputTokens,
				ReasoningTokens: chunk.ReasoningTokens,
			}
			termErr = chunk.Err
		}
		if cancelled {
			continue
		}

		select {
		case s.ch <- chunk:
			// Only text handed to the caller counts towards the
			// persisted conversation.
			if chunk.Delta != "" {
				text.WriteString(chunk.Delta)
			}
		case <-callerCtx.Done():
			// Caller went away. Propagate cancellation upstream and
			// keep draining for the terminal counts only.
			cancelled = true
			cancel()
		}
	}
	close(s.ch)

	success := termErr == nil && !cancelled

	// The conversation records what the caller actually saw, so partial
	// text from a cancelled or failed stream is still appended.
	if chatID != nil && (success || text.Len() > 0) {
		if _, err := d.sessions.AppendMessage(context.WithoutCancel(callerCtx), *chatID, core.RoleAssistant, text.String()); err != nil {
			ge := core.NewStorageFailure("assistant message append", err)
			c.record(false, ge.Message, "", tokens)
			return
		}
	}

	switch {
	case cancelled:
		c.record(false, "cancelled by caller", "", tokens)
	case termErr != nil:
		c.record(false, termErr.Message, "", tokens)
	default:
		c.record(true, "", "", tokens)
	}
}
