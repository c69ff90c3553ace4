package bridge

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"time"

	"sofie/pkg/protocol"
)

var errNoFallback = errors.New("no fallback endpoint configured")

// streamHTTP runs chat as one cancellable request and replays the reply as
// the stream_chunk / stream_end events a socket would have produced. A new
// chat aborts the previous one. Aborted requests emit nothing further.
func (c *Channel) streamHTTP(chat protocol.Chat) {
	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.abortHTTPLocked()
	c.cancelHTTP = cancel
	c.httpSeq++
	seq := c.httpSeq
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			if c.httpSeq == seq {
				c.cancelHTTP = nil
			}
			c.mu.Unlock()
			cancel()
		}()

		if err := c.runHTTP(ctx, chat); err != nil {
			if ctx.Err() != nil {
				log.Info("HTTP request aborted")
				return
			}
			log.Error("HTTP chat failed", "err", err)
			c.emitError(ErrorHTTP, err)
			c.emitLocal(protocol.StreamEnd{
				ConversationID: c.ConversationID(),
				Error:          err.Error(),
			})
			return
		}
		if ctx.Err() != nil {
			log.Info("HTTP request aborted")
			return
		}

		c.emitLocal(protocol.StreamEnd{ConversationID: c.ConversationID()})
	}()
}

func (c *Channel) runHTTP(ctx context.Context, chat protocol.Chat) error {
	if c.opt.Fallback == nil {
		return errNoFallback
	}

	chunks := 0
	for chunk, err := range c.opt.Fallback.Stream(ctx, chat) {
		if err != nil {
			return fmt.Errorf("fallback stream: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if chunk == "" {
			continue
		}
		chunks++
		c.emitLocal(protocol.StreamChunk{Content: chunk})
	}

	log.Debug("HTTP stream complete", "chunks", chunks)
	return nil
}

// emitLocal dispatches a synthesized message exactly like a received frame.
func (c *Channel) emitLocal(msg protocol.Inbound) {
	c.dispatch(&protocol.Frame[protocol.Inbound]{
		Timestamp: time.Now(),
		Message:   msg,
	})
}
