package bridgeserver

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"sofie/pkg/protocol"
)

type peer struct {
	srv     *Server
	conn    *protocol.Conn
	limiter *rate.Limiter

	mu     sync.Mutex
	convID string
	cancel context.CancelFunc
	seq    uint64
}

func (p *peer) authed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.convID != ""
}

func (p *peer) serve() {
	deadline := time.AfterFunc(p.srv.opt.AuthTimeout, func() {
		log.Info("Client never authenticated", "remote", p.conn.URL())
		p.conn.Close("auth timeout")
	})
	defer deadline.Stop()
	defer p.interrupt()
	defer p.conn.Close("bye")

	for {
		in := p.conn.Read()
		if in.Kind != protocol.READ_OK {
			log.Debug("Client gone", "remote", p.conn.URL(), "err", in.Err)
			return
		}

		frame, err := protocol.DecodeRequest(in.Msg)
		if err != nil {
			log.Debug("Bad frame", "err", err)
			p.reply(protocol.ServerError{Message: err.Error()})
			continue
		}

		if auth, ok := frame.Message.(protocol.Auth); ok {
			if err := p.authenticate(auth); err != nil {
				log.Warn("Auth rejected", "user", auth.UserID, "err", err)
				p.reply(protocol.ServerError{Message: err.Error()})
				return
			}
			deadline.Stop()
			continue
		}
		if !p.authed() {
			p.reply(protocol.ServerError{Message: errAuthFirst.Error()})
			return
		}

		if done := p.handle(frame.Message); done {
			return
		}
	}
}

func (p *peer) authenticate(a protocol.Auth) error {
	user := a.UserID
	if len(p.srv.opt.Secret) > 0 {
		claims, err := VerifyToken(p.srv.opt.Secret, a.Token)
		if err != nil {
			return err
		}
		if claims.Subject != "" {
			user = claims.Subject
		}
	}

	p.mu.Lock()
	if p.convID == "" {
		p.convID = uuid.NewString()
	}
	id := p.convID
	p.mu.Unlock()

	log.Info("Client authenticated", "user", user, "version", a.ClientVersion, "capabilities", a.Capabilities)
	p.reply(protocol.AuthConfirmed{ConversationID: id})
	return nil
}

func (p *peer) handle(msg protocol.Outbound) bool {
	switch m := msg.(type) {
	case protocol.Chat:
		if p.limiter != nil && !p.limiter.Allow() {
			p.reply(protocol.ServerError{Message: "rate limit exceeded"})
			return false
		}
		p.srv.chats.Add(1)
		p.stream(m)
	case protocol.Interruption:
		log.Info("Interrupted", "conversation", m.ConversationID)
		p.interrupt()
	case protocol.Biometric:
		p.srv.biometrics.Add(1)
		p.srv.lastBio.Store(&m)
		log.Debug("Biometric", "source", m.Source, "confidence", m.Confidence)
	case protocol.Close:
		log.Info("Client closed", "remote", p.conn.URL())
		return true
	default:
		p.reply(protocol.ServerError{Message: fmt.Sprintf("unsupported message %T", msg)})
	}
	return false
}

// stream answers chat in the background. A newer chat or an interruption
// cancels it; a cancelled stream sends nothing more.
func (p *peer) stream(chat protocol.Chat) {
	ctx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.cancel = cancel
	p.seq++
	seq := p.seq
	// A chat without an id comes from a client that cleared its
	// conversation, so it starts a new one.
	if chat.Context.ConversationID == "" {
		p.convID = uuid.NewString()
		chat.Context.ConversationID = p.convID
	} else {
		p.convID = chat.Context.ConversationID
	}
	id := p.convID
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			if p.seq == seq {
				p.cancel = nil
			}
			p.mu.Unlock()
			cancel()
		}()

		for chunk, err := range p.srv.backend.Stream(ctx, chat) {
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				log.Error("Backend failed", "err", err)
				p.reply(protocol.ServerError{Message: err.Error()})
				p.reply(protocol.StreamEnd{ConversationID: id, Error: err.Error()})
				return
			}
			if chunk != "" {
				p.reply(protocol.StreamChunk{Content: chunk})
			}
		}
		if ctx.Err() == nil {
			p.reply(protocol.StreamEnd{ConversationID: id})
		}
	}()
}

func (p *peer) interrupt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

func (p *peer) reply(msg protocol.Inbound) {
	raw, err := protocol.EncodeReply(msg)
	if err != nil {
		log.Error("Encode reply", "kind", msg.Kind(), "err", err)
		return
	}
	if err := p.conn.Write(raw); err != nil {
		log.Debug("Write reply", "kind", msg.Kind(), "err", err)
	}
}
